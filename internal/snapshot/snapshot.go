// Package snapshot implements the Snapshot Store (C6): capturing and
// restoring a Deployment's pre-change configuration so a failed Upgrade can
// be rolled back to bit-identical images.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/readystackgo/readystackgo/internal/rserrors"
	"github.com/readystackgo/readystackgo/internal/store"
)

// Kind distinguishes why a snapshot was captured.
type Kind string

const (
	KindPreUpgrade  Kind = "PreUpgrade"
	KindPreRollback Kind = "PreRollback"
)

// Snapshot is a rollback target captured before a mutating change (§3).
type Snapshot struct {
	ID               string            `json:"id"`
	DeploymentID     string            `json:"deploymentId"`
	Kind             Kind              `json:"kind"`
	CapturedAt       time.Time         `json:"capturedAt"`
	ComposeTemplate  string            `json:"composeTemplate"`
	ResolvedVars     map[string]string `json:"resolvedVariables"`
	ImageDigests     map[string]string `json:"imageDigests"`
	TargetVersion    string            `json:"targetVersion"`
	Description      string            `json:"description,omitempty"`
}

// Store captures and retrieves Snapshots for Deployments, backed by a
// MetadataStore. Index entries live under NamespaceSnapshots keyed by the
// snapshot's own id; a per-deployment index key tracks the active
// PreUpgrade snapshot so canRollback/Restore don't need a table scan.
type Store struct {
	backing store.MetadataStore
}

// New builds a Snapshot Store over backing.
func New(backing store.MetadataStore) *Store {
	return &Store{backing: backing}
}

type deploymentIndex struct {
	ActivePreUpgradeID string `json:"activePreUpgradeId"`
}

func indexKey(deploymentID string) string { return "index:" + deploymentID }

// Capture records a new Snapshot of kind for deploymentID. When kind is
// PreUpgrade, any existing active PreUpgrade snapshot for this deployment
// is superseded (§4.6: "only one active PreUpgrade snapshot per deployment
// exists") but not deleted, since a Rollback that later fails may still
// need history; only the index pointer moves. The snapshot record and the
// index pointer are two separate writes: if the index write fails, Capture
// returns the error and the previous active snapshot stays active.
func (s *Store) Capture(ctx context.Context, deploymentID string, kind Kind, composeTemplate string, resolvedVars map[string]string, imageDigests map[string]string, targetVersion, description string) (Snapshot, error) {
	snap := Snapshot{
		ID:              uuid.NewString(),
		DeploymentID:    deploymentID,
		Kind:            kind,
		CapturedAt:      time.Now().UTC(),
		ComposeTemplate: composeTemplate,
		ResolvedVars:    resolvedVars,
		ImageDigests:    imageDigests,
		TargetVersion:   targetVersion,
		Description:     description,
	}

	payload, err := json.Marshal(snap)
	if err != nil {
		return Snapshot{}, rserrors.NewInternal(fmt.Sprintf("marshaling snapshot: %v", err))
	}
	if _, err := s.backing.Put(ctx, store.NamespaceSnapshots, snap.ID, payload); err != nil {
		return Snapshot{}, rserrors.NewInternal(fmt.Sprintf("storing snapshot: %v", err))
	}

	if kind == KindPreUpgrade {
		if err := s.setActivePreUpgrade(ctx, deploymentID, snap.ID); err != nil {
			return Snapshot{}, err
		}
	}

	return snap, nil
}

func (s *Store) setActivePreUpgrade(ctx context.Context, deploymentID, snapshotID string) error {
	idx := deploymentIndex{ActivePreUpgradeID: snapshotID}
	payload, err := json.Marshal(idx)
	if err != nil {
		return rserrors.NewInternal(fmt.Sprintf("marshaling snapshot index: %v", err))
	}
	if _, err := s.backing.Put(ctx, store.NamespaceSnapshots, indexKey(deploymentID), payload); err != nil {
		return rserrors.NewInternal(fmt.Sprintf("storing snapshot index: %v", err))
	}
	return nil
}

// ActivePreUpgrade returns the active PreUpgrade snapshot for deploymentID,
// or ok=false if none has been captured.
func (s *Store) ActivePreUpgrade(ctx context.Context, deploymentID string) (Snapshot, bool, error) {
	rec, err := s.backing.Get(ctx, store.NamespaceSnapshots, indexKey(deploymentID))
	if err == store.ErrNotFound {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, rserrors.NewInternal(fmt.Sprintf("reading snapshot index: %v", err))
	}

	var idx deploymentIndex
	if err := json.Unmarshal(rec.Payload, &idx); err != nil {
		return Snapshot{}, false, rserrors.NewInternal(fmt.Sprintf("decoding snapshot index: %v", err))
	}
	if idx.ActivePreUpgradeID == "" {
		return Snapshot{}, false, nil
	}

	return s.get(ctx, idx.ActivePreUpgradeID)
}

// Restore returns the most recent matching snapshot for a rollback.
// Per §4.6, rollback restores the active PreUpgrade snapshot.
func (s *Store) Restore(ctx context.Context, deploymentID string) (Snapshot, error) {
	snap, ok, err := s.ActivePreUpgrade(ctx, deploymentID)
	if err != nil {
		return Snapshot{}, err
	}
	if !ok {
		return Snapshot{}, rserrors.NewNoSnapshot(deploymentID)
	}
	return snap, nil
}

func (s *Store) get(ctx context.Context, id string) (Snapshot, bool, error) {
	rec, err := s.backing.Get(ctx, store.NamespaceSnapshots, id)
	if err == store.ErrNotFound {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, rserrors.NewInternal(fmt.Sprintf("reading snapshot %s: %v", id, err))
	}
	var snap Snapshot
	if err := json.Unmarshal(rec.Payload, &snap); err != nil {
		return Snapshot{}, false, rserrors.NewInternal(fmt.Sprintf("decoding snapshot %s: %v", id, err))
	}
	return snap, true, nil
}

// CanRollback is true iff an active PreUpgrade snapshot exists for
// deploymentID. The Deployment-state half of §4.6's canRollback condition
// (Failed with lastOperation=Upgrade) is the Deployment Engine's concern,
// not the Snapshot Store's; see engine.Deployment.CanRollback.
func (s *Store) CanRollback(ctx context.Context, deploymentID string) (bool, error) {
	_, ok, err := s.ActivePreUpgrade(ctx, deploymentID)
	return ok, err
}
