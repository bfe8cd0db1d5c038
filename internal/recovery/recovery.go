// Package recovery implements the Recovery Supervisor (C10): a one-shot
// startup sweep that unwedges deployments left mid-operation by a process
// that crashed or was killed.
package recovery

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/readystackgo/readystackgo/internal/engine"
	"github.com/readystackgo/readystackgo/internal/health"
	"github.com/readystackgo/readystackgo/internal/store"
)

// inFlightStatuses are the Deployment statuses that can only be observed
// while a mutating Operation task is actually running; surviving process
// restart in one of these means the task that was driving it is gone.
var inFlightStatuses = map[engine.Status]bool{
	engine.StatusInstalling:  true,
	engine.StatusUpgrading:   true,
	engine.StatusRollingBack: true,
	engine.StatusRemoving:    true,
}

// Sweep runs once at process start (§4.10): every Deployment persisted in
// an in-flight status is marked Failed, then one health reconcile runs per
// affected environment so the Health Monitor's first sample reflects real
// container state rather than the stale in-flight one.
func Sweep(ctx context.Context, metadata store.MetadataStore, eng *engine.Engine, monitors map[string]*health.Monitor, log *logrus.Logger) error {
	records, err := metadata.List(ctx, store.NamespaceDeployments)
	if err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}

	environmentsToReconcile := make(map[string]bool)

	for _, rec := range records {
		d, err := eng.Get(ctx, rec.ID)
		if err != nil {
			log.WithError(err).WithField("deployment", rec.ID).Warn("recovery: skipping unreadable deployment record")
			continue
		}
		if !inFlightStatuses[d.Status] {
			continue
		}

		reason := fmt.Sprintf("process terminated during %s", d.Status)
		if _, err := eng.MarkAsFailed(ctx, d.ID, reason); err != nil {
			log.WithError(err).WithField("deployment", d.ID).Error("recovery: failed to mark in-flight deployment as Failed")
			continue
		}
		log.WithFields(logrus.Fields{"deployment": d.ID, "environment": d.EnvironmentID, "status": d.Status}).
			Warn("recovery: marked crashed in-flight deployment as Failed")
		environmentsToReconcile[d.EnvironmentID] = true
	}

	for envID := range environmentsToReconcile {
		monitor, ok := monitors[envID]
		if !ok {
			continue
		}
		if err := monitor.Reconcile(ctx); err != nil {
			log.WithError(err).WithField("environment", envID).Warn("recovery: post-sweep health reconcile failed")
		}
	}

	return nil
}
