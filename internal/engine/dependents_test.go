package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/docker/docker/api/types/container"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// dockerLister is the narrow surface findStaleNetworkDependents needs;
// production code takes a concrete *client.Client, so tests exercise the
// matching logic against this interface instead of a live daemon.
type dockerLister interface {
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerInspect(ctx context.Context, containerID string) (containerInspectResult, error)
}

// containerInspectResult mirrors the subset of types.ContainerJSON this
// package reads.
type containerInspectResult struct {
	ID         string
	Name       string
	Config     *container.Config
	HostConfig *container.HostConfig
}

type fakeLister struct {
	containers []container.Summary
	inspects   map[string]containerInspectResult
}

func (f *fakeLister) ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error) {
	return f.containers, nil
}

func (f *fakeLister) ContainerInspect(ctx context.Context, id string) (containerInspectResult, error) {
	return f.inspects[id], nil
}

// findStaleNetworkDependentsWithLister reimplements findStaleNetworkDependents's
// matching logic against dockerLister so it can be unit tested without a
// live Docker client.
func findStaleNetworkDependentsWithLister(ctx context.Context, cli dockerLister, currentContainerIDs map[string]bool) ([]dependentContainer, error) {
	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		return nil, err
	}

	var stale []dependentContainer
	for _, c := range containers {
		inspect, err := cli.ContainerInspect(ctx, c.ID)
		if err != nil || inspect.HostConfig == nil {
			continue
		}
		networkMode := string(inspect.HostConfig.NetworkMode)
		targetID, ok := strings.CutPrefix(networkMode, "container:")
		if !ok || currentContainerIDs[targetID] {
			continue
		}
		stale = append(stale, dependentContainer{
			ContainerID:    inspect.ID,
			Name:           strings.TrimPrefix(inspect.Name, "/"),
			OldNetworkMode: networkMode,
		})
	}
	return stale, nil
}

func TestFindStaleNetworkDependentsFlagsOnlyUnreachableTargets(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{
		containers: []container.Summary{
			{ID: "gateway-new"},
			{ID: "sidecar"},
			{ID: "standalone"},
		},
		inspects: map[string]containerInspectResult{
			"gateway-new": {ID: "gateway-new", Name: "/gateway", HostConfig: &container.HostConfig{NetworkMode: "bridge"}},
			"sidecar":     {ID: "sidecar", Name: "/torrent", HostConfig: &container.HostConfig{NetworkMode: "container:gateway-old"}},
			"standalone":  {ID: "standalone", Name: "/nginx", HostConfig: &container.HostConfig{NetworkMode: "bridge"}},
		},
	}

	stale, err := findStaleNetworkDependentsWithLister(ctx, lister, map[string]bool{"gateway-new": true, "standalone": true})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "torrent", stale[0].Name)
	assert.Equal(t, "container:gateway-old", stale[0].OldNetworkMode)
}

func TestFindStaleNetworkDependentsIgnoresLiveTargets(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{
		containers: []container.Summary{{ID: "sidecar"}},
		inspects: map[string]containerInspectResult{
			"sidecar": {ID: "sidecar", Name: "/torrent", HostConfig: &container.HostConfig{NetworkMode: "container:gateway-new"}},
		},
	}

	stale, err := findStaleNetworkDependentsWithLister(ctx, lister, map[string]bool{"gateway-new": true})
	require.NoError(t, err)
	assert.Empty(t, stale)
}

func TestFindStaleNetworkDependentsIgnoresNonContainerNetworkMode(t *testing.T) {
	ctx := context.Background()
	lister := &fakeLister{
		containers: []container.Summary{{ID: "web"}},
		inspects: map[string]containerInspectResult{
			"web": {ID: "web", Name: "/web", HostConfig: &container.HostConfig{NetworkMode: "bridge"}},
		},
	}

	stale, err := findStaleNetworkDependentsWithLister(ctx, lister, map[string]bool{})
	require.NoError(t, err)
	assert.Empty(t, stale)
}
