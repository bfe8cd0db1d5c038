package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// dependentContainer is a sibling container attached to another service's
// network namespace (`network_mode: service:X` in the compose file, which
// Docker exposes as `container:<id>` on the running container's
// HostConfig). Compose recreates the service containers themselves on
// Upgrade; it does not always notice that a sidecar pinned to a service's
// *old* container id now points at a container that no longer exists.
type dependentContainer struct {
	ContainerID    string
	Name           string
	Config         *container.Config
	HostConfig     *container.HostConfig
	OldNetworkMode string
}

// findStaleNetworkDependents lists every container in projectName and
// returns the ones whose network_mode references a container id that is
// not among currentContainerIDs — i.e. a sidecar still wired to the
// container an upgraded service replaced.
func findStaleNetworkDependents(ctx context.Context, cli *client.Client, log *logrus.Logger, projectName string, currentContainerIDs map[string]bool) ([]dependentContainer, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", "com.docker.compose.project="+projectName)

	containers, err := cli.ContainerList(ctx, container.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, fmt.Errorf("listing project containers: %w", err)
	}

	var stale []dependentContainer
	for _, c := range containers {
		inspect, err := cli.ContainerInspect(ctx, c.ID)
		if err != nil {
			log.WithError(err).WithField("container", c.ID).Warn("dependents: failed to inspect container, skipping")
			continue
		}
		if inspect.HostConfig == nil {
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
			Config:         inspect.Config,
			HostConfig:     inspect.HostConfig,
			OldNetworkMode: networkMode,
		})
	}
	return stale, nil
}

// recreateStaleNetworkDependents repoints every stale dependent at
// newContainerID, the just-recreated container for the service it shadows.
// A container that fails to recreate is reported by name but does not
// abort the others; the caller folds these into the upgrade's warnings
// rather than failing the whole operation, since the main services are
// already up.
func recreateStaleNetworkDependents(ctx context.Context, cli *client.Client, log *logrus.Logger, dependents []dependentContainer, newContainerID string) []string {
	var failed []string
	for _, dep := range dependents {
		if err := recreateOneDependent(ctx, cli, dep, newContainerID); err != nil {
			log.WithError(err).WithField("container", dep.Name).Error("dependents: failed to recreate network-mode sidecar")
			failed = append(failed, dep.Name)
		}
	}
	return failed
}

func recreateOneDependent(ctx context.Context, cli *client.Client, dep dependentContainer, newContainerID string) error {
	stopTimeout := 10
	if err := cli.ContainerStop(ctx, dep.ContainerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		_ = cli.ContainerKill(ctx, dep.ContainerID, "SIGKILL")
	}

	tempName := fmt.Sprintf("%s-rsgo-temp-%d", dep.Name, time.Now().Unix())
	if err := cli.ContainerRename(ctx, dep.ContainerID, tempName); err != nil {
		return fmt.Errorf("renaming old sidecar out of the way: %w", err)
	}

	hostConfig := *dep.HostConfig
	hostConfig.NetworkMode = container.NetworkMode("container:" + newContainerID)

	created, err := cli.ContainerCreate(ctx, dep.Config, &hostConfig, nil, nil, dep.Name)
	if err != nil {
		_ = cli.ContainerRename(ctx, dep.ContainerID, dep.Name)
		_ = cli.ContainerStart(ctx, dep.ContainerID, container.StartOptions{})
		return fmt.Errorf("creating replacement sidecar: %w", err)
	}

	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		_ = cli.ContainerRename(ctx, dep.ContainerID, dep.Name)
		_ = cli.ContainerStart(ctx, dep.ContainerID, container.StartOptions{})
		return fmt.Errorf("starting replacement sidecar: %w", err)
	}

	_ = cli.ContainerRemove(ctx, dep.ContainerID, container.RemoveOptions{Force: true})
	return nil
}
