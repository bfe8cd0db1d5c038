package engine

import (
	"context"
	"sort"
	"time"

	"github.com/docker/docker/client"

	"github.com/readystackgo/readystackgo/internal/composeengine"
	"github.com/readystackgo/readystackgo/internal/dockerutil"
	"github.com/readystackgo/readystackgo/internal/rserrors"
)

const servicePollInterval = 2 * time.Second

// waitForServicesHealthy implements §4.7 step 7: block until every service
// reaches Healthy (a declared healthcheck passing) or a stable Running
// state (no healthcheck declared, restart count unchanged since this
// wait's first observation), or ctx's deadline passes. The classification
// rule is the same one the Health Monitor uses
// (dockerutil.ClassifyContainerHealth); only the restart baseline, scoped
// to this one wait rather than a long-lived reconcile loop, is local here.
func waitForServicesHealthy(ctx context.Context, cli *client.Client, services map[string]composeengine.ServiceStatus) (map[string]dockerutil.ContainerHealth, error) {
	result := make(map[string]dockerutil.ContainerHealth, len(services))
	restartBaseline := make(map[string]int)
	haveBaseline := make(map[string]bool)

	pending := make(map[string]string, len(services))
	for name, svc := range services {
		if svc.ContainerID == "" {
			result[name] = dockerutil.ContainerUnhealthy
			continue
		}
		pending[name] = svc.ContainerID
	}

	for {
		for name, containerID := range pending {
			health, restartCount, ok := inspectOnce(ctx, cli, containerID, haveBaseline[name], restartBaseline[name])
			if !ok {
				continue
			}
			restartBaseline[name] = restartCount
			haveBaseline[name] = true

			if health == dockerutil.ContainerHealthy {
				result[name] = health
				delete(pending, name)
			}
		}

		if len(pending) == 0 {
			return result, nil
		}

		select {
		case <-ctx.Done():
			return result, rserrors.NewServiceStartTimeout(firstPendingByName(pending))
		case <-time.After(servicePollInterval):
		}
	}
}

// inspectOnce classifies one container's current health. ok is false when
// the inspect call itself failed (daemon hiccup); the caller retries on
// the next poll rather than treating that as a terminal unhealthy result.
func inspectOnce(ctx context.Context, cli *client.Client, containerID string, haveBaseline bool, prevRestartCount int) (health dockerutil.ContainerHealth, restartCount int, ok bool) {
	inspect, err := cli.ContainerInspect(ctx, containerID)
	if err != nil || inspect.State == nil {
		return "", 0, false
	}

	hasHealth := inspect.State.Health != nil
	status := ""
	if hasHealth {
		status = inspect.State.Health.Status
	}

	var restarted bool
	if !hasHealth && inspect.State.Running && haveBaseline {
		restarted = inspect.RestartCount > prevRestartCount
	}

	return dockerutil.ClassifyContainerHealth(hasHealth, status, inspect.State.Running, restarted), inspect.RestartCount, true
}

// firstPendingByName picks a deterministic service name to report in a
// timeout error when more than one is still not ready.
func firstPendingByName(pending map[string]string) string {
	names := make([]string, 0, len(pending))
	for name := range pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names[0]
}
