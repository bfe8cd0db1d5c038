package dockerutil

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// RuntimeInfo captures the daemon compatibility facts the Deployment Engine
// needs when creating or recreating containers.
type RuntimeInfo struct {
	IsPodman                 bool
	SupportsNetworkingConfig bool
	APIVersion               string
}

// DetectRuntime probes the daemon behind cli for Podman-vs-Docker identity
// and whether its API supports setting NetworkingConfig at container-create
// time (API >= 1.44); older daemons require a manual NetworkConnect after
// create.
func DetectRuntime(ctx context.Context, cli *client.Client, log *logrus.Logger) RuntimeInfo {
	var info RuntimeInfo

	isPodman, err := detectPodman(ctx, cli)
	if err != nil {
		log.WithError(err).Warn("failed to detect podman, assuming docker")
	}
	info.IsPodman = isPodman
	if isPodman {
		log.Info("detected podman runtime, applying compatibility fixes")
	}

	apiVersion, err := getAPIVersion(ctx, cli)
	if err != nil {
		log.WithError(err).Warn("failed to get docker API version")
	}
	info.APIVersion = apiVersion

	supports, err := supportsNetworkingConfig(apiVersion)
	if err != nil {
		log.WithError(err).Warn("failed to parse API version, assuming legacy networking")
	}
	info.SupportsNetworkingConfig = supports

	return info
}

func detectPodman(ctx context.Context, cli *client.Client) (bool, error) {
	info, err := cli.Info(ctx)
	if err != nil {
		return false, fmt.Errorf("docker info: %w", err)
	}

	if strings.Contains(strings.ToLower(info.OperatingSystem), "podman") {
		return true, nil
	}

	version, err := cli.ServerVersion(ctx)
	if err == nil {
		for _, comp := range version.Components {
			if strings.ToLower(comp.Name) == "podman" {
				return true, nil
			}
		}
	}

	return false, nil
}

func getAPIVersion(ctx context.Context, cli *client.Client) (string, error) {
	version, err := cli.ServerVersion(ctx)
	if err != nil {
		return "", fmt.Errorf("server version: %w", err)
	}
	return version.APIVersion, nil
}

func supportsNetworkingConfig(apiVersion string) (bool, error) {
	if apiVersion == "" {
		return false, fmt.Errorf("empty API version")
	}
	parts := strings.SplitN(apiVersion, ".", 3)
	if len(parts) < 2 {
		return false, fmt.Errorf("invalid API version format: %s", apiVersion)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return false, fmt.Errorf("invalid major version: %s", parts[0])
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return false, fmt.Errorf("invalid minor version: %s", parts[1])
	}
	return major > 1 || (major == 1 && minor >= 44), nil
}
