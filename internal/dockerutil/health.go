package dockerutil

// ContainerHealth is a single container's derived health, shared by the
// Health Monitor's reconcile loop and the Deployment Engine's step-7
// wait-for-start.
type ContainerHealth string

const (
	ContainerHealthy   ContainerHealth = "Healthy"
	ContainerStarting  ContainerHealth = "Starting"
	ContainerUnhealthy ContainerHealth = "Unhealthy"
)

// ClassifyContainerHealth derives health the same way regardless of
// caller: prefer Docker's own healthcheck verdict when the container
// declares one, otherwise fall back to running state plus whether its
// restart count has moved since the caller's own baseline.
func ClassifyContainerHealth(hasHealthcheck bool, healthStatus string, running bool, recentlyRestarted bool) ContainerHealth {
	if hasHealthcheck {
		switch healthStatus {
		case "healthy":
			return ContainerHealthy
		case "starting":
			return ContainerStarting
		default:
			return ContainerUnhealthy
		}
	}
	if !running {
		return ContainerUnhealthy
	}
	if recentlyRestarted {
		return ContainerStarting
	}
	return ContainerHealthy
}
