package composeengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/readystackgo/readystackgo/internal/dockerutil"
	"github.com/readystackgo/readystackgo/internal/registry"
)

func TestAnalyzeOutcomeAllRunningIsSuccess(t *testing.T) {
	services := map[string]ServiceStatus{
		"web": {ServiceName: "web", Status: "Up 2 minutes"},
		"db":  {ServiceName: "db", Status: "Up 2 minutes (healthy)"},
	}
	health := map[string]dockerutil.ContainerHealth{"web": dockerutil.ContainerHealthy, "db": dockerutil.ContainerHealthy}
	outcome := AnalyzeOutcome(services, health)
	assert.True(t, outcome.Success)
	assert.False(t, outcome.PartialSuccess)
	assert.Empty(t, outcome.FailedServices)
}

func TestAnalyzeOutcomeMixedIsPartialSuccess(t *testing.T) {
	services := map[string]ServiceStatus{
		"web": {ServiceName: "web", Status: "Up 2 minutes"},
		"db":  {ServiceName: "db", Status: "Exited (1) 3 seconds ago"},
	}
	health := map[string]dockerutil.ContainerHealth{"web": dockerutil.ContainerHealthy, "db": dockerutil.ContainerUnhealthy}
	outcome := AnalyzeOutcome(services, health)
	assert.False(t, outcome.Success)
	assert.True(t, outcome.PartialSuccess)
	assert.Equal(t, []string{"db"}, outcome.FailedServices)
}

func TestAnalyzeOutcomeAllFailedIsFailure(t *testing.T) {
	services := map[string]ServiceStatus{
		"db": {ServiceName: "db", Status: "Exited (1) 3 seconds ago"},
	}
	health := map[string]dockerutil.ContainerHealth{"db": dockerutil.ContainerUnhealthy}
	outcome := AnalyzeOutcome(services, health)
	assert.False(t, outcome.Success)
	assert.False(t, outcome.PartialSuccess)
	assert.Equal(t, []string{"db"}, outcome.FailedServices)
}

func TestAnalyzeOutcomeStartingHealthcheckIsNotYetHealthy(t *testing.T) {
	services := map[string]ServiceStatus{
		"cache": {ServiceName: "cache", Status: "Up 1 minute (health: starting)"},
	}
	health := map[string]dockerutil.ContainerHealth{"cache": dockerutil.ContainerStarting}
	outcome := AnalyzeOutcome(services, health)
	assert.False(t, outcome.Success)
	assert.Equal(t, []string{"cache"}, outcome.FailedServices)
}

func TestServerAddressesResolvesExplicitHost(t *testing.T) {
	cred := registry.NewCredential("c1", "ghcr", "user", "secret", []string{"ghcr.io/acme/**"}, false, 0)
	addrs := serverAddresses(cred)
	assert.Equal(t, []string{"ghcr.io"}, addrs)
}

func TestServerAddressesFallsBackToDockerHub(t *testing.T) {
	cred := registry.NewCredential("c1", "hub", "user", "secret", []string{"library/*"}, true, 0)
	addrs := serverAddresses(cred)
	assert.Equal(t, []string{"https://index.docker.io/v1/"}, addrs)
}

func TestShortIDTruncatesLongIDs(t *testing.T) {
	assert.Equal(t, "abcdefabcdef", shortID("abcdefabcdefabcdefabcdef"))
	assert.Equal(t, "short", shortID("short"))
}
