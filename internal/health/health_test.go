package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readystackgo/readystackgo/internal/engine"
)

func TestAggregateAllHealthyIsHealthy(t *testing.T) {
	services := []ServiceSample{{Name: "web", Health: ServiceHealthy}, {Name: "db", Health: ServiceHealthy}}
	assert.Equal(t, OverallHealthy, aggregate(services))
}

func TestAggregateAnyUnhealthyIsUnhealthy(t *testing.T) {
	services := []ServiceSample{{Name: "web", Health: ServiceHealthy}, {Name: "db", Health: ServiceUnhealthy}}
	assert.Equal(t, OverallUnhealthy, aggregate(services))
}

func TestAggregateMixedHealthyStartingIsDegraded(t *testing.T) {
	services := []ServiceSample{{Name: "web", Health: ServiceHealthy}, {Name: "db", Health: ServiceStarting}}
	assert.Equal(t, OverallDegraded, aggregate(services))
}

func TestAggregateNoServicesIsUnknown(t *testing.T) {
	assert.Equal(t, OverallUnknown, aggregate(nil))
}

func TestRequiresAttentionSuppressedDuringUpgrade(t *testing.T) {
	assert.False(t, requiresAttention(OverallUnhealthy, engine.OperationModeUpgrading))
	assert.False(t, requiresAttention(OverallDegraded, engine.OperationModeRollingBack))
	assert.False(t, requiresAttention(OverallUnhealthy, engine.OperationModeMaintenance))
}

func TestRequiresAttentionTrueWhenUnhealthyAndNormal(t *testing.T) {
	assert.True(t, requiresAttention(OverallUnhealthy, engine.OperationModeNormal))
	assert.True(t, requiresAttention(OverallDegraded, engine.OperationModeNormal))
}

func TestRequiresAttentionFalseWhenHealthy(t *testing.T) {
	assert.False(t, requiresAttention(OverallHealthy, engine.OperationModeNormal))
}

func TestHistoryRingRetainsMostRecentNSamples(t *testing.T) {
	h := newHistory(3)
	for _, id := range []string{"s0", "s1", "s2", "s3", "s4"} {
		h.append(Sample{DeploymentID: id, Overall: OverallHealthy})
	}
	all := h.All()
	require.Len(t, all, 3)
	assert.Equal(t, []string{"s2", "s3", "s4"}, []string{all[0].DeploymentID, all[1].DeploymentID, all[2].DeploymentID})
}

func TestHistoryLastReturnsMostRecentAppend(t *testing.T) {
	h := newHistory(3)
	assert.False(t, func() bool { _, ok := h.last(); return ok }())

	h.append(Sample{Overall: OverallHealthy})
	h.append(Sample{Overall: OverallDegraded})

	last, ok := h.last()
	assert.True(t, ok)
	assert.Equal(t, OverallDegraded, last.Overall)
}

func TestSampleEqualIgnoringTimestampIgnoresOnlyTimestamp(t *testing.T) {
	a := Sample{DeploymentID: "d1", Overall: OverallHealthy, Services: []ServiceSample{{Name: "web", Health: ServiceHealthy}}}
	b := a
	b.Timestamp = a.Timestamp.Add(1)
	assert.True(t, a.equalIgnoringTimestamp(b))

	c := a
	c.Overall = OverallDegraded
	assert.False(t, a.equalIgnoringTimestamp(c))
}

func TestOperationModeReflectsDeploymentState(t *testing.T) {
	assert.Equal(t, engine.OperationModeUpgrading, engine.Deployment{Status: engine.StatusUpgrading}.OperationMode())
	assert.Equal(t, engine.OperationModeRollingBack, engine.Deployment{Status: engine.StatusRollingBack}.OperationMode())
	assert.Equal(t, engine.OperationModeMaintenance, engine.Deployment{Status: engine.StatusRunning, Maintenance: true}.OperationMode())
	assert.Equal(t, engine.OperationModeNormal, engine.Deployment{Status: engine.StatusRunning}.OperationMode())
}
