// Package health implements the Health Monitor (C9): one reconcile loop per
// Environment that correlates containers back to Deployments via labels
// and derives a deployment-level health summary.
package health

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/readystackgo/readystackgo/internal/dockerutil"
	"github.com/readystackgo/readystackgo/internal/engine"
	"github.com/readystackgo/readystackgo/internal/progressbus"
)

// ServiceHealth is one service container's health classification.
type ServiceHealth string

const (
	ServiceHealthy   ServiceHealth = "Healthy"
	ServiceStarting  ServiceHealth = "Starting"
	ServiceUnhealthy ServiceHealth = "Unhealthy"
)

// OverallStatus is a deployment's aggregated health.
type OverallStatus string

const (
	OverallHealthy   OverallStatus = "Healthy"
	OverallDegraded  OverallStatus = "Degraded"
	OverallUnhealthy OverallStatus = "Unhealthy"
	OverallUnknown   OverallStatus = "Unknown"
)

// ServiceSample is one service's health at one reconcile cycle.
type ServiceSample struct {
	Name        string
	ContainerID string
	Health      ServiceHealth
}

// Sample is one deployment's health at one reconcile cycle, the unit
// retained in the bounded history ring.
type Sample struct {
	DeploymentID      string
	Timestamp         time.Time
	Services          []ServiceSample
	Overall           OverallStatus
	OperationMode     engine.OperationMode
	RequiresAttention bool
}

func (s Sample) equalIgnoringTimestamp(o Sample) bool {
	if s.DeploymentID != o.DeploymentID || s.Overall != o.Overall || s.OperationMode != o.OperationMode || s.RequiresAttention != o.RequiresAttention {
		return false
	}
	if len(s.Services) != len(o.Services) {
		return false
	}
	for i := range s.Services {
		if s.Services[i] != o.Services[i] {
			return false
		}
	}
	return true
}

// history is a bounded ring buffer of Samples for one deployment.
type history struct {
	samples []Sample
	max     int
	next    int
	full    bool
}

func newHistory(max int) *history {
	if max <= 0 {
		max = 288
	}
	return &history{samples: make([]Sample, max), max: max}
}

func (h *history) append(s Sample) {
	h.samples[h.next] = s
	h.next = (h.next + 1) % h.max
	if h.next == 0 {
		h.full = true
	}
}

func (h *history) last() (Sample, bool) {
	if !h.full && h.next == 0 {
		return Sample{}, false
	}
	idx := h.next - 1
	if idx < 0 {
		idx = h.max - 1
	}
	return h.samples[idx], true
}

// All returns the retained samples, oldest first.
func (h *history) All() []Sample {
	if !h.full {
		out := make([]Sample, h.next)
		copy(out, h.samples[:h.next])
		return out
	}
	out := make([]Sample, h.max)
	copy(out, h.samples[h.next:])
	copy(out[h.max-h.next:], h.samples[:h.next])
	return out
}

// restartBaseline remembers the last-seen restart count so a recent bump
// can be classified as Starting rather than outright Unhealthy.
type restartBaseline struct {
	count int
	seen  time.Time
}

// Monitor runs one reconcile loop against one Environment's Docker daemon.
type Monitor struct {
	environmentID string
	cli           *client.Client
	engine        *engine.Engine
	bus           *progressbus.Bus
	log           *logrus.Logger

	interval      time.Duration
	jitterPct     int
	historySize   int
	cycleTimeout  time.Duration

	mu        sync.Mutex
	history   map[string]*history
	restarts  map[string]restartBaseline
}

// Config carries the tunables the supervisor loads from the process
// Config (§4.9: 10s default interval, ±10% jitter, 288-sample history).
type Config struct {
	Interval     time.Duration
	JitterPct    int
	HistorySize  int
	CycleTimeout time.Duration
}

// New builds a Monitor for one Environment.
func New(environmentID string, cli *client.Client, eng *engine.Engine, bus *progressbus.Bus, log *logrus.Logger, cfg Config) *Monitor {
	return &Monitor{
		environmentID: environmentID,
		cli:           cli,
		engine:        eng,
		bus:           bus,
		log:           log,
		interval:      cfg.Interval,
		jitterPct:     cfg.JitterPct,
		historySize:   cfg.HistorySize,
		cycleTimeout:  cfg.CycleTimeout,
		history:       make(map[string]*history),
		restarts:      make(map[string]restartBaseline),
	}
}

// Run loops Reconcile at the configured jittered interval until ctx is
// canceled. Cycles never overlap (§5): Reconcile runs inline, each cycle
// bounded by cycleTimeout, and the next interval starts only after it
// returns. A cycle that runs longer than the interval delays the next one;
// no tick is skipped and no warning is logged for it.
func (m *Monitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.jitteredInterval()):
		}

		cycleCtx, cancel := context.WithTimeout(ctx, m.cycleTimeout)
		err := m.Reconcile(cycleCtx)
		cancel()
		if err != nil {
			m.log.WithError(err).WithField("environment", m.environmentID).Warn("health: reconcile cycle failed")
		}
	}
}

func (m *Monitor) jitteredInterval() time.Duration {
	if m.jitterPct <= 0 {
		return m.interval
	}
	spread := float64(m.interval) * float64(m.jitterPct) / 100
	delta := (rand.Float64()*2 - 1) * spread
	return m.interval + time.Duration(delta)
}

// Reconcile runs one cycle: list containers, correlate to deployments,
// compute health, and emit change events.
func (m *Monitor) Reconcile(ctx context.Context) error {
	deployments, err := m.engine.ListByEnvironment(ctx, m.environmentID)
	if err != nil {
		return fmt.Errorf("listing deployments: %w", err)
	}

	containersByDeployment, err := m.listContainersByDeployment(ctx)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}

	for _, d := range deployments {
		sample := m.sampleDeployment(ctx, d, containersByDeployment[d.ID])
		m.recordAndPublish(d.ID, sample)
	}
	return nil
}

func (m *Monitor) listContainersByDeployment(ctx context.Context) (map[string][]dockercontainer.Summary, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", "rsgo.deployment")

	containers, err := m.cli.ContainerList(ctx, dockercontainer.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]dockercontainer.Summary)
	for _, c := range containers {
		id := c.Labels["rsgo.deployment"]
		if id == "" {
			continue
		}
		out[id] = append(out[id], c)
	}
	return out, nil
}

func (m *Monitor) sampleDeployment(ctx context.Context, d engine.Deployment, containers []dockercontainer.Summary) Sample {
	sample := Sample{
		DeploymentID:  d.ID,
		Timestamp:     time.Now().UTC(),
		OperationMode: d.OperationMode(),
	}

	if len(containers) == 0 {
		sample.Overall = OverallUnknown
		sample.RequiresAttention = false
		return sample
	}

	for _, c := range containers {
		name := c.Labels["rsgo.service"]
		if name == "" {
			name = strings.TrimPrefix(firstOrEmpty(c.Names), "/")
		}
		sample.Services = append(sample.Services, ServiceSample{
			Name:        name,
			ContainerID: c.ID,
			Health:      m.classify(ctx, c),
		})
	}

	sample.Overall = aggregate(sample.Services)
	sample.RequiresAttention = requiresAttention(sample.Overall, sample.OperationMode)
	return sample
}

func firstOrEmpty(names []string) string {
	if len(names) == 0 {
		return ""
	}
	return names[0]
}

// classify implements step 2 of §4.9: prefer Docker's own healthcheck
// verdict when the container declares one, otherwise fall back to
// running-state plus a recent-restart heuristic. The decision rule itself
// is shared with the Deployment Engine's step-7 wait-for-start
// (dockerutil.ClassifyContainerHealth); only the inspect call and the
// restart baseline bookkeeping are specific to this reconcile loop.
func (m *Monitor) classify(ctx context.Context, c dockercontainer.Summary) ServiceHealth {
	inspect, err := m.cli.ContainerInspect(ctx, c.ID)
	if err != nil {
		return ServiceUnhealthy
	}
	if inspect.State == nil {
		return ServiceUnhealthy
	}

	hasHealth := inspect.State.Health != nil
	status := ""
	if hasHealth {
		status = inspect.State.Health.Status
	}

	var restarted bool
	if !hasHealth && inspect.State.Running {
		restarted = m.recentlyRestarted(c.ID, inspect.RestartCount)
	}

	switch dockerutil.ClassifyContainerHealth(hasHealth, status, inspect.State.Running, restarted) {
	case dockerutil.ContainerHealthy:
		return ServiceHealthy
	case dockerutil.ContainerStarting:
		return ServiceStarting
	default:
		return ServiceUnhealthy
	}
}

// recentlyRestarted returns true the first cycle a container's restart
// count is seen to have increased, then stops flagging it once the count
// has been stable across a cycle.
func (m *Monitor) recentlyRestarted(containerID string, restartCount int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.restarts[containerID]
	m.restarts[containerID] = restartBaseline{count: restartCount, seen: time.Now()}
	if !ok {
		return false
	}
	return restartCount > prev.count
}

func aggregate(services []ServiceSample) OverallStatus {
	if len(services) == 0 {
		return OverallUnknown
	}
	var healthy, unhealthy int
	for _, s := range services {
		switch s.Health {
		case ServiceHealthy:
			healthy++
		case ServiceUnhealthy:
			unhealthy++
		}
	}
	switch {
	case unhealthy > 0:
		return OverallUnhealthy
	case healthy == len(services):
		return OverallHealthy
	default:
		return OverallDegraded
	}
}

func requiresAttention(overall OverallStatus, mode engine.OperationMode) bool {
	if overall != OverallUnhealthy && overall != OverallDegraded {
		return false
	}
	return mode != engine.OperationModeUpgrading && mode != engine.OperationModeRollingBack && mode != engine.OperationModeMaintenance
}

// recordAndPublish appends sample to deploymentID's history ring and, when
// it differs from the last retained sample, emits a health-change event.
func (m *Monitor) recordAndPublish(deploymentID string, sample Sample) {
	m.mu.Lock()
	h, ok := m.history[deploymentID]
	if !ok {
		h = newHistory(m.historySize)
		m.history[deploymentID] = h
	}
	last, hadLast := h.last()
	h.append(sample)
	m.mu.Unlock()

	if hadLast && last.equalIgnoringTimestamp(sample) {
		return
	}

	m.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID: fmt.Sprintf("deployment:%s", deploymentID),
		Message:   fmt.Sprintf("health: %s is now %s", deploymentID, sample.Overall),
	})
	m.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID: fmt.Sprintf("env:%s", m.environmentID),
		Message:   fmt.Sprintf("health: %s is now %s", deploymentID, sample.Overall),
	})
}

// History returns the retained samples for one deployment, oldest first.
func (m *Monitor) History(deploymentID string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.history[deploymentID]
	if !ok {
		return nil
	}
	return h.All()
}
