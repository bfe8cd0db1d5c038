package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/readystackgo/readystackgo/internal/composeengine"
	"github.com/readystackgo/readystackgo/internal/config"
	"github.com/readystackgo/readystackgo/internal/initrunner"
	"github.com/readystackgo/readystackgo/internal/planner"
	"github.com/readystackgo/readystackgo/internal/progressbus"
	"github.com/readystackgo/readystackgo/internal/registry"
	"github.com/readystackgo/readystackgo/internal/retry"
	"github.com/readystackgo/readystackgo/internal/rserrors"
	"github.com/readystackgo/readystackgo/internal/snapshot"
	"github.com/readystackgo/readystackgo/internal/store"
	"github.com/readystackgo/readystackgo/internal/variables"
)

// inFlightOp tracks one deployment's currently-running operation so a
// repeated call with the same attemptId can observe its result instead of
// starting a second one, per §4.7's idempotence requirement.
type inFlightOp struct {
	attemptID string
	sessionID string
	done      chan struct{}
	result    Deployment
	err       error
}

// Engine runs Install/Upgrade/Rollback/Remove/MarkAsFailed against
// persisted Deployment records, serializing mutating operations per
// deploymentId (§5: "at most one in-flight mutating operation per
// deploymentId").
type Engine struct {
	metadata  store.MetadataStore
	snapshots *snapshot.Store
	bus       *progressbus.Bus
	cfg       *config.Config
	log       *logrus.Logger

	mu     sync.Mutex
	active map[string]*inFlightOp
}

// New builds an Engine.
func New(metadata store.MetadataStore, snapshots *snapshot.Store, bus *progressbus.Bus, cfg *config.Config, log *logrus.Logger) *Engine {
	return &Engine{
		metadata:  metadata,
		snapshots: snapshots,
		bus:       bus,
		cfg:       cfg,
		log:       log,
		active:    make(map[string]*inFlightOp),
	}
}

// OperationInput carries everything one Install/Upgrade/Rollback call needs
// beyond the persisted Deployment: the Environment's live Docker client, the
// registry credentials available to it, and the session identifying this
// operation's Progress Bus stream.
type OperationInput struct {
	SessionID        string
	AttemptID        string
	Cli              *client.Client
	Credentials      []registry.Credential
	AllowedHostPaths planner.AllowedHostPaths
	ComposeTemplate  string
	VariableDefs     []variables.Definition
	Variables        map[string]string
	TargetVersion    string
	ForceRecreate    bool
}

func (e *Engine) begin(deploymentID, attemptID, sessionID string) (op *inFlightOp, isNew bool, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.active[deploymentID]; ok {
		if existing.attemptID == attemptID {
			return existing, false, nil
		}
		return nil, false, rserrors.NewOperationInProgress(deploymentID)
	}

	op = &inFlightOp{attemptID: attemptID, sessionID: sessionID, done: make(chan struct{})}
	e.active[deploymentID] = op
	return op, true, nil
}

func (e *Engine) finish(deploymentID string, op *inFlightOp, result Deployment, err error) {
	op.result = result
	op.err = err
	close(op.done)

	e.mu.Lock()
	delete(e.active, deploymentID)
	e.mu.Unlock()
}

func (e *Engine) Get(ctx context.Context, deploymentID string) (Deployment, error) {
	rec, err := e.metadata.Get(ctx, store.NamespaceDeployments, deploymentID)
	if err == store.ErrNotFound {
		return Deployment{}, rserrors.NewNotFound(fmt.Sprintf("deployment %s", deploymentID))
	}
	if err != nil {
		return Deployment{}, rserrors.NewInternal(err.Error())
	}
	var d Deployment
	if err := json.Unmarshal(rec.Payload, &d); err != nil {
		return Deployment{}, rserrors.NewInternal(err.Error())
	}
	return d, nil
}

func (e *Engine) save(ctx context.Context, d Deployment) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return rserrors.NewInternal(err.Error())
	}
	if _, err := e.metadata.Put(ctx, store.NamespaceDeployments, d.ID, payload); err != nil {
		return rserrors.NewInternal(err.Error())
	}
	return nil
}

// ListByEnvironment returns every non-Removed deployment in environmentID,
// for the Health Monitor's per-environment reconcile loop.
func (e *Engine) ListByEnvironment(ctx context.Context, environmentID string) ([]Deployment, error) {
	records, err := e.metadata.List(ctx, store.NamespaceDeployments)
	if err != nil {
		return nil, rserrors.NewInternal(err.Error())
	}
	var out []Deployment
	for _, rec := range records {
		var d Deployment
		if err := json.Unmarshal(rec.Payload, &d); err != nil {
			continue
		}
		if d.EnvironmentID == environmentID && d.Status != StatusRemoved {
			out = append(out, d)
		}
	}
	return out, nil
}

// SetMaintenance toggles the operator-controlled Maintenance flag, which
// suppresses requiresAttention in the Health Monitor without pausing
// reconciliation (§4.9).
func (e *Engine) SetMaintenance(ctx context.Context, deploymentID string, on bool) (Deployment, error) {
	deployment, err := e.Get(ctx, deploymentID)
	if err != nil {
		return Deployment{}, err
	}
	deployment.Maintenance = on
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

// nameIsUnique checks the (environmentId, stackName) invariant from §3.
func (e *Engine) nameIsUnique(ctx context.Context, environmentID, stackName, excludeID string) (bool, error) {
	records, err := e.metadata.List(ctx, store.NamespaceDeployments)
	if err != nil {
		return false, rserrors.NewInternal(err.Error())
	}
	for _, rec := range records {
		if rec.ID == excludeID {
			continue
		}
		var d Deployment
		if err := json.Unmarshal(rec.Payload, &d); err != nil {
			continue
		}
		if d.EnvironmentID == environmentID && d.StackName == stackName && d.Status != StatusRemoved {
			return false, nil
		}
	}
	return true, nil
}

func validateVariables(defs []variables.Definition, provided map[string]string) error {
	for _, def := range defs {
		if !def.IsRequired {
			continue
		}
		if _, ok := provided[def.Name]; ok {
			continue
		}
		if def.DefaultValue != "" {
			continue
		}
		return rserrors.NewValidation("required variable %q has no value and no default", def.Name)
	}
	return nil
}

// renderAndPlan runs the Variable Engine then the Compose Planner, the
// shared step 3 of Install/Upgrade/Rollback (§4.7).
type planResult struct {
	plan        *planner.ServicePlan
	composePath string
	rendered    string
}

func renderAndPlan(ctx context.Context, in OperationInput, workingDir, projectName string) (planResult, error) {
	if err := validateVariables(in.VariableDefs, in.Variables); err != nil {
		return planResult{}, err
	}

	values := variables.Merge(variables.DefaultsOf(in.VariableDefs), in.Variables)
	rendered, err := variables.Render(in.ComposeTemplate, values)
	if err != nil {
		return planResult{}, err
	}

	composePath, err := planner.WriteComposeFile(workingDir, projectName, rendered)
	if err != nil {
		return planResult{}, rserrors.NewInternal(err.Error())
	}

	plan, err := planner.Plan(ctx, composePath, workingDir, projectName, values, nil, in.AllowedHostPaths)
	if err != nil {
		return planResult{}, err
	}
	return planResult{plan: plan, composePath: composePath, rendered: rendered}, nil
}

// uniqueImages returns the de-duplicated list of images a plan's main
// services reference, for the per-image pull step (§4.7 step 4).
func uniqueImages(plan *planner.ServicePlan) []string {
	seen := make(map[string]bool)
	var out []string
	for _, svc := range plan.Services {
		if svc.Image == "" || seen[svc.Image] {
			continue
		}
		seen[svc.Image] = true
		out = append(out, svc.Image)
	}
	return out
}

// pullImages pulls every image in images, up to imagePullFanout() at a
// time (§5: "pulls MAY run in parallel up to a configurable fan-out,
// default 4"), retrying each pull's transient failures per retryPolicy().
// The whole phase is bounded by pullImagesTimeout().
func (e *Engine) pullImages(ctx context.Context, in OperationInput, sessionID string, images []string) error {
	total := len(images)
	if total == 0 {
		return nil
	}

	pullCtx := ctx
	if timeout := e.pullImagesTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		pullCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(pullCtx)
	g.SetLimit(e.imagePullFanout())

	var completed int32
	for _, image := range images {
		image := image
		g.Go(func() error {
			username, secret := "", ""
			if cred, ok := registry.Resolve(image, in.Credentials); ok {
				username, secret = cred.Username, cred.Secret
			}

			onProgress := func(_ int, line string) {
				e.bus.PublishLog(progressbus.LogEntry{SessionID: sessionID, ContainerName: image, LogLine: line, Ts: time.Now()})
			}

			pullErr := retry.Do(gctx, e.retryPolicy(), func() error {
				return initrunner.PullImage(gctx, in.Cli, e.log, image, username, secret, onProgress)
			})
			if pullErr != nil {
				return rserrors.NewImagePullFailed(image, pullErr)
			}

			done := int(atomic.AddInt32(&completed, 1))
			e.bus.PublishProgress(progressbus.ProgressEvent{
				SessionID:         sessionID,
				Phase:             progressbus.PhasePullingImages,
				Message:           fmt.Sprintf("pulled %s", image),
				PercentComplete:   progressbus.BandPullingImages.Percent(done-1, total),
				TotalServices:     total,
				CompletedServices: done,
			})
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	e.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID:         sessionID,
		Phase:             progressbus.PhasePullingImages,
		Message:           "images pulled",
		PercentComplete:   progressbus.BandPullingImages.High,
		TotalServices:     total,
		CompletedServices: total,
	})
	return nil
}

// retryPolicy builds a retry.Policy from config.Config's retry fields,
// falling back to the spec defaults when the Engine was built without a
// Config.
func (e *Engine) retryPolicy() retry.Policy {
	if e.cfg == nil {
		return retry.Policy{Base: 500 * time.Millisecond, Factor: 2.0, Max: 3, Cap: 8 * time.Second}
	}
	return retry.Policy{Base: e.cfg.RetryBase, Factor: e.cfg.RetryFactor, Max: e.cfg.RetryMax, Cap: e.cfg.RetryCap}
}

func (e *Engine) imagePullFanout() int {
	if e.cfg != nil && e.cfg.ImagePullFanout > 0 {
		return e.cfg.ImagePullFanout
	}
	return 4
}

func (e *Engine) pullImagesTimeout() time.Duration {
	if e.cfg != nil {
		return e.cfg.PullImagesTimeout
	}
	return 15 * time.Minute
}

func (e *Engine) initContainersTimeout() time.Duration {
	if e.cfg != nil {
		return e.cfg.InitContainersTimeout
	}
	return 10 * time.Minute
}

func (e *Engine) runInitContainers(ctx context.Context, in OperationInput, sessionID, namePrefix string, plan *planner.ServicePlan) ([]InitContainerResultRecord, error) {
	if len(plan.InitContainers) == 0 {
		return nil, nil
	}

	runCtx := ctx
	if timeout := e.initContainersTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	runner := initrunner.New(in.Cli, e.bus, e.log)
	results, err := runner.Run(runCtx, sessionID, namePrefix, plan.InitContainers, in.Credentials)

	records := make([]InitContainerResultRecord, 0, len(results))
	for _, r := range results {
		records = append(records, InitContainerResultRecord{Name: r.Name, ExitCode: r.ExitCode, Failed: r.Failed})
	}
	return records, err
}

func (e *Engine) startServices(ctx context.Context, in OperationInput, sessionID, deploymentID, workingDir string, pr planResult) (composeengine.Outcome, error) {
	e.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID:       sessionID,
		Phase:           progressbus.PhaseStartingServices,
		Message:         fmt.Sprintf("starting %d service(s)", len(pr.plan.Services)),
		PercentComplete: progressbus.BandStartingServices.Low,
		TotalServices:   len(pr.plan.Services),
	})

	ce := composeengine.New(in.Cli, e.log)
	// Captured before Up so a post-recreate diff can tell which services
	// actually got a new container id (needed below to repair sidecars
	// pinned to the old one via network_mode: container:X).
	before, _ := ce.DiscoverServices(ctx, pr.plan.ProjectName)

	// Compose's own Up already orders by depends_on; the planner's Layers
	// (whose computation rejects dependency cycles) are not read here or by
	// the orchestrator.
	upErr := retry.Do(ctx, e.retryPolicy(), func() error {
		return ce.Up(ctx, pr.composePath, workingDir, pr.plan.ProjectName, deploymentID, in.Variables, in.Credentials, in.ForceRecreate)
	})
	if upErr != nil {
		return composeengine.Outcome{}, upErr
	}

	services, err := ce.DiscoverServices(ctx, pr.plan.ProjectName)
	if err != nil {
		return composeengine.Outcome{}, err
	}

	e.reconcileNetworkDependents(ctx, in.Cli, pr.plan.ProjectName, before, services)

	waitCtx, cancel := context.WithTimeout(ctx, e.serviceStartTimeout())
	health, waitErr := waitForServicesHealthy(waitCtx, in.Cli, services)
	cancel()
	if waitErr != nil {
		return composeengine.AnalyzeOutcome(services, health), waitErr
	}

	e.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID:         sessionID,
		Phase:             progressbus.PhaseStartingServices,
		Message:           "services started",
		PercentComplete:   progressbus.BandStartingServices.High,
		TotalServices:     len(pr.plan.Services),
		CompletedServices: len(pr.plan.Services),
	})

	return composeengine.AnalyzeOutcome(services, health), nil
}

// serviceStartTimeout is config.ServiceStartTimeout, falling back to the
// spec default when the Engine was built without a Config (as in tests
// that never reach startServices).
func (e *Engine) serviceStartTimeout() time.Duration {
	if e.cfg != nil && e.cfg.ServiceStartTimeout > 0 {
		return e.cfg.ServiceStartTimeout
	}
	return 120 * time.Second
}

// reconcileNetworkDependents repairs sidecar containers left pointed at a
// replaced container's network namespace (`network_mode: service:X`,
// surfaced by Docker as `container:<id>`). Compose recreates the declared
// service containers themselves; it does not reliably follow the old
// container id into containers outside its own dependency graph. Best
// effort: a sidecar that fails to recreate is logged and left running
// against the stale namespace rather than failing the whole operation.
func (e *Engine) reconcileNetworkDependents(ctx context.Context, cli *client.Client, projectName string, before, after map[string]composeengine.ServiceStatus) {
	if len(before) == 0 {
		return
	}

	replaced := make(map[string]string)
	for name, prevSvc := range before {
		newSvc, ok := after[name]
		if !ok || newSvc.ContainerID == "" || newSvc.ContainerID == prevSvc.ContainerID {
			continue
		}
		replaced[prevSvc.ContainerID] = newSvc.ContainerID
	}
	if len(replaced) == 0 {
		return
	}

	currentIDs := make(map[string]bool, len(after))
	for _, svc := range after {
		currentIDs[svc.ContainerID] = true
	}

	stale, err := findStaleNetworkDependents(ctx, cli, e.log, projectName, currentIDs)
	if err != nil {
		e.log.WithError(err).Warn("dependents: failed to scan for stale network-mode sidecars")
		return
	}

	for _, dep := range stale {
		targetID, ok := strings.CutPrefix(dep.OldNetworkMode, "container:")
		if !ok {
			continue
		}
		newID, ok := replaced[targetID]
		if !ok {
			continue
		}
		if failed := recreateStaleNetworkDependents(ctx, cli, e.log, []dependentContainer{dep}, newID); len(failed) > 0 {
			e.log.WithField("container", dep.Name).Warn("dependents: sidecar left pointed at a stale container")
		}
	}
}

func toServiceRecords(outcome composeengine.Outcome) []ServiceRecord {
	out := make([]ServiceRecord, 0, len(outcome.Services))
	for name, svc := range outcome.Services {
		out = append(out, ServiceRecord{Name: name, ContainerID: svc.ContainerID})
	}
	return out
}
