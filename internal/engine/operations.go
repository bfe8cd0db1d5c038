package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/docker/docker/client"
	"github.com/google/uuid"

	"github.com/readystackgo/readystackgo/internal/composeengine"
	"github.com/readystackgo/readystackgo/internal/progressbus"
	"github.com/readystackgo/readystackgo/internal/retry"
	"github.com/readystackgo/readystackgo/internal/rserrors"
	"github.com/readystackgo/readystackgo/internal/snapshot"
)

// stacksDir is the root under which rendered compose files for every
// deployment are written; callers needing a different layout can still
// reach planner.WriteComposeFile directly.
const stacksDir = "/var/lib/readystackgo/stacks"

// Install runs the Install algorithm (§4.7 steps 1-8): validate, snapshot,
// render+plan, pull images, run init containers, start services, observe
// health readiness.
func (e *Engine) Install(ctx context.Context, deploymentID, environmentID, stackDefinitionID, stackName string, in OperationInput) (Deployment, error) {
	op, isNew, err := e.begin(deploymentID, in.AttemptID, in.SessionID)
	if err != nil {
		return Deployment{}, err
	}
	if !isNew {
		<-op.done
		return op.result, op.err
	}

	result, opErr := e.doInstall(ctx, deploymentID, environmentID, stackDefinitionID, stackName, in)
	e.finish(deploymentID, op, result, opErr)
	return result, opErr
}

func (e *Engine) doInstall(ctx context.Context, deploymentID, environmentID, stackDefinitionID, stackName string, in OperationInput) (Deployment, error) {
	e.publishPhase(in.SessionID, progressbus.PhasePreparing, "validating", progressbus.BandPreparing.Low)

	unique, err := e.nameIsUnique(ctx, environmentID, stackName, deploymentID)
	if err != nil {
		return Deployment{}, err
	}
	if !unique {
		return Deployment{}, rserrors.NewValidation("stack name %q already deployed in this environment", stackName)
	}
	if err := validateVariables(in.VariableDefs, in.Variables); err != nil {
		return Deployment{}, err
	}

	deployment := Deployment{
		ID:                deploymentID,
		EnvironmentID:     environmentID,
		StackDefinitionID: stackDefinitionID,
		StackName:         stackName,
		Status:            StatusInstalling,
		LastOperation:     OperationInstall,
		CurrentVersion:    in.TargetVersion,
		LastAttemptID:     in.AttemptID,
	}
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	// Step 2: snapshot with empty previous state (no containers exist yet
	// for this deployment, so there are no running images to read
	// RepoDigests from), so a failed Install leaves a clean Failed record
	// rather than a half-written one.
	if _, err := e.snapshots.Capture(ctx, deploymentID, snapshot.KindPreUpgrade, "", nil, nil, in.TargetVersion, "pre-install"); err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	workingDir := filepath.Join(stacksDir, deploymentID)
	pr, err := renderAndPlan(ctx, in, workingDir, stackName)
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	e.publishPhase(in.SessionID, progressbus.PhasePullingImages, "pulling images", progressbus.BandPullingImages.Low)
	if err := e.pullImages(ctx, in, in.SessionID, uniqueImages(pr.plan)); err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	initResults, err := e.runInitContainers(ctx, in, in.SessionID, stackName, pr.plan)
	deployment.InitContainerResults = initResults
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	outcome, err := e.startServices(ctx, in, in.SessionID, deploymentID, workingDir, pr)
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}
	deployment.Services = toServiceRecords(outcome)

	if !outcome.Success && !outcome.PartialSuccess {
		return e.fail(ctx, in.SessionID, deployment, rserrors.NewInternal(fmt.Sprintf("no services came up: %v", outcome.FailedServices)))
	}

	deployment.Status = StatusRunning
	deployment.DeployedAt = time.Now().UTC()
	deployment.RenderedCompose = pr.rendered
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	e.publishTerminal(in.SessionID, true, "install complete")
	return deployment, nil
}

// Upgrade runs the Upgrade algorithm: capture snapshot, re-render and plan,
// recreate only the services whose definitions changed (left to compose's
// own RecreateDiverged policy unless ForceRecreate is set).
func (e *Engine) Upgrade(ctx context.Context, deploymentID string, in OperationInput) (Deployment, error) {
	op, isNew, err := e.begin(deploymentID, in.AttemptID, in.SessionID)
	if err != nil {
		return Deployment{}, err
	}
	if !isNew {
		<-op.done
		return op.result, op.err
	}

	result, opErr := e.doUpgrade(ctx, deploymentID, in)
	e.finish(deploymentID, op, result, opErr)
	return result, opErr
}

func (e *Engine) doUpgrade(ctx context.Context, deploymentID string, in OperationInput) (Deployment, error) {
	deployment, err := e.Get(ctx, deploymentID)
	if err != nil {
		return Deployment{}, err
	}
	if deployment.Status != StatusRunning {
		return Deployment{}, rserrors.NewValidation("deployment %s must be Running to upgrade, is %s", deploymentID, deployment.Status)
	}

	deployment.Status = StatusUpgrading
	deployment.LastOperation = OperationUpgrade
	deployment.LastAttemptID = in.AttemptID
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	workingDir := filepath.Join(stacksDir, deploymentID)
	digests := e.currentImageDigests(ctx, in.Cli, deployment.StackName)
	if _, err := e.snapshots.Capture(ctx, deploymentID, snapshot.KindPreUpgrade, deployment.RenderedCompose, deployment.ResolvedVariables, digests, deployment.CurrentVersion, "pre-upgrade"); err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	pr, err := renderAndPlan(ctx, in, workingDir, deployment.StackName)
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	e.publishPhase(in.SessionID, progressbus.PhasePullingImages, "pulling images", progressbus.BandPullingImages.Low)
	if err := e.pullImages(ctx, in, in.SessionID, uniqueImages(pr.plan)); err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	initResults, err := e.runInitContainers(ctx, in, in.SessionID, deployment.StackName, pr.plan)
	deployment.InitContainerResults = initResults
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	outcome, err := e.startServices(ctx, in, in.SessionID, deploymentID, workingDir, pr)
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}
	deployment.Services = toServiceRecords(outcome)

	if !outcome.Success && !outcome.PartialSuccess {
		return e.fail(ctx, in.SessionID, deployment, rserrors.NewInternal(fmt.Sprintf("no services came up: %v", outcome.FailedServices)))
	}

	deployment.Status = StatusRunning
	deployment.CurrentVersion = in.TargetVersion
	deployment.ResolvedVariables = in.Variables
	deployment.RenderedCompose = pr.rendered
	deployment.UpgradeCount++
	deployment.DeployedAt = time.Now().UTC()
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	e.publishTerminal(in.SessionID, true, "upgrade complete")
	return deployment, nil
}

// Rollback restores the deployment's active PreUpgrade snapshot and
// redeploys it, pulling images by digest where recorded so the result is
// bit-identical to the pre-upgrade state (§4.6, §4.7).
func (e *Engine) Rollback(ctx context.Context, deploymentID string, in OperationInput) (Deployment, error) {
	op, isNew, err := e.begin(deploymentID, in.AttemptID, in.SessionID)
	if err != nil {
		return Deployment{}, err
	}
	if !isNew {
		<-op.done
		return op.result, op.err
	}

	result, opErr := e.doRollback(ctx, deploymentID, in)
	e.finish(deploymentID, op, result, opErr)
	return result, opErr
}

func (e *Engine) doRollback(ctx context.Context, deploymentID string, in OperationInput) (Deployment, error) {
	deployment, err := e.Get(ctx, deploymentID)
	if err != nil {
		return Deployment{}, err
	}
	if !deployment.CanRollback() {
		return Deployment{}, rserrors.NewValidation("deployment %s is not eligible for rollback (status=%s, lastOperation=%s)", deploymentID, deployment.Status, deployment.LastOperation)
	}

	snap, err := e.snapshots.Restore(ctx, deploymentID)
	if err != nil {
		return Deployment{}, err
	}

	deployment.Status = StatusRollingBack
	deployment.LastOperation = OperationRollback
	deployment.LastAttemptID = in.AttemptID
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	rollbackIn := in
	rollbackIn.ComposeTemplate = snap.ComposeTemplate
	rollbackIn.Variables = snap.ResolvedVars
	rollbackIn.TargetVersion = snap.TargetVersion

	workingDir := filepath.Join(stacksDir, deploymentID)
	pr, err := renderAndPlan(ctx, rollbackIn, workingDir, deployment.StackName)
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	images := pinToDigests(uniqueImages(pr.plan), snap.ImageDigests)
	e.publishPhase(in.SessionID, progressbus.PhasePullingImages, "pulling images for rollback", progressbus.BandPullingImages.Low)
	if err := e.pullImages(ctx, rollbackIn, in.SessionID, images); err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	initResults, err := e.runInitContainers(ctx, rollbackIn, in.SessionID, deployment.StackName, pr.plan)
	deployment.InitContainerResults = initResults
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}

	outcome, err := e.startServices(ctx, rollbackIn, in.SessionID, deploymentID, workingDir, pr)
	if err != nil {
		return e.fail(ctx, in.SessionID, deployment, err)
	}
	deployment.Services = toServiceRecords(outcome)

	if !outcome.Success && !outcome.PartialSuccess {
		return e.fail(ctx, in.SessionID, deployment, rserrors.NewInternal(fmt.Sprintf("no services came up: %v", outcome.FailedServices)))
	}

	deployment.Status = StatusRunning
	deployment.CurrentVersion = snap.TargetVersion
	deployment.ResolvedVariables = snap.ResolvedVars
	deployment.RenderedCompose = pr.rendered
	deployment.DeployedAt = time.Now().UTC()
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	e.publishTerminal(in.SessionID, true, "rollback complete")
	return deployment, nil
}

// currentImageDigests reads the RepoDigests of every currently-running
// service's image for projectName, keyed by the image reference compose
// resolved it to (§4.6: snapshots record "imageDigests read from Docker
// for currently running containers"). A service whose image carries no
// digest (e.g. built locally, never pulled) is simply omitted; pinToDigests
// falls back to its plain reference in that case.
func (e *Engine) currentImageDigests(ctx context.Context, cli *client.Client, projectName string) map[string]string {
	ce := composeengine.New(cli, e.log)
	services, err := ce.DiscoverServices(ctx, projectName)
	if err != nil {
		return nil
	}

	digests := make(map[string]string, len(services))
	for _, svc := range services {
		if svc.Image == "" {
			continue
		}
		inspect, err := cli.ImageInspect(ctx, svc.Image)
		if err != nil || len(inspect.RepoDigests) == 0 {
			continue
		}
		digests[svc.Image] = inspect.RepoDigests[0]
	}
	return digests
}

// pinToDigests replaces each image reference with its recorded digest when
// one is on record, so a rollback pulls bit-identical content.
func pinToDigests(images []string, digests map[string]string) []string {
	if len(digests) == 0 {
		return images
	}
	out := make([]string, len(images))
	for i, image := range images {
		if digest, ok := digests[image]; ok {
			out[i] = digest
			continue
		}
		out[i] = image
	}
	return out
}

// Remove runs the Remove algorithm: stop and remove every service in
// reverse dependency order, then tear down the project, preserving
// volumes not owned by this stack.
func (e *Engine) Remove(ctx context.Context, deploymentID string, in OperationInput, removeVolumes bool) (Deployment, error) {
	op, isNew, err := e.begin(deploymentID, in.AttemptID, in.SessionID)
	if err != nil {
		return Deployment{}, err
	}
	if !isNew {
		<-op.done
		return op.result, op.err
	}

	result, opErr := e.doRemove(ctx, deploymentID, in, removeVolumes)
	e.finish(deploymentID, op, result, opErr)
	return result, opErr
}

func (e *Engine) doRemove(ctx context.Context, deploymentID string, in OperationInput, removeVolumes bool) (Deployment, error) {
	deployment, err := e.Get(ctx, deploymentID)
	if err != nil {
		return Deployment{}, err
	}
	if deployment.Status != StatusRunning && deployment.Status != StatusFailed {
		return Deployment{}, rserrors.NewValidation("deployment %s must be Running or Failed to remove, is %s", deploymentID, deployment.Status)
	}

	deployment.Status = StatusRemoving
	deployment.LastOperation = OperationRemove
	deployment.LastAttemptID = in.AttemptID
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	e.publishPhase(in.SessionID, progressbus.PhaseFinalizing, "removing services", progressbus.BandFinalizing.Low)

	ce := composeengine.New(in.Cli, e.log)
	if err := retry.Do(ctx, e.retryPolicy(), func() error {
		return ce.Down(ctx, deployment.StackName, removeVolumes, in.Credentials)
	}); err != nil {
		deployment.LastFailureReason = err.Error()
		if saveErr := e.save(ctx, deployment); saveErr != nil {
			return Deployment{}, saveErr
		}
		e.publishTerminal(in.SessionID, false, err.Error())
		return deployment, err
	}

	deployment.Status = StatusRemoved
	deployment.Services = nil
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}

	e.publishTerminal(in.SessionID, true, "removal complete")
	return deployment, nil
}

// MarkAsFailed forces an Installing, Upgrading, RollingBack or Removing
// deployment to Failed, unwedging one whose operation process was killed
// (§4.7); the Recovery Supervisor uses it for all four in-flight states.
func (e *Engine) MarkAsFailed(ctx context.Context, deploymentID, reason string) (Deployment, error) {
	deployment, err := e.Get(ctx, deploymentID)
	if err != nil {
		return Deployment{}, err
	}
	if deployment.Status != StatusInstalling && deployment.Status != StatusUpgrading && deployment.Status != StatusRollingBack && deployment.Status != StatusRemoving {
		return Deployment{}, rserrors.NewValidation("deployment %s is not in an in-flight state (status=%s)", deploymentID, deployment.Status)
	}
	deployment.Status = StatusFailed
	deployment.LastFailureReason = reason
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}
	return deployment, nil
}

func (e *Engine) fail(ctx context.Context, sessionID string, deployment Deployment, cause error) (Deployment, error) {
	deployment.Status = StatusFailed
	deployment.LastFailureReason = cause.Error()
	if err := e.save(ctx, deployment); err != nil {
		return Deployment{}, err
	}
	e.publishTerminal(sessionID, false, cause.Error())
	return deployment, cause
}

func (e *Engine) publishPhase(sessionID string, phase progressbus.Phase, message string, percent int) {
	if sessionID == "" {
		return
	}
	e.bus.PublishProgress(progressbus.ProgressEvent{SessionID: sessionID, Phase: phase, Message: message, PercentComplete: percent})
}

func (e *Engine) publishTerminal(sessionID string, success bool, message string) {
	if sessionID == "" {
		return
	}
	e.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID:       sessionID,
		Phase:           progressbus.PhaseFinalizing,
		Message:         message,
		PercentComplete: progressbus.BandFinalizing.High,
		IsComplete:      true,
		IsError:         !success,
		ErrorMessage:    errMessage(success, message),
	})
}

func errMessage(success bool, message string) string {
	if success {
		return ""
	}
	return message
}

// NewAttemptID generates a fresh attempt identifier for a caller that has
// none of its own idempotency key to offer.
func NewAttemptID() string { return uuid.NewString() }
