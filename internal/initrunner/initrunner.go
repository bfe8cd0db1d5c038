// Package initrunner implements the Init-Container Runner (C4): executing
// a Service Plan's init containers in ascending order before main services
// start, streaming their logs to the Progress Bus and enforcing each
// container's failure policy.
package initrunner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/sirupsen/logrus"

	"github.com/readystackgo/readystackgo/internal/planner"
	"github.com/readystackgo/readystackgo/internal/progressbus"
	"github.com/readystackgo/readystackgo/internal/registry"
	"github.com/readystackgo/readystackgo/internal/rserrors"
)

// Result records the outcome of running one init container.
type Result struct {
	Name     string
	ExitCode int
	Failed   bool
}

// Runner executes a plan's init containers against one Environment's
// Docker daemon.
type Runner struct {
	cli *client.Client
	bus *progressbus.Bus
	log *logrus.Logger
}

// New builds a Runner.
func New(cli *client.Client, bus *progressbus.Bus, log *logrus.Logger) *Runner {
	return &Runner{cli: cli, bus: bus, log: log}
}

// Run executes containers in the order given (the caller, the Deployment
// Engine, is responsible for having sorted them ascending by Order; see
// planner.Plan). Per §4.4, a container whose FailurePolicy is
// FailurePolicyAbort stops the whole run and returns an InitContainerFailed
// error; FailurePolicyContinue records the failure and proceeds.
func (r *Runner) Run(ctx context.Context, sessionID, namePrefix string, containers []planner.InitContainerNode, credentials []registry.Credential) ([]Result, error) {
	results := make([]Result, 0, len(containers))
	total := len(containers)

	for i, node := range containers {
		r.publishProgress(sessionID, i, total, fmt.Sprintf("running init container %s", node.Name))

		result, err := r.runOne(ctx, sessionID, namePrefix, node, credentials)
		results = append(results, result)

		if err != nil {
			r.publishError(sessionID, err.Error())
			return results, err
		}

		if result.Failed && node.FailurePolicy == planner.FailurePolicyAbort {
			abortErr := rserrors.NewInitContainerFailed(node.Name, result.ExitCode)
			r.publishError(sessionID, abortErr.Error())
			return results, abortErr
		}
	}

	r.publishProgress(sessionID, total, total, "init containers complete")
	return results, nil
}

func (r *Runner) runOne(ctx context.Context, sessionID, namePrefix string, node planner.InitContainerNode, credentials []registry.Credential) (Result, error) {
	containerName := namePrefix + "-init-" + node.Name

	username, secret := "", ""
	if cred, ok := registry.Resolve(node.Image, credentials); ok {
		username, secret = cred.Username, cred.Secret
	}

	if err := PullImage(ctx, r.cli, r.log, node.Image, username, secret, progressLogAdapter(r.bus, sessionID, containerName)); err != nil {
		return Result{Name: node.Name}, rserrors.NewImagePullFailed(node.Image, err)
	}

	env := make([]string, 0, len(node.Env))
	for k, v := range node.Env {
		env = append(env, k+"="+v)
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image:  node.Image,
			Env:    env,
			Labels: node.Labels,
		},
		&container.HostConfig{AutoRemove: false},
		nil, nil, containerName,
	)
	if err != nil {
		return Result{Name: node.Name}, rserrors.NewInternal(fmt.Sprintf("creating init container %s: %v", node.Name, err))
	}
	containerID := resp.ID
	defer r.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})

	if err := r.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return Result{Name: node.Name}, rserrors.NewInternal(fmt.Sprintf("starting init container %s: %v", node.Name, err))
	}

	go r.streamLogs(ctx, sessionID, containerID, containerName)

	statusCh, errCh := r.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return Result{Name: node.Name}, rserrors.NewInternal(fmt.Sprintf("waiting for init container %s: %v", node.Name, err))
		}
		return Result{Name: node.Name}, nil
	case status := <-statusCh:
		exitCode := int(status.StatusCode)
		return Result{Name: node.Name, ExitCode: exitCode, Failed: exitCode != 0}, nil
	}
}

// streamLogs tails a running container's combined stdout/stderr to the
// Progress Bus line by line until the container stops or ctx is done.
func (r *Runner) streamLogs(ctx context.Context, sessionID, containerID, containerName string) {
	logs, err := r.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Timestamps: false,
	})
	if err != nil {
		return
	}
	defer logs.Close()

	inspect, err := r.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		return
	}

	publish := func(line string) {
		r.bus.PublishLog(progressbus.LogEntry{
			SessionID:     sessionID,
			ContainerName: containerName,
			LogLine:       line,
			Ts:            time.Now(),
		})
	}

	if inspect.Config != nil && inspect.Config.Tty {
		scanner := bufio.NewScanner(logs)
		for scanner.Scan() {
			publish(scanner.Text())
		}
		return
	}

	pr, pw := io.Pipe()
	go func() {
		_, copyErr := stdcopy.StdCopy(pw, pw, logs)
		pw.CloseWithError(copyErr)
	}()
	scanner := bufio.NewScanner(pr)
	for scanner.Scan() {
		publish(scanner.Text())
	}
}

func (r *Runner) publishProgress(sessionID string, completed, total int, message string) {
	r.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID:               sessionID,
		Phase:                   progressbus.PhaseInitializingContainer,
		Message:                 message,
		PercentComplete:         progressbus.BandInitializingContainer.Percent(completed, total),
		TotalInitContainers:     total,
		CompletedInitContainers: completed,
	})
}

func (r *Runner) publishError(sessionID, message string) {
	r.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID:    sessionID,
		Phase:        progressbus.PhaseInitializingContainer,
		IsError:      true,
		ErrorMessage: message,
	})
}
