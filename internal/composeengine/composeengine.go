// Package composeengine wraps docker/compose/v2 to execute a rendered
// compose project against Docker: building images, running up/down, and
// classifying the resulting container set into success/partial/failure
// (C7's "main services" step, used by the Deployment Engine).
package composeengine

import (
	"context"
	"fmt"
	"os"
	"strings"

	composecli "github.com/compose-spec/compose-go/v2/cli"
	"github.com/compose-spec/compose-go/v2/types"
	dockercli "github.com/docker/cli/cli/command"
	clitypes "github.com/docker/cli/cli/config/types"
	"github.com/docker/cli/cli/flags"
	"github.com/docker/compose/v2/pkg/api"
	"github.com/docker/compose/v2/pkg/compose"
	dockertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"

	"github.com/readystackgo/readystackgo/internal/dockerutil"
	"github.com/readystackgo/readystackgo/internal/registry"
	"github.com/readystackgo/readystackgo/internal/rserrors"
)

// rsgoDeploymentLabel and rsgoServiceLabel are set on every container the
// engine creates, so the Health Monitor can correlate containers back to
// Deployments without relying on compose's own project/service labels.
const (
	rsgoDeploymentLabel = "rsgo.deployment"
	rsgoServiceLabel    = "rsgo.service"
)

// Engine executes compose operations against one Environment's daemon.
type Engine struct {
	cli *client.Client
	log *logrus.Logger
}

// New builds an Engine.
func New(cli *client.Client, log *logrus.Logger) *Engine {
	return &Engine{cli: cli, log: log}
}

// ServiceStatus is one discovered container's state after an Up.
type ServiceStatus struct {
	ServiceName   string
	ContainerID   string
	ContainerName string
	Image         string
	Status        string
	RestartPolicy string
	ExitCode      int
}

// Outcome classifies the result of bringing a project up.
type Outcome struct {
	Success        bool
	PartialSuccess bool
	Services       map[string]ServiceStatus
	FailedServices []string
}

// dockerCliFor builds a docker/cli command.Cli wired to e's client with
// credentials registered in its in-memory auth config, so compose can
// authenticate private-registry pulls without touching the host's
// ~/.docker/config.json.
func (e *Engine) dockerCliFor(credentials []registry.Credential) (*dockercli.DockerCli, error) {
	cli, err := dockercli.NewDockerCli(
		dockercli.WithOutputStream(os.Stdout),
		dockercli.WithErrorStream(os.Stderr),
	)
	if err != nil {
		return nil, fmt.Errorf("creating docker cli: %w", err)
	}

	if err := cli.Initialize(flags.NewClientOptions()); err != nil {
		return nil, fmt.Errorf("initializing docker cli: %w", err)
	}

	if len(credentials) > 0 {
		configFile := cli.ConfigFile()
		if configFile.AuthConfigs == nil {
			configFile.AuthConfigs = make(map[string]clitypes.AuthConfig)
		}
		for _, cred := range credentials {
			for _, serverAddr := range serverAddresses(cred) {
				configFile.AuthConfigs[serverAddr] = clitypes.AuthConfig{
					Username:      cred.Username,
					Password:      cred.Secret,
					ServerAddress: serverAddr,
				}
			}
		}
		configFile.CredentialsStore = ""
	}

	return cli, nil
}

func serverAddresses(cred registry.Credential) []string {
	for _, p := range cred.ImagePatterns {
		host := strings.SplitN(p, "/", 2)[0]
		if strings.Contains(host, ".") || strings.Contains(host, ":") {
			return []string{host}
		}
	}
	return []string{"https://index.docker.io/v1/"}
}

func loadProject(ctx context.Context, composeFilePath, workingDir, projectName string, env map[string]string) (*types.Project, error) {
	var envSlice []string
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	opts, err := composecli.NewProjectOptions(
		[]string{composeFilePath},
		composecli.WithWorkingDirectory(workingDir),
		composecli.WithName(projectName),
		composecli.WithEnv(envSlice),
		composecli.WithDotEnv,
	)
	if err != nil {
		return nil, fmt.Errorf("building project options: %w", err)
	}
	project, err := opts.LoadProject(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading compose project: %w", err)
	}
	return project.WithoutUnnecessaryResources(), nil
}

// Up loads composeFilePath, builds (if it has build directives), and starts
// the project, recreating containers per forceRecreate. Image pulls are
// expected to have already happened (the Deployment Engine pulls via
// initrunner.PullImage for layer-level progress before calling Up).
func (e *Engine) Up(ctx context.Context, composeFilePath, workingDir, projectName, deploymentID string, env map[string]string, credentials []registry.Credential, forceRecreate bool) error {
	project, err := loadProject(ctx, composeFilePath, workingDir, projectName, env)
	if err != nil {
		return rserrors.NewPlanInvalid(err.Error())
	}

	dcli, err := e.dockerCliFor(credentials)
	if err != nil {
		return rserrors.NewInternal(err.Error())
	}
	defer dcli.Client().Close()

	composeService := compose.NewComposeService(dcli)

	for i, svc := range project.Services {
		svc.CustomLabels = map[string]string{
			api.ProjectLabel:     project.Name,
			api.ServiceLabel:     svc.Name,
			api.VersionLabel:     api.ComposeVersion,
			api.WorkingDirLabel:  project.WorkingDir,
			api.ConfigFilesLabel: strings.Join(project.ComposeFiles, ","),
			api.OneoffLabel:      "False",
			rsgoDeploymentLabel:  deploymentID,
			rsgoServiceLabel:     svc.Name,
		}
		project.Services[i] = svc
	}

	if err := composeService.Build(ctx, project, api.BuildOptions{}); err != nil {
		return rserrors.NewInternal(fmt.Sprintf("building images: %v", err))
	}

	recreatePolicy := api.RecreateDiverged
	if forceRecreate {
		recreatePolicy = api.RecreateForce
	}

	upOpts := api.UpOptions{
		Create: api.CreateOptions{RemoveOrphans: true, Recreate: recreatePolicy},
		Start:  api.StartOptions{Project: project},
	}

	if err := composeService.Up(ctx, project, upOpts); err != nil {
		_ = composeService.Down(ctx, project.Name, api.DownOptions{RemoveOrphans: true})
		return rserrors.NewInternal(fmt.Sprintf("starting services: %v", err))
	}

	return nil
}

// Down stops and removes a project's containers, optionally its named
// volumes.
func (e *Engine) Down(ctx context.Context, projectName string, removeVolumes bool, credentials []registry.Credential) error {
	dcli, err := e.dockerCliFor(credentials)
	if err != nil {
		return rserrors.NewInternal(err.Error())
	}
	defer dcli.Client().Close()

	composeService := compose.NewComposeService(dcli)
	if err := composeService.Down(ctx, projectName, api.DownOptions{RemoveOrphans: true, Volumes: removeVolumes}); err != nil {
		return rserrors.NewInternal(fmt.Sprintf("stopping project %s: %v", projectName, err))
	}
	return nil
}

// DiscoverServices lists containers labeled with projectName's compose
// project label and maps them to ServiceStatus, keyed by service name.
func (e *Engine) DiscoverServices(ctx context.Context, projectName string) (map[string]ServiceStatus, error) {
	filterArgs := filters.NewArgs()
	filterArgs.Add("label", fmt.Sprintf("com.docker.compose.project=%s", projectName))

	containers, err := e.cli.ContainerList(ctx, dockertypes.ListOptions{All: true, Filters: filterArgs})
	if err != nil {
		return nil, rserrors.NewInternal(fmt.Sprintf("listing containers for %s: %v", projectName, err))
	}

	services := make(map[string]ServiceStatus, len(containers))
	for _, c := range containers {
		name := c.Labels["com.docker.compose.service"]
		if name == "" {
			name = "unknown"
		}
		containerName := ""
		if len(c.Names) > 0 {
			containerName = strings.TrimPrefix(c.Names[0], "/")
		}
		status := c.Status
		if status == "" {
			status = c.State
		}
		services[name] = ServiceStatus{
			ServiceName:   name,
			ContainerID:   shortID(c.ID),
			ContainerName: containerName,
			Image:         c.Image,
			Status:        status,
		}
	}
	return services, nil
}

// AnalyzeOutcome classifies a discovered service set into success, partial
// success, or total failure, per §4.7's post-Up classification. health
// must come from a live inspect-based classification (see internal/engine's
// wait-for-start loop, which owns the dockerutil.ClassifyContainerHealth
// calls) — the container's human-readable Status string is not a reliable
// way to tell a passing healthcheck from one still "starting".
func AnalyzeOutcome(services map[string]ServiceStatus, health map[string]dockerutil.ContainerHealth) Outcome {
	var running, failed []string
	for name := range services {
		if health[name] == dockerutil.ContainerHealthy {
			running = append(running, name)
		} else {
			failed = append(failed, name)
		}
	}

	switch {
	case len(failed) == 0:
		return Outcome{Success: true, Services: services}
	case len(running) > 0:
		return Outcome{PartialSuccess: true, Services: services, FailedServices: failed}
	default:
		return Outcome{Services: services, FailedServices: failed}
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
