// Package planner implements the Compose Planner (C3): turning rendered
// compose text into a normalized Service Plan the Deployment Engine can
// execute, without itself touching Docker.
package planner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	composecli "github.com/compose-spec/compose-go/v2/cli"
	"github.com/compose-spec/compose-go/v2/types"

	"github.com/readystackgo/readystackgo/internal/rserrors"
)

const (
	// LabelInitOrder marks a compose service as a one-shot init container
	// and gives its run order, ascending.
	LabelInitOrder = "rsgo.init.order"
	// LabelInitFailurePolicy is "abort" (default) or "continue".
	LabelInitFailurePolicy = "rsgo.init.failurePolicy"
)

// FailurePolicy controls what happens when an init container exits non-zero.
type FailurePolicy string

const (
	FailurePolicyAbort    FailurePolicy = "abort"
	FailurePolicyContinue FailurePolicy = "continue"
)

// ServiceNode is one normalized main-service entry in a Service Plan.
type ServiceNode struct {
	Name        string
	Image       string
	Env         map[string]string
	Ports       []PortBinding
	DependsOn   []string
	Healthcheck *Healthcheck
	Labels      map[string]string
	Volumes     []VolumeMount
}

// PortBinding is one published container port.
type PortBinding struct {
	HostPort      string
	ContainerPort string
	Protocol      string
}

// Healthcheck mirrors the subset of compose's healthcheck block the engine
// needs to decide Healthy vs Starting vs Unhealthy.
type Healthcheck struct {
	Test     []string
	Interval string
	Timeout  string
	Retries  int
}

// VolumeMount is one compose volume entry.
type VolumeMount struct {
	Type     string // bind | volume | tmpfs
	Source   string
	Target   string
	ReadOnly bool
}

// InitContainerNode is one normalized init-container entry, run to
// completion before main services start.
type InitContainerNode struct {
	Name          string
	Image         string
	Env           map[string]string
	Order         int
	FailurePolicy FailurePolicy
	Labels        map[string]string
}

// ServicePlan is the Compose Planner's output: a normalized, dependency-
// ordered description of what the Deployment Engine must create.
type ServicePlan struct {
	ProjectName    string
	Services       []ServiceNode
	InitContainers []InitContainerNode
	// Layers groups service names into dependency layers: layer 0 has no
	// unmet dependencies, layer 1 depends only on layer 0 services, etc.
	// Services within a layer may start in parallel; layers are strictly
	// sequential.
	Layers [][]string
}

// AllowedHostPaths is the caller-configured allow-list of host path
// prefixes bind mounts may reference (§4.3 PathNotPermitted policy).
type AllowedHostPaths []string

// Plan loads rendered compose text from composeFilePath and normalizes it
// into a ServicePlan. profiles selects which compose profiles are active.
func Plan(ctx context.Context, composeFilePath, workingDir, projectName string, env map[string]string, profiles []string, allowedHostPaths AllowedHostPaths) (*ServicePlan, error) {
	project, err := loadProject(ctx, composeFilePath, workingDir, projectName, env, profiles)
	if err != nil {
		return nil, rserrors.NewPlanInvalid(err.Error())
	}

	plan := &ServicePlan{ProjectName: project.Name}

	for name, svc := range project.Services {
		if order, isInit := initOrderOf(svc.Labels); isInit {
			if svc.Restart != "" && svc.Restart != "no" {
				return nil, rserrors.NewPlanInvalid(fmt.Sprintf("init container %q declares restart policy %q, must be \"no\"", name, svc.Restart))
			}
			plan.InitContainers = append(plan.InitContainers, InitContainerNode{
				Name:          name,
				Image:         svc.Image,
				Env:           flattenEnv(svc.Environment),
				Order:         order,
				FailurePolicy: failurePolicyOf(svc.Labels),
				Labels:        svc.Labels,
			})
			continue
		}

		volumes, err := checkVolumes(name, svc.Volumes, allowedHostPaths)
		if err != nil {
			return nil, err
		}

		plan.Services = append(plan.Services, ServiceNode{
			Name:        name,
			Image:       svc.Image,
			Env:         flattenEnv(svc.Environment),
			Ports:       portsOf(svc.Ports),
			DependsOn:   dependsOnOf(svc.DependsOn),
			Healthcheck: healthcheckOf(svc.HealthCheck),
			Labels:      svc.Labels,
			Volumes:     volumes,
		})
	}

	sort.Slice(plan.InitContainers, func(i, j int) bool {
		return plan.InitContainers[i].Order < plan.InitContainers[j].Order
	})
	sort.Slice(plan.Services, func(i, j int) bool { return plan.Services[i].Name < plan.Services[j].Name })

	if err := checkPortCollisions(plan.Services); err != nil {
		return nil, err
	}

	layers, err := topoLayers(plan.Services)
	if err != nil {
		return nil, err
	}
	plan.Layers = layers

	return plan, nil
}

func loadProject(ctx context.Context, composeFilePath, workingDir, projectName string, env map[string]string, profiles []string) (*types.Project, error) {
	var envSlice []string
	for k, v := range env {
		envSlice = append(envSlice, k+"="+v)
	}

	opts, err := composecli.NewProjectOptions(
		[]string{composeFilePath},
		composecli.WithWorkingDirectory(workingDir),
		composecli.WithName(projectName),
		composecli.WithEnv(envSlice),
		composecli.WithProfiles(profiles),
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

func initOrderOf(labels types.Labels) (int, bool) {
	raw, ok := labels[LabelInitOrder]
	if !ok {
		return 0, false
	}
	order, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return order, true
}

func failurePolicyOf(labels types.Labels) FailurePolicy {
	if labels[LabelInitFailurePolicy] == string(FailurePolicyContinue) {
		return FailurePolicyContinue
	}
	return FailurePolicyAbort
}

func flattenEnv(env types.MappingWithEquals) map[string]string {
	out := make(map[string]string, len(env))
	for k, v := range env {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func portsOf(ports []types.ServicePortConfig) []PortBinding {
	out := make([]PortBinding, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortBinding{
			HostPort:      p.Published,
			ContainerPort: strconv.FormatUint(uint64(p.Target), 10),
			Protocol:      p.Protocol,
		})
	}
	return out
}

func dependsOnOf(dependsOn types.DependsOnConfig) []string {
	out := make([]string, 0, len(dependsOn))
	for name := range dependsOn {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func healthcheckOf(hc *types.HealthCheckConfig) *Healthcheck {
	if hc == nil || hc.Disable {
		return nil
	}
	h := &Healthcheck{Test: hc.Test}
	if hc.Interval != nil {
		h.Interval = hc.Interval.String()
	}
	if hc.Timeout != nil {
		h.Timeout = hc.Timeout.String()
	}
	if hc.Retries != nil {
		h.Retries = int(*hc.Retries)
	}
	return h
}

func checkVolumes(serviceName string, volumes []types.ServiceVolumeConfig, allowed AllowedHostPaths) ([]VolumeMount, error) {
	out := make([]VolumeMount, 0, len(volumes))
	for _, v := range volumes {
		if v.Type == "bind" && strings.HasPrefix(v.Source, "/") {
			if !hostPathAllowed(v.Source, allowed) {
				return nil, rserrors.NewPlanInvalid(fmt.Sprintf("path %q used by service %q is not permitted", v.Source, serviceName))
			}
		}
		out = append(out, VolumeMount{Type: v.Type, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly})
	}
	return out, nil
}

func hostPathAllowed(path string, allowed AllowedHostPaths) bool {
	if len(allowed) == 0 {
		return false
	}
	for _, prefix := range allowed {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func checkPortCollisions(services []ServiceNode) error {
	owner := make(map[string]string)
	for _, svc := range services {
		for _, p := range svc.Ports {
			if p.HostPort == "" {
				continue
			}
			key := p.HostPort + "/" + p.Protocol
			if other, exists := owner[key]; exists && other != svc.Name {
				return rserrors.NewPlanInvalid(fmt.Sprintf("port %s used by %s and %s", p.HostPort, other, svc.Name))
			}
			owner[key] = svc.Name
		}
	}
	return nil
}

// topoLayers computes Kahn's-algorithm dependency layers over DependsOn.
// A service with a dependency on a name not present in the plan is treated
// as having that dependency already satisfied (it's presumed external/
// already-running).
func topoLayers(services []ServiceNode) ([][]string, error) {
	byName := make(map[string]ServiceNode, len(services))
	inDegree := make(map[string]int, len(services))
	for _, s := range services {
		byName[s.Name] = s
	}
	for _, s := range services {
		deg := 0
		for _, dep := range s.DependsOn {
			if _, known := byName[dep]; known {
				deg++
			}
		}
		inDegree[s.Name] = deg
	}

	dependents := make(map[string][]string)
	for _, s := range services {
		for _, dep := range s.DependsOn {
			if _, known := byName[dep]; known {
				dependents[dep] = append(dependents[dep], s.Name)
			}
		}
	}

	var layers [][]string
	remaining := len(services)
	for remaining > 0 {
		var layer []string
		for name, deg := range inDegree {
			if deg == 0 {
				layer = append(layer, name)
			}
		}
		if len(layer) == 0 {
			return nil, rserrors.NewPlanInvalid(fmt.Sprintf("cycle at %s", cycleEntryPoint(inDegree)))
		}
		sort.Strings(layer)
		layers = append(layers, layer)
		for _, name := range layer {
			delete(inDegree, name)
			remaining--
			for _, dependent := range dependents[name] {
				inDegree[dependent]--
			}
		}
	}

	return layers, nil
}

func cycleEntryPoint(remaining map[string]int) string {
	var name string
	for n := range remaining {
		if name == "" || n < name {
			name = n
		}
	}
	return name
}
