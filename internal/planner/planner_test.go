package planner

import (
	"testing"

	"github.com/compose-spec/compose-go/v2/types"

	"github.com/readystackgo/readystackgo/internal/rserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckPortCollisionsDetectsConflict(t *testing.T) {
	services := []ServiceNode{
		{Name: "a", Ports: []PortBinding{{HostPort: "8080", ContainerPort: "80", Protocol: "tcp"}}},
		{Name: "b", Ports: []PortBinding{{HostPort: "8080", ContainerPort: "8080", Protocol: "tcp"}}},
	}
	err := checkPortCollisions(services)
	require.Error(t, err)
	rsErr := rserrors.AsError(err)
	assert.Equal(t, rserrors.CodePlanInvalid, rsErr.Code)
	assert.Contains(t, rsErr.Message, "port 8080 used by a and b")
}

func TestCheckPortCollisionsAllowsDistinctPorts(t *testing.T) {
	services := []ServiceNode{
		{Name: "a", Ports: []PortBinding{{HostPort: "8080", ContainerPort: "80", Protocol: "tcp"}}},
		{Name: "b", Ports: []PortBinding{{HostPort: "8081", ContainerPort: "80", Protocol: "tcp"}}},
	}
	assert.NoError(t, checkPortCollisions(services))
}

func TestTopoLayersOrdersByDependency(t *testing.T) {
	services := []ServiceNode{
		{Name: "web", DependsOn: []string{"api"}},
		{Name: "api", DependsOn: []string{"db"}},
		{Name: "db"},
	}
	layers, err := topoLayers(services)
	require.NoError(t, err)
	require.Len(t, layers, 3)
	assert.Equal(t, []string{"db"}, layers[0])
	assert.Equal(t, []string{"api"}, layers[1])
	assert.Equal(t, []string{"web"}, layers[2])
}

func TestTopoLayersParallelizesIndependentServices(t *testing.T) {
	services := []ServiceNode{
		{Name: "worker-a", DependsOn: []string{"queue"}},
		{Name: "worker-b", DependsOn: []string{"queue"}},
		{Name: "queue"},
	}
	layers, err := topoLayers(services)
	require.NoError(t, err)
	require.Len(t, layers, 2)
	assert.Equal(t, []string{"queue"}, layers[0])
	assert.Equal(t, []string{"worker-a", "worker-b"}, layers[1])
}

func TestTopoLayersDetectsCycle(t *testing.T) {
	services := []ServiceNode{
		{Name: "a", DependsOn: []string{"b"}},
		{Name: "b", DependsOn: []string{"a"}},
	}
	_, err := topoLayers(services)
	require.Error(t, err)
	rsErr := rserrors.AsError(err)
	assert.Equal(t, rserrors.CodePlanInvalid, rsErr.Code)
	assert.Contains(t, rsErr.Message, "cycle at")
}

func TestCheckVolumesRejectsDisallowedHostPath(t *testing.T) {
	volumes := []types.ServiceVolumeConfig{{Type: "bind", Source: "/etc/app", Target: "/config"}}
	_, err := checkVolumes("web", volumes, AllowedHostPaths{"/srv/stacks"})
	require.Error(t, err)
	assert.Equal(t, rserrors.CodePlanInvalid, rserrors.AsError(err).Code)
}

func TestHostPathAllowed(t *testing.T) {
	allowed := AllowedHostPaths{"/srv/stacks", "/data"}
	assert.True(t, hostPathAllowed("/srv/stacks/demo", allowed))
	assert.True(t, hostPathAllowed("/data/x", allowed))
	assert.False(t, hostPathAllowed("/etc/passwd", allowed))
	assert.False(t, hostPathAllowed("/anything", nil))
}

func TestValidateStackName(t *testing.T) {
	assert.NoError(t, ValidateStackName("demo"))
	assert.Error(t, ValidateStackName(""))
	assert.Error(t, ValidateStackName(".."))
	assert.Error(t, ValidateStackName("../escape"))
	assert.Error(t, ValidateStackName(".hidden"))
}
