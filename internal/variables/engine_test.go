package variables

import (
	"testing"

	"github.com/readystackgo/readystackgo/internal/rserrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderBasicForms(t *testing.T) {
	out, err := Render("image: ${IMAGE}\nport: ${PORT:-8080}", map[string]string{"IMAGE": "nginx:alpine"})
	require.NoError(t, err)
	assert.Equal(t, "image: nginx:alpine\nport: 8080", out)
}

func TestRenderRequiredMissingFailsValidation(t *testing.T) {
	_, err := Render("key: ${API_KEY:?API_KEY is required for this stack}", nil)
	require.Error(t, err)
	rsErr := rserrors.AsError(err)
	assert.Equal(t, rserrors.CodeValidation, rsErr.Code)
	assert.Equal(t, "API_KEY is required for this stack", rsErr.Message)
}

func TestRenderRequiredPresentSucceeds(t *testing.T) {
	out, err := Render("key: ${API_KEY:?missing}", map[string]string{"API_KEY": "secret"})
	require.NoError(t, err)
	assert.Equal(t, "key: secret", out)
}

func TestRenderEscapesDoubleDollar(t *testing.T) {
	out, err := Render("price: $$5.00", nil)
	require.NoError(t, err)
	assert.Equal(t, "price: $5.00", out)
}

func TestRenderIsNotRecursive(t *testing.T) {
	out, err := Render("${A}", map[string]string{"A": "${B}"})
	require.NoError(t, err)
	assert.Equal(t, "${B}", out, "substitution must not re-scan inserted values")
}

func TestRenderIdempotentOnAlreadySubstitutedText(t *testing.T) {
	in := "image: nginx:alpine\nport: 8080"
	out, err := Render(in, nil)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRenderRoundTripWithEmptyMapIsNoOp(t *testing.T) {
	template := "image: ${IMAGE}\nreplicas: ${REPLICAS:-1}"
	first, err := Render(template, map[string]string{"IMAGE": "redis:7.0"})
	require.NoError(t, err)

	second, err := Render(first, nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSharedVariablesAcrossStacks(t *testing.T) {
	stacks := [][]Definition{
		{{Name: "DOMAIN"}, {Name: "APP_PORT"}},
		{{Name: "DOMAIN"}, {Name: "DB_PASSWORD"}},
		{{Name: "CACHE_SIZE"}},
	}
	shared := SharedVariables(stacks)
	assert.True(t, shared["DOMAIN"])
	assert.False(t, shared["APP_PORT"])
	assert.False(t, shared["CACHE_SIZE"])
}

func TestMergePrecedence(t *testing.T) {
	defaults := map[string]string{"A": "default-a", "B": "default-b"}
	shared := map[string]string{"A": "shared-a"}
	stored := map[string]string{"B": "stored-b"}

	out := Merge(defaults, shared, stored)
	assert.Equal(t, "shared-a", out["A"])
	assert.Equal(t, "stored-b", out["B"])
}
