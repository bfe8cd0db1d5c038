package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolvePatternPrecedence(t *testing.T) {
	creds := []Credential{
		NewCredential("a", "A", "", "", []string{"ghcr.io/**"}, false, 0),
		NewCredential("b", "B", "", "", []string{"ghcr.io/acme/**"}, false, 1),
		NewCredential("c", "C", "", "", nil, true, 2),
	}

	t.Run("more specific pattern wins", func(t *testing.T) {
		got, ok := Resolve("ghcr.io/acme/foo:1", creds)
		require.True(t, ok)
		assert.Equal(t, "b", got.ID)
	})

	t.Run("broader pattern still matches", func(t *testing.T) {
		got, ok := Resolve("ghcr.io/other/bar:1", creds)
		require.True(t, ok)
		assert.Equal(t, "a", got.ID)
	})

	t.Run("default used when no pattern matches", func(t *testing.T) {
		got, ok := Resolve("docker.io/library/nginx:alpine", creds)
		require.True(t, ok)
		assert.Equal(t, "c", got.ID)
	})
}

func TestResolveNoMatchNoDefault(t *testing.T) {
	creds := []Credential{
		NewCredential("a", "A", "", "", []string{"ghcr.io/**"}, false, 0),
	}
	_, ok := Resolve("docker.io/library/nginx:alpine", creds)
	assert.False(t, ok)
}

func TestResolveTieBreaksOnLengthThenInsertionOrder(t *testing.T) {
	byLength := []Credential{
		NewCredential("single", "Single", "", "", []string{"ghcr.io/acme/*"}, false, 0),
		NewCredential("double", "Double", "", "", []string{"ghcr.io/acme/**"}, false, 1),
	}
	longer, ok := Resolve("ghcr.io/acme/foo:1", byLength)
	require.True(t, ok)
	assert.Equal(t, "double", longer.ID, "equal literal counts should fall back to the longer pattern")

	creds := []Credential{
		NewCredential("first", "First", "", "", []string{"ghcr.io/acme/*"}, false, 0),
		NewCredential("second", "Second", "", "", []string{"ghcr.io/acme/*"}, false, 1),
	}
	got, ok := Resolve("ghcr.io/acme/foo:1", creds)
	require.True(t, ok)
	assert.Equal(t, "first", got.ID, "earlier-created credential should win an exact tie")
}

func TestNormalizeReferenceExpandsImplicitPrefix(t *testing.T) {
	cases := map[string]string{
		"nginx":                        "docker.io/library/nginx",
		"nginx:alpine":                 "docker.io/library/nginx",
		"library/nginx":                "docker.io/library/nginx",
		"ghcr.io/acme/foo:1.2":         "ghcr.io/acme/foo",
		"ghcr.io/acme/foo@sha256:abcd": "ghcr.io/acme/foo",
	}
	for in, want := range cases {
		assert.Equal(t, want, normalizeReference(in), "input %q", in)
	}
}

func TestGlobMatchDoubleStarCrossesSegments(t *testing.T) {
	assert.True(t, globMatch("ghcr.io/**", "ghcr.io/acme/foo"))
	assert.True(t, globMatch("ghcr.io/**", "ghcr.io/foo"))
	assert.False(t, globMatch("ghcr.io/*", "ghcr.io/acme/foo"))
	assert.True(t, globMatch("ghcr.io/*", "ghcr.io/foo"))
}
