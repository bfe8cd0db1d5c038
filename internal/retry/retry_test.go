package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{Base: time.Millisecond, Factor: 2, Max: 3, Cap: 10 * time.Millisecond}, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDoReturnsLastErrorAfterExhaustingAttempts(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), Policy{Base: time.Millisecond, Factor: 2, Max: 2, Cap: 10 * time.Millisecond}, func() error {
		attempts++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, "boom", err.Error())
}

func TestDoAbortsOnContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, Policy{Base: time.Millisecond, Factor: 2, Max: 5, Cap: 10 * time.Millisecond}, func() error {
		attempts++
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.Equal(t, 0, attempts)
}
