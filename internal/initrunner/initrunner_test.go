package initrunner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readystackgo/readystackgo/internal/progressbus"
)

func TestProgressLogAdapterPublishesLogEntry(t *testing.T) {
	bus := progressbus.New(5*time.Minute, 16, 16)
	sub := bus.Subscribe("sess1")
	defer sub.Close()

	adapter := progressLogAdapter(bus, "sess1", "stack-init-migrate")
	adapter(42, "layer abcd: Downloading")

	select {
	case ev := <-sub.Logs:
		require.NotNil(t, ev.Log)
		assert.Equal(t, "stack-init-migrate", ev.Log.ContainerName)
		assert.Equal(t, "layer abcd: Downloading", ev.Log.LogLine)
	case <-time.After(time.Second):
		t.Fatal("expected a log entry to be published")
	}
}

func TestAbsHelper(t *testing.T) {
	assert.Equal(t, 5, abs(-5))
	assert.Equal(t, 5, abs(5))
	assert.Equal(t, 0, abs(0))
}
