package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesSubsequentEvents(t *testing.T) {
	b := New(5*time.Minute, 8, 8)
	sub := b.Subscribe("s1")
	defer sub.Close()

	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 10})
	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 40})

	ev1 := <-sub.Events
	ev2 := <-sub.Events
	require.NotNil(t, ev1.Progress)
	require.NotNil(t, ev2.Progress)
	assert.Equal(t, 10, ev1.Progress.PercentComplete)
	assert.Equal(t, 40, ev2.Progress.PercentComplete)
}

func TestLateSubscriberGetsRetainedEventThenNoGaps(t *testing.T) {
	b := New(5*time.Minute, 8, 8)

	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 10})
	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 40})
	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 70})

	sub := b.Subscribe("s1")
	defer sub.Close()

	first := <-sub.Events
	require.NotNil(t, first.Progress)
	assert.Equal(t, 70, first.Progress.PercentComplete, "late subscriber should see most recent retained event")

	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 90})
	second := <-sub.Events
	require.NotNil(t, second.Progress)
	assert.Equal(t, 90, second.Progress.PercentComplete)
}

func TestSlowConsumerDisconnectedOnFullProgressQueue(t *testing.T) {
	b := New(5*time.Minute, 1, 1)
	sub := b.Subscribe("s1")

	// Fill the one-slot queue, then overflow it without draining.
	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 10})
	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 20})

	select {
	case <-sub.Done:
	case <-time.After(time.Second):
		t.Fatal("expected SlowConsumer signal")
	}
}

func TestLogEntriesDropOldestOnFullQueue(t *testing.T) {
	b := New(5*time.Minute, 8, 1)
	sub := b.Subscribe("s1")
	defer sub.Close()

	b.PublishLog(LogEntry{SessionID: "s1", LogLine: "first"})
	b.PublishLog(LogEntry{SessionID: "s1", LogLine: "second"})

	ev := <-sub.Logs
	require.NotNil(t, ev.Log)
	assert.Equal(t, "second", ev.Log.LogLine, "oldest log line should have been dropped to make room")
}

func TestLogBurstDoesNotEvictBufferedProgressEvent(t *testing.T) {
	b := New(5*time.Minute, 8, 1)
	sub := b.Subscribe("s1")
	defer sub.Close()

	b.PublishProgress(ProgressEvent{SessionID: "s1", PercentComplete: 10})
	b.PublishLog(LogEntry{SessionID: "s1", LogLine: "first"})
	b.PublishLog(LogEntry{SessionID: "s1", LogLine: "second"})

	ev := <-sub.Events
	require.NotNil(t, ev.Progress)
	assert.Equal(t, 10, ev.Progress.PercentComplete, "a full log queue must never evict a buffered ProgressEvent")
}

func TestBandPercentMonotonicWithinPhase(t *testing.T) {
	band := BandPullingImages
	assert.Equal(t, 5, band.Percent(0, 4))
	assert.Equal(t, 40, band.Percent(4, 4))
	p2 := band.Percent(2, 4)
	assert.True(t, p2 > 5 && p2 < 40)
}

func TestCompressNestsStackProgressIntoOrchestratorBand(t *testing.T) {
	// Stack 2 of 3 occupies [33, 66]; at 50% inner progress it should land
	// roughly in the middle of that slice.
	got := Compress(2, 3, 50)
	assert.True(t, got >= 33 && got <= 66)
}
