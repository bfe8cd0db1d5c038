package orchestrator

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/readystackgo/readystackgo/internal/engine"
	"github.com/readystackgo/readystackgo/internal/progressbus"
)

func testOrchestrator() (*Orchestrator, *progressbus.Bus) {
	bus := progressbus.New(5*time.Minute, 32, 32)
	log := logrus.New()
	log.SetOutput(io.Discard)
	return New(bus, log), bus
}

func TestRunAllSucceedIsSucceeded(t *testing.T) {
	o, _ := testOrchestrator()
	targets := []StackTarget{
		{StackName: "db", Run: func(ctx context.Context) (engine.Deployment, error) {
			return engine.Deployment{StackName: "db", Status: engine.StatusRunning}, nil
		}},
		{StackName: "web", Run: func(ctx context.Context) (engine.Deployment, error) {
			return engine.Deployment{StackName: "web", Status: engine.StatusRunning}, nil
		}},
	}

	outcome := o.Run(context.Background(), "sess-1", progressbus.PhaseProductDeploy, targets, false)
	assert.Equal(t, StatusSucceeded, outcome.Status)
	require.Len(t, outcome.Results, 2)
}

func TestRunStopsOnFirstFailureWithoutContinueOnError(t *testing.T) {
	o, _ := testOrchestrator()
	var ranSecond bool
	targets := []StackTarget{
		{StackName: "db", Run: func(ctx context.Context) (engine.Deployment, error) {
			return engine.Deployment{}, errors.New("boom")
		}},
		{StackName: "web", Run: func(ctx context.Context) (engine.Deployment, error) {
			ranSecond = true
			return engine.Deployment{}, nil
		}},
	}

	outcome := o.Run(context.Background(), "sess-1", progressbus.PhaseProductDeploy, targets, false)
	assert.Equal(t, StatusFailed, outcome.Status)
	assert.Len(t, outcome.Results, 1)
	assert.False(t, ranSecond)
}

func TestRunContinuesOnErrorAndReportsPartial(t *testing.T) {
	o, _ := testOrchestrator()
	var ranThird bool
	targets := []StackTarget{
		{StackName: "db", Run: func(ctx context.Context) (engine.Deployment, error) {
			return engine.Deployment{}, errors.New("boom")
		}},
		{StackName: "web", Run: func(ctx context.Context) (engine.Deployment, error) {
			ranThird = true
			return engine.Deployment{StackName: "web", Status: engine.StatusRunning}, nil
		}},
	}

	outcome := o.Run(context.Background(), "sess-1", progressbus.PhaseProductDeploy, targets, true)
	assert.Equal(t, StatusPartial, outcome.Status)
	require.Len(t, outcome.Results, 2)
	assert.True(t, ranThird)
}

func TestRunAllFailIsFailedEvenWithContinueOnError(t *testing.T) {
	o, _ := testOrchestrator()
	targets := []StackTarget{
		{StackName: "db", Run: func(ctx context.Context) (engine.Deployment, error) {
			return engine.Deployment{}, errors.New("boom")
		}},
		{StackName: "web", Run: func(ctx context.Context) (engine.Deployment, error) {
			return engine.Deployment{}, errors.New("boom too")
		}},
	}

	outcome := o.Run(context.Background(), "sess-1", progressbus.PhaseProductDeploy, targets, true)
	assert.Equal(t, StatusFailed, outcome.Status)
}

func TestRunPublishesProgressPerStack(t *testing.T) {
	o, bus := testOrchestrator()
	sub := bus.Subscribe("sess-2")
	defer sub.Close()

	targets := []StackTarget{
		{StackName: "db", Run: func(ctx context.Context) (engine.Deployment, error) {
			return engine.Deployment{}, nil
		}},
	}
	o.Run(context.Background(), "sess-2", progressbus.PhaseProductDeploy, targets, false)

	var sawStart, sawDone bool
	for i := 0; i < 3; i++ {
		select {
		case ev := <-sub.Events:
			if ev.Progress != nil && ev.Progress.CurrentService == "db" {
				if ev.Progress.CompletedServices == 1 {
					sawDone = true
				} else {
					sawStart = true
				}
			}
		default:
		}
	}
	assert.True(t, sawStart || sawDone)
}
