// Package orchestrator implements the Product Orchestrator (C8): it
// sequences the Deployment Engine across every stack of a Product, in the
// order given, under one session. For stack k of N it publishes its own
// start and end events at the edges of that stack's slice of the overall
// band (progressbus.Compress); events a stack's operation publishes itself
// are not rescaled into that slice.
package orchestrator

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/readystackgo/readystackgo/internal/engine"
	"github.com/readystackgo/readystackgo/internal/progressbus"
)

// Status summarizes a product-level run.
type Status string

const (
	StatusSucceeded Status = "Succeeded"
	StatusPartial   Status = "Partial"
	StatusFailed    Status = "Failed"
)

// StackOp runs one stack's mutating operation against the Deployment
// Engine. Callers supply this per stack since whether a given stack needs
// Install, Upgrade, or Remove depends on state the orchestrator does not
// track itself.
type StackOp func(ctx context.Context) (engine.Deployment, error)

// StackTarget is one stack's position in a product-level run.
type StackTarget struct {
	StackName string
	Run       StackOp
}

// StackResult is the outcome of running one StackTarget.
type StackResult struct {
	StackName  string
	Deployment engine.Deployment
	Err        error
}

// Outcome aggregates every stack's result for one product-level run.
type Outcome struct {
	Status  Status
	Results []StackResult
}

// Orchestrator sequences StackTargets under a shared session and
// continue-on-error policy.
type Orchestrator struct {
	bus *progressbus.Bus
	log *logrus.Logger
}

// New builds an Orchestrator.
func New(bus *progressbus.Bus, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{bus: bus, log: log}
}

// Run executes targets sequentially in the order given (callers reverse the
// slice themselves for a removal run). When continueOnError is false, the
// first failure stops the run and publishes a terminal error; otherwise
// every target runs regardless of earlier failures and the run's overall
// status reflects how many stacks ultimately came up.
func (o *Orchestrator) Run(ctx context.Context, sessionID string, phase progressbus.Phase, targets []StackTarget, continueOnError bool) Outcome {
	n := len(targets)
	results := make([]StackResult, 0, n)

	for i, target := range targets {
		k := i + 1
		o.bus.PublishProgress(progressbus.ProgressEvent{
			SessionID:       sessionID,
			Phase:           phase,
			CurrentService:  target.StackName,
			Message:         fmt.Sprintf("Deploying stack %d/%d: %s", k, n, target.StackName),
			PercentComplete: progressbus.Compress(k, n, 0),
			TotalServices:   n,
		})

		deployment, err := target.Run(ctx)
		results = append(results, StackResult{StackName: target.StackName, Deployment: deployment, Err: err})

		o.bus.PublishProgress(progressbus.ProgressEvent{
			SessionID:         sessionID,
			Phase:             phase,
			CurrentService:    target.StackName,
			Message:           fmt.Sprintf("stack %d/%d: %s", k, n, target.StackName),
			PercentComplete:   progressbus.Compress(k, n, 100),
			TotalServices:     n,
			CompletedServices: k,
		})

		if err != nil {
			o.log.WithError(err).WithField("stack", target.StackName).Warn("orchestrator: stack operation failed")
			if !continueOnError {
				outcome := Outcome{Status: StatusFailed, Results: results}
				o.publishTerminal(sessionID, false, fmt.Sprintf("stopped at stack %d/%d: %s: %v", k, n, target.StackName, err))
				return outcome
			}
		}
	}

	outcome := Outcome{Status: classify(results), Results: results}
	o.publishTerminal(sessionID, outcome.Status != StatusFailed, string(outcome.Status))
	return outcome
}

func classify(results []StackResult) Status {
	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
		}
	}
	switch {
	case failures == 0:
		return StatusSucceeded
	case failures == len(results):
		return StatusFailed
	default:
		return StatusPartial
	}
}

func (o *Orchestrator) publishTerminal(sessionID string, success bool, message string) {
	if sessionID == "" {
		return
	}
	o.bus.PublishProgress(progressbus.ProgressEvent{
		SessionID:       sessionID,
		Phase:           progressbus.PhaseFinalizing,
		Message:         message,
		PercentComplete: 100,
		IsComplete:      true,
		IsError:         !success,
	})
}
