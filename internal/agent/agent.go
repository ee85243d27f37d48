// Package agent defines the worker contract and the registry that routes
// capabilities to registered agents.
package agent

import (
	"context"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// Agent is a pluggable worker that executes tasks for the capabilities it declares.
type Agent interface {
	// Capabilities returns the capability strings this agent can serve.
	Capabilities() []string

	// Execute runs the task and returns an opaque result.
	Execute(ctx context.Context, task scheduler.Task) (any, error)

	// Ready reports whether the agent can accept work right now.
	Ready() bool
}

// AlwaysReady can be embedded by agents that have no readiness condition.
type AlwaysReady struct{}

// Ready always returns true.
func (AlwaysReady) Ready() bool { return true }

// Func adapts a plain function into an Agent.
type Func struct {
	AlwaysReady
	Caps []string
	Fn   func(ctx context.Context, task scheduler.Task) (any, error)
}

// NewFunc returns a Func agent serving caps.
func NewFunc(caps []string, fn func(ctx context.Context, task scheduler.Task) (any, error)) *Func {
	return &Func{Caps: caps, Fn: fn}
}

func (f *Func) Capabilities() []string { return f.Caps }

func (f *Func) Execute(ctx context.Context, task scheduler.Task) (any, error) {
	return f.Fn(ctx, task)
}
