package orchestrator

import (
	"context"
	"time"

	"github.com/aristath/taskpilot/internal/scheduler"
)

// inboxSize bounds messages waiting for the inbox loop.
const inboxSize = 64

// Recovery tags understood by the emergency protocol.
const (
	IssueReconnect     = "reconnect"
	IssueBackoff       = "backoff"
	IssueRestartAgents = "restart-agents"
)

// Message is an alert or notice delivered to the orchestrator.
// Critical messages trigger the emergency protocol.
type Message struct {
	Source    string
	Priority  scheduler.Priority
	Issue     string // recovery tag, e.g. IssueReconnect
	Content   string
	Timestamp time.Time
}

// Critical reports whether the message triggers the emergency protocol.
func (m Message) Critical() bool {
	return m.Priority == scheduler.PriorityCritical
}

// Notify hands a message to the inbox loop without blocking.
func (o *Orchestrator) Notify(msg Message) error {
	o.mu.Lock()
	running := o.running
	o.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	if msg.Priority == "" {
		msg.Priority = scheduler.PriorityMedium
	}

	select {
	case o.inbox <- msg:
		return nil
	default:
		return ErrInboxFull
	}
}

// inboxLoop processes messages one at a time until ctx is cancelled.
func (o *Orchestrator) inboxLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-o.inbox:
			o.handleMessage(ctx, msg)
		}
	}
}

func (o *Orchestrator) handleMessage(ctx context.Context, msg Message) {
	if msg.Critical() {
		o.emergency(ctx, msg)
		return
	}
	o.logger.Info("message received",
		"source", msg.Source,
		"priority", string(msg.Priority),
		"issue", msg.Issue,
		"content", msg.Content)
}
