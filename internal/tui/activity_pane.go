package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
)

// activityLimit bounds how many lines the activity pane keeps.
const activityLimit = 500

// ActivityPaneModel is a scrolling log of orchestrator events.
type ActivityPaneModel struct {
	lines     []string
	viewport  viewport.Model
	width     int
	height    int
	focused   bool
	following bool // stick to the bottom until the user scrolls up
}

// NewActivityPaneModel creates a new activity pane model.
func NewActivityPaneModel() ActivityPaneModel {
	vp := viewport.New(0, 0)
	vp.SetContent("Waiting for events...")
	return ActivityPaneModel{
		viewport:  vp,
		following: true,
	}
}

// Update handles messages for the activity pane.
func (m ActivityPaneModel) Update(msg tea.Msg) (ActivityPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			m.viewport.LineDown(1)
		case KeyK, KeyUp:
			m.viewport.LineUp(1)
		default:
			m.viewport, cmd = m.viewport.Update(msg)
		}
		m.following = m.viewport.AtBottom()

	case events.Event:
		m.Append(time.Now(), msg)
	}

	return m, cmd
}

// Append records one event.
func (m *ActivityPaneModel) Append(at time.Time, ev events.Event) {
	line := StyleStatusPending.Render(at.Format("15:04:05")) + " " + eventStyle(ev).Render(Describe(ev))
	m.lines = append(m.lines, line)
	if len(m.lines) > activityLimit {
		m.lines = m.lines[len(m.lines)-activityLimit:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.following {
		m.viewport.GotoBottom()
	}
}

// Len returns the number of lines kept.
func (m ActivityPaneModel) Len() int {
	return len(m.lines)
}

// Describe renders an event as a single human-readable line.
func Describe(ev events.Event) string {
	switch e := ev.(type) {
	case events.TaskStartedEvent:
		return fmt.Sprintf("task %s started (%s, %s, attempt %d)", e.ID, e.Type, e.Priority, e.Attempt)
	case events.TaskCompletedEvent:
		return fmt.Sprintf("task %s completed in %s", e.ID, e.Duration.Round(time.Millisecond))
	case events.TaskFailedEvent:
		if e.Terminal {
			return fmt.Sprintf("task %s failed after attempt %d: %v", e.ID, e.Attempt, e.Err)
		}
		return fmt.Sprintf("task %s attempt %d failed, retrying: %v", e.ID, e.Attempt, e.Err)
	case events.AgentExecutingEvent:
		return fmt.Sprintf("%s running %s for %s", e.Agent, e.Capability, e.TaskID)
	case events.AgentCompletedEvent:
		return fmt.Sprintf("%s finished %s in %s", e.Agent, e.TaskID, e.Duration.Round(time.Millisecond))
	case events.AgentFailedEvent:
		return fmt.Sprintf("%s failed %s: %v", e.Agent, e.TaskID, e.Err)
	case events.HealthCheckEvent:
		state := "healthy"
		if !e.Healthy {
			state = "unhealthy"
		}
		return fmt.Sprintf("health %s: cpu %.0f%% mem %.0f%% disk %.0f%%", state, e.CPU, e.Memory, e.Disk)
	case events.AnomalyDetectedEvent:
		return fmt.Sprintf("anomaly %s (%s): %s", e.Kind, e.Severity, e.Message)
	case events.DegradationDetectedEvent:
		return "degradation: " + strings.Join(e.Issues, "; ")
	case events.AutoHealingInitiatedEvent:
		verb := "applied"
		if !e.Applied {
			verb = "proposed"
		}
		return fmt.Sprintf("healing %s: restarted %v, requeued %v, max concurrent %d", verb, e.RestartedAgents, e.RequeuedTasks, e.MaxConcurrent)
	case events.EmergencyProtocolEvent:
		if e.Recovered {
			return fmt.Sprintf("emergency from %s (%s): %s recovered", e.Source, e.Issue, e.Action)
		}
		return fmt.Sprintf("emergency from %s (%s): %s", e.Source, e.Issue, e.Message)
	case events.LearningsAppliedEvent:
		return fmt.Sprintf("learning: rules %v, recommendations %v", e.Rules, e.Recommendations)
	default:
		return ev.EventType()
	}
}

func eventStyle(ev events.Event) lipgloss.Style {
	switch e := ev.(type) {
	case events.TaskCompletedEvent:
		return StyleStatusComplete
	case events.TaskFailedEvent:
		if e.Terminal {
			return StyleStatusFailed
		}
		return StyleStatusRunning
	case events.AgentFailedEvent, events.DegradationDetectedEvent:
		return StyleStatusFailed
	case events.AnomalyDetectedEvent:
		if e.Severity == "critical" {
			return StyleStatusFailed
		}
		return StyleStatusRunning
	case events.EmergencyProtocolEvent:
		if e.Recovered {
			return StyleStatusRunning
		}
		return StyleStatusFailed
	case events.AutoHealingInitiatedEvent:
		return StyleStatusRunning
	}
	return lipgloss.NewStyle()
}

// View renders the activity pane.
func (m ActivityPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinVertical(lipgloss.Left, StyleTitle.Render("Activity"), m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(content)
}

// SetSize updates the pane dimensions.
func (m *ActivityPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(10, w-4)
	m.viewport.Height = max(3, h-3) // border and title
	if m.following {
		m.viewport.GotoBottom()
	}
}

// SetFocused updates the focus state.
func (m *ActivityPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
