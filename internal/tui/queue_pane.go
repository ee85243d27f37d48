package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/health"
	"github.com/aristath/taskpilot/internal/scheduler"
)

// QueuePaneModel shows queue depths, throughput and aggregate health.
type QueuePaneModel struct {
	queue   scheduler.QueueMetrics
	health  health.AggregateMetrics
	width   int
	height  int
	focused bool
}

// NewQueuePaneModel creates a new queue pane model.
func NewQueuePaneModel() QueuePaneModel {
	return QueuePaneModel{}
}

// Update handles messages for the queue pane.
func (m QueuePaneModel) Update(msg tea.Msg) (QueuePaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case snapshotMsg:
		m.queue = msg.metrics.Queue
		m.health = msg.metrics.Health
	}

	return m, nil
}

// View renders the queue pane.
func (m QueuePaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder

	title := StyleTitle.Render("Queue")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	for _, p := range scheduler.Priorities {
		label := fmt.Sprintf("%-9s", string(p)+":")
		b.WriteString(fmt.Sprintf("%s %s\n", label, PriorityStyle(p).Render(fmt.Sprintf("%d", m.queue.Depth[p]))))
	}
	b.WriteString(fmt.Sprintf("Waiting:  %s\n", StyleStatusPending.Render(fmt.Sprintf("%d", m.queue.Waiting))))
	b.WriteString(fmt.Sprintf("Running:  %s\n", StyleStatusRunning.Render(fmt.Sprintf("%d", m.queue.InFlight))))
	b.WriteString(fmt.Sprintf("Overdue:  %d\n", m.queue.Overdue))

	switch {
	case m.queue.Paused:
		b.WriteString(StyleStatusFailed.Render("PAUSED"))
		b.WriteString("\n")
	case m.queue.NonCriticalPaused:
		b.WriteString(StyleStatusRunning.Render("NON-CRITICAL PAUSED"))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.progressBar())

	b.WriteString(fmt.Sprintf("Avg wait:  %s\n", m.queue.AvgWaitTime.Round(time.Millisecond)))
	b.WriteString(fmt.Sprintf("Avg run:   %s\n", m.queue.AvgProcessingTime.Round(time.Millisecond)))
	if m.queue.OldestPendingID != "" {
		b.WriteString(fmt.Sprintf("Oldest:    %s (%s)\n", m.queue.OldestPendingID, m.queue.OldestPendingAge.Round(time.Second)))
	}
	b.WriteString(fmt.Sprintf("Errors:    %.1f%%\n", m.health.ErrorRate))
	b.WriteString(fmt.Sprintf("Uptime:    %s\n", m.health.Uptime.Round(time.Second)))

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}

	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// progressBar renders completed, failed, running and pending work as one bar.
func (m QueuePaneModel) progressBar() string {
	completed := m.queue.TotalCompleted
	failed := m.queue.TotalFailed
	running := m.queue.InFlight
	pending := m.queue.TotalDepth + m.queue.Waiting
	total := completed + failed + running + pending
	if total == 0 {
		return ""
	}

	barWidth := max(1, min(m.width-14, 40))
	completedWidth := (completed * barWidth) / total
	failedWidth := (failed * barWidth) / total
	runningWidth := (running * barWidth) / total
	pendingWidth := barWidth - completedWidth - failedWidth - runningWidth

	bar := StyleStatusComplete.Render(strings.Repeat("=", max(0, completedWidth)))
	bar += StyleStatusFailed.Render(strings.Repeat("!", max(0, failedWidth)))
	bar += StyleStatusRunning.Render(strings.Repeat("-", max(0, runningWidth)))
	bar += StyleStatusPending.Render(strings.Repeat(".", max(0, pendingWidth)))

	return fmt.Sprintf("[%s]  %d/%d\n\n", bar, completed, total)
}

// PriorityStyle returns the colour used for a priority.
func PriorityStyle(p scheduler.Priority) lipgloss.Style {
	switch p {
	case scheduler.PriorityCritical:
		return StylePriorityCritical
	case scheduler.PriorityHigh:
		return StylePriorityHigh
	case scheduler.PriorityMedium:
		return StylePriorityMedium
	default:
		return StylePriorityLow
	}
}

// SetSize updates the pane dimensions.
func (m *QueuePaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *QueuePaneModel) SetFocused(focused bool) {
	m.focused = focused
}
