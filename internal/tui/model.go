package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/events"
	"github.com/aristath/taskpilot/internal/orchestrator"
)

// refreshInterval is how often status and metrics are polled.
const refreshInterval = time.Second

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneQueue PaneID = iota
	PaneAgents
	PaneActivity
)

const paneCount = 3

// Source is the part of the orchestrator the dashboard reads and controls.
type Source interface {
	Status() orchestrator.Status
	Metrics() orchestrator.Metrics
	PauseNonCritical()
	ResumeNonCritical()
}

// snapshotMsg carries one poll of the source.
type snapshotMsg struct {
	status  orchestrator.Status
	metrics orchestrator.Metrics
}

// Model is the root Bubble Tea model for the TUI.
type Model struct {
	src          Source
	bus          *events.EventBus
	eventSub     <-chan events.Event
	queuePane    QueuePaneModel
	agentPane    AgentPaneModel
	activityPane ActivityPaneModel
	focusedPane  PaneID
	status       orchestrator.Status
	metrics      orchestrator.Metrics
	width        int
	height       int
	quitting     bool
}

// New creates a new TUI model.
// It subscribes to all events from the event bus using SubscribeAll.
func New(src Source, bus *events.EventBus) Model {
	m := Model{
		src:          src,
		bus:          bus,
		eventSub:     bus.SubscribeAll(256),
		queuePane:    NewQueuePaneModel(),
		agentPane:    NewAgentPaneModel(),
		activityPane: NewActivityPaneModel(),
		focusedPane:  PaneQueue,
	}
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForEvent(m.eventSub), poll(m.src))
}

// waitForEvent returns a command that waits for the next event from the event bus.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return nil // bus closed
		}
		return event
	}
}

// poll reads the source immediately.
func poll(src Source) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{status: src.Status(), metrics: src.Metrics()}
	}
}

// schedulePoll reads the source after refreshInterval.
func schedulePoll(src Source) tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return snapshotMsg{status: src.Status(), metrics: src.Metrics()}
	})
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			m.bus.Unsubscribe(m.eventSub)
			return m, tea.Quit

		case KeyPause:
			if m.metrics.Queue.NonCriticalPaused {
				m.src.ResumeNonCritical()
			} else {
				m.src.PauseNonCritical()
			}
			cmds = append(cmds, poll(m.src))

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneQueue
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneAgents
			m.updateFocusStates()

		case KeyPane3:
			m.focusedPane = PaneActivity
			m.updateFocusStates()

		default:
			switch m.focusedPane {
			case PaneAgents:
				var cmd tea.Cmd
				m.agentPane, cmd = m.agentPane.Update(msg)
				cmds = append(cmds, cmd)
			case PaneActivity:
				var cmd tea.Cmd
				m.activityPane, cmd = m.activityPane.Update(msg)
				cmds = append(cmds, cmd)
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()

	case snapshotMsg:
		m.status = msg.status
		m.metrics = msg.metrics
		m.queuePane, _ = m.queuePane.Update(msg)
		m.agentPane, _ = m.agentPane.Update(msg)
		if !m.quitting {
			cmds = append(cmds, schedulePoll(m.src))
		}

	case events.Event:
		m.activityPane, _ = m.activityPane.Update(msg)
		cmds = append(cmds, waitForEvent(m.eventSub))
	}

	return m, tea.Batch(cmds...)
}

// View renders the TUI.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}

	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	top := lipgloss.JoinHorizontal(lipgloss.Top, m.queuePane.View(), m.agentPane.View())
	body := lipgloss.JoinVertical(lipgloss.Left, m.headerView(), top, m.activityPane.View())

	return lipgloss.JoinVertical(lipgloss.Left, body, HelpView())
}

// headerView renders a one-line summary of the orchestrator state.
func (m Model) headerView() string {
	state := "stopped"
	if m.status.Running {
		state = "running"
	}
	health := StyleStatusComplete.Render("healthy")
	if !m.status.OverallHealth {
		health = StyleStatusFailed.Render("degraded")
	}
	line := fmt.Sprintf("taskpilot %s | active %d/%d | queued %d | processed %d | ",
		state, m.status.ActiveCount, m.status.MaxConcurrent, m.status.QueuedCount, m.metrics.Queue.TotalProcessed)
	return StyleHeader.Render(line) + " " + health
}

// computeLayout calculates pane dimensions and updates all child models.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 35) / 100
	rightWidth := m.width - leftWidth
	availableHeight := m.height - 2 // header and help bar
	topHeight := (availableHeight * 55) / 100
	bottomHeight := availableHeight - topHeight

	m.queuePane.SetSize(leftWidth, topHeight)
	m.agentPane.SetSize(rightWidth, topHeight)
	m.activityPane.SetSize(m.width, bottomHeight)

	m.updateFocusStates()
}

// updateFocusStates updates the focus state of all panes.
func (m *Model) updateFocusStates() {
	m.queuePane.SetFocused(m.focusedPane == PaneQueue)
	m.agentPane.SetFocused(m.focusedPane == PaneAgents)
	m.activityPane.SetFocused(m.focusedPane == PaneActivity)
}
