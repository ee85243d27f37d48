package tui

import (
	"fmt"
	"sort"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/taskpilot/internal/agent"
)

// AgentPaneModel lists registered agents with their classification and metrics.
type AgentPaneModel struct {
	table   table.Model
	width   int
	height  int
	focused bool
}

// NewAgentPaneModel creates a new agent pane model.
func NewAgentPaneModel() AgentPaneModel {
	t := table.New(
		table.WithColumns(agentColumns(40)),
		table.WithHeight(5),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("62"))
	t.SetStyles(styles)

	return AgentPaneModel{table: t}
}

// agentColumns sizes the name column to whatever the fixed columns leave.
func agentColumns(width int) []table.Column {
	nameWidth := max(8, width-10-9-9-6)
	return []table.Column{
		{Title: "Agent", Width: nameWidth},
		{Title: "Health", Width: 10},
		{Title: "Success", Width: 9},
		{Title: "Avg ms", Width: 9},
	}
}

// Update handles messages for the agent pane.
func (m AgentPaneModel) Update(msg tea.Msg) (AgentPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.table, cmd = m.table.Update(msg)
		}

	case snapshotMsg:
		m.table.SetRows(agentRows(msg.status.AgentHealth, msg.metrics.Agents))
	}

	return m, cmd
}

// agentRows builds one row per agent, sorted by name.
func agentRows(classes map[string]agent.Classification, metrics map[string]agent.Metrics) []table.Row {
	names := make([]string, 0, len(classes))
	for name := range classes {
		names = append(names, name)
	}
	sort.Strings(names)

	rows := make([]table.Row, 0, len(names))
	for _, name := range names {
		mt := metrics[name]
		rows = append(rows, table.Row{
			name,
			string(classes[name]),
			fmt.Sprintf("%.1f%%", mt.SuccessRate),
			fmt.Sprintf("%.0f", mt.AvgResponseTime),
		})
	}
	return rows
}

// View renders the agent pane.
func (m AgentPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	content := lipgloss.JoinVertical(lipgloss.Left, StyleTitle.Render("Agents"), m.table.View())
	if len(m.table.Rows()) == 0 {
		content = lipgloss.JoinVertical(lipgloss.Left, StyleTitle.Render("Agents"), StyleStatusPending.Render("No agents registered"))
	}

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
func (m *AgentPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.table.SetColumns(agentColumns(w - 4))
	m.table.SetWidth(max(10, w-4))
	m.table.SetHeight(max(3, h-4)) // border and title
}

// SetFocused updates the focus state.
func (m *AgentPaneModel) SetFocused(focused bool) {
	m.focused = focused
	if focused {
		m.table.Focus()
	} else {
		m.table.Blur()
	}
}
