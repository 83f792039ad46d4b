package tui

import (
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
)

// StatusProvider is the subset of *supervisor.Supervisor the dashboard
// needs. Declared here rather than imported so internal/tui never depends
// on internal/supervisor directly -- the Status shape is duplicated below
// rather than shared, matching the teacher's tui package not importing its
// hist/live packages' types either.
type StatusProvider interface {
	Status() []SupervisorRow
}

// SupervisorRow is one symbol's worker status, as the dashboard needs it.
type SupervisorRow struct {
	Symbol          string
	Running         bool
	Degraded        bool
	Restarts        int
	LastError       string
	EventsProcessed uint64
	LastEventTsNs   uint64
	QueueDepth      int
	DriftAlertCount int
	ReceivedAt      time.Time
}

const (
	superviseRefreshInterval = 500 * time.Millisecond

	superviseSymbolColumn = 0
	superviseStateColumn  = 1

	superviseStateColumnSize = 10
)

// tickMsg drives the dashboard's periodic re-poll of the supervisor.
type tickMsg time.Time

// RunSupervisorDashboard starts a full-screen bubbletea program that
// refreshes from provider every superviseRefreshInterval until the user
// quits (ctrl+c / esc / q), using tea.NewProgram(..., WithAltScreen()).
func RunSupervisorDashboard(provider StatusProvider) error {
	m := newSupervisorModel(provider)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

type supervisorModel struct {
	provider StatusProvider

	width  int
	height int

	statusTable table.Model
	help        help.Model
	keyMap      supervisorKeyMap
}

type supervisorKeyMap struct {
	Quit key.Binding
}

func defaultSupervisorKeyMap() supervisorKeyMap {
	return supervisorKeyMap{
		Quit: key.NewBinding(
			key.WithKeys("ctrl+c", "esc", "q"),
			key.WithHelp("esc", "quit"),
		),
	}
}

func (k *supervisorKeyMap) FullHelp() [][]key.Binding { return [][]key.Binding{{k.Quit}} }
func (k supervisorKeyMap) ShortHelp() []key.Binding   { return []key.Binding{k.Quit} }

func newSupervisorModel(provider StatusProvider) supervisorModel {
	statusTable := table.New(table.WithColumns([]table.Column{
		{Title: "Symbol", Width: 14},
		{Title: "State", Width: superviseStateColumnSize},
		{Title: "Events", Width: 14},
		{Title: "Last Event TS", Width: 22},
		{Title: "Queue", Width: 8},
		{Title: "Drift Alerts", Width: 12},
		{Title: "Restarts", Width: 9},
		{Title: "Last Error", Width: 30},
	}), table.WithStyles(nimbleTableStyles), table.WithFocused(false))

	return supervisorModel{
		provider:    provider,
		width:       20,
		height:      10,
		statusTable: statusTable,
		help:        help.New(),
		keyMap:      defaultSupervisorKeyMap(),
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(superviseRefreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m supervisorModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), m.refresh())
}

func (m supervisorModel) refresh() tea.Cmd {
	return func() tea.Msg { return refreshedRowsMsg(m.provider.Status()) }
}

type refreshedRowsMsg []SupervisorRow

func (m supervisorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateSizes()
		return m, nil

	case tea.KeyMsg:
		if key.Matches(msg, m.keyMap.Quit) {
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.statusTable, cmd = m.statusTable.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(tickCmd(), m.refresh())

	case refreshedRowsMsg:
		m.setRows(msg)
		return m, nil
	}
	return m, nil
}

func (m *supervisorModel) setRows(rows []SupervisorRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Symbol < rows[j].Symbol })

	tableRows := make([]table.Row, 0, len(rows))
	for _, r := range rows {
		tableRows = append(tableRows, table.Row{
			r.Symbol,
			lipgloss.NewStyle().Width(superviseStateColumnSize).Align(lipgloss.Center).Render(stateLabel(r)),
			humanize.Comma(int64(r.EventsProcessed)),
			formatEventTsNs(r.LastEventTsNs),
			niceInt(r.QueueDepth),
			niceInt(r.DriftAlertCount),
			niceInt(r.Restarts),
			r.LastError,
		})
	}
	m.statusTable.SetRows(tableRows)
}

func stateLabel(r SupervisorRow) string {
	switch {
	case r.Degraded:
		return "degraded"
	case r.Running:
		return "running"
	default:
		return "stopped"
	}
}

func (m supervisorModel) View() string {
	viewStr := nimbleBorderStyle.Render(m.statusTable.View()) + "\n"
	viewStr += m.help.View(&m.keyMap)
	return viewStr
}

func (m *supervisorModel) updateSizes() {
	availHeight := m.height - 2 - 2 - 2
	m.statusTable.SetHeight(availHeight)
	m.statusTable.SetWidth(m.width - 2)
	m.help.Width = m.width - 2
}

// formatEventTsNs renders an exchange timestamp in nanoseconds as an
// operator-readable UTC time, or "-" when 0 (no event processed yet).
func formatEventTsNs(ns uint64) string {
	if ns == 0 {
		return "-"
	}
	return time.Unix(0, int64(ns)).UTC().Format(time.RFC3339Nano)
}
