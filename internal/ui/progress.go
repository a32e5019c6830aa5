package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"specbridge/internal/aggregate"
)

const (
	statusWaiting = "waiting"
	statusDone    = "done"
	statusFailed  = "failed"
)

type progressModel struct {
	title   string
	updates <-chan aggregate.Update
	spinner spinner.Model
	prog    progress.Model
	items   []sourceItem
	index   map[string]int
	width   int
	started bool
	done    bool
	err     error
}

type sourceItem struct {
	name   string
	fields []string
	status string
}

type updateMsg aggregate.Update
type doneMsg struct{}

// NewProgressModel returns a Bubble Tea model that renders the sources of an
// aggregation session as they complete. The model quits when updates is
// closed.
func NewProgressModel(title string, sources []aggregate.Source, updates <-chan aggregate.Update) tea.Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))

	prog := progress.New(progress.WithDefaultGradient())
	prog.Width = 76

	items := make([]sourceItem, 0, len(sources))
	index := make(map[string]int, len(sources))
	for i, src := range sources {
		items = append(items, sourceItem{name: src.Name, fields: src.Fields, status: statusWaiting})
		index[src.Name] = i
	}
	return &progressModel{
		title:   title,
		updates: updates,
		spinner: sp,
		prog:    prog,
		items:   items,
		index:   index,
		width:   80,
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.listenForUpdate())
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case updateMsg:
		cmd := m.applyUpdate(aggregate.Update(msg))
		return m, tea.Batch(cmd, m.listenForUpdate())
	case doneMsg:
		m.done = true
		return m, tea.Quit
	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
			m.prog.Width = msg.Width - 4
		}
		return m, nil
	case progress.FrameMsg:
		progressModel, cmd := m.prog.Update(msg)
		m.prog = progressModel.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	if len(m.items) == 0 {
		return ""
	}
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	header := m.title
	switch {
	case m.done && m.err != nil:
		header = fmt.Sprintf("failed: %s", header)
	case m.done:
		header = fmt.Sprintf("done: %s", header)
	default:
		header = fmt.Sprintf("%s %s", m.spinner.View(), header)
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(header))
	b.WriteString("\n\n")

	statusWidth := 8
	nameWidth := m.width - statusWidth - 4
	if nameWidth < 20 {
		nameWidth = 20
	}
	for _, item := range m.items {
		name := truncate(item.name+" ("+strings.Join(item.fields, ", ")+")", nameWidth)
		statusStyled := styleStatus(item.status).Render(fmt.Sprintf("%8s", item.status))
		b.WriteString(fmt.Sprintf("  %s %s\n", statusStyled, name))
	}

	b.WriteString("\n")
	if m.done {
		b.WriteString(m.prog.ViewAs(1.0))
	} else {
		b.WriteString(m.prog.View())
	}
	b.WriteString("\n")
	return b.String()
}

func (m *progressModel) listenForUpdate() tea.Cmd {
	return func() tea.Msg {
		u, ok := <-m.updates
		if !ok {
			return doneMsg{}
		}
		return updateMsg(u)
	}
}

func (m *progressModel) applyUpdate(u aggregate.Update) tea.Cmd {
	switch {
	case u.Loading && !m.started:
		// the loading update lists every field
		m.started = true
	case u.Loading:
		for i := range m.items {
			if m.items[i].status == statusWaiting && providesAny(m.items[i].fields, u.Fields) {
				m.items[i].status = statusDone
			}
		}
	default:
		for i := range m.items {
			m.items[i].status = statusDone
		}
		for _, f := range u.Failed {
			if idx, ok := m.index[f.Source]; ok {
				m.items[idx].status = statusFailed
			}
		}
		m.err = u.Err
	}

	finished := 0
	for _, item := range m.items {
		if item.status != statusWaiting {
			finished++
		}
	}
	if len(m.items) == 0 {
		return nil
	}
	return m.prog.SetPercent(float64(finished) / float64(len(m.items)))
}

func providesAny(fields []string, got aggregate.Fields) bool {
	for _, f := range fields {
		if _, ok := got[f]; ok {
			return true
		}
	}
	return false
}

func styleStatus(status string) lipgloss.Style {
	switch status {
	case statusDone:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	case statusFailed:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	}
}

func truncate(value string, width int) string {
	if width <= 0 {
		return value
	}
	if runewidth.StringWidth(value) <= width {
		return value
	}
	if width <= 3 {
		return runewidth.Truncate(value, width, "")
	}
	return runewidth.Truncate(value, width, "...")
}
