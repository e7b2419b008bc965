package statusview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/timvw/pane-relay/internal/protocol"
)

// FetchFunc returns the current status.
type FetchFunc func(ctx context.Context) (protocol.Status, error)

// Watch is a live status view that refetches every Interval.
type Watch struct {
	Fetch    FetchFunc
	Interval time.Duration
	Theme    Theme
}

type statusMsg struct {
	status protocol.Status
	err    error
	at     time.Time
}

type tickMsg struct{}

// watchModel implements tea.Model
type watchModel struct {
	fetch    FetchFunc
	ctx      context.Context
	interval time.Duration
	styles   styles
	spinner  spinner.Model

	status   protocol.Status
	err      error
	fetched  bool
	fetching bool
	lastAt   time.Time
	width    int
}

// Run blocks until the user quits or ctx is cancelled.
func (w *Watch) Run(ctx context.Context) error {
	m := newWatchModel(ctx, w)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func newWatchModel(ctx context.Context, w *Watch) *watchModel {
	interval := w.Interval
	if interval <= 0 {
		interval = time.Second
	}
	st := newStyles(w.Theme)
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = st.addr
	return &watchModel{
		fetch:    w.Fetch,
		ctx:      ctx,
		interval: interval,
		styles:   st,
		spinner:  sp,
	}
}

func (m *watchModel) Init() tea.Cmd {
	m.fetching = true
	return tea.Batch(m.spinner.Tick, m.doFetch())
}

func (m *watchModel) doFetch() tea.Cmd {
	fetch := m.fetch
	ctx := m.ctx
	return func() tea.Msg {
		st, err := fetch(ctx)
		return statusMsg{status: st, err: err, at: time.Now()}
	}
}

func (m *watchModel) scheduleTick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

func (m *watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if !m.fetching {
				m.fetching = true
				return m, m.doFetch()
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case statusMsg:
		m.fetching = false
		m.fetched = true
		m.lastAt = msg.at
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.status
		}
		return m, m.scheduleTick()

	case tickMsg:
		if m.fetching {
			return m, m.scheduleTick()
		}
		m.fetching = true
		return m, m.doFetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *watchModel) View() string {
	var b strings.Builder
	if !m.fetched {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
		b.WriteString(m.styles.dim.Render("Contacting relay..."))
		b.WriteString("\n")
		return b.String()
	}

	b.WriteString(render(m.status, m.styles))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(m.styles.err.Render(fmt.Sprintf("  %v", m.err)))
		b.WriteString("\n")
	}
	if m.fetching {
		b.WriteString(m.spinner.View())
		b.WriteString(" ")
	} else {
		b.WriteString("  ")
	}
	b.WriteString(m.styles.dim.Render(fmt.Sprintf("updated %s  r=refresh  q=quit", m.lastAt.Format("15:04:05"))))
	b.WriteString("\n")
	return b.String()
}
