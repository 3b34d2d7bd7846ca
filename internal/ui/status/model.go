// Package status renders a live view of background sync per account.
package status

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"

	"github.com/nhle/mailcache/internal/keys"
	"github.com/nhle/mailcache/internal/model"
	mailsync "github.com/nhle/mailcache/internal/sync"
	"github.com/nhle/mailcache/internal/theme"
)

const (
	maxNotifications = 5
	refreshInterval  = time.Second
)

// Poller is the part of *sync.Poller the view drives.
type Poller interface {
	Start() tea.Cmd
	GetStatuses() []mailsync.SyncStatus
	Trigger(accountID string) bool
	RefreshAll() tea.Cmd
	WaitForNextResult() tea.Cmd
}

type tickMsg time.Time

// Model is the sync status view.
type Model struct {
	poller  Poller
	keys    *keys.KeyMap
	help    help.Model
	spinner spinner.Model
	frame   frame

	statuses      []mailsync.SyncStatus
	notifications []model.Notification
	cursor        int
	authError     string
}

// New creates a status view over p.
func New(p Poller, k *keys.KeyMap) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return Model{
		poller:   p,
		keys:     k,
		help:     help.New(),
		spinner:  sp,
		frame:    frame{width: 80, height: 24},
		statuses: p.GetStatuses(),
	}
}

// Init starts polling, the spinner and the status refresh ticker.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poller.Start(), m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Update handles messages for the status view.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.frame = frame{width: msg.Width, height: msg.Height}
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case mailsync.SyncResultMsg:
		if msg.AuthError != nil {
			m.authError = msg.AuthError.Message
		} else if msg.Error == nil {
			m.authError = ""
		}
		if msg.Notification != nil {
			m.notifications = append([]model.Notification{*msg.Notification}, m.notifications...)
			if len(m.notifications) > maxNotifications {
				m.notifications = m.notifications[:maxNotifications]
			}
		}
		m.statuses = m.poller.GetStatuses()
		return m, m.poller.WaitForNextResult()

	case tickMsg:
		m.statuses = m.poller.GetStatuses()
		return m, tick()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.statuses)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Refresh):
		if m.cursor < len(m.statuses) {
			m.poller.Trigger(m.statuses[m.cursor].AccountID)
		}
	case key.Matches(msg, m.keys.RefreshAll):
		return m, m.poller.RefreshAll()
	case key.Matches(msg, m.keys.Dismiss):
		m.notifications = nil
	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
	}
	return m, nil
}

// View renders the status view.
func (m Model) View() string {
	var rows []string
	if len(m.statuses) == 0 {
		rows = append(rows, theme.HintStyle.Render("No accounts configured. Run 'mailcache account add'."))
	}
	for i, s := range m.statuses {
		rows = append(rows, m.renderRow(i, s))
	}

	if m.authError != "" {
		rows = append(rows, "", theme.ErrorStyle.Render(m.authError))
	}

	if len(m.notifications) > 0 {
		var lines []string
		for _, n := range m.notifications {
			lines = append(lines, fmt.Sprintf("%s  %s", n.CreatedAt.Format("15:04:05"), n.Message))
		}
		rows = append(rows, "", theme.NotificationPanelStyle.Render(strings.Join(lines, "\n")))
	}

	return m.frame.render("mailcache", m.summary(), strings.Join(rows, "\n"), m.help.View(m.keys))
}

func (m Model) summary() string {
	syncing, failing := 0, 0
	for _, s := range m.statuses {
		switch s.State {
		case mailsync.SyncRunning:
			syncing++
		case mailsync.SyncError:
			failing++
		}
	}
	return fmt.Sprintf("%d accounts · %d syncing · %d failing", len(m.statuses), syncing, failing)
}

func (m Model) renderRow(i int, s mailsync.SyncStatus) string {
	state := theme.SyncStateStyle(s.State.String()).Render(s.State.String())
	if s.State == mailsync.SyncRunning {
		state = m.spinner.View() + state
	}

	last := "never"
	if !s.LastSync.IsZero() {
		last = humanize.Time(s.LastSync)
	}

	line := fmt.Sprintf("%-20s %s  last sync %s  %s", s.AccountID, state, last, describeResult(s.LastResult))
	if s.Error != nil {
		line += "\n    " + theme.ErrorStyle.Render(s.Error.Error())
	}

	if i == m.cursor {
		return theme.SelectedAccountRowStyle.Render(line)
	}
	return theme.AccountRowStyle.Render(line)
}

// describeResult summarizes a sync result in a few words.
func describeResult(r *model.SyncResult) string {
	if r == nil {
		return ""
	}
	if r.Type == model.SyncTypeFull {
		s := fmt.Sprintf("full · %d messages", r.EmailCount)
		if r.FellBack {
			s += " (cursor expired)"
		}
		return s
	}
	if r.Added == 0 && r.Deleted == 0 && r.LabelChanges == 0 {
		return "up to date"
	}
	return fmt.Sprintf("+%d −%d ~%d", r.Added, r.Deleted, r.LabelChanges)
}
