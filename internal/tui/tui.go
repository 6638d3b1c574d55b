// Package tui is the interactive presenter: the inbox on the left, open
// conversation windows side by side, a status line and a reply input.
//
// The model never mutates chat state itself. It renders session views and
// forwards operator intents (open, close, send, refresh) to the session.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/live"
	"github.com/shopdesk/deskchat/internal/session"
)

// Session is the part of session.Session the presenter drives.
type Session interface {
	Snapshot() session.View
	Updates() <-chan struct{}
	Refresh()
	OpenThread(contactID chat.UserID)
	CloseThread(contactID chat.UserID)
	SendMessage(contactID chat.UserID, content string) error
}

type Options struct {
	OperatorID chat.UserID
	// Now is overridable for tests.
	Now func() time.Time
}

// Run shows the UI until the operator quits or ctx ends.
func Run(ctx context.Context, s Session, opts Options) error {
	p := tea.NewProgram(newModel(s, opts), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

const (
	inboxWidth   = 34
	clockEvery   = 30 * time.Second
	minWinWidth  = 24
	chromeHeight = 6

	statusRefreshing = "refreshing…"
)

type mode int

const (
	modeNavigate mode = iota
	modeCompose
)

type viewMsg session.View

type clockMsg time.Time

type model struct {
	sess     Session
	operator chat.UserID
	now      func() time.Time

	view    session.View
	cursor  int
	focusID chat.UserID
	// pending is a window requested but not yet in the view.
	pending chat.UserID
	mode    mode
	status  string

	input  textinput.Model
	width  int
	height int

	theme theme
}

type theme struct {
	header      lipgloss.Style
	panel       lipgloss.Style
	panelFocus  lipgloss.Style
	panelTitle  lipgloss.Style
	selected    lipgloss.Style
	unread      lipgloss.Style
	muted       lipgloss.Style
	you         lipgloss.Style
	them        lipgloss.Style
	ok          lipgloss.Style
	warn        lipgloss.Style
	errorStatus lipgloss.Style
}

func newTheme() theme {
	accent := lipgloss.Color("#01cdfe")
	pink := lipgloss.Color("#ff71ce")
	mint := lipgloss.Color("#05ffa1")
	muted := lipgloss.Color("#9ca3d8")
	amber := lipgloss.Color("#ffb86c")

	return theme{
		header: lipgloss.NewStyle().Bold(true).Padding(0, 1),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(muted).
			Padding(0, 1),
		panelFocus: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1),
		panelTitle:  lipgloss.NewStyle().Foreground(mint).Bold(true),
		selected:    lipgloss.NewStyle().Foreground(accent).Bold(true),
		unread:      lipgloss.NewStyle().Foreground(pink).Bold(true),
		muted:       lipgloss.NewStyle().Foreground(muted),
		you:         lipgloss.NewStyle().Foreground(accent),
		them:        lipgloss.NewStyle().Foreground(mint),
		ok:          lipgloss.NewStyle().Foreground(mint),
		warn:        lipgloss.NewStyle().Foreground(amber),
		errorStatus: lipgloss.NewStyle().Foreground(pink).Bold(true),
	}
}

func newModel(s Session, opts Options) model {
	in := textinput.New()
	in.Placeholder = "type a reply"
	in.CharLimit = 2000
	in.Prompt = "> "

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return model{
		sess:     s,
		operator: opts.OperatorID,
		now:      now,
		view:     s.Snapshot(),
		input:    in,
		width:    100,
		height:   30,
		theme:    newTheme(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitView(m.sess), tickClock())
}

// waitView blocks on the session's update signal and delivers the new view.
func waitView(s Session) tea.Cmd {
	return func() tea.Msg {
		if _, ok := <-s.Updates(); !ok {
			return nil
		}
		return viewMsg(s.Snapshot())
	}
}

func tickClock() tea.Cmd {
	return tea.Tick(clockEvery, func(t time.Time) tea.Msg { return clockMsg(t) })
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.input.Width = max(10, m.width-inboxWidth-20)
		return m, nil
	case viewMsg:
		m.setView(session.View(msg))
		return m, waitView(m.sess)
	case clockMsg:
		return m, tickClock()
	case tea.KeyMsg:
		if msg.Type == tea.KeyCtrlC {
			return m, tea.Quit
		}
		if m.mode == modeCompose {
			return m.updateCompose(msg)
		}
		return m.updateNavigate(msg)
	}
	return m, nil
}

func (m *model) setView(v session.View) {
	m.view = v
	if m.status == statusRefreshing {
		m.status = ""
	}
	if m.cursor >= len(v.Threads) {
		m.cursor = max(0, len(v.Threads)-1)
	}
	if m.pending != 0 && hasWindow(v, m.pending) {
		m.pending = 0
	}
	if m.focusID != 0 && m.focusID != m.pending && !hasWindow(v, m.focusID) {
		m.focusID = 0
	}
	if m.focusID == 0 && len(v.Windows) > 0 {
		m.focusID = v.Windows[len(v.Windows)-1].ContactID
	}
	if m.focusID == 0 && m.mode == modeCompose {
		m.mode = modeNavigate
		m.input.Blur()
	}
}

func (m model) updateNavigate(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q":
		return m, tea.Quit
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.view.Threads)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.view.Threads) {
			id := m.view.Threads[m.cursor].ContactID
			m.sess.OpenThread(id)
			m.focusID = id
			if !hasWindow(m.view, id) {
				m.pending = id
			}
			m.mode = modeCompose
			m.status = ""
			return m, m.input.Focus()
		}
	case "tab":
		m.cycleFocus()
	case "x":
		if m.focusID != 0 {
			m.sess.CloseThread(m.focusID)
			if m.pending == m.focusID {
				m.pending = 0
			}
			m.focusID = 0
		}
	case "i":
		if m.focusID != 0 {
			m.mode = modeCompose
			return m, m.input.Focus()
		}
	case "r":
		m.sess.Refresh()
		m.status = statusRefreshing
	}
	return m, nil
}

func (m model) updateCompose(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.mode = modeNavigate
		m.input.Blur()
		return m, nil
	case tea.KeyTab:
		m.cycleFocus()
		return m, nil
	case tea.KeyEnter:
		text := strings.TrimSpace(m.input.Value())
		if text == "" || m.focusID == 0 {
			return m, nil
		}
		if err := m.sess.SendMessage(m.focusID, text); err != nil {
			m.status = err.Error()
			return m, nil
		}
		m.status = ""
		m.input.Reset()
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *model) cycleFocus() {
	wins := m.view.Windows
	if len(wins) == 0 {
		return
	}
	next := 0
	for i, w := range wins {
		if w.ContactID == m.focusID {
			next = (i + 1) % len(wins)
			break
		}
	}
	m.focusID = wins[next].ContactID
}

func hasWindow(v session.View, id chat.UserID) bool {
	for _, w := range v.Windows {
		if w.ContactID == id {
			return true
		}
	}
	return false
}

func (m model) View() string {
	header := m.renderHeader()
	bodyHeight := max(5, m.height-chromeHeight)
	inbox := m.renderInbox(bodyHeight)
	windows := m.renderWindows(bodyHeight)
	body := lipgloss.JoinHorizontal(lipgloss.Top, inbox, windows)
	return lipgloss.JoinVertical(lipgloss.Left, header, body, m.renderInput(), m.renderFooter())
}

func (m model) renderHeader() string {
	v := m.view
	state := m.theme.muted.Render("history only")
	if v.Live {
		switch {
		case v.Degraded:
			state = m.theme.errorStatus.Render("live updates off (restart to retry)")
		case v.State == live.Connected:
			state = m.theme.ok.Render("● connected")
		case v.State == live.Connecting:
			state = m.theme.warn.Render("◌ connecting")
		default:
			state = m.theme.warn.Render("○ disconnected")
		}
	}
	line := fmt.Sprintf("deskchat · operator #%d · %s · %d unread", m.operator, state, v.TotalUnread())
	if v.LastError != nil {
		line += " · " + m.theme.errorStatus.Render("history: "+v.LastError.Error())
	}
	return m.theme.header.Render(line)
}

func (m model) renderInbox(height int) string {
	var sb strings.Builder
	sb.WriteString(m.theme.panelTitle.Render("Inbox"))
	sb.WriteString("\n")
	if len(m.view.Threads) == 0 {
		if m.view.Loaded {
			sb.WriteString(m.theme.muted.Render("No conversations."))
		} else {
			sb.WriteString(m.theme.muted.Render("Loading…"))
		}
	}

	rows := max(1, (height-2)/2)
	start := 0
	if m.cursor >= rows {
		start = m.cursor - rows + 1
	}
	now := m.now()
	for i := start; i < len(m.view.Threads) && i < start+rows; i++ {
		t := m.view.Threads[i]
		name := clip(t.ContactName, inboxWidth-10)
		if i == m.cursor && m.mode == modeNavigate {
			name = m.theme.selected.Render("› " + name)
		} else {
			name = "  " + name
		}
		if t.UnreadCount > 0 {
			name += " " + m.theme.unread.Render(fmt.Sprintf("(%d)", t.UnreadCount))
		}
		sb.WriteString(name + "\n")
		sb.WriteString(m.theme.muted.Render(fmt.Sprintf("  %s · %s", clip(t.LastMessage, inboxWidth-18), relTime(t.LastTimestamp, now))))
		sb.WriteString("\n")
	}
	return m.theme.panel.Width(inboxWidth).Height(height).Render(strings.TrimRight(sb.String(), "\n"))
}

func (m model) renderWindows(height int) string {
	wins := m.view.Windows
	if len(wins) == 0 {
		hint := m.theme.muted.Render("Select a conversation and press enter.")
		return m.theme.panel.Width(max(minWinWidth, m.width-inboxWidth-6)).Height(height).Render(hint)
	}
	avail := max(minWinWidth, m.width-inboxWidth-4)
	w := max(minWinWidth, avail/len(wins)-4)

	panels := make([]string, 0, len(wins))
	for _, t := range wins {
		style := m.theme.panel
		if t.ContactID == m.focusID {
			style = m.theme.panelFocus
		}
		panels = append(panels, style.Width(w).Height(height).Render(m.renderThread(t, w, height)))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, panels...)
}

func (m model) renderThread(t chat.Thread, width, height int) string {
	title := m.theme.panelTitle.Render(clip(fmt.Sprintf("%s #%d", t.ContactName, t.ContactID), width))
	lines := []string{}
	for _, msg := range t.Messages {
		who := m.theme.them.Render(clip(t.ContactName, 12))
		if msg.IsFrom(m.operator) {
			who = m.theme.you.Render("You")
			if msg.IsRead {
				who += m.theme.muted.Render(" ✓")
			}
		}
		lines = append(lines, who+": "+msg.Content)
	}
	// Keep the tail visible; each message may wrap, so this is a best effort.
	maxLines := max(1, height-2)
	if len(lines) > maxLines {
		lines = lines[len(lines)-maxLines:]
	}
	return title + "\n" + strings.Join(lines, "\n")
}

func (m model) renderInput() string {
	if m.mode != modeCompose {
		return m.theme.muted.Render("  enter open · i reply · tab next window · x close · r refresh · q quit")
	}
	to := "?"
	for _, w := range m.view.Windows {
		if w.ContactID == m.focusID {
			to = w.ContactName
		}
	}
	return fmt.Sprintf("To %s %s", m.theme.panelTitle.Render(to), m.input.View())
}

func (m model) renderFooter() string {
	if m.status != "" {
		return m.theme.errorStatus.Render("  " + m.status)
	}
	if m.mode == modeCompose {
		return m.theme.muted.Render("  enter send · tab next window · esc back to inbox")
	}
	return ""
}

func relTime(ts, now time.Time) string {
	if ts.IsZero() {
		return ""
	}
	if ts.After(now) {
		ts = now
	}
	return humanize.RelTime(ts, now, "ago", "from now")
}

func clip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if n <= 1 || len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
