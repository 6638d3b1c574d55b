package tui

import (
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/shopdesk/deskchat/internal/chat"
	"github.com/shopdesk/deskchat/internal/live"
	"github.com/shopdesk/deskchat/internal/session"
)

var now = time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

type sent struct {
	to      chat.UserID
	content string
}

type fakeSession struct {
	view    session.View
	updates chan struct{}

	opened    []chat.UserID
	closed    []chat.UserID
	sent      []sent
	refreshes int
	sendErr   error
}

func newFakeSession(v session.View) *fakeSession {
	return &fakeSession{view: v, updates: make(chan struct{}, 1)}
}

func (f *fakeSession) Snapshot() session.View           { return f.view }
func (f *fakeSession) Updates() <-chan struct{}         { return f.updates }
func (f *fakeSession) Refresh()                         { f.refreshes++ }
func (f *fakeSession) OpenThread(id chat.UserID)        { f.opened = append(f.opened, id) }
func (f *fakeSession) CloseThread(id chat.UserID)       { f.closed = append(f.closed, id) }
func (f *fakeSession) SendMessage(id chat.UserID, c string) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sent{id, c})
	return nil
}

func thread(id chat.UserID, name string, unread int) chat.Thread {
	t := chat.Thread{ContactID: id, ContactName: name}
	for i := 0; i < unread; i++ {
		t.Messages = append(t.Messages, chat.Message{
			ID: name + string(rune('a'+i)), SenderID: id, ReceiverID: 1,
			Content: "hello from " + name, Timestamp: now.Add(-time.Duration(10-i) * time.Minute),
		})
	}
	t.Normalize()
	return t
}

func baseView() session.View {
	return session.View{
		OperatorID: 1,
		Threads:    []chat.Thread{thread(7, "Grace Hopper", 2), thread(8, "Alan Turing", 1)},
		State:      live.Connected,
		Live:       true,
		Loaded:     true,
	}
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	case "tab":
		return tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		return tea.KeyMsg{Type: tea.KeyDown}
	case "up":
		return tea.KeyMsg{Type: tea.KeyUp}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, m model, keys ...string) model {
	t.Helper()
	for _, k := range keys {
		next, _ := m.Update(key(k))
		m = next.(model)
	}
	return m
}

func typeText(m model, text string) model {
	for _, r := range text {
		next, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}})
		m = next.(model)
	}
	return m
}

func withView(m model, v session.View) model {
	next, _ := m.Update(viewMsg(v))
	return next.(model)
}

func TestOpenAndReply(t *testing.T) {
	fs := newFakeSession(baseView())
	m := newModel(fs, Options{OperatorID: 1, Now: func() time.Time { return now }})

	m = press(t, m, "down", "enter")
	if len(fs.opened) != 1 || fs.opened[0] != 8 {
		t.Fatalf("Expected OpenThread(8), got %v", fs.opened)
	}
	if m.mode != modeCompose {
		t.Fatal("Expected compose mode after opening")
	}

	// A view published before the open lands must not drop the focus.
	m = withView(m, baseView())
	if m.focusID != 8 || m.mode != modeCompose {
		t.Fatalf("focus lost before window appeared: focus=%d mode=%v", m.focusID, m.mode)
	}

	v := baseView()
	v.Windows = []chat.Thread{v.Threads[1]}
	m = withView(m, v)

	m = typeText(m, "quick reply")
	if len(fs.opened) != 1 || fs.refreshes != 0 {
		t.Error("Typed letters must not trigger commands in compose mode")
	}
	m = press(t, m, "enter")
	if len(fs.sent) != 1 || fs.sent[0] != (sent{8, "quick reply"}) {
		t.Fatalf("unexpected sends: %v", fs.sent)
	}
	if m.input.Value() != "" {
		t.Errorf("Expected input cleared, got %q", m.input.Value())
	}

	m = press(t, m, "enter")
	if len(fs.sent) != 1 {
		t.Error("Empty input must not send")
	}
}

func TestSendErrorShownInStatus(t *testing.T) {
	fs := newFakeSession(baseView())
	fs.sendErr = errors.New("message is empty")
	m := newModel(fs, Options{OperatorID: 1})
	m = press(t, m, "enter")
	m = typeText(m, "x")
	m = press(t, m, "enter")
	if !strings.Contains(m.View(), "message is empty") {
		t.Error("Expected send error in the footer")
	}
}

func TestNavigateKeys(t *testing.T) {
	fs := newFakeSession(baseView())
	m := newModel(fs, Options{OperatorID: 1})

	m = press(t, m, "up")
	if m.cursor != 0 {
		t.Errorf("cursor = %d, want 0", m.cursor)
	}
	m = press(t, m, "down", "down", "down")
	if m.cursor != 1 {
		t.Errorf("cursor = %d, want clamped 1", m.cursor)
	}

	m = press(t, m, "r")
	if fs.refreshes != 1 {
		t.Errorf("refreshes = %d, want 1", fs.refreshes)
	}
	if !strings.Contains(m.View(), statusRefreshing) {
		t.Error("Expected refresh status")
	}
	m = withView(m, baseView())
	if m.status != "" {
		t.Errorf("Expected status cleared by a new view, got %q", m.status)
	}

	_, cmd := m.Update(key("q"))
	if cmd == nil {
		t.Fatal("Expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("Expected tea.QuitMsg from q")
	}
}

func TestTabCyclesAndCloseWindow(t *testing.T) {
	v := baseView()
	v.Windows = []chat.Thread{v.Threads[0], v.Threads[1]}
	fs := newFakeSession(v)
	m := newModel(fs, Options{OperatorID: 1})
	m = withView(m, v)

	if m.focusID != 8 {
		t.Fatalf("Expected newest window focused, got %d", m.focusID)
	}
	m = press(t, m, "tab")
	if m.focusID != 7 {
		t.Errorf("focus = %d, want 7 after tab", m.focusID)
	}
	m = press(t, m, "tab")
	if m.focusID != 8 {
		t.Errorf("focus = %d, want 8 after wrap", m.focusID)
	}

	m = press(t, m, "x")
	if len(fs.closed) != 1 || fs.closed[0] != 8 {
		t.Fatalf("Expected CloseThread(8), got %v", fs.closed)
	}
	v.Windows = v.Windows[:1]
	m = withView(m, v)
	if m.focusID != 7 {
		t.Errorf("Expected focus to move to remaining window, got %d", m.focusID)
	}
}

func TestEscLeavesCompose(t *testing.T) {
	v := baseView()
	v.Windows = []chat.Thread{v.Threads[0]}
	fs := newFakeSession(v)
	m := withView(newModel(fs, Options{OperatorID: 1}), v)

	m = press(t, m, "i")
	if m.mode != modeCompose {
		t.Fatal("Expected i to start composing")
	}
	m = press(t, m, "esc")
	if m.mode != modeNavigate {
		t.Error("Expected esc to return to the inbox")
	}
}

func TestViewRendersState(t *testing.T) {
	v := baseView()
	v.Windows = []chat.Thread{v.Threads[0]}
	fs := newFakeSession(v)
	m := newModel(fs, Options{OperatorID: 1, Now: func() time.Time { return now }})
	m = withView(m, v)

	out := m.View()
	for _, want := range []string{"Grace Hopper", "Alan Turing", "connected", "3 unread", "hello from Grace Hopper"} {
		if !strings.Contains(out, want) {
			t.Errorf("View missing %q", want)
		}
	}

	v.Degraded = true
	v.State = live.Disconnected
	m = withView(m, v)
	if !strings.Contains(m.View(), "live updates off") {
		t.Error("Expected degraded banner")
	}

	v.LastError = errors.New("503 Service Unavailable")
	m = withView(m, v)
	if !strings.Contains(m.View(), "503 Service Unavailable") {
		t.Error("Expected history error in header")
	}
}

func TestEmptyInbox(t *testing.T) {
	fs := newFakeSession(session.View{OperatorID: 1})
	m := newModel(fs, Options{OperatorID: 1})
	if !strings.Contains(m.View(), "Loading") {
		t.Error("Expected loading hint before first load")
	}
	m = withView(m, session.View{OperatorID: 1, Loaded: true})
	if !strings.Contains(m.View(), "No conversations") {
		t.Error("Expected empty inbox hint")
	}
	m = press(t, m, "enter", "x", "tab")
	if len(fs.opened)+len(fs.closed) != 0 {
		t.Error("Keys on an empty inbox must be no-ops")
	}
}
