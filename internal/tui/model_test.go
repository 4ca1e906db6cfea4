package tui

import (
	"context"
	"errors"
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/session"
	"github.com/vango-go/vai-voicechat/pkg/live/transcript"
)

type fakeController struct {
	connects    int
	disconnects int
	connectErr  error
	err         error
}

func (c *fakeController) Connect(context.Context) error {
	c.connects++
	return c.connectErr
}

func (c *fakeController) Disconnect() { c.disconnects++ }

func (c *fakeController) Err() error { return c.err }

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	updated, cmd := m.Update(msg)
	return updated.(Model), cmd
}

func key(s string) tea.KeyMsg {
	if s == KeySpace {
		return tea.KeyMsg{Type: tea.KeySpace, Runes: []rune{' '}}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestNewModel(t *testing.T) {
	m := New(&fakeController{}, "gemini-live")
	if m.state != session.StateDisconnected {
		t.Fatalf("state=%v", m.state)
	}
	if m.View() != "Initializing..." {
		t.Fatalf("view before size=%q", m.View())
	}
}

func TestInit_Connects(t *testing.T) {
	ctrl := &fakeController{}
	m := New(ctrl, "")
	msg := m.Init()()
	if ctrl.connects != 1 {
		t.Fatalf("connects=%d", ctrl.connects)
	}
	if res, ok := msg.(connectResultMsg); !ok || res.Err != nil {
		t.Fatalf("msg=%#v", msg)
	}
}

func TestSpaceTogglesConnection(t *testing.T) {
	ctrl := &fakeController{}
	m := New(ctrl, "")

	_, cmd := update(t, m, key(KeySpace))
	cmd()
	if ctrl.connects != 1 {
		t.Fatalf("space while idle: connects=%d", ctrl.connects)
	}

	m, _ = update(t, m, StatusMsg{State: session.StateConnected})
	_, cmd = update(t, m, key(KeySpace))
	cmd()
	if ctrl.disconnects != 1 {
		t.Fatalf("space while live: disconnects=%d", ctrl.disconnects)
	}
}

func TestDisconnectKeyIgnoredWhenIdle(t *testing.T) {
	m := New(&fakeController{}, "")
	if _, cmd := update(t, m, key(KeyDisconnect)); cmd != nil {
		t.Fatal("disconnect while idle should be a no-op")
	}
}

func TestErrorStatusShowsSessionError(t *testing.T) {
	ctrl := &fakeController{err: errors.New("session setup failed at microphone: denied")}
	m := New(ctrl, "")
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 20})
	m, _ = update(t, m, StatusMsg{State: session.StateError})
	if !strings.Contains(m.View(), "microphone: denied") {
		t.Fatalf("view missing error:\n%s", m.View())
	}

	m, _ = update(t, m, StatusMsg{State: session.StateConnecting})
	if m.errText != "" {
		t.Fatalf("errText=%q, want cleared on reconnect", m.errText)
	}
}

func TestTranscriptAndVolumeMessages(t *testing.T) {
	m := New(&fakeController{}, "")
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 80, Height: 20})
	m, _ = update(t, m, StatusMsg{State: session.StateConnected})

	m, _ = update(t, m, TranscriptMsg{Update: transcript.Update{Speaker: protocol.SpeakerUser, Text: "hello"}})
	m, _ = update(t, m, TranscriptMsg{Update: transcript.Update{Speaker: protocol.SpeakerModel, Text: "Hi there"}})
	m, _ = update(t, m, TranscriptMsg{Update: transcript.Update{Speaker: protocol.SpeakerUser, Text: "hello", IsFinal: true}})
	m, _ = update(t, m, VolumeMsg{Source: session.VolumeInput, Level: 0.4})
	m, _ = update(t, m, VolumeMsg{Source: session.VolumeOutput, Level: 0.5})

	msgs := m.log.Messages()
	if len(msgs) != 2 || !msgs[0].IsFinal || msgs[1].IsFinal {
		t.Fatalf("messages=%+v", msgs)
	}
	if m.inLevel != 0.4 || m.outLevel != 0.5 {
		t.Fatalf("levels in=%v out=%v", m.inLevel, m.outLevel)
	}
	view := m.View()
	if !strings.Contains(view, "hello") || !strings.Contains(view, "Hi there") {
		t.Fatalf("view missing chat:\n%s", view)
	}

	// A preempted model turn disappears from the log.
	m, _ = update(t, m, TranscriptMsg{Update: transcript.Update{Speaker: protocol.SpeakerModel, Discarded: true}})
	if strings.Contains(m.View(), "Hi there") {
		t.Fatalf("discarded turn still visible:\n%s", m.View())
	}

	m, _ = update(t, m, StatusMsg{State: session.StateDisconnected})
	if m.inLevel != 0 || m.outLevel != 0 {
		t.Fatal("levels not reset on disconnect")
	}
}

func TestQuitDisconnects(t *testing.T) {
	ctrl := &fakeController{}
	m := New(ctrl, "")
	m, _ = update(t, m, StatusMsg{State: session.StateConnected})
	_, cmd := update(t, m, key(KeyQuit))
	if cmd == nil {
		t.Fatal("quit should return a command")
	}
}

func TestWrapText(t *testing.T) {
	got := wrapText("the quick brown fox", 9)
	want := []string{"the quick", "brown fox"}
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Fatalf("wrapText=%q, want %q", got, want)
	}
	if got := wrapText("", 10); len(got) != 1 || got[0] != "" {
		t.Fatalf("wrapText(empty)=%q", got)
	}
}

func TestScrollBounds(t *testing.T) {
	m := New(&fakeController{}, "")
	m, _ = update(t, m, tea.WindowSizeMsg{Width: 40, Height: 8})
	for i := 0; i < 10; i++ {
		m, _ = update(t, m, TranscriptMsg{Update: transcript.Update{Speaker: protocol.SpeakerUser, Text: "line", IsFinal: true}})
	}
	for i := 0; i < 20; i++ {
		m, _ = update(t, m, key(KeyUp))
	}
	if m.scroll != m.maxScroll() || m.scroll == 0 {
		t.Fatalf("scroll=%d max=%d", m.scroll, m.maxScroll())
	}
	for i := 0; i < 20; i++ {
		m, _ = update(t, m, tea.KeyMsg{Type: tea.KeyDown})
	}
	if m.scroll != 0 {
		t.Fatalf("scroll=%d, want 0", m.scroll)
	}
}
