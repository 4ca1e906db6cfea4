// Package tui is the terminal front end of the voice chat client: a status
// line with input and output meters above a scrolling chat log.
package tui

import (
	"context"
	"strings"

	"github.com/charmbracelet/lipgloss"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/session"
	"github.com/vango-go/vai-voicechat/pkg/live/transcript"
)

// Controller is the session surface the UI drives.
type Controller interface {
	Connect(ctx context.Context) error
	Disconnect()
	Err() error
}

// Model is the root bubbletea model.
type Model struct {
	ctrl  Controller
	title string

	state    session.ConnectionState
	errText  string
	log      *transcript.Log
	inLevel  float64
	outLevel float64

	width  int
	height int
	// scroll counts lines above the live bottom of the chat.
	scroll int
}

// New creates a Model. title is shown in the header, usually the model name.
func New(ctrl Controller, title string) Model {
	return Model{
		ctrl:  ctrl,
		title: title,
		state: session.StateDisconnected,
		log:   transcript.NewLog(),
	}
}

// Init starts a session right away.
func (m Model) Init() tea.Cmd {
	return connectCmd(m.ctrl)
}

func connectCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		return connectResultMsg{Err: ctrl.Connect(context.Background())}
	}
}

func disconnectCmd(ctrl Controller) tea.Cmd {
	return func() tea.Msg {
		ctrl.Disconnect()
		return disconnectedMsg{}
	}
}

// Update processes messages and returns the updated model and any commands.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case StatusMsg:
		m.state = msg.State
		switch msg.State {
		case session.StateConnecting:
			m.errText = ""
		case session.StateError:
			if err := m.ctrl.Err(); err != nil {
				m.errText = err.Error()
			}
		}
		if msg.State != session.StateConnected {
			m.inLevel, m.outLevel = 0, 0
		}
		return m, nil

	case TranscriptMsg:
		m.log.Apply(msg.Update)
		return m, nil

	case VolumeMsg:
		if msg.Source == session.VolumeOutput {
			m.outLevel = msg.Level
		} else {
			m.inLevel = msg.Level
		}
		return m, nil

	case connectResultMsg:
		if msg.Err != nil && m.errText == "" && m.state == session.StateError {
			m.errText = msg.Err.Error()
		}
		return m, nil
	}

	return m, nil
}

// handleKey processes key presses.
func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case KeyQuit, KeyQuitUpper, KeyCtrlC:
		return m, tea.Sequence(disconnectCmd(m.ctrl), tea.Quit)

	case KeySpace:
		if m.state == session.StateConnected || m.state == session.StateConnecting {
			return m, disconnectCmd(m.ctrl)
		}
		return m, connectCmd(m.ctrl)

	case KeyConnect:
		if m.state == session.StateDisconnected || m.state == session.StateError {
			return m, connectCmd(m.ctrl)
		}
		return m, nil

	case KeyDisconnect:
		if m.state == session.StateDisconnected {
			return m, nil
		}
		return m, disconnectCmd(m.ctrl)

	case KeyUp:
		if m.scroll < m.maxScroll() {
			m.scroll++
		}
		return m, nil

	case KeyDown:
		if m.scroll > 0 {
			m.scroll--
		}
		return m, nil
	}
	return m, nil
}

// chromeLines is the header, status bar, two dividers and the footer.
const chromeLines = 5

func (m Model) chatHeight() int {
	h := m.height - chromeLines
	if m.errText != "" {
		h--
	}
	return max(h, 1)
}

func (m Model) maxScroll() int {
	return max(len(m.chatLines())-m.chatHeight(), 0)
}

func (m Model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, m.renderHeader())
	sections = append(sections, m.renderStatusBar())
	sections = append(sections, dividerStyle.Render(strings.Repeat("─", m.width)))
	sections = append(sections, m.renderChat())
	sections = append(sections, dividerStyle.Render(strings.Repeat("─", m.width)))
	if m.errText != "" {
		sections = append(sections, errorStyle.Render("Error: ")+errorTextStyle.Render(m.errText))
	}
	sections = append(sections, m.renderFooter())
	return strings.Join(sections, "\n")
}

func (m Model) renderHeader() string {
	header := titleStyle.Render("VAI VOICE CHAT")
	if m.title != "" {
		header += dimStyle.Render(" · " + m.title)
	}
	return header
}

func (m Model) renderStatusBar() string {
	var dot string
	switch m.state {
	case session.StateConnected:
		dot = connectedStyle.Render("● LIVE")
	case session.StateConnecting:
		dot = connectingStyle.Render("◌ CONNECTING")
	case session.StateError:
		dot = errorStyle.Render("✕ ERROR")
	default:
		dot = idleStyle.Render("○ IDLE")
	}
	return dot + "  " + renderLevelMeter("IN ", m.inLevel) + "  " + renderLevelMeter("OUT", m.outLevel)
}

func renderLevelMeter(label string, level float64) string {
	const barLen = 10
	filled := min(int(level*barLen), barLen)

	var bar strings.Builder
	for i := 0; i < barLen; i++ {
		switch {
		case i >= filled:
			bar.WriteString(levelEmptyStyle.Render("░"))
		case float64(i)/barLen > 0.6:
			bar.WriteString(levelHighStyle.Render("█"))
		default:
			bar.WriteString(levelLowStyle.Render("█"))
		}
	}
	return dimStyle.Render(label) + " " + bar.String()
}

// chatLines renders the whole log wrapped to the terminal width.
func (m Model) chatLines() []string {
	var lines []string
	for _, msg := range m.log.Messages() {
		label := userLabelStyle.Render("You:")
		if msg.Speaker == protocol.SpeakerModel {
			label = modelLabelStyle.Render("AI:")
		}
		indent := lipgloss.Width(label) + 1
		for i, line := range wrapText(msg.Text, m.width-indent) {
			if !msg.IsFinal {
				line = partialTextStyle.Render(line)
			}
			if i == 0 {
				lines = append(lines, label+" "+line)
			} else {
				lines = append(lines, strings.Repeat(" ", indent)+line)
			}
		}
	}
	return lines
}

func (m Model) renderChat() string {
	height := m.chatHeight()
	lines := m.chatLines()
	if len(lines) == 0 {
		lines = []string{dimStyle.Render("Say something once the session is live.")}
	}

	end := len(lines) - min(m.scroll, max(len(lines)-height, 0))
	start := max(end-height, 0)
	visible := lines[start:end]
	for len(visible) < height {
		visible = append(visible, "")
	}
	return strings.Join(visible, "\n")
}

func (m Model) renderFooter() string {
	var parts []string
	switch m.state {
	case session.StateConnected, session.StateConnecting:
		parts = append(parts, footerKeyStyle.Render("Space")+footerDescStyle.Render(" Hang up"))
	default:
		parts = append(parts, footerKeyStyle.Render("Space")+footerDescStyle.Render(" Connect"))
	}
	parts = append(parts, footerKeyStyle.Render("↑↓")+footerDescStyle.Render(" Scroll"))
	parts = append(parts, footerKeyStyle.Render("q")+footerDescStyle.Render(" Quit"))
	return strings.Join(parts, "  ")
}

func wrapText(text string, width int) []string {
	if width <= 0 {
		return []string{text}
	}

	var lines []string
	var current string
	for _, word := range strings.Fields(text) {
		switch {
		case current == "":
			current = word
		case len(current)+1+len(word) <= width:
			current += " " + word
		default:
			lines = append(lines, current)
			current = word
		}
	}
	if current != "" || len(lines) == 0 {
		lines = append(lines, current)
	}
	return lines
}
