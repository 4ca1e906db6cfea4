package tui

import (
	"math"
	"sync/atomic"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/vango-go/vai-voicechat/pkg/live/session"
	"github.com/vango-go/vai-voicechat/pkg/live/transcript"
)

// StatusMsg carries a session state change.
type StatusMsg struct {
	State session.ConnectionState
}

// TranscriptMsg carries a transcript update.
type TranscriptMsg struct {
	Update transcript.Update
}

// VolumeMsg carries a meter level in [0,1].
type VolumeMsg struct {
	Source session.VolumeSource
	Level  float64
}

// connectResultMsg reports the outcome of a connect command.
type connectResultMsg struct {
	Err error
}

type disconnectedMsg struct{}

// Notifier forwards session callbacks to a running program. Messages sent
// before Attach are dropped. Volume never blocks: levels are coalesced per
// meter and the latest one is delivered from a separate goroutine.
type Notifier struct {
	sendFn  atomic.Pointer[func(tea.Msg)]
	volumes [2]volumeSlot
}

type volumeSlot struct {
	latest  atomic.Uint64
	pending atomic.Bool
}

func (n *Notifier) Attach(p *tea.Program) {
	n.attach(p.Send)
}

func (n *Notifier) attach(send func(tea.Msg)) {
	n.sendFn.Store(&send)
}

func (n *Notifier) send(msg tea.Msg) {
	if fn := n.sendFn.Load(); fn != nil {
		(*fn)(msg)
	}
}

func (n *Notifier) Status(s session.ConnectionState) {
	n.send(StatusMsg{State: s})
}

func (n *Notifier) Transcript(u transcript.Update) {
	n.send(TranscriptMsg{Update: u})
}

// Volume records the level and returns at once. It is called from the
// audio callback thread.
func (n *Notifier) Volume(src session.VolumeSource, v float64) {
	if src != session.VolumeInput && src != session.VolumeOutput {
		return
	}
	slot := &n.volumes[src]
	slot.latest.Store(math.Float64bits(v))
	if slot.pending.CompareAndSwap(false, true) {
		go n.flushVolume(src, slot)
	}
}

// flushVolume delivers the slot's latest level until no newer one arrives.
// At most one flusher runs per slot, so levels reach the program in order.
func (n *Notifier) flushVolume(src session.VolumeSource, slot *volumeSlot) {
	for {
		bits := slot.latest.Load()
		n.send(VolumeMsg{Source: src, Level: math.Float64frombits(bits)})
		slot.pending.Store(false)
		if slot.latest.Load() == bits || !slot.pending.CompareAndSwap(false, true) {
			return
		}
	}
}
