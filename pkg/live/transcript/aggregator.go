// Package transcript accumulates streamed transcript deltas into turns and
// projects them onto a chat log.
package transcript

import (
	"strings"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
)

// Update is emitted whenever a turn's visible text changes.
type Update struct {
	Speaker protocol.Speaker
	Text    string
	IsFinal bool
	// Discarded marks an open turn that was preempted; its text must not be
	// kept. A discarded update is never final.
	Discarded bool
}

// Aggregator holds at most one open turn per speaker. It is not safe for
// concurrent use; the session serializes access.
type Aggregator struct {
	open map[protocol.Speaker]*strings.Builder
}

func NewAggregator() *Aggregator {
	return &Aggregator{open: make(map[protocol.Speaker]*strings.Builder, 2)}
}

// Append adds text to the speaker's open turn, creating it if needed, and
// returns the non-final update carrying the accumulated text. Empty text
// produces no update.
func (a *Aggregator) Append(speaker protocol.Speaker, text string) (Update, bool) {
	if text == "" {
		return Update{}, false
	}
	b := a.open[speaker]
	if b == nil {
		b = &strings.Builder{}
		a.open[speaker] = b
	}
	b.WriteString(text)
	return Update{Speaker: speaker, Text: b.String()}, true
}

// Complete finalizes every open non-empty turn, User first then Model, and
// resets them.
func (a *Aggregator) Complete() []Update {
	var out []Update
	for _, speaker := range []protocol.Speaker{protocol.SpeakerUser, protocol.SpeakerModel} {
		b := a.open[speaker]
		delete(a.open, speaker)
		if b == nil || b.Len() == 0 {
			continue
		}
		out = append(out, Update{Speaker: speaker, Text: b.String(), IsFinal: true})
	}
	return out
}

// Discard drops the speaker's open turn. It reports a Discarded update when
// there was visible text to retract.
func (a *Aggregator) Discard(speaker protocol.Speaker) (Update, bool) {
	b := a.open[speaker]
	delete(a.open, speaker)
	if b == nil || b.Len() == 0 {
		return Update{}, false
	}
	return Update{Speaker: speaker, Discarded: true}, true
}

// DiscardAll drops every open turn, User first then Model, returning a
// Discarded update for each one that had visible text.
func (a *Aggregator) DiscardAll() []Update {
	var out []Update
	for _, speaker := range []protocol.Speaker{protocol.SpeakerUser, protocol.SpeakerModel} {
		if u, ok := a.Discard(speaker); ok {
			out = append(out, u)
		}
	}
	return out
}

// Reset drops all open turns without emitting anything.
func (a *Aggregator) Reset() {
	clear(a.open)
}
