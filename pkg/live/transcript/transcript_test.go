package transcript

import (
	"fmt"
	"testing"
	"time"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
)

func TestAggregator_AccumulatesAndFinalizesOnce(t *testing.T) {
	agg := NewAggregator()
	var updates []Update
	for _, delta := range []string{"Hel", "lo the", "re"} {
		u, ok := agg.Append(protocol.SpeakerModel, delta)
		if !ok {
			t.Fatalf("Append(%q) produced no update", delta)
		}
		updates = append(updates, u)
	}
	want := []string{"Hel", "Hello the", "Hello there"}
	for i, u := range updates {
		if u.IsFinal || u.Text != want[i] {
			t.Fatalf("update[%d]=%+v, want non-final %q", i, u, want[i])
		}
	}

	finals := agg.Complete()
	if len(finals) != 1 {
		t.Fatalf("finals=%+v, want exactly one", finals)
	}
	if !finals[0].IsFinal || finals[0].Text != "Hello there" || finals[0].Speaker != protocol.SpeakerModel {
		t.Fatalf("final=%+v", finals[0])
	}
	if again := agg.Complete(); len(again) != 0 {
		t.Fatalf("second Complete emitted %+v", again)
	}
}

func TestAggregator_CompleteOrdersUserBeforeModel(t *testing.T) {
	agg := NewAggregator()
	agg.Append(protocol.SpeakerModel, "sure")
	agg.Append(protocol.SpeakerUser, "can you help")
	finals := agg.Complete()
	if len(finals) != 2 {
		t.Fatalf("finals=%+v", finals)
	}
	if finals[0].Speaker != protocol.SpeakerUser || finals[1].Speaker != protocol.SpeakerModel {
		t.Fatalf("order=%v,%v", finals[0].Speaker, finals[1].Speaker)
	}
}

func TestAggregator_DiscardEmitsNoFinal(t *testing.T) {
	agg := NewAggregator()
	agg.Append(protocol.SpeakerUser, "wait")
	agg.Append(protocol.SpeakerModel, "As I was say")

	u, ok := agg.Discard(protocol.SpeakerModel)
	if !ok || !u.Discarded || u.IsFinal {
		t.Fatalf("discard update=%+v ok=%v", u, ok)
	}
	finals := agg.Complete()
	if len(finals) != 1 || finals[0].Speaker != protocol.SpeakerUser {
		t.Fatalf("finals=%+v, want only the user turn", finals)
	}

	if _, ok := agg.Discard(protocol.SpeakerModel); ok {
		t.Fatal("discarding an empty turn should not emit")
	}
}

func TestAggregator_IgnoresEmptyDelta(t *testing.T) {
	agg := NewAggregator()
	if _, ok := agg.Append(protocol.SpeakerUser, ""); ok {
		t.Fatal("empty delta should not emit")
	}
	if finals := agg.Complete(); len(finals) != 0 {
		t.Fatalf("finals=%+v", finals)
	}
}

func newTestLog() *Log {
	l := NewLog()
	n := 0
	l.newID = func() string {
		n++
		return fmt.Sprintf("m%d", n)
	}
	l.now = func() time.Time { return time.Unix(1700000000, 0) }
	return l
}

func TestLog_UpdatesTrailingOpenMessageInPlace(t *testing.T) {
	l := newTestLog()
	l.Apply(Update{Speaker: protocol.SpeakerUser, Text: "Hi"})
	l.Apply(Update{Speaker: protocol.SpeakerModel, Text: "Hel"})
	l.Apply(Update{Speaker: protocol.SpeakerUser, Text: "Hi there"})
	l.Apply(Update{Speaker: protocol.SpeakerModel, Text: "Hello", IsFinal: true})
	l.Apply(Update{Speaker: protocol.SpeakerUser, Text: "Hi there", IsFinal: true})

	msgs := l.Messages()
	if len(msgs) != 2 {
		t.Fatalf("messages=%+v", msgs)
	}
	if msgs[0].ID != "m1" || msgs[0].Text != "Hi there" || !msgs[0].IsFinal {
		t.Fatalf("msgs[0]=%+v", msgs[0])
	}
	if msgs[1].ID != "m2" || msgs[1].Text != "Hello" || !msgs[1].IsFinal {
		t.Fatalf("msgs[1]=%+v", msgs[1])
	}

	// A new delta after a final opens a new message.
	l.Apply(Update{Speaker: protocol.SpeakerModel, Text: "Next"})
	msgs = l.Messages()
	if len(msgs) != 3 || msgs[2].ID != "m3" {
		t.Fatalf("messages=%+v", msgs)
	}
	if msgs[1].Text != "Hello" {
		t.Fatal("final message was mutated")
	}
}

func TestLog_DiscardRemovesOpenBubble(t *testing.T) {
	l := newTestLog()
	l.Apply(Update{Speaker: protocol.SpeakerModel, Text: "Done.", IsFinal: true})
	l.Apply(Update{Speaker: protocol.SpeakerModel, Text: "Stale"})
	if !l.Apply(Update{Speaker: protocol.SpeakerModel, Discarded: true}) {
		t.Fatal("discard should change the log")
	}
	msgs := l.Messages()
	if len(msgs) != 1 || msgs[0].Text != "Done." {
		t.Fatalf("messages=%+v", msgs)
	}
	if l.Apply(Update{Speaker: protocol.SpeakerModel, Discarded: true}) {
		t.Fatal("discard with no open bubble should be a no-op")
	}
}

func TestAggregator_DiscardAllRetractsOpenTurns(t *testing.T) {
	agg := NewAggregator()
	agg.Append(protocol.SpeakerModel, "Hel")
	agg.Append(protocol.SpeakerUser, "are you")

	got := agg.DiscardAll()
	if len(got) != 2 || got[0].Speaker != protocol.SpeakerUser || got[1].Speaker != protocol.SpeakerModel {
		t.Fatalf("discards=%+v, want user then model", got)
	}
	for _, u := range got {
		if !u.Discarded || u.IsFinal {
			t.Fatalf("update=%+v, want discarded non-final", u)
		}
	}
	if finals := agg.Complete(); len(finals) != 0 {
		t.Fatalf("finals=%+v after DiscardAll", finals)
	}
	if got := agg.DiscardAll(); len(got) != 0 {
		t.Fatalf("second DiscardAll=%+v", got)
	}
}
