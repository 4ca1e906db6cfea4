package transcript

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
)

// ChatMessage is the chat-log projection of a transcript turn.
type ChatMessage struct {
	ID        string
	Speaker   protocol.Speaker
	Text      string
	CreatedAt time.Time
	IsFinal   bool
}

// Log is an append-only list of chat messages. The only in-place mutation
// is updating, or removing on discard, the trailing non-final message of a
// speaker.
type Log struct {
	mu       sync.Mutex
	messages []ChatMessage

	now   func() time.Time
	newID func() string
}

func NewLog() *Log {
	return &Log{
		now:   time.Now,
		newID: func() string { return uuid.NewString() },
	}
}

// Apply folds one Update into the log and reports whether it changed.
func (l *Log) Apply(u Update) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := l.openIndexLocked(u.Speaker)
	if u.Discarded {
		if idx < 0 {
			return false
		}
		l.messages = append(l.messages[:idx], l.messages[idx+1:]...)
		return true
	}

	if idx >= 0 {
		l.messages[idx].Text = u.Text
		l.messages[idx].IsFinal = u.IsFinal
		return true
	}

	if u.Text == "" {
		return false
	}
	l.messages = append(l.messages, ChatMessage{
		ID:        l.newID(),
		Speaker:   u.Speaker,
		Text:      u.Text,
		CreatedAt: l.now(),
		IsFinal:   u.IsFinal,
	})
	return true
}

func (l *Log) openIndexLocked(speaker protocol.Speaker) int {
	for i := len(l.messages) - 1; i >= 0; i-- {
		if l.messages[i].Speaker != speaker {
			continue
		}
		if l.messages[i].IsFinal {
			return -1
		}
		return i
	}
	return -1
}

// Messages returns a snapshot of the log.
func (l *Log) Messages() []ChatMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ChatMessage, len(l.messages))
	copy(out, l.messages)
	return out
}

func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}
