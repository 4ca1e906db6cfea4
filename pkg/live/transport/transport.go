// Package transport connects a live session to a remote conversational
// service. The session only sees Dialer and Conn; adapters exist for the
// JSON live protocol over WebSocket and for Gemini Live.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
)

// ErrClosed is returned once the connection has been closed locally or the
// server ended the stream normally.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one open streaming connection.
type Conn interface {
	// SendAudio submits one outbound frame. Safe for concurrent use.
	SendAudio(ctx context.Context, frame protocol.AudioFrame) error
	// Receive blocks for the next non-empty inbound message. It returns
	// ErrClosed after a normal close.
	Receive(ctx context.Context) (protocol.Message, error)
	Close() error
}

// Dialer opens connections. Dial performs any handshake before returning.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (Conn, error) { return f(ctx) }

type inbound struct {
	msg protocol.Message
	err error
}

// receiver pumps a blocking read function into a channel so Receive can
// honor a context.
type receiver struct {
	incoming  chan inbound
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newReceiver(buffer int) *receiver {
	return &receiver{
		incoming: make(chan inbound, buffer),
		closing:  make(chan struct{}),
		done:     make(chan struct{}),
	}
}

func (r *receiver) run(read func() (protocol.Message, error)) {
	defer close(r.done)
	defer close(r.incoming)

	for {
		msg, err := read()
		if err != nil {
			r.deliver(inbound{err: err})
			return
		}
		if msg.Empty() {
			continue
		}
		if !r.deliver(inbound{msg: msg}) {
			return
		}
	}
}

func (r *receiver) deliver(in inbound) bool {
	select {
	case r.incoming <- in:
		return true
	case <-r.closing:
		return false
	}
}

func (r *receiver) receive(ctx context.Context) (protocol.Message, error) {
	select {
	case in, ok := <-r.incoming:
		if !ok {
			return protocol.Message{}, ErrClosed
		}
		return in.msg, in.err
	case <-r.closing:
		return protocol.Message{}, ErrClosed
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (r *receiver) stop() {
	r.closeOnce.Do(func() { close(r.closing) })
}

func (r *receiver) stopping() bool {
	select {
	case <-r.closing:
		return true
	default:
		return false
	}
}
