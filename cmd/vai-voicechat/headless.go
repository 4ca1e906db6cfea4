package main

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/session"
	"github.com/vango-go/vai-voicechat/pkg/live/transcript"
)

// headlessPrinter writes status changes and final transcript lines.
type headlessPrinter struct {
	mu    sync.Mutex
	w     io.Writer
	ended chan struct{}
	once  sync.Once
	live  bool
}

func newHeadlessPrinter(w io.Writer) *headlessPrinter {
	return &headlessPrinter{w: w, ended: make(chan struct{})}
}

func (p *headlessPrinter) Status(s session.ConnectionState) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "[%s]\n", s)
	switch s {
	case session.StateConnected:
		p.live = true
	case session.StateDisconnected, session.StateError:
		if p.live {
			p.once.Do(func() { close(p.ended) })
		}
	}
}

func (p *headlessPrinter) Transcript(u transcript.Update) {
	if !u.IsFinal {
		return
	}
	label := "you"
	if u.Speaker == protocol.SpeakerModel {
		label = "ai"
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, "%s: %s\n", label, u.Text)
}

// runHeadless holds one session open until ctx ends or the session does.
func runHeadless(ctx context.Context, sess *session.Session, p *headlessPrinter) error {
	if err := sess.Connect(ctx); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
	case <-p.ended:
	}
	err := sess.Err()
	sess.Disconnect()
	return err
}
