package session

import (
	"errors"

	"github.com/vango-go/vai-voicechat/pkg/live/playback"
	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/transport"
)

// receiveLoop feeds inbound messages to dispatch until the connection
// ends. A graceful server close leaves the session disconnected; any other
// receive failure is an error.
func (s *Session) receiveLoop(res *resources) {
	for {
		msg, err := res.conn.Receive(res.ctx)
		if err != nil {
			if res.ctx.Err() != nil {
				return
			}
			if errors.Is(err, transport.ErrClosed) {
				s.logger.Info("live session closed by server", "conn_gen", res.gen)
				s.endConnection(res, StateDisconnected, nil, false)
				return
			}
			s.logger.Error("live session receive failed", "conn_gen", res.gen, "error", err)
			s.endConnection(res, StateError, err, false)
			return
		}
		if !s.dispatch(res, msg) {
			return
		}
	}
}

// dispatch applies one message in order: transcript deltas, turn
// completion, audio, interruption, then error. It reports whether the
// connection is still live.
func (s *Session) dispatch(res *resources, msg protocol.Message) bool {
	var (
		chunks      []protocol.AudioChunk
		interrupted bool
		serverErr   *protocol.ServerError
		emits       []func()
	)

	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return false
	}
	scheduler := res.scheduler
	for _, ev := range msg.Events() {
		switch ev := ev.(type) {
		case protocol.TranscriptDelta:
			if u, ok := s.agg.Append(ev.Speaker, ev.Text); ok {
				emits = append(emits, s.transcriptEvent(u))
			}
		case protocol.TurnComplete:
			for _, u := range s.agg.Complete() {
				emits = append(emits, s.transcriptEvent(u))
			}
		case protocol.AudioChunk:
			chunks = append(chunks, ev)
		case protocol.Interrupted:
			interrupted = true
		case protocol.ServerError:
			serverErr = &ev
		}
	}
	s.unlockAndEmit(emits...)

	for _, chunk := range chunks {
		scheduler.Enqueue(chunk)
	}

	if interrupted {
		s.interrupt(res, scheduler)
	}

	if serverErr != nil {
		s.logger.Error("live session server error", "conn_gen", res.gen, "code", serverErr.Code, "message", serverErr.Message)
		s.endConnection(res, StateError, *serverErr, false)
		return false
	}
	return true
}

// interrupt stops all model audio and drops the model's unfinished turn.
func (s *Session) interrupt(res *resources, scheduler *playback.Scheduler) {
	scheduler.Interrupt()
	s.metrics.RecordInterruption()

	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return
	}
	var emits []func()
	if u, ok := s.agg.Discard(protocol.SpeakerModel); ok {
		emits = append(emits, func() { s.cfg.OnTranscript(u) })
	}
	s.unlockAndEmit(emits...)
	s.logger.Debug("live session interrupted", "conn_gen", res.gen)
}
