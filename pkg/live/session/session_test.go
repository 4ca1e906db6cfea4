package session

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vango-go/vai-voicechat/pkg/live/audio"
	"github.com/vango-go/vai-voicechat/pkg/live/playback"
	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/transcript"
	"github.com/vango-go/vai-voicechat/pkg/live/transport"
)

type fakeSpeaker struct {
	*playback.Mixer
	closed atomic.Int32
}

func (s *fakeSpeaker) Close() error {
	s.closed.Add(1)
	return nil
}

type fakeMic struct {
	mu      sync.Mutex
	cb      func([]float32)
	stopped int
	closed  int
}

func (m *fakeMic) Start(cb func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = cb
	return nil
}

func (m *fakeMic) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cb = nil
	m.stopped++
	return nil
}

func (m *fakeMic) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed++
	return nil
}

func (m *fakeMic) push(samples []float32) {
	m.mu.Lock()
	cb := m.cb
	m.mu.Unlock()
	if cb != nil {
		cb(samples)
	}
}

func (m *fakeMic) counts() (stopped, closed int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped, m.closed
}

type recvResult struct {
	msg protocol.Message
	err error
}

type fakeConn struct {
	in        chan recvResult
	frames    chan protocol.AudioFrame
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan recvResult, 8),
		frames: make(chan protocol.AudioFrame, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) SendAudio(_ context.Context, frame protocol.AudioFrame) error {
	select {
	case <-c.closed:
		return transport.ErrClosed
	default:
	}
	select {
	case c.frames <- frame:
	default:
	}
	return nil
}

func (c *fakeConn) Receive(ctx context.Context) (protocol.Message, error) {
	select {
	case r := <-c.in:
		return r.msg, r.err
	case <-c.closed:
		return protocol.Message{}, transport.ErrClosed
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

type volumeEvent struct {
	src VolumeSource
	v   float64
}

type recorder struct {
	mu       sync.Mutex
	statuses []ConnectionState
	updates  []transcript.Update
	volumes  []volumeEvent
}

func (r *recorder) status(s ConnectionState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) transcript(u transcript.Update) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates = append(r.updates, u)
}

func (r *recorder) volume(src VolumeSource, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.volumes = append(r.volumes, volumeEvent{src: src, v: v})
}

func (r *recorder) snapshotStatuses() []ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ConnectionState(nil), r.statuses...)
}

func (r *recorder) snapshotUpdates() []transcript.Update {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]transcript.Update(nil), r.updates...)
}

func (r *recorder) sawVolume(src VolumeSource, v float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.volumes {
		if e.src == src && e.v == v {
			return true
		}
	}
	return false
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type harness struct {
	sess    *Session
	rec     *recorder
	speaker *fakeSpeaker
	mic     *fakeMic
	conn    *fakeConn
	dials   atomic.Int32
}

type harnessOption func(*Config, *harness)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	h := &harness{
		rec:     &recorder{},
		speaker: &fakeSpeaker{Mixer: playback.NewMixer(24000)},
		mic:     &fakeMic{},
		conn:    newFakeConn(),
	}
	cfg := Config{
		Dialer: transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
			h.dials.Add(1)
			return h.conn, nil
		}),
		OpenSpeaker:    func(context.Context) (Speaker, error) { return h.speaker, nil },
		OpenMicrophone: func(context.Context) (Microphone, error) { return h.mic, nil },
		WindowSize:     4,
		OnStatus:       h.rec.status,
		OnTranscript:   h.rec.transcript,
		OnVolume:       h.rec.volume,
	}
	for _, opt := range opts {
		opt(&cfg, h)
	}
	sess, err := New(cfg)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	h.sess = sess
	t.Cleanup(sess.Disconnect)
	return h
}

func (h *harness) connect(t *testing.T) {
	t.Helper()
	if err := h.sess.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
}

func (h *harness) send(events ...protocol.Event) {
	h.conn.in <- recvResult{msg: protocol.NewMessage(events...)}
}

func pcmChunk(samples int) protocol.AudioChunk {
	return protocol.AudioChunk{
		Data:     audio.EncodePCM16LE(make([]float32, samples)),
		MIMEType: protocol.PCMMIMEType(24000),
	}
}

func TestNew_RequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without dialer")
	}
	d := transport.DialerFunc(func(context.Context) (transport.Conn, error) { return nil, nil })
	if _, err := New(Config{Dialer: d}); err == nil {
		t.Fatal("expected error without speaker opener")
	}
}

func TestConnect_MicrophoneFailure(t *testing.T) {
	micErr := errors.New("permission denied")
	h := newHarness(t, func(cfg *Config, _ *harness) {
		cfg.OpenMicrophone = func(context.Context) (Microphone, error) { return nil, micErr }
	})

	err := h.sess.Connect(context.Background())
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Stage != StageMicrophone || !errors.Is(err, micErr) {
		t.Fatalf("err=%v, want microphone SetupError", err)
	}

	want := []ConnectionState{StateConnecting, StateError}
	if got := h.rec.snapshotStatuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses=%v, want %v", got, want)
	}
	if h.sess.State() != StateError || !errors.Is(h.sess.Err(), micErr) {
		t.Fatalf("state=%v err=%v", h.sess.State(), h.sess.Err())
	}
	if h.speaker.closed.Load() != 1 {
		t.Fatalf("speaker closed %d times, want 1", h.speaker.closed.Load())
	}
	if h.dials.Load() != 0 {
		t.Fatal("transport dialed after microphone failure")
	}
}

func TestConnect_TransportFailureReleasesDevices(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *harness) {
		cfg.Dialer = transport.DialerFunc(func(context.Context) (transport.Conn, error) {
			return nil, errors.New("dial refused")
		})
	})

	err := h.sess.Connect(context.Background())
	var setupErr *SetupError
	if !errors.As(err, &setupErr) || setupErr.Stage != StageTransport {
		t.Fatalf("err=%v, want transport SetupError", err)
	}
	if _, closed := h.mic.counts(); closed != 1 || h.speaker.closed.Load() != 1 {
		t.Fatalf("mic closed=%d speaker closed=%d", closed, h.speaker.closed.Load())
	}

	// Error is a resting state; Connect may retry from it.
	h.sess.cfg.Dialer = transport.DialerFunc(func(context.Context) (transport.Conn, error) { return h.conn, nil })
	h.connect(t)
	want := []ConnectionState{StateConnecting, StateError, StateConnecting, StateConnected}
	if got := h.rec.snapshotStatuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses=%v, want %v", got, want)
	}
}

func TestConnectDisconnect_Lifecycle(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	if h.sess.State() != StateConnected {
		t.Fatalf("state=%v", h.sess.State())
	}

	// Connect while connected is a no-op.
	h.connect(t)
	if h.dials.Load() != 1 {
		t.Fatalf("dials=%d, want 1", h.dials.Load())
	}

	h.sess.Disconnect()
	h.sess.Disconnect()

	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected}
	if got := h.rec.snapshotStatuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses=%v, want %v", got, want)
	}
	if !h.conn.isClosed() {
		t.Fatal("transport not closed")
	}
	stopped, closed := h.mic.counts()
	if stopped == 0 || closed != 1 || h.speaker.closed.Load() != 1 {
		t.Fatalf("mic stopped=%d closed=%d speaker closed=%d", stopped, closed, h.speaker.closed.Load())
	}
	if !h.rec.sawVolume(VolumeInput, 0) || !h.rec.sawVolume(VolumeOutput, 0) {
		t.Fatal("meters not zeroed on disconnect")
	}
}

func TestDisconnect_FromErrorReportsDisconnected(t *testing.T) {
	h := newHarness(t, func(cfg *Config, _ *harness) {
		cfg.OpenSpeaker = func(context.Context) (Speaker, error) { return nil, errors.New("no device") }
	})
	if err := h.sess.Connect(context.Background()); err == nil {
		t.Fatal("expected speaker failure")
	}
	h.sess.Disconnect()
	want := []ConnectionState{StateConnecting, StateError, StateDisconnected}
	if got := h.rec.snapshotStatuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses=%v, want %v", got, want)
	}
}

func TestDisconnect_DuringConnectingAbortsSetup(t *testing.T) {
	dialing := make(chan struct{})
	h := newHarness(t, func(cfg *Config, _ *harness) {
		cfg.Dialer = transport.DialerFunc(func(ctx context.Context) (transport.Conn, error) {
			close(dialing)
			<-ctx.Done()
			return nil, ctx.Err()
		})
	})

	errCh := make(chan error, 1)
	go func() { errCh <- h.sess.Connect(context.Background()) }()

	<-dialing
	h.sess.Disconnect()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrAborted) {
			t.Fatalf("err=%v, want ErrAborted", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}

	want := []ConnectionState{StateConnecting, StateDisconnected}
	if got := h.rec.snapshotStatuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses=%v, want %v", got, want)
	}
	if _, closed := h.mic.counts(); closed != 1 || h.speaker.closed.Load() != 1 {
		t.Fatalf("mic closed=%d speaker closed=%d", closed, h.speaker.closed.Load())
	}
}

func TestDispatch_TranscriptUpdatesInOrder(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.send(protocol.TranscriptDelta{Speaker: protocol.SpeakerUser, Text: "he"})
	h.send(
		protocol.TurnComplete{},
		protocol.TranscriptDelta{Speaker: protocol.SpeakerModel, Text: "Hi"},
		protocol.TranscriptDelta{Speaker: protocol.SpeakerUser, Text: "llo"},
	)

	want := []transcript.Update{
		{Speaker: protocol.SpeakerUser, Text: "he"},
		{Speaker: protocol.SpeakerModel, Text: "Hi"},
		{Speaker: protocol.SpeakerUser, Text: "hello"},
		{Speaker: protocol.SpeakerUser, Text: "hello", IsFinal: true},
		{Speaker: protocol.SpeakerModel, Text: "Hi", IsFinal: true},
	}
	eventually(t, "transcript updates", func() bool { return len(h.rec.snapshotUpdates()) == len(want) })
	if got := h.rec.snapshotUpdates(); !reflect.DeepEqual(got, want) {
		t.Fatalf("updates=%+v\nwant %+v", got, want)
	}
}

func TestDispatch_AudioThenInterruption(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.send(pcmChunk(480), protocol.TranscriptDelta{Speaker: protocol.SpeakerModel, Text: "Let me"})
	eventually(t, "audio scheduled", func() bool { return h.speaker.Active() == 1 })
	eventually(t, "speaking volume", func() bool { return h.rec.sawVolume(VolumeOutput, playback.DefaultSpeakingVolume) })

	h.send(protocol.Interrupted{})
	eventually(t, "playback stopped", func() bool { return h.speaker.Active() == 0 })
	eventually(t, "discarded model turn", func() bool {
		updates := h.rec.snapshotUpdates()
		return len(updates) == 2 && updates[1].Discarded && updates[1].Speaker == protocol.SpeakerModel
	})
	if !h.rec.sawVolume(VolumeOutput, 0) {
		t.Fatal("output volume not reset after interruption")
	}

	// Audio after the interruption plays again.
	h.send(pcmChunk(480))
	eventually(t, "audio after interruption", func() bool { return h.speaker.Active() == 1 })
	if h.sess.State() != StateConnected {
		t.Fatalf("state=%v, want connected", h.sess.State())
	}
}

func TestReceive_ServerCloseDisconnects(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.conn.in <- recvResult{err: transport.ErrClosed}
	eventually(t, "disconnected", func() bool { return h.sess.State() == StateDisconnected })
	if h.sess.Err() != nil {
		t.Fatalf("Err()=%v, want nil after graceful close", h.sess.Err())
	}
	if !h.conn.isClosed() {
		t.Fatal("transport not closed")
	}
}

func TestReceive_TransportErrorMovesToError(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	boom := errors.New("connection reset")
	h.conn.in <- recvResult{err: boom}
	eventually(t, "error state", func() bool { return h.sess.State() == StateError })
	if !errors.Is(h.sess.Err(), boom) {
		t.Fatalf("Err()=%v", h.sess.Err())
	}
	eventually(t, "speaker released", func() bool { return h.speaker.closed.Load() == 1 })
}

func TestDispatch_ServerErrorMovesToError(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.send(
		protocol.ServerError{Code: "quota", Message: "exhausted"},
		protocol.TranscriptDelta{Speaker: protocol.SpeakerModel, Text: "partial"},
	)
	eventually(t, "error state", func() bool { return h.sess.State() == StateError })

	var se protocol.ServerError
	if !errors.As(h.sess.Err(), &se) || se.Code != "quota" {
		t.Fatalf("Err()=%v", h.sess.Err())
	}
	updates := h.rec.snapshotUpdates()
	if len(updates) != 2 || updates[0].Text != "partial" || !updates[1].Discarded {
		t.Fatalf("updates=%+v, want delta applied then retracted", updates)
	}
	want := []ConnectionState{StateConnecting, StateConnected, StateError}
	if got := h.rec.snapshotStatuses(); !reflect.DeepEqual(got, want) {
		t.Fatalf("statuses=%v, want %v", got, want)
	}
}

func TestReconnect_DropsUnfinishedTurnFromLog(t *testing.T) {
	log := transcript.NewLog()
	h := newHarness(t, func(cfg *Config, h *harness) {
		cfg.OnTranscript = func(u transcript.Update) {
			log.Apply(u)
			h.rec.transcript(u)
		}
	})
	h.connect(t)
	h.send(protocol.TranscriptDelta{Speaker: protocol.SpeakerModel, Text: "Hel"})
	eventually(t, "model delta", func() bool { return log.Len() == 1 })

	h.sess.Disconnect()
	updates := h.rec.snapshotUpdates()
	if len(updates) != 2 || !updates[1].Discarded || updates[1].Speaker != protocol.SpeakerModel {
		t.Fatalf("updates=%+v, want model turn retracted on disconnect", updates)
	}
	if log.Len() != 0 {
		t.Fatalf("log=%+v, want unfinished bubble removed", log.Messages())
	}

	h.conn = newFakeConn()
	h.connect(t)
	h.send(protocol.TranscriptDelta{Speaker: protocol.SpeakerUser, Text: "Hi"}, protocol.TurnComplete{})
	h.send(protocol.TranscriptDelta{Speaker: protocol.SpeakerModel, Text: "New"})
	eventually(t, "second turn", func() bool { return log.Len() == 2 })

	got := log.Messages()
	if got[0].Speaker != protocol.SpeakerUser || got[0].Text != "Hi" || !got[0].IsFinal {
		t.Fatalf("first message=%+v, want final user turn", got[0])
	}
	if got[1].Speaker != protocol.SpeakerModel || got[1].Text != "New" || got[1].IsFinal {
		t.Fatalf("second message=%+v, want open model turn", got[1])
	}
}

func TestCapture_StreamsMicrophoneFrames(t *testing.T) {
	h := newHarness(t)
	h.connect(t)

	h.mic.push([]float32{0.5, -0.5, 0.5, -0.5})
	select {
	case f := <-h.conn.frames:
		if len(f.PCM) != 8 || f.MIMEType != protocol.PCMMIMEType(protocol.DefaultInputSampleRateHz) {
			t.Fatalf("frame=%+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
	}
	eventually(t, "input volume", func() bool { return h.rec.sawVolume(VolumeInput, 1) })
}

func TestCallbacks_StopAfterDisconnect(t *testing.T) {
	h := newHarness(t)
	h.connect(t)
	h.sess.Disconnect()

	before := len(h.rec.snapshotUpdates())
	h.mic.push([]float32{0.1, 0.1, 0.1, 0.1})
	select {
	case h.conn.in <- recvResult{msg: protocol.NewMessage(protocol.TranscriptDelta{Speaker: protocol.SpeakerUser, Text: "late"})}:
	default:
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(h.rec.snapshotUpdates()); got != before {
		t.Fatalf("transcript callbacks after disconnect: %d", got-before)
	}
}

func TestConnectionState_String(t *testing.T) {
	tests := map[ConnectionState]string{
		StateDisconnected:   "DISCONNECTED",
		StateConnecting:     "CONNECTING",
		StateConnected:      "CONNECTED",
		StateError:          "ERROR",
		ConnectionState(42): "UNKNOWN",
	}
	for state, want := range tests {
		if got := state.String(); got != want {
			t.Fatalf("%d.String()=%q, want %q", int(state), got, want)
		}
	}
}
