// Package session runs one bidirectional voice session: it owns the
// speaker, microphone and transport of a connection, drives the capture
// pipeline and the playback scheduler, and reports state, transcript and
// volume changes through callbacks.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vango-go/vai-voicechat/pkg/live/audio"
	"github.com/vango-go/vai-voicechat/pkg/live/capture"
	"github.com/vango-go/vai-voicechat/pkg/live/metrics"
	"github.com/vango-go/vai-voicechat/pkg/live/playback"
	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/transcript"
	"github.com/vango-go/vai-voicechat/pkg/live/transport"
)

// ConnectionState is the externally visible session state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// VolumeSource tells a volume callback which meter to update.
type VolumeSource int

const (
	VolumeInput VolumeSource = iota
	VolumeOutput
)

func (v VolumeSource) String() string {
	if v == VolumeOutput {
		return "output"
	}
	return "input"
}

// Speaker is the playback device of one connection.
type Speaker interface {
	playback.Engine
	Close() error
}

// Microphone is the capture device of one connection.
type Microphone interface {
	capture.Source
	Close() error
}

// Setup stages reported by SetupError.
const (
	StageSpeaker    = "speaker"
	StageMicrophone = "microphone"
	StageTransport  = "transport"
	StageCapture    = "capture"
)

// SetupError reports which Connect step failed.
type SetupError struct {
	Stage string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("session setup failed at %s: %v", e.Stage, e.Err)
}

func (e *SetupError) Unwrap() error { return e.Err }

// ErrAborted is returned by Connect when Disconnect was called during setup.
var ErrAborted = errors.New("session: connect aborted")

type Config struct {
	Dialer         transport.Dialer
	OpenSpeaker    func(ctx context.Context) (Speaker, error)
	OpenMicrophone func(ctx context.Context) (Microphone, error)
	// Decoder defaults to PCM16LE at OutputSampleRate.
	Decoder audio.Decoder

	InputSampleRate   int
	OutputSampleRate  int
	WindowSize        int
	MaxPendingFrames  int
	DecodeConcurrency int
	VolumeGain        float64
	SpeakingVolume    float64

	// Callbacks are delivered in order, outside the session lock. They
	// must not call back into the Session.
	OnStatus     func(ConnectionState)
	OnTranscript func(transcript.Update)
	OnVolume     func(VolumeSource, float64)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// resources are the exclusively owned handles of one connection.
type resources struct {
	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
	// setupDone is closed when Connect returns.
	setupDone chan struct{}

	// guarded by Session.mu
	released  bool
	speaker   Speaker
	scheduler *playback.Scheduler
	mic       Microphone
	conn      transport.Conn
	pipeline  *capture.Pipeline
}

type Session struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time

	// mu guards state, the open transcript turns and the current
	// connection. emitMu is taken before mu is released so callbacks are
	// delivered in transition order.
	mu          sync.Mutex
	emitMu      sync.Mutex
	state       ConnectionState
	gen         uint64
	res         *resources
	agg         *transcript.Aggregator
	lastErr     error
	connectedAt time.Time
}

func New(cfg Config) (*Session, error) {
	if cfg.Dialer == nil {
		return nil, fmt.Errorf("transport dialer is required")
	}
	if cfg.OpenSpeaker == nil {
		return nil, fmt.Errorf("speaker opener is required")
	}
	if cfg.OpenMicrophone == nil {
		return nil, fmt.Errorf("microphone opener is required")
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = protocol.DefaultInputSampleRateHz
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = protocol.DefaultOutputSampleRateHz
	}
	if cfg.Decoder == nil {
		cfg.Decoder = audio.PCMDecoder{DefaultRate: cfg.OutputSampleRate}
	}
	if cfg.OnStatus == nil {
		cfg.OnStatus = func(ConnectionState) {}
	}
	if cfg.OnTranscript == nil {
		cfg.OnTranscript = func(transcript.Update) {}
	}
	if cfg.OnVolume == nil {
		cfg.OnVolume = func(VolumeSource, float64) {}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Session{
		cfg:     cfg,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		now:     cfg.Now,
		state:   StateDisconnected,
		agg:     transcript.NewAggregator(),
	}, nil
}

// State returns the current connection state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the error that moved the session to StateError, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Connect opens the speaker, the microphone and the transport, then starts
// receiving and capturing. It is a no-op while connecting or connected. On
// failure the session moves to StateError with everything released.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.state == StateConnecting || s.state == StateConnected {
		s.mu.Unlock()
		return nil
	}
	s.gen++
	lifeCtx, cancel := context.WithCancel(context.Background())
	res := &resources{gen: s.gen, ctx: lifeCtx, cancel: cancel, setupDone: make(chan struct{})}
	defer close(res.setupDone)
	s.res = res
	s.lastErr = nil
	s.agg.Reset()
	s.state = StateConnecting
	s.unlockAndEmit(s.statusEvent(StateConnecting))

	setupCtx, stopSetup := context.WithCancel(ctx)
	defer stopSetup()
	defer context.AfterFunc(lifeCtx, stopSetup)()

	log := s.logger.With("conn_gen", res.gen)

	speaker, err := s.cfg.OpenSpeaker(setupCtx)
	if err != nil {
		return s.setupFailed(res, StageSpeaker, err)
	}
	if !s.attach(res, func() { res.speaker = speaker }) {
		_ = speaker.Close()
		return ErrAborted
	}

	scheduler, err := playback.NewScheduler(playback.Config{
		Engine:            speaker,
		Decoder:           s.cfg.Decoder,
		DecodeConcurrency: s.cfg.DecodeConcurrency,
		SpeakingVolume:    s.cfg.SpeakingVolume,
		OnVolume:          func(v float64) { s.emitVolume(res, VolumeOutput, v) },
		Metrics:           s.metrics,
		Logger:            log,
	})
	if err != nil {
		return s.setupFailed(res, StageSpeaker, err)
	}
	if !s.attach(res, func() { res.scheduler = scheduler }) {
		scheduler.Close()
		return ErrAborted
	}

	mic, err := s.cfg.OpenMicrophone(setupCtx)
	if err != nil {
		return s.setupFailed(res, StageMicrophone, err)
	}
	if !s.attach(res, func() { res.mic = mic }) {
		_ = mic.Close()
		return ErrAborted
	}

	conn, err := s.cfg.Dialer.Dial(setupCtx)
	if err != nil {
		return s.setupFailed(res, StageTransport, err)
	}
	if !s.attach(res, func() { res.conn = conn }) {
		_ = conn.Close()
		return ErrAborted
	}

	pipeline, err := capture.NewPipeline(capture.Config{
		Source:     mic,
		Sender:     conn,
		SampleRate: s.cfg.InputSampleRate,
		WindowSize: s.cfg.WindowSize,
		Gain:       s.cfg.VolumeGain,
		MaxPending: s.cfg.MaxPendingFrames,
		OnVolume:   func(v float64) { s.emitVolume(res, VolumeInput, v) },
		Metrics:    s.metrics,
		Logger:     log,
	})
	if err != nil {
		return s.setupFailed(res, StageCapture, err)
	}

	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return ErrAborted
	}
	res.pipeline = pipeline
	s.state = StateConnected
	s.connectedAt = s.now()
	s.unlockAndEmit(s.statusEvent(StateConnected))
	log.Info("live session connected")

	go s.receiveLoop(res)

	if err := pipeline.Start(lifeCtx); err != nil {
		return s.setupFailed(res, StageCapture, err)
	}
	return nil
}

// Disconnect tears the current connection down. It is safe from any state
// and idempotent: once disconnected, further calls do nothing and emit no
// callback.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == StateDisconnected {
		s.mu.Unlock()
		return
	}
	res, events := s.claimLocked(StateDisconnected, nil)
	s.unlockAndEmit(events...)
	if res != nil {
		<-res.setupDone
		s.release(res)
	}
}

// endConnection moves the session out of a live connection unless another
// path already claimed it. Callers outside Connect wait for setup to finish
// so every handle it acquires is released.
func (s *Session) endConnection(res *resources, to ConnectionState, cause error, inSetup bool) bool {
	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return false
	}
	_, events := s.claimLocked(to, cause)
	s.unlockAndEmit(events...)
	if !inSetup {
		<-res.setupDone
	}
	s.release(res)
	return true
}

func (s *Session) setupFailed(res *resources, stage string, err error) error {
	setupErr := &SetupError{Stage: stage, Err: err}
	if !s.endConnection(res, StateError, setupErr, true) {
		return ErrAborted
	}
	s.logger.Error("live session setup failed", "stage", stage, "error", err)
	return setupErr
}

// claimLocked detaches the current connection and sets the new state. The
// returned events retract any unfinished turn and then report the end of
// the connection; the caller emits them through unlockAndEmit.
func (s *Session) claimLocked(to ConnectionState, cause error) (*resources, []func()) {
	res := s.res
	s.res = nil
	if res != nil {
		res.released = true
		res.cancel()
	}
	if !s.connectedAt.IsZero() {
		s.metrics.RecordSessionEnd(to.String(), s.now().Sub(s.connectedAt))
		s.connectedAt = time.Time{}
	}
	var events []func()
	for _, u := range s.agg.DiscardAll() {
		events = append(events, s.transcriptEvent(u))
	}
	s.state = to
	s.lastErr = cause
	return res, append(events, s.endEvents(to)...)
}

// attach records a handle on res unless the connection was already torn
// down, in which case the caller owns the handle and must close it.
func (s *Session) attach(res *resources, set func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if res.released {
		return false
	}
	set()
	return true
}

// release frees every handle of res. claimLocked has already marked it
// released, so attach can no longer add to it and this runs once per
// connection.
func (s *Session) release(res *resources) {
	s.mu.Lock()
	pipeline, scheduler, conn, mic, speaker := res.pipeline, res.scheduler, res.conn, res.mic, res.speaker
	s.mu.Unlock()

	if pipeline != nil {
		if err := pipeline.Stop(); err != nil {
			s.logger.Warn("stop capture", "error", err)
		}
	}
	if scheduler != nil {
		scheduler.Close()
	}
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.logger.Debug("close transport", "error", err)
		}
	}
	if pipeline != nil {
		pipeline.Wait()
	}
	if mic != nil {
		if err := mic.Close(); err != nil {
			s.logger.Warn("close microphone", "error", err)
		}
	}
	if speaker != nil {
		if err := speaker.Close(); err != nil {
			s.logger.Warn("close speaker", "error", err)
		}
	}
	s.logger.Debug("live session resources released", "conn_gen", res.gen)
}

func (s *Session) unlockAndEmit(events ...func()) {
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()
	for _, fn := range events {
		fn()
	}
}

func (s *Session) statusEvent(state ConnectionState) func() {
	return func() {
		s.metrics.RecordStateTransition(state.String())
		s.cfg.OnStatus(state)
	}
}

// endEvents reports the new state and zeroes both meters.
func (s *Session) endEvents(state ConnectionState) []func() {
	return []func(){
		s.statusEvent(state),
		func() { s.cfg.OnVolume(VolumeInput, 0) },
		func() { s.cfg.OnVolume(VolumeOutput, 0) },
	}
}

func (s *Session) transcriptEvent(u transcript.Update) func() {
	return func() {
		if u.IsFinal {
			s.metrics.RecordTranscriptFinal(u.Speaker.String())
		}
		s.cfg.OnTranscript(u)
	}
}

// emitVolume forwards a meter value unless res is no longer the live
// connection.
func (s *Session) emitVolume(res *resources, src VolumeSource, v float64) {
	s.mu.Lock()
	if s.res != res {
		s.mu.Unlock()
		return
	}
	s.unlockAndEmit(func() { s.cfg.OnVolume(src, v) })
}
