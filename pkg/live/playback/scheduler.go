// Package playback schedules decoded audio chunks back to back on a
// playback engine clock.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/vango-go/vai-voicechat/pkg/live/audio"
	"github.com/vango-go/vai-voicechat/pkg/live/metrics"
	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/queue"
)

const (
	DefaultDecodeConcurrency = 4
	DefaultSpeakingVolume    = 0.5
)

// Voice is one buffer started on an Engine.
type Voice interface {
	// Stop silences the voice. The ended callback is not invoked.
	Stop()
}

// Engine is a playback device with a monotonic clock in seconds.
//
// Start schedules buf to begin at time at (clamped by the engine to its
// current clock) and calls ended once the buffer has fully played. ended
// must never run synchronously from Start or Voice.Stop, and never while an
// engine lock is held.
type Engine interface {
	Now() float64
	Start(buf *audio.Buffer, at float64, ended func()) (Voice, error)
}

// An Engine that reports a fixed SampleRate gets buffers already converted
// to it, so the timeline advances by exactly the frames it plays.
type rateEngine interface {
	SampleRate() int
}

type Config struct {
	Engine  Engine
	Decoder audio.Decoder

	DecodeConcurrency int
	// SpeakingVolume is reported while any buffer is active.
	SpeakingVolume float64
	// OnVolume receives output volume on active/idle transitions, in order.
	// It must not call back into the Scheduler.
	OnVolume func(float64)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type job struct {
	epoch uint64
	bytes int
	done  bool
	buf   *audio.Buffer
	err   error
}

// Scheduler decodes chunks concurrently and schedules them strictly in
// arrival order. nextStart, the active set and the pending FIFO are guarded
// by mu.
type Scheduler struct {
	engine   Engine
	rate     int
	decoder  audio.Decoder
	sem      *semaphore.Weighted
	speaking float64
	onVolume func(float64)
	metrics  *metrics.Metrics
	logger   *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu          sync.Mutex
	emitMu      sync.Mutex
	closed      bool
	epoch       uint64
	epochCtx    context.Context
	epochCancel context.CancelFunc
	pending     *queue.Queue[*job]
	nextStart   float64
	active      map[uint64]Voice
	nextVoiceID uint64

	wg sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Engine == nil {
		return nil, fmt.Errorf("playback engine is required")
	}
	if cfg.Decoder == nil {
		cfg.Decoder = audio.PCMDecoder{DefaultRate: protocol.DefaultOutputSampleRateHz}
	}
	if cfg.DecodeConcurrency <= 0 {
		cfg.DecodeConcurrency = DefaultDecodeConcurrency
	}
	if cfg.SpeakingVolume <= 0 {
		cfg.SpeakingVolume = DefaultSpeakingVolume
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	var rate int
	if re, ok := cfg.Engine.(rateEngine); ok {
		rate = re.SampleRate()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	epochCtx, epochCancel := context.WithCancel(baseCtx)
	return &Scheduler{
		engine:      cfg.Engine,
		rate:        rate,
		decoder:     cfg.Decoder,
		sem:         semaphore.NewWeighted(int64(cfg.DecodeConcurrency)),
		speaking:    audio.Clamp01(cfg.SpeakingVolume),
		onVolume:    cfg.OnVolume,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		baseCtx:     baseCtx,
		baseCancel:  baseCancel,
		epochCtx:    epochCtx,
		epochCancel: epochCancel,
		pending:     queue.New[*job](),
		active:      make(map[uint64]Voice),
	}, nil
}

// Enqueue hands a chunk to the scheduler. It never waits for decoding.
func (s *Scheduler) Enqueue(chunk protocol.AudioChunk) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	j := &job{epoch: s.epoch, bytes: len(chunk.Data)}
	s.pending.Enqueue(j)
	ctx := s.epochCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.decode(ctx, j, chunk)
}

func (s *Scheduler) decode(ctx context.Context, j *job, chunk protocol.AudioChunk) {
	defer s.wg.Done()

	var (
		buf *audio.Buffer
		err error
	)
	if err = s.sem.Acquire(ctx, 1); err == nil {
		started := time.Now()
		buf, err = s.decoder.Decode(ctx, chunk.Data, chunk.MIMEType)
		if err == nil && s.rate > 0 && buf.Frames() > 0 && buf.SampleRate != s.rate {
			buf = &audio.Buffer{Samples: audio.Resample(buf.Samples, buf.SampleRate, s.rate), SampleRate: s.rate}
		}
		s.sem.Release(1)
		s.metrics.ObserveDecode(time.Since(started))
	}

	s.mu.Lock()
	if j.epoch != s.epoch {
		s.mu.Unlock()
		s.metrics.RecordAudioChunk("stale", 0)
		return
	}
	j.done, j.buf, j.err = true, buf, err
	volume, changed := s.drainLocked()
	s.emitMu.Lock()
	s.mu.Unlock()
	if changed {
		s.emitVolume(volume)
	}
	s.emitMu.Unlock()
}

// drainLocked schedules every decoded job at the head of the FIFO. It
// reports the output volume if the active set went from empty to non-empty.
func (s *Scheduler) drainLocked() (float64, bool) {
	wasIdle := len(s.active) == 0
	for {
		head, ok := s.pending.Peek()
		if !ok || !head.done {
			break
		}
		s.pending.Dequeue()
		s.scheduleLocked(head)
	}
	if wasIdle && len(s.active) > 0 {
		return s.speaking, true
	}
	return 0, false
}

func (s *Scheduler) scheduleLocked(j *job) {
	if j.err != nil {
		if !errors.Is(j.err, context.Canceled) {
			s.logger.Warn("audio chunk dropped", "bytes", j.bytes, "error", j.err)
		}
		s.metrics.RecordAudioChunk("decode_error", j.bytes)
		return
	}
	if j.buf.Frames() == 0 {
		s.metrics.RecordAudioChunk("empty", j.bytes)
		return
	}

	start := max(s.nextStart, s.engine.Now())
	id := s.nextVoiceID
	s.nextVoiceID++
	voice, err := s.engine.Start(j.buf, start, s.endedFunc(j.epoch, id))
	if err != nil {
		s.logger.Warn("audio chunk start failed", "start", start, "error", err)
		s.metrics.RecordAudioChunk("start_error", j.bytes)
		return
	}
	s.nextStart = start + j.buf.Seconds()
	s.active[id] = voice
	s.metrics.RecordAudioChunk("scheduled", j.bytes)
	s.metrics.SetActiveBuffers(len(s.active))
	s.logger.Debug("audio chunk scheduled", "start", start, "duration", j.buf.Seconds(), "next_start", s.nextStart)
}

func (s *Scheduler) endedFunc(epoch, id uint64) func() {
	return func() {
		s.mu.Lock()
		if epoch != s.epoch {
			s.mu.Unlock()
			return
		}
		if _, ok := s.active[id]; !ok {
			s.mu.Unlock()
			return
		}
		delete(s.active, id)
		idle := len(s.active) == 0
		s.metrics.SetActiveBuffers(len(s.active))
		s.emitMu.Lock()
		s.mu.Unlock()
		if idle {
			s.emitVolume(0)
		}
		s.emitMu.Unlock()
	}
}

// Interrupt stops every active buffer, drops pending decodes and resets the
// timeline so the next chunk starts from the engine clock.
func (s *Scheduler) Interrupt() {
	s.mu.Lock()
	hadActive := s.resetLocked()
	s.emitMu.Lock()
	s.mu.Unlock()
	if hadActive {
		s.emitVolume(0)
	}
	s.emitMu.Unlock()
}

func (s *Scheduler) resetLocked() bool {
	s.epoch++
	s.epochCancel()
	s.epochCtx, s.epochCancel = context.WithCancel(s.baseCtx)
	s.pending.Clear()

	hadActive := len(s.active) > 0
	for id, v := range s.active {
		v.Stop()
		delete(s.active, id)
	}
	s.nextStart = 0
	s.metrics.SetActiveBuffers(0)
	return hadActive
}

// Close cancels all playback and waits for in-flight decodes to return.
// Enqueue is a no-op afterwards.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.wg.Wait()
		return
	}
	s.closed = true
	hadActive := s.resetLocked()
	s.baseCancel()
	s.emitMu.Lock()
	s.mu.Unlock()
	if hadActive {
		s.emitVolume(0)
	}
	s.emitMu.Unlock()
	s.wg.Wait()
}

// Wait blocks until every enqueued chunk has been decoded and scheduled,
// dropped, or discarded as stale.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

// NextStartTime returns the engine time at which the next chunk would start
// if the engine clock were behind it.
func (s *Scheduler) NextStartTime() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextStart
}

// ActiveCount returns the number of scheduled or playing buffers.
func (s *Scheduler) ActiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Pending returns the number of chunks waiting for decode or for an
// earlier chunk to be scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

func (s *Scheduler) emitVolume(v float64) {
	if s.onVolume != nil {
		s.onVolume(v)
	}
}
