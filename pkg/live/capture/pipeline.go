// Package capture turns microphone samples into fixed-size windows, meters
// their level and forwards them as PCM16LE frames without ever blocking the
// audio callback on the network.
package capture

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/vango-go/vai-voicechat/pkg/live/audio"
	"github.com/vango-go/vai-voicechat/pkg/live/metrics"
	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
	"github.com/vango-go/vai-voicechat/pkg/live/queue"
)

const (
	DefaultWindowSize = 4096
	DefaultMaxPending = 64
)

// Source delivers mono float samples in [-1, 1] from an input device. The
// callback may receive any number of samples per call.
type Source interface {
	Start(onSamples func(samples []float32)) error
	Stop() error
}

// Sender submits one encoded frame to the remote service.
type Sender interface {
	SendAudio(ctx context.Context, frame protocol.AudioFrame) error
}

type Config struct {
	Source Source
	Sender Sender

	SampleRate int
	WindowSize int
	Gain       float64
	// MaxPending bounds frames waiting for the network; the oldest frame is
	// dropped when full.
	MaxPending int
	// OnVolume receives the meter value of every window. It runs on the
	// device callback goroutine and must not call Stop.
	OnVolume func(float64)

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

type Pipeline struct {
	source     Source
	sender     Sender
	sampleRate int
	windowSize int
	gain       float64
	maxPending int
	onVolume   func(float64)
	metrics    *metrics.Metrics
	logger     *slog.Logger
	mimeType   string

	mu      sync.Mutex
	running bool
	window  []float32
	frames  *queue.Bounded[[]float32]
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewPipeline(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("capture source is required")
	}
	if cfg.Sender == nil {
		return nil, fmt.Errorf("frame sender is required")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = protocol.DefaultInputSampleRateHz
	}
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultWindowSize
	}
	if cfg.Gain <= 0 {
		cfg.Gain = audio.DefaultVolumeGain
	}
	if cfg.MaxPending <= 0 {
		cfg.MaxPending = DefaultMaxPending
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		source:     cfg.Source,
		sender:     cfg.Sender,
		sampleRate: cfg.SampleRate,
		windowSize: cfg.WindowSize,
		gain:       cfg.Gain,
		maxPending: cfg.MaxPending,
		onVolume:   cfg.OnVolume,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		mimeType:   protocol.PCMMIMEType(cfg.SampleRate),
	}, nil
}

// Start launches the sender and starts the source. It must only be called
// once the transport is open.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	sendCtx, cancel := context.WithCancel(ctx)
	p.frames = queue.NewBounded[[]float32](p.maxPending)
	p.window = make([]float32, 0, p.windowSize)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	frames, done := p.frames, p.done
	p.mu.Unlock()

	go p.sendLoop(sendCtx, frames, done)

	if err := p.source.Start(p.Process); err != nil {
		p.halt()
		<-done
		return fmt.Errorf("start capture source: %w", err)
	}
	p.logger.Debug("capture started", "sample_rate", p.sampleRate, "window", p.windowSize)
	return nil
}

// Process accepts samples from the source. Every complete window emits a
// volume update and is queued for sending. Samples that arrive after Stop
// are ignored.
func (p *Pipeline) Process(samples []float32) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}

	for len(samples) > 0 {
		n := min(p.windowSize-len(p.window), len(samples))
		p.window = append(p.window, samples[:n]...)
		samples = samples[n:]
		if len(p.window) < p.windowSize {
			return
		}

		win := make([]float32, p.windowSize)
		copy(win, p.window)
		p.window = p.window[:0]

		p.metrics.RecordCaptureWindow()
		if p.onVolume != nil {
			p.onVolume(audio.Volume(audio.RMS(win), p.gain))
		}
		if dropped, _ := p.frames.Push(win); dropped {
			p.metrics.RecordFrame("dropped", 0)
			p.logger.Debug("capture frame dropped", "pending", p.maxPending)
		}
	}
}

func (p *Pipeline) sendLoop(ctx context.Context, frames *queue.Bounded[[]float32], done chan struct{}) {
	defer close(done)

	var seq int64
	failures := 0
	for {
		win, err := frames.Pop(ctx)
		if err != nil {
			return
		}
		seq++
		frame := protocol.AudioFrame{Seq: seq, PCM: audio.EncodePCM16LE(win), MIMEType: p.mimeType}
		if err := p.sender.SendAudio(ctx, frame); err != nil {
			if ctx.Err() != nil {
				return
			}
			failures++
			p.metrics.RecordFrame("failed", len(frame.PCM))
			if failures == 1 {
				p.logger.Warn("audio frame send failed", "seq", seq, "error", err)
			} else {
				p.logger.Debug("audio frame send failed", "seq", seq, "failures", failures, "error", err)
			}
			continue
		}
		p.metrics.RecordFrame("sent", len(frame.PCM))
	}
}

// Stop stops the source and the sender. Once Stop returns no further
// volume callback fires. It does not wait for an in-flight send; use Wait.
func (p *Pipeline) Stop() error {
	if !p.halt() {
		return nil
	}
	if err := p.source.Stop(); err != nil {
		return fmt.Errorf("stop capture source: %w", err)
	}
	return nil
}

func (p *Pipeline) halt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return false
	}
	p.running = false
	p.window = p.window[:0]
	p.frames.Close()
	p.cancel()
	return true
}

// Wait blocks until the sender goroutine of the last Start has exited.
func (p *Pipeline) Wait() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Running reports whether the pipeline accepts samples.
func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
