// Package device binds the live session to real audio hardware: a malgo
// capture device for the microphone and an oto player pulling from a
// software mixer for the speaker.
package device

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ebitengine/oto/v3"
	"github.com/gen2brain/malgo"

	"github.com/vango-go/vai-voicechat/pkg/live/audio"
	"github.com/vango-go/vai-voicechat/pkg/live/playback"
)

const (
	defaultPeriod       = 20 * time.Millisecond
	defaultOutputBuffer = 100 * time.Millisecond
)

// bufferBytes returns the PCM16 mono byte size of d at sampleRate.
func bufferBytes(sampleRate int, d time.Duration) int {
	frames := int(int64(sampleRate) * int64(d) / int64(time.Second))
	if frames < 1 {
		frames = 1
	}
	return frames * 2
}

type MicrophoneConfig struct {
	SampleRate int
	Period     time.Duration
	Logger     *slog.Logger
}

// Microphone captures mono PCM16 from the default input device.
type Microphone struct {
	logger *slog.Logger

	mctx   *malgo.AllocatedContext
	device *malgo.Device

	onSamples atomic.Pointer[func([]float32)]

	mu        sync.Mutex
	started   bool
	closeOnce sync.Once
}

// OpenMicrophone initializes the capture device without starting it, so
// permission and device errors surface before any audio flows.
func OpenMicrophone(cfg MicrophoneConfig) (*Microphone, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("microphone sample rate must be > 0")
	}
	if cfg.Period <= 0 {
		cfg.Period = defaultPeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxConfig, func(message string) {
		cfg.Logger.Debug("malgo", "message", message)
	})
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &Microphone{logger: cfg.Logger, mctx: mctx}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = 1
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.Period / time.Millisecond)

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if cb := m.onSamples.Load(); cb != nil {
				(*cb)(audio.DecodePCM16LE(input))
			}
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	m.device = device
	return m, nil
}

func (m *Microphone) Start(onSamples func([]float32)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return nil
	}
	m.onSamples.Store(&onSamples)
	if err := m.device.Start(); err != nil {
		m.onSamples.Store(nil)
		return fmt.Errorf("start microphone: %w", err)
	}
	m.started = true
	return nil
}

// Stop halts the device. malgo waits for an in-progress data callback.
func (m *Microphone) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil
	}
	m.started = false
	err := m.device.Stop()
	m.onSamples.Store(nil)
	return err
}

func (m *Microphone) Close() error {
	err := m.Stop()
	m.closeOnce.Do(func() {
		m.device.Uninit()
		if uerr := m.mctx.Uninit(); uerr != nil && err == nil {
			err = uerr
		}
		m.mctx.Free()
	})
	return err
}

// oto allows one context per process.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedOtoContext(sampleRate int, buffer time.Duration) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatSignedInt16LE,
			BufferSize:   buffer,
		})
		if err != nil {
			otoErr = fmt.Errorf("init speaker: %w", err)
			return
		}
		<-ready
		otoCtx, otoRate = ctx, sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("speaker already opened at %d Hz, want %d Hz", otoRate, sampleRate)
	}
	return otoCtx, nil
}

type SpeakerConfig struct {
	SampleRate int
	// Buffer is the device-side latency budget.
	Buffer time.Duration
}

// Speaker is a playback.Engine whose clock advances as the output device
// consumes mixed audio.
type Speaker struct {
	*playback.Mixer

	player    *oto.Player
	closeOnce sync.Once
}

func OpenSpeaker(cfg SpeakerConfig) (*Speaker, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("speaker sample rate must be > 0")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = defaultOutputBuffer
	}
	ctx, err := sharedOtoContext(cfg.SampleRate, cfg.Buffer)
	if err != nil {
		return nil, err
	}
	mixer := playback.NewMixer(cfg.SampleRate)
	player := ctx.NewPlayer(mixer)
	player.SetBufferSize(bufferBytes(cfg.SampleRate, cfg.Buffer))
	player.Play()
	return &Speaker{Mixer: mixer, player: player}, nil
}

func (s *Speaker) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.player.Pause()
		err = s.player.Close()
	})
	return err
}
