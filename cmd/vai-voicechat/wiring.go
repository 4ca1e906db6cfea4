package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/vango-go/vai-voicechat/internal/config"
	"github.com/vango-go/vai-voicechat/pkg/live/device"
	"github.com/vango-go/vai-voicechat/pkg/live/metrics"
	"github.com/vango-go/vai-voicechat/pkg/live/session"
	"github.com/vango-go/vai-voicechat/pkg/live/transcript"
	"github.com/vango-go/vai-voicechat/pkg/live/transport"
)

type sessionCallbacks struct {
	status     func(session.ConnectionState)
	transcript func(transcript.Update)
	volume     func(session.VolumeSource, float64)
}

func newDialer(cfg *config.Config, logger *slog.Logger) (transport.Dialer, error) {
	model := cfg.Model
	if model == "" {
		model = transport.DefaultGeminiModel
	}
	switch cfg.Transport {
	case config.TransportGemini:
		return transport.NewGeminiDialer(transport.GeminiConfig{
			APIKey:           cfg.APIKey,
			Model:            model,
			Voice:            cfg.Voice,
			Language:         cfg.Language,
			System:           cfg.SystemPrompt,
			InputSampleRate:  cfg.Audio.InputSampleRate,
			OutputSampleRate: cfg.Audio.OutputSampleRate,
			Logger:           logger,
		})
	case config.TransportWebSocket:
		return transport.NewWebSocketDialer(transport.WebSocketConfig{
			URL:              cfg.URL,
			APIKey:           cfg.APIKey,
			Model:            model,
			System:           cfg.SystemPrompt,
			VoiceID:          cfg.Voice,
			Language:         cfg.Language,
			InputSampleRate:  cfg.Audio.InputSampleRate,
			OutputSampleRate: cfg.Audio.OutputSampleRate,
			Logger:           logger,
		})
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}

func newSession(cfg *config.Config, cb sessionCallbacks, m *metrics.Metrics, logger *slog.Logger) (*session.Session, error) {
	dialer, err := newDialer(cfg, logger)
	if err != nil {
		return nil, err
	}
	a := cfg.Audio
	return session.New(session.Config{
		Dialer: dialer,
		OpenSpeaker: func(context.Context) (session.Speaker, error) {
			sp, err := device.OpenSpeaker(device.SpeakerConfig{SampleRate: a.OutputSampleRate, Buffer: a.OutputBuffer()})
			if err != nil {
				return nil, err
			}
			return sp, nil
		},
		OpenMicrophone: func(context.Context) (session.Microphone, error) {
			mic, err := device.OpenMicrophone(device.MicrophoneConfig{SampleRate: a.InputSampleRate, Logger: logger})
			if err != nil {
				return nil, err
			}
			return mic, nil
		},
		InputSampleRate:   a.InputSampleRate,
		OutputSampleRate:  a.OutputSampleRate,
		WindowSize:        a.WindowSize,
		MaxPendingFrames:  a.MaxPendingFrames,
		DecodeConcurrency: a.DecodeConcurrency,
		VolumeGain:        a.VolumeGain,
		SpeakingVolume:    a.SpeakingVolume,
		OnStatus:          cb.status,
		OnTranscript:      cb.transcript,
		OnVolume:          cb.volume,
		Metrics:           m,
		Logger:            logger,
	})
}
