package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
)

const DefaultGeminiModel = "gemini-2.5-flash-native-audio-preview-09-2025"

type GeminiConfig struct {
	APIKey   string
	Model    string
	Voice    string
	Language string
	System   string

	InputSampleRate  int
	OutputSampleRate int

	Logger *slog.Logger
}

// GeminiDialer connects to the Gemini Live API with audio responses and
// both input and output transcription enabled.
type GeminiDialer struct {
	cfg GeminiConfig
}

func NewGeminiDialer(cfg GeminiConfig) (*GeminiDialer, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = DefaultGeminiModel
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = protocol.DefaultInputSampleRateHz
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = protocol.DefaultOutputSampleRateHz
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &GeminiDialer{cfg: cfg}, nil
}

func (d *GeminiDialer) connectConfig() *genai.LiveConnectConfig {
	cc := &genai.LiveConnectConfig{
		ResponseModalities:       []genai.Modality{genai.ModalityAudio},
		InputAudioTranscription:  &genai.AudioTranscriptionConfig{},
		OutputAudioTranscription: &genai.AudioTranscriptionConfig{},
	}
	if voice := strings.TrimSpace(d.cfg.Voice); voice != "" || d.cfg.Language != "" {
		cc.SpeechConfig = &genai.SpeechConfig{LanguageCode: strings.TrimSpace(d.cfg.Language)}
		if voice != "" {
			cc.SpeechConfig.VoiceConfig = &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			}
		}
	}
	if strings.TrimSpace(d.cfg.System) != "" {
		cc.SystemInstruction = genai.NewContentFromText(d.cfg.System, genai.RoleUser)
	}
	return cc
}

func (d *GeminiDialer) Dial(ctx context.Context) (Conn, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  d.cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	session, err := client.Live.Connect(ctx, d.cfg.Model, d.connectConfig())
	if err != nil {
		return nil, fmt.Errorf("connect gemini live %s: %w", d.cfg.Model, err)
	}
	d.cfg.Logger.Info("gemini live connected", "model", d.cfg.Model)

	c := &geminiConn{
		session: session,
		outRate: d.cfg.OutputSampleRate,
		logger:  d.cfg.Logger,
		recv:    newReceiver(inboundBuffer),
	}
	go c.recv.run(c.read)
	return c, nil
}

type geminiConn struct {
	session *genai.Session
	outRate int
	logger  *slog.Logger
	recv    *receiver

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *geminiConn) SendAudio(ctx context.Context, frame protocol.AudioFrame) error {
	if c.recv.stopping() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{Data: frame.PCM, MIMEType: frame.MIMEType},
	})
}

func (c *geminiConn) read() (protocol.Message, error) {
	msg, err := c.session.Receive()
	if err != nil {
		if c.recv.stopping() || isNormalClose(err) {
			return protocol.Message{}, ErrClosed
		}
		return protocol.Message{}, fmt.Errorf("receive gemini message: %w", err)
	}
	if msg.GoAway != nil {
		c.logger.Warn("gemini live go_away", "time_left", msg.GoAway.TimeLeft)
	}
	return messageFromGemini(msg, c.outRate), nil
}

func (c *geminiConn) Receive(ctx context.Context) (protocol.Message, error) {
	return c.recv.receive(ctx)
}

func (c *geminiConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.recv.stop()
		c.sendMu.Lock()
		err = c.session.Close()
		c.sendMu.Unlock()
		<-c.recv.done
	})
	return err
}

func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}

// messageFromGemini maps one Live API server message onto the session's
// event model. Audio parts without a MIME type are assumed to be PCM at
// outRate.
func messageFromGemini(msg *genai.LiveServerMessage, outRate int) protocol.Message {
	if msg == nil || msg.ServerContent == nil {
		return protocol.Message{}
	}
	sc := msg.ServerContent

	var events []protocol.Event
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, protocol.TranscriptDelta{Speaker: protocol.SpeakerUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, protocol.TranscriptDelta{Speaker: protocol.SpeakerModel, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		events = append(events, protocol.TurnComplete{})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			mimeType := part.InlineData.MIMEType
			if mimeType == "" {
				mimeType = protocol.PCMMIMEType(outRate)
			}
			if !strings.HasPrefix(mimeType, "audio/") {
				continue
			}
			events = append(events, protocol.AudioChunk{Data: part.InlineData.Data, MIMEType: mimeType})
		}
	}
	if sc.Interrupted {
		events = append(events, protocol.Interrupted{})
	}
	return protocol.NewMessage(events...)
}
