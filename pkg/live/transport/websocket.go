package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicechat/pkg/live/protocol"
)

const (
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	inboundBuffer           = 64
)

type WebSocketConfig struct {
	// URL is the gateway base URL; http(s) schemes are mapped to ws(s).
	URL      string
	APIKey   string
	Model    string
	System   string
	VoiceID  string
	Language string

	InputSampleRate  int
	OutputSampleRate int

	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	Header           http.Header
	Logger           *slog.Logger
}

// WebSocketDialer speaks the JSON live protocol: hello / hello_ack, then
// audio_frame out and server_content in.
type WebSocketDialer struct {
	cfg    WebSocketConfig
	wsURL  string
	dialer *websocket.Dialer
}

func NewWebSocketDialer(cfg WebSocketConfig) (*WebSocketDialer, error) {
	wsURL, err := LiveWSURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid live url: %w", err)
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, fmt.Errorf("model is required")
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = protocol.DefaultInputSampleRateHz
	}
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = protocol.DefaultOutputSampleRateHz
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &WebSocketDialer{
		cfg:    cfg,
		wsURL:  wsURL,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
	}, nil
}

func (d *WebSocketDialer) hello() protocol.ClientHello {
	hello := protocol.ClientHello{
		Type:            "hello",
		ProtocolVersion: protocol.ProtocolVersion1,
		Model:           strings.TrimSpace(d.cfg.Model),
		System:          d.cfg.System,
		AudioIn: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCM16LE,
			SampleRateHz: d.cfg.InputSampleRate,
			Channels:     1,
		},
		AudioOut: protocol.AudioFormat{
			Encoding:     protocol.EncodingPCM16LE,
			SampleRateHz: d.cfg.OutputSampleRate,
			Channels:     1,
		},
	}
	if key := strings.TrimSpace(d.cfg.APIKey); key != "" {
		hello.Auth = &protocol.HelloAuth{Mode: "api_key", APIKey: key}
	}
	if d.cfg.VoiceID != "" || d.cfg.Language != "" {
		hello.Voice = &protocol.HelloVoice{
			VoiceID:  strings.TrimSpace(d.cfg.VoiceID),
			Language: strings.TrimSpace(d.cfg.Language),
		}
	}
	return hello
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	hello := d.hello()
	if err := protocol.ValidateHello(hello); err != nil {
		return nil, err
	}

	headers := d.cfg.Header.Clone()
	if headers == nil {
		headers = make(http.Header)
	}
	if key := strings.TrimSpace(d.cfg.APIKey); key != "" {
		headers.Set("Authorization", "Bearer "+key)
	}

	dialCtx, cancel := context.WithTimeout(ctx, d.cfg.HandshakeTimeout)
	defer cancel()

	conn, resp, err := d.dialer.DialContext(dialCtx, d.wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s failed (status %d): %w", d.wsURL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", d.wsURL, err)
	}

	// Abort the handshake promptly if the caller gives up.
	stop := context.AfterFunc(dialCtx, func() { _ = conn.Close() })
	ack, err := d.handshake(conn, hello)
	if !stop() {
		_ = conn.Close()
		if err == nil {
			err = dialCtx.Err()
		}
		return nil, fmt.Errorf("live handshake: %w", err)
	}
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("live handshake: %w", err)
	}

	outRate := d.cfg.OutputSampleRate
	if ack.AudioOut.SampleRateHz > 0 {
		outRate = ack.AudioOut.SampleRateHz
	}
	d.cfg.Logger.Info("live session connected", "session_id", ack.SessionID, "url", d.wsURL)

	c := &wsConn{
		conn:         conn,
		sessionID:    ack.SessionID,
		outMIME:      protocol.PCMMIMEType(outRate),
		writeTimeout: d.cfg.WriteTimeout,
		logger:       d.cfg.Logger,
		recv:         newReceiver(inboundBuffer),
	}
	go c.recv.run(c.read)
	return c, nil
}

func (d *WebSocketDialer) handshake(conn *websocket.Conn, hello protocol.ClientHello) (protocol.ServerHelloAck, error) {
	d.cfg.Logger.Debug("sending live hello", "hello", hello.RedactedForLog())

	_ = conn.SetWriteDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
	if err := conn.WriteJSON(hello); err != nil {
		return protocol.ServerHelloAck{}, fmt.Errorf("send hello: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(d.cfg.HandshakeTimeout))
	typ, data, err := conn.ReadMessage()
	if err != nil {
		return protocol.ServerHelloAck{}, fmt.Errorf("read hello_ack: %w", err)
	}
	if typ != websocket.TextMessage {
		return protocol.ServerHelloAck{}, fmt.Errorf("expected hello_ack text frame, got messageType=%d", typ)
	}
	ack, err := protocol.DecodeHelloAck(data)
	if err != nil {
		return protocol.ServerHelloAck{}, err
	}
	_ = conn.SetReadDeadline(time.Time{})
	_ = conn.SetWriteDeadline(time.Time{})
	return ack, nil
}

type wsConn struct {
	conn         *websocket.Conn
	sessionID    string
	outMIME      string
	writeTimeout time.Duration
	logger       *slog.Logger
	recv         *receiver

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// SessionID returns the id assigned by the server in hello_ack.
func (c *wsConn) SessionID() string { return c.sessionID }

func (c *wsConn) SendAudio(ctx context.Context, frame protocol.AudioFrame) error {
	return c.sendJSON(ctx, protocol.NewClientAudioFrame(frame))
}

func (c *wsConn) sendJSON(ctx context.Context, v any) error {
	if c.recv.stopping() {
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) read() (protocol.Message, error) {
	typ, data, err := c.conn.ReadMessage()
	if err != nil {
		if c.recv.stopping() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return protocol.Message{}, ErrClosed
		}
		return protocol.Message{}, fmt.Errorf("read live frame: %w", err)
	}

	switch typ {
	case websocket.TextMessage:
		return protocol.DecodeServerMessage(data)
	case websocket.BinaryMessage:
		// Binary frames carry raw assistant PCM at the negotiated output rate.
		if len(data) == 0 {
			return protocol.Message{}, nil
		}
		return protocol.NewMessage(protocol.AudioChunk{Data: data, MIMEType: c.outMIME}), nil
	default:
		return protocol.Message{}, nil
	}
}

func (c *wsConn) Receive(ctx context.Context) (protocol.Message, error) {
	return c.recv.receive(ctx)
}

func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		_ = c.sendJSON(context.Background(), protocol.ClientControl{Type: "control", Op: "end_session"})
		c.recv.stop()

		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		c.writeMu.Unlock()
		err = c.conn.Close()
		<-c.recv.done
	})
	return err
}

// LiveWSURL maps a gateway base URL to its live WebSocket endpoint.
func LiveWSURL(gateway string) (string, error) {
	raw := strings.TrimSpace(gateway)
	if raw == "" {
		return "", fmt.Errorf("empty gateway")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}

	path := strings.TrimSuffix(u.Path, "/")
	if !strings.HasSuffix(path, "/v1/live") {
		path += "/v1/live"
	}
	u.Path = path
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
