// Package protocol defines the wire model of a live voice session: the
// outbound audio frame, the inbound tagged-union message and the JSON frames
// of the WebSocket live protocol.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

const (
	ProtocolVersion1 = "1"

	EncodingPCM16LE = "pcm_s16le"

	DefaultInputSampleRateHz  = 16000
	DefaultOutputSampleRateHz = 24000
)

type DecodeError struct {
	Code    string
	Message string
	Param   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	if strings.TrimSpace(e.Param) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Param)
}

func badRequest(message, param string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message, Param: param}
}

func unsupported(message, param string) *DecodeError {
	return &DecodeError{Code: "unsupported", Message: message, Param: param}
}

// Speaker identifies who produced a transcript.
type Speaker int

const (
	SpeakerUser Speaker = iota
	SpeakerModel
)

func (s Speaker) String() string {
	switch s {
	case SpeakerUser:
		return "user"
	case SpeakerModel:
		return "model"
	default:
		return "unknown"
	}
}

// PCMMIMEType returns the MIME type used for raw PCM16LE audio at rate.
func PCMMIMEType(sampleRateHz int) string {
	return fmt.Sprintf("audio/pcm;rate=%d", sampleRateHz)
}

// AudioFrame is one outbound capture window encoded as PCM16LE.
type AudioFrame struct {
	Seq      int64
	PCM      []byte
	MIMEType string
}

// Event is one element of an inbound Message.
type Event interface {
	eventRank() int
}

// TranscriptDelta carries incremental transcript text for one speaker.
type TranscriptDelta struct {
	Speaker Speaker
	Text    string
}

// TurnComplete marks the end of the current turn for every speaker.
type TurnComplete struct{}

// AudioChunk is one unit of synthesized audio, still encoded.
type AudioChunk struct {
	Data     []byte
	MIMEType string
}

// Interrupted signals that the current model turn was preempted.
type Interrupted struct{}

// ServerError is a fatal error reported by the remote service.
type ServerError struct {
	Code    string
	Message string
}

func (e ServerError) Error() string {
	if strings.TrimSpace(e.Code) == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

func (TranscriptDelta) eventRank() int { return 0 }
func (TurnComplete) eventRank() int    { return 1 }
func (AudioChunk) eventRank() int      { return 2 }
func (Interrupted) eventRank() int     { return 3 }
func (ServerError) eventRank() int     { return 4 }

// Message is one inbound server message. Its events are always ordered
// transcript, turn-complete, audio, interruption, error; relative order
// within a kind is preserved.
type Message struct {
	events []Event
}

// NewMessage builds a Message from events in any order.
func NewMessage(events ...Event) Message {
	out := make([]Event, 0, len(events))
	for _, ev := range events {
		if ev != nil {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].eventRank() < out[j].eventRank()
	})
	return Message{events: out}
}

// Events returns the message events in application order.
func (m Message) Events() []Event {
	return m.events
}

// Empty reports whether the message carries no events.
func (m Message) Empty() bool {
	return len(m.events) == 0
}

// AudioFormat describes negotiated live audio shape.
type AudioFormat struct {
	Encoding     string `json:"encoding"`
	SampleRateHz int    `json:"sample_rate_hz"`
	Channels     int    `json:"channels"`
}

type HelloAuth struct {
	Mode   string `json:"mode,omitempty"`
	APIKey string `json:"api_key,omitempty"`
}

type HelloVoice struct {
	Language string `json:"language,omitempty"`
	VoiceID  string `json:"voice_id,omitempty"`
}

type ClientHello struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	Auth            *HelloAuth  `json:"auth,omitempty"`
	Model           string      `json:"model"`
	System          string      `json:"system,omitempty"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
	Voice           *HelloVoice `json:"voice,omitempty"`
}

// RedactedForLog returns hello fields that are safe to log.
func (h ClientHello) RedactedForLog() map[string]any {
	return map[string]any{
		"type":             h.Type,
		"protocol_version": h.ProtocolVersion,
		"model":            h.Model,
		"audio_in":         h.AudioIn,
		"audio_out":        h.AudioOut,
		"has_api_key":      h.Auth != nil && strings.TrimSpace(h.Auth.APIKey) != "",
	}
}

func ValidateHello(msg ClientHello) error {
	if strings.TrimSpace(msg.ProtocolVersion) == "" {
		return badRequest("hello.protocol_version is required", "protocol_version")
	}
	if strings.TrimSpace(msg.Model) == "" {
		return badRequest("hello.model is required", "model")
	}
	if strings.TrimSpace(msg.AudioIn.Encoding) == "" {
		return badRequest("hello.audio_in.encoding is required", "audio_in.encoding")
	}
	if msg.AudioIn.SampleRateHz <= 0 {
		return badRequest("hello.audio_in.sample_rate_hz must be > 0", "audio_in.sample_rate_hz")
	}
	if msg.AudioIn.Channels != 1 {
		return unsupported("hello.audio_in.channels must be 1", "audio_in.channels")
	}
	if strings.TrimSpace(msg.AudioOut.Encoding) == "" {
		return badRequest("hello.audio_out.encoding is required", "audio_out.encoding")
	}
	if msg.AudioOut.SampleRateHz <= 0 {
		return badRequest("hello.audio_out.sample_rate_hz must be > 0", "audio_out.sample_rate_hz")
	}
	if msg.AudioOut.Channels != 1 {
		return unsupported("hello.audio_out.channels must be 1", "audio_out.channels")
	}
	return nil
}

type ClientAudioFrame struct {
	Type     string `json:"type"`
	Seq      int64  `json:"seq,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	DataB64  string `json:"data_b64"`
}

// NewClientAudioFrame wraps an outbound frame in its JSON envelope.
func NewClientAudioFrame(frame AudioFrame) ClientAudioFrame {
	return ClientAudioFrame{
		Type:     "audio_frame",
		Seq:      frame.Seq,
		MIMEType: frame.MIMEType,
		DataB64:  base64.StdEncoding.EncodeToString(frame.PCM),
	}
}

type ClientControl struct {
	Type string `json:"type"`
	Op   string `json:"op"`
}

type ServerHelloAck struct {
	Type            string      `json:"type"`
	ProtocolVersion string      `json:"protocol_version"`
	SessionID       string      `json:"session_id"`
	AudioIn         AudioFormat `json:"audio_in"`
	AudioOut        AudioFormat `json:"audio_out"`
}

type ServerErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerWarning struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ServerTranscription struct {
	Text string `json:"text"`
}

type ServerAudio struct {
	MIMEType string `json:"mime_type,omitempty"`
	DataB64  string `json:"data_b64"`
}

type ServerContent struct {
	Type                string               `json:"type"`
	InputTranscription  *ServerTranscription `json:"input_transcription,omitempty"`
	OutputTranscription *ServerTranscription `json:"output_transcription,omitempty"`
	TurnComplete        bool                 `json:"turn_complete,omitempty"`
	Audio               []ServerAudio        `json:"audio,omitempty"`
	Interrupted         bool                 `json:"interrupted,omitempty"`
}

// FrameType extracts the type tag of a JSON frame.
func FrameType(data []byte) (string, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return "", badRequest("invalid json frame", "")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return "", badRequest("missing type", "type")
	}
	return typ, nil
}

// DecodeHelloAck parses the handshake reply. A server error frame is
// returned as ServerError.
func DecodeHelloAck(data []byte) (ServerHelloAck, error) {
	typ, err := FrameType(data)
	if err != nil {
		return ServerHelloAck{}, err
	}
	switch typ {
	case "hello_ack":
		var ack ServerHelloAck
		if err := json.Unmarshal(data, &ack); err != nil {
			return ServerHelloAck{}, badRequest("invalid hello_ack", "")
		}
		if strings.TrimSpace(ack.SessionID) == "" {
			return ServerHelloAck{}, badRequest("hello_ack.session_id is required", "session_id")
		}
		return ack, nil
	case "error":
		var se ServerErrorFrame
		if err := json.Unmarshal(data, &se); err != nil {
			return ServerHelloAck{}, badRequest("invalid error frame", "")
		}
		return ServerHelloAck{}, ServerError{Code: se.Code, Message: se.Message}
	default:
		return ServerHelloAck{}, badRequest(fmt.Sprintf("expected hello_ack, got %q", typ), "type")
	}
}

// DecodeServerMessage converts one JSON server frame into a Message.
// Warnings and unknown frame types decode to an empty Message.
func DecodeServerMessage(data []byte) (Message, error) {
	typ, err := FrameType(data)
	if err != nil {
		return Message{}, err
	}

	switch typ {
	case "server_content":
		var sc ServerContent
		if err := json.Unmarshal(data, &sc); err != nil {
			return Message{}, badRequest("invalid server_content", "")
		}
		return sc.toMessage()
	case "error":
		var se ServerErrorFrame
		if err := json.Unmarshal(data, &se); err != nil {
			return Message{}, badRequest("invalid error frame", "")
		}
		return NewMessage(ServerError{Code: se.Code, Message: se.Message}), nil
	default:
		return Message{}, nil
	}
}

func (sc ServerContent) toMessage() (Message, error) {
	events := make([]Event, 0, 4+len(sc.Audio))
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		events = append(events, TranscriptDelta{Speaker: SpeakerUser, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		events = append(events, TranscriptDelta{Speaker: SpeakerModel, Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		events = append(events, TurnComplete{})
	}
	for i, a := range sc.Audio {
		if strings.TrimSpace(a.DataB64) == "" {
			continue
		}
		data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(a.DataB64))
		if err != nil {
			return Message{}, badRequest("invalid base64 audio", fmt.Sprintf("audio[%d].data_b64", i))
		}
		events = append(events, AudioChunk{Data: data, MIMEType: a.MIMEType})
	}
	if sc.Interrupted {
		events = append(events, Interrupted{})
	}
	return NewMessage(events...), nil
}
