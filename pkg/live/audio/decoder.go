package audio

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"strconv"
	"strings"
)

var (
	ErrOddLength       = errors.New("audio: pcm16 payload has odd length")
	ErrEmptyChunk      = errors.New("audio: empty chunk")
	ErrUnsupportedType = errors.New("audio: unsupported mime type")
)

// Decoder turns one encoded audio chunk into a playable Buffer.
type Decoder interface {
	Decode(ctx context.Context, data []byte, mimeType string) (*Buffer, error)
}

// PCMDecoder decodes raw PCM16LE chunks. The sample rate comes from the
// mime type's rate parameter, falling back to DefaultRate.
type PCMDecoder struct {
	DefaultRate int
}

func (d PCMDecoder) Decode(ctx context.Context, data []byte, mimeType string) (*Buffer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyChunk
	}
	if len(data)%2 != 0 {
		return nil, ErrOddLength
	}
	rate, err := ParsePCMRate(mimeType, d.DefaultRate)
	if err != nil {
		return nil, err
	}
	return &Buffer{Samples: DecodePCM16LE(data), SampleRate: rate}, nil
}

// ParsePCMRate extracts the sample rate from an "audio/pcm;rate=N" style
// mime type. An empty mime type yields fallback.
func ParsePCMRate(mimeType string, fallback int) (int, error) {
	if fallback <= 0 {
		fallback = 24000
	}
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return fallback, nil
	}
	mediaType, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
	switch mediaType {
	case "audio/pcm", "audio/l16", "audio/x-pcm":
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedType, mimeType)
	}
	raw, ok := params["rate"]
	if !ok {
		return fallback, nil
	}
	rate, err := strconv.Atoi(raw)
	if err != nil || rate <= 0 {
		return 0, fmt.Errorf("%w: bad rate %q", ErrUnsupportedType, raw)
	}
	return rate, nil
}
