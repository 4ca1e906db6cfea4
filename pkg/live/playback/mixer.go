package playback

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/vango-go/vai-voicechat/pkg/live/audio"
)

// Mixer is a software Engine. Scheduled buffers are summed into PCM16LE as
// the output device pulls bytes through Read; its clock is the number of
// frames rendered so far.
type Mixer struct {
	rate int

	mu      sync.Mutex
	pos     int64
	voices  map[uint64]*mixVoice
	nextID  uint64
	scratch []float32
}

type mixVoice struct {
	m       *Mixer
	id      uint64
	start   int64
	samples []float32
	ended   func()
}

func NewMixer(sampleRate int) *Mixer {
	if sampleRate <= 0 {
		sampleRate = 24000
	}
	return &Mixer{rate: sampleRate, voices: make(map[uint64]*mixVoice)}
}

func (m *Mixer) SampleRate() int { return m.rate }

// Now returns the playback clock in seconds.
func (m *Mixer) Now() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return float64(m.pos) / float64(m.rate)
}

func (m *Mixer) Start(buf *audio.Buffer, at float64, ended func()) (Voice, error) {
	if buf == nil || len(buf.Samples) == 0 {
		return nil, fmt.Errorf("mixer: empty buffer")
	}
	samples := buf.Samples
	if buf.SampleRate != m.rate {
		samples = audio.Resample(buf.Samples, buf.SampleRate, m.rate)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	start := int64(math.Round(at * float64(m.rate)))
	if start < m.pos {
		start = m.pos
	}
	v := &mixVoice{m: m, id: m.nextID, start: start, samples: samples, ended: ended}
	m.nextID++
	m.voices[v.id] = v
	return v, nil
}

func (v *mixVoice) Stop() {
	v.m.mu.Lock()
	delete(v.m.voices, v.id)
	v.m.mu.Unlock()
}

// Active returns the number of voices not yet finished.
func (m *Mixer) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.voices)
}

// Read renders len(p)/2 mono PCM16LE frames and advances the clock. It
// never blocks and never returns an error; silence is rendered when idle.
func (m *Mixer) Read(p []byte) (int, error) {
	frames := len(p) / 2
	if frames == 0 {
		return 0, nil
	}

	m.mu.Lock()
	if cap(m.scratch) < frames {
		m.scratch = make([]float32, frames)
	}
	mix := m.scratch[:frames]
	clear(mix)

	from, to := m.pos, m.pos+int64(frames)
	var finished []func()
	for id, v := range m.voices {
		end := v.start + int64(len(v.samples))
		lo := max(v.start, from)
		hi := min(end, to)
		for f := lo; f < hi; f++ {
			mix[f-from] += v.samples[f-v.start]
		}
		if end <= to {
			delete(m.voices, id)
			if v.ended != nil {
				finished = append(finished, v.ended)
			}
		}
	}
	m.pos = to

	for i, s := range mix {
		binary.LittleEndian.PutUint16(p[i*2:], uint16(sampleToInt16(s)))
	}
	m.mu.Unlock()

	for _, fn := range finished {
		fn()
	}
	return frames * 2, nil
}

func sampleToInt16(s float32) int16 {
	switch {
	case s >= 1:
		return math.MaxInt16
	case s <= -1:
		return math.MinInt16
	default:
		return int16(s * math.MaxInt16)
	}
}
