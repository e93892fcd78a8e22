package engine

import (
	"context"
	"math"
	"time"
)

// DefaultMockSpeakers mirrors the built-in voice names of the upstream model.
var DefaultMockSpeakers = []string{"中文女", "中文男", "英文女", "英文男"}

type mockEngine struct {
	sampleRate int
	speakers   []string
	perChar    time.Duration
}

// NewMock returns a deterministic tone generator with the given rate and
// built-in voices.
func NewMock(sampleRate int, speakers []string) Engine {
	return &mockEngine{sampleRate: sampleRate, speakers: append([]string(nil), speakers...), perChar: 80 * time.Millisecond}
}

// NewMockLoader adapts NewMock to the gateway's Loader signature.
func NewMockLoader(sampleRate int, speakers []string) Loader {
	return func(context.Context, string) (Engine, error) {
		return NewMock(sampleRate, speakers), nil
	}
}

func (m *mockEngine) ZeroShot(ctx context.Context, text, _, _ string) ([]Segment, error) {
	return m.generate(ctx, text, 220)
}

func (m *mockEngine) CrossLingual(ctx context.Context, text, _ string) ([]Segment, error) {
	return m.generate(ctx, text, 247)
}

func (m *mockEngine) Instruct(ctx context.Context, text, _, _ string) ([]Segment, error) {
	return m.generate(ctx, text, 262)
}

func (m *mockEngine) Sft(ctx context.Context, text, _ string) ([]Segment, error) {
	return m.generate(ctx, text, 294)
}

func (m *mockEngine) Speakers() []string { return append([]string(nil), m.speakers...) }

func (m *mockEngine) SampleRate() int { return m.sampleRate }

func (m *mockEngine) Close() error { return nil }

// generate emits one segment per sentence-sized chunk of runes.
func (m *mockEngine) generate(ctx context.Context, text string, freq float64) ([]Segment, error) {
	const chunkRunes = 40
	runes := []rune(text)
	var segments []Segment
	for start := 0; start < len(runes); start += chunkRunes {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		end := min(start+chunkRunes, len(runes))
		n := int(float64(end-start) * m.perChar.Seconds() * float64(m.sampleRate))
		samples := make([]float32, n)
		for i := range samples {
			samples[i] = float32(0.3 * math.Sin(2*math.Pi*freq*float64(i)/float64(m.sampleRate)))
		}
		segments = append(segments, Segment{Samples: samples, SampleRate: m.sampleRate})
	}
	return segments, nil
}
