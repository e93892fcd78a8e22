package engine

import (
	"context"
	"errors"
)

var (
	// ErrFatal marks a failed first-time initialization. The process cannot
	// serve requests after it.
	ErrFatal = errors.New("engine initialization failed")
	// ErrNoSpeakers is returned for sft requests when no speaker was given and
	// the engine exposes no built-in voices.
	ErrNoSpeakers = errors.New("no speakers available")
	// ErrNoAudio is returned when the engine yields zero segments.
	ErrNoAudio = errors.New("no audio generated")
)

// Segment is one chunk of engine output.
type Segment struct {
	Samples    []float32
	SampleRate int
}

// Engine is the synthesis collaborator. Every operation runs non-streaming
// and returns the complete segment sequence. refPath points at a 16 kHz mono
// PCM WAV file.
type Engine interface {
	ZeroShot(ctx context.Context, text, promptText, refPath string) ([]Segment, error)
	CrossLingual(ctx context.Context, text, refPath string) ([]Segment, error)
	Instruct(ctx context.Context, text, instructText, refPath string) ([]Segment, error)
	Sft(ctx context.Context, text, speakerID string) ([]Segment, error)
	Speakers() []string
	SampleRate() int
	Close() error
}

// ResolveSpeaker returns speakerID, or the engine's first built-in voice when
// speakerID is blank.
func ResolveSpeaker(e Engine, speakerID string) (string, error) {
	if speakerID != "" {
		return speakerID, nil
	}
	speakers := e.Speakers()
	if len(speakers) == 0 {
		return "", ErrNoSpeakers
	}
	return speakers[0], nil
}
