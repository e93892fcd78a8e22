// Package dispatch validates a synthesis request against its mode, resolves
// the reference voice and calls the matching engine operation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/engine"
	"github.com/loqalabs/loqa-clone/internal/ingest"
	"github.com/loqalabs/loqa-clone/internal/protocol"
)

// fallbackPromptRunes bounds the transcript hint borrowed from the target text.
const fallbackPromptRunes = 50

// ValidationError is a missing or contradictory request field.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// EngineError is a failure raised by the engine during inference.
type EngineError struct {
	Op  string
	Err error
}

func (e *EngineError) Error() string { return fmt.Sprintf("%s: %v", e.Op, e.Err) }

func (e *EngineError) Unwrap() error { return e.Err }

type Ingester interface {
	Normalize(ctx context.Context, source string) (*ingest.Reference, error)
}

type EngineProvider interface {
	Engine(ctx context.Context) (engine.Engine, error)
}

type Dispatcher struct {
	ingest  Ingester
	engines EngineProvider
	logger  *slog.Logger
}

func New(ingester Ingester, engines EngineProvider, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		ingest:  ingester,
		engines: engines,
		logger:  logger.With(slog.String("component", "dispatcher")),
	}
}

// IsPing reports whether the request is the liveness sentinel.
func IsPing(req protocol.SynthesisRequest) bool {
	return strings.TrimSpace(req.Text) == protocol.PingText
}

// NormalizeMode maps an empty mode to zero_shot.
func NormalizeMode(mode string) string {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		return protocol.ModeZeroShot
	}
	return mode
}

// Validate checks the fields each mode requires. It never touches a
// collaborator.
func Validate(req protocol.SynthesisRequest) error {
	if strings.TrimSpace(req.Text) == "" {
		return &ValidationError{Msg: "text is required"}
	}
	hasAudio := strings.TrimSpace(req.PromptAudio) != ""
	switch mode := NormalizeMode(req.Mode); mode {
	case protocol.ModeZeroShot, protocol.ModeCrossLingual:
		if !hasAudio {
			return &ValidationError{Msg: "prompt_audio required for " + mode}
		}
	case protocol.ModeInstruct:
		if !hasAudio || strings.TrimSpace(req.InstructText) == "" {
			return &ValidationError{Msg: "prompt_audio and instruct_text required"}
		}
	case protocol.ModeSft:
	default:
		return &ValidationError{Msg: "Unknown mode: " + req.Mode}
	}
	return nil
}

// FallbackPromptText is the transcript hint used when zero_shot arrives
// without one: the first 50 characters of the target text.
func FallbackPromptText(text string) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) > fallbackPromptRunes {
		runes = runes[:fallbackPromptRunes]
	}
	return string(runes)
}

// Synthesize runs the engine for req and concatenates its output. The
// normalized reference is released before returning on every path.
func (d *Dispatcher) Synthesize(ctx context.Context, req protocol.SynthesisRequest) (audio.Waveform, error) {
	if err := Validate(req); err != nil {
		return audio.Waveform{}, err
	}
	mode := NormalizeMode(req.Mode)
	text := strings.TrimSpace(req.Text)

	eng, err := d.engines.Engine(ctx)
	if err != nil {
		return audio.Waveform{}, err
	}

	var ref *ingest.Reference
	if mode != protocol.ModeSft {
		ref, err = d.ingest.Normalize(ctx, req.PromptAudio)
		if err != nil {
			return audio.Waveform{}, err
		}
		defer func() {
			if err := ref.Release(); err != nil {
				d.logger.Warn("failed to release reference audio", slog.String("error", err.Error()))
			}
		}()
	}

	var segments []engine.Segment
	switch mode {
	case protocol.ModeZeroShot:
		promptText := strings.TrimSpace(req.PromptText)
		if promptText == "" {
			promptText = FallbackPromptText(text)
			d.logger.Debug("using fallback prompt text", slog.String("prompt_text", promptText))
		}
		segments, err = eng.ZeroShot(ctx, text, promptText, ref.Path)
	case protocol.ModeCrossLingual:
		segments, err = eng.CrossLingual(ctx, text, ref.Path)
	case protocol.ModeInstruct:
		segments, err = eng.Instruct(ctx, text, strings.TrimSpace(req.InstructText), ref.Path)
	case protocol.ModeSft:
		var speaker string
		speaker, err = engine.ResolveSpeaker(eng, strings.TrimSpace(req.SpeakerID))
		if err == nil {
			segments, err = eng.Sft(ctx, text, speaker)
		}
	}
	if err != nil {
		return audio.Waveform{}, &EngineError{Op: mode, Err: err}
	}
	if len(segments) == 0 {
		return audio.Waveform{}, &EngineError{Op: mode, Err: engine.ErrNoAudio}
	}

	rate := eng.SampleRate()
	if rate <= 0 {
		rate = segments[0].SampleRate
	}
	parts := make([][]float32, len(segments))
	for i, s := range segments {
		parts[i] = s.Samples
	}
	return audio.Concat(rate, parts...), nil
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var verr *ValidationError
	return errors.As(err, &verr)
}
