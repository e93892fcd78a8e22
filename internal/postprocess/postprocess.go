// Package postprocess applies the best-effort corrections made to a combined
// waveform before encoding: the reference-leak trim and tempo adjustment.
package postprocess

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"unicode/utf8"

	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/protocol"
	"github.com/loqalabs/loqa-clone/internal/transcode"
)

type Processor struct {
	trim       config.LeakTrimConfig
	minSpeed   float64
	maxSpeed   float64
	transcoder transcode.Runner
	scratchDir string
	logger     *slog.Logger
}

func New(cfg config.PostProcessConfig, scratchDir string, transcoder transcode.Runner, logger *slog.Logger) *Processor {
	return &Processor{
		trim:       cfg.LeakTrim,
		minSpeed:   cfg.MinSpeed,
		maxSpeed:   cfg.MaxSpeed,
		transcoder: transcoder,
		scratchDir: scratchDir,
		logger:     logger.With(slog.String("component", "postprocess")),
	}
}

// Process never fails. A sub-step that cannot complete leaves the waveform
// as it was.
func (p *Processor) Process(ctx context.Context, wf audio.Waveform, mode string, speed float64, text string) audio.Waveform {
	if mode == protocol.ModeZeroShot {
		wf = p.trimLeak(wf, text)
	}
	if p.speedApplies(speed) {
		wf = p.tempo(ctx, wf, speed)
	}
	return wf
}

// TrimSeconds returns how much of the head to cut for the given text length
// and clip duration, or 0 when the clip looks plausible. The thresholds are
// empirical; a long output head is often reference audio leaking through.
func TrimSeconds(cfg config.LeakTrimConfig, chars int, actual float64) float64 {
	if !cfg.Enabled {
		return 0
	}
	expected := max(float64(chars)*cfg.SecondsPerChar, cfg.MinExpected)
	if actual <= expected*cfg.Ratio || actual <= cfg.AbsoluteFloor {
		return 0
	}
	return actual - expected*cfg.KeepMultiplier
}

func (p *Processor) trimLeak(wf audio.Waveform, text string) audio.Waveform {
	actual := wf.Seconds()
	cut := TrimSeconds(p.trim, utf8.RuneCountInString(text), actual)
	if cut <= 0 {
		return wf
	}
	p.logger.Info("trimming suspected reference leak",
		slog.Float64("duration_seconds", actual),
		slog.Float64("trim_seconds", cut),
	)
	wf.TrimHead(cut)
	return wf
}

// speedApplies treats out-of-range speeds as the identity.
func (p *Processor) speedApplies(speed float64) bool {
	if speed == 0 || speed == 1.0 {
		return false
	}
	return speed >= p.minSpeed && speed <= p.maxSpeed
}

func (p *Processor) tempo(ctx context.Context, wf audio.Waveform, speed float64) audio.Waveform {
	logger := p.logger.With(slog.Float64("speed", speed))
	in := transcode.ScratchPath(p.scratchDir, "tempo-in", ".wav")
	out := transcode.ScratchPath(p.scratchDir, "tempo-out", ".wav")
	defer os.Remove(in)
	defer os.Remove(out)

	if err := audio.WriteWAVFile(in, wf); err != nil {
		logger.Warn("tempo adjustment skipped", slog.String("error", err.Error()))
		return wf
	}
	filter := "atempo=" + strconv.FormatFloat(speed, 'f', -1, 64)
	if err := p.transcoder.Convert(ctx, in, out, "-filter:a", filter); err != nil {
		logger.Warn("tempo adjustment failed", slog.String("error", err.Error()))
		return wf
	}
	stretched, err := audio.ReadWAVFile(out)
	if err != nil {
		logger.Warn("tempo output unreadable", slog.String("error", err.Error()))
		return wf
	}
	if stretched.SampleRate != wf.SampleRate {
		stretched = audio.Waveform{
			Samples:    audio.Resample(stretched.Samples, stretched.SampleRate, wf.SampleRate),
			SampleRate: wf.SampleRate,
		}
	}
	return stretched
}
