package postprocess

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/protocol"
)

// halvingTranscoder stands in for atempo=2 regardless of the filter value.
type halvingTranscoder struct {
	calls []string
	fail  error
}

func (h *halvingTranscoder) Convert(_ context.Context, in, out string, args ...string) error {
	h.calls = append(h.calls, strings.Join(args, " "))
	if h.fail != nil {
		return h.fail
	}
	wf, err := audio.ReadWAVFile(in)
	if err != nil {
		return err
	}
	wf.Samples = wf.Samples[:len(wf.Samples)/2]
	return audio.WriteWAVFile(out, wf)
}

func newProcessor(t *testing.T, tc *halvingTranscoder) *Processor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(config.Default().PostProcess, t.TempDir(), tc, logger)
}

func silence(rate int, seconds float64) audio.Waveform {
	return audio.Waveform{Samples: make([]float32, int(float64(rate)*seconds)), SampleRate: rate}
}

func TestLeakTrimLongOutput(t *testing.T) {
	p := newProcessor(t, &halvingTranscoder{})
	got := p.Process(context.Background(), silence(24000, 10.0), protocol.ModeZeroShot, 1.0, "abcdefghij")
	if got.DurationMS() != 1800 {
		t.Fatalf("expected 1800ms after trim, got %d", got.DurationMS())
	}
}

func TestLeakTrimBelowFloor(t *testing.T) {
	p := newProcessor(t, &halvingTranscoder{})
	got := p.Process(context.Background(), silence(24000, 2.0), protocol.ModeZeroShot, 1.0, "abcdefghij")
	if got.DurationMS() != 2000 {
		t.Fatalf("expected untouched 2000ms, got %d", got.DurationMS())
	}
}

func TestLeakTrimOnlyZeroShot(t *testing.T) {
	p := newProcessor(t, &halvingTranscoder{})
	for _, mode := range []string{protocol.ModeCrossLingual, protocol.ModeInstruct, protocol.ModeSft} {
		got := p.Process(context.Background(), silence(24000, 10.0), mode, 1.0, "abcdefghij")
		if got.DurationMS() != 10000 {
			t.Fatalf("%s: expected no trim, got %d", mode, got.DurationMS())
		}
	}
}

func TestLeakTrimDisabled(t *testing.T) {
	cfg := config.Default().PostProcess.LeakTrim
	cfg.Enabled = false
	if cut := TrimSeconds(cfg, 10, 10.0); cut != 0 {
		t.Fatalf("expected no trim when disabled, got %f", cut)
	}
}

func TestTrimSecondsCountsRunes(t *testing.T) {
	cfg := config.Default().PostProcess.LeakTrim
	// Short text clamps to the one second minimum.
	if cut := TrimSeconds(cfg, 2, 4.0); cut < 2.79 || cut > 2.81 {
		t.Fatalf("expected ~2.8s trim, got %f", cut)
	}
	p := newProcessor(t, &halvingTranscoder{})
	got := p.Process(context.Background(), silence(1000, 10.0), protocol.ModeZeroShot, 1.0, "你好世界你好世界你好")
	if got.DurationMS() != 1800 {
		t.Fatalf("expected rune-based trim to 1800ms, got %d", got.DurationMS())
	}
}

func TestSpeedOutOfRangeIgnored(t *testing.T) {
	tc := &halvingTranscoder{}
	p := newProcessor(t, tc)
	for _, speed := range []float64{0, 0.3, 1.0, 3.0} {
		in := silence(24000, 1.0)
		got := p.Process(context.Background(), in, protocol.ModeSft, speed, "hello")
		if len(got.Samples) != len(in.Samples) || got.SampleRate != in.SampleRate {
			t.Fatalf("speed %v changed the waveform", speed)
		}
	}
	if len(tc.calls) != 0 {
		t.Fatalf("transcoder invoked for no-op speeds: %v", tc.calls)
	}
}

func TestTempoApplied(t *testing.T) {
	tc := &halvingTranscoder{}
	p := newProcessor(t, tc)
	got := p.Process(context.Background(), silence(24000, 1.0), protocol.ModeSft, 2.0, "hello")
	if got.DurationMS() != 500 {
		t.Fatalf("expected 500ms, got %d", got.DurationMS())
	}
	if len(tc.calls) != 1 || tc.calls[0] != "-filter:a atempo=2" {
		t.Fatalf("unexpected transcoder args: %v", tc.calls)
	}
	entries, err := os.ReadDir(p.scratchDir)
	if err != nil {
		t.Fatalf("read scratch: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("scratch files left behind: %d", len(entries))
	}
}

func TestTempoFailureKeepsOriginal(t *testing.T) {
	tc := &halvingTranscoder{fail: errors.New("atempo unsupported")}
	p := newProcessor(t, tc)
	got := p.Process(context.Background(), silence(24000, 1.0), protocol.ModeSft, 1.5, "hello")
	if got.DurationMS() != 1000 {
		t.Fatalf("expected original 1000ms, got %d", got.DurationMS())
	}
}
