package pipeline

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/dispatch"
	"github.com/loqalabs/loqa-clone/internal/encode"
	"github.com/loqalabs/loqa-clone/internal/engine"
	"github.com/loqalabs/loqa-clone/internal/ingest"
	"github.com/loqalabs/loqa-clone/internal/jobstore"
	"github.com/loqalabs/loqa-clone/internal/postprocess"
	"github.com/loqalabs/loqa-clone/internal/protocol"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type countingTranscoder struct {
	calls atomic.Int32
}

func (c *countingTranscoder) Convert(_ context.Context, in, out string, _ ...string) error {
	c.calls.Add(1)
	data, err := os.ReadFile(in)
	if err != nil {
		return err
	}
	return os.WriteFile(out, data, 0o600)
}

type harness struct {
	pipeline   *Pipeline
	transcoder *countingTranscoder
	loads      *atomic.Int32
	jobs       *jobstore.Store
}

func newHarness(t *testing.T, load engine.Loader) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Ingest.Decoder = "native"
	scratch := t.TempDir()
	logger := newLogger()

	loads := &atomic.Int32{}
	if load == nil {
		load = engine.NewMockLoader(24000, engine.DefaultMockSpeakers)
	}
	counted := func(ctx context.Context, dir string) (engine.Engine, error) {
		loads.Add(1)
		return load(ctx, dir)
	}
	gateway := engine.NewGateway(nil, scratch, counted, logger)
	t.Cleanup(func() { _ = gateway.Close() })

	tc := &countingTranscoder{}
	jobs, err := jobstore.Open(context.Background(), config.JobStoreConfig{Path: filepath.Join(t.TempDir(), "jobs.db"), RetentionMode: "persistent"}, logger)
	if err != nil {
		t.Fatalf("open jobstore: %v", err)
	}
	t.Cleanup(func() { _ = jobs.Close() })

	p := New(
		dispatch.New(ingest.New(cfg.Ingest, scratch, tc, logger), gateway, logger),
		postprocess.New(cfg.PostProcess, scratch, tc, logger),
		encode.New(cfg.Encode, scratch, tc),
		jobs,
		cfg.Encode.DefaultFormat,
		logger,
	)
	return &harness{pipeline: p, transcoder: tc, loads: loads, jobs: jobs}
}

func referenceAudio(t *testing.T) string {
	t.Helper()
	data, err := audio.WAVBytes(audio.Waveform{Samples: make([]float32, 16000), SampleRate: 16000})
	if err != nil {
		t.Fatalf("wav: %v", err)
	}
	return base64.StdEncoding.EncodeToString(data)
}

func TestMissingReferenceIsValidationError(t *testing.T) {
	h := newHarness(t, nil)
	for _, mode := range []string{protocol.ModeZeroShot, protocol.ModeCrossLingual, protocol.ModeInstruct} {
		resp := h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{Text: "hello", Mode: mode, InstructText: "calm"})
		if resp.Error != string(KindValidation) || resp.AudioBase64 != "" {
			t.Fatalf("%s: expected validation error, got %+v", mode, resp)
		}
	}
	if h.loads.Load() != 0 || h.transcoder.calls.Load() != 0 {
		t.Fatalf("collaborators invoked: loads=%d transcoder=%d", h.loads.Load(), h.transcoder.calls.Load())
	}
}

func TestUnknownModeAndFormat(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{Text: "hi", Mode: "opera"})
	if resp.Error != string(KindValidation) || resp.Detail != "Unknown mode: opera" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	resp = h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{Text: "hi", Mode: protocol.ModeSft, Format: "aac"})
	if resp.Error != string(KindValidation) {
		t.Fatalf("expected validation error for format, got %+v", resp)
	}
	if h.loads.Load() != 0 {
		t.Fatalf("engine loaded for invalid request")
	}
}

func TestPingShortCircuit(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{Text: "__ping__", Mode: "garbage", Format: "aac"})
	if !resp.Pong || resp.Status != "ok" || resp.Failed() {
		t.Fatalf("unexpected ping response: %+v", resp)
	}
	if h.loads.Load() != 0 || h.transcoder.calls.Load() != 0 {
		t.Fatalf("ping touched collaborators")
	}
}

func TestZeroShotSuccess(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{
		RequestID:   "req-42",
		Text:        "hello world",
		PromptAudio: referenceAudio(t),
		Format:      "wav",
	})
	if resp.Failed() {
		t.Fatalf("unexpected failure: %+v", resp)
	}
	if resp.RequestID != "req-42" || resp.Format != "wav" || resp.SampleRate != 24000 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	// 11 runes at 80ms each.
	if resp.DurationMS != 880 {
		t.Fatalf("duration = %d", resp.DurationMS)
	}
	raw, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil || len(raw) < 44 {
		t.Fatalf("bad audio payload: %v", err)
	}
	if h.transcoder.calls.Load() != 0 {
		t.Fatalf("wav output should not use the transcoder")
	}

	job, err := h.jobs.Get(context.Background(), "req-42")
	if err != nil {
		t.Fatalf("job not recorded: %v", err)
	}
	if job.Outcome != jobstore.OutcomeCompleted || job.DurationMS != 880 {
		t.Fatalf("unexpected job: %+v", job)
	}
}

// leakyEngine returns ten seconds of audio for any zero-shot request, as when
// the model reads the reference transcript back before the target text.
type leakyEngine struct{ engine.Engine }

func (leakyEngine) ZeroShot(context.Context, string, string, string) ([]engine.Segment, error) {
	return []engine.Segment{{Samples: make([]float32, 24000*10), SampleRate: 24000}}, nil
}

func TestDurationReflectsPostProcessing(t *testing.T) {
	mock := engine.NewMockLoader(24000, engine.DefaultMockSpeakers)
	h := newHarness(t, func(ctx context.Context, dir string) (engine.Engine, error) {
		eng, err := mock(ctx, dir)
		return leakyEngine{eng}, err
	})
	resp := h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{
		RequestID:   "leak-1",
		Text:        "hi",
		PromptAudio: referenceAudio(t),
		Format:      "wav",
	})
	if resp.Failed() {
		t.Fatalf("unexpected failure: %+v", resp)
	}
	// Two runes expect max(0.3s, 1.0s); the trim keeps 1.2x that.
	if resp.DurationMS != 1200 {
		t.Fatalf("duration = %d, want trimmed 1200", resp.DurationMS)
	}

	raw, err := base64.StdEncoding.DecodeString(resp.AudioBase64)
	if err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	wf, err := audio.DecodeWAV(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("decode wav: %v", err)
	}
	if wf.DurationMS() != resp.DurationMS {
		t.Fatalf("payload holds %dms, response reports %dms", wf.DurationMS(), resp.DurationMS)
	}

	job, err := h.jobs.Get(context.Background(), "leak-1")
	if err != nil || job.DurationMS != 1200 {
		t.Fatalf("unexpected job %+v (%v)", job, err)
	}
}

func TestDefaultsApplied(t *testing.T) {
	h := newHarness(t, nil)
	resp := h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{Text: "hi", Mode: protocol.ModeSft})
	if resp.Failed() {
		t.Fatalf("unexpected failure: %+v", resp)
	}
	if resp.RequestID == "" || resp.Format != protocol.FormatMP3 {
		t.Fatalf("defaults not applied: %+v", resp)
	}
	if h.transcoder.calls.Load() != 1 {
		t.Fatalf("expected one encode call, got %d", h.transcoder.calls.Load())
	}
}

func TestFatalInitIsCached(t *testing.T) {
	h := newHarness(t, func(context.Context, string) (engine.Engine, error) {
		return nil, errors.New("weights corrupted")
	})
	for i := 0; i < 3; i++ {
		resp := h.pipeline.Handle(context.Background(), protocol.SynthesisRequest{Text: "hi", Mode: protocol.ModeSft})
		if resp.Error != string(KindFatal) {
			t.Fatalf("expected fatal, got %+v", resp)
		}
	}
	if h.loads.Load() != 1 {
		t.Fatalf("expected a single init attempt, got %d", h.loads.Load())
	}
}

type panickingSynth struct{}

func (panickingSynth) Synthesize(context.Context, protocol.SynthesisRequest) (audio.Waveform, error) {
	panic("tensor shape mismatch")
}

func TestPanicBecomesEngineError(t *testing.T) {
	cfg := config.Default()
	logger := newLogger()
	p := New(panickingSynth{}, postprocess.New(cfg.PostProcess, t.TempDir(), &countingTranscoder{}, logger), encode.New(cfg.Encode, t.TempDir(), &countingTranscoder{}), nil, "", logger)
	resp := p.Handle(context.Background(), protocol.SynthesisRequest{Text: "hi", Mode: protocol.ModeSft})
	if resp.Error != string(KindEngine) || resp.Detail != "panic: tensor shape mismatch" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestClassify(t *testing.T) {
	cases := map[Kind]error{
		KindValidation: &dispatch.ValidationError{Msg: "text is required"},
		KindFatal:      errors.Join(engine.ErrFatal, errors.New("boom")),
		KindIngest:     &ingest.Error{Stage: "fetch", Err: errors.New("HTTP 404")},
		KindEncode:     &encode.Error{Format: "mp3", Err: errors.New("exit 1")},
		KindEngine:     &dispatch.EngineError{Op: "sft", Err: engine.ErrNoAudio},
	}
	for want, err := range cases {
		if got := Classify(err); got.Kind != want {
			t.Fatalf("%v classified as %s, want %s", err, got.Kind, want)
		}
	}
	if Classify(nil) != nil {
		t.Fatalf("nil error should classify to nil")
	}
}
