// Package pipeline turns one synthesis request into one response. Every
// failure is converted into a structured error payload.
package pipeline

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/dispatch"
	"github.com/loqalabs/loqa-clone/internal/encode"
	"github.com/loqalabs/loqa-clone/internal/jobstore"
	"github.com/loqalabs/loqa-clone/internal/protocol"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/loqalabs/loqa-clone/pipeline"

// latencyBucketsMS spans a ping up to a slow multi-minute synthesis.
var latencyBucketsMS = []float64{50, 250, 500, 1000, 2500, 5000, 10000, 20000, 30000, 60000, 120000, 300000}

type Synthesizer interface {
	Synthesize(ctx context.Context, req protocol.SynthesisRequest) (audio.Waveform, error)
}

type PostProcessor interface {
	Process(ctx context.Context, wf audio.Waveform, mode string, speed float64, text string) audio.Waveform
}

type Encoder interface {
	Encode(ctx context.Context, wf audio.Waveform, format string) (encode.Encoded, error)
}

// Recorder persists finished jobs. A nil Recorder disables history.
type Recorder interface {
	Record(ctx context.Context, job jobstore.Job) error
}

type Pipeline struct {
	synth         Synthesizer
	post          PostProcessor
	enc           Encoder
	jobs          Recorder
	defaultFormat string
	logger        *slog.Logger

	tracer   trace.Tracer
	requests metric.Int64Counter
	latency  metric.Float64Histogram
	audioMS  metric.Int64Counter
}

func New(synth Synthesizer, post PostProcessor, enc Encoder, jobs Recorder, defaultFormat string, logger *slog.Logger) *Pipeline {
	if defaultFormat == "" {
		defaultFormat = protocol.FormatMP3
	}
	p := &Pipeline{
		synth:         synth,
		post:          post,
		enc:           enc,
		jobs:          jobs,
		defaultFormat: defaultFormat,
		logger:        logger.With(slog.String("component", "pipeline")),
		tracer:        otel.Tracer(instrumentationName),
	}
	if err := p.initMetrics(); err != nil {
		p.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return p
}

func (p *Pipeline) initMetrics() error {
	meter := otel.Meter(instrumentationName)
	var err error
	if p.requests, err = meter.Int64Counter("loqa.clone.requests", metric.WithDescription("Synthesis requests by mode and outcome")); err != nil {
		return err
	}
	if p.latency, err = meter.Float64Histogram("loqa.clone.latency",
		metric.WithDescription("End-to-end synthesis latency"),
		metric.WithUnit("ms"),
		metric.WithExplicitBucketBoundaries(latencyBucketsMS...)); err != nil {
		return err
	}
	if p.audioMS, err = meter.Int64Counter("loqa.clone.audio_duration", metric.WithDescription("Synthesized audio produced"), metric.WithUnit("ms")); err != nil {
		return err
	}
	return nil
}

// Handle runs req to completion. It never panics and always returns exactly
// one of the success or failure payloads.
func (p *Pipeline) Handle(ctx context.Context, req protocol.SynthesisRequest) (resp protocol.SynthesisResponse) {
	if strings.TrimSpace(req.RequestID) == "" {
		req.RequestID = uuid.NewString()
	}
	if dispatch.IsPing(req) {
		return protocol.SynthesisResponse{RequestID: req.RequestID, Status: "ok", Pong: true}
	}

	req.Mode = dispatch.NormalizeMode(req.Mode)
	req.Format = strings.ToLower(strings.TrimSpace(req.Format))
	if req.Format == "" {
		req.Format = p.defaultFormat
	}
	if req.Speed == 0 {
		req.Speed = 1.0
	}

	start := time.Now()
	ctx, span := p.tracer.Start(ctx, "pipeline.handle", trace.WithAttributes(
		attribute.String("request_id", req.RequestID),
		attribute.String("mode", req.Mode),
		attribute.String("format", req.Format),
	))
	defer span.End()
	logger := p.logger.With(slog.String("request_id", req.RequestID), slog.String("mode", req.Mode))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("synthesis panicked", slog.Any("panic", r))
			resp = failure(req.RequestID, &Error{Kind: KindEngine, Msg: fmt.Sprintf("panic: %v", r)})
		}
		p.finish(ctx, span, logger, req, resp, time.Since(start))
	}()

	result, err := p.run(ctx, req)
	if err != nil {
		return failure(req.RequestID, Classify(err))
	}
	return result
}

func (p *Pipeline) run(ctx context.Context, req protocol.SynthesisRequest) (protocol.SynthesisResponse, error) {
	if !encode.Supported(req.Format) {
		return protocol.SynthesisResponse{}, &Error{Kind: KindValidation, Msg: "Unsupported format: " + req.Format}
	}
	wf, err := p.synth.Synthesize(ctx, req)
	if err != nil {
		return protocol.SynthesisResponse{}, err
	}
	wf = p.post.Process(ctx, wf, req.Mode, req.Speed, strings.TrimSpace(req.Text))
	out, err := p.enc.Encode(ctx, wf, req.Format)
	if err != nil {
		return protocol.SynthesisResponse{}, err
	}
	return protocol.SynthesisResponse{
		RequestID:   req.RequestID,
		AudioBase64: base64.StdEncoding.EncodeToString(out.Data),
		SampleRate:  out.SampleRate,
		Format:      out.Format,
		DurationMS:  out.DurationMS,
	}, nil
}

func failure(requestID string, err *Error) protocol.SynthesisResponse {
	return protocol.SynthesisResponse{RequestID: requestID, Error: string(err.Kind), Detail: err.Error()}
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, logger *slog.Logger, req protocol.SynthesisRequest, resp protocol.SynthesisResponse, elapsed time.Duration) {
	outcome := jobstore.OutcomeCompleted
	if resp.Failed() {
		outcome = jobstore.OutcomeFailed
		span.SetStatus(codes.Error, resp.Error)
		span.SetAttributes(attribute.String("error_kind", resp.Error))
		if resp.Error == string(KindFatal) || resp.Error == string(KindEngine) {
			logger.Error("synthesis failed", slog.String("error_kind", resp.Error), slog.String("error", resp.Detail))
		} else {
			logger.Warn("synthesis failed", slog.String("error_kind", resp.Error), slog.String("error", resp.Detail))
		}
	} else {
		logger.Info("synthesis completed",
			slog.String("format", resp.Format),
			slog.Int64("duration_ms", resp.DurationMS),
			slog.Int64("latency_ms", elapsed.Milliseconds()),
		)
	}

	attrs := metric.WithAttributes(attribute.String("mode", req.Mode), attribute.String("outcome", outcome))
	if p.requests != nil {
		p.requests.Add(ctx, 1, attrs)
	}
	if p.latency != nil {
		p.latency.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
	}
	if p.audioMS != nil && !resp.Failed() {
		p.audioMS.Add(ctx, resp.DurationMS, metric.WithAttributes(attribute.String("mode", req.Mode)))
	}

	if p.jobs == nil {
		return
	}
	job := jobstore.Job{
		RequestID:  req.RequestID,
		Mode:       req.Mode,
		Format:     req.Format,
		Outcome:    outcome,
		ErrorKind:  resp.Error,
		DurationMS: resp.DurationMS,
		LatencyMS:  elapsed.Milliseconds(),
	}
	if err := p.jobs.Record(context.WithoutCancel(ctx), job); err != nil {
		logger.Warn("failed to record job", slog.String("error", err.Error()))
	}
}
