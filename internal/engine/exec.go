package engine

import (
	"bufio"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/mattn/go-shellwords"
)

// execEngine drives a long-lived worker process that holds the model in
// memory. Requests and replies are newline-delimited JSON; the worker handles
// one request at a time. A worker whose reply stream falls out of step is
// killed and replaced on the next call.
type execEngine struct {
	args       []string
	modelDir   string
	timeout    time.Duration
	sampleRate int
	speakers   []string
	logger     *slog.Logger
	broken     atomic.Bool

	mu     sync.Mutex
	w      *worker
	closed bool
}

type worker struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan workerLine
	stderr *tailBuffer
	done   chan struct{}
}

type workerRequest struct {
	ID           string `json:"id"`
	Op           string `json:"op"`
	ModelDir     string `json:"model_dir,omitempty"`
	Text         string `json:"text,omitempty"`
	PromptText   string `json:"prompt_text,omitempty"`
	PromptWav    string `json:"prompt_wav,omitempty"`
	InstructText string `json:"instruct_text,omitempty"`
	SpeakerID    string `json:"speaker_id,omitempty"`
	Stream       bool   `json:"stream"`
}

type workerLine struct {
	ID         string   `json:"id"`
	PCMBase64  string   `json:"pcm_base64,omitempty"`
	SampleRate int      `json:"sample_rate,omitempty"`
	Speakers   []string `json:"speakers,omitempty"`
	Final      bool     `json:"final"`
	Error      string   `json:"error,omitempty"`

	decodeErr error
}

// NewExecLoader returns a Loader that starts the configured worker command
// and asks it to load the model from the resolved directory.
func NewExecLoader(cfg config.EngineConfig, logger *slog.Logger) (Loader, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command empty")
	}
	timeout := time.Duration(cfg.InferTimeoutMS) * time.Millisecond
	return func(ctx context.Context, modelDir string) (Engine, error) {
		return startExecEngine(ctx, args, modelDir, timeout, logger)
	}, nil
}

func startExecEngine(ctx context.Context, args []string, modelDir string, timeout time.Duration, logger *slog.Logger) (*execEngine, error) {
	e := &execEngine{
		args:     args,
		modelDir: modelDir,
		timeout:  timeout,
		logger:   logger.With(slog.String("component", "engine-exec")),
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.start(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// start launches a worker and loads the model into it. The caller holds mu.
// Sample rate and speakers are fixed by the first successful load.
func (e *execEngine) start(ctx context.Context) error {
	w, err := spawnWorker(e.args)
	if err != nil {
		return err
	}
	e.w = w

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	replies, err := e.exchange(ctx, workerRequest{Op: "load", ModelDir: e.modelDir})
	if err != nil {
		e.discard(err)
		return err
	}
	final := replies[len(replies)-1]
	if final.SampleRate <= 0 {
		err := errors.New("engine worker reported no sample rate")
		e.discard(err)
		return err
	}
	if e.sampleRate == 0 {
		e.sampleRate = final.SampleRate
		e.speakers = final.Speakers
	}
	return nil
}

func spawnWorker(args []string) (*worker, error) {
	// The worker outlives the request that starts it, so it is not bound to a ctx.
	cmd := exec.Command(args[0], args[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &tailBuffer{limit: 2048}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start engine worker: %w", err)
	}
	w := &worker{
		cmd:    cmd,
		stdin:  stdin,
		lines:  make(chan workerLine, 16),
		stderr: stderr,
		done:   make(chan struct{}),
	}
	go w.readLines(stdout)
	return w, nil
}

func (w *worker) readLines(r io.Reader) {
	defer close(w.lines)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1<<20), 256<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var msg workerLine
		if err := json.Unmarshal(line, &msg); err != nil {
			msg = workerLine{Final: true, decodeErr: fmt.Errorf("decode worker reply: %w", err)}
		}
		select {
		case w.lines <- msg:
		case <-w.done:
			return
		}
	}
	if err := scanner.Err(); err != nil {
		select {
		case w.lines <- workerLine{Final: true, decodeErr: err}:
		case <-w.done:
		}
	}
}

func (w *worker) kill() {
	close(w.done)
	_ = w.stdin.Close()
	_ = w.cmd.Process.Kill()
	go func() { _ = w.cmd.Wait() }()
}

func (w *worker) stop() error {
	_ = w.stdin.Close()
	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()
	select {
	case err := <-done:
		close(w.done)
		return err
	case <-time.After(5 * time.Second):
		close(w.done)
		_ = w.cmd.Process.Kill()
		return <-done
	}
}

func (e *execEngine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.timeout > 0 {
		return context.WithTimeout(ctx, e.timeout)
	}
	return context.WithCancel(ctx)
}

// discard kills the current worker. The caller holds mu.
func (e *execEngine) discard(reason error) {
	if e.w == nil {
		return
	}
	e.logger.Warn("discarding engine worker",
		slog.String("error", reason.Error()),
		slog.String("stderr", e.w.stderr.String()))
	e.w.kill()
	e.w = nil
}

// call sends one request and collects replies through the final line,
// replacing the worker first if the previous one was discarded. A failed
// replacement is fatal for this call and marks the engine broken until a
// later replacement succeeds.
func (e *execEngine) call(ctx context.Context, req workerRequest) ([]workerLine, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, errors.New("engine closed")
	}
	if e.w == nil {
		if err := e.start(context.WithoutCancel(ctx)); err != nil {
			e.broken.Store(true)
			return nil, fmt.Errorf("%w: restart engine worker: %w", ErrFatal, err)
		}
		e.broken.Store(false)
		e.logger.Info("engine worker restarted")
	}

	ctx, cancel := e.withTimeout(ctx)
	defer cancel()
	return e.exchange(ctx, req)
}

// exchange runs one request against the current worker. The caller holds mu.
func (e *execEngine) exchange(ctx context.Context, req workerRequest) ([]workerLine, error) {
	w := e.w
	req.ID = uuid.NewString()
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := w.stdin.Write(append(data, '\n')); err != nil {
		e.discard(err)
		return nil, fmt.Errorf("write engine request: %w", err)
	}

	var replies []workerLine
	for {
		select {
		case <-ctx.Done():
			// The reply stream is now out of step with requests.
			e.discard(ctx.Err())
			return nil, fmt.Errorf("engine %s: %w", req.Op, ctx.Err())
		case msg, ok := <-w.lines:
			if !ok {
				err := fmt.Errorf("engine worker exited: %s", w.stderr.String())
				e.discard(err)
				return nil, err
			}
			if msg.decodeErr != nil {
				e.discard(msg.decodeErr)
				return nil, msg.decodeErr
			}
			if msg.ID != "" && msg.ID != req.ID {
				e.logger.Warn("dropping stale worker reply", slog.String("id", msg.ID))
				continue
			}
			if msg.Error != "" {
				return nil, fmt.Errorf("engine %s: %s", req.Op, msg.Error)
			}
			replies = append(replies, msg)
			if msg.Final {
				return replies, nil
			}
		}
	}
}

func (e *execEngine) synthesize(ctx context.Context, req workerRequest) ([]Segment, error) {
	replies, err := e.call(ctx, req)
	if err != nil {
		return nil, err
	}
	var segments []Segment
	for _, r := range replies {
		if r.PCMBase64 == "" {
			continue
		}
		pcm, err := base64.StdEncoding.DecodeString(r.PCMBase64)
		if err != nil {
			return nil, fmt.Errorf("decode segment pcm: %w", err)
		}
		rate := r.SampleRate
		if rate <= 0 {
			rate = e.sampleRate
		}
		segments = append(segments, Segment{Samples: audio.BytesToFloat32(pcm), SampleRate: rate})
	}
	return segments, nil
}

func (e *execEngine) ZeroShot(ctx context.Context, text, promptText, refPath string) ([]Segment, error) {
	return e.synthesize(ctx, workerRequest{Op: "zero_shot", Text: text, PromptText: promptText, PromptWav: refPath})
}

func (e *execEngine) CrossLingual(ctx context.Context, text, refPath string) ([]Segment, error) {
	return e.synthesize(ctx, workerRequest{Op: "cross_lingual", Text: text, PromptWav: refPath})
}

func (e *execEngine) Instruct(ctx context.Context, text, instructText, refPath string) ([]Segment, error) {
	return e.synthesize(ctx, workerRequest{Op: "instruct", Text: text, InstructText: instructText, PromptWav: refPath})
}

func (e *execEngine) Sft(ctx context.Context, text, speakerID string) ([]Segment, error) {
	return e.synthesize(ctx, workerRequest{Op: "sft", Text: text, SpeakerID: speakerID})
}

func (e *execEngine) Speakers() []string { return append([]string(nil), e.speakers...) }

func (e *execEngine) SampleRate() int { return e.sampleRate }

// Broken reports whether the last attempt to replace a discarded worker
// failed.
func (e *execEngine) Broken() bool { return e.broken.Load() }

func (e *execEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.w == nil {
		return nil
	}
	w := e.w
	e.w = nil
	return w.stop()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	data  []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data = append(t.data, p...)
	if over := len(t.data) - t.limit; over > 0 {
		t.data = t.data[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(string(t.data))
}
