// Package ingest turns a caller-supplied voice reference (URL or base64
// payload) into a canonical 16 kHz mono PCM WAV file on scratch storage.
package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/transcode"
)

// Error is any failure to fetch, decode or transcode the reference audio.
type Error struct {
	Stage  string
	Err    error
	Detail string
}

func (e *Error) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("ingest %s: %v: %s", e.Stage, e.Err, e.Detail)
	}
	return fmt.Sprintf("ingest %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Reference is a normalized reference waveform on disk. The caller owns it
// and must call Release on every exit path.
type Reference struct {
	Path       string
	SampleRate int
	once       sync.Once
}

// Release removes the backing file. It is safe to call more than once and on
// a nil Reference.
func (r *Reference) Release() error {
	if r == nil || r.Path == "" {
		return nil
	}
	var err error
	r.once.Do(func() {
		if rmErr := os.Remove(r.Path); rmErr != nil && !os.IsNotExist(rmErr) {
			err = rmErr
		}
	})
	return err
}

type Normalizer struct {
	cfg        config.IngestConfig
	scratchDir string
	client     *http.Client
	transcoder transcode.Runner
	logger     *slog.Logger
}

func New(cfg config.IngestConfig, scratchDir string, transcoder transcode.Runner, logger *slog.Logger) *Normalizer {
	return &Normalizer{
		cfg:        cfg,
		scratchDir: scratchDir,
		client:     &http.Client{Timeout: time.Duration(cfg.FetchTimeoutMS) * time.Millisecond},
		transcoder: transcoder,
		logger:     logger.With(slog.String("component", "ingest")),
	}
}

// Normalize fetches or decodes source and produces the canonical reference.
func (n *Normalizer) Normalize(ctx context.Context, source string) (*Reference, error) {
	raw, err := n.resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	ext := DetectContainer(raw)
	n.logger.Debug("reference audio resolved", slog.Int("bytes", len(raw)), slog.String("container", ext))

	if n.cfg.Decoder == "native" {
		return n.decodeNative(raw, ext)
	}
	return n.transcodeFile(ctx, raw, ext)
}

func (n *Normalizer) resolve(ctx context.Context, source string) ([]byte, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, &Error{Stage: "resolve", Err: errors.New("empty audio source")}
	}
	if strings.HasPrefix(source, "http://") || strings.HasPrefix(source, "https://") {
		return n.fetch(ctx, source)
	}
	raw, err := base64.StdEncoding.DecodeString(source)
	if err != nil {
		return nil, &Error{Stage: "decode", Err: fmt.Errorf("base64: %w", err)}
	}
	if len(raw) == 0 {
		return nil, &Error{Stage: "decode", Err: errors.New("empty audio payload")}
	}
	return raw, nil
}

func (n *Normalizer) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &Error{Stage: "fetch", Err: err}
	}
	resp, err := n.client.Do(req)
	if err != nil {
		return nil, &Error{Stage: "fetch", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, &Error{Stage: "fetch", Err: fmt.Errorf("HTTP %d", resp.StatusCode), Detail: strings.TrimSpace(string(body))}
	}

	var reader io.Reader = resp.Body
	if n.cfg.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, n.cfg.MaxBytes+1)
	}
	raw, err := io.ReadAll(reader)
	if err != nil {
		return nil, &Error{Stage: "fetch", Err: fmt.Errorf("read body: %w", err)}
	}
	if n.cfg.MaxBytes > 0 && int64(len(raw)) > n.cfg.MaxBytes {
		return nil, &Error{Stage: "fetch", Err: fmt.Errorf("audio exceeds %d bytes", n.cfg.MaxBytes)}
	}
	if len(raw) == 0 {
		return nil, &Error{Stage: "fetch", Err: errors.New("empty audio payload")}
	}
	return raw, nil
}

func (n *Normalizer) transcodeFile(ctx context.Context, raw []byte, ext string) (*Reference, error) {
	inPath := transcode.ScratchPath(n.scratchDir, "loqa_ref_in_", ext)
	if err := os.WriteFile(inPath, raw, 0o600); err != nil {
		return nil, &Error{Stage: "transcode", Err: fmt.Errorf("temp file: %w", err)}
	}
	outPath := transcode.ScratchPath(n.scratchDir, "loqa_ref_", ".wav")

	err := n.transcoder.Convert(ctx, inPath, outPath,
		"-ar", fmt.Sprint(n.cfg.SampleRate),
		"-ac", "1",
		"-c:a", "pcm_s16le",
	)
	if rmErr := os.Remove(inPath); rmErr != nil && !os.IsNotExist(rmErr) {
		n.logger.Warn("failed to remove reference input", slog.String("error", rmErr.Error()))
	}
	if err != nil {
		_ = os.Remove(outPath)
		var terr *transcode.Error
		if errors.As(err, &terr) {
			return nil, &Error{Stage: "transcode", Err: terr.Err, Detail: terr.Stderr}
		}
		return nil, &Error{Stage: "transcode", Err: err}
	}
	return &Reference{Path: outPath, SampleRate: n.cfg.SampleRate}, nil
}
