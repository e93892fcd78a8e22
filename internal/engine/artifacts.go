package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/mattn/go-shellwords"
)

// ArtifactStore keeps the model directory populated. Presence of the manifest
// file decides between using the cached copy and fetching from the registry.
type ArtifactStore struct {
	cfg    config.EngineConfig
	fetch  []string
	logger *slog.Logger
}

func NewArtifactStore(cfg config.EngineConfig, logger *slog.Logger) (*ArtifactStore, error) {
	store := &ArtifactStore{cfg: cfg, logger: logger.With(slog.String("component", "engine-artifacts"))}
	if strings.TrimSpace(cfg.FetchCommand) != "" {
		parser := shellwords.NewParser()
		args, err := parser.Parse(cfg.FetchCommand)
		if err != nil {
			return nil, fmt.Errorf("parse fetch command: %w", err)
		}
		store.fetch = args
	}
	return store, nil
}

func (s *ArtifactStore) manifestPath() string {
	return filepath.Join(s.cfg.ModelDir, s.cfg.ManifestFile)
}

// Ensure returns the model directory, downloading the artifact set first when
// the manifest is absent. The download is blocking and may take minutes.
func (s *ArtifactStore) Ensure(ctx context.Context) (string, error) {
	manifest := s.manifestPath()
	if _, err := os.Stat(manifest); err == nil {
		return s.cfg.ModelDir, nil
	}
	if len(s.fetch) == 0 {
		return "", fmt.Errorf("model manifest %s missing and no fetch command configured", manifest)
	}
	if err := os.MkdirAll(s.cfg.ModelDir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}

	s.logger.Info("fetching model artifacts",
		slog.String("model_id", s.cfg.ModelID),
		slog.String("model_dir", s.cfg.ModelDir))
	start := time.Now()
	if err := s.runFetch(ctx); err != nil {
		return "", err
	}
	if _, err := os.Stat(manifest); err != nil {
		return "", fmt.Errorf("model manifest %s still missing after fetch", manifest)
	}
	s.logger.Info("model artifacts fetched", slog.Duration("latency", time.Since(start)))
	return s.cfg.ModelDir, nil
}

func (s *ArtifactStore) runFetch(ctx context.Context) error {
	if s.cfg.FetchTimeoutMS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.FetchTimeoutMS)*time.Millisecond)
		defer cancel()
	}
	replacer := strings.NewReplacer("{model_id}", s.cfg.ModelID, "{model_dir}", s.cfg.ModelDir)
	args := make([]string, len(s.fetch))
	for i, a := range s.fetch {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return fmt.Errorf("model fetch timed out: %w", ctx.Err())
		}
		out := strings.TrimSpace(output.String())
		if len(out) > 500 {
			out = out[len(out)-500:]
		}
		return fmt.Errorf("model fetch failed: %w: %s", err, out)
	}
	return nil
}
