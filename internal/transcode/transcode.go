// Package transcode runs the external audio transcoder (ffmpeg by default)
// as a bounded subprocess.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/mattn/go-shellwords"
)

// Runner converts the audio file at in into out using outputArgs.
type Runner interface {
	Convert(ctx context.Context, in, out string, outputArgs ...string) error
}

// Error is a failed transcoder invocation. Stderr holds only the trailing
// slice of the diagnostic output; the head is usually a version banner.
type Error struct {
	Err    error
	Stderr string
}

func (e *Error) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("transcoder failed: %v", e.Err)
	}
	return fmt.Sprintf("transcoder failed: %v: %s", e.Err, e.Stderr)
}

func (e *Error) Unwrap() error { return e.Err }

// Exec invokes a shellwords-parsed command line.
type Exec struct {
	cmd     []string
	timeout time.Duration
	tail    int
}

func New(cfg config.TranscoderConfig) (*Exec, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse transcoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("transcoder command empty")
	}
	tail := cfg.StderrTail
	if tail <= 0 {
		tail = 500
	}
	return &Exec{
		cmd:     args,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		tail:    tail,
	}, nil
}

// Convert runs `<cmd> -y -i in <outputArgs...> out`.
func (e *Exec) Convert(ctx context.Context, in, out string, outputArgs ...string) error {
	args := append([]string{}, e.cmd[1:]...)
	args = append(args, "-y", "-i", in)
	args = append(args, outputArgs...)
	args = append(args, out)
	return e.run(ctx, args)
}

func (e *Exec) run(ctx context.Context, args []string) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	command := exec.CommandContext(ctx, e.cmd[0], args...)
	var stderr bytes.Buffer
	command.Stdout = &bytes.Buffer{}
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = fmt.Errorf("%w (%v)", ctxErr, err)
		}
		return &Error{Err: err, Stderr: Tail(stderr.String(), e.tail)}
	}
	return nil
}

// Tail returns at most the last n bytes of s, trimmed of surrounding space.
func Tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if n <= 0 || len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[len(s)-n:])
}

// ScratchPath returns a per-call unique file path under dir, or the system
// temp dir when dir is empty.
func ScratchPath(dir, prefix, ext string) string {
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, prefix+uuid.NewString()+ext)
}
