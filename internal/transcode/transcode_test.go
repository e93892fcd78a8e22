package transcode

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loqalabs/loqa-clone/internal/config"
)

func TestNewRejectsEmptyCommand(t *testing.T) {
	if _, err := New(config.TranscoderConfig{Command: "  "}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestTail(t *testing.T) {
	banner := strings.Repeat("ffmpeg version banner ", 100)
	got := Tail(banner+"Invalid data found when processing input\n", 40)
	if got != "Invalid data found when processing input" {
		t.Fatalf("unexpected tail: %q", got)
	}
	if Tail("short", 100) != "short" {
		t.Fatal("expected short input unchanged")
	}
}

func TestScratchPathUnique(t *testing.T) {
	dir := t.TempDir()
	a := ScratchPath(dir, "ref_", ".wav")
	b := ScratchPath(dir, "ref_", ".wav")
	if a == b {
		t.Fatal("expected unique scratch paths")
	}
	if filepath.Dir(a) != dir || !strings.HasSuffix(a, ".wav") {
		t.Fatalf("unexpected path %q", a)
	}
}

func TestConvertFailureCarriesStderrTail(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	script := filepath.Join(t.TempDir(), "fake-ffmpeg.sh")
	body := "#!/bin/sh\necho 'banner line' >&2\necho 'decode failed' >&2\nexit 3\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	runner, err := New(config.TranscoderConfig{Command: "sh " + script, TimeoutMS: 5000, StderrTail: 13})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	err = runner.Convert(context.Background(), "in.bin", "out.wav", "-ar", "16000")
	var terr *Error
	if !errors.As(err, &terr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if terr.Stderr != "decode failed" {
		t.Fatalf("expected stderr tail, got %q", terr.Stderr)
	}
}

func TestConvertPassesArguments(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "fake-ffmpeg.sh")
	argsFile := filepath.Join(dir, "args.txt")
	body := "#!/bin/sh\necho \"$@\" > " + argsFile + "\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	runner, err := New(config.TranscoderConfig{Command: "sh " + script + " -hide_banner", TimeoutMS: 5000})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := runner.Convert(context.Background(), "in.wav", "out.mp3", "-q:a", "2"); err != nil {
		t.Fatalf("convert: %v", err)
	}
	data, err := os.ReadFile(argsFile)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "-hide_banner -y -i in.wav -q:a 2 out.mp3" {
		t.Fatalf("unexpected args %q", got)
	}
}
