// Package encode serializes a finished waveform into the requested container.
package encode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/protocol"
	"github.com/loqalabs/loqa-clone/internal/transcode"
)

var errUnsupported = errors.New("unsupported format")

// Error is a failure to produce the output container.
type Error struct {
	Format string
	Err    error
}

func (e *Error) Error() string { return fmt.Sprintf("encode %s: %v", e.Format, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Encoded is the final clip. DurationMS is measured on the waveform handed
// to Encode, before any lossy re-encoding.
type Encoded struct {
	Data       []byte
	Format     string
	SampleRate int
	DurationMS int64
}

type Encoder struct {
	cfg        config.EncodeConfig
	transcoder transcode.Runner
	scratchDir string
}

func New(cfg config.EncodeConfig, scratchDir string, transcoder transcode.Runner) *Encoder {
	return &Encoder{cfg: cfg, transcoder: transcoder, scratchDir: scratchDir}
}

// Supported reports whether format names a known output container.
func Supported(format string) bool {
	switch strings.ToLower(format) {
	case protocol.FormatMP3, protocol.FormatWAV, protocol.FormatOgg, protocol.FormatFLAC:
		return true
	}
	return false
}

// codecArgs returns the transcoder output arguments for a compressed format.
func (e *Encoder) codecArgs(format string) []string {
	switch format {
	case protocol.FormatMP3:
		return []string{"-c:a", "libmp3lame", "-q:a", strconv.Itoa(e.cfg.MP3Quality)}
	case protocol.FormatOgg:
		return []string{"-c:a", "libvorbis", "-q:a", strconv.Itoa(e.cfg.OggQuality)}
	case protocol.FormatFLAC:
		return []string{"-c:a", "flac", "-compression_level", strconv.Itoa(e.cfg.FlacLevel)}
	}
	return nil
}

func (e *Encoder) Encode(ctx context.Context, wf audio.Waveform, format string) (Encoded, error) {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "" {
		format = e.cfg.DefaultFormat
	}
	if !Supported(format) {
		return Encoded{}, &Error{Format: format, Err: errUnsupported}
	}
	result := Encoded{Format: format, SampleRate: wf.SampleRate, DurationMS: wf.DurationMS()}

	intermediate, err := audio.WAVBytes(wf)
	if err != nil {
		return Encoded{}, &Error{Format: format, Err: err}
	}
	if format == protocol.FormatWAV {
		result.Data = intermediate
		return result, nil
	}

	data, err := e.transcode(ctx, intermediate, format)
	if err != nil {
		return Encoded{}, &Error{Format: format, Err: err}
	}
	result.Data = data
	return result, nil
}

func (e *Encoder) transcode(ctx context.Context, wav []byte, format string) ([]byte, error) {
	in := transcode.ScratchPath(e.scratchDir, "encode-in", ".wav")
	out := transcode.ScratchPath(e.scratchDir, "encode-out", "."+format)
	defer os.Remove(in)
	defer os.Remove(out)

	if err := os.WriteFile(in, wav, 0o600); err != nil {
		return nil, fmt.Errorf("write intermediate: %w", err)
	}
	if err := e.transcoder.Convert(ctx, in, out, e.codecArgs(format)...); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("read encoded output: %w", err)
	}
	return data, nil
}
