package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

const wavBitDepth = 16

// EncodeWAV writes the waveform as 16-bit PCM mono WAV.
func EncodeWAV(w io.WriteSeeker, wf Waveform) error {
	if wf.SampleRate <= 0 {
		return fmt.Errorf("invalid sample rate %d", wf.SampleRate)
	}
	pcm := Float32ToInt16(wf.Samples)
	data := make([]int, len(pcm))
	for i, s := range pcm {
		data[i] = int(s)
	}
	buffer := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: wf.SampleRate},
		Data:           data,
		SourceBitDepth: wavBitDepth,
	}

	enc := wav.NewEncoder(w, wf.SampleRate, wavBitDepth, 1, 1)
	if err := enc.Write(buffer); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close wav encoder: %w", err)
	}
	return nil
}

// WAVBytes returns the waveform serialized as 16-bit PCM mono WAV.
func WAVBytes(wf Waveform) ([]byte, error) {
	buf := &seekBuffer{}
	if err := EncodeWAV(buf, wf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes the waveform to path as 16-bit PCM mono WAV. A
// partially written file is removed on failure.
func WriteWAVFile(path string, wf Waveform) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create wav file: %w", err)
	}
	err = EncodeWAV(file, wf)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return err
	}
	return nil
}

// DecodeWAV reads a PCM WAV stream and downmixes it to mono at its native rate.
func DecodeWAV(r io.ReadSeeker) (Waveform, error) {
	dec := wav.NewDecoder(r)
	if !dec.IsValidFile() {
		return Waveform{}, errors.New("invalid wav file")
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return Waveform{}, fmt.Errorf("read wav pcm: %w", err)
	}
	channels := int(dec.NumChans)
	if channels <= 0 {
		channels = 1
	}
	depth := int(dec.BitDepth)
	if depth <= 0 {
		depth = wavBitDepth
	}
	scale := float32(int64(1) << (depth - 1))
	samples := make([]float32, len(buf.Data))
	for i, v := range buf.Data {
		if depth == 8 {
			v -= 128
		}
		samples[i] = float32(v) / scale
	}
	return Waveform{Samples: Downmix(samples, channels), SampleRate: int(dec.SampleRate)}, nil
}

// ReadWAVFile decodes the WAV file at path to a mono waveform.
func ReadWAVFile(path string) (Waveform, error) {
	file, err := os.Open(path)
	if err != nil {
		return Waveform{}, fmt.Errorf("open wav file: %w", err)
	}
	defer file.Close()
	return DecodeWAV(file)
}

// seekBuffer is an in-memory io.WriteSeeker; the wav encoder seeks back to
// patch chunk sizes on Close.
type seekBuffer struct {
	buf []byte
	pos int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if need := s.pos + len(p); need > len(s.buf) {
		s.buf = append(s.buf, make([]byte, need-len(s.buf))...)
	}
	copy(s.buf[s.pos:], p)
	s.pos += len(p)
	return len(p), nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var next int64
	switch whence {
	case io.SeekStart:
		next = offset
	case io.SeekCurrent:
		next = int64(s.pos) + offset
	case io.SeekEnd:
		next = int64(len(s.buf)) + offset
	default:
		return 0, errors.New("invalid whence")
	}
	if next < 0 {
		return 0, errors.New("negative position")
	}
	s.pos = int(next)
	return next, nil
}

func (s *seekBuffer) Bytes() []byte {
	return bytes.Clone(s.buf)
}
