package ingest

import (
	"bytes"
	"fmt"
	"io"

	"github.com/hajimehoshi/go-mp3"
	"github.com/loqalabs/loqa-clone/internal/audio"
	"github.com/loqalabs/loqa-clone/internal/transcode"
)

// decodeNative decodes WAV and MP3 in-process, downmixes, and resamples only
// when the source rate differs from the target.
func (n *Normalizer) decodeNative(raw []byte, ext string) (*Reference, error) {
	var (
		wf  audio.Waveform
		err error
	)
	switch ext {
	case ".wav":
		wf, err = audio.DecodeWAV(bytes.NewReader(raw))
	case ".mp3":
		wf, err = decodeMP3(raw)
	default:
		return nil, &Error{Stage: "decode", Err: fmt.Errorf("container %s not supported by native decoder", ext)}
	}
	if err != nil {
		return nil, &Error{Stage: "decode", Err: err}
	}
	if len(wf.Samples) == 0 {
		return nil, &Error{Stage: "decode", Err: fmt.Errorf("reference audio has no samples")}
	}

	if wf.SampleRate != n.cfg.SampleRate {
		wf = audio.Waveform{Samples: audio.Resample(wf.Samples, wf.SampleRate, n.cfg.SampleRate), SampleRate: n.cfg.SampleRate}
	}

	outPath := transcode.ScratchPath(n.scratchDir, "loqa_ref_", ".wav")
	if err := audio.WriteWAVFile(outPath, wf); err != nil {
		return nil, &Error{Stage: "decode", Err: err}
	}
	return &Reference{Path: outPath, SampleRate: n.cfg.SampleRate}, nil
}

// decodeMP3 returns mono samples; go-mp3 always yields 16-bit stereo frames.
func decodeMP3(raw []byte) (audio.Waveform, error) {
	decoder, err := mp3.NewDecoder(bytes.NewReader(raw))
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("mp3 decode: %w", err)
	}
	pcm, err := io.ReadAll(decoder)
	if err != nil {
		return audio.Waveform{}, fmt.Errorf("read mp3 pcm: %w", err)
	}
	const bytesPerFrame = 4
	pcm = pcm[:len(pcm)/bytesPerFrame*bytesPerFrame]
	samples := audio.Downmix(audio.BytesToFloat32(pcm), 2)
	return audio.Waveform{Samples: samples, SampleRate: decoder.SampleRate()}, nil
}
