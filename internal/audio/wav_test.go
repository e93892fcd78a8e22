package audio

import (
	"bytes"
	"math"
	"os"
	"path/filepath"
	"testing"
)

func sine(rate int, seconds float64) Waveform {
	n := int(float64(rate) * seconds)
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/float64(rate)))
	}
	return Waveform{Samples: samples, SampleRate: rate}
}

func TestWAVRoundTrip(t *testing.T) {
	wf := sine(24000, 1.25)
	data, err := WAVBytes(wf)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(data, []byte("RIFF")) {
		t.Fatalf("expected RIFF header")
	}
	got, err := DecodeWAV(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SampleRate != wf.SampleRate {
		t.Fatalf("sample rate mismatch: %d vs %d", got.SampleRate, wf.SampleRate)
	}
	if len(got.Samples) != len(wf.Samples) {
		t.Fatalf("sample count mismatch: %d vs %d", len(got.Samples), len(wf.Samples))
	}
	for i := 0; i < len(got.Samples); i += 997 {
		if diff := math.Abs(float64(got.Samples[i] - wf.Samples[i])); diff > 0.001 {
			t.Fatalf("sample %d drifted by %f", i, diff)
		}
	}
}

func TestWAVFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "clip.wav")
	wf := sine(16000, 0.5)
	if err := WriteWAVFile(path, wf); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, err := ReadWAVFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.SampleRate != 16000 || len(got.Samples) != len(wf.Samples) {
		t.Fatalf("unexpected waveform: rate=%d samples=%d", got.SampleRate, len(got.Samples))
	}
}

func TestWriteWAVFileRemovesPartialOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.wav")
	if err := WriteWAVFile(path, Waveform{Samples: []float32{0.1}, SampleRate: 0}); err == nil {
		t.Fatal("expected error for zero sample rate")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected partial file removed, stat err %v", err)
	}
}

func TestDecodeWAVRejectsGarbage(t *testing.T) {
	if _, err := DecodeWAV(bytes.NewReader([]byte("not a wav file at all"))); err == nil {
		t.Fatal("expected error")
	}
}

func TestDurationAndTrim(t *testing.T) {
	wf := Waveform{Samples: make([]float32, 24000*10), SampleRate: 24000}
	if wf.DurationMS() != 10000 {
		t.Fatalf("expected 10000ms, got %d", wf.DurationMS())
	}
	wf.TrimHead(8.2)
	if wf.DurationMS() != 1800 {
		t.Fatalf("expected 1800ms after trim, got %d", wf.DurationMS())
	}
	wf.TrimHead(100)
	if len(wf.Samples) != 0 {
		t.Fatalf("expected empty waveform")
	}
}

func TestConcat(t *testing.T) {
	wf := Concat(22050, []float32{1, 2}, nil, []float32{3})
	if len(wf.Samples) != 3 || wf.Samples[2] != 3 || wf.SampleRate != 22050 {
		t.Fatalf("unexpected concat result: %+v", wf)
	}
}

func TestDownmixAndResample(t *testing.T) {
	mono := Downmix([]float32{1, 0, 0.5, 0.5}, 2)
	if len(mono) != 2 || mono[0] != 0.5 || mono[1] != 0.5 {
		t.Fatalf("unexpected downmix: %v", mono)
	}
	in := make([]float32, 48000)
	out := Resample(in, 48000, 16000)
	if len(out) != 16000 {
		t.Fatalf("expected 16000 samples, got %d", len(out))
	}
	same := Resample(in, 16000, 16000)
	if len(same) != len(in) {
		t.Fatalf("expected passthrough")
	}
}

func TestPCMConversions(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 2, -2}
	back := BytesToFloat32(Float32ToBytes(in))
	if len(back) != len(in) {
		t.Fatalf("length mismatch")
	}
	if back[3] != 1 || back[4] != -1 {
		t.Fatalf("expected clamping, got %v", back)
	}
}
