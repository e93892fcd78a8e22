// Package audio holds the in-memory waveform representation shared by the
// synthesis pipeline and the PCM/WAV helpers used to move it across process
// boundaries.
package audio

import (
	"math"
	"time"
)

// Waveform is mono float32 audio in [-1.0, 1.0] at SampleRate.
type Waveform struct {
	Samples    []float32
	SampleRate int
}

// Seconds returns the waveform length in seconds.
func (w Waveform) Seconds() float64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return float64(len(w.Samples)) / float64(w.SampleRate)
}

// Duration returns the waveform length as a time.Duration.
func (w Waveform) Duration() time.Duration {
	return time.Duration(w.Seconds() * float64(time.Second))
}

// DurationMS is round(samples / rate * 1000).
func (w Waveform) DurationMS() int64 {
	if w.SampleRate <= 0 {
		return 0
	}
	return int64(math.Round(float64(len(w.Samples)) / float64(w.SampleRate) * 1000))
}

// TrimHead drops the given number of seconds from the start. Trimming past
// the end leaves an empty waveform.
func (w *Waveform) TrimHead(seconds float64) {
	if seconds <= 0 || w.SampleRate <= 0 {
		return
	}
	n := int(math.Round(seconds * float64(w.SampleRate)))
	if n >= len(w.Samples) {
		w.Samples = w.Samples[:0]
		return
	}
	w.Samples = w.Samples[n:]
}

// Concat joins sample buffers along time at the given rate.
func Concat(sampleRate int, parts ...[]float32) Waveform {
	total := 0
	for _, p := range parts {
		total += len(p)
	}
	out := make([]float32, 0, total)
	for _, p := range parts {
		out = append(out, p...)
	}
	return Waveform{Samples: out, SampleRate: sampleRate}
}
