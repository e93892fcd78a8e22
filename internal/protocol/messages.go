package protocol

import "time"

// SynthesisRequest is the inbound job payload.
type SynthesisRequest struct {
	RequestID    string  `json:"request_id,omitempty"`
	Text         string  `json:"text"`
	Mode         string  `json:"mode,omitempty"`
	PromptAudio  string  `json:"prompt_audio,omitempty"`
	PromptText   string  `json:"prompt_text,omitempty"`
	InstructText string  `json:"instruct_text,omitempty"`
	SpeakerID    string  `json:"speaker_id,omitempty"`
	Speed        float64 `json:"speed,omitempty"`
	Format       string  `json:"format,omitempty"`
}

// SynthesisResponse carries either the encoded clip or a failure, never both.
type SynthesisResponse struct {
	RequestID   string `json:"request_id,omitempty"`
	AudioBase64 string `json:"audio_base64,omitempty"`
	SampleRate  int    `json:"sample_rate,omitempty"`
	Format      string `json:"format,omitempty"`
	DurationMS  int64  `json:"duration_ms,omitempty"`

	Error  string `json:"error,omitempty"`
	Detail string `json:"detail,omitempty"`

	// Liveness acknowledgment fields.
	Status string `json:"status,omitempty"`
	Pong   bool   `json:"pong,omitempty"`
}

// Failed reports whether the response is a failure payload.
func (r SynthesisResponse) Failed() bool { return r.Error != "" }

// SpeakersResponse lists the engine's built-in voices.
type SpeakersResponse struct {
	Status   string   `json:"status"`
	Speakers []string `json:"speakers"`
	Error    string   `json:"error,omitempty"`
}

// JobStatus is broadcast after every completed pipeline transaction.
type JobStatus struct {
	RequestID  string    `json:"request_id"`
	Mode       string    `json:"mode"`
	Format     string    `json:"format,omitempty"`
	Completed  bool      `json:"completed"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms,omitempty"`
	LatencyMS  int64     `json:"latency_ms"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	// PingText is the liveness sentinel accepted in place of real text.
	PingText = "__ping__"

	ModeZeroShot     = "zero_shot"
	ModeCrossLingual = "cross_lingual"
	ModeInstruct     = "instruct"
	ModeSft          = "sft"

	FormatMP3  = "mp3"
	FormatWAV  = "wav"
	FormatOgg  = "ogg"
	FormatFLAC = "flac"
)

const (
	SubjectSynthesisRequest = "tts.clone.request"
	SubjectSpeakersRequest  = "tts.clone.speakers"
	SubjectJobStatus        = "tts.clone.status"
)
