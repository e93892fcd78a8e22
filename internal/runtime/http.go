package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-clone/internal/jobstore"
	"github.com/loqalabs/loqa-clone/internal/pipeline"
	"github.com/loqalabs/loqa-clone/internal/protocol"
)

// maxRequestBody caps inline JSON payloads, which may carry base64 audio.
const maxRequestBody = 64 << 20

func (r *Runtime) routes(metrics http.Handler) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", r.handleHealth)
	mux.HandleFunc("GET /readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	mux.HandleFunc("POST /v1/synthesize", r.handleSynthesize)
	mux.HandleFunc("GET /v1/speakers", r.handleSpeakers)
	mux.HandleFunc("GET /v1/jobs", r.handleJobs)
	mux.HandleFunc("GET /v1/jobs/{id}", r.handleJob)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (r *Runtime) handleSynthesize(w http.ResponseWriter, req *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, req.Body, maxRequestBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, protocol.SynthesisResponse{Error: string(pipeline.KindValidation), Detail: fmt.Sprintf("payload too large: limit is %d bytes", tooLarge.Limit)})
			return
		}
		writeJSON(w, http.StatusBadRequest, protocol.SynthesisResponse{Error: string(pipeline.KindValidation), Detail: "read body: " + err.Error()})
		return
	}
	var synthReq protocol.SynthesisRequest
	if err := json.Unmarshal(body, &synthReq); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.SynthesisResponse{Error: string(pipeline.KindValidation), Detail: "invalid request payload: " + err.Error()})
		return
	}

	// A client disconnect must not abort work on the shared engine; the
	// request is bounded by the same timeout the bus front applies.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(req.Context()), r.requestTimeout())
	defer cancel()
	resp := r.pipeline.Handle(ctx, synthReq)
	status := http.StatusOK
	switch {
	case resp.Error == string(pipeline.KindValidation):
		status = http.StatusBadRequest
	case resp.Failed():
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, resp)
}

func (r *Runtime) requestTimeout() time.Duration {
	if ms := r.cfg.Service.RequestTimeoutMS; ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 5 * time.Minute
}

func (r *Runtime) handleSpeakers(w http.ResponseWriter, req *http.Request) {
	speakers, err := r.gateway.Speakers(req.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, protocol.SpeakersResponse{Status: "error", Speakers: []string{}, Error: err.Error()})
		return
	}
	if speakers == nil {
		speakers = []string{}
	}
	writeJSON(w, http.StatusOK, protocol.SpeakersResponse{Status: "ok", Speakers: speakers})
}

type jobView struct {
	RequestID  string `json:"request_id"`
	Mode       string `json:"mode"`
	Format     string `json:"format,omitempty"`
	Outcome    string `json:"outcome"`
	ErrorKind  string `json:"error_kind,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	LatencyMS  int64  `json:"latency_ms"`
	CreatedAt  string `json:"created_at"`
}

func toView(j jobstore.Job) jobView {
	return jobView{
		RequestID:  j.RequestID,
		Mode:       j.Mode,
		Format:     j.Format,
		Outcome:    j.Outcome,
		ErrorKind:  j.ErrorKind,
		DurationMS: j.DurationMS,
		LatencyMS:  j.LatencyMS,
		CreatedAt:  j.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	}
}

func (r *Runtime) handleJobs(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := req.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	jobs, err := r.jobs.Recent(req.Context(), limit)
	if err != nil {
		r.logger.Warn("list jobs failed", slog.String("error", err.Error()))
		http.Error(w, "job history unavailable", http.StatusInternalServerError)
		return
	}
	views := make([]jobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toView(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (r *Runtime) handleJob(w http.ResponseWriter, req *http.Request) {
	job, err := r.jobs.Get(req.Context(), req.PathValue("id"))
	if errors.Is(err, jobstore.ErrNotFound) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		r.logger.Warn("get job failed", slog.String("error", err.Error()))
		http.Error(w, "job history unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, toView(job))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
