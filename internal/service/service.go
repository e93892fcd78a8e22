// Package service exposes the synthesis pipeline as NATS request/reply.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/loqalabs/loqa-clone/internal/bus"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/dispatch"
	"github.com/loqalabs/loqa-clone/internal/protocol"
	"github.com/nats-io/nats.go"
)

// statusRetention bounds how long job status events stay in the stream.
const statusRetention = 7 * 24 * time.Hour

type Handler interface {
	Handle(ctx context.Context, req protocol.SynthesisRequest) protocol.SynthesisResponse
}

type SpeakerLister interface {
	Speakers(ctx context.Context) ([]string, error)
}

type Service struct {
	cfg      config.ServiceConfig
	bus      *bus.Client
	handler  Handler
	speakers SpeakerLister
	sema     chan struct{}
	subs     []*nats.Subscription
	closed   bool
	mu       sync.Mutex
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	logger   *slog.Logger
}

func New(parent context.Context, cfg config.ServiceConfig, busClient *bus.Client, handler Handler, speakers SpeakerLister, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	concurrency := cfg.MaxConcurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Service{
		cfg:      cfg,
		bus:      busClient,
		handler:  handler,
		speakers: speakers,
		sema:     make(chan struct{}, concurrency),
		ctx:      ctx,
		cancel:   cancel,
		logger:   log.With(slog.String("component", "clone-service")),
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	if s.cfg.StatusStream != "" {
		if err := s.bus.EnsureStream(s.cfg.StatusStream, statusRetention, protocol.SubjectJobStatus); err != nil {
			s.logger.Warn("status stream unavailable", slogError(err))
		}
	}

	conn := s.bus.Conn()
	reqSub, err := conn.QueueSubscribe(protocol.SubjectSynthesisRequest, s.cfg.QueueGroup, s.handleRequest)
	if err != nil {
		return err
	}
	speakerSub, err := conn.QueueSubscribe(protocol.SubjectSpeakersRequest, s.cfg.QueueGroup, s.handleSpeakers)
	if err != nil {
		_ = reqSub.Unsubscribe()
		return err
	}

	s.mu.Lock()
	s.subs = append(s.subs, reqSub, speakerSub)
	s.mu.Unlock()
	s.logger.Info("clone service listening",
		slog.String("subject", protocol.SubjectSynthesisRequest),
		slog.String("queue", s.cfg.QueueGroup),
		slog.Int("concurrency", cap(s.sema)))
	return nil
}

// Close stops accepting messages and waits for in-flight requests. Drain is
// asynchronous, so handlers still being delivered are turned away by the
// closed flag rather than joining the wait group.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		_ = sub.Drain()
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	if !s.cfg.Enabled {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs) > 0
}

func (s *Service) handleRequest(msg *nats.Msg) {
	var req protocol.SynthesisRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		s.logger.Warn("failed to decode synthesis request", slogError(err))
		s.reply(msg, protocol.SynthesisResponse{Error: "validation_error", Detail: "invalid request payload: " + err.Error()})
		return
	}

	if !s.track() {
		s.reply(msg, protocol.SynthesisResponse{RequestID: req.RequestID, Error: "engine_error", Detail: "service shutting down"})
		return
	}
	go func() {
		defer s.wg.Done()

		select {
		case s.sema <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sema }()

		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()

		start := time.Now()
		resp := s.handler.Handle(ctx, req)
		s.reply(msg, resp)
		if !resp.Pong {
			s.publishStatus(req, resp, time.Since(start))
		}
	}()
}

func (s *Service) handleSpeakers(msg *nats.Msg) {
	if !s.track() {
		s.reply(msg, protocol.SpeakersResponse{Status: "error", Speakers: []string{}, Error: "service shutting down"})
		return
	}
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.RequestTimeoutMS)*time.Millisecond)
		defer cancel()

		resp := protocol.SpeakersResponse{Status: "ok", Speakers: []string{}}
		speakers, err := s.speakers.Speakers(ctx)
		if err != nil {
			resp = protocol.SpeakersResponse{Status: "error", Speakers: []string{}, Error: err.Error()}
		} else if speakers != nil {
			resp.Speakers = speakers
		}
		s.reply(msg, resp)
	}()
}

// track registers an in-flight handler unless the service is closing.
func (s *Service) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Service) reply(msg *nats.Msg, payload any) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("failed to marshal reply", slogError(err))
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to send reply", slogError(err))
	}
}

func (s *Service) publishStatus(req protocol.SynthesisRequest, resp protocol.SynthesisResponse, elapsed time.Duration) {
	status := protocol.JobStatus{
		RequestID:  resp.RequestID,
		Mode:       dispatch.NormalizeMode(req.Mode),
		Format:     resp.Format,
		Completed:  !resp.Failed(),
		ErrorKind:  resp.Error,
		DurationMS: resp.DurationMS,
		LatencyMS:  elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		return
	}
	if err := s.bus.Conn().Publish(protocol.SubjectJobStatus, data); err != nil {
		s.logger.Warn("failed to publish job status", slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
