package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-clone/internal/bus"
	"github.com/loqalabs/loqa-clone/internal/capability"
	"github.com/loqalabs/loqa-clone/internal/config"
	"github.com/loqalabs/loqa-clone/internal/dispatch"
	"github.com/loqalabs/loqa-clone/internal/encode"
	"github.com/loqalabs/loqa-clone/internal/engine"
	"github.com/loqalabs/loqa-clone/internal/ingest"
	"github.com/loqalabs/loqa-clone/internal/jobstore"
	"github.com/loqalabs/loqa-clone/internal/natsserver"
	"github.com/loqalabs/loqa-clone/internal/pipeline"
	"github.com/loqalabs/loqa-clone/internal/postprocess"
	"github.com/loqalabs/loqa-clone/internal/protocol"
	"github.com/loqalabs/loqa-clone/internal/service"
	"github.com/loqalabs/loqa-clone/internal/transcode"
)

// pruneInterval is how often job history retention is applied.
const pruneInterval = time.Hour

type Runtime struct {
	cfg            config.Config
	logger         *slog.Logger
	httpServer     *http.Server
	metricsServer  *http.Server
	telemetryClose func(context.Context) error
	ready          atomic.Bool
	wg             sync.WaitGroup

	embedded *natsserver.EmbeddedServer
	bus      *bus.Client
	registry *capability.Registry
	service  *service.Service
	jobs     *jobstore.Store
	gateway  *engine.Gateway
	pipeline *pipeline.Pipeline
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.telemetryClose = tel.Shutdown
	metricsHandler := tel.metrics

	if err := r.buildPipeline(ctx); err != nil {
		r.shutdown()
		return err
	}
	if err := r.startBus(ctx); err != nil {
		r.shutdown()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(metricsHandler),
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.runPrune(ctx)
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.Engine.Mode),
		slog.Bool("bus", r.bus != nil))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	r.shutdown()
	return nil
}

func (r *Runtime) serve(srv *http.Server, name string) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			r.logger.Error(name+" server failed", slog.String("error", err.Error()))
		}
	}()
}

// buildPipeline wires transcoder, ingest, engine gateway, post-processing,
// encoding and job history into the request pipeline.
func (r *Runtime) buildPipeline(ctx context.Context) error {
	cfg := r.cfg
	scratch := cfg.Transcoder.ScratchDir
	if scratch != "" {
		if err := os.MkdirAll(scratch, 0o755); err != nil {
			return fmt.Errorf("create scratch dir: %w", err)
		}
	}

	transcoder, err := transcode.New(cfg.Transcoder)
	if err != nil {
		return err
	}

	gateway, err := newGateway(cfg.Engine, r.logger)
	if err != nil {
		return err
	}
	r.gateway = gateway

	jobs, err := jobstore.Open(ctx, cfg.JobStore, r.logger.With(slog.String("component", "jobstore")))
	if err != nil {
		return fmt.Errorf("open job store: %w", err)
	}
	if err := jobs.Ensure(); err != nil {
		jobs.Close()
		return err
	}
	r.jobs = jobs

	r.pipeline = pipeline.New(
		dispatch.New(ingest.New(cfg.Ingest, scratch, transcoder, r.logger), gateway, r.logger),
		postprocess.New(cfg.PostProcess, scratch, transcoder, r.logger),
		encode.New(cfg.Encode, scratch, transcoder),
		jobs,
		cfg.Encode.DefaultFormat,
		r.logger,
	)
	return nil
}

func newGateway(cfg config.EngineConfig, logger *slog.Logger) (*engine.Gateway, error) {
	switch cfg.Mode {
	case "exec":
		artifacts, err := engine.NewArtifactStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		loader, err := engine.NewExecLoader(cfg, logger)
		if err != nil {
			return nil, err
		}
		return engine.NewGateway(artifacts, cfg.ModelDir, loader, logger), nil
	default:
		speakers := cfg.Speakers
		if len(speakers) == 0 {
			speakers = engine.DefaultMockSpeakers
		}
		return engine.NewGateway(nil, cfg.ModelDir, engine.NewMockLoader(cfg.SampleRate, speakers), logger), nil
	}
}

func (r *Runtime) startBus(ctx context.Context) error {
	if !r.cfg.Bus.Enabled {
		return nil
	}
	busCfg := r.cfg.Bus
	embedded, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.embedded = embedded
	if embedded != nil {
		busCfg.Servers = []string{embedded.ClientURL()}
	}

	client, err := bus.Connect(ctx, busCfg, r.cfg.RuntimeName, r.logger)
	if err != nil {
		return err
	}
	r.bus = client

	formats := []string{protocol.FormatMP3, protocol.FormatWAV, protocol.FormatOgg, protocol.FormatFLAC}
	registry, err := capability.NewRegistry(ctx, r.cfg.Node,
		[]capability.Capability{capability.Synthesis(r.cfg.Engine.Mode, r.cfg.Engine.SampleRate, formats)},
		client, r.logger)
	if err != nil {
		return fmt.Errorf("start capability registry: %w", err)
	}
	r.registry = registry

	svc := service.New(ctx, r.cfg.Service, client, r.pipeline, r.gateway, r.logger)
	if err := svc.Start(); err != nil {
		return fmt.Errorf("start clone service: %w", err)
	}
	r.service = svc
	return nil
}

func (r *Runtime) runPrune(ctx context.Context) {
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.jobs.Prune(ctx); err != nil {
				r.logger.Warn("job store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// shutdown tears components down in reverse start order. It tolerates
// partially started runtimes.
func (r *Runtime) shutdown() {
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.service != nil {
		r.service.Close()
	}
	if r.registry != nil {
		r.registry.Close()
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.embedded.Shutdown()
	r.wg.Wait()

	if r.gateway != nil {
		if err := r.gateway.Close(); err != nil {
			r.logger.Warn("engine close error", slog.String("error", err.Error()))
		}
	}
	if r.jobs != nil {
		if err := r.jobs.Close(); err != nil {
			r.logger.Warn("job store close error", slog.String("error", err.Error()))
		}
	}
	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

// Ready reports whether the runtime is serving. A failed engine
// initialization makes the process permanently unready; an engine whose
// worker could not be replaced is unready until a replacement succeeds.
func (r *Runtime) Ready() bool {
	if !r.ready.Load() {
		return false
	}
	if r.gateway != nil && r.gateway.Failed() {
		return false
	}
	if r.service != nil && !r.service.Healthy() {
		return false
	}
	if r.bus != nil && !r.bus.Healthy() {
		return false
	}
	if r.registry != nil && !r.registry.Healthy() {
		return false
	}
	return true
}
