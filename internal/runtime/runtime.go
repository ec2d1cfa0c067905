package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/C25Ronaldo/voice-pick-bot/internal/bus"
	"github.com/C25Ronaldo/voice-pick-bot/internal/config"
	"github.com/C25Ronaldo/voice-pick-bot/internal/dispatch"
	"github.com/C25Ronaldo/voice-pick-bot/internal/eventstore"
	"github.com/C25Ronaldo/voice-pick-bot/internal/jobs"
	"github.com/C25Ronaldo/voice-pick-bot/internal/natsserver"
	"github.com/C25Ronaldo/voice-pick-bot/internal/presence"
	"github.com/C25Ronaldo/voice-pick-bot/internal/protocol"
	"github.com/C25Ronaldo/voice-pick-bot/internal/segment"
	"github.com/C25Ronaldo/voice-pick-bot/internal/tts"
	"github.com/C25Ronaldo/voice-pick-bot/internal/worker"
)

const (
	shutdownTimeout = 30 * time.Second
	pruneInterval   = 24 * time.Hour
)

type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer    *http.Server
	metricsServer *http.Server
	tracerClose   func(context.Context) error
	nats          *natsserver.EmbeddedServer
	bus           *bus.Client
	events        *eventstore.Store
	engine        tts.Engine
	executor      *worker.Executor
	loop          *jobs.Loop
	dispatch      *dispatch.Service
	presence      *presence.Registry

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up, blocks until ctx is cancelled, then
// tears them down in reverse order.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	tel, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = tel.shutdown
	metricsHandler := tel.metrics

	if err := r.startServices(ctx); err != nil {
		r.stop()
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	mux.HandleFunc("/peers", r.handlePeers)
	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind == "" {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer, "http")

	if metricsHandler != nil && r.cfg.Telemetry.PrometheusBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsServer = &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		r.serve(r.metricsServer, "metrics")
	}

	r.wg.Add(1)
	go r.pruneEvents(ctx)

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("engine", r.cfg.TTS.Mode),
		slog.Int("max_clip_length", r.cfg.Segment.MaxLength))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.stop()
	return nil
}

func (r *Runtime) startServices(ctx context.Context) error {
	var err error
	r.nats, err = natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded nats: %w", err)
	}
	busCfg := r.cfg.Bus
	if r.nats != nil {
		busCfg.Servers = []string{r.nats.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, r.cfg.RuntimeName, busCfg, r.logger)
	if err != nil {
		return err
	}

	r.events, err = eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	r.engine, err = newEngine(r.cfg.TTS)
	if err != nil {
		return err
	}
	for _, dir := range []string{r.cfg.TTS.VoicesDir, r.cfg.TTS.ResultsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	runner := tts.NewRunner(r.engine, r.logger)
	orchestrator := tts.NewOrchestrator(runner, segment.New(r.cfg.Segment.MaxLength), r.engine, r.logger)

	// both stop through Close so the running job can finish
	r.executor = worker.New("inference", r.logger)
	r.executor.Start(context.WithoutCancel(ctx))
	r.loop = jobs.NewLoop(r.logger)
	r.loop.Start(context.WithoutCancel(ctx))

	publisher := dispatch.NewPublisher(r.bus, r.cfg.Dispatch.CaptionChars, r.logger)
	bridge, err := jobs.NewBridge(jobs.Options{
		Executor:    r.executor,
		Synthesizer: orchestrator,
		Dispatcher:  r.loop,
		Deliverer:   publisher,
		Reporter:    publisher,
		Recorder:    r.events,
		VoicesDir:   r.cfg.TTS.VoicesDir,
		Logger:      r.logger,
	})
	if err != nil {
		return err
	}

	r.presence, err = presence.NewRegistry(ctx, r.cfg.Node, r.bus, presence.Profile{
		Runtime:    r.cfg.RuntimeName,
		Engine:     r.cfg.TTS.Mode,
		SampleRate: r.cfg.TTS.SampleRate,
		MaxSamples: r.cfg.TTS.MaxSamples,
	}, r.executor, r.logger)
	if err != nil {
		return fmt.Errorf("start presence: %w", err)
	}

	if !r.cfg.Dispatch.Enabled {
		r.logger.Info("dispatch disabled; not accepting requests")
		return nil
	}
	r.dispatch, err = dispatch.NewService(ctx, r.bus, bridge, publisher, dispatch.Options{
		ResultsDir: r.cfg.TTS.ResultsDir,
		MaxChars:   r.cfg.TTS.MaxChars,
		MaxSamples: r.cfg.TTS.MaxSamples,
		Backlog:    r.executor,
		Logger:     r.logger,
	})
	if err != nil {
		return fmt.Errorf("start dispatch: %w", err)
	}
	return nil
}

func newEngine(cfg config.TTSConfig) (tts.Engine, error) {
	switch cfg.Mode {
	case "exec":
		engine, err := tts.NewExecSynth(cfg.Command, cfg.SampleRate)
		if err != nil {
			return nil, fmt.Errorf("create exec engine: %w", err)
		}
		return engine, nil
	default:
		return tts.NewMockSynth(cfg.SampleRate), nil
	}
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

func (r *Runtime) pruneEvents(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.events.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// stop releases whatever startServices managed to bring up.
func (r *Runtime) stop() {
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()

	for _, srv := range []*http.Server{r.httpServer, r.metricsServer} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.dispatch != nil {
		r.dispatch.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.executor != nil {
		if err := r.executor.Close(shutdownCtx); err != nil {
			r.logger.Error("inference worker shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.loop != nil {
		if err := r.loop.Close(shutdownCtx); err != nil {
			r.logger.Error("caller loop shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.engine != nil {
		if err := r.engine.Close(); err != nil {
			r.logger.Error("engine shutdown error", slog.String("error", err.Error()))
		}
	}
	if r.events != nil {
		if err := r.events.Close(); err != nil {
			r.logger.Error("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.presence != nil && r.presence.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

type peerView struct {
	protocol.WorkerStatus
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

// handlePeers lists known daemons, healthy and least loaded first, so a
// front-end can pick where to send its next request.
func (r *Runtime) handlePeers(w http.ResponseWriter, _ *http.Request) {
	if r.presence == nil {
		http.Error(w, "presence not started", http.StatusServiceUnavailable)
		return
	}
	peers := r.presence.Peers()
	out := make([]peerView, 0, len(peers))
	for _, p := range peers {
		out = append(out, peerView{WorkerStatus: p.Status, LastSeen: p.LastSeen.UTC(), Healthy: p.Healthy})
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(out); err != nil {
		r.logger.Warn("failed to encode peers", slog.String("error", err.Error()))
	}
}
