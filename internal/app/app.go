// Package app wires all vocalid subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until the context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject in-memory stores and a mock model via functional
// options (WithSegmentStore, WithVoiceprintStore, etc.). When an option is
// not provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/vocalid/internal/api"
	"github.com/MrWong99/vocalid/internal/cluster"
	"github.com/MrWong99/vocalid/internal/config"
	"github.com/MrWong99/vocalid/internal/correction"
	"github.com/MrWong99/vocalid/internal/health"
	"github.com/MrWong99/vocalid/internal/identify"
	"github.com/MrWong99/vocalid/internal/identity"
	"github.com/MrWong99/vocalid/internal/observe"
	"github.com/MrWong99/vocalid/internal/reconcile"
	"github.com/MrWong99/vocalid/pkg/diarize"
	dpostgres "github.com/MrWong99/vocalid/pkg/diarize/postgres"
	"github.com/MrWong99/vocalid/pkg/mediapath"
	"github.com/MrWong99/vocalid/pkg/voiceprint"
	vpostgres "github.com/MrWong99/vocalid/pkg/voiceprint/postgres"
)

// App owns all subsystem lifetimes and serves the correction API.
type App struct {
	cfg   *config.Config
	model voiceprint.Model

	// Stores — PostgreSQL when a DSN is configured, in-memory otherwise.
	segments diarize.SegmentStore
	speakers diarize.SpeakerStore
	prints   voiceprint.Store
	pool     *pgxpool.Pool

	// Subsystems — initialised in New, torn down in Shutdown.
	extractor  *voiceprint.Extractor
	identifier *identify.Identifier
	workflow   *correction.Workflow
	engine     *cluster.Engine
	job        *reconcile.Job
	directory  *identity.Directory
	server     *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithSegmentStore injects a segment store instead of creating one from config.
func WithSegmentStore(s diarize.SegmentStore) Option {
	return func(a *App) { a.segments = s }
}

// WithSpeakerStore injects a speaker store instead of creating one from config.
func WithSpeakerStore(s diarize.SpeakerStore) Option {
	return func(a *App) { a.speakers = s }
}

// WithVoiceprintStore injects a voiceprint store instead of creating one from config.
func WithVoiceprintStore(s voiceprint.Store) Option {
	return func(a *App) { a.prints = s }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The model comes from
// main.go (created via the config registry) and is owned by the App from here
// on: it is closed during Shutdown. Use Option functions to inject test
// doubles for any store.
func New(ctx context.Context, cfg *config.Config, model voiceprint.Model, opts ...Option) (*App, error) {
	if model == nil {
		return nil, errors.New("app: an embedding model is required")
	}
	a := &App{
		cfg:   cfg,
		model: model,
	}
	for _, o := range opts {
		o(a)
	}
	a.closers = append(a.closers, model.Close)

	// ── 1. Stores ────────────────────────────────────────────────────────
	if err := a.initStores(ctx); err != nil {
		return nil, fmt.Errorf("app: init stores: %w", err)
	}

	// ── 2. Identification pipeline ───────────────────────────────────────
	a.initPipeline()

	// ── 3. HTTP server ───────────────────────────────────────────────────
	a.initServer()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStores connects the PostgreSQL stores, or falls back to the in-memory
// implementations when no DSN is configured and nothing was injected.
func (a *App) initStores(ctx context.Context) error {
	if a.segments != nil && a.speakers != nil && a.prints != nil {
		return nil // all injected
	}

	dsn := a.cfg.Store.PostgresDSN
	if dsn == "" {
		slog.Warn("no postgres_dsn configured, using in-memory stores; data will not survive a restart")
		mem := diarize.NewMemStore()
		if a.segments == nil {
			a.segments = mem
		}
		if a.speakers == nil {
			a.speakers = mem
		}
		if a.prints == nil {
			a.prints = voiceprint.NewMemStore()
		}
		return nil
	}

	pool, err := vpostgres.NewPool(ctx, dsn)
	if err != nil {
		return err
	}
	a.pool = pool
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	if a.prints == nil {
		store, err := vpostgres.NewStore(ctx, pool, a.model.Dimensions())
		if err != nil {
			return err
		}
		a.prints = store
	}
	if a.segments == nil || a.speakers == nil {
		store, err := dpostgres.NewStore(ctx, pool)
		if err != nil {
			return err
		}
		if a.segments == nil {
			a.segments = store
		}
		if a.speakers == nil {
			a.speakers = store
		}
	}
	return nil
}

// initPipeline builds the extraction, identification, clustering, correction
// and reconciliation subsystems on top of the stores.
func (a *App) initPipeline() {
	resolver := mediapath.New(
		mediapath.WithContainerBase(a.cfg.Media.ContainerBase),
		mediapath.WithRelativeBase(a.cfg.Media.RelativeBase),
		mediapath.WithSearchBases(a.cfg.Media.SearchBases...),
	)
	a.extractor = voiceprint.NewExtractor(a.model, resolver,
		voiceprint.WithRecorder(observe.DefaultMetrics()),
	)

	a.identifier = identify.New(a.prints, a.cfg.Identify.Threshold,
		identify.WithScope(identify.Scope(a.cfg.Identify.Scope)),
	)
	a.workflow = correction.New(a.segments, a.speakers, a.prints, a.extractor,
		correction.WithIdentifier(a.identifier),
	)
	a.engine = cluster.New(a.prints, a.segments, cluster.Params{
		MinClusterSize:   a.cfg.Cluster.MinClusterSize,
		MinSamples:       a.cfg.Cluster.MinSamples,
		MaxIntraDistance: a.cfg.Cluster.MaxIntraDistance,
	})
	a.job = reconcile.New(a.segments, a.prints, a.extractor, slog.Default())
	a.directory = identity.New(a.speakers)
}

// initServer assembles the HTTP mux: correction API, health probes and the
// Prometheus scrape endpoint, all behind the observability middleware.
func (a *App) initServer() {
	mux := http.NewServeMux()

	apiServer := api.New(a.workflow, a.engine, a.job, a.directory,
		api.WithReconcileDefaults(reconcile.Options{
			Limit:          a.cfg.Reconcile.Limit,
			OnlyAssigned:   a.cfg.Reconcile.OnlyAssigned,
			Repair:         a.cfg.Reconcile.Repair,
			MaxFailureRate: a.cfg.Reconcile.MaxFailureRate,
		}),
	)
	apiServer.Register(mux)

	checkers := []health.Checker{a.modelChecker()}
	if a.pool != nil {
		checkers = append(checkers, health.DatabaseChecker(a.pool))
	}
	health.New(checkers...).Register(mux)

	mux.Handle("GET /metrics", promhttp.Handler())

	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// modelChecker reports readiness of the embedding model. Zero dimensions
// means the model never initialised properly.
func (a *App) modelChecker() health.Checker {
	return health.Checker{
		Name: "model",
		Check: func(ctx context.Context) error {
			if a.model.Dimensions() <= 0 {
				return errors.New("embedding model unreachable")
			}
			return nil
		},
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves HTTP and blocks until ctx is cancelled or the listener fails.
// Cancellation is the normal way to stop; Run then returns ctx.Err() and the
// caller is expected to invoke Shutdown.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		// Unblock ListenAndServe so the serve goroutine exits. The real
		// drain with a deadline happens in Shutdown.
		closeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.server.Shutdown(closeCtx)
		return gctx.Err()
	})

	slog.Info("serving", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	return g.Wait()
}

// Reconcile runs a single reconciliation pass over runID without serving
// HTTP. It backs the command-line one-shot mode; the HTTP endpoint goes
// through the same job.
func (a *App) Reconcile(ctx context.Context, runID string, opts reconcile.Options) (reconcile.Report, error) {
	return a.job.Run(ctx, runID, opts)
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown drains the HTTP server, then tears down all subsystems in order.
// It respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		// Stop accepting requests first so closers never race in-flight work.
		if err := a.server.Shutdown(ctx); err != nil {
			slog.Warn("http server shutdown error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}
