// Package app wires the scoping server runtime: config, logging, metrics,
// HTTP routes, the document-store gateway and the connections endpoint.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"scoping/cmd/internal/connections"
	"scoping/cmd/internal/docstore"
	"scoping/cmd/security/token"
)

// App is the scoping server runtime: it owns the HTTP server, the document
// store and the Postgres change listener.
type App struct {
	cfg Config
	log Logger

	registry *prometheus.Registry
	metrics  *HTTPMetrics

	dbPool   *pgxpool.Pool
	listener *docstore.Listener

	backend     docstore.Backend
	gateway     *docstore.Gateway
	connections *connections.Handler
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	issuer, err := token.NewIssuerFromEnv(cfg.TokenTTL)
	if err != nil {
		return nil, err
	}
	sealer, err := token.NewSealerFromEnv()
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	notifier := docstore.NewNotifier()
	st, err := newStores(ctx, cfg, log, notifier)
	if err != nil {
		return nil, err
	}

	docs, err := docstore.NewDocs(log, st.backend, notifier)
	if err != nil {
		st.close()
		return nil, err
	}

	gw, err := docstore.NewGateway(log, docs, issuer, docstore.GatewayConfig{
		OriginRequired:     cfg.WSOriginRequired,
		AllowedOrigins:     cfg.WSAllowedOrigins,
		InsecureSkipVerify: cfg.WSInsecureSkipVerify,
	}, docstore.NewGatewayMetrics(reg))
	if err != nil {
		st.close()
		return nil, err
	}

	conns, err := connections.NewHandler(log, issuer, sealer, st.connections, map[string]connections.Validator{
		connections.TypeTeamwork: connections.NewTeamworkValidator(cfg.TeamworkEndpoint, cfg.ValidatorTimeout),
	})
	if err != nil {
		st.close()
		return nil, err
	}

	return &App{
		cfg:         cfg,
		log:         log,
		registry:    reg,
		metrics:     NewHTTPMetrics(reg),
		dbPool:      st.pool,
		listener:    st.listener,
		backend:     st.backend,
		gateway:     gw,
		connections: conns,
	}, nil
}

// Handler returns the root handler with every route and middleware applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, routes{
		log:         a.log,
		cfg:         a.cfg,
		dbPool:      a.dbPool,
		gatherer:    a.registry,
		gateway:     a.gateway,
		connections: a.connections,
	})

	var h http.Handler = mux
	h = WithCORS(h, a.cfg, a.log)
	h = WithSecurityHeaders(h)
	return WithRequestLogging(h, a.log, a.metrics)
}

// Run starts the HTTP server and the change listener and blocks until ctx
// is cancelled or either fails.
func (a *App) Run(ctx context.Context) error {
	defer a.close()

	if a.cfg.SeedUser != "" {
		if err := seedDemo(ctx, a.backend, a.cfg.SeedUser, time.Now().UTC()); err != nil {
			a.log.Warn("seed.fail", "user_id", a.cfg.SeedUser, "err", err)
		} else {
			a.log.Info("seed.done", "user_id", a.cfg.SeedUser)
		}
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.log.Info("server.start",
			"addr", a.cfg.HTTPAddr,
			"ws_url", wsBaseURL(runtimeBaseURL(a.cfg.HTTPAddr))+"/ws",
			"db_enabled", a.dbPool != nil,
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.log.Error("server.fail", "err", err)
			return err
		}
		return nil
	})

	if a.listener != nil {
		g.Go(func() error {
			if err := a.listener.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("docstore.listener.fail", "err", err)
				return fmt.Errorf("change listener: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		a.log.Info("server.stop", "reason", context.Cause(gctx))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), nonZeroDuration(a.cfg.ShutdownTimeout, 10*time.Second))
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.log.Error("server.shutdown.fail", "err", err)
			return err
		}
		return nil
	})

	err := g.Wait()
	a.log.Info("server.stopped")
	return err
}

func (a *App) close() {
	if a.dbPool != nil {
		a.dbPool.Close()
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// stores is what newStores picked for the configured backend.
type stores struct {
	backend     docstore.Backend
	connections connections.Store
	pool        *pgxpool.Pool
	listener    *docstore.Listener
}

func (s stores) close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// newStores decides between Postgres-backed persistence and in-memory dev stores.
func newStores(ctx context.Context, cfg Config, log Logger, notifier *docstore.Notifier) (stores, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return stores{
			backend:     docstore.NewMemoryStore(notifier),
			connections: connections.NewMemoryStore(),
		}, nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return stores{}, err
	}
	st := stores{pool: pool}

	// Ownership model:
	// - app owns pool lifecycle
	// - stores and listener only borrow it
	docStore, err := docstore.NewPostgresStore(pool, docstore.WithSchema(cfg.DBSchema))
	if err != nil {
		st.close()
		return stores{}, err
	}
	connStore, err := connections.NewPostgresStore(pool, cfg.DBSchema)
	if err != nil {
		st.close()
		return stores{}, err
	}

	if cfg.DBApplySchema {
		if err := docStore.ApplySchema(ctx); err != nil {
			st.close()
			return stores{}, fmt.Errorf("docstore schema: %w", err)
		}
		if err := connStore.ApplySchema(ctx); err != nil {
			st.close()
			return stores{}, fmt.Errorf("connections schema: %w", err)
		}
	}

	listener, err := docstore.NewListener(log, pool, notifier)
	if err != nil {
		st.close()
		return stores{}, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)
	st.backend = docStore
	st.connections = connStore
	st.listener = listener
	return st, nil
}
