package main

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/eb-copilot/internal/connector"
	"github.com/sells-group/eb-copilot/internal/db"
	"github.com/sells-group/eb-copilot/internal/evidence"
	"github.com/sells-group/eb-copilot/internal/extract"
	"github.com/sells-group/eb-copilot/internal/metrics"
	"github.com/sells-group/eb-copilot/internal/ocr"
	"github.com/sells-group/eb-copilot/internal/pipeline"
	"github.com/sells-group/eb-copilot/internal/queue"
	"github.com/sells-group/eb-copilot/internal/report"
	"github.com/sells-group/eb-copilot/internal/resilience"
	"github.com/sells-group/eb-copilot/internal/store"
	"github.com/sells-group/eb-copilot/internal/verification"
)

// appEnv holds the initialized store, queue and services shared by the
// serve, worker and run commands.
type appEnv struct {
	Store    store.Store
	Blobs    evidence.Store
	Queue    queue.Queue
	OCR      *ocr.Reader
	Metrics  *metrics.Metrics
	Pipeline *pipeline.Pipeline
	Service  *verification.Service
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Queue != nil {
		if err := e.Queue.Close(); err != nil {
			zap.L().Warn("close queue", zap.Error(err))
		}
	}
	if e.OCR != nil {
		_ = e.OCR.Close()
	}
	if c, ok := e.Blobs.(interface{ Close() error }); ok {
		_ = c.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initApp validates the config for mode, opens the store and wires the
// pipeline and service. Callers should defer env.Close().
func initApp(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	env := &appEnv{}
	ok := false
	defer func() {
		if !ok {
			env.Close()
		}
	}()

	st, pool, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	env.Store = st

	if err := migrateAll(ctx, st, pool); err != nil {
		return nil, err
	}

	env.Queue, err = queue.New(ctx, cfg.Queue, pool)
	if err != nil {
		return nil, eris.Wrap(err, "init queue")
	}

	env.Blobs, err = evidence.New(ctx, cfg.Evidence)
	if err != nil {
		return nil, eris.Wrap(err, "init evidence store")
	}

	env.OCR, err = ocr.New(ctx, cfg.OCR)
	if err != nil {
		return nil, eris.Wrap(err, "init ocr")
	}

	env.Metrics = metrics.New(prometheus.DefaultRegisterer)

	router, err := connector.NewRouter(cfg.Connector.Routes)
	if err != nil {
		return nil, eris.Wrap(err, "init connector routes")
	}
	breakers := resilience.NewBreakers(resilience.FromConnectorConfig(cfg.Connector))
	router.Wrap(func(c connector.Connector) connector.Connector {
		return connector.NewGuarded(c, cfg.Connector, breakers, env.Metrics)
	})

	env.Pipeline = pipeline.New(pipeline.Deps{
		Store:      st,
		Blobs:      env.Blobs,
		Queue:      env.Queue,
		Connectors: router,
		Text:       env.OCR,
		Engine:     extract.NewEngine(cfg.Extraction.ModelName),
		Renderer:   report.NewRenderer(),
		Metrics:    env.Metrics,
	}, cfg.Retry)
	env.Service = verification.NewService(st, env.Blobs, env.Queue, cfg.Evidence)

	zap.L().Info("application initialized",
		zap.String("mode", mode),
		zap.String("store", cfg.Store.Driver),
		zap.String("queue", cfg.Queue.Driver),
		zap.String("evidence", cfg.Evidence.Driver),
	)

	ok = true
	return env, nil
}

// initStore opens the configured store. The returned pool is non-nil only
// for postgres.
func initStore(ctx context.Context) (store.Store, db.Pool, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "ebc.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, nil, err
		}
		return st, nil, nil
	case "postgres":
		st, err := store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
		if err != nil {
			return nil, nil, err
		}
		return st, st.Pool(), nil
	default:
		return nil, nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// migrateAll applies store migrations and, when the task queue lives in
// Postgres, the queue table.
func migrateAll(ctx context.Context, st store.Store, pool db.Pool) error {
	if err := st.Migrate(ctx); err != nil {
		return eris.Wrap(err, "migrate store")
	}
	if pool != nil && cfg.Queue.Driver == "postgres" {
		if err := queue.NewPostgres(pool, cfg.Queue).Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate queue")
		}
	}
	return nil
}
