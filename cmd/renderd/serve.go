package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"renderq/internal/config"
	"renderq/internal/evaluator"
	"renderq/internal/httpapi"
	"renderq/internal/httpapi/handlers"
	"renderq/internal/intake"
	"renderq/internal/metrics"
	"renderq/internal/observability"
	"renderq/internal/pkg/logger"
	"renderq/internal/pkg/shutdown"
	"renderq/internal/project"
	"renderq/internal/render"
	"renderq/internal/render/hooks"
	"renderq/internal/render/process"
	"renderq/internal/render/sequencer"
	"renderq/internal/repositories"
	"renderq/internal/snapshot"
	"renderq/internal/storage"
)

func runServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", os.Getenv("RENDERQ_CONFIG"), "path to the TOML config file")
	_ = fs.Parse(args)

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		logger.NewDefault().LogFatal("invalid configuration", err)
	}

	log := newLogger(cfg, "")
	log.Info("starting renderd",
		"queueing", cfg.Dispatch.QueueingEnabled,
		"separate_process", cfg.Dispatch.RenderInSeparateProcess,
		"workers", cfg.Dispatch.Workers,
		"policy", cfg.Dispatch.SchedulingPolicy,
	)

	ctx := context.Background()
	shutdownMgr := shutdown.NewManager(log, 30*time.Second)

	stopTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		log.LogFatal("failed to initialize tracing", err)
	}
	shutdownMgr.Register("tracing", stopTracing)

	if cfg.Project.File == "" {
		log.Error("missing project file", "key", "PROJECT_FILE")
		os.Exit(1)
	}
	proj, err := project.Load(cfg.Project.File)
	if err != nil {
		log.LogFatal("failed to load project", err, "file", cfg.Project.File)
	}
	projects := project.NewStore(proj)
	log.Info("project loaded", "name", proj.Name, "outputs", len(proj.Outputs))

	checks := map[string]handlers.Check{}
	observers := render.MultiObserver{metrics.Recorder{}}

	var history handlers.History
	if cfg.Database.URL != "" {
		log.Info("connecting to PostgreSQL")
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			log.LogFatal("failed to connect to PostgreSQL", err)
		}
		shutdownMgr.Register("postgres", func(ctx context.Context) error {
			pool.Close()
			return nil
		})
		if err := pool.Ping(ctx); err != nil {
			log.LogFatal("failed to ping PostgreSQL", err)
		}
		if err := repositories.Migrate(ctx, pool); err != nil {
			log.LogFatal("failed to migrate render history", err)
		}
		repo := repositories.NewRenderRepository(pool, log)
		observers = append(observers, repo)
		history = repo
		checks["postgres"] = pool.Ping
		log.Info("PostgreSQL connected")
	}

	log.Info("initializing storage provider")
	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		log.LogFatal("failed to initialize storage provider", err)
	}
	log.Info("storage provider initialized", "provider", sp.Provider())

	metrics.Register()

	app := cfg.Project.File
	engine := sequencer.New(sequencer.Config{
		Workers: cfg.Dispatch.Workers,
		Policy:  cfg.Policy(),
	}, sequencer.Deps{
		Evaluator: evaluator.NewHTTPClient(cfg.Renderer.BaseURL, cfg.Renderer.Timeout.Duration, log),
		Hooks:     hooks.NewRunner(app, cfg.Dispatch.HookTimeout.Duration, log),
		Project:   projects,
		Recorder:  metrics.Recorder{},
		Log:       log,
	})

	deps := render.DispatcherDeps{
		Sequences: engine,
		Project:   projects,
		Observer:  observers,
		Log:       log,
	}
	if cfg.Dispatch.RenderInSeparateProcess {
		snaps := snapshot.NewStore(sp, projects, log)
		var env []string
		if *cfgPath != "" {
			env = append(env, "RENDERQ_CONFIG="+*cfgPath)
		}
		factory, err := process.NewFactory(process.Config{
			Command: cfg.Dispatch.ChildCommand,
			Env:     env,
		}, snaps, log)
		if err != nil {
			log.LogFatal("failed to configure render processes", err)
		}
		deps.Processes = factory
		deps.Snapshots = snaps
	}
	dispatcher := render.NewDispatcher(cfg.DispatcherConfig(), deps)
	metrics.WatchQueue(dispatcher)

	var queue *intake.Queue
	if cfg.Redis.Addr != "" {
		log.Info("connecting to Redis")
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		shutdownMgr.Register("redis", func(ctx context.Context) error {
			return rdb.Close()
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.LogFatal("failed to ping Redis", err)
		}
		queue = intake.NewQueue(rdb, cfg.Redis.QueueName)
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
		log.Info("Redis connected", "queue", queue.Name())
	}

	shutdownMgr.Register("dispatcher", func(ctx context.Context) error {
		state := dispatcher.Snapshot()
		for _, it := range state.Pending {
			dispatcher.RemoveFromQueue(it.Output)
		}
		for _, it := range state.Active {
			if _, err := dispatcher.Abort(it.Output); err != nil {
				log.LogError(ctx, "abort failed", err, "output", it.Output)
			}
		}
		return dispatcher.Wait(ctx)
	})

	if queue != nil {
		intakeCtx, stopIntake := context.WithCancel(ctx)
		shutdownMgr.RegisterSimple("intake", stopIntake)
		go func() {
			_ = intake.Run(intakeCtx, intake.Deps{
				Queue:      queue,
				Dispatcher: dispatcher,
				Projects:   projects,
				Log:        log,
			})
		}()
	}

	if cfg.Project.Watch {
		watchCtx, stopWatch := context.WithCancel(ctx)
		shutdownMgr.RegisterSimple("project-watch", stopWatch)
		go func() {
			if err := project.Watch(watchCtx, cfg.Project.File, log, projects.Set); err != nil && watchCtx.Err() == nil {
				log.LogError(watchCtx, "project watch stopped", err)
			}
		}()
	}

	router := httpapi.NewRouter(httpapi.Deps{
		Deps: handlers.Deps{
			Dispatcher: dispatcher,
			Projects:   projects,
			Queue:      queue,
			History:    history,
			Storage:    sp,
			Checks:     checks,
			Service:    cfg.ServiceName,
			Log:        log,
		},
	})

	// Blocking submissions hold the response for a whole render, so there
	// is no write timeout.
	server := &http.Server{
		Addr:        "0.0.0.0:" + cfg.HTTP.Port,
		Handler:     router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	shutdownMgr.Register("http-server", func(ctx context.Context) error {
		log.Info("shutting down HTTP server")
		return server.Shutdown(ctx)
	})

	go func() {
		log.Info("HTTP server listening",
			"addr", server.Addr,
			"port", cfg.HTTP.Port,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.LogFatal("HTTP server failed", err)
		}
	}()

	shutdownMgr.Wait()
}
