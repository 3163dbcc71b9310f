package main

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"renderq/internal/config"
	"renderq/internal/evaluator"
	"renderq/internal/metrics"
	"renderq/internal/observability"
	"renderq/internal/project"
	"renderq/internal/render"
	"renderq/internal/render/hooks"
	"renderq/internal/render/progress"
	"renderq/internal/render/sequencer"
	"renderq/internal/snapshot"
	"renderq/internal/storage"
)

// runRender renders the selected writers once and returns the exit code:
// 0 when every range rendered, 1 otherwise. In background mode progress
// lines go to stdout and "abort" is read from stdin.
func runRender(args []string) int {
	fs := flag.NewFlagSet("render", flag.ExitOnError)
	cfgPath := fs.String("config", os.Getenv("RENDERQ_CONFIG"), "path to the TOML config file")
	projectFile := fs.String("project", "", "project file; defaults to the configured one")
	snapshotKey := fs.String("snapshot", "", "storage key of a project snapshot to render")
	frames := fs.String("frames", "", "frame list, e.g. 1-10,20-30:2")
	background := fs.Bool("background", false, "report progress on stdout and accept abort on stdin")
	stats := fs.Bool("stats", false, "collect per-node timings")
	var writers listFlag
	fs.Var(&writers, "writer", "writer to render; repeatable or comma separated, defaults to all")
	_ = fs.Parse(args)

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		newLogger(config.Default(), "-render").LogError(context.Background(), "invalid configuration", err)
		return 1
	}
	if *background && strings.EqualFold(cfg.Tracing.Exporter, "stdout") {
		cfg.Tracing.Exporter = "none"
	}

	log := newLogger(cfg, "-render")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	stopTracing, err := observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.ServiceName,
		Exporter:    cfg.Tracing.Exporter,
		Endpoint:    cfg.Tracing.Endpoint,
	})
	if err != nil {
		log.LogError(ctx, "failed to initialize tracing", err)
		return 1
	}
	defer func() { _ = stopTracing(context.Background()) }()

	proj, cleanup, err := loadRenderProject(ctx, cfg, *snapshotKey, *projectFile)
	if err != nil {
		log.LogError(ctx, "failed to load project", err)
		return 1
	}
	defer cleanup()

	outputs, err := proj.Resolve(writers)
	if err != nil {
		log.LogError(ctx, "nothing to render", err, "project", proj.Name)
		return 1
	}

	ranges := []render.FrameRange{{First: render.Unspecified, Last: render.Unspecified, Step: render.Unspecified}}
	if *frames != "" {
		if ranges, err = render.ParseFrameRanges(*frames); err != nil {
			log.LogError(ctx, "invalid frame list", err, "frames", *frames)
			return 1
		}
	}

	projects := project.NewStore(proj)
	engineCfg := sequencer.Config{Workers: cfg.Dispatch.Workers, Policy: cfg.Policy()}
	if *background {
		engineCfg.Progress = os.Stdout
	}
	engine := sequencer.New(engineCfg, sequencer.Deps{
		Evaluator: evaluator.NewHTTPClient(cfg.Renderer.BaseURL, cfg.Renderer.Timeout.Duration, log),
		Hooks:     hooks.NewRunner(proj.Path, cfg.Dispatch.HookTimeout.Duration, log),
		Project:   projects,
		Recorder:  metrics.Recorder{},
		Log:       log,
	})

	outcome := &renderOutcome{}
	dispatcher := render.NewDispatcher(render.DispatcherConfig{
		QueueingEnabled: cfg.Dispatch.QueueingEnabled,
		WaitInterval:    cfg.Dispatch.WaitInterval.Duration,
	}, render.DispatcherDeps{
		Sequences: engine,
		Project:   projects,
		Observer:  outcome,
		Log:       log,
	})

	abortAll := func() {
		for _, o := range outputs {
			engine.Abort(o.Name())
		}
	}
	if *background {
		go watchAbort(os.Stdin, func() {
			log.Info("abort requested")
			outcome.abort()
			abortAll()
		})
	}
	go func() {
		<-ctx.Done()
		outcome.abort()
		abortAll()
	}()

	for _, r := range ranges {
		if outcome.aborted() {
			break
		}
		works := make([]render.Work, 0, len(outputs))
		for _, o := range outputs {
			w := render.WorksForRanges(o, []render.FrameRange{r})[0]
			w.CollectStats = *stats
			works = append(works, w)
		}
		if err := dispatcher.Submit(ctx, works, true); err != nil {
			log.LogError(ctx, "render interrupted", err)
			return 1
		}
	}

	if outcome.failed() {
		return 1
	}
	log.Info("render complete", "writers", len(outputs), "ranges", len(ranges))
	return 0
}

// loadRenderProject picks the project of a render: a snapshot from storage,
// an explicit file, or the configured project file.
func loadRenderProject(ctx context.Context, cfg config.Config, snapshotKey, file string) (*project.Project, func(), error) {
	if snapshotKey == "" {
		if file == "" {
			file = cfg.Project.File
		}
		p, err := project.Load(file)
		return p, func() {}, err
	}

	sp, err := storage.NewProvider(ctx, cfg.Storage)
	if err != nil {
		return nil, func() {}, err
	}
	dir, err := os.MkdirTemp("", "renderq-snapshot-")
	if err != nil {
		return nil, func() {}, err
	}
	cleanup := func() { _ = os.RemoveAll(dir) }
	p, err := snapshot.Load(ctx, sp, snapshotKey, dir)
	if err != nil {
		cleanup()
		return nil, func() {}, err
	}
	return p, cleanup, nil
}

// watchAbort calls onAbort for every abort line read from r.
func watchAbort(r io.Reader, onAbort func()) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		if strings.TrimSpace(sc.Text()) == progress.AbortCommand {
			onAbort()
		}
	}
}

// renderOutcome records whether any render of the run failed.
type renderOutcome struct {
	mu       sync.Mutex
	failures int
	stopped  bool
}

func (o *renderOutcome) OnRenderStarted(*render.Item, bool) {}

func (o *renderOutcome) OnRenderFinished(_ *render.Item, err error) {
	if err == nil {
		return
	}
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func (o *renderOutcome) OnRenderError(render.Work, error) {
	o.mu.Lock()
	o.failures++
	o.mu.Unlock()
}

func (o *renderOutcome) abort() {
	o.mu.Lock()
	o.stopped = true
	o.mu.Unlock()
}

func (o *renderOutcome) aborted() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.stopped
}

func (o *renderOutcome) failed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures > 0 || o.stopped
}
