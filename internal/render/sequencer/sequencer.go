// Package sequencer is the in-process render engine. It walks the frames of
// a sequence, runs one FrameTask per frame on a bounded worker pool and acts
// as the task's Frame Scheduler.
package sequencer

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/render"
	"renderq/internal/render/progress"
)

// Hooks runs the per-frame hooks of an output.
type Hooks interface {
	render.FrameHooks
	AfterFrame(ctx context.Context, out render.Output, frame float64) error
}

// FrameRecorder receives one call per consumed frame.
type FrameRecorder interface {
	ObserveFrame(output string, wall time.Duration, failed bool)
}

// Config configures an Engine.
type Config struct {
	// Workers bounds the frames rendered concurrently across all sequences.
	Workers int
	Policy  render.SchedulingPolicy
	// Progress receives protocol lines when rendering in background mode.
	Progress io.Writer
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Evaluator render.Evaluator
	Hooks     Hooks
	Project   render.ProjectRange
	Recorder  FrameRecorder
	Log       *logger.Logger
}

// Engine renders sequences in-process.
type Engine struct {
	cfg      Config
	deps     Deps
	log      *logger.Logger
	workers  *semaphore.Weighted
	progress *progress.Writer

	mu      sync.Mutex
	running map[string]*sequence
}

func New(cfg Config, deps Deps) *Engine {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	e := &Engine{
		cfg:     cfg,
		deps:    deps,
		log:     log.WithComponent("sequencer"),
		workers: semaphore.NewWeighted(int64(cfg.Workers)),
		running: make(map[string]*sequence),
	}
	if cfg.Progress != nil {
		e.progress = progress.NewWriter(cfg.Progress)
	}
	return e
}

// RenderSequence starts rendering req in the background.
func (e *Engine) RenderSequence(req render.SequenceRequest, onFinished func(error)) error {
	if req.Output == nil {
		return errors.ValidationField("output", "sequence has no output")
	}
	if req.FrameStep == 0 {
		return errors.ValidationField("frame_step", "frame step cannot be 0")
	}
	if len(req.Views) == 0 {
		return errors.ValidationField("views", "sequence has no views")
	}
	if e.deps.Evaluator == nil {
		return errors.New(errors.CodeFailedPrecond, "no graph evaluator configured")
	}

	name := req.Output.Name()
	e.mu.Lock()
	if _, busy := e.running[name]; busy {
		e.mu.Unlock()
		return errors.Conflict("sequence already running").WithField("output", name)
	}
	s := newSequence(e, req)
	e.running[name] = s
	e.mu.Unlock()

	go s.run(onFinished)
	return nil
}

// Abort stops the running sequence of output. It reports whether one was
// running.
func (e *Engine) Abort(output string) bool {
	e.mu.Lock()
	s, ok := e.running[output]
	e.mu.Unlock()
	if !ok {
		return false
	}
	s.NotifyRenderFailure(render.StatusAborted, "")
	return true
}

// Running lists the outputs with a sequence in progress.
func (e *Engine) Running() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.running))
	for name := range e.running {
		names = append(names, name)
	}
	return names
}

func (e *Engine) retire(s *sequence) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running[s.out.Name()] == s {
		delete(e.running, s.out.Name())
	}
}

func (e *Engine) proxyScale() float64 {
	if e.deps.Project == nil {
		return 1
	}
	return e.deps.Project.ProxyScale()
}
