package render

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"renderq/internal/observability"
	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
)

// FrameHooks runs the per-frame script hooks configured on an output.
type FrameHooks interface {
	// BeforeFrame runs the before-frame hook of out. Errors coded
	// CodeHookSetup mean the hook could not be prepared; any other error
	// is a failure reported by the hook itself.
	BeforeFrame(ctx context.Context, out Output, time float64) error
}

// TaskDeps are the collaborators a FrameTask calls into.
type TaskDeps struct {
	Scheduler  FrameScheduler
	Evaluator  Evaluator
	Hooks      FrameHooks
	ProxyScale float64
	Log        *logger.Logger
}

// FrameTask renders one frame of one output across a set of views.
// It runs once on a worker goroutine and is then discarded.
type FrameTask struct {
	Output       Output
	Time         float64
	Views        []ViewIdx
	CollectStats bool

	deps TaskDeps
	log  *logger.Logger

	mu      sync.Mutex
	aborted bool
	nextID  int
	cancels map[int]context.CancelFunc
}

func NewFrameTask(out Output, time float64, views []ViewIdx, collectStats bool, deps TaskDeps) *FrameTask {
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	if deps.ProxyScale <= 0 {
		deps.ProxyScale = 1
	}
	return &FrameTask{
		Output:       out,
		Time:         time,
		Views:        views,
		CollectStats: collectStats,
		deps:         deps,
		log:          log.WithOutput(out.Name()).WithFrame(time, -1),
		cancels:      make(map[int]context.CancelFunc),
	}
}

// Run renders the frame and reports to the scheduler. The scheduler is
// always told the task is about to quit, whatever the outcome.
func (t *FrameTask) Run(ctx context.Context) {
	sched := t.deps.Scheduler
	defer sched.NotifyTaskAboutToQuit(t)

	ctx, span := observability.StartSpan(ctx, "render.frame",
		attribute.String("render.output", t.Output.Name()),
		attribute.Float64("render.frame", t.Time),
		attribute.Int("render.views", len(t.Views)),
	)
	defer span.End()

	if !t.runBeforeFrameHook(ctx) {
		return
	}

	// writers always record the frame wall time
	var stats *Stats
	if t.CollectStats || t.Output.IsWriter() {
		stats = NewStats(t.CollectStats)
	}

	target := renderTarget(t.Output)
	frame := &FrameResult{
		Time:  t.Time,
		Views: make([]ViewResult, 0, len(t.Views)),
	}

	for _, view := range t.Views {
		status, img := t.renderView(ctx, target, view, stats)
		if status != StatusOK {
			sched.NotifyRenderFailure(status, fmt.Sprintf("%s: frame %v view %d %s",
				t.Output.Name(), t.Time, view, status))
		}
		frame.Views = append(frame.Views, ViewResult{
			View:   view,
			Status: status,
			Image:  img,
			Stats:  stats,
		})
	}
	stats.Finish()

	if frame.Failed() {
		span.SetAttributes(attribute.Bool("render.failed", true))
	}

	policy := sched.SchedulingPolicy()
	sched.NotifyFrameRendered(frame, policy)

	// ordered schedulers run the hook on their own goroutine
	if policy == PolicyFirstComeFirstServed {
		sched.RunAfterFrameRenderedCallback(t.Time)
	}
}

func (t *FrameTask) runBeforeFrameHook(ctx context.Context) bool {
	if t.deps.Hooks == nil || t.Output.BeforeFrameRenderScript() == "" {
		return true
	}
	err := t.deps.Hooks.BeforeFrame(ctx, t.Output, t.Time)
	if err == nil {
		return true
	}
	if errors.IsHookSetup(err) {
		t.log.Warn("before frame render hook skipped", "error", err.Error())
		return true
	}
	t.deps.Scheduler.NotifyRenderFailure(StatusFailed, err.Error())
	return false
}

func (t *FrameTask) renderView(ctx context.Context, target Node, view ViewIdx, stats *Stats) (Status, *ImagePlane) {
	ctx, id := t.register(ctx)
	defer t.unregister(id)

	status, res := t.deps.Evaluator.Launch(ctx, LaunchArgs{
		Node:        target,
		Time:        t.Time,
		View:        view,
		Plane:       DefaultPlane,
		MipLevel:    0,
		ProxyScale:  t.deps.ProxyScale,
		Stats:       stats,
		Draft:       false,
		Playback:    true,
		BypassCache: false,
	})
	if status != StatusOK {
		t.log.Warn("view render failed", "view", int(view), "status", status.String())
		return status, nil
	}
	if res == nil {
		return status, nil
	}
	return status, res.Image()
}

// register derives a cancellable context for one evaluator call so that
// Abort can reach it. A task already aborted hands out a cancelled one.
func (t *FrameTask) register(ctx context.Context) (context.Context, int) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.aborted {
		cancel()
		return ctx, -1
	}
	id := t.nextID
	t.nextID++
	t.cancels[id] = cancel
	return ctx, id
}

func (t *FrameTask) unregister(id int) {
	t.mu.Lock()
	cancel, ok := t.cancels[id]
	delete(t.cancels, id)
	t.mu.Unlock()
	if ok {
		cancel()
	}
}

// Abort moves every in-flight evaluator call of this task to the aborted
// state. Calls made afterwards start aborted.
func (t *FrameTask) Abort() {
	t.mu.Lock()
	t.aborted = true
	cancels := make([]context.CancelFunc, 0, len(t.cancels))
	for _, c := range t.cancels {
		cancels = append(cancels, c)
	}
	t.mu.Unlock()

	for _, c := range cancels {
		c()
	}
}

// Aborted reports whether Abort was called.
func (t *FrameTask) Aborted() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.aborted
}
