package sequencer

import (
	"context"
	"math"
	"sync"
	"time"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/render"
)

const (
	defaultFailureMessage = "Render Failed"
	defaultAbortMessage   = "Render Aborted"
)

// sequence is the Frame Scheduler of one running output.
type sequence struct {
	e      *Engine
	req    render.SequenceRequest
	out    render.Output
	policy render.SchedulingPolicy
	log    *logger.Logger
	total  int

	ctx    context.Context
	cancel context.CancelFunc

	// ordered frames travel to the scheduler goroutine through results
	results chan *render.FrameResult

	mu       sync.Mutex
	tasks    map[*render.FrameTask]struct{}
	err      error
	rendered int
	started  time.Time
}

func newSequence(e *Engine, req render.SequenceRequest) *sequence {
	ctx, cancel := context.WithCancel(context.Background())
	total := (req.LastFrame-req.FirstFrame)/req.FrameStep + 1
	if total < 1 {
		total = 1
	}
	return &sequence{
		e:       e,
		req:     req,
		out:     req.Output,
		policy:  e.cfg.Policy,
		log:     e.log.WithItem(req.ItemID).WithOutput(req.Output.Name()),
		total:   total,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan *render.FrameResult, e.cfg.Workers),
		tasks:   make(map[*render.FrameTask]struct{}),
		started: time.Now(),
	}
}

// run dispatches every frame, waits for the workers and reports the outcome
// through onFinished exactly once.
func (s *sequence) run(onFinished func(error)) {
	defer s.cancel()

	var consumer sync.WaitGroup
	if s.policy == render.PolicyOrdered {
		consumer.Add(1)
		go func() {
			defer consumer.Done()
			s.consumeOrdered()
		}()
	}

	s.log.Info("sequence started",
		"first_frame", s.req.FirstFrame,
		"last_frame", s.req.LastFrame,
		"frame_step", s.req.FrameStep,
		"policy", s.policy.String(),
	)

	var workers sync.WaitGroup
	for frame := s.req.FirstFrame; inRange(frame, s.req); frame += s.req.FrameStep {
		if s.ctx.Err() != nil {
			break
		}
		if err := s.e.workers.Acquire(s.ctx, 1); err != nil {
			break
		}

		task := render.NewFrameTask(s.out, float64(frame), s.req.Views, s.req.CollectStats, render.TaskDeps{
			Scheduler:  s,
			Evaluator:  s.e.deps.Evaluator,
			Hooks:      s.e.deps.Hooks,
			ProxyScale: s.e.proxyScale(),
			Log:        s.log,
		})
		s.mu.Lock()
		s.tasks[task] = struct{}{}
		s.mu.Unlock()

		workers.Add(1)
		go func() {
			defer workers.Done()
			defer s.e.workers.Release(1)
			task.Run(s.ctx)
		}()
	}

	workers.Wait()
	close(s.results)
	consumer.Wait()

	s.e.retire(s)

	err := s.failure()
	if err == nil {
		_ = s.e.progress.Finished()
		s.log.Info("sequence finished",
			"frames", s.renderedCount(),
			"duration_ms", time.Since(s.started).Milliseconds(),
		)
	}
	if onFinished != nil {
		onFinished(err)
	}
}

func inRange(frame int, req render.SequenceRequest) bool {
	if req.FrameStep > 0 {
		return frame <= req.LastFrame
	}
	return frame >= req.LastFrame
}

// consumeOrdered hands frames over in sequence order. A frame that never
// arrives (its task bailed out) blocks the ones after it; that only happens
// once the sequence has failed.
func (s *sequence) consumeOrdered() {
	buffered := make(map[int]*render.FrameResult)
	next := 0
	for r := range s.results {
		buffered[s.index(r.Time)] = r
		for {
			r, ok := buffered[next]
			if !ok {
				break
			}
			delete(buffered, next)
			next++
			if s.consume(r) {
				s.runAfterFrameHook(r.Time)
			}
		}
	}
}

func (s *sequence) index(t float64) int {
	return int(math.Round((t - float64(s.req.FirstFrame)) / float64(s.req.FrameStep)))
}

// NotifyFrameRendered implements render.FrameScheduler.
func (s *sequence) NotifyFrameRendered(frame *render.FrameResult, policy render.SchedulingPolicy) {
	if policy == render.PolicyOrdered {
		s.results <- frame
		return
	}
	s.consume(frame)
}

// consume accounts a delivered frame. It reports whether the frame rendered
// successfully and the sequence is still going.
func (s *sequence) consume(frame *render.FrameResult) bool {
	var wall time.Duration
	inDepth := false
	if len(frame.Views) > 0 && frame.Views[0].Stats != nil {
		wall = frame.Views[0].Stats.WallTime()
		inDepth = frame.Views[0].Stats.InDepth
	}
	failed := frame.Failed()
	if s.e.deps.Recorder != nil {
		s.e.deps.Recorder.ObserveFrame(s.out.Name(), wall, failed)
	}
	if failed || s.ctx.Err() != nil {
		return false
	}

	s.mu.Lock()
	s.rendered++
	rendered := s.rendered
	s.mu.Unlock()

	fraction := float64(rendered) / float64(s.total)
	elapsed := time.Since(s.started).Seconds()
	fps := 0.0
	if elapsed > 0 {
		fps = float64(rendered) / elapsed
	}
	remaining := time.Duration(0)
	if fraction > 0 {
		remaining = time.Duration(elapsed * (1 - fraction) / fraction * float64(time.Second))
	}

	args := []any{
		"frame", frame.Time,
		"progress_pct", math.Round(fraction*1000) / 10,
		"fps", math.Round(fps*10) / 10,
		"remaining", remaining.Round(time.Second).String(),
	}
	if wall > 0 {
		args = append(args, "wall_ms", wall.Milliseconds())
	}
	if inDepth {
		for _, nt := range frame.Views[0].Stats.Nodes() {
			s.log.Debug("node timing", "frame", frame.Time, "node", nt.Node, "total_ms", nt.Total.Milliseconds(), "calls", nt.Calls)
		}
	}
	s.log.Info("frame rendered", args...)
	_ = s.e.progress.Frame(frame.Time, fraction)
	return true
}

// NotifyRenderFailure implements render.FrameScheduler. The first failure
// wins: it is persisted on the output (aborts are not) and every in-flight
// task is aborted.
func (s *sequence) NotifyRenderFailure(status render.Status, message string) {
	code := errors.CodeRenderFailed
	if status == render.StatusAborted {
		code = errors.CodeAborted
		if message == "" {
			message = defaultAbortMessage
		}
	} else if message == "" {
		message = defaultFailureMessage
	}

	s.mu.Lock()
	first := s.err == nil
	if first {
		s.err = errors.New(code, message).WithField("output", s.out.Name())
	}
	err := s.err
	tasks := make([]*render.FrameTask, 0, len(s.tasks))
	for t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()

	if !first {
		return
	}

	if status == render.StatusAborted {
		s.log.Warn("sequence aborted", "reason", message)
	} else {
		s.log.WithError(err).Error("sequence failed")
		s.out.SetPersistentError(err)
	}

	s.cancel()
	for _, t := range tasks {
		t.Abort()
	}
}

// NotifyTaskAboutToQuit implements render.FrameScheduler.
func (s *sequence) NotifyTaskAboutToQuit(task *render.FrameTask) {
	s.mu.Lock()
	delete(s.tasks, task)
	s.mu.Unlock()
}

// RunAfterFrameRenderedCallback implements render.FrameScheduler. Tasks call
// it only under first-come-first-served scheduling.
func (s *sequence) RunAfterFrameRenderedCallback(frame float64) {
	if s.ctx.Err() != nil {
		return
	}
	s.runAfterFrameHook(frame)
}

// runAfterFrameHook runs the after-frame hook on the calling
// goroutine.
func (s *sequence) runAfterFrameHook(frame float64) {
	hooks := s.e.deps.Hooks
	if hooks == nil || s.out.AfterFrameRenderScript() == "" {
		return
	}
	err := hooks.AfterFrame(s.ctx, s.out, frame)
	if err == nil {
		return
	}
	if errors.IsHookSetup(err) {
		s.log.Warn("after frame render hook skipped", "frame", frame, "error", err.Error())
		return
	}
	s.NotifyRenderFailure(render.StatusFailed, err.Error())
}

// SchedulingPolicy implements render.FrameScheduler.
func (s *sequence) SchedulingPolicy() render.SchedulingPolicy {
	return s.policy
}

func (s *sequence) failure() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *sequence) renderedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rendered
}
