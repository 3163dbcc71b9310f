package render

import (
	"context"
	"sync"

	"renderq/internal/pkg/errors"
)

type fakeNode string

func (n fakeNode) Name() string { return string(n) }

type fakeFileNode struct {
	name string
	file string
}

func (n fakeFileNode) Name() string { return n.name }
func (n fakeFileNode) File() string { return n.file }

type fakeOutput struct {
	name     string
	disabled bool
	first    int
	last     int
	hasRange bool
	step     int
	writer   bool
	encoder  Node
	before   string
	after    string
	views    []ViewIdx

	mu         sync.Mutex
	persistent []error
}

func newOutput(name string) *fakeOutput {
	return &fakeOutput{
		name:     name,
		first:    1,
		last:     10,
		hasRange: true,
		step:     1,
		views:    []ViewIdx{0},
	}
}

func (o *fakeOutput) Name() string   { return o.name }
func (o *fakeOutput) Disabled() bool { return o.disabled }
func (o *fakeOutput) NaturalFrameRange() (int, int, bool) {
	return o.first, o.last, o.hasRange
}
func (o *fakeOutput) ConfiguredFrameStep() int        { return o.step }
func (o *fakeOutput) IsWriter() bool                  { return o.writer }
func (o *fakeOutput) EmbeddedEncoder() (Node, bool)   { return o.encoder, o.encoder != nil }
func (o *fakeOutput) BeforeFrameRenderScript() string { return o.before }
func (o *fakeOutput) AfterFrameRenderScript() string  { return o.after }
func (o *fakeOutput) Views() []ViewIdx                { return o.views }

func (o *fakeOutput) SetPersistentError(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.persistent = append(o.persistent, err)
}

// lastPersistent is the most recent persistent error, nil if cleared.
func (o *fakeOutput) lastPersistent() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.persistent) == 0 {
		return nil
	}
	return o.persistent[len(o.persistent)-1]
}

type fakeProject struct {
	first, last int
}

func (p fakeProject) FrameRange() (int, int) { return p.first, p.last }
func (p fakeProject) ProxyScale() float64    { return 1 }

// fakeEngine records sequences and lets tests finish them.
type fakeEngine struct {
	mu        sync.Mutex
	requests  []SequenceRequest
	running   map[string]func(error)
	startErr  error
	autoErr   error
	auto      bool
	aborted   []string
	onRequest func(req SequenceRequest, finish func(error))
}

func newEngine() *fakeEngine {
	return &fakeEngine{running: make(map[string]func(error))}
}

func (e *fakeEngine) RenderSequence(req SequenceRequest, onFinished func(error)) error {
	e.mu.Lock()
	if e.startErr != nil {
		e.mu.Unlock()
		return e.startErr
	}
	e.requests = append(e.requests, req)
	auto, autoErr, hook := e.auto, e.autoErr, e.onRequest
	if !auto {
		e.running[req.Output.Name()] = onFinished
	}
	e.mu.Unlock()

	if hook != nil {
		hook(req, onFinished)
		return nil
	}
	if auto {
		go onFinished(autoErr)
	}
	return nil
}

func (e *fakeEngine) finish(output string, err error) bool {
	e.mu.Lock()
	cb, ok := e.running[output]
	delete(e.running, output)
	e.mu.Unlock()
	if ok {
		cb(err)
	}
	return ok
}

func (e *fakeEngine) launched() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.requests))
	for _, r := range e.requests {
		names = append(names, r.Output.Name())
	}
	return names
}

func (e *fakeEngine) Abort(output string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborted = append(e.aborted, output)
	_, ok := e.running[output]
	return ok
}

type fakeSnapshotter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (s *fakeSnapshotter) Snapshot(context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return Snapshot{}, s.err
	}
	return Snapshot{Location: "snapshots/test.yaml", Size: 42}, nil
}

type fakeProcess struct {
	out      Output
	snap     Snapshot
	startErr error

	mu         sync.Mutex
	onFinished func(error)
	started    bool
	closed     int
	aborted    bool
}

func (p *fakeProcess) Start(onFinished func(error)) error {
	if p.startErr != nil {
		return p.startErr
	}
	p.mu.Lock()
	p.started = true
	p.onFinished = onFinished
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Output() Output { return p.out }

func (p *fakeProcess) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed++
	return nil
}

func (p *fakeProcess) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.aborted = true
	return nil
}

func (p *fakeProcess) exit(err error) {
	p.mu.Lock()
	cb := p.onFinished
	p.mu.Unlock()
	cb(err)
}

type fakeFactory struct {
	mu        sync.Mutex
	processes []*fakeProcess
	startErr  error
}

func (f *fakeFactory) NewProcess(w Work, snap Snapshot) (ExternalProcess, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProcess{out: w.Output, snap: snap, startErr: f.startErr}
	f.processes = append(f.processes, p)
	return p, nil
}

type finishedEvent struct {
	output string
	id     string
	err    error
}

type recordingObserver struct {
	mu       sync.Mutex
	started  []string
	restarts []bool
	finished []finishedEvent
	errors   []error
}

func (o *recordingObserver) OnRenderStarted(item *Item, restarted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.started = append(o.started, item.Output().Name())
	o.restarts = append(o.restarts, restarted)
}

func (o *recordingObserver) OnRenderFinished(item *Item, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.finished = append(o.finished, finishedEvent{output: item.Output().Name(), id: item.ID, err: err})
}

func (o *recordingObserver) OnRenderError(_ Work, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, err)
}

func (o *recordingObserver) finishedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.finished)
}

func (o *recordingObserver) errorCodes() []errors.Code {
	o.mu.Lock()
	defer o.mu.Unlock()
	codes := make([]errors.Code, 0, len(o.errors))
	for _, err := range o.errors {
		codes = append(codes, errors.GetCode(err))
	}
	return codes
}

// fakeScheduler records what a FrameTask reports.
type fakeScheduler struct {
	policy SchedulingPolicy

	mu        sync.Mutex
	rendered  []*FrameResult
	failures  []Status
	messages  []string
	callbacks []float64
	quit      []*FrameTask
}

func (s *fakeScheduler) NotifyFrameRendered(frame *FrameResult, _ SchedulingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rendered = append(s.rendered, frame)
}

func (s *fakeScheduler) NotifyRenderFailure(status Status, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, status)
	s.messages = append(s.messages, message)
}

func (s *fakeScheduler) NotifyTaskAboutToQuit(task *FrameTask) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quit = append(s.quit, task)
}

func (s *fakeScheduler) RunAfterFrameRenderedCallback(time float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.callbacks = append(s.callbacks, time)
}

func (s *fakeScheduler) SchedulingPolicy() SchedulingPolicy { return s.policy }

type fakeResult struct {
	img *ImagePlane
}

func (r fakeResult) Image() *ImagePlane { return r.img }

// fakeEvaluator returns a status per view; views missing from statuses
// succeed. With block set it waits for ctx to be cancelled.
type fakeEvaluator struct {
	statuses map[ViewIdx]Status
	block    bool
	entered  chan struct{}

	mu    sync.Mutex
	calls []LaunchArgs
}

func (e *fakeEvaluator) Launch(ctx context.Context, args LaunchArgs) (Status, Result) {
	e.mu.Lock()
	e.calls = append(e.calls, args)
	e.mu.Unlock()

	if e.block {
		if e.entered != nil {
			e.entered <- struct{}{}
		}
		<-ctx.Done()
	}
	if ctx.Err() != nil {
		return StatusAborted, nil
	}
	if st, ok := e.statuses[args.View]; ok && st != StatusOK {
		return st, nil
	}
	return StatusOK, fakeResult{img: &ImagePlane{Plane: args.Plane, Location: args.Node.Name()}}
}

type fakeHooks struct {
	err   error
	calls int
}

func (h *fakeHooks) BeforeFrame(context.Context, Output, float64) error {
	h.calls++
	return h.err
}
