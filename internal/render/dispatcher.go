package render

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"renderq/internal/observability"
	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
)

// DefaultWaitInterval bounds how long a blocking Submit sleeps between
// checks of the active set when no completion wakes it.
const DefaultWaitInterval = 50 * time.Millisecond

// DispatcherConfig is the explicit configuration of a Dispatcher.
type DispatcherConfig struct {
	// QueueingEnabled runs admitted items one at a time in FIFO order.
	QueueingEnabled bool
	// RenderInSeparateProcess delegates each item to a child process
	// rendering a snapshot of the project.
	RenderInSeparateProcess bool
	WaitInterval            time.Duration
}

// DispatcherDeps are the collaborators of a Dispatcher.
type DispatcherDeps struct {
	Sequences SequenceRenderer
	Processes ProcessFactory
	Snapshots Snapshotter
	Project   ProjectRange
	Observer  Observer
	Log       *logger.Logger
}

// Dispatcher admits render requests and decides when each one starts.
type Dispatcher struct {
	cfg      DispatcherConfig
	deps     DispatcherDeps
	observer Observer
	log      *logger.Logger

	mu      sync.Mutex
	active  []*Item
	pending []*Item
	// changed is closed and replaced whenever the active set changes.
	changed chan struct{}
}

func NewDispatcher(cfg DispatcherConfig, deps DispatcherDeps) *Dispatcher {
	if cfg.WaitInterval <= 0 {
		cfg.WaitInterval = DefaultWaitInterval
	}
	observer := deps.Observer
	if observer == nil {
		observer = NopObserver{}
	}
	log := deps.Log
	if log == nil {
		log = logger.Discard()
	}
	return &Dispatcher{
		cfg:      cfg,
		deps:     deps,
		observer: observer,
		log:      log.WithComponent("dispatcher"),
		changed:  make(chan struct{}),
	}
}

// Config returns the configuration the dispatcher was built with.
func (d *Dispatcher) Config() DispatcherConfig {
	return d.cfg
}

// Submit validates works, admits the valid ones and starts or queues them.
// Works rejected at admission are reported to the observer and skipped.
// With blocking set, Submit returns once no item is active; cancelling ctx
// stops the wait but not the renders.
func (d *Dispatcher) Submit(ctx context.Context, works []Work, blocking bool) error {
	ctx, span := observability.StartSpan(ctx, "render.submit",
		attribute.Int("render.works", len(works)),
		attribute.Bool("render.blocking", blocking),
	)
	defer span.End()

	items := d.admit(ctx, works)
	span.SetAttributes(attribute.Int("render.admitted", len(items)))
	if len(items) == 0 {
		return nil
	}

	d.enqueue(items)

	if !blocking {
		return nil
	}
	return d.Wait(ctx)
}

func (d *Dispatcher) admit(ctx context.Context, works []Work) []*Item {
	var (
		snap    *Snapshot
		snapErr error
		items   []*Item
		seen    = make(map[string]bool)
	)

	for _, w := range works {
		if w.Output == nil {
			d.reject(w, errors.ValidationField("output", "work has no output"))
			continue
		}
		if w.Output.Disabled() {
			d.log.Debug("skipping disabled output", "output", w.Output.Name())
			continue
		}
		if err := ValidateRenderOptions(&w, d.deps.Project); err != nil {
			d.reject(w, err)
			continue
		}

		name := w.Output.Name()
		if seen[name] {
			d.reject(w, errors.Conflict("output submitted twice in one request").WithField("output", name))
			continue
		}
		if d.isActive(name) {
			d.reject(w, errors.Conflict("output is already rendering").WithField("output", name))
			continue
		}
		seen[name] = true

		it := newItem(w)
		if d.cfg.RenderInSeparateProcess {
			if snap == nil && snapErr == nil {
				s, err := d.snapshot(ctx)
				if err != nil {
					snapErr = err
				} else {
					snap = &s
				}
			}
			if snapErr != nil {
				d.reject(w, snapErr)
				continue
			}
			proc, err := d.deps.Processes.NewProcess(w, *snap)
			if err != nil {
				d.reject(w, errors.WrapWithCode(err, errors.CodeLaunch, "dispatcher.admit", "cannot create render process").
					WithField("output", name))
				continue
			}
			it.process = proc
		}

		d.observer.OnRenderStarted(it, w.IsRestart)
		items = append(items, it)
	}
	return items
}

func (d *Dispatcher) snapshot(ctx context.Context) (Snapshot, error) {
	if d.deps.Snapshots == nil || d.deps.Processes == nil {
		return Snapshot{}, errors.New(errors.CodeFailedPrecond, "separate process rendering is not configured")
	}
	s, err := d.deps.Snapshots.Snapshot(ctx)
	if err != nil {
		return Snapshot{}, errors.WrapWithCode(err, errors.CodeLaunch, "dispatcher.snapshot", "cannot snapshot project")
	}
	d.log.Info("project snapshot created", "location", s.Location, "size", s.Size)
	return s, nil
}

func (d *Dispatcher) reject(w Work, err error) {
	d.log.WithError(err).Warn("render rejected", "output", w.DisplayLabel())
	d.observer.OnRenderError(w, err)
}

// enqueue places admitted items into the active or pending set and launches
// the ones that became active.
func (d *Dispatcher) enqueue(items []*Item) {
	var launch, replaced, conflicted []*Item

	d.mu.Lock()
	accepted := items[:0:0]
	for _, it := range items {
		name := it.Output().Name()
		// another Submit may have launched the same output since admit
		if indexByOutput(d.active, name) >= 0 {
			conflicted = append(conflicted, it)
			continue
		}
		if i := indexByOutput(d.pending, name); i >= 0 {
			replaced = append(replaced, d.pending[i])
			d.pending = removeAt(d.pending, i)
		}
		accepted = append(accepted, it)
	}

	switch {
	case len(accepted) == 0:
	case !d.cfg.QueueingEnabled:
		launch = accepted
		d.active = append(d.active, accepted...)
	case len(d.active) > 0:
		d.pending = append(d.pending, accepted...)
	default:
		launch = accepted[:1]
		d.active = append(d.active, accepted[0])
		d.pending = append(d.pending, accepted[1:]...)
	}
	if len(launch) > 0 {
		d.broadcastLocked()
	}
	d.mu.Unlock()

	for _, it := range conflicted {
		d.release(it)
		d.observer.OnRenderFinished(it, errors.Conflict("output is already rendering").WithField("output", it.Output().Name()))
	}
	for _, it := range replaced {
		d.release(it)
		d.observer.OnRenderFinished(it, errors.New(errors.CodeAborted, "replaced by a newer submission").
			WithField("output", it.Output().Name()))
	}
	for _, it := range launch {
		d.launch(it)
	}
}

// launch starts it. An item that fails to start is finished immediately so
// that the queue keeps moving.
func (d *Dispatcher) launch(it *Item) {
	log := d.log.WithItem(it.ID).WithOutput(it.Output().Name())

	it.Output().SetPersistentError(nil)
	err := d.start(it)
	if err == nil {
		log.Info("render launched",
			"first_frame", it.Work.FirstFrame,
			"last_frame", it.Work.LastFrame,
			"frame_step", it.Work.FrameStep,
			"separate_process", it.process != nil,
		)
		return
	}

	log.WithError(err).Error("render launch failed")
	it.Output().SetPersistentError(err)
	d.onItemFinished(it, err)
}

func (d *Dispatcher) start(it *Item) error {
	out := it.Output()
	name := out.Name()

	if out.IsWriter() {
		enc, ok := out.EmbeddedEncoder()
		if !ok || enc == nil {
			return errors.Launch(name, "writer has no embedded encoder")
		}
		if fn, ok := enc.(FileNode); ok && fn.File() == "" {
			return errors.Launch(name, "writer has no output file")
		}
	}

	onFinished := func(err error) { d.onItemFinished(it, err) }

	if it.process != nil {
		if err := it.process.Start(onFinished); err != nil {
			return errors.WrapWithCode(err, errors.CodeLaunch, "dispatcher.start", "cannot start render process").
				WithField("output", name)
		}
		return nil
	}

	if d.deps.Sequences == nil {
		return errors.Launch(name, "no render engine configured")
	}
	views := out.Views()
	if len(views) == 0 {
		views = []ViewIdx{0}
	}
	req := SequenceRequest{
		ItemID:       it.ID,
		Output:       out,
		FirstFrame:   it.Work.FirstFrame,
		LastFrame:    it.Work.LastFrame,
		FrameStep:    it.Work.FrameStep,
		Views:        views,
		CollectStats: it.Work.CollectStats,
	}
	if err := d.deps.Sequences.RenderSequence(req, onFinished); err != nil {
		return errors.WrapWithCode(err, errors.CodeLaunch, "dispatcher.start", "cannot start render").
			WithField("output", name)
	}
	return nil
}

// onItemFinished retires it from the active set and starts the next queued
// item. A second call for the same item is ignored.
func (d *Dispatcher) onItemFinished(it *Item, err error) {
	var next *Item

	d.mu.Lock()
	i := indexOf(d.active, it)
	if i < 0 {
		d.mu.Unlock()
		return
	}
	d.active = removeAt(d.active, i)
	// the popped item is active before the lock is released so waiters never
	// observe an empty active set while work is still queued
	if len(d.pending) > 0 {
		next = d.pending[0]
		d.pending = removeAt(d.pending, 0)
		d.active = append(d.active, next)
	}
	d.broadcastLocked()
	d.mu.Unlock()

	log := d.log.WithItem(it.ID).WithOutput(it.Output().Name())
	if err != nil {
		log.WithError(err).Warn("render finished with error")
	} else {
		log.Info("render finished")
	}

	d.release(it)
	d.observer.OnRenderFinished(it, err)

	if next != nil {
		d.launch(next)
	}
}

// release closes the item's external process. Never called with mu held.
func (d *Dispatcher) release(it *Item) {
	if it.process == nil {
		return
	}
	if err := it.process.Close(); err != nil {
		d.log.WithError(err).Warn("closing render process failed", "output", it.Output().Name())
	}
}

func (d *Dispatcher) broadcastLocked() {
	close(d.changed)
	d.changed = make(chan struct{})
}

// Wait blocks until no item is active or ctx is done.
func (d *Dispatcher) Wait(ctx context.Context) error {
	timer := time.NewTimer(d.cfg.WaitInterval)
	defer timer.Stop()

	for {
		d.mu.Lock()
		if len(d.active) == 0 {
			d.mu.Unlock()
			return nil
		}
		changed := d.changed
		d.mu.Unlock()

		select {
		case <-changed:
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d.cfg.WaitInterval)
	}
}

// RemoveFromQueue drops the pending item of output. Active items are not
// affected. It reports whether an item was removed.
func (d *Dispatcher) RemoveFromQueue(output string) bool {
	d.mu.Lock()
	i := indexByOutput(d.pending, output)
	if i < 0 {
		d.mu.Unlock()
		return false
	}
	it := d.pending[i]
	d.pending = removeAt(d.pending, i)
	d.mu.Unlock()

	d.release(it)
	d.observer.OnRenderFinished(it, errors.New(errors.CodeAborted, "removed from queue").WithField("output", output))
	d.log.Info("render removed from queue", "output", output, "item_id", it.ID)
	return true
}

// SequenceAborter is implemented by engines that can stop a running sequence.
type SequenceAborter interface {
	Abort(output string) bool
}

// ProcessAborter is implemented by external processes that accept an abort
// request.
type ProcessAborter interface {
	Abort() error
}

// Abort asks the active render of output to stop. The item still finishes
// through its normal completion path. It reports whether a render was found.
func (d *Dispatcher) Abort(output string) (bool, error) {
	d.mu.Lock()
	i := indexByOutput(d.active, output)
	var it *Item
	if i >= 0 {
		it = d.active[i]
	}
	d.mu.Unlock()
	if it == nil {
		return false, nil
	}

	if it.process != nil {
		if a, ok := it.process.(ProcessAborter); ok {
			return true, a.Abort()
		}
		return true, errors.New(errors.CodeFailedPrecond, "render process cannot be aborted").WithField("output", output)
	}
	if a, ok := d.deps.Sequences.(SequenceAborter); ok {
		return a.Abort(output), nil
	}
	return true, errors.New(errors.CodeFailedPrecond, "render engine cannot be aborted").WithField("output", output)
}

func (d *Dispatcher) isActive(output string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return indexByOutput(d.active, output) >= 0
}

// QueuedItem is a copy of an item's public state.
type QueuedItem struct {
	ID              string    `json:"id"`
	Output          string    `json:"output"`
	Label           string    `json:"label"`
	FirstFrame      int       `json:"first_frame"`
	LastFrame       int       `json:"last_frame"`
	FrameStep       int       `json:"frame_step"`
	SeparateProcess bool      `json:"separate_process"`
	AdmittedAt      time.Time `json:"admitted_at"`
}

// QueueState lists active and pending items in order.
type QueueState struct {
	Active  []QueuedItem `json:"active"`
	Pending []QueuedItem `json:"pending"`
}

// Snapshot returns a copy of the active and pending sets.
func (d *Dispatcher) Snapshot() QueueState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return QueueState{
		Active:  describe(d.active),
		Pending: describe(d.pending),
	}
}

// Counts returns the sizes of the active and pending sets.
func (d *Dispatcher) Counts() (active, pending int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.active), len(d.pending)
}

func describe(items []*Item) []QueuedItem {
	out := make([]QueuedItem, 0, len(items))
	for _, it := range items {
		out = append(out, QueuedItem{
			ID:              it.ID,
			Output:          it.Output().Name(),
			Label:           it.Label(),
			FirstFrame:      it.Work.FirstFrame,
			LastFrame:       it.Work.LastFrame,
			FrameStep:       it.Work.FrameStep,
			SeparateProcess: it.process != nil,
			AdmittedAt:      it.AdmittedAt,
		})
	}
	return out
}

func indexOf(items []*Item, it *Item) int {
	for i, x := range items {
		if x == it {
			return i
		}
	}
	return -1
}

func indexByOutput(items []*Item, output string) int {
	for i, x := range items {
		if x.Output().Name() == output {
			return i
		}
	}
	return -1
}

func removeAt(items []*Item, i int) []*Item {
	return append(items[:i], items[i+1:]...)
}
