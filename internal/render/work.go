package render

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
)

// Unspecified marks a frame bound or step to be resolved at admission.
const Unspecified = math.MinInt32

// Work describes one render request.
type Work struct {
	Output Output
	// Label is the display string; empty means "use the output name".
	Label        string
	FirstFrame   int
	LastFrame    int
	FrameStep    int
	CollectStats bool
	// IsRestart is set when an interrupted render is submitted again.
	IsRestart bool
}

// NewWork returns a Work with every bound left to admission-time resolution.
func NewWork(out Output) Work {
	return Work{
		Output:     out,
		FirstFrame: Unspecified,
		LastFrame:  Unspecified,
		FrameStep:  Unspecified,
	}
}

// DisplayLabel returns Label, falling back to the output name.
func (w Work) DisplayLabel() string {
	if w.Label != "" {
		return w.Label
	}
	if w.Output == nil {
		return ""
	}
	return w.Output.Name()
}

// FrameCount is the number of frames a validated work renders.
func (w Work) FrameCount() int {
	if w.FrameStep == 0 {
		return 0
	}
	return (w.LastFrame-w.FirstFrame)/w.FrameStep + 1
}

// Item is an admitted Work plus its runtime attachments.
type Item struct {
	ID         string
	Work       Work
	AdmittedAt time.Time

	// process is set only when the batch renders in a separate process.
	process ExternalProcess
}

func newItem(w Work) *Item {
	return &Item{
		ID:         uuid.NewString(),
		Work:       w,
		AdmittedAt: time.Now().UTC(),
	}
}

// Output is a shorthand for it.Work.Output.
func (it *Item) Output() Output {
	return it.Work.Output
}

// Label is the item's display label.
func (it *Item) Label() string {
	return it.Work.DisplayLabel()
}

// ExternalProcess wraps a spawned renderer instance.
type ExternalProcess interface {
	// Start spawns the process. onFinished fires exactly once when it
	// exits, with nil on success.
	Start(onFinished func(err error)) error
	Output() Output
	// Close releases the process handle. It may block on the process's own
	// teardown and must never be called with dispatcher locks held.
	Close() error
}

// Snapshot is an opaque reference to a serialized project.
type Snapshot struct {
	Location string
	Size     int64
}

// Snapshotter serializes the current project for child processes.
type Snapshotter interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ProcessFactory binds an item to a new external process.
type ProcessFactory interface {
	NewProcess(w Work, snap Snapshot) (ExternalProcess, error)
}
