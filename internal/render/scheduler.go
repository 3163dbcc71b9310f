package render

// SchedulingPolicy is how a Frame Scheduler consumes rendered frames.
type SchedulingPolicy int

const (
	// PolicyOrdered buffers frames and hands them over in frame order.
	PolicyOrdered SchedulingPolicy = iota
	// PolicyFirstComeFirstServed consumes frames as soon as they finish.
	PolicyFirstComeFirstServed
)

func (p SchedulingPolicy) String() string {
	if p == PolicyFirstComeFirstServed {
		return "ffa"
	}
	return "ordered"
}

// ParseSchedulingPolicy accepts "ordered" and "ffa"/"fcfs".
func ParseSchedulingPolicy(s string) (SchedulingPolicy, bool) {
	switch s {
	case "", "ordered":
		return PolicyOrdered, true
	case "ffa", "fcfs", "first-come-first-served":
		return PolicyFirstComeFirstServed, true
	default:
		return PolicyOrdered, false
	}
}

// ViewResult is the outcome of one view of a frame.
type ViewResult struct {
	View   ViewIdx
	Status Status
	// Image is nil when the view failed.
	Image *ImagePlane
	// Stats is shared by every view of the frame; nil when not collected.
	Stats *Stats
}

// FrameResult groups the views rendered for one frame.
type FrameResult struct {
	Time  float64
	Views []ViewResult
}

// Failed reports whether any view failed.
func (f *FrameResult) Failed() bool {
	for _, v := range f.Views {
		if v.Status != StatusOK {
			return true
		}
	}
	return false
}

// FrameScheduler owns frame ordering for one output and receives task
// outcomes.
type FrameScheduler interface {
	NotifyFrameRendered(frame *FrameResult, policy SchedulingPolicy)
	NotifyRenderFailure(status Status, message string)
	NotifyTaskAboutToQuit(task *FrameTask)
	RunAfterFrameRenderedCallback(time float64)
	SchedulingPolicy() SchedulingPolicy
}

// SequenceRequest asks the in-process engine to render a validated range.
type SequenceRequest struct {
	ItemID       string
	Output       Output
	FirstFrame   int
	LastFrame    int
	FrameStep    int
	Views        []ViewIdx
	CollectStats bool
}

// SequenceRenderer is the in-process render engine. RenderSequence returns
// once the sequence is started; onFinished fires exactly once when it ends.
// A returned error means nothing was started and onFinished never fires.
type SequenceRenderer interface {
	RenderSequence(req SequenceRequest, onFinished func(err error)) error
}
