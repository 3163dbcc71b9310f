package render

// ViewIdx identifies one view (eye) of a multi-view project.
type ViewIdx int

// Node is a graph node the evaluator can render.
type Node interface {
	Name() string
}

// FileNode is an encoder node that writes to a destination pattern.
type FileNode interface {
	Node
	File() string
}

// Output is the root node of a render. It is owned by the project graph;
// the render core only holds references to it for the lifetime of a
// submission.
type Output interface {
	Node

	Disabled() bool
	// NaturalFrameRange returns the output's own range; ok is false when
	// the output cannot answer and the project range must be used.
	NaturalFrameRange() (first, last int, ok bool)
	// ConfiguredFrameStep is the per-output step setting.
	ConfiguredFrameStep() int
	// IsWriter reports a disk-writing output.
	IsWriter() bool
	// EmbeddedEncoder returns the inner encoder of a write wrapper.
	// Writers without one cannot be launched.
	EmbeddedEncoder() (Node, bool)
	BeforeFrameRenderScript() string
	AfterFrameRenderScript() string
	// Views lists the views to render, in order.
	Views() []ViewIdx
	// SetPersistentError attaches a message that stays visible on the
	// output until the next successful launch clears it (nil).
	SetPersistentError(err error)
}

// ProjectRange supplies project-wide settings used as fallbacks.
type ProjectRange interface {
	FrameRange() (first, last int)
	ProxyScale() float64
}

// renderTarget resolves the node the evaluator must render for out: the
// embedded encoder of a write wrapper, or the output itself.
func renderTarget(out Output) Node {
	if enc, ok := out.EmbeddedEncoder(); ok && enc != nil {
		return enc
	}
	return out
}
