package render

import (
	"context"
)

// Status is the outcome of one evaluator call.
type Status int

const (
	StatusOK Status = iota
	StatusFailed
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusFailed:
		return "failed"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// DefaultPlane is the color plane rendered when none is requested.
const DefaultPlane = "Color.RGBA"

// Rect is a region in canonical coordinates.
type Rect struct {
	X1, Y1, X2, Y2 float64
}

// LaunchArgs are the parameters of one evaluator call.
type LaunchArgs struct {
	Node       Node
	Time       float64
	View       ViewIdx
	Plane      string
	MipLevel   int
	ProxyScale float64
	// RoI nil means the full region of definition.
	RoI         *Rect
	Stats       *Stats
	Draft       bool
	Playback    bool
	BypassCache bool
}

// ImagePlane is a rendered plane. The pixels themselves stay with the
// evaluator; the core only forwards the reference.
type ImagePlane struct {
	Plane    string
	Location string
	Width    int
	Height   int
}

// Result is the handle returned by an evaluator call.
type Result interface {
	// Image returns the produced plane or nil.
	Image() *ImagePlane
}

// Evaluator renders one node for one frame and view. Launch blocks until
// the render finishes; cancelling ctx must make it return StatusAborted.
type Evaluator interface {
	Launch(ctx context.Context, args LaunchArgs) (Status, Result)
}
