// Package v1 is the wire contract between the dispatcher and the HTTP graph
// evaluator: one request per (node, frame, view).
package v1

const FramePath = "/render/v1/frame"

const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusAborted = "aborted"
)

type RoI struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

type FrameRequest struct {
	Node string `json:"node"`
	// File is the destination pattern when Node is a writer's encoder.
	File        string  `json:"file,omitempty"`
	Time        float64 `json:"time"`
	View        int     `json:"view"`
	Plane       string  `json:"plane"`
	MipLevel    int     `json:"mip_level"`
	ProxyScale  float64 `json:"proxy_scale"`
	RoI         *RoI    `json:"roi,omitempty"`
	Draft       bool    `json:"draft"`
	Playback    bool    `json:"playback"`
	BypassCache bool    `json:"bypass_cache"`
	// Profile asks for per-node timings in the response.
	Profile bool `json:"profile"`
}

type ImagePlane struct {
	Plane    string `json:"plane"`
	Location string `json:"location"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
}

type NodeTiming struct {
	Node       string  `json:"node"`
	DurationMs float64 `json:"duration_ms"`
	Calls      int     `json:"calls"`
}

type FrameResponse struct {
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	Image   *ImagePlane  `json:"image,omitempty"`
	Timings []NodeTiming `json:"timings,omitempty"`
}
