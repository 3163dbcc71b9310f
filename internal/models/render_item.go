package models

import "time"

// Render item statuses stored in render_items.status.
const (
	RenderRunning   = "running"
	RenderSucceeded = "succeeded"
	RenderFailed    = "failed"
	RenderAborted   = "aborted"
	RenderRejected  = "rejected"
)

// RenderItem is one row of the render history.
type RenderItem struct {
	ID           string     `json:"id"`
	Output       string     `json:"output"`
	Label        string     `json:"label"`
	FirstFrame   int        `json:"first_frame"`
	LastFrame    int        `json:"last_frame"`
	FrameStep    int        `json:"frame_step"`
	Restart      bool       `json:"restart"`
	Status       string     `json:"status"`
	ErrorCode    string     `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	AdmittedAt   time.Time  `json:"admitted_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}
