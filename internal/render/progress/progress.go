// Package progress is the line protocol a background render uses to report
// to the process that spawned it.
//
// The child writes one event per line on stdout:
//
//	Frame rendered: <time> Progress: <fraction>
//	Rendering finished
//
// and reads "abort" lines on stdin.
package progress

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
)

const (
	FrameRenderedPrefix = "Frame rendered: "
	ProgressPrefix      = "Progress: "
	RenderingFinished   = "Rendering finished"
	AbortCommand        = "abort"
)

// Kind is the type of a parsed line.
type Kind int

const (
	KindFrame Kind = iota + 1
	KindProgress
	KindFinished
)

// Event is one parsed protocol line.
type Event struct {
	Kind  Kind
	Frame float64
	// Fraction is in [0, 1].
	Fraction float64
}

// FrameLine formats a frame event.
func FrameLine(frame, fraction float64) string {
	return FrameRenderedPrefix + strconv.FormatFloat(frame, 'g', -1, 64) +
		" " + ProgressPrefix + strconv.FormatFloat(fraction, 'f', 4, 64)
}

// Parse decodes a protocol line. Lines that are not part of the protocol,
// such as log output, return false.
func Parse(line string) (Event, bool) {
	line = strings.TrimSpace(line)
	switch {
	case line == RenderingFinished:
		return Event{Kind: KindFinished, Fraction: 1}, true
	case strings.HasPrefix(line, FrameRenderedPrefix):
		rest := strings.TrimPrefix(line, FrameRenderedPrefix)
		frameStr, fracStr, hasFrac := strings.Cut(rest, " "+ProgressPrefix)
		frame, err := strconv.ParseFloat(strings.TrimSpace(frameStr), 64)
		if err != nil {
			return Event{}, false
		}
		ev := Event{Kind: KindFrame, Frame: frame}
		if hasFrac {
			if f, err := strconv.ParseFloat(strings.TrimSpace(fracStr), 64); err == nil {
				ev.Fraction = f
			}
		}
		return ev, true
	case strings.HasPrefix(line, ProgressPrefix):
		f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, ProgressPrefix)), 64)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: KindProgress, Fraction: f}, true
	default:
		return Event{}, false
	}
}

// Writer serializes protocol lines onto w.
type Writer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (pw *Writer) Frame(frame, fraction float64) error {
	return pw.line(FrameLine(frame, fraction))
}

func (pw *Writer) Finished() error {
	return pw.line(RenderingFinished)
}

func (pw *Writer) line(s string) error {
	if pw == nil || pw.w == nil {
		return nil
	}
	pw.mu.Lock()
	defer pw.mu.Unlock()
	_, err := fmt.Fprintln(pw.w, s)
	return err
}
