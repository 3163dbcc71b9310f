package render

import (
	"strconv"
	"strings"

	"renderq/internal/pkg/errors"
)

// FrameRange is one parsed range of a frame list.
type FrameRange struct {
	First int
	Last  int
	// Step is Unspecified when the range did not name one.
	Step int
}

// ParseFrameRanges parses a comma separated list of "N", "A-B" or "A-B:S".
// A leading minus belongs to the number ("-5--1:1").
func ParseFrameRanges(s string) ([]FrameRange, error) {
	var out []FrameRange
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := parseFrameRange(part)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if len(out) == 0 {
		return nil, errors.ValidationField("frames", "empty frame range list")
	}
	return out, nil
}

func parseFrameRange(s string) (FrameRange, error) {
	if n, err := strconv.Atoi(s); err == nil {
		return FrameRange{First: n, Last: n, Step: Unspecified}, nil
	}

	// skip a sign on the first number when looking for the separator
	sep := strings.Index(s[1:], "-")
	if sep < 0 {
		return FrameRange{}, invalidRange(s)
	}
	sep++

	first, err := strconv.Atoi(strings.TrimSpace(s[:sep]))
	if err != nil {
		return FrameRange{}, invalidRange(s)
	}

	rest := strings.TrimSpace(s[sep+1:])
	step := Unspecified
	if i := strings.Index(rest, ":"); i >= 0 {
		step, err = strconv.Atoi(strings.TrimSpace(rest[i+1:]))
		if err != nil {
			return FrameRange{}, invalidRange(s)
		}
		rest = strings.TrimSpace(rest[:i])
	}

	last, err := strconv.Atoi(rest)
	if err != nil {
		return FrameRange{}, invalidRange(s)
	}
	return FrameRange{First: first, Last: last, Step: step}, nil
}

func invalidRange(s string) error {
	return errors.ValidationField("frames", "invalid frame range: "+s)
}

// WorksForRanges builds one Work per range for out.
func WorksForRanges(out Output, ranges []FrameRange) []Work {
	works := make([]Work, 0, len(ranges))
	for _, r := range ranges {
		w := NewWork(out)
		w.FirstFrame = r.First
		w.LastFrame = r.Last
		w.FrameStep = r.Step
		works = append(works, w)
	}
	return works
}
