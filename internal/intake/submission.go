// Package intake turns render submissions into dispatcher works. Submissions
// arrive as JSON on a Redis list or through the control API.
package intake

import (
	"strings"

	"renderq/internal/pkg/errors"
	"renderq/internal/project"
	"renderq/internal/render"
)

// Submission is the wire form of a render request.
type Submission struct {
	// Outputs names the outputs to render; empty means every writer.
	Outputs []string `json:"outputs,omitempty"`
	// Frames is a single "N", "A-B" or "A-B:S" range; empty uses each
	// output's own range.
	Frames       string `json:"frames,omitempty"`
	Label        string `json:"label,omitempty"`
	CollectStats bool   `json:"collect_stats,omitempty"`
	Restart      bool   `json:"restart,omitempty"`
}

// Works resolves s against p, one work per output.
func (s Submission) Works(p *project.Project) ([]render.Work, error) {
	if p == nil {
		return nil, errors.New(errors.CodeFailedPrecond, "no project loaded")
	}
	outs, err := p.Resolve(s.Outputs)
	if err != nil {
		return nil, err
	}

	rng := render.FrameRange{First: render.Unspecified, Last: render.Unspecified, Step: render.Unspecified}
	if f := strings.TrimSpace(s.Frames); f != "" {
		ranges, err := render.ParseFrameRanges(f)
		if err != nil {
			return nil, err
		}
		if len(ranges) > 1 {
			return nil, errors.ValidationField("frames", "only one frame range per submission")
		}
		rng = ranges[0]
	}

	works := make([]render.Work, 0, len(outs))
	for _, o := range outs {
		w := render.WorksForRanges(o, []render.FrameRange{rng})[0]
		w.Label = s.Label
		w.CollectStats = s.CollectStats
		w.IsRestart = s.Restart
		works = append(works, w)
	}
	return works, nil
}
