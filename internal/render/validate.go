package render

import (
	"renderq/internal/pkg/errors"
)

// ValidateRenderOptions resolves the sentinels of w in place and checks that
// the range direction agrees with the step sign.
func ValidateRenderOptions(w *Work, project ProjectRange) error {
	if w.Output == nil {
		return errors.ValidationField("output", "work has no output")
	}

	if w.FrameStep == Unspecified {
		w.FrameStep = w.Output.ConfiguredFrameStep()
	}
	if w.FrameStep == 0 {
		return errors.ValidationField("frame_step", "frame step cannot be 0").
			WithField("output", w.Output.Name())
	}

	if w.FirstFrame == Unspecified || w.LastFrame == Unspecified {
		first, last, ok := w.Output.NaturalFrameRange()
		if !ok && project != nil {
			first, last = project.FrameRange()
			ok = true
		}
		if !ok {
			return errors.ValidationField("frame_range", "no frame range available").
				WithField("output", w.Output.Name())
		}
		if w.FirstFrame == Unspecified {
			w.FirstFrame = first
		}
		if w.LastFrame == Unspecified {
			w.LastFrame = last
		}
	}

	if (w.FirstFrame > w.LastFrame && w.FrameStep > 0) || (w.FirstFrame < w.LastFrame && w.FrameStep < 0) {
		return errors.Validationf("first frame %d and last frame %d do not agree with frame step %d",
			w.FirstFrame, w.LastFrame, w.FrameStep).
			WithField("field", "frame_range").
			WithField("output", w.Output.Name())
	}
	return nil
}
