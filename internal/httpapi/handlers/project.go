package handlers

import (
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"renderq/internal/httpkit"
	"renderq/internal/pkg/errors"
)

// OutputView is the API form of a project output.
type OutputView struct {
	Name       string `json:"name"`
	Writer     bool   `json:"writer"`
	Disabled   bool   `json:"disabled"`
	FirstFrame *int   `json:"first_frame,omitempty"`
	LastFrame  *int   `json:"last_frame,omitempty"`
	FrameStep  int    `json:"frame_step"`
	// Error is the persistent error left by the last failed launch or render.
	Error string `json:"error,omitempty"`
}

// GetProject lists the outputs of the loaded project.
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) error {
	p := h.projects.Current()
	if p == nil {
		return errors.New(errors.CodeFailedPrecond, "no project loaded")
	}

	outs := make([]OutputView, 0, len(p.Outputs))
	for _, o := range p.Outputs {
		v := OutputView{
			Name:      o.Name(),
			Writer:    o.IsWriter(),
			Disabled:  o.Disabled(),
			FrameStep: o.ConfiguredFrameStep(),
		}
		if first, last, ok := o.NaturalFrameRange(); ok {
			v.FirstFrame, v.LastFrame = &first, &last
		}
		if err := o.PersistentError(); err != nil {
			v.Error = err.Error()
		}
		outs = append(outs, v)
	}

	first, last := p.FrameRange()
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"name":        p.Name,
		"first_frame": first,
		"last_frame":  last,
		"proxy_scale": p.ProxyScale(),
		"outputs":     outs,
	})
	return nil
}

// StreamSnapshot serves a stored project snapshot so that a renderer on
// another host can materialize it.
func (h *Handler) StreamSnapshot(w http.ResponseWriter, r *http.Request) error {
	if h.sp == nil {
		return errors.New(errors.CodeFailedPrecond, "snapshot storage is not configured")
	}
	key := chi.URLParam(r, "*")
	if key == "" {
		return errors.ValidationField("key", "snapshot key is required")
	}

	rc, ct, size, err := h.sp.GetObject(r.Context(), key)
	if err != nil {
		return errors.WrapWithCode(err, errors.CodeNotFound, "snapshots.stream", "snapshot not found").
			WithField("key", key)
	}
	defer rc.Close()

	if ct == "" {
		ct = "application/yaml"
	}
	w.Header().Set("Content-Type", ct)
	if size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	}
	_, _ = io.Copy(w, rc)
	return nil
}
