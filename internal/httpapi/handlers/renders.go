package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"renderq/internal/httpkit"
	"renderq/internal/intake"
	"renderq/internal/pkg/errors"
	"renderq/internal/render"
)

// SubmitResponse answers POST /renders.
type SubmitResponse struct {
	Accepted []string          `json:"accepted"`
	Skipped  []string          `json:"skipped,omitempty"`
	Rejected []RejectedWork    `json:"rejected,omitempty"`
	Queue    render.QueueState `json:"queue"`
}

// RejectedWork is an output left out of a submission.
type RejectedWork struct {
	Output  string `json:"output"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PostRender submits a render. ?blocking=true waits for the queue to drain;
// ?async=queue pushes the submission to the intake queue instead.
func (h *Handler) PostRender(w http.ResponseWriter, r *http.Request) error {
	ctx := r.Context()

	var sub intake.Submission
	if err := httpkit.DecodeJSON(r, &sub); err != nil {
		return errors.WrapWithCode(err, errors.CodeBadRequest, "renders.submit", "invalid json body")
	}

	if r.URL.Query().Get("async") == "queue" {
		if h.queue == nil {
			return errors.New(errors.CodeFailedPrecond, "intake queue is not configured")
		}
		if err := h.queue.Push(ctx, sub); err != nil {
			return err
		}
		httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"queued": h.queue.Name()})
		return nil
	}

	p := h.projects.Current()
	works, err := sub.Works(p)
	if err != nil {
		return err
	}

	active := make(map[string]bool)
	for _, it := range h.dispatcher.Snapshot().Active {
		active[it.Output] = true
	}

	var (
		resp     SubmitResponse
		accepted []render.Work
		firstErr error
	)
	for _, wk := range works {
		name := wk.Output.Name()
		if wk.Output.Disabled() {
			resp.Skipped = append(resp.Skipped, name)
			continue
		}
		// admission only reports invalid works to observers, so check a
		// copy here to answer for each output
		check := wk
		err := render.ValidateRenderOptions(&check, p)
		if err == nil && active[name] {
			err = errors.Conflict("output is already rendering").WithField("output", name)
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			resp.Rejected = append(resp.Rejected, RejectedWork{
				Output:  name,
				Code:    string(errors.GetCode(err)),
				Message: errors.GetMessage(err),
			})
			continue
		}
		resp.Accepted = append(resp.Accepted, name)
		accepted = append(accepted, wk)
	}
	if len(accepted) == 0 && firstErr != nil {
		return firstErr
	}

	blocking, _ := strconv.ParseBool(r.URL.Query().Get("blocking"))
	if err := h.dispatcher.Submit(ctx, accepted, blocking); err != nil {
		return err
	}

	resp.Queue = h.dispatcher.Snapshot()
	status := http.StatusAccepted
	if blocking {
		status = http.StatusOK
	}
	httpkit.WriteJSON(w, status, resp)
	return nil
}

// ListRenders returns the active and pending items.
func (h *Handler) ListRenders(w http.ResponseWriter, r *http.Request) error {
	cfg := h.dispatcher.Config()
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"queue":            h.dispatcher.Snapshot(),
		"queueing_enabled": cfg.QueueingEnabled,
		"separate_process": cfg.RenderInSeparateProcess,
	})
	return nil
}

// RemoveFromQueue drops the pending item of an output.
func (h *Handler) RemoveFromQueue(w http.ResponseWriter, r *http.Request) error {
	output := chi.URLParam(r, "output")
	if !h.dispatcher.RemoveFromQueue(output) {
		return errors.NotFound("pending render", output)
	}
	w.WriteHeader(http.StatusNoContent)
	return nil
}

// AbortRender stops the active render of an output.
func (h *Handler) AbortRender(w http.ResponseWriter, r *http.Request) error {
	output := chi.URLParam(r, "output")
	found, err := h.dispatcher.Abort(output)
	if err != nil {
		return err
	}
	if !found {
		return errors.NotFound("active render", output)
	}
	httpkit.WriteJSON(w, http.StatusAccepted, map[string]any{"output": output, "aborting": true})
	return nil
}

// ListHistory returns finished and running items, newest first.
func (h *Handler) ListHistory(w http.ResponseWriter, r *http.Request) error {
	if h.history == nil {
		return errors.New(errors.CodeFailedPrecond, "render history is not configured")
	}
	limit := 0
	if s := strings.TrimSpace(r.URL.Query().Get("limit")); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil {
			return errors.ValidationField("limit", "limit must be a number")
		}
		limit = v
	}
	items, err := h.history.List(r.Context(), strings.TrimSpace(r.URL.Query().Get("output")), limit)
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{"items": items})
	return nil
}

func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) error {
	if h.history == nil {
		return errors.New(errors.CodeFailedPrecond, "render history is not configured")
	}
	it, err := h.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return err
	}
	httpkit.WriteJSON(w, http.StatusOK, it)
	return nil
}
