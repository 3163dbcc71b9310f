package handlers

import (
	"context"
	"net/http"
	"sort"
	"time"

	"renderq/internal/httpkit"
)

// Health reports liveness; ?deep=true also probes every dependency.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := h.log.FromContext(ctx)

	active, pending := 0, 0
	if h.dispatcher != nil {
		st := h.dispatcher.Snapshot()
		active, pending = len(st.Active), len(st.Pending)
	}

	health := map[string]any{
		"status":  "ok",
		"service": h.service,
		"queue":   map[string]int{"active": active, "pending": pending},
	}

	if r.URL.Query().Get("deep") == "true" {
		checks := h.deepHealthCheck(ctx)
		health["checks"] = checks

		for _, check := range checks {
			if check["status"] != "ok" {
				health["status"] = "degraded"
				log.Warn("health check degraded", "checks", checks)
				break
			}
		}
	}

	httpkit.WriteJSON(w, http.StatusOK, health)
}

func (h *Handler) deepHealthCheck(ctx context.Context) map[string]map[string]any {
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]any, len(names))
	for _, name := range names {
		out[name] = runCheck(ctx, h.checks[name])
	}
	if h.sp != nil {
		out["storage"] = map[string]any{"status": "ok", "provider": h.sp.Provider()}
	}
	return out
}

func runCheck(ctx context.Context, check Check) map[string]any {
	start := time.Now()
	result := map[string]any{"status": "ok"}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := check(checkCtx); err != nil {
		result["status"] = "error"
		result["error"] = err.Error()
	}
	result["latency_ms"] = time.Since(start).Milliseconds()
	return result
}
