package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/internal/pkg/errors"
	"renderq/internal/render"
)

type staticQueue struct{ active, pending int }

func (q staticQueue) Counts() (int, int) { return q.active, q.pending }

func TestRecorder_Items(t *testing.T) {
	Register()
	var r Recorder

	okBefore := testutil.ToFloat64(itemsFinished.WithLabelValues("ok"))
	abortedBefore := testutil.ToFloat64(itemsFinished.WithLabelValues(string(errors.CodeAborted)))
	restartBefore := testutil.ToFloat64(itemsStarted.WithLabelValues("true"))
	conflictBefore := testutil.ToFloat64(admissionErrors.WithLabelValues(string(errors.CodeConflict)))

	it := &render.Item{ID: "1"}
	r.OnRenderStarted(it, true)
	r.OnRenderFinished(it, nil)
	r.OnRenderFinished(it, errors.New(errors.CodeAborted, "removed from queue"))
	r.OnRenderError(render.Work{}, errors.Conflict("already rendering"))

	assert.Equal(t, restartBefore+1, testutil.ToFloat64(itemsStarted.WithLabelValues("true")))
	assert.Equal(t, okBefore+1, testutil.ToFloat64(itemsFinished.WithLabelValues("ok")))
	assert.Equal(t, abortedBefore+1, testutil.ToFloat64(itemsFinished.WithLabelValues(string(errors.CodeAborted))))
	assert.Equal(t, conflictBefore+1, testutil.ToFloat64(admissionErrors.WithLabelValues(string(errors.CodeConflict))))
}

func TestRecorder_Frames(t *testing.T) {
	Register()
	var r Recorder

	r.ObserveFrame("FramesWrite", 200*time.Millisecond, false)
	r.ObserveFrame("FramesWrite", 300*time.Millisecond, false)
	r.ObserveFrame("FramesWrite", time.Second, true)

	assert.Equal(t, 2.0, testutil.ToFloat64(frames.WithLabelValues("FramesWrite", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(frames.WithLabelValues("FramesWrite", "failed")))

	want := `
# HELP renderq_frame_duration_seconds Wall time spent rendering one frame, all views included.
# TYPE renderq_frame_duration_seconds histogram
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="0.01"} 0
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="0.025"} 0
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="0.05"} 0
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="0.1"} 0
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="0.25"} 1
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="0.5"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="1"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="2.5"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="5"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="10"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="30"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="60"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="120"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="300"} 2
renderq_frame_duration_seconds_bucket{output="FramesWrite",le="+Inf"} 2
renderq_frame_duration_seconds_sum{output="FramesWrite"} 0.5
renderq_frame_duration_seconds_count{output="FramesWrite"} 2
`
	err := testutil.CollectAndCompare(frameDuration, strings.NewReader(want), "renderq_frame_duration_seconds")
	require.NoError(t, err)
}

func TestWatchQueue(t *testing.T) {
	Register()

	WatchQueue(staticQueue{active: 2, pending: 5})
	assert.Equal(t, 2.0, testutil.ToFloat64(queueActive))
	assert.Equal(t, 5.0, testutil.ToFloat64(queuePending))

	WatchQueue(staticQueue{})
	assert.Zero(t, testutil.ToFloat64(queuePending))
}

func TestHandler(t *testing.T) {
	Register()
	WatchQueue(staticQueue{active: 1})

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, string(body), "renderq_queue_active_items 1")
}
