package evaluator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	contracts "renderq/internal/contracts/renderer/v1"
	"renderq/internal/render"
)

type node string

func (n node) Name() string { return string(n) }

type encoder struct{ node }

func (encoder) File() string { return "/renders/shot.####.exr" }

func TestLaunch(t *testing.T) {
	var got contracts.FrameRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, contracts.FramePath, r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		resp := contracts.FrameResponse{Status: contracts.StatusOK,
			Image:   &contracts.ImagePlane{Plane: got.Plane, Location: "/renders/shot.0012.exr", Width: 1920, Height: 1080},
			Timings: []contracts.NodeTiming{{Node: "Blur1", DurationMs: 3, Calls: 1}},
		}
		if got.View == 1 {
			resp = contracts.FrameResponse{Status: contracts.StatusFailed, Message: "missing input"}
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, nil)
	stats := render.NewStats(true)

	status, res := c.Launch(context.Background(), render.LaunchArgs{
		Node:       encoder{node("Write1.exr")},
		Time:       12,
		View:       0,
		Plane:      render.DefaultPlane,
		ProxyScale: 1,
		Stats:      stats,
		Playback:   true,
	})
	require.Equal(t, render.StatusOK, status)
	require.NotNil(t, res.Image())
	assert.Equal(t, "/renders/shot.0012.exr", res.Image().Location)
	assert.Equal(t, "/renders/shot.####.exr", got.File)
	assert.True(t, got.Profile)
	assert.True(t, got.Playback)
	require.Len(t, stats.Nodes(), 1)
	assert.Equal(t, 3*time.Millisecond, stats.Nodes()[0].Total)

	status, res = c.Launch(context.Background(), render.LaunchArgs{Node: node("Viewer1"), Time: 12, View: 1, Plane: render.DefaultPlane})
	assert.Equal(t, render.StatusFailed, status)
	assert.Nil(t, res)
	assert.Empty(t, got.File)
}

func TestLaunch_HTTPErrorIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	status, _ := NewHTTPClient(srv.URL, time.Second, nil).Launch(context.Background(), render.LaunchArgs{Node: node("Viewer1")})
	assert.Equal(t, render.StatusFailed, status)
}

func TestLaunch_CancelIsAbort(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	status, _ := NewHTTPClient(srv.URL, 5*time.Second, nil).Launch(ctx, render.LaunchArgs{Node: node("Viewer1")})
	assert.Equal(t, render.StatusAborted, status)
}
