// Package evaluator is the Graph Evaluator backed by a remote renderer
// service speaking the v1 frame contract.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	contracts "renderq/internal/contracts/renderer/v1"
	"renderq/internal/pkg/logger"
	"renderq/internal/render"
)

type HTTPClient struct {
	baseURL string
	client  *http.Client
	log     *logger.Logger
}

var _ render.Evaluator = (*HTTPClient)(nil)

func NewHTTPClient(baseURL string, timeout time.Duration, log *logger.Logger) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	if log == nil {
		log = logger.Discard()
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		log:     log.WithComponent("evaluator"),
	}
}

type result struct {
	img *render.ImagePlane
}

func (r result) Image() *render.ImagePlane { return r.img }

// Launch implements render.Evaluator.
func (c *HTTPClient) Launch(ctx context.Context, args render.LaunchArgs) (render.Status, render.Result) {
	req := contracts.FrameRequest{
		Node:        args.Node.Name(),
		Time:        args.Time,
		View:        int(args.View),
		Plane:       args.Plane,
		MipLevel:    args.MipLevel,
		ProxyScale:  args.ProxyScale,
		Draft:       args.Draft,
		Playback:    args.Playback,
		BypassCache: args.BypassCache,
		Profile:     args.Stats != nil && args.Stats.InDepth,
	}
	if fn, ok := args.Node.(render.FileNode); ok {
		req.File = fn.File()
	}
	if args.RoI != nil {
		req.RoI = &contracts.RoI{X1: args.RoI.X1, Y1: args.RoI.Y1, X2: args.RoI.X2, Y2: args.RoI.Y2}
	}

	log := c.log.WithFrame(args.Time, int(args.View)).WithFields(map[string]any{"node": req.Node})

	started := time.Now()
	res, err := c.post(ctx, contracts.FramePath, req)
	if err != nil {
		if ctx.Err() != nil {
			return render.StatusAborted, nil
		}
		log.WithError(err).Warn("evaluator request failed")
		return render.StatusFailed, nil
	}

	for _, t := range res.Timings {
		args.Stats.AddNodeTime(t.Node, time.Duration(t.DurationMs*float64(time.Millisecond)))
	}

	switch res.Status {
	case contracts.StatusOK:
		log.Debug("frame evaluated", "duration_ms", time.Since(started).Milliseconds())
		return render.StatusOK, result{img: toImage(res.Image)}
	case contracts.StatusAborted:
		return render.StatusAborted, nil
	default:
		log.Warn("evaluator reported failure", "status", res.Status, "message", res.Message)
		return render.StatusFailed, nil
	}
}

func toImage(p *contracts.ImagePlane) *render.ImagePlane {
	if p == nil {
		return nil
	}
	return &render.ImagePlane{Plane: p.Plane, Location: p.Location, Width: p.Width, Height: p.Height}
}

func (c *HTTPClient) post(ctx context.Context, path string, spec any) (*contracts.FrameResponse, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("renderer http %d: %s", res.StatusCode, bytes.TrimSpace(msg))
	}

	var out contracts.FrameResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("renderer response: %w", err)
	}
	return &out, nil
}
