package process

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/internal/pkg/errors"
	"renderq/internal/render"
)

type procOutput struct {
	render.Output
	name string
}

func (o procOutput) Name() string { return o.name }

type refCounter struct {
	mu       sync.Mutex
	acquired int
	released int
}

func (r *refCounter) Acquire(render.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.acquired++
}

func (r *refCounter) Release(context.Context, render.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
	return nil
}

func work(name string) render.Work {
	w := render.NewWork(procOutput{name: name})
	w.FirstFrame, w.LastFrame, w.FrameStep = 1, 10, 2
	return w
}

var snap = render.Snapshot{Location: "snapshots/abc.yaml"}

func startChild(t *testing.T, script string, refs SnapshotRefs) (*Process, <-chan error) {
	t.Helper()
	f, err := NewFactory(Config{Command: "sh -c '" + script + "' renderd", CloseGrace: time.Second}, refs, nil)
	require.NoError(t, err)
	ep, err := f.NewProcess(work("Write1"), snap)
	require.NoError(t, err)
	p := ep.(*Process)

	done := make(chan error, 1)
	require.NoError(t, p.Start(func(err error) { done <- err }))
	return p, done
}

func waitFinished(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("render process did not finish")
		return nil
	}
}

func TestFactoryArgs(t *testing.T) {
	f, err := NewFactory(Config{Command: `renderd --log-level "debug"`}, nil, nil)
	require.NoError(t, err)

	args := f.Args(work("Write1"), snap)
	assert.Equal(t, []string{
		"renderd", "--log-level", "debug",
		"--snapshot", "snapshots/abc.yaml",
		"--writer", "Write1",
		"--frames", "1-10:2",
		"--background",
	}, args)
}

func TestFactoryDefaultsToOwnBinary(t *testing.T) {
	f, err := NewFactory(Config{}, nil, nil)
	require.NoError(t, err)
	args := f.Args(work("Write1"), snap)
	assert.Equal(t, "render", args[1])
}

func TestFactoryRejectsMalformedCommand(t *testing.T) {
	_, err := NewFactory(Config{Command: `renderd "unterminated`}, nil, nil)
	assert.True(t, errors.IsValidation(err))
}

func TestFrameSpec(t *testing.T) {
	assert.Equal(t, "10-1:-3", FrameSpec(10, 1, -3))
}

func TestProcessSuccess(t *testing.T) {
	refs := &refCounter{}
	p, done := startChild(t, `echo "Frame rendered: 1 Progress: 0.5"; echo "Frame rendered: 3 Progress: 1"; echo "Rendering finished"`, refs)

	require.NoError(t, waitFinished(t, done))
	frame, fraction := p.Progress()
	assert.Equal(t, 3.0, frame)
	assert.Equal(t, 1.0, fraction)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.Equal(t, 1, refs.acquired)
	assert.Equal(t, 1, refs.released)
}

func TestProcessExitCodes(t *testing.T) {
	tests := []struct {
		name   string
		script string
		want   string
	}{
		{"exit 1 is undetermined", "exit 1", "undetermined problem"},
		{"other exit is a crash", "exit 3", "crashed"},
		{"signal is a crash", "kill -9 $$", "crashed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, done := startChild(t, tt.script, nil)
			err := waitFinished(t, done)
			require.Error(t, err)
			assert.True(t, errors.IsCode(err, errors.CodeRenderFailed))
			assert.True(t, strings.Contains(err.Error(), tt.want), err.Error())
			require.NoError(t, p.Close())
		})
	}
}

func TestProcessAbort(t *testing.T) {
	p, done := startChild(t, `read line; test "$line" = abort && exit 2; exit 0`, nil)

	require.NoError(t, p.Abort())
	err := waitFinished(t, done)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeAborted))
	require.NoError(t, p.Close())
}

func TestCloseRunningProcessAbortsIt(t *testing.T) {
	p, done := startChild(t, `read line; exit 2`, nil)

	require.NoError(t, p.Close())
	err := waitFinished(t, done)
	assert.True(t, errors.IsCode(err, errors.CodeAborted))
}

func TestCloseUnstartedReleasesSnapshot(t *testing.T) {
	refs := &refCounter{}
	f, err := NewFactory(Config{Command: "true"}, refs, nil)
	require.NoError(t, err)
	ep, err := f.NewProcess(work("Write1"), snap)
	require.NoError(t, err)

	require.NoError(t, ep.Close())
	assert.Equal(t, 1, refs.released)
	assert.Error(t, ep.Start(nil), "closed processes cannot start")
}

func TestProcessSurvivesOversizedLines(t *testing.T) {
	tests := []struct {
		name   string
		script string
	}{
		{"long stdout line", `head -c 100000 /dev/zero | tr "\0" x; echo; i=0; while [ $i -lt 2000 ]; do echo "log line $i"; i=$((i+1)); done; echo "Rendering finished"`},
		{"long stderr line", `head -c 2000000 /dev/zero | tr "\0" y >&2; echo >&2; i=0; while [ $i -lt 2000 ]; do echo "log line $i" >&2; i=$((i+1)); done; echo "Rendering finished"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, done := startChild(t, tt.script, nil)
			require.NoError(t, waitFinished(t, done))
			_, fraction := p.Progress()
			assert.Equal(t, 1.0, fraction, "completion after the long line is still read")
			require.NoError(t, p.Close())
		})
	}
}

func TestEachLine(t *testing.T) {
	long := strings.Repeat("a", 50)
	var lines []string
	err := eachLine(strings.NewReader("one\n"+long+"\nRendering finished\nlast"), 20, func(l string) {
		lines = append(lines, l)
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", strings.Repeat("a", 20), "Rendering finished", "last"}, lines)
}
