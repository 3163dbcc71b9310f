package hooks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"renderq/internal/pkg/errors"
	"renderq/internal/render"
)

type hookOutput struct {
	render.Output
	name   string
	before string
	after  string
}

func (o hookOutput) Name() string                    { return o.name }
func (o hookOutput) BeforeFrameRenderScript() string { return o.before }
func (o hookOutput) AfterFrameRenderScript() string  { return o.after }

func TestExpand(t *testing.T) {
	vars := Vars{Frame: 12, Node: "Write1", App: "/projects/shot.yaml"}

	tests := []struct {
		name     string
		template string
		want     []string
		wantErr  bool
	}{
		{"all placeholders", "notify --frame {frame} --node {node} {app}", []string{"notify", "--frame", "12", "--node", "Write1", "/projects/shot.yaml"}, false},
		{"quoted argument stays one", `echo "frame {frame} of {node}"`, []string{"echo", "frame 12 of Write1"}, false},
		{"placeholder inside word", "cp out.{frame}.exr /tmp", []string{"cp", "out.12.exr", "/tmp"}, false},
		{"unknown placeholder", "echo {thisNode}", nil, true},
		{"empty", "   ", nil, true},
		{"unbalanced quote", `echo "oops`, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Expand(tt.template, vars)
			if tt.wantErr {
				require.NotNil(t, err)
				assert.True(t, errors.IsHookSetup(err))
				return
			}
			require.Nil(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestExpand_FractionalFrame(t *testing.T) {
	got, err := Expand("echo {frame}", Vars{Frame: 2.5})
	require.Nil(t, err)
	assert.Equal(t, []string{"echo", "2.5"}, got)
}

func TestRunner(t *testing.T) {
	r := NewRunner("/projects/shot.yaml", 0, nil)
	ctx := context.Background()

	t.Run("no script", func(t *testing.T) {
		assert.NoError(t, r.BeforeFrame(ctx, hookOutput{name: "Write1"}, 1))
	})

	t.Run("success", func(t *testing.T) {
		out := hookOutput{name: "Write1", after: "sh -c 'test {frame} = 3'"}
		assert.NoError(t, r.AfterFrame(ctx, out, 3))
	})

	t.Run("hook failure", func(t *testing.T) {
		out := hookOutput{name: "Write1", before: "sh -c 'echo bad frame {frame} >&2; exit 3'"}
		err := r.BeforeFrame(ctx, out, 4)
		require.Error(t, err)
		assert.True(t, errors.IsCode(err, errors.CodeHookFailed))
		assert.Contains(t, err.Error(), "bad frame 4")
	})

	t.Run("missing executable", func(t *testing.T) {
		out := hookOutput{name: "Write1", before: "renderq-no-such-hook {frame}"}
		err := r.BeforeFrame(ctx, out, 1)
		require.Error(t, err)
		assert.True(t, errors.IsHookSetup(err))
	})

	t.Run("unknown placeholder", func(t *testing.T) {
		out := hookOutput{name: "Write1", before: "echo {time}"}
		err := r.BeforeFrame(ctx, out, 1)
		require.Error(t, err)
		assert.True(t, errors.IsHookSetup(err))
	})
}
