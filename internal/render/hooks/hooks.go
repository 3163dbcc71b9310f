// Package hooks runs the before/after frame commands configured on outputs.
//
// A hook is a command line template. It is split with shell quoting rules
// and then each argument has its placeholders substituted:
//
//	{frame}  the frame being rendered
//	{node}   the name of the output node
//	{app}    the application instance (project file)
//
// Any other placeholder is a setup error.
package hooks

import (
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mattn/go-shellwords"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/render"
)

const DefaultTimeout = 30 * time.Second

var placeholderRe = regexp.MustCompile(`\{([^{}]*)\}`)

// Runner executes hook commands as child processes.
type Runner struct {
	// App is substituted for {app}.
	App     string
	Timeout time.Duration
	Log     *logger.Logger
}

func NewRunner(app string, timeout time.Duration, log *logger.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Runner{App: app, Timeout: timeout, Log: log.WithComponent("hooks")}
}

func (r *Runner) BeforeFrame(ctx context.Context, out render.Output, frame float64) error {
	return r.run(ctx, "before_frame", out.BeforeFrameRenderScript(), out, frame)
}

func (r *Runner) AfterFrame(ctx context.Context, out render.Output, frame float64) error {
	return r.run(ctx, "after_frame", out.AfterFrameRenderScript(), out, frame)
}

func (r *Runner) run(ctx context.Context, kind, template string, out render.Output, frame float64) error {
	if strings.TrimSpace(template) == "" {
		return nil
	}
	args, err := Expand(template, Vars{
		Frame: frame,
		Node:  out.Name(),
		App:   r.App,
	})
	if err != nil {
		return err.WithField("hook", kind).WithField("output", out.Name())
	}

	path, lerr := exec.LookPath(args[0])
	if lerr != nil {
		return errors.WrapWithCode(lerr, errors.CodeHookSetup, "hooks."+kind, "hook executable not found").
			WithField("output", out.Name())
	}

	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args[1:]...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf

	started := time.Now()
	if rerr := cmd.Run(); rerr != nil {
		msg := strings.TrimSpace(buf.String())
		if msg == "" {
			msg = "hook command failed"
		}
		return errors.WrapWithCode(rerr, errors.CodeHookFailed, "hooks."+kind, msg).
			WithField("output", out.Name()).
			WithField("frame", frame)
	}

	r.Log.Debug("hook ran",
		"hook", kind,
		"output", out.Name(),
		"frame", frame,
		"duration_ms", time.Since(started).Milliseconds(),
	)
	return nil
}

// Vars are the values available to hook templates.
type Vars struct {
	Frame float64
	Node  string
	App   string
}

// Expand splits template into arguments and substitutes placeholders.
func Expand(template string, vars Vars) ([]string, *errors.Error) {
	args, err := shellwords.Parse(template)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeHookSetup, "hooks.expand", "malformed hook command")
	}
	if len(args) == 0 {
		return nil, errors.New(errors.CodeHookSetup, "empty hook command")
	}

	values := map[string]string{
		"frame": strconv.FormatFloat(vars.Frame, 'g', -1, 64),
		"node":  vars.Node,
		"app":   vars.App,
	}

	for i, arg := range args {
		var unknown string
		args[i] = placeholderRe.ReplaceAllStringFunc(arg, func(m string) string {
			name := m[1 : len(m)-1]
			v, ok := values[name]
			if !ok {
				if unknown == "" {
					unknown = m
				}
				return m
			}
			return v
		})
		if unknown != "" {
			return nil, errors.Newf(errors.CodeHookSetup, "unknown hook placeholder %s", unknown).
				WithField("allowed", "{frame} {node} {app}")
		}
	}
	return args, nil
}
