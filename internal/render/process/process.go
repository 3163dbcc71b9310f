// Package process runs a render in a child renderd process. The child gets
// a project snapshot, the output name and the frame range on its command
// line, reports progress on stdout and accepts "abort" on stdin.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/mattn/go-shellwords"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/render"
	"renderq/internal/render/progress"
)

const (
	maxProtocolLine = 64 * 1024
	maxLogLine      = 1024 * 1024
)

// DefaultCloseGrace is how long Close waits after an abort before killing
// the child.
const DefaultCloseGrace = 5 * time.Second

// SnapshotRefs tracks how many processes use a snapshot.
type SnapshotRefs interface {
	Acquire(snap render.Snapshot)
	Release(ctx context.Context, snap render.Snapshot) error
}

// Config configures the child command line.
type Config struct {
	// Command is the child command template; empty means "<this binary> render".
	Command string
	// Env is appended to the parent environment.
	Env        []string
	CloseGrace time.Duration
}

// Factory implements render.ProcessFactory.
type Factory struct {
	cfg  Config
	base []string
	refs SnapshotRefs
	log  *logger.Logger
}

var _ render.ProcessFactory = (*Factory)(nil)

func NewFactory(cfg Config, refs SnapshotRefs, log *logger.Logger) (*Factory, error) {
	if cfg.CloseGrace <= 0 {
		cfg.CloseGrace = DefaultCloseGrace
	}
	if log == nil {
		log = logger.Discard()
	}

	var base []string
	if cfg.Command == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, errors.Wrap(err, "process.factory", "cannot locate renderd binary")
		}
		base = []string{exe, "render"}
	} else {
		args, err := shellwords.Parse(cfg.Command)
		if err != nil {
			return nil, errors.WrapWithCode(err, errors.CodeValidation, "process.factory", "malformed child command")
		}
		if len(args) == 0 {
			return nil, errors.ValidationField("child_command", "empty child command")
		}
		base = args
	}

	return &Factory{cfg: cfg, base: base, refs: refs, log: log.WithComponent("process")}, nil
}

// Args returns the child command line for w rendering snap.
func (f *Factory) Args(w render.Work, snap render.Snapshot) []string {
	args := append([]string(nil), f.base...)
	return append(args,
		"--snapshot", snap.Location,
		"--writer", w.Output.Name(),
		"--frames", FrameSpec(w.FirstFrame, w.LastFrame, w.FrameStep),
		"--background",
	)
}

// FrameSpec formats a validated range in the frame list syntax.
func FrameSpec(first, last, step int) string {
	return strconv.Itoa(first) + "-" + strconv.Itoa(last) + ":" + strconv.Itoa(step)
}

// NewProcess implements render.ProcessFactory. The process holds a
// reference on snap until it is closed.
func (f *Factory) NewProcess(w render.Work, snap render.Snapshot) (render.ExternalProcess, error) {
	if w.Output == nil {
		return nil, errors.ValidationField("output", "work has no output")
	}
	if f.refs != nil {
		f.refs.Acquire(snap)
	}
	return &Process{
		args:  f.Args(w, snap),
		env:   f.cfg.Env,
		grace: f.cfg.CloseGrace,
		out:   w.Output,
		snap:  snap,
		refs:  f.refs,
		log:   f.log.WithOutput(w.Output.Name()),
		done:  make(chan struct{}),
	}, nil
}

// Process is one child render.
type Process struct {
	args  []string
	env   []string
	grace time.Duration
	out   render.Output
	snap  render.Snapshot
	refs  SnapshotRefs
	log   *logger.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	aborted  bool
	finished bool
	lastTime float64
	fraction float64
	closed   bool
	done     chan struct{}
}

var _ render.ExternalProcess = (*Process)(nil)

func (p *Process) Output() render.Output { return p.out }

// Args is the command line the process runs.
func (p *Process) Args() []string { return p.args }

// Start implements render.ExternalProcess.
func (p *Process) Start(onFinished func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return errors.Conflict("render process already started")
	}
	if p.closed {
		return errors.New(errors.CodeFailedPrecond, "render process is closed")
	}

	cmd := exec.Command(p.args[0], p.args[1:]...)
	if len(p.env) > 0 {
		cmd.Env = append(os.Environ(), p.env...)
	}
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}
	p.cmd = cmd
	p.stdin = stdin
	p.log.Info("render process started", "pid", cmd.Process.Pid, "args", p.args)

	go p.wait(stdout, stderr, onFinished)
	return nil
}

func (p *Process) wait(stdout, stderr io.Reader, onFinished func(error)) {
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		p.readProtocol(stdout)
	}()
	go func() {
		defer pipes.Done()
		p.forwardLog(stderr)
	}()
	pipes.Wait()

	err := p.exitError(p.cmd.Wait())
	close(p.done)
	if onFinished != nil {
		onFinished(err)
	}
}

func (p *Process) readProtocol(r io.Reader) {
	err := eachLine(r, maxProtocolLine, func(line string) {
		ev, ok := progress.Parse(line)
		if !ok {
			p.log.Debug("render process output", "line", line)
			return
		}
		p.mu.Lock()
		switch ev.Kind {
		case progress.KindFrame:
			p.lastTime = ev.Frame
			p.fraction = ev.Fraction
		case progress.KindProgress:
			p.fraction = ev.Fraction
		case progress.KindFinished:
			p.finished = true
			p.fraction = 1
		}
		p.mu.Unlock()
		if ev.Kind == progress.KindFrame {
			p.log.Info("frame rendered", "frame", ev.Frame, "progress_pct", ev.Fraction*100)
		}
	})
	p.drain("stdout", r, err)
}

func (p *Process) forwardLog(r io.Reader) {
	err := eachLine(r, maxLogLine, func(line string) {
		p.log.Debug("render process log", "line", line)
	})
	p.drain("stderr", r, err)
}

// drain discards what is left of a pipe after a read error so the child
// never blocks writing to it.
func (p *Process) drain(stream string, r io.Reader, err error) {
	if err == nil {
		return
	}
	p.log.Warn("render process stream unreadable", "stream", stream, "error", err.Error())
	_, _ = io.Copy(io.Discard, r)
}

// eachLine calls fn for every line of r. Lines longer than limit are cut
// to limit bytes; the rest of the line is skipped.
func eachLine(r io.Reader, limit int, fn func(line string)) error {
	br := bufio.NewReader(r)
	var buf []byte
	for {
		chunk, isPrefix, err := br.ReadLine()
		if n := min(len(chunk), limit-len(buf)); n > 0 {
			buf = append(buf, chunk[:n]...)
		}
		if err != nil {
			if len(buf) > 0 {
				fn(string(buf))
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if !isPrefix {
			fn(string(buf))
			buf = buf[:0]
		}
	}
}

// exitError maps the child's exit onto the render error taxonomy.
func (p *Process) exitError(waitErr error) error {
	p.mu.Lock()
	aborted, finished := p.aborted, p.finished
	p.mu.Unlock()

	if aborted {
		return errors.New(errors.CodeAborted, "Render Aborted").WithField("output", p.out.Name())
	}
	if waitErr == nil {
		if !finished {
			p.log.Warn("render process exited without reporting completion")
		}
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.Exited() && exitErr.ExitCode() == 1 {
		return errors.WrapWithCode(waitErr, errors.CodeRenderFailed, "process.wait",
			"render process finished with an undetermined problem").WithField("output", p.out.Name())
	}
	return errors.WrapWithCode(waitErr, errors.CodeRenderFailed, "process.wait",
		"render process crashed").WithField("output", p.out.Name())
}

// Abort asks the child to stop. The process still finishes through its
// normal completion path.
func (p *Process) Abort() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.stdin == nil {
		return errors.New(errors.CodeFailedPrecond, "render process not running")
	}
	p.aborted = true
	if _, err := fmt.Fprintln(p.stdin, progress.AbortCommand); err != nil {
		return errors.Wrap(err, "process.abort", "cannot write abort request")
	}
	return nil
}

// Progress returns the last reported frame and completed fraction.
func (p *Process) Progress() (frame, fraction float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastTime, p.fraction
}

// Close implements render.ExternalProcess. A running child is asked to
// abort, then killed after the grace period. The snapshot reference is
// released once.
func (p *Process) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	started := p.cmd != nil
	p.mu.Unlock()

	if started {
		select {
		case <-p.done:
		default:
			_ = p.Abort()
			select {
			case <-p.done:
			case <-time.After(p.grace):
				p.log.Warn("render process did not stop, killing it")
				_ = p.cmd.Process.Kill()
				<-p.done
			}
		}
		p.mu.Lock()
		if p.stdin != nil {
			p.stdin.Close()
		}
		p.mu.Unlock()
	}

	if p.refs != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.refs.Release(ctx, p.snap); err != nil {
			return err
		}
	}
	return nil
}
