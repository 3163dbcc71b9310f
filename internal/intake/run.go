package intake

import (
	"context"
	"time"

	"renderq/internal/pkg/logger"
	"renderq/internal/project"
	"renderq/internal/render"
)

const (
	popWait    = 5 * time.Second
	retryDelay = time.Second
)

// Submitter is the dispatcher entry point.
type Submitter interface {
	Submit(ctx context.Context, works []render.Work, blocking bool) error
}

// ProjectSource returns the project submissions are resolved against.
type ProjectSource interface {
	Current() *project.Project
}

type Deps struct {
	Queue      *Queue
	Dispatcher Submitter
	Projects   ProjectSource
	Log        *logger.Logger
}

// Run pops submissions until ctx is done and hands each to the dispatcher
// without blocking on its completion. Bad submissions are logged and
// dropped.
func Run(ctx context.Context, d Deps) error {
	log := d.Log
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.WithComponent("intake").WithFields(map[string]any{"queue": d.Queue.Name()})
	log.Info("intake started")

	for {
		select {
		case <-ctx.Done():
			log.Info("intake context canceled, stopping")
			return ctx.Err()
		default:
		}

		sub, ok, err := d.Queue.Pop(ctx, popWait)
		if err != nil {
			if ctx.Err() != nil {
				log.Info("intake stopping due to context cancellation")
				return ctx.Err()
			}
			log.LogError(ctx, "queue pop error", err)
			if !sleep(ctx, retryDelay) {
				return ctx.Err()
			}
			continue
		}
		if !ok {
			continue
		}

		if err := Handle(ctx, sub, d.Projects, d.Dispatcher); err != nil {
			log.LogError(ctx, "submission rejected", err, "outputs", sub.Outputs, "frames", sub.Frames)
			continue
		}
		log.Info("submission accepted", "outputs", sub.Outputs, "frames", sub.Frames)
	}
}

// Handle resolves sub against the current project and submits it without
// waiting.
func Handle(ctx context.Context, sub Submission, projects ProjectSource, d Submitter) error {
	works, err := sub.Works(projects.Current())
	if err != nil {
		return err
	}
	return d.Submit(ctx, works, false)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
