// Package handlers implements the renderq control API endpoints.
package handlers

import (
	"context"
	"net/http"

	"renderq/internal/intake"
	"renderq/internal/models"
	"renderq/internal/pkg/logger"
	"renderq/internal/pkg/middleware"
	"renderq/internal/ports"
	"renderq/internal/project"
	"renderq/internal/render"
)

// Dispatcher is the part of render.Dispatcher the API drives.
type Dispatcher interface {
	Submit(ctx context.Context, works []render.Work, blocking bool) error
	Snapshot() render.QueueState
	RemoveFromQueue(output string) bool
	Abort(output string) (bool, error)
	Config() render.DispatcherConfig
}

// History reads the render history.
type History interface {
	List(ctx context.Context, output string, limit int) ([]models.RenderItem, error)
	Get(ctx context.Context, id string) (*models.RenderItem, error)
}

// ProjectSource returns the loaded project.
type ProjectSource interface {
	Current() *project.Project
}

// Check is one dependency probe of the deep health check.
type Check func(ctx context.Context) error

type Deps struct {
	Dispatcher Dispatcher
	Projects   ProjectSource
	// Queue is optional; without it ?async=queue is refused.
	Queue *intake.Queue
	// History is optional; without it the history endpoints answer 412.
	History History
	// Storage is optional; it serves snapshot blobs to remote renderers.
	Storage ports.StorageProvider
	Checks  map[string]Check
	Service string
	Log     *logger.Logger
}

type Handler struct {
	dispatcher Dispatcher
	projects   ProjectSource
	queue      *intake.Queue
	history    History
	sp         ports.StorageProvider
	checks     map[string]Check
	service    string
	log        *logger.Logger
}

func New(d Deps) *Handler {
	log := d.Log
	if log == nil {
		log = logger.Discard()
	}
	if d.Service == "" {
		d.Service = "renderq"
	}
	return &Handler{
		dispatcher: d.Dispatcher,
		projects:   d.Projects,
		queue:      d.Queue,
		history:    d.History,
		sp:         d.Storage,
		checks:     d.Checks,
		service:    d.Service,
		log:        log.WithComponent("httpapi"),
	}
}

// Wrap adapts an error-returning handler.
func (h *Handler) Wrap(fn middleware.ErrorHandlerFunc) http.HandlerFunc {
	return middleware.WrapHandler(h.log, fn)
}
