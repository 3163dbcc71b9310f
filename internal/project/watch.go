package project

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
)

// Store holds the current project and swaps it on reload. Outputs of a
// replaced project stay valid for renders already admitted.
type Store struct {
	mu  sync.RWMutex
	cur *Project
}

func NewStore(p *Project) *Store {
	return &Store{cur: p}
}

func (s *Store) Current() *Project {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *Store) Set(p *Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cur = p
}

// FrameRange implements render.ProjectRange on the current project.
func (s *Store) FrameRange() (int, int) {
	return s.Current().FrameRange()
}

// ProxyScale implements render.ProjectRange on the current project.
func (s *Store) ProxyScale() float64 {
	return s.Current().ProxyScale()
}

const reloadDebounce = 100 * time.Millisecond

// Watch reloads the project file at path whenever it changes and hands the
// new project to onChange. Files that fail to parse are logged and the
// previous project is kept. Watch returns when ctx is done.
func Watch(ctx context.Context, path string, log *logger.Logger, onChange func(*Project)) error {
	if log == nil {
		log = logger.Discard()
	}
	log = log.WithComponent("project_watch")

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "project.watch", "cannot create watcher")
	}
	defer w.Close()

	// editors replace files by rename, so watch the directory
	abs, err := filepath.Abs(path)
	if err != nil {
		return errors.Wrap(err, "project.watch", "cannot resolve project path")
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return errors.Wrapf(err, "project.watch", "cannot watch %s", filepath.Dir(abs))
	}
	log.Info("watching project file", "path", abs)

	var (
		timer  *time.Timer
		reload <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(reloadDebounce)
			} else {
				timer.Reset(reloadDebounce)
			}
			reload = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.WithError(err).Warn("project watcher error")

		case <-reload:
			reload = nil
			p, err := Load(abs)
			if err != nil {
				log.WithError(err).Warn("project reload failed, keeping previous project")
				continue
			}
			log.Info("project reloaded", "name", p.Name, "outputs", len(p.Outputs))
			onChange(p)
		}
	}
}
