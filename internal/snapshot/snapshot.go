// Package snapshot stores serialized copies of the project for renders that
// run in a separate process, and materializes them again on the child side.
package snapshot

import (
	"bytes"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"renderq/internal/pkg/errors"
	"renderq/internal/pkg/logger"
	"renderq/internal/ports"
	"renderq/internal/project"
	"renderq/internal/render"
)

const (
	keyPrefix   = "snapshots"
	contentType = "application/yaml"
)

// Source returns the project to serialize.
type Source interface {
	Current() *project.Project
}

// Store uploads project snapshots to a storage provider and deletes each one
// once every process bound to it has been released.
type Store struct {
	sp     ports.StorageProvider
	source Source
	log    *logger.Logger

	mu   sync.Mutex
	refs map[string]int
}

var _ render.Snapshotter = (*Store)(nil)

func NewStore(sp ports.StorageProvider, source Source, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Discard()
	}
	return &Store{
		sp:     sp,
		source: source,
		log:    log.WithComponent("snapshot"),
		refs:   make(map[string]int),
	}
}

// Snapshot implements render.Snapshotter.
func (s *Store) Snapshot(ctx context.Context) (render.Snapshot, error) {
	p := s.source.Current()
	if p == nil {
		return render.Snapshot{}, errors.New(errors.CodeFailedPrecond, "no project loaded")
	}
	data, err := p.Marshal()
	if err != nil {
		return render.Snapshot{}, err
	}

	key := path.Join(keyPrefix, uuid.NewString()+".yaml")
	out, err := s.sp.PutObject(ctx, ports.PutObjectInput{
		ObjectKey:   key,
		ContentType: contentType,
		Reader:      bytes.NewReader(data),
		Size:        int64(len(data)),
	})
	if err != nil {
		return render.Snapshot{}, errors.Wrapf(err, "snapshot.put", "cannot store snapshot on %s", s.sp.Provider())
	}

	s.log.Debug("snapshot stored", "key", out.ObjectKey, "provider", s.sp.Provider(), "size", len(data))
	return render.Snapshot{Location: out.ObjectKey, Size: int64(len(data))}, nil
}

// Acquire records one more user of snap.
func (s *Store) Acquire(snap render.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[snap.Location]++
}

// Release drops one user of snap and deletes it when none remain.
func (s *Store) Release(ctx context.Context, snap render.Snapshot) error {
	s.mu.Lock()
	n := s.refs[snap.Location] - 1
	if n > 0 {
		s.refs[snap.Location] = n
		s.mu.Unlock()
		return nil
	}
	delete(s.refs, snap.Location)
	s.mu.Unlock()

	if err := s.sp.DeleteObject(ctx, snap.Location); err != nil {
		return errors.Wrapf(err, "snapshot.delete", "cannot delete snapshot %s", snap.Location)
	}
	s.log.Debug("snapshot deleted", "key", snap.Location)
	return nil
}

// Materialize downloads the snapshot at key into dir and returns the local
// file path.
func Materialize(ctx context.Context, sp ports.StorageProvider, key, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", errors.Wrap(err, "snapshot.materialize", "cannot create snapshot directory")
	}

	rc, _, _, err := sp.GetObject(ctx, key)
	if err != nil {
		return "", errors.Wrapf(err, "snapshot.materialize", "cannot download snapshot %s", key)
	}
	defer rc.Close()

	local := filepath.Join(dir, filepath.Base(filepath.FromSlash(key)))
	f, err := os.Create(local)
	if err != nil {
		return "", errors.Wrap(err, "snapshot.materialize", "cannot create local snapshot")
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", errors.Wrap(err, "snapshot.materialize", "cannot write local snapshot")
	}
	if err := f.Close(); err != nil {
		return "", errors.Wrap(err, "snapshot.materialize", "cannot write local snapshot")
	}
	return local, nil
}

// Load materializes the snapshot at key and parses it.
func Load(ctx context.Context, sp ports.StorageProvider, key, dir string) (*project.Project, error) {
	local, err := Materialize(ctx, sp, key, dir)
	if err != nil {
		return nil, err
	}
	return project.Load(local)
}
