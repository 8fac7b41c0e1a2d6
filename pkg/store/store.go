// Package store persists applied manifests per service: one snapshot per
// version tag plus a "latest" pointer that only ever reflects a fully
// successful store.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ottofleet/otad/pkg/logging"
	"github.com/ottofleet/otad/pkg/wire"
	"github.com/pkg/errors"
)

// ErrNotFound reports that a service has no stored latest manifest.
var ErrNotFound = errors.New("no stored configuration")

// StoredVersion records where a successfully applied manifest landed.
type StoredVersion struct {
	Service    string
	Tag        string
	TaggedPath string
	LatestPath string
	CreatedAt  time.Time
}

// Store writes manifest snapshots under a single directory. Writers are
// serialized per service name so a concurrent upgrade and start cannot
// interleave partial latest-pointer writes.
type Store struct {
	log logging.Logger
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(log logging.Logger, dir string) (*Store, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve updates dir")
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, errors.Wrap(err, "create updates dir")
	}
	return &Store{
		log:   log,
		dir:   abs,
		locks: map[string]*sync.Mutex{},
	}, nil
}

// Dir reports the absolute updates directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) serviceLock(service string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[service]
	if !ok {
		l = &sync.Mutex{}
		s.locks[service] = l
	}
	return l
}

func (s *Store) taggedPath(service, tag string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_%s.yaml", service, tag))
}

func (s *Store) latestPath(service string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_latest.yaml", service))
}

// Store copies the manifest at manifestPath into the tagged snapshot and the
// latest pointer. The call is all-or-nothing: the latest pointer is written
// via a temp file and rename only after the tagged copy succeeded, and any
// failure is reported so the caller does not advance.
func (s *Store) Store(service, tag, manifestPath string) (*StoredVersion, error) {
	l := s.serviceLock(service)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, errors.Wrap(err, "read manifest")
	}

	tagged := s.taggedPath(service, tag)
	if err := os.WriteFile(tagged, data, 0o644); err != nil {
		return nil, errors.Wrapf(err, "write tagged snapshot %s", tagged)
	}

	latest := s.latestPath(service)
	tmp, err := os.CreateTemp(s.dir, service+"_latest_*")
	if err != nil {
		return nil, errors.Wrap(err, "create latest temp file")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, "write latest temp file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, errors.Wrap(err, "close latest temp file")
	}
	if err := os.Rename(tmp.Name(), latest); err != nil {
		os.Remove(tmp.Name())
		return nil, errors.Wrapf(err, "publish latest pointer %s", latest)
	}

	sv := &StoredVersion{
		Service:    service,
		Tag:        tag,
		TaggedPath: tagged,
		LatestPath: latest,
		CreatedAt:  time.Now().UTC(),
	}
	s.log.WithField("service", service).WithField("tag", tag).
		Infof("stored manifest snapshots %s, %s", tagged, latest)
	return sv, nil
}

// LoadLatest returns the most recently stored manifest for the service and
// the path it was read from. ErrNotFound when the service was never stored.
func (s *Store) LoadLatest(service string) (*wire.Manifest, string, error) {
	l := s.serviceLock(service)
	l.Lock()
	defer l.Unlock()

	latest := s.latestPath(service)
	data, err := os.ReadFile(latest)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", errors.Wrapf(ErrNotFound, "service %s", service)
		}
		return nil, "", errors.Wrap(err, "read latest pointer")
	}

	m, err := wire.ParseManifest(data)
	if err != nil {
		return nil, "", errors.Wrapf(err, "latest pointer %s", latest)
	}
	return m, latest, nil
}
