package session

import (
	stderrors "errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/lock"
	"github.com/grovetools/vibebox/logging"
	"github.com/grovetools/vibebox/pkg/instance"
	"github.com/grovetools/vibebox/pkg/paths"
	"github.com/grovetools/vibebox/util/pathutil"
	"github.com/sirupsen/logrus"
)

// Manager is the only writer of the session index.
type Manager struct {
	index  *Index
	now    func() time.Time
	logger *logrus.Entry
}

// NewManager creates a manager over the index file at indexPath.
func NewManager(indexPath string) *Manager {
	logger := logging.NewLogger("session")
	return &Manager{
		index:  NewIndex(indexPath, logger),
		now:    func() time.Time { return time.Now().UTC().Truncate(time.Millisecond) },
		logger: logger,
	}
}

// NewDefaultManager uses the index in the XDG state directory.
func NewDefaultManager() *Manager {
	return NewManager(paths.SessionIndexPath())
}

// IndexPath returns the index file path.
func (m *Manager) IndexPath() string { return m.index.Path() }

func canonical(dir string) (string, error) {
	p, err := pathutil.Canonical(dir)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInvalidInput, "project directory is not usable").
			WithDetail("directory", dir)
	}
	return p, nil
}

func findByDirectory(records map[string]Record, dir string) (Record, bool) {
	for _, r := range records {
		if r.Directory == dir {
			return r, true
		}
	}
	return Record{}, false
}

// ResolveOrCreate returns the session for dir, creating it on first use.
// Two calls for the same directory always agree on the id, including across
// processes.
func (m *Manager) ResolveOrCreate(dir string) (Record, error) {
	dir, err := canonical(dir)
	if err != nil {
		return Record{}, err
	}
	layout := instance.For(dir)

	var result Record
	err = m.index.update(func(records map[string]Record) (bool, error) {
		if r, ok := findByDirectory(records, dir); ok {
			result = r
			return false, m.ensureInstanceFile(layout, r.ID)
		}

		if err := layout.Ensure(); err != nil {
			return false, err
		}
		id, err := m.allocateID(layout, records)
		if err != nil {
			return false, err
		}

		result = Record{ID: id, Directory: dir, LastActive: m.now()}
		records[id] = result
		m.logger.WithFields(logrus.Fields{"id": id, "directory": dir}).Info("Created session")
		return true, nil
	})
	if err != nil {
		return Record{}, err
	}
	return result, nil
}

// allocateID reuses the id pinned in instance.toml unless another project
// already owns it (a copied project directory), otherwise mints a UUIDv7.
func (m *Manager) allocateID(layout instance.Layout, records map[string]Record) (string, error) {
	inst, err := instance.Load(layout)
	if err != nil {
		m.logger.WithError(err).Warn("Ignoring unreadable instance file")
		inst = nil
	}
	if inst != nil {
		if _, taken := records[inst.ID]; !taken {
			return inst.ID, nil
		}
		m.logger.WithField("id", inst.ID).Warn("Instance id belongs to another project, allocating a new one")
	}

	u, err := uuid.NewV7()
	if err != nil {
		return "", errors.Wrap(err, errors.ErrCodeInternal, "failed to generate session id")
	}
	id := u.String()
	if err := instance.Save(layout, instance.Instance{ID: id, CreatedAt: m.now()}); err != nil {
		return "", err
	}
	return id, nil
}

func (m *Manager) ensureInstanceFile(layout instance.Layout, id string) error {
	inst, err := instance.Load(layout)
	if err == nil && inst != nil && inst.ID == id {
		return nil
	}
	return instance.Save(layout, instance.Instance{ID: id, CreatedAt: m.now()})
}

// List returns the live sessions, most recently active first.
func (m *Manager) List() ([]Record, error) {
	records, err := m.index.view()
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(records))
	for _, r := range records {
		out = append(out, r)
	}
	sort.Slice(out, func(a, b int) bool {
		if !out[a].LastActive.Equal(out[b].LastActive) {
			return out[a].LastActive.After(out[b].LastActive)
		}
		return out[a].ID < out[b].ID
	})
	return out, nil
}

// Get returns the session with the given id.
func (m *Manager) Get(id string) (Record, error) {
	records, err := m.index.view()
	if err != nil {
		return Record{}, err
	}
	r, ok := records[id]
	if !ok {
		return Record{}, errors.NotFound(id)
	}
	return r, nil
}

// FindByDirectory returns the session bound to dir without creating one.
func (m *Manager) FindByDirectory(dir string) (Record, error) {
	dir, err := canonical(dir)
	if err != nil {
		return Record{}, err
	}
	records, err := m.index.view()
	if err != nil {
		return Record{}, err
	}
	r, ok := findByDirectory(records, dir)
	if !ok {
		return Record{}, errors.New(errors.ErrCodeNotFound, "no session for "+dir).
			WithDetail("directory", dir)
	}
	return r, nil
}

// UpdateLastActive bumps last_active to now. It never moves backwards.
func (m *Manager) UpdateLastActive(id string) error {
	return m.index.update(func(records map[string]Record) (bool, error) {
		r, ok := records[id]
		if !ok {
			return false, errors.NotFound(id)
		}
		now := m.now()
		if !now.After(r.LastActive) {
			return false, nil
		}
		r.LastActive = now
		records[id] = r
		return true, nil
	})
}

// removeState deletes a project's .vibebox directory while holding its
// singleton lock, so a running supervisor keeps its lock file.
func removeState(layout instance.Layout) error {
	if !layout.Exists() {
		return nil
	}
	l, err := lock.TryAcquire(layout.LockPath())
	if stderrors.Is(err, lock.ErrHeld) {
		return errors.InvalidInput("a supervisor is running for this project; run 'vibebox stop' first").
			WithDetail("directory", layout.Project)
	}
	if err != nil {
		return errors.IOFailure("lock state directory", layout.LockPath(), err)
	}
	defer l.Release()
	return layout.Remove()
}

// Delete removes the session and its state directory. Deleting an unknown
// id succeeds. It refuses while a supervisor holds the project's lock.
func (m *Manager) Delete(id string) error {
	return m.index.update(func(records map[string]Record) (bool, error) {
		r, ok := records[id]
		if !ok {
			return false, nil
		}
		if err := removeState(r.Layout()); err != nil {
			return false, err
		}
		delete(records, id)
		m.logger.WithFields(logrus.Fields{"id": id, "directory": r.Directory}).Info("Deleted session")
		return true, nil
	})
}

// DeleteDirectory resets a project: its state directory and every session
// pointing at it are removed. Like Delete it refuses while a supervisor runs.
func (m *Manager) DeleteDirectory(dir string) (CleanSummary, error) {
	dir, err := canonical(dir)
	if err != nil {
		return CleanSummary{}, err
	}
	summary := CleanSummary{Directory: dir}
	layout := instance.For(dir)

	err = m.index.update(func(records map[string]Record) (bool, error) {
		if layout.Exists() {
			if err := removeState(layout); err != nil {
				return false, err
			}
			summary.RemovedStateDir = true
		}
		for id, r := range records {
			if r.Directory == dir {
				delete(records, id)
				summary.RemovedSessions = append(summary.RemovedSessions, id)
			}
		}
		sort.Strings(summary.RemovedSessions)
		return len(summary.RemovedSessions) > 0, nil
	})
	if err != nil {
		return CleanSummary{}, err
	}
	return summary, nil
}
