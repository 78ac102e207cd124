package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/grovetools/vibebox/errors"
	"github.com/grovetools/vibebox/internal/daemon/lock"
	"github.com/grovetools/vibebox/util/fsutil"
	"github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
)

type indexFile struct {
	Sessions []Record `toml:"session"`
}

// Index is the sessions.toml file. Every mutation is a whole-file
// read-modify-write under an exclusive flock on sessions.toml.lock, and the
// file is replaced atomically.
type Index struct {
	path   string
	rename fsutil.Renamer
	logger *logrus.Entry
}

// NewIndex returns an index stored at path.
func NewIndex(path string, logger *logrus.Entry) *Index {
	return &Index{path: path, rename: os.Rename, logger: logger}
}

// Path returns the index file path.
func (i *Index) Path() string { return i.path }

// load reads every record, orphans included. A missing file is an empty index.
func (i *Index) load() (map[string]Record, error) {
	records := make(map[string]Record)

	data, err := os.ReadFile(i.path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}
		return nil, errors.IOFailure("read session index", i.path, err)
	}

	var file indexFile
	if err := toml.Unmarshal(data, &file); err != nil {
		return nil, errors.CorruptIndex(i.path, err)
	}

	dirs := make(map[string]string, len(file.Sessions))
	for n, r := range file.Sessions {
		if r.ID == "" || r.Directory == "" {
			return nil, errors.CorruptIndex(i.path, fmt.Errorf("session entry %d is missing id or directory", n))
		}
		if _, dup := records[r.ID]; dup {
			return nil, errors.CorruptIndex(i.path, fmt.Errorf("duplicate session id %s", r.ID))
		}
		if other, dup := dirs[r.Directory]; dup {
			return nil, errors.CorruptIndex(i.path, fmt.Errorf("sessions %s and %s share directory %s", other, r.ID, r.Directory))
		}
		dirs[r.Directory] = r.ID
		r.LastActive = r.LastActive.UTC()
		records[r.ID] = r
	}
	return records, nil
}

// save writes records sorted by id so the file diffs stably.
func (i *Index) save(records map[string]Record) error {
	file := indexFile{Sessions: make([]Record, 0, len(records))}
	for _, r := range records {
		file.Sessions = append(file.Sessions, r)
	}
	sort.Slice(file.Sessions, func(a, b int) bool {
		return file.Sessions[a].ID < file.Sessions[b].ID
	})

	data, err := toml.Marshal(file)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeInternal, "failed to encode session index")
	}
	if err := os.MkdirAll(filepath.Dir(i.path), 0755); err != nil {
		return errors.IOFailure("create index directory", filepath.Dir(i.path), err)
	}
	if err := fsutil.WriteAtomicWith(i.rename, i.path, data, 0644); err != nil {
		return errors.IOFailure("write session index", i.path, err)
	}
	return nil
}

// prune drops orphaned records and reports how many went away.
func (i *Index) prune(records map[string]Record) int {
	pruned := 0
	for id, r := range records {
		if r.IsOrphan() {
			i.logger.WithFields(logrus.Fields{"id": id, "directory": r.Directory}).
				Debug("Dropping orphaned session")
			delete(records, id)
			pruned++
		}
	}
	return pruned
}

// view returns the non-orphaned records without writing anything.
func (i *Index) view() (map[string]Record, error) {
	records, err := i.load()
	if err != nil {
		return nil, err
	}
	i.prune(records)
	return records, nil
}

// update runs fn on the pruned records while holding the index lock. The
// file is rewritten when fn reports a change or orphans were pruned.
func (i *Index) update(fn func(records map[string]Record) (bool, error)) error {
	l, err := lock.Acquire(i.path + ".lock")
	if err != nil {
		return errors.IOFailure("lock session index", i.path, err)
	}
	defer l.Release()

	records, err := i.load()
	if err != nil {
		return err
	}
	pruned := i.prune(records)

	changed, err := fn(records)
	if err != nil {
		return err
	}
	if !changed && pruned == 0 {
		return nil
	}
	return i.save(records)
}
