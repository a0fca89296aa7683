package pogreb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"git.tcp.direct/tcp.direct/bulkload"
)

func (db *DB) ManagedFiles() []bulkload.ManagedFile {
	return db.meta.ManagedFiles(db.path)
}

func (db *DB) FileStatus() (map[string]bulkload.FileStatus, error) {
	return db.meta.CurrentStatuses()
}

func (db *DB) SetStatus(name string, status bulkload.FileStatus) error {
	return db.meta.Record(name, status)
}

func (db *DB) ResetStatus(names ...string) error {
	return db.meta.Reset(names...)
}

func (db *DB) MarkDerivedStale() error {
	return db.meta.MarkDerivedStale()
}

func (db *DB) ClearStale(names ...string) error {
	return db.meta.ClearStale(names...)
}

func (db *DB) NextRecord() uint64 {
	return db.meta.Next()
}

func (db *DB) CommitRecords(next uint64) error {
	return db.meta.Commit(next)
}

func (db *DB) EnlargeCapacity(name string, increasePercent int) (int64, error) {
	grown, err := db.meta.Enlarge(name, increasePercent)
	if err != nil {
		return 0, err
	}
	db.mu.RLock()
	if st, ok := db.store[name]; ok {
		st.quota.SetCapacity(grown)
	}
	db.mu.RUnlock()
	db.log.Info().Str("store", name).Int64("capacity", grown).Msg("capacity enlarged")
	return grown, nil
}

// CloseFiles closes the named stores and removes their lockfiles so a worker process can open them.
func (db *DB) CloseFiles(names ...string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var errs []error
	for _, name := range names {
		st, ok := db.store[name]
		if !ok {
			continue
		}
		if err := st.Close(); err != nil && !errors.Is(err, fs.ErrClosed) {
			errs = append(errs, bulkload.NamedErr(name, err))
		}
		db.retired = append(db.retired, st.metrics)
		delete(db.store, name)
	}
	return errors.Join(errs...)
}

// ReopenFiles reopens stores released by CloseFiles or ReleaseAll. Whoever held them in the
// meantime has exited, so a leftover lockfile triggers pogreb's recovery instead of an error.
func (db *DB) ReopenFiles(names ...string) error {
	if err := db.meta.Reload(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	var errs []error
	for _, name := range names {
		if st, ok := db.store[name]; ok {
			if !st.closed.Load() {
				continue
			}
			delete(db.store, name)
		}
		if _, ok := db.meta.File(name); !ok {
			errs = append(errs, fmt.Errorf("%w: %s", bulkload.ErrNoSuchFile, name))
			continue
		}
		if err := db.initStore(name, db.defaults, true); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
		}
	}
	return errors.Join(errs...)
}

// destroy will remove a pogreb store and all data associated with it.
// Callers hold db.mu.
func (db *DB) destroy(name string) error {
	if store, ok := db.store[name]; ok {
		_ = store.Close()
		delete(db.store, name)
	}
	err := os.RemoveAll(filepath.Join(db.path, name))
	if err != nil {
		err = fmt.Errorf("error removing pogreb store's data: %w", err)
	}
	return err
}

// DeleteDatabase removes the named stores for good. When no stores are left meta.json and the
// other control files go too. Anything else in the directory is reported, not removed.
func (db *DB) DeleteDatabase(names ...string) ([]string, error) {
	if err := db.meta.Reload(); err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	var errs []error
	for _, name := range names {
		if err := db.destroy(name); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
			continue
		}
		if err := os.Remove(filepath.Join(db.path, name+bulkload.PendingExt)); err != nil && !os.IsNotExist(err) {
			errs = append(errs, bulkload.NamedErr(name, err))
		}
		db.meta.RemoveFile(name)
		db.log.Info().Str("store", name).Msg("store deleted")
	}

	remaining := db.meta.FileNames()
	if len(remaining) > 0 {
		errs = append(errs, db.meta.Sync())
	} else {
		for _, private := range bulkload.PrivateFiles {
			if err := os.Remove(filepath.Join(db.path, private)); err != nil && !os.IsNotExist(err) {
				errs = append(errs, err)
			}
		}
		db.dropped = true
	}

	stray, err := bulkload.StrayEntries(db.path, append(remaining, names...))
	if err != nil {
		errs = append(errs, err)
	}
	if len(stray) > 0 {
		db.log.Warn().Strs("entries", stray).Msg("left unrecognized entries in database directory")
	} else if db.dropped {
		_ = os.Remove(db.path)
	}
	return stray, errors.Join(errs...)
}
