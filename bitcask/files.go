package bitcask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"git.tcp.direct/tcp.direct/bulkload"
)

func (db *DB) ManagedFiles() []bulkload.ManagedFile {
	return db.meta.ManagedFiles(db.path)
}

// FileStatus re-reads meta.json, which the import worker may have rewritten from its own process.
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

// EnlargeCapacity grows one file's allocation. Other stores stay open; if the named store is
// open its quota follows the new capacity immediately.
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

// CloseFiles closes the named stores so another process can open them. Files that aren't
// open are skipped.
func (db *DB) CloseFiles(names ...string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	var errs []error
	for _, name := range names {
		st, ok := db.store[name]
		if !ok {
			continue
		}
		if err := st.Sync(); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
		}
		if err := st.Close(); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
		}
		delete(db.store, name)
	}
	return errors.Join(errs...)
}

// ReopenFiles reopens stores released by CloseFiles or ReleaseAll, picking up whatever a worker
// or a restore left on disk.
func (db *DB) ReopenFiles(names ...string) error {
	if err := db.meta.Reload(); err != nil {
		return err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	var errs []error
	for _, name := range names {
		if _, ok := db.store[name]; ok {
			continue
		}
		if _, ok := db.meta.File(name); !ok {
			errs = append(errs, fmt.Errorf("%w: %s", bulkload.ErrNoSuchFile, name))
			continue
		}
		if err := db.openStore(name); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
		}
	}
	return errors.Join(errs...)
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
		if st, ok := db.store[name]; ok {
			if err := st.Close(); err != nil {
				errs = append(errs, bulkload.NamedErr(name, err))
			}
			delete(db.store, name)
		}
		if err := os.RemoveAll(filepath.Join(db.path, name)); err != nil {
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
