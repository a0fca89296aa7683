package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"git.tcp.direct/tcp.direct/bulkload"
)

// IngestLockName is held by an import worker for as long as it writes to a database.
const IngestLockName = ".ingest.lock"

func ingestLockPath(location string) string {
	return filepath.Join(location, IngestLockName)
}

// IngestLock is the worker's claim on a database directory.
type IngestLock struct {
	fl *flock.Flock
}

// AcquireIngestLock claims location for an import worker without blocking.
func AcquireIngestLock(location string) (*IngestLock, error) {
	fl := flock.New(ingestLockPath(location))
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("error taking ingest lock: %w", err)
	}
	if !ok {
		return nil, bulkload.ErrImportInProgress
	}
	return &IngestLock{fl: fl}, nil
}

// Release drops the claim and removes the lock file, so a later Open can tell a clean exit from a crash.
func (l *IngestLock) Release() error {
	if l == nil || l.fl == nil {
		return nil
	}
	rmErr := os.Remove(l.fl.Path())
	if errors.Is(rmErr, os.ErrNotExist) {
		rmErr = nil
	}
	return errors.Join(rmErr, l.fl.Unlock())
}

// clearIngestLock removes a lock file left behind by a worker that died. A lock that is still
// held yields [bulkload.ErrImportInProgress].
func clearIngestLock(location string) error {
	path := ingestLockPath(location)
	if _, serr := os.Stat(path); serr != nil {
		return nil
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return fmt.Errorf("error testing ingest lock: %w", err)
	}
	if !ok {
		return bulkload.ErrImportInProgress
	}
	_ = os.Remove(path)
	return fl.Unlock()
}

// ImportRunning reports whether a worker currently holds location's ingest lock.
func ImportRunning(location string) bool {
	path := ingestLockPath(location)
	if _, err := os.Stat(path); err != nil {
		return false
	}
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return false
	}
	if ok {
		_ = fl.Unlock()
		return false
	}
	return true
}
