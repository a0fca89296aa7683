// Package loader opens database directories without being told which engine created them.
package loader

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
	"git.tcp.direct/tcp.direct/bulkload/registry"
)

var (
	ErrAlreadyOpen   = errors.New("database is already open in this process")
	ErrAlreadyExists = errors.New("a database already exists at this location")
	ErrUnknownEngine = errors.New("engine type not found in registry")
)

var (
	open   = make(map[string]*bulkload.Handle)
	openMu = &sync.Mutex{}
)

func key(location string) string {
	abs, err := filepath.Abs(location)
	if err != nil {
		return filepath.Clean(location)
	}
	return abs
}

// Lookup returns the handle this process holds for location, if any.
func Lookup(location string) (*bulkload.Handle, bool) {
	openMu.Lock()
	defer openMu.Unlock()
	h, ok := open[key(location)]
	return h, ok
}

// ReadMeta reads meta.json from a database directory, or from the path itself when it names a file.
func ReadMeta(path string) (*metadata.Metadata, error) {
	stat, statErr := os.Stat(path)
	if statErr != nil {
		return nil, statErr
	}
	metaPath := path
	if stat.IsDir() {
		metaPath = filepath.Join(path, metadata.FileName)
		if _, statErr = os.Stat(metaPath); statErr != nil {
			return nil, fmt.Errorf("meta.json not found in target directory: %w", os.ErrNotExist)
		}
	}
	metaDat, readErr := os.ReadFile(metaPath)
	if readErr != nil {
		return nil, fmt.Errorf("error reading meta.json: %w", readErr)
	}
	if len(metaDat) == 0 {
		return nil, fmt.Errorf("meta.json is empty")
	}
	meta, err := metadata.LoadMeta(metaDat)
	if err != nil {
		return nil, fmt.Errorf("error parsing meta.json: %w", err)
	}
	return meta, nil
}

// OpenEngine resolves the engine named in location's meta.json and opens it without claiming
// the location for this process. Import workers use it, since the controller that launched them
// may live in the same process and still hold its [bulkload.Handle].
func OpenEngine(location string, opts ...any) (bulkload.Engine, error) {
	meta, err := ReadMeta(location)
	if err != nil {
		return nil, err
	}
	creator := registry.GetEngine(meta.Type())
	if creator == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, meta.Type())
	}
	eng, err := creator(location, opts...)
	if err != nil {
		return nil, fmt.Errorf("error substantiating engine: %w", err)
	}
	return eng, nil
}

// Open resolves the engine named in location's meta.json and opens it. opts are passed to the
// engine creator untouched.
//
// A database whose ingest lock is held by a running worker is refused with
// [bulkload.ErrImportInProgress]. A lock left behind by a worker that died is cleared. If any
// file is not Normal, with or without a lock left behind, the handle starts out
// [bulkload.HandleBroken].
func Open(location string, opts ...any) (*bulkload.Handle, error) {
	meta, err := ReadMeta(location)
	if err != nil {
		return nil, err
	}
	creator := registry.GetEngine(meta.Type())
	if creator == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, meta.Type())
	}

	if err = clearIngestLock(location); err != nil {
		return nil, err
	}
	return register(location, creator, opts...)
}

// Create makes a new, empty database at location using the named engine.
func Create(location, engine string, opts ...any) (*bulkload.Handle, error) {
	if _, err := os.Stat(filepath.Join(location, metadata.FileName)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyExists, location)
	}
	creator := registry.GetEngine(engine)
	if creator == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, engine)
	}
	return register(location, creator, opts...)
}

// broken reports whether any file is left in a state only a restore or a rebuild can clear.
// Meta can record a file as full or half-loaded without a lock on disk, e.g. when the previous
// controller died after its worker released the lock.
func broken(eng bulkload.Engine) bool {
	statuses, err := eng.FileStatus()
	if err != nil {
		return true
	}
	for _, st := range statuses {
		if st != bulkload.StatusNormal {
			return true
		}
	}
	return false
}

func register(location string, creator bulkload.EngineCreator, opts ...any) (*bulkload.Handle, error) {
	k := key(location)
	openMu.Lock()
	defer openMu.Unlock()
	if _, ok := open[k]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyOpen, location)
	}

	eng, err := creator(location, opts...)
	if err != nil {
		return nil, fmt.Errorf("error substantiating engine: %w", err)
	}

	h := bulkload.NewHandle(location, eng, func() {
		openMu.Lock()
		delete(open, k)
		openMu.Unlock()
	})
	if broken(eng) {
		h.SetState(bulkload.HandleBroken)
	}
	open[k] = h
	return h, nil
}
