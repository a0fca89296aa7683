package pogreb

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/akrylysov/pogreb"
	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/kv"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
)

var (
	_ bulkload.Engine = (*DB)(nil)
	_ bulkload.Store  = (*Store)(nil)
)

// Store is one managed file backed by a pogreb database.
type Store struct {
	*pogreb.DB
	name    string
	opts    *WrappedOptions
	closed  *atomic.Bool
	metrics *pogreb.Metrics
	quota   *bulkload.Quota
	full    func(name string)
	log     zerolog.Logger
}

// Backend returns the underlying pogreb instance.
func (pstore *Store) Backend() any {
	return pstore.DB
}

func (pstore *Store) Len() int {
	return int(pstore.DB.Count())
}

func (pstore *Store) Keys() [][]byte {
	iter := pstore.DB.Items()
	ks := make([][]byte, 0, pstore.DB.Count())
	for {
		k, _, err := iter.Next()
		if err != nil {
			if !errors.Is(err, pogreb.ErrIterationDone) {
				pstore.log.Warn().Err(err).Str("store", pstore.name).Msg("key iteration stopped early")
			}
			break
		}
		ks = append(ks, k)
	}
	return ks
}

func (pstore *Store) Has(key []byte) bool {
	ok, err := pstore.DB.Has(key)
	if err != nil {
		pstore.log.Warn().Err(err).Str("store", pstore.name).Msg("error checking pogreb store for key")
	}
	return ok
}

// Get is a wrapper for pogreb's Get function to regularize errors when keys do not exist.
func (pstore *Store) Get(key []byte) ([]byte, error) {
	if pstore.closed.Load() {
		return nil, fs.ErrClosed
	}
	ret, err := pstore.DB.Get(key)
	if err = kv.RegularizeKVError(key, ret, err); err != nil {
		return nil, err
	}
	return ret, err
}

// Put charges the entry against the file's capacity before writing it.
func (pstore *Store) Put(key, value []byte) error {
	if pstore.closed.Load() {
		return fs.ErrClosed
	}
	if err := pstore.quota.Charge(kv.Record{Key: key, Value: value}.Size()); err != nil {
		if pstore.full != nil {
			pstore.full(pstore.name)
		}
		return bulkload.NamedErr(pstore.name, err)
	}
	return pstore.DB.Put(key, value)
}

// Close is a simple shim for pogreb's Close function.
func (pstore *Store) Close() error {
	if !pstore.closed.CompareAndSwap(false, true) {
		return fs.ErrClosed
	}
	pstore.metrics = pstore.DB.Metrics()
	return pstore.DB.Close()
}

// DB is the pogreb implementation of [bulkload.Engine].
type DB struct {
	store    map[string]*Store
	path     string
	mu       *sync.RWMutex
	meta     *metadata.Metadata
	log      zerolog.Logger
	defaults *WrappedOptions
	capacity int64
	dropped  bool
	lazy     bool
	// retired keeps counters of stores closed since the last metrics flush.
	retired []*pogreb.Metrics
}

// OpenDB will either open an existing set of pogreb datastores at the given directory, or it will create a new one.
func OpenDB(path string, opts ...Option) (*DB, error) {
	db := &DB{
		store:    make(map[string]*Store),
		path:     path,
		mu:       &sync.RWMutex{},
		log:      zerolog.Nop(),
		defaults: &WrappedOptions{},
	}
	for _, opt := range opts {
		opt(db)
	}
	if err := db.init(); err != nil {
		return nil, err
	}
	if db.lazy {
		return db, nil
	}
	_, err := db.Discover()
	return db, err
}

func (db *DB) init() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := os.Stat(db.path); os.IsNotExist(err) {
		err = os.MkdirAll(db.path, 0o700)
		if err != nil {
			return fmt.Errorf("error creating pogreb directory: %w", err)
		}
	}
	metaPath := filepath.Join(db.path, metadata.FileName)
	stat, err := os.Stat(metaPath)
	if err == nil && stat.IsDir() {
		return errors.New("meta.json is a directory")
	}
	if err == nil {
		if db.meta, err = metadata.OpenMetaFile(metaPath); err != nil {
			return fmt.Errorf("error opening meta file: %w", err)
		}
		if db.meta.Type() != db.Type() {
			return fmt.Errorf("%w: meta.json is not a pogreb meta file (%s)", bulkload.ErrConfiguration, db.meta.Type())
		}
		return nil
	}
	if errors.Is(err, os.ErrNotExist) {
		db.meta, err = metadata.NewMetaFile(db.Type(), metaPath)
		if err != nil {
			return fmt.Errorf("error creating meta file: %w", err)
		}
		db.meta.WithDefaultStoreOpts(db.defaults)
		return db.meta.Sync()
	}
	return err
}

// initStore must be called with db.mu held. recovery overrides the lockfile check, for when the
// previous holder of the store is known to be gone.
func (db *DB) initStore(storeName string, pogrebOpts *WrappedOptions, recovery bool) error {
	if _, ok := db.store[storeName]; ok {
		return ErrStoreExists
	}
	storePath := filepath.Join(db.Path(), storeName)
	if _, err := os.Stat(filepath.Join(storePath, "lock")); !os.IsNotExist(err) && !pogrebOpts.AllowRecovery && !recovery {
		return fmt.Errorf("%w: and seems to be running... "+
			"Please close it first, or use AllowRecovery", ErrStoreExists)
	}
	c, e := pogreb.Open(storePath, pogrebOpts.Options)
	if e != nil {
		return e
	}
	used, err := bulkload.DirSize(storePath)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("error measuring store: %w", err)
	}
	fm, _ := db.meta.File(storeName)
	aclosed := &atomic.Bool{}
	aclosed.Store(false)
	db.store[storeName] = &Store{
		DB:     c,
		name:   storeName,
		closed: aclosed,
		opts:   pogrebOpts,
		quota:  bulkload.NewQuota(used, fm.Capacity),
		full:   db.markFull,
		log:    db.log,
	}
	return nil
}

func (db *DB) markFull(name string) {
	db.log.Warn().Str("store", name).Msg("store reached its allocated capacity")
	if err := db.SetStatus(name, bulkload.StatusFull); err != nil {
		db.log.Error().Err(err).Str("store", name).Msg("failed to record full status")
	}
}

// Discover opens every store meta.json knows about that isn't open yet.
func (db *DB) Discover() ([]string, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	var (
		stores []string
		errs   []error
	)
	for _, name := range db.meta.FileNames() {
		if _, ok := db.store[name]; ok {
			continue
		}
		if err := db.initStore(name, db.defaults, false); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
			continue
		}
		stores = append(stores, name)
	}
	return stores, errors.Join(errs...)
}

// Path returns the base path where we store our pogreb "stores".
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Type() string {
	return "pogreb"
}

// Init creates and opens a pogreb store referenced by storeName.
// opts may hold [metadata.FileMeta] (capacity, derived) and any pogreb option form.
func (db *DB) Init(storeName string, opts ...any) error {
	pogrebopts := db.defaults.clone()
	fm := metadata.FileMeta{Status: bulkload.StatusNormal, Capacity: db.capacity}
	for _, opt := range opts {
		if f, ok := opt.(metadata.FileMeta); ok {
			fm.Capacity = f.Capacity
			fm.Derived = f.Derived
			continue
		}
		so, ok := normalizeOption(opt)
		if !ok {
			return fmt.Errorf("%w: %T", ErrBadOptions, opt)
		}
		so(pogrebopts)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.meta.File(storeName); ok {
		return ErrStoreExists
	}
	if err := db.initStore(storeName, pogrebopts, false); err != nil {
		return err
	}
	err := db.meta.Update(func(m *metadata.Metadata) error {
		m.AddFile(storeName, fm)
		return nil
	})
	if err != nil {
		return err
	}
	db.store[storeName].quota.SetCapacity(fm.Capacity)
	return nil
}

// With returns the open store, or nil.
func (db *DB) With(storeName string) bulkload.Store {
	db.mu.RLock()
	defer db.mu.RUnlock()
	d, ok := db.store[storeName]
	if !ok || d.closed.Load() {
		return nil
	}
	return d
}

// Sync is a simple shim for pogreb's Sync function.
func (db *DB) Sync(storeName string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if _, ok := db.store[storeName]; !ok {
		return ErrBogusStore
	}
	return db.store[storeName].Backend().(*pogreb.DB).Sync()
}

// withAllAction
type withAllAction uint8

const (
	// dclose
	dclose withAllAction = iota
	// dsync
	dsync
)

// withAll performs an action on all pogreb stores that we have open.
// In the case of an error, withAll will continue and return a compound form of any errors that occurred.
// Callers must hold db.mu.
func (db *DB) withAll(action withAllAction) error {
	if db == nil || db.store == nil || len(db.store) < 1 {
		return ErrNoStores
	}
	var errs = make([]error, 0, len(db.store))
	for name, store := range db.store {
		var err error
		if store == nil || store.DB == nil {
			errs = append(errs, bulkload.NamedErr(name, ErrBogusStore))
			continue
		}
		switch action {
		case dclose:
			closeErr := store.Close()
			delete(db.store, name)
			if errors.Is(closeErr, fs.ErrClosed) {
				continue
			}
			db.retired = append(db.retired, store.metrics)
			err = bulkload.NamedErr(name, closeErr)
		case dsync:
			if store.closed.Load() {
				continue
			}
			err = bulkload.NamedErr(name, store.Sync())
		default:
			return ErrUnknownAction
		}
		if err == nil {
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SyncAll syncs all pogreb datastores and records their counters in meta.json.
func (db *DB) SyncAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	errs := []error{db.withAll(dsync)}
	if errors.Is(errs[0], ErrNoStores) {
		errs = errs[:0]
	}
	errs = append(errs, db.flushMetrics())
	return errors.Join(errs...)
}

// SyncAndCloseAll syncs and closes every open store.
func (db *DB) SyncAndCloseAll() error {
	return errors.Join(bulkload.NamedErr("sync", db.SyncAll()), bulkload.NamedErr("close", db.ReleaseAll()))
}

// ReleaseAll closes every open pogreb instance. The DB stays usable; see [DB.ReopenFiles].
func (db *DB) ReleaseAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.withAll(dclose); err != nil && !errors.Is(err, ErrNoStores) {
		return err
	}
	return nil
}

// Close syncs and releases every store, then records their counters in meta.json.
func (db *DB) Close() error {
	db.mu.RLock()
	dropped := db.dropped
	db.mu.RUnlock()
	if dropped {
		return db.ReleaseAll()
	}
	errs := []error{db.SyncAndCloseAll()}
	db.mu.Lock()
	errs = append(errs, db.flushMetrics())
	db.mu.Unlock()
	return errors.Join(errs...)
}
