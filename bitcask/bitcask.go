package bitcask

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"git.tcp.direct/Mirrors/bitcask-mirror"
	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/kv"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
)

var (
	_ bulkload.Engine = (*DB)(nil)
	_ bulkload.Store  = (*Store)(nil)
)

// Store is one managed file backed by a Bitcask instance.
type Store struct {
	*bitcask.Bitcask
	name   string
	quota  *bulkload.Quota
	full   func(name string)
	closed *atomic.Bool
}

// Backend returns the underlying bitcask instance.
func (s *Store) Backend() any {
	return s.Bitcask
}

func (s *Store) Get(key []byte) ([]byte, error) {
	value, err := s.Bitcask.Get(key)
	if err = kv.RegularizeKVError(key, value, err, bitcask.ErrKeyNotFound); err != nil {
		return nil, err
	}
	return value, nil
}

// Put charges the entry against the file's capacity before writing it. A full file is
// flagged in meta.json and [bulkload.ErrEngineFileFull] is returned.
func (s *Store) Put(key, value []byte) error {
	size := kv.Record{Key: key, Value: value}.Size()
	if err := s.quota.Charge(size); err != nil {
		if s.full != nil {
			s.full(s.name)
		}
		return bulkload.NamedErr(s.name, err)
	}
	return s.Bitcask.Put(key, value)
}

// Keys collects every key. Bitcask hands them out over a channel.
func (s *Store) Keys() [][]byte {
	var keys [][]byte
	for k := range s.Bitcask.Keys() {
		keys = append(keys, k)
	}
	return keys
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.Bitcask.Close()
}

// DB is the bitcask implementation of [bulkload.Engine]. Every managed file is a bitcask
// directory under path; their state lives in path/meta.json.
type DB struct {
	store    map[string]*Store
	path     string
	mu       *sync.RWMutex
	meta     *metadata.Metadata
	log      zerolog.Logger
	defaults []bitcask.Option
	capacity int64
	dropped  bool
	lazy     bool
}

type Option func(*DB)

func WithLogger(l zerolog.Logger) Option {
	return func(db *DB) {
		db.log = l.With().Str("engine", "bitcask").Logger()
	}
}

// WithDefaultCapacity sets the capacity given to files created without an explicit one.
func WithDefaultCapacity(capacity int64) Option {
	return func(db *DB) {
		db.capacity = capacity
	}
}

// WithBitcaskOptions appends options passed to every bitcask.Open.
func WithBitcaskOptions(opts ...bitcask.Option) Option {
	return func(db *DB) {
		db.defaults = append(db.defaults, opts...)
	}
}

// WithMaxDatafileSize is a shim for bitcask's WithMaxDataFileSize function. Bitcask keeps the
// setting in each store's config.json, so it only needs passing when the files are created.
func WithMaxDatafileSize(size int) bitcask.Option {
	return bitcask.WithMaxDatafileSize(size)
}

// WithMaxKeySize is a shim for bitcask's WithMaxKeySize function.
func WithMaxKeySize(size uint32) bitcask.Option {
	return bitcask.WithMaxKeySize(size)
}

// OpenDB will either open an existing set of bitcask datastores at the given directory, or it will create a new one.
// Stores listed in meta.json are opened right away.
func OpenDB(path string, opts ...Option) (*DB, error) {
	db := &DB{
		store: make(map[string]*Store),
		path:  path,
		mu:    &sync.RWMutex{},
		log:   zerolog.Nop(),
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
	if _, err := db.Discover(); err != nil {
		return db, err
	}
	return db, nil
}

// WithoutDiscovery leaves every store closed until [DB.ReopenFiles].
func WithoutDiscovery() Option {
	return func(db *DB) {
		db.lazy = true
	}
}

func (db *DB) init() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if _, err := os.Stat(db.path); os.IsNotExist(err) {
		if err = os.MkdirAll(db.path, 0o700); err != nil {
			return fmt.Errorf("error creating bitcask directory: %w", err)
		}
	}
	metaPath := filepath.Join(db.path, metadata.FileName)
	stat, err := os.Stat(metaPath)
	switch {
	case err == nil && stat.IsDir():
		return errors.New("meta.json is a directory")
	case err == nil:
		if db.meta, err = metadata.OpenMetaFile(metaPath); err != nil {
			return fmt.Errorf("error opening meta file: %w", err)
		}
		if db.meta.Type() != db.Type() {
			return fmt.Errorf("%w: meta.json is not a bitcask meta file (%s)", bulkload.ErrConfiguration, db.meta.Type())
		}
		return nil
	case errors.Is(err, os.ErrNotExist):
		if db.meta, err = metadata.NewMetaFile(db.Type(), metaPath); err != nil {
			return fmt.Errorf("error creating meta file: %w", err)
		}
		return nil
	default:
		return err
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
		if err := db.openStore(name); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
			continue
		}
		stores = append(stores, name)
	}
	return stores, errors.Join(errs...)
}

// openStore must be called with db.mu held.
func (db *DB) openStore(name string, opts ...bitcask.Option) error {
	storePath := filepath.Join(db.path, name)
	opts = append(opts, db.defaults...)
	recoverOnce := &sync.Once{}
openUp:
	c, e := bitcask.Open(storePath, opts...)
	if e != nil {
		retry := false
		recoverOnce.Do(func() {
			metaErr := new(bitcask.ErrBadMetadata)
			if !errors.As(e, &metaErr) {
				return
			}
			if !strings.Contains(metaErr.Error(), "unexpected end of JSON input") {
				return
			}
			if c != nil {
				_ = c.Close()
			}
			oldMeta := filepath.Join(storePath, "meta.json")
			newMeta := filepath.Join(storePath, "meta.json.backup")
			db.log.Warn().Str("store", name).Str("from", oldMeta).Str("to", newMeta).
				Msg("bitcask store has bad metadata, attempting to repair")
			if osErr := os.Rename(oldMeta, newMeta); osErr != nil {
				db.log.Warn().Err(osErr).Str("store", name).Msg("failed to move bad metadata aside")
				return
			}
			// likely defunct lockfile is present too, remove it
			if _, serr := os.Stat(filepath.Join(storePath, "lock")); serr == nil {
				db.log.Warn().Str("store", name).Msg("removing defunct lockfile")
				_ = os.Remove(filepath.Join(storePath, "lock"))
			}
			retry = true
		})
		if retry {
			goto openUp
		}
		return e
	}

	used, err := bulkload.DirSize(storePath)
	if err != nil {
		_ = c.Close()
		return fmt.Errorf("error measuring store: %w", err)
	}
	fm, _ := db.meta.File(name)
	db.store[name] = &Store{
		Bitcask: c,
		name:    name,
		quota:   bulkload.NewQuota(used, fm.Capacity),
		full:    db.markFull,
		closed:  &atomic.Bool{},
	}
	return nil
}

func (db *DB) markFull(name string) {
	db.log.Warn().Str("store", name).Msg("store reached its allocated capacity")
	if err := db.SetStatus(name, bulkload.StatusFull); err != nil {
		db.log.Error().Err(err).Str("store", name).Msg("failed to record full status")
	}
}

// Path returns the base path where we store our bitcask "stores".
func (db *DB) Path() string {
	return db.path
}

func (db *DB) Type() string {
	return "bitcask"
}

// Init creates a new managed file called storeName and opens it.
// opts may hold [metadata.FileMeta] (capacity, derived) and bitcask.Option values.
func (db *DB) Init(storeName string, opts ...any) error {
	var (
		bitcaskopts []bitcask.Option
		fm          = metadata.FileMeta{Status: bulkload.StatusNormal, Capacity: db.capacity}
	)
	for _, opt := range opts {
		switch o := opt.(type) {
		case bitcask.Option:
			bitcaskopts = append(bitcaskopts, o)
		case metadata.FileMeta:
			fm.Capacity = o.Capacity
			fm.Derived = o.Derived
		default:
			return fmt.Errorf("%w: %T", ErrBadOption, opt)
		}
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.store[storeName]; ok {
		return ErrStoreExists
	}
	if _, ok := db.meta.File(storeName); ok {
		return ErrStoreExists
	}
	if err := db.openStore(storeName, bitcaskopts...); err != nil {
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
	if ok {
		return d
	}
	return nil
}

// Sync is a simple shim for bitcask's Sync function.
func (db *DB) Sync(storeName string) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if _, ok := db.store[storeName]; !ok {
		return ErrBogusStore
	}
	return db.store[storeName].Sync()
}

// withAllAction
type withAllAction uint8

const (
	// dclose
	dclose withAllAction = iota
	// dsync
	dsync
)

// withAll performs an action on all bitcask stores that we have open.
// In the case of an error, withAll will continue and return a compound form of any errors that occurred.
// Callers must hold db.mu.
func (db *DB) withAll(action withAllAction) error {
	if db == nil || db.store == nil || len(db.store) < 1 {
		return ErrNoStores
	}
	var errs = make([]error, 0, len(db.store))
	for name, store := range db.store {
		var err error
		if store == nil || store.Bitcask == nil {
			errs = append(errs, bulkload.NamedErr(name, ErrBogusStore))
			continue
		}
		switch action {
		case dclose:
			err = bulkload.NamedErr(name, store.Close())
			delete(db.store, name)
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

// SyncAndCloseAll syncs and closes every open store.
func (db *DB) SyncAndCloseAll() error {
	var errs []error
	if err := db.SyncAll(); err != nil && !errors.Is(err, ErrNoStores) {
		errs = append(errs, bulkload.NamedErr("sync", err))
	}
	if err := db.ReleaseAll(); err != nil {
		errs = append(errs, bulkload.NamedErr("close", err))
	}
	return errors.Join(errs...)
}

// SyncAll syncs all bitcask datastores.
func (db *DB) SyncAll() error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.withAll(dsync)
}

// ReleaseAll closes every open bitcask instance. The DB stays usable; see [DB.ReopenFiles].
func (db *DB) ReleaseAll() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if err := db.withAll(dclose); err != nil && !errors.Is(err, ErrNoStores) {
		return err
	}
	return nil
}

// Close syncs and releases every store, then persists meta.json.
func (db *DB) Close() error {
	errs := []error{db.SyncAndCloseAll()}
	db.mu.Lock()
	if !db.dropped {
		errs = append(errs, db.meta.Update(func(m *metadata.Metadata) error {
			m.Ping()
			return nil
		}))
	}
	db.mu.Unlock()
	return errors.Join(errs...)
}
