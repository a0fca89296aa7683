// Package migrate copies a database into another one, usually backed by a different engine.
// Every managed file is copied with its capacity and derived flag; the record counter carries over.
package migrate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
)

var (
	ErrNoFiles = errors.New("no managed files found in source database")
	ErrDupKeys = errors.New(
		"duplicate keys found in destination files, enable skipping or clobbering of existing data to continue migration",
	)
)

type ErrDuplicateKeys struct {
	// map[file][]keys
	Duplicates map[string][][]byte
}

func (e ErrDuplicateKeys) Unwrap() error {
	return ErrDupKeys
}

func (e ErrDuplicateKeys) Error() string {
	n := 0
	for _, keys := range e.Duplicates {
		n += len(keys)
	}
	return fmt.Sprintf("%d duplicate keys in %d destination files, enable skipping or clobbering of existing data to continue migration",
		n, len(e.Duplicates))
}

func NewDuplicateKeysErr(duplicates map[string][][]byte) *ErrDuplicateKeys {
	return &ErrDuplicateKeys{Duplicates: duplicates}
}

type Migrator struct {
	From bulkload.Engine
	To   bulkload.Engine

	duplicateKeys map[string]map[string]struct{}
	// merged is set once any destination file held data before the copy.
	merged bool

	clobber      bool
	skipExisting bool
	log          zerolog.Logger

	mu sync.Mutex
}

func mapMaptoMapSlice(m map[string]map[string]struct{}) map[string][][]byte {
	out := make(map[string][][]byte)
	for file, keys := range m {
		for key := range keys {
			out[file] = append(out[file], []byte(key))
		}
	}
	return out
}

// NewMigrator refuses to copy a database onto itself, or one with files that are not Normal.
func NewMigrator(from, to bulkload.Engine) (*Migrator, error) {
	if from == nil || to == nil {
		return nil, fmt.Errorf("%w: migration needs a source and a destination", bulkload.ErrConfiguration)
	}
	if from.Path() == to.Path() {
		return nil, fmt.Errorf("%w: source and destination are both %s", bulkload.ErrConfiguration, from.Path())
	}
	for _, f := range from.ManagedFiles() {
		if f.Status != bulkload.StatusNormal {
			return nil, fmt.Errorf("%w: source file %s is %s", bulkload.ErrConfiguration, f.Name, f.Status)
		}
	}
	return &Migrator{
		From:         from,
		To:           to,
		clobber:      false,
		skipExisting: false,
		log:          zerolog.Nop(),
	}, nil
}

// WithClobber sets the clobber flag on the Migrator, allowing it to overwrite existing data in the destination.
func (m *Migrator) WithClobber() *Migrator {
	m.mu.Lock()
	m.clobber = true
	m.mu.Unlock()
	return m
}

// WithSkipExisting sets the skipExisting flag on the Migrator, allowing it to skip existing data in the destination.
func (m *Migrator) WithSkipExisting() *Migrator {
	m.mu.Lock()
	m.skipExisting = true
	m.mu.Unlock()
	return m
}

func (m *Migrator) WithLogger(l zerolog.Logger) *Migrator {
	m.mu.Lock()
	m.log = l.With().Str("caller", "migrate").Logger()
	m.mu.Unlock()
	return m
}

// prepare creates every source file the destination lacks, with the same capacity and derived flag.
func (m *Migrator) prepare() error {
	existing := make(map[string]bool)
	for _, f := range m.To.ManagedFiles() {
		existing[f.Name] = true
	}
	var errs []error
	for _, f := range m.From.ManagedFiles() {
		if existing[f.Name] {
			continue
		}
		if err := m.To.Init(f.Name, metadata.FileMeta{Capacity: f.Capacity, Derived: f.Derived}); err != nil {
			errs = append(errs, bulkload.NamedErr(f.Name, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Migrator) CheckDupes() error {
	files := m.From.ManagedFiles()
	if len(files) == 0 {
		return ErrNoFiles
	}

	if m.duplicateKeys == nil {
		m.duplicateKeys = make(map[string]map[string]struct{})
	}

	wg := &sync.WaitGroup{}

	for _, f := range files {
		src, dst := m.From.With(f.Name), m.To.With(f.Name)
		if src == nil || dst == nil || dst.Len() == 0 {
			continue
		}
		m.mu.Lock()
		m.merged = true
		m.mu.Unlock()
		wg.Add(1)
		go func(name string, src, dst bulkload.Store) {
			defer wg.Done()
			for _, key := range dst.Keys() {
				if src.Has(key) {
					m.mu.Lock()
					if _, exists := m.duplicateKeys[name]; !exists {
						m.duplicateKeys[name] = make(map[string]struct{})
					}
					m.duplicateKeys[name][string(key)] = struct{}{}
					m.mu.Unlock()
				}
			}
		}(f.Name, src, dst)
	}

	wg.Wait()

	if len(m.duplicateKeys) == 0 || m.skipExisting || m.clobber {
		return nil
	}

	m.mu.Lock()
	mslice := mapMaptoMapSlice(m.duplicateKeys)
	m.mu.Unlock()

	return NewDuplicateKeysErr(mslice)
}

// Migrate copies every file concurrently and stops at the first error. A destination file that
// fills up fails the migration with [bulkload.ErrEngineFileFull].
func (m *Migrator) Migrate(ctx context.Context) error {
	files := m.From.ManagedFiles()
	if len(files) == 0 {
		return ErrNoFiles
	}
	if err := m.prepare(); err != nil {
		return fmt.Errorf("error creating destination files: %w", err)
	}
	if err := m.CheckDupes(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	errCh := make(chan error, len(files))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := &sync.WaitGroup{}
	for _, f := range files {
		src, dst := m.From.With(f.Name), m.To.With(f.Name)
		if src == nil || dst == nil {
			errCh <- fmt.Errorf("%w: %s is not open on both sides", bulkload.ErrNoSuchFile, f.Name)
			break
		}
		if src.Len() == 0 {
			continue
		}
		wg.Add(1)
		go func(name string, src, dst bulkload.Store) {
			defer wg.Done()
			dupes := m.duplicateKeys[name]
			for _, key := range src.Keys() {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if _, exists := dupes[string(key)]; exists && m.skipExisting {
					continue
				}
				val, err := src.Get(key)
				if err != nil {
					errCh <- bulkload.NamedErr(name, err)
					cancel()
					return
				}
				if err = dst.Put(key, val); err != nil {
					errCh <- bulkload.NamedErr(name, err)
					cancel()
					return
				}
			}
			m.log.Debug().Str("file", name).Int("keys", src.Len()).Msg("file copied")
		}(f.Name, src, dst)
	}

	wg.Wait()
	close(errCh)
	if err := <-errCh; err != nil {
		return err
	}

	var errs []error
	for _, f := range files {
		if dst := m.To.With(f.Name); dst != nil {
			errs = append(errs, bulkload.NamedErr(f.Name, dst.Sync()))
		}
	}
	if next := m.From.NextRecord(); next > m.To.NextRecord() {
		errs = append(errs, m.To.CommitRecords(next))
	}
	if m.merged || anyStale(files) {
		errs = append(errs, m.To.MarkDerivedStale())
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	m.log.Info().Str("from", m.From.Type()).Str("to", m.To.Type()).Int("files", len(files)).Msg("migration complete")
	return nil
}

func anyStale(files []bulkload.ManagedFile) bool {
	for _, f := range files {
		if f.Derived && f.Stale {
			return true
		}
	}
	return false
}
