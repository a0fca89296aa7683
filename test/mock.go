// Package test holds an in-memory engine used by tests of the import pipeline.
package test

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/goccy/go-json"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/kv"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
	"git.tcp.direct/tcp.direct/bulkload/registry"
)

// MockType is the registry name of [MockEngine].
const MockType = "mock"

const dataFile = "data.json"

var ErrBadOptions = errors.New("bad mock store options")

var registerOnce sync.Once

// Register adds the mock engine to the global registry. Safe to call from every test.
func Register() {
	registerOnce.Do(func() {
		registry.RegisterEngine(MockType, func(path string, opts ...any) (bulkload.Engine, error) {
			return NewMockEngine(path, opts...)
		})
	})
}

// MockStore keeps its values in memory and writes them to data.json on Sync and Close.
type MockStore struct {
	name   string
	dir    string
	values map[string][]byte
	quota  *bulkload.Quota
	full   func(string)
	closed *atomic.Bool
	mu     sync.RWMutex
}

func openMockStore(dir, name string, capacity int64, full func(string)) (*MockStore, error) {
	m := &MockStore{
		name:   name,
		dir:    dir,
		values: make(map[string][]byte),
		full:   full,
		closed: &atomic.Bool{},
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	dat, err := os.ReadFile(filepath.Join(dir, dataFile))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, err
	default:
		if err = json.Unmarshal(dat, &m.values); err != nil {
			return nil, fmt.Errorf("error parsing %s: %w", name, err)
		}
	}
	used, err := bulkload.DirSize(dir)
	if err != nil {
		return nil, err
	}
	m.quota = bulkload.NewQuota(used, capacity)
	return m, nil
}

func (m *MockStore) Backend() any {
	return m.values
}

func (m *MockStore) Has(key []byte) bool {
	m.mu.RLock()
	_, ok := m.values[string(key)]
	m.mu.RUnlock()
	return ok
}

func (m *MockStore) Get(key []byte) ([]byte, error) {
	m.mu.RLock()
	val, ok := m.values[string(key)]
	m.mu.RUnlock()
	if !ok {
		return nil, &kv.NonExistentKeyError{Key: key}
	}
	return val, nil
}

func (m *MockStore) Put(key []byte, value []byte) error {
	if m.closed.Load() {
		return os.ErrClosed
	}
	if err := m.quota.Charge(kv.Record{Key: key, Value: value}.Size()); err != nil {
		if m.full != nil {
			m.full(m.name)
		}
		return err
	}
	m.mu.Lock()
	m.values[string(key)] = value
	m.mu.Unlock()
	return nil
}

func (m *MockStore) Delete(key []byte) error {
	m.mu.Lock()
	delete(m.values, string(key))
	m.mu.Unlock()
	return nil
}

func (m *MockStore) Sync() error {
	m.mu.RLock()
	dat, err := json.Marshal(m.values)
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(m.dir, dataFile), dat, 0o600)
}

func (m *MockStore) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.Sync()
}

func (m *MockStore) Keys() [][]byte {
	m.mu.RLock()
	k := make([][]byte, 0, len(m.values))
	for key := range m.values {
		k = append(k, []byte(key))
	}
	m.mu.RUnlock()
	sort.Slice(k, func(i, j int) bool { return string(k[i]) < string(k[j]) })
	return k
}

func (m *MockStore) Len() int {
	m.mu.RLock()
	l := len(m.values)
	m.mu.RUnlock()
	return l
}

// MockEngine implements [bulkload.Engine] with [MockStore] files and a real meta.json, so a
// fake worker can report status the same way a real one does.
type MockEngine struct {
	path   string
	meta   *metadata.Metadata
	stores map[string]*MockStore

	// FailOn makes the named adapter method return the mapped error.
	FailOn map[string]error

	calls []string
	mu    sync.RWMutex
}

var _ bulkload.Engine = (*MockEngine)(nil)

// NewMockEngine opens (or creates) a mock database at path. Passing [bulkload.Lazy] leaves
// every file closed.
func NewMockEngine(path string, opts ...any) (*MockEngine, error) {
	lazy := false
	for _, opt := range opts {
		switch opt.(type) {
		case bulkload.Lazy:
			lazy = true
		default:
			return nil, fmt.Errorf("%w: (%T): %v", ErrBadOptions, opt, opt)
		}
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, err
	}
	m := &MockEngine{
		path:   path,
		stores: make(map[string]*MockStore),
		FailOn: make(map[string]error),
	}
	var err error
	metaPath := filepath.Join(path, metadata.FileName)
	if _, serr := os.Stat(metaPath); serr == nil {
		m.meta, err = metadata.OpenMetaFile(metaPath)
	} else {
		m.meta, err = metadata.NewMetaFile(MockType, metaPath)
	}
	if err != nil {
		return nil, err
	}
	if lazy {
		return m, nil
	}
	return m, m.ReopenFiles(m.meta.FileNames()...)
}

func (m *MockEngine) record(call string, args ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(args) > 0 {
		call = fmt.Sprintf("%s(%s)", call, joinSorted(args))
	}
	m.calls = append(m.calls, call)
	return m.FailOn[callName(call)]
}

func callName(call string) string {
	name, _, _ := strings.Cut(call, "(")
	return name
}

func joinSorted(args []string) string {
	s := slices.Clone(args)
	sort.Strings(s)
	return strings.Join(s, ",")
}

// Calls returns every adapter call made so far, like "CloseFiles(games,headers)".
func (m *MockEngine) Calls() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.calls)
}

func (m *MockEngine) ResetCalls() {
	m.mu.Lock()
	m.calls = nil
	m.mu.Unlock()
}

// Meta exposes the control file so tests can play the part of a worker.
func (m *MockEngine) Meta() *metadata.Metadata {
	return m.meta
}

func (m *MockEngine) Type() string {
	return MockType
}

func (m *MockEngine) Path() string {
	return m.path
}

func (m *MockEngine) markFull(name string) {
	_ = m.meta.Record(name, bulkload.StatusFull)
}

func (m *MockEngine) Init(name string, options ...any) error {
	fm := metadata.FileMeta{Status: bulkload.StatusNormal}
	for _, opt := range options {
		f, ok := opt.(metadata.FileMeta)
		if !ok {
			return ErrBadOptions
		}
		fm.Capacity, fm.Derived = f.Capacity, f.Derived
	}
	if _, ok := m.meta.File(name); ok {
		return fmt.Errorf("store %s already exists", name)
	}
	st, err := openMockStore(filepath.Join(m.path, name), name, fm.Capacity, m.markFull)
	if err != nil {
		return err
	}
	if err = st.Sync(); err != nil {
		return err
	}
	if err = m.meta.Update(func(md *metadata.Metadata) error {
		md.AddFile(name, fm)
		return nil
	}); err != nil {
		return err
	}
	m.mu.Lock()
	m.stores[name] = st
	m.mu.Unlock()
	return nil
}

func (m *MockEngine) With(name string) bulkload.Store {
	m.mu.RLock()
	s, ok := m.stores[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return s
}

func (m *MockEngine) ManagedFiles() []bulkload.ManagedFile {
	return m.meta.ManagedFiles(m.path)
}

func (m *MockEngine) FileStatus() (map[string]bulkload.FileStatus, error) {
	if err := m.record("FileStatus"); err != nil {
		return nil, err
	}
	return m.meta.CurrentStatuses()
}

func (m *MockEngine) CloseFiles(names ...string) error {
	if err := m.record("CloseFiles", names...); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var errs []error
	for _, name := range names {
		if st, ok := m.stores[name]; ok {
			errs = append(errs, st.Close())
			delete(m.stores, name)
		}
	}
	return errors.Join(errs...)
}

func (m *MockEngine) ReopenFiles(names ...string) error {
	if err := m.record("ReopenFiles", names...); err != nil {
		return err
	}
	if err := m.meta.Reload(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range names {
		if _, ok := m.stores[name]; ok {
			continue
		}
		fm, ok := m.meta.File(name)
		if !ok {
			return fmt.Errorf("%w: %s", bulkload.ErrNoSuchFile, name)
		}
		st, err := openMockStore(filepath.Join(m.path, name), name, fm.Capacity, m.markFull)
		if err != nil {
			return err
		}
		m.stores[name] = st
	}
	return nil
}

func (m *MockEngine) EnlargeCapacity(name string, increasePercent int) (int64, error) {
	if err := m.record("EnlargeCapacity", name); err != nil {
		return 0, err
	}
	grown, err := m.meta.Enlarge(name, increasePercent)
	if err != nil {
		return 0, err
	}
	m.mu.RLock()
	if st, ok := m.stores[name]; ok {
		st.quota.SetCapacity(grown)
	}
	m.mu.RUnlock()
	return grown, nil
}

func (m *MockEngine) MarkDerivedStale() error {
	if err := m.record("MarkDerivedStale"); err != nil {
		return err
	}
	return m.meta.MarkDerivedStale()
}

func (m *MockEngine) ClearStale(names ...string) error {
	if err := m.record("ClearStale", names...); err != nil {
		return err
	}
	return m.meta.ClearStale(names...)
}

func (m *MockEngine) ResetStatus(names ...string) error {
	if err := m.record("ResetStatus", names...); err != nil {
		return err
	}
	return m.meta.Reset(names...)
}

func (m *MockEngine) SetStatus(name string, status bulkload.FileStatus) error {
	return m.meta.Record(name, status)
}

func (m *MockEngine) NextRecord() uint64 {
	return m.meta.Next()
}

func (m *MockEngine) CommitRecords(next uint64) error {
	return m.meta.Commit(next)
}

func (m *MockEngine) DeleteDatabase(names ...string) ([]string, error) {
	if err := m.record("DeleteDatabase", names...); err != nil {
		return nil, err
	}
	if err := m.CloseFiles(names...); err != nil {
		return nil, err
	}
	if err := m.meta.Reload(); err != nil {
		return nil, err
	}
	for _, name := range names {
		if err := os.RemoveAll(filepath.Join(m.path, name)); err != nil {
			return nil, err
		}
		if err := os.Remove(filepath.Join(m.path, name+bulkload.PendingExt)); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		m.meta.RemoveFile(name)
	}
	remaining := m.meta.FileNames()
	if len(remaining) > 0 {
		if err := m.meta.Sync(); err != nil {
			return nil, err
		}
	} else {
		for _, private := range bulkload.PrivateFiles {
			_ = os.Remove(filepath.Join(m.path, private))
		}
	}
	return bulkload.StrayEntries(m.path, append(remaining, names...))
}

func (m *MockEngine) ReleaseAll() error {
	m.mu.RLock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	m.mu.RUnlock()
	return m.CloseFiles(names...)
}

func (m *MockEngine) Close() error {
	return m.ReleaseAll()
}
