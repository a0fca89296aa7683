// Package metadata owns meta.json, the control file every database directory carries.
//
// meta.json records which engine created the database, the status and allocated capacity of every
// managed file, and the next record id. The import worker writes it from its own process, so the
// controlling process must call [Metadata.Reload] before trusting anything in it after a load.
package metadata

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"

	"git.tcp.direct/tcp.direct/bulkload"
)

// FileName is the name of the control file inside a database directory.
const FileName = "meta.json"

// LockExt is appended to the meta.json path for the lock that serializes writers across processes.
const LockExt = ".lock"

var (
	ErrNoType      = errors.New("metadata file does not have a type")
	ErrUnknownFile = errors.New("file not present in metadata")
)

// FileMeta is the persisted state of one managed file.
type FileMeta struct {
	Status   bulkload.FileStatus `json:"status"`
	Capacity int64               `json:"capacity,omitempty"`
	Derived  bool                `json:"derived,omitempty"`
	Stale    bool                `json:"stale,omitempty"`
}

// Metadata is a struct that holds the metadata for an engine's database.
// The only absolute requirement is that the engine type is set.
type Metadata struct {
	EngineType   string                 `json:"type"`
	Created      time.Time              `json:"created,omitempty"`
	LastOpened   time.Time              `json:"last_opened,omitempty"`
	Files        map[string]*FileMeta   `json:"files,omitempty"`
	NextRecord   uint64                 `json:"next_record"`
	Extra        map[string]interface{} `json:"extra,omitempty"`
	DefStoreOpts any                    `json:"default_store_opts,omitempty"`

	path string
	mu   sync.RWMutex
}

func (m *Metadata) Type() string {
	return m.EngineType
}

func (m *Metadata) Path() string {
	return m.path
}

func (m *Metadata) Ping() {
	m.mu.Lock()
	m.LastOpened = time.Now()
	m.mu.Unlock()
}

func NewMeta(engineType string) *Metadata {
	return &Metadata{
		EngineType: engineType,
		Created:    time.Now(),
		LastOpened: time.Now(),
		Files:      make(map[string]*FileMeta),
	}
}

// NewMetaFile creates a fresh meta.json at path (or inside path, if path is a directory).
func NewMetaFile(engineType, path string) (*Metadata, error) {
	if stat, err := os.Stat(path); err == nil && stat.IsDir() {
		path = filepath.Join(path, FileName)
	}
	meta := NewMeta(engineType)
	meta.path = path
	if err := meta.Sync(); err != nil {
		return nil, err
	}
	return meta, nil
}

// LoadMeta parses meta.json contents.
func LoadMeta(data []byte) (*Metadata, error) {
	meta := &Metadata{}
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, err
	}
	if meta.EngineType == "" {
		return nil, ErrNoType
	}
	if meta.Files == nil {
		meta.Files = make(map[string]*FileMeta)
	}
	return meta, nil
}

func OpenMetaFile(path string) (*Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	meta, err := LoadMeta(data)
	if err != nil {
		return nil, fmt.Errorf("error parsing %s: %w", path, err)
	}
	meta.path = path
	return meta, nil
}

// Reload replaces the in-memory state with whatever is on disk now.
func (m *Metadata) Reload() error {
	fresh, err := OpenMetaFile(m.path)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.EngineType = fresh.EngineType
	m.Created = fresh.Created
	m.LastOpened = fresh.LastOpened
	m.Files = fresh.Files
	m.NextRecord = fresh.NextRecord
	m.Extra = fresh.Extra
	m.DefStoreOpts = fresh.DefStoreOpts
	m.mu.Unlock()
	return nil
}

func (m *Metadata) lock() (*flock.Flock, error) {
	if m.path == "" {
		return nil, errors.New("metadata has no path")
	}
	fl := flock.New(m.path + LockExt)
	if err := fl.Lock(); err != nil {
		return nil, fmt.Errorf("error locking %s: %w", m.path, err)
	}
	return fl, nil
}

// Update reloads meta.json (when it exists), applies fn and writes the result back, all while
// holding meta.json's lock. Use it for every write that may race with a worker in another process.
func (m *Metadata) Update(fn func(m *Metadata) error) error {
	fl, err := m.lock()
	if err != nil {
		return err
	}
	defer func() {
		_ = fl.Unlock()
	}()
	if _, err = os.Stat(m.path); err == nil {
		if err = m.Reload(); err != nil {
			return err
		}
	}
	if err = fn(m); err != nil {
		return err
	}
	return m.write()
}

// AddFile registers a managed file. An existing entry keeps its status and capacity.
func (m *Metadata) AddFile(name string, fm FileMeta) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Files == nil {
		m.Files = make(map[string]*FileMeta)
	}
	if _, ok := m.Files[name]; ok {
		return
	}
	m.Files[name] = &fm
}

func (m *Metadata) RemoveFile(name string) {
	m.mu.Lock()
	delete(m.Files, name)
	m.mu.Unlock()
}

// File returns a copy of the named file's state.
func (m *Metadata) File(name string) (FileMeta, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fm, ok := m.Files[name]
	if !ok || fm == nil {
		return FileMeta{}, false
	}
	return *fm, true
}

// FileNames returns the sorted names of every known file.
func (m *Metadata) FileNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

func (m *Metadata) update(name string, fn func(fm *FileMeta)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	fm, ok := m.Files[name]
	if !ok || fm == nil {
		return fmt.Errorf("%w: %s", ErrUnknownFile, name)
	}
	fn(fm)
	return nil
}

func (m *Metadata) SetStatus(name string, status bulkload.FileStatus) error {
	return m.update(name, func(fm *FileMeta) { fm.Status = status })
}

func (m *Metadata) SetCapacity(name string, capacity int64) error {
	return m.update(name, func(fm *FileMeta) { fm.Capacity = capacity })
}

func (m *Metadata) SetStale(name string, stale bool) error {
	return m.update(name, func(fm *FileMeta) { fm.Stale = stale })
}

// Next returns the id the next imported record will receive.
func (m *Metadata) Next() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.NextRecord
}

func (m *Metadata) SetNext(next uint64) {
	m.mu.Lock()
	m.NextRecord = next
	m.mu.Unlock()
}

// Statuses returns the status of every known file.
func (m *Metadata) Statuses() map[string]bulkload.FileStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]bulkload.FileStatus, len(m.Files))
	for name, fm := range m.Files {
		if fm == nil {
			out[name] = bulkload.StatusUnknown
			continue
		}
		out[name] = fm.Status
	}
	return out
}

func (m *Metadata) WithExtra(extra map[string]interface{}) *Metadata {
	m.mu.Lock()
	m.Extra = extra
	m.mu.Unlock()
	return m
}

func (m *Metadata) WithDefaultStoreOpts(opts any) *Metadata {
	m.mu.Lock()
	m.DefStoreOpts = opts
	m.mu.Unlock()
	return m
}

// Sync writes the in-memory metadata to m.path under meta.json's lock, without reloading first.
func (m *Metadata) Sync() error {
	fl, err := m.lock()
	if err != nil {
		return err
	}
	defer func() {
		_ = fl.Unlock()
	}()
	return m.write()
}

// write replaces meta.json atomically so a reader in another process never sees it half-written.
// Every writer gets its own temporary file. Callers hold the lock.
func (m *Metadata) write() error {
	m.mu.RLock()
	dat, err := json.MarshalIndent(m, "", "  ")
	m.mu.RUnlock()
	if err != nil {
		return err
	}
	f, err := os.CreateTemp(filepath.Dir(m.path), filepath.Base(m.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("error creating temporary meta file: %w", err)
	}
	tmp := f.Name()
	fail := func(err error) error {
		_ = f.Close()
		_ = os.Remove(tmp)
		return err
	}
	if _, err = f.Write(dat); err != nil {
		return fail(fmt.Errorf("error writing temporary meta file: %w", err))
	}
	if err = f.Sync(); err != nil {
		return fail(fmt.Errorf("error syncing temporary meta file: %w", err))
	}
	if err = f.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err = os.Rename(tmp, m.path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

// Close is an alias for [Metadata.Sync]; there is no long-lived writer to release.
func (m *Metadata) Close() error {
	return m.Sync()
}
