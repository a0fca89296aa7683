package metadata

import (
	"fmt"
	"path/filepath"

	"git.tcp.direct/tcp.direct/bulkload"
)

// ManagedFiles lists every known file, assuming each lives in a directory named after it under dir.
func (m *Metadata) ManagedFiles(dir string) []bulkload.ManagedFile {
	names := m.FileNames()
	files := make([]bulkload.ManagedFile, 0, len(names))
	for _, name := range names {
		fm, _ := m.File(name)
		files = append(files, bulkload.ManagedFile{
			Name:     name,
			Path:     filepath.Join(dir, name),
			Status:   fm.Status,
			Capacity: fm.Capacity,
			Derived:  fm.Derived,
			Stale:    fm.Stale,
		})
	}
	return files
}

// CurrentStatuses reloads meta.json and returns every file's status.
func (m *Metadata) CurrentStatuses() (map[string]bulkload.FileStatus, error) {
	if err := m.Reload(); err != nil {
		return nil, fmt.Errorf("%w: %w", bulkload.ErrUnrecognizedEngineState, err)
	}
	return m.Statuses(), nil
}

// Record persists one status flag.
func (m *Metadata) Record(name string, status bulkload.FileStatus) error {
	return m.Update(func(m *Metadata) error {
		return m.SetStatus(name, status)
	})
}

// Reset persists StatusNormal for every named file.
func (m *Metadata) Reset(names ...string) error {
	return m.Update(func(m *Metadata) error {
		for _, name := range names {
			if err := m.SetStatus(name, bulkload.StatusNormal); err != nil {
				return err
			}
		}
		return nil
	})
}

// MarkDerivedStale persists the stale flag on every derived file.
func (m *Metadata) MarkDerivedStale() error {
	return m.Update(func(m *Metadata) error {
		for _, name := range m.FileNames() {
			if fm, _ := m.File(name); fm.Derived {
				if err := m.SetStale(name, true); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// ClearStale persists a cleared stale flag on every named file.
func (m *Metadata) ClearStale(names ...string) error {
	return m.Update(func(m *Metadata) error {
		for _, name := range names {
			if err := m.SetStale(name, false); err != nil {
				return err
			}
		}
		return nil
	})
}

// Commit persists the next record id.
func (m *Metadata) Commit(next uint64) error {
	return m.Update(func(m *Metadata) error {
		m.SetNext(next)
		return nil
	})
}

// Enlarge grows a file's capacity by pct percent, persists it and returns the new capacity.
func (m *Metadata) Enlarge(name string, pct int) (int64, error) {
	var grown int64
	err := m.Update(func(m *Metadata) error {
		fm, ok := m.File(name)
		if !ok {
			return fmt.Errorf("%w: %s", bulkload.ErrNoSuchFile, name)
		}
		grown = bulkload.EnlargedCapacity(fm.Capacity, pct)
		return m.SetCapacity(name, grown)
	})
	return grown, err
}
