package bulkload

import (
	"fmt"
	"strings"
)

// FileStatus is the engine-reported condition of a managed file after an operation.
type FileStatus uint8

const (
	// StatusUnknown is anything we can't vouch for, including a worker that died before reporting.
	StatusUnknown FileStatus = iota
	// StatusNormal means the file is consistent and fully up to date.
	StatusNormal
	// StatusDeferredUpdatesPending means changes were applied but not yet folded into the normal state.
	StatusDeferredUpdatesPending
	// StatusFull means the file's allocated capacity ran out during a write.
	StatusFull
)

var statusNames = map[FileStatus]string{
	StatusUnknown:                "unknown",
	StatusNormal:                 "normal",
	StatusDeferredUpdatesPending: "deferred",
	StatusFull:                   "full",
}

func (s FileStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("FileStatus(%d)", uint8(s))
}

// ParseFileStatus never fails: anything unrecognized is [StatusUnknown].
func ParseFileStatus(s string) FileStatus {
	for st, name := range statusNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return st
		}
	}
	return StatusUnknown
}

func (s FileStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *FileStatus) UnmarshalText(text []byte) error {
	*s = ParseFileStatus(string(text))
	return nil
}

// ManagedFile is a snapshot of one engine file.
type ManagedFile struct {
	Name     string     `json:"name"`
	Path     string     `json:"path"`
	Status   FileStatus `json:"status"`
	Capacity int64      `json:"capacity,omitempty"`
	// Derived files are secondary structures computed from record files.
	Derived bool `json:"derived,omitempty"`
	Stale   bool `json:"stale,omitempty"`
}

// FileNames returns the names of the given files, optionally filtered to record (non-derived) files.
func FileNames(files []ManagedFile, recordsOnly bool) []string {
	names := make([]string, 0, len(files))
	for _, f := range files {
		if recordsOnly && f.Derived {
			continue
		}
		names = append(names, f.Name)
	}
	return names
}
