package bulkload

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"
)

// Quota tracks bytes charged against one managed file's allocated capacity.
// A capacity of zero means unlimited.
type Quota struct {
	used     *atomic.Int64
	capacity *atomic.Int64
}

func NewQuota(used, capacity int64) *Quota {
	q := &Quota{used: &atomic.Int64{}, capacity: &atomic.Int64{}}
	q.used.Store(used)
	q.capacity.Store(capacity)
	return q
}

// Charge reserves n bytes, or returns [ErrEngineFileFull] without reserving anything.
func (q *Quota) Charge(n int64) error {
	for {
		used := q.used.Load()
		capacity := q.capacity.Load()
		if capacity > 0 && used+n > capacity {
			return fmt.Errorf("%w: %d of %d bytes used, %d more requested", ErrEngineFileFull, used, capacity, n)
		}
		if q.used.CompareAndSwap(used, used+n) {
			return nil
		}
	}
}

func (q *Quota) Used() int64 {
	return q.used.Load()
}

func (q *Quota) Capacity() int64 {
	return q.capacity.Load()
}

func (q *Quota) SetCapacity(capacity int64) {
	q.capacity.Store(capacity)
}

// EnlargedCapacity grows capacity by pct percent, always by at least one byte.
// Unlimited (zero) capacity stays unlimited.
func EnlargedCapacity(capacity int64, pct int) int64 {
	if capacity <= 0 {
		return 0
	}
	if pct < 0 {
		pct = 0
	}
	grown := capacity * int64(100+pct) / 100
	if grown <= capacity {
		grown = capacity + 1
	}
	return grown
}

// DirSize sums the sizes of every regular file under path.
func DirSize(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

// PrivateFiles are control files any engine may keep at the top of a database directory.
var PrivateFiles = []string{"meta.json", "meta.json.lock", ".ingest.lock"}

// PendingExt is appended to a managed file's name for the updates a multi-phase load deferred.
const PendingExt = ".pending"

// CompanionSuffixes are appended to a managed file's name by the archive manager and the worker.
// The archive manager's names are checked against this list in its tests.
var CompanionSuffixes = []string{
	".tar.zst", ".tar.gz", ".grd",
	".broken.tar.zst", ".broken.tar.gz",
	PendingExt,
}

// StrayEntries lists entries in dir that are neither known managed files, engine-private
// control files, nor companions of a known file (a known name plus one of [CompanionSuffixes]).
// Temporary files left by an interrupted meta.json write count as private.
func StrayEntries(dir string, known []string, private ...string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	private = append(private, PrivateFiles...)
	var stray []string
	for _, e := range entries {
		name := e.Name()
		if slices.Contains(known, name) || slices.Contains(private, name) || isMetaTemp(name) {
			continue
		}
		if isCompanion(name, known) {
			continue
		}
		stray = append(stray, name)
	}
	return stray, nil
}

func isMetaTemp(name string) bool {
	ok, _ := filepath.Match("meta.json.*.tmp", name)
	return ok
}

func isCompanion(name string, known []string) bool {
	for _, k := range known {
		for _, suffix := range CompanionSuffixes {
			if name == k+suffix {
				return true
			}
		}
	}
	return false
}
