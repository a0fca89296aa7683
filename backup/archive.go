package backup

import (
	"os"
	"sort"
)

const (
	// TarExt is appended to a managed file path before the codec extension.
	TarExt = ".tar"
	// GuardExt marks a completed archive.
	GuardExt = ".grd"
	// BrokenExt is inserted before TarExt for diagnostic dumps.
	BrokenExt = ".broken"
)

func ArchivePathFor(path string, c Codec) string {
	return path + TarExt + c.Ext()
}

func GuardPath(path string) string {
	return path + GuardExt
}

func BrokenPathFor(path string, c Codec) string {
	return path + BrokenExt + TarExt + c.Ext()
}

// Archive describes what exists on disk for one managed file.
type Archive struct {
	File        string
	ArchivePath string
	GuardPath   string
	Codec       Codec
	HasArchive  bool
	HasGuard    bool
}

// Valid reports whether the archive can be restored from.
func (a Archive) Valid() bool {
	return a.HasArchive && a.HasGuard
}

// ArchiveSet is keyed by managed file path.
type ArchiveSet map[string]Archive

// AllValid is false for an empty set.
func (as ArchiveSet) AllValid() bool {
	if len(as) == 0 {
		return false
	}
	for _, a := range as {
		if !a.Valid() {
			return false
		}
	}
	return true
}

// Invalid returns the sorted paths whose archive cannot be restored from.
func (as ArchiveSet) Invalid() []string {
	var out []string
	for p, a := range as {
		if !a.Valid() {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// Restorable returns the sorted paths whose archive is valid.
func (as ArchiveSet) Restorable() []string {
	var out []string
	for p, a := range as {
		if a.Valid() {
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

func exists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && !stat.IsDir()
}

// ListArchives reports which archives and guards exist. It never modifies anything.
func (m *Manager) ListArchives(paths ...string) ArchiveSet {
	set := make(ArchiveSet, len(paths))
	for _, p := range paths {
		a := Archive{
			File:      p,
			GuardPath: GuardPath(p),
			Codec:     m.codec,
		}
		a.ArchivePath = ArchivePathFor(p, m.codec)
		a.HasArchive = exists(a.ArchivePath)
		if !a.HasArchive {
			for _, c := range codecs {
				if c == m.codec || !exists(ArchivePathFor(p, c)) {
					continue
				}
				a.ArchivePath = ArchivePathFor(p, c)
				a.Codec = c
				a.HasArchive = true
				break
			}
		}
		a.HasGuard = exists(a.GuardPath)
		set[p] = a
	}
	return set
}
