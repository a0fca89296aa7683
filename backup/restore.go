package backup

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
)

const (
	paxKind  = "BULKLOAD.kind"
	kindFile = "file"
)

// RestoreBackup replaces each path with the contents of its archive. Every path must have a
// valid archive before anything is touched; otherwise [ErrNoValidArchive] is returned.
func (m *Manager) RestoreBackup(paths ...string) error {
	set := m.ListArchives(paths...)
	if invalid := set.Invalid(); len(invalid) > 0 {
		return fmt.Errorf("%w: %v", ErrNoValidArchive, invalid)
	}

	var merr *multierror.Error
	for _, p := range paths {
		a := set[p]
		if err := verify(a); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if err := m.restoreOne(a); err != nil {
			merr = multierror.Append(merr, fmt.Errorf("%s: %w", p, err))
			continue
		}
		m.log.Info().Str("file", p).Str("archive", a.ArchivePath).Msg("restored from archive")
	}
	return merr.ErrorOrNil()
}

// restoreOne extracts into a scratch directory first so a failed extraction leaves the
// current contents in place.
func (m *Manager) restoreOne(a Archive) error {
	scratch := a.File + ".restoring"
	_ = os.RemoveAll(scratch)
	if err := os.MkdirAll(scratch, 0o700); err != nil {
		return fmt.Errorf("error creating scratch directory: %w", err)
	}
	defer func() {
		_ = os.RemoveAll(scratch)
	}()

	single, err := extract(a, scratch)
	if err != nil {
		return err
	}

	if err = os.RemoveAll(a.File); err != nil {
		return fmt.Errorf("error removing current contents: %w", err)
	}
	src := scratch
	if single != "" {
		src = filepath.Join(scratch, single)
	}
	if err = os.Rename(src, a.File); err != nil {
		return fmt.Errorf("error moving restored contents into place: %w", err)
	}
	return nil
}

// extract unpacks the archive into outPath. When the archive holds a single plain file
// its name is returned.
func extract(a Archive, outPath string) (single string, err error) {
	f, err := os.Open(a.ArchivePath)
	if err != nil {
		return "", fmt.Errorf("error opening archive file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	cr, err := a.Codec.NewReader(f)
	if err != nil {
		return "", fmt.Errorf("error creating %s reader: %w", a.Codec, err)
	}
	defer func() {
		_ = cr.Close()
	}()

	buf := make([]byte, 32*1024)
	tfr := tar.NewReader(cr)

	for {
		entry, nerr := tfr.Next()
		if errors.Is(nerr, io.EOF) {
			break
		}
		if nerr != nil {
			return "", fmt.Errorf("error reading tar stream: %w", nerr)
		}
		if !filepath.IsLocal(entry.Name) {
			return "", fmt.Errorf("tar stream contains invalid path: %s", entry.Name)
		}
		target := filepath.Join(outPath, entry.Name)
		switch entry.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, 0o755); err != nil {
				return "", fmt.Errorf("error creating directory: %w", err)
			}
		case tar.TypeReg:
			if entry.PAXRecords[paxKind] == kindFile {
				single = entry.Name
			}
			if err = os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return "", fmt.Errorf("error creating directory: %w", err)
			}
			if err = writeEntry(target, os.FileMode(entry.Mode).Perm(), tfr, buf); err != nil {
				return "", err
			}
		default:
			return "", fmt.Errorf("unsupported tar entry type: %c", entry.Typeflag)
		}
	}
	return single, nil
}

func writeEntry(target string, mode os.FileMode, r io.Reader, buf []byte) error {
	if mode == 0 {
		mode = 0o644
	}
	file, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("error creating file %s: %w", target, err)
	}
	if _, err = io.CopyBuffer(file, r, buf); err != nil {
		_ = file.Close()
		return fmt.Errorf("error writing file: %w", err)
	}
	if err = file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("error syncing file (%s): %w", file.Name(), err)
	}
	if err = file.Close(); err != nil {
		return fmt.Errorf("error closing file (%s): %w", file.Name(), err)
	}
	return nil
}
