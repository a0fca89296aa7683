package backup

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	ErrChecksumMismatch = errors.New("checksums do not match")
	ErrNoValidArchive   = errors.New("no valid archive")
	ErrBadGuard         = errors.New("malformed guard file")
)

const checksumType = "sha256"

func writeGuard(path string, sum []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err = fmt.Fprintf(f, "%s:%x\n", checksumType, sum); err != nil {
		_ = f.Close()
		return err
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// readGuard returns the checksum recorded in a guard. A zero-byte guard predates checksums
// and yields a nil sum.
func readGuard(path string) ([]byte, error) {
	dat, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dat = bytes.TrimSpace(dat)
	if len(dat) == 0 {
		return nil, nil
	}
	typ, value, ok := strings.Cut(string(dat), ":")
	if !ok || typ != checksumType {
		return nil, fmt.Errorf("%w: %s", ErrBadGuard, path)
	}
	sum, err := hex.DecodeString(value)
	if err != nil || len(sum) != sha256.Size {
		return nil, fmt.Errorf("%w: %s", ErrBadGuard, path)
	}
	return sum, nil
}

// VerifyArchive checks the archive of path against the checksum in its guard.
func (m *Manager) VerifyArchive(path string) error {
	a := m.ListArchives(path)[path]
	if !a.Valid() {
		return fmt.Errorf("%w: %s", ErrNoValidArchive, path)
	}
	return verify(a)
}

func verify(a Archive) error {
	want, err := readGuard(a.GuardPath)
	if err != nil {
		return err
	}
	if want == nil {
		return nil
	}
	file, err := os.Open(a.ArchivePath)
	if err != nil {
		return fmt.Errorf("error opening archive file: %w", err)
	}
	defer func() {
		_ = file.Close()
	}()
	hasher := sha256.New()
	if _, err = io.Copy(hasher, file); err != nil {
		return fmt.Errorf("error hashing archive file: %w", err)
	}
	if !bytes.Equal(want, hasher.Sum(nil)) {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, a.ArchivePath)
	}
	return nil
}
