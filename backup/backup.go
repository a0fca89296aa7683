// Package backup is the archive manager for managed database files.
//
// Every managed file P may have three siblings on disk:
//
//	P.tar.zst         compressed tar stream of P (P.tar.gz with the gzip codec)
//	P.grd             guard; written only after the archive is flushed, holds "sha256:<hex>"
//	P.broken.tar.zst  diagnostic copy of a file that failed to import
//
// An archive without its guard was interrupted mid-write and is never restored from.
package backup

import (
	"archive/tar"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"git.tcp.direct/tcp.direct/bulkload"
)

// Manager takes, restores, lists and deletes archives of managed files.
// The zero value is not usable, see [NewManager].
type Manager struct {
	codec       Codec
	parallelism int
	log         zerolog.Logger
}

type Option func(*Manager)

// WithCodec selects the compression codec for newly written archives.
// Restores always pick the codec from whichever archive is on disk.
func WithCodec(c Codec) Option {
	return func(m *Manager) {
		m.codec = c
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = l.With().Str("caller", "backup").Logger()
	}
}

// WithParallelism bounds how many files are archived at once.
func WithParallelism(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.parallelism = n
		}
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		codec:       CodecZstd,
		parallelism: runtime.GOMAXPROCS(0),
		log:         zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Codec() Codec {
	return m.codec
}

// TakeBackup archives each path and writes its guard. On failure the partial archive is left
// behind without a guard and the returned error wraps [bulkload.ErrBackup].
func (m *Manager) TakeBackup(paths ...string) (ArchiveSet, error) {
	var (
		g    errgroup.Group
		errs = make([]error, len(paths))
	)
	g.SetLimit(m.parallelism)
	for i, p := range paths {
		g.Go(func() error {
			errs[i] = m.takeOne(p)
			return nil
		})
	}
	_ = g.Wait()

	var merr *multierror.Error
	for i, err := range errs {
		if err != nil {
			merr = multierror.Append(merr, bulkload.NamedErr(paths[i], err))
		}
	}
	if err := merr.ErrorOrNil(); err != nil {
		return m.ListArchives(paths...), fmt.Errorf("%w: %w", bulkload.ErrBackup, err)
	}
	return m.ListArchives(paths...), nil
}

func (m *Manager) takeOne(path string) error {
	start := m.log.Debug().Str("file", path)
	start.Msg("archiving")

	// a guard from a previous backup must not vouch for the new archive
	if err := os.Remove(GuardPath(path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("error removing old guard: %w", err)
	}
	// an archive in the other codec would shadow the new one
	for _, c := range codecs {
		if c != m.codec {
			_ = os.Remove(ArchivePathFor(path, c))
		}
	}

	sum, err := m.writeArchive(path, ArchivePathFor(path, m.codec))
	if err != nil {
		return err
	}
	if err = writeGuard(GuardPath(path), sum); err != nil {
		return fmt.Errorf("error writing guard: %w", err)
	}
	m.log.Info().Str("file", path).Str("archive", ArchivePathFor(path, m.codec)).Msg("archive written")
	return nil
}

// writeArchive streams src as a compressed tar into dst, syncs it and returns the checksum
// of the bytes written.
func (m *Manager) writeArchive(src, dst string) ([]byte, error) {
	stat, err := os.Stat(src)
	if err != nil {
		return nil, fmt.Errorf("error collecting files to archive: %w", err)
	}

	f, err := os.Create(dst)
	if err != nil {
		return nil, fmt.Errorf("error creating archive file: %w", err)
	}
	summah := sha256.New()
	cw, err := m.codec.NewWriter(io.MultiWriter(f, summah))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error creating %s writer: %w", m.codec, err)
	}

	tw := tar.NewWriter(cw)
	if stat.IsDir() {
		err = tw.AddFS(os.DirFS(src))
	} else {
		err = addSingleFile(tw, src, stat)
	}
	if err != nil {
		_ = cw.Close()
		_ = f.Close()
		return nil, fmt.Errorf("error adding files to archive: %w", err)
	}
	if err = tw.Close(); err != nil {
		_ = cw.Close()
		_ = f.Close()
		return nil, fmt.Errorf("error closing tar stream: %w", err)
	}
	if err = cw.Close(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error closing %s stream: %w", m.codec, err)
	}
	if err = f.Sync(); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("error syncing archive file: %w", err)
	}
	if err = f.Close(); err != nil {
		return nil, fmt.Errorf("error closing archive file: %w", err)
	}
	return summah.Sum(nil), nil
}

func addSingleFile(tw *tar.Writer, src string, stat os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(stat, "")
	if err != nil {
		return err
	}
	hdr.PAXRecords = map[string]string{paxKind: kindFile}
	if err = tw.WriteHeader(hdr); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() {
		_ = in.Close()
	}()
	_, err = io.Copy(tw, in)
	return err
}

// DumpBroken writes a diagnostic copy of each path next to it and returns the paths written.
// No guard is written; broken dumps are never restored from.
func (m *Manager) DumpBroken(paths ...string) ([]string, error) {
	var (
		written []string
		merr    *multierror.Error
	)
	for _, p := range paths {
		dst := BrokenPathFor(p, m.codec)
		if _, err := m.writeArchive(p, dst); err != nil {
			merr = multierror.Append(merr, bulkload.NamedErr(p, err))
			continue
		}
		m.log.Warn().Str("file", p).Str("dump", dst).Msg("saved copy of broken file")
		written = append(written, dst)
	}
	return written, merr.ErrorOrNil()
}

// DeleteBackup removes archives and guards. Missing files are not an error.
func (m *Manager) DeleteBackup(paths ...string) error {
	var merr *multierror.Error
	for _, p := range paths {
		targets := []string{GuardPath(p)}
		for _, c := range codecs {
			targets = append(targets, ArchivePathFor(p, c))
		}
		for _, t := range targets {
			if err := os.Remove(t); err != nil && !errors.Is(err, os.ErrNotExist) {
				merr = multierror.Append(merr, err)
			}
		}
	}
	return merr.ErrorOrNil()
}
