package main

import (
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/backup"
	"git.tcp.direct/tcp.direct/bulkload/bitcask"
	"git.tcp.direct/tcp.direct/bulkload/load"
	"git.tcp.direct/tcp.direct/bulkload/loader"
)

func newCreateCmd(s *session) *cobra.Command {
	var (
		capacity    int64
		maxDatafile int
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an empty database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("capacity") {
				s.cfg.Database.Capacity = capacity
			}
			if s.cfg.Database.Capacity < 0 {
				return fmt.Errorf("%w: negative capacity", bulkload.ErrConfiguration)
			}
			var opts []any
			if cmd.Flags().Changed("max-datafile-size") {
				if s.cfg.Database.Engine != "bitcask" || maxDatafile <= 0 {
					return fmt.Errorf("%w: --max-datafile-size needs a positive size and the bitcask engine",
						bulkload.ErrConfiguration)
				}
				opts = append(opts, bitcask.WithMaxDatafileSize(maxDatafile))
			}
			h, err := loader.Create(loc, s.cfg.Database.Engine, opts...)
			if err != nil {
				return err
			}
			if err = load.InitSchema(h.Engine, s.cfg.Database.Capacity); err != nil {
				_ = h.Close()
				return err
			}
			s.log.Info().Str("db", loc).Str("engine", s.cfg.Database.Engine).
				Int64("capacity", s.cfg.Database.Capacity).Msg("database created")
			return h.Close()
		},
	}
	cmd.Flags().Int64Var(&capacity, "capacity", 0, "bytes per record file, 0 for unlimited")
	cmd.Flags().IntVar(&maxDatafile, "max-datafile-size", 0, "bytes per bitcask datafile before it rotates")
	return cmd
}

func capacityText(c int64) string {
	if c == 0 {
		return "unlimited"
	}
	return strconv.FormatInt(c, 10)
}

func archiveText(a backup.Archive) string {
	switch {
	case a.Valid():
		return "valid (" + string(a.Codec) + ")"
	case a.HasArchive:
		return "unguarded"
	case a.HasGuard:
		return "guard only"
	default:
		return "-"
	}
}

// newStatusCmd reads meta.json directly, so it works while a worker holds the database.
func newStatusCmd(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show per-file status, capacity and backups",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			meta, err := loader.ReadMeta(loc)
			if err != nil {
				return err
			}
			archives, err := s.cfg.Archive.Manager(s.log)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "database: %s\nengine:   %s\nrecords:  %d\nimport:   %v\n\n",
				loc, meta.Type(), meta.Next(), loader.ImportRunning(loc))

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tKIND\tSTATUS\tCAPACITY\tBACKUP")
			for _, f := range meta.ManagedFiles(loc) {
				kind := "record"
				if f.Derived {
					kind = "derived"
					if f.Stale {
						kind += " (stale)"
					}
				}
				a := archives.ListArchives(f.Path)[f.Path]
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Name, kind, f.Status, capacityText(f.Capacity), archiveText(a))
			}
			return tw.Flush()
		},
	}
}

func newArchivesCmd(s *session) *cobra.Command {
	var verify, restore, discard bool
	cmd := &cobra.Command{
		Use:   "archives",
		Short: "List backup archives and diagnostic dumps",
		Long: `List backup archives and diagnostic dumps.

Valid archives outside a running import were left by one that never finished, and block the
next import until they are resolved: --restore puts the archived files back, --discard drops
the archives and keeps the files as they are. A broken database can only be restored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			archives, err := s.cfg.Archive.Manager(s.log)
			if err != nil {
				return err
			}
			switch {
			case restore && discard:
				return fmt.Errorf("%w: --restore and --discard are exclusive", bulkload.ErrConfiguration)
			case restore || discard:
				return resolveArchives(cmd, s, loc, archives, restore)
			}
			meta, err := loader.ReadMeta(loc)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FILE\tARCHIVE\tSTATE\tCHECKSUM\tBROKEN DUMP")
			var failed int
			for _, f := range meta.ManagedFiles(loc) {
				a := archives.ListArchives(f.Path)[f.Path]
				sum := "-"
				if verify && a.Valid() {
					sum = "ok"
					if verr := archives.VerifyArchive(f.Path); verr != nil {
						sum = verr.Error()
						failed++
					}
				}
				dump := "-"
				for _, c := range []backup.Codec{backup.CodecZstd, backup.CodecGzip} {
					if p := backup.BrokenPathFor(f.Path, c); fileExists(p) {
						dump = p
					}
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", f.Name, a.ArchivePath, archiveText(a), sum, dump)
			}
			if err = tw.Flush(); err != nil {
				return err
			}
			if failed > 0 {
				return fmt.Errorf("%d archive(s) failed verification", failed)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&verify, "verify", false, "check every valid archive against its guard checksum")
	cmd.Flags().BoolVar(&restore, "restore", false, "restore every file that has a valid archive, then drop the archives")
	cmd.Flags().BoolVar(&discard, "discard", false, "drop the archives and keep the files as they are")
	return cmd
}

// resolveArchives settles the archives an unfinished import left behind.
func resolveArchives(cmd *cobra.Command, s *session, loc string, archives *backup.Manager, restore bool) error {
	h, err := loader.Open(loc)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); cerr != nil {
			s.log.Warn().Err(cerr).Msg("failed to close database")
		}
	}()

	byPath := make(map[string]string)
	var paths []string
	for _, f := range h.ManagedFiles() {
		byPath[f.Path] = f.Name
		paths = append(paths, f.Path)
	}
	paths = archives.ListArchives(paths...).Restorable()
	if len(paths) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no archives to resolve")
		return nil
	}
	names := make([]string, 0, len(paths))
	for _, p := range paths {
		names = append(names, byPath[p])
	}
	log := s.log.With().Str("db", loc).Strs("files", names).Logger()

	if !restore {
		if h.State() == bulkload.HandleBroken {
			return fmt.Errorf("%w: database %s is broken, restore it instead", bulkload.ErrConfiguration, loc)
		}
		if err = archives.DeleteBackup(paths...); err != nil {
			return err
		}
		log.Info().Msg("archives discarded")
		fmt.Fprintf(cmd.OutOrStdout(), "discarded archives of %v\n", names)
		return nil
	}

	if err = h.CloseFiles(names...); err != nil {
		return err
	}
	if err = archives.RestoreBackup(paths...); err != nil {
		return err
	}
	if err = h.ResetStatus(names...); err != nil {
		return err
	}
	if err = h.ReopenFiles(names...); err != nil {
		return err
	}
	// derived data may have been built from what the restore just replaced
	if err = h.MarkDerivedStale(); err != nil {
		return err
	}
	if err = archives.DeleteBackup(paths...); err != nil {
		log.Warn().Err(err).Msg("restored, but failed to drop the archives")
	}
	statuses, err := h.FileStatus()
	if err != nil {
		return err
	}
	for name, st := range statuses {
		if st != bulkload.StatusNormal {
			return fmt.Errorf("%w: %s is still %s after the restore", bulkload.ErrUnrecognizedEngineState, name, st)
		}
	}
	h.SetState(bulkload.HandleOpen)
	log.Info().Msg("archives restored")
	fmt.Fprintf(cmd.OutOrStdout(), "restored %v from their archives\n", names)
	return nil
}

func newReindexCmd(s *session) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild derived data marked stale by an import",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			h, err := loader.Open(loc)
			if err != nil {
				return err
			}
			defer func() {
				_ = h.Close()
			}()
			if h.State() == bulkload.HandleBroken {
				return fmt.Errorf("%w: database %s is broken", bulkload.ErrConfiguration, loc)
			}
			rebuilt, err := load.RebuildDerived(cmd.Context(), h.Engine, force, s.log)
			if err != nil {
				return err
			}
			if !rebuilt {
				fmt.Fprintln(cmd.OutOrStdout(), "derived data is up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "rebuild even if nothing is stale")
	return cmd
}

func newDeleteCmd(s *session) *cobra.Command {
	var (
		files []string
		yes   bool
	)
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Irreversibly remove managed files, or the whole database",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			if !yes {
				return fmt.Errorf("%w: refusing to delete without --yes", bulkload.ErrConfiguration)
			}
			h, err := loader.Open(loc)
			if err != nil {
				return err
			}
			defer func() {
				_ = h.Close()
			}()
			if len(files) == 0 {
				files = bulkload.FileNames(h.ManagedFiles(), false)
			}
			stray, err := h.DeleteDatabase(files...)
			if err != nil {
				return err
			}
			s.log.Info().Strs("files", files).Msg("deleted")
			for _, name := range stray {
				fmt.Fprintf(cmd.OutOrStdout(), "left in place, not ours: %s\n", name)
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&files, "files", nil, "files to delete (default every managed file)")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm")
	return cmd
}

func fileExists(path string) bool {
	stat, err := os.Stat(path)
	return err == nil && !stat.IsDir()
}
