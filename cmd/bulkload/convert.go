package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/loader"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
	"git.tcp.direct/tcp.direct/bulkload/migrate"
)

func newConvertCmd(s *session) *cobra.Command {
	var (
		to           string
		out          string
		clobber      bool
		skipExisting bool
	)
	cmd := &cobra.Command{
		Use:   "convert --to ENGINE --out DIR",
		Short: "Copy a database into another one, usually on a different engine",
		Long: `Copy every managed file of a database, with its capacity and derived flag, into the
database at --out. The destination is created with --to if it does not exist yet; otherwise
keys already present there are refused unless --clobber or --skip-existing is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			if out == "" {
				return fmt.Errorf("%w: --out is required", bulkload.ErrConfiguration)
			}
			if clobber && skipExisting {
				return fmt.Errorf("%w: --clobber and --skip-existing are exclusive", bulkload.ErrConfiguration)
			}

			src, err := loader.Open(loc)
			if err != nil {
				return err
			}
			defer func() {
				_ = src.Close()
			}()
			if src.State() == bulkload.HandleBroken {
				return fmt.Errorf("%w: database %s is broken", bulkload.ErrConfiguration, loc)
			}

			var dst *bulkload.Handle
			if _, serr := os.Stat(filepath.Join(out, metadata.FileName)); serr == nil {
				dst, err = loader.Open(out)
			} else {
				if to == "" {
					return fmt.Errorf("%w: --to is required for a new database", bulkload.ErrConfiguration)
				}
				dst, err = loader.Create(out, to)
			}
			if err != nil {
				return err
			}
			defer func() {
				if cerr := dst.Close(); cerr != nil {
					s.log.Warn().Err(cerr).Msg("failed to close destination")
				}
			}()

			m, err := migrate.NewMigrator(src.Engine, dst.Engine)
			if err != nil {
				return err
			}
			m = m.WithLogger(s.log)
			switch {
			case clobber:
				m = m.WithClobber()
			case skipExisting:
				m = m.WithSkipExisting()
			}
			if err = m.Migrate(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "converted %s (%s) to %s (%s)\n", loc, src.Type(), out, dst.Type())
			return nil
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&to, "to", "", "engine for a new destination database")
	flags.StringVar(&out, "out", "", "destination database directory")
	flags.BoolVar(&clobber, "clobber", false, "overwrite keys that already exist in the destination")
	flags.BoolVar(&skipExisting, "skip-existing", false, "keep keys that already exist in the destination")
	return cmd
}
