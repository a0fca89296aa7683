// Command bulkload creates chess-game databases and imports PGN files into them, backing the
// target files up first and recovering when the worker leaves them full or broken.
package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	_ "git.tcp.direct/tcp.direct/bulkload/bitcask"
	"git.tcp.direct/tcp.direct/bulkload/config"
	_ "git.tcp.direct/tcp.direct/bulkload/pogreb"
)

// session is what every subcommand shares once flags and the config file are resolved.
type session struct {
	cfg config.Config
	log zerolog.Logger

	configPath string
	db         string
	engine     string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	s := &session{log: zerolog.Nop()}
	root := &cobra.Command{
		Use:           "bulkload",
		Short:         "Bulk-import chess games into a pluggable key/value database",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return s.resolve(cmd)
		},
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&s.configPath, "config", "c", "", "config file (default ./"+config.FileName+" if present)")
	pf.StringVar(&s.db, "db", "", "database directory")
	pf.StringVar(&s.engine, "engine", "", "storage engine for new databases (bitcask, pogreb)")
	pf.StringVar(&s.logLevel, "log-level", "", "log level")
	pf.StringVar(&s.logFormat, "log-format", "", "log format (console, json)")

	root.AddCommand(
		newCreateCmd(s),
		newImportCmd(s),
		newWorkerCmd(s),
		newStatusCmd(s),
		newArchivesCmd(s),
		newReindexCmd(s),
		newDeleteCmd(s),
		newConvertCmd(s),
	)
	return root
}

// resolve loads the config file and lets flags override it.
func (s *session) resolve(cmd *cobra.Command) error {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("db") {
		cfg.Database.Path = s.db
	}
	if flags.Changed("engine") {
		cfg.Database.Engine = s.engine
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = s.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = s.logFormat
	}
	if err = cfg.Validate(); err != nil {
		return err
	}
	if s.log, err = cfg.Log.Logger(os.Stderr); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Error().Err(err).Msg("bulkload failed")
		os.Exit(1)
	}
}
