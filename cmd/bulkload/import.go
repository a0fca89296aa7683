package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/dispatch"
	"git.tcp.direct/tcp.direct/bulkload/load"
	"git.tcp.direct/tcp.direct/bulkload/loader"
	"git.tcp.direct/tcp.direct/bulkload/orchestrator"
)

func (s *session) location() (string, error) {
	if s.cfg.Database.Path == "" {
		return "", fmt.Errorf("%w: no database given, use --db or database.path", bulkload.ErrConfiguration)
	}
	return s.cfg.Database.Path, nil
}

func newImportCmd(s *session) *cobra.Command {
	var (
		noBackup   bool
		chunk      int
		multiPhase bool
		enlarge    int
		reindex    bool
		metrics    string
	)
	cmd := &cobra.Command{
		Use:   "import [flags] FILE...",
		Short: "Load PGN files into the database",
		Long: `Load PGN files into the record files of a database.

The target files are archived first unless --no-backup is given. The load itself runs in a
separate worker process; when it fills a file the database is restored, the full files are
enlarged and the load is retried once.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			ic := s.cfg.Import
			flags := cmd.Flags()
			if flags.Changed("no-backup") {
				ic.Backup = !noBackup
			}
			if flags.Changed("chunk") {
				ic.ChunkSize = chunk
			}
			if flags.Changed("multi-phase") {
				ic.MultiPhase = multiPhase
			}
			if flags.Changed("enlarge") {
				ic.EnlargePercent = enlarge
			}
			if flags.Changed("metrics-file") {
				ic.MetricsFile = metrics
			}

			// the worker may not share our working directory assumptions
			inputs := make([]string, 0, len(args))
			for _, in := range args {
				abs, aerr := filepath.Abs(in)
				if aerr != nil {
					return aerr
				}
				if _, serr := os.Stat(abs); serr != nil {
					return fmt.Errorf("%w: %w", bulkload.ErrConfiguration, serr)
				}
				inputs = append(inputs, abs)
			}

			h, err := loader.Open(loc)
			if err != nil {
				return err
			}
			defer func() {
				if cerr := h.Close(); cerr != nil {
					s.log.Warn().Err(cerr).Msg("failed to close database")
				}
			}()

			archives, err := s.cfg.Archive.Manager(s.log)
			if err != nil {
				return err
			}
			launcher, err := dispatch.NewExecLauncher(ic.WorkerExecutable, s.log)
			if err != nil {
				return err
			}
			o := orchestrator.New(archives,
				dispatch.NewDispatcher(launcher, dispatch.WithLogger(s.log)),
				orchestrator.WithLogger(s.log),
				orchestrator.WithEnlargePercent(ic.EnlargePercent),
				orchestrator.WithPollInterval(ic.PollInterval),
			)

			if ic.MetricsFile != "" {
				defer func() {
					if merr := prometheus.WriteToTextfile(ic.MetricsFile, prometheus.DefaultGatherer); merr != nil {
						s.log.Warn().Err(merr).Str("path", ic.MetricsFile).Msg("failed to write metrics")
					}
				}()
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ticket, err := o.RequestImport(ctx, h, inputs, ic.Backup, ic.Worker())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), orchestrator.TextImporting)
			st, err := o.Wait(ctx, ticket)
			if err != nil {
				s.log.Warn().Err(err).Str("ticket", string(ticket)).
					Msg("stopped waiting; the worker keeps running and the database stays locked until it exits")
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), st.Text())
			if st.Phase == orchestrator.Failed {
				return fmt.Errorf("%s: %w", st.Text(), st.Reason)
			}
			if reindex {
				if _, err = load.RebuildDerived(ctx, h.Engine, false, s.log); err != nil {
					return fmt.Errorf("import complete, rebuilding derived data failed: %w", err)
				}
			}
			return nil
		},
	}
	flags := cmd.Flags()
	flags.BoolVar(&noBackup, "no-backup", false, "skip the backup; a failed import leaves the database broken")
	flags.IntVar(&chunk, "chunk", 0, "games per sub-batch (selects the chunked worker)")
	flags.BoolVar(&multiPhase, "multi-phase", false, "write headers in a second phase")
	flags.IntVar(&enlarge, "enlarge", 0, "percent to grow a full file by before retrying")
	flags.BoolVar(&reindex, "reindex", false, "rebuild derived data once the import succeeds")
	flags.StringVar(&metrics, "metrics-file", "", "write import metrics here in the Prometheus text format")
	return cmd
}

func newWorkerCmd(s *session) *cobra.Command {
	var (
		mode  string
		chunk int
		files []string
	)
	cmd := &cobra.Command{
		Use:    "worker --db PATH --mode MODE [--chunk N] [--files a,b] -- FILE...",
		Short:  "Run a bulk-load worker (started by import)",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			loc, err := s.location()
			if err != nil {
				return err
			}
			kind, err := bulkload.ParseWorkerKind(mode)
			if err != nil {
				return err
			}
			// the controller forwards our stderr line by line
			log := zerolog.New(os.Stderr).Level(s.log.GetLevel()).With().Timestamp().Int("pid", os.Getpid()).Logger()

			res, err := load.Work(cmd.Context(), loc, load.Request{
				Targets: files,
				Inputs:  args,
				Kind:    kind,
				Chunk:   chunk,
			}, log)
			if errors.Is(err, bulkload.ErrEngineFileFull) {
				// reported through the file status; the exit code is advisory
				log.Warn().Err(err).Int("games", res.Games).Msg("stopped on a full file")
				return nil
			}
			return err
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&mode, "mode", bulkload.SinglePass.String(), "worker variant")
	flags.IntVar(&chunk, "chunk", 0, "games per sub-batch for the chunked worker")
	flags.StringSliceVar(&files, "files", nil, "target files")
	return cmd
}
