// Package orchestrator sequences an import: backup, dispatch, waiting for the worker,
// classifying what it left behind and recovering from it.
//
// Only the per-attempt monitor goroutine ever blocks on a worker. Everything else happens when
// the caller drains completions, on its own schedule, through [Orchestrator.Drain],
// [Orchestrator.PollStatus] or [Orchestrator.Run].
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/backup"
	"git.tcp.direct/tcp.direct/bulkload/dispatch"
)

var ErrUnknownTicket = errors.New("unknown import ticket")

// Ticket identifies one import request.
type Ticket string

func newTicket() Ticket {
	return Ticket(uuid.NewString())
}

// Archiver is the part of [backup.Manager] the pipeline needs.
type Archiver interface {
	TakeBackup(paths ...string) (backup.ArchiveSet, error)
	RestoreBackup(paths ...string) error
	DeleteBackup(paths ...string) error
	DumpBroken(paths ...string) ([]string, error)
	ListArchives(paths ...string) backup.ArchiveSet
}

// DefaultPollInterval is how often Run and Wait drain completions.
const DefaultPollInterval = 250 * time.Millisecond

type Orchestrator struct {
	archives       Archiver
	dispatcher     *dispatch.Dispatcher
	enlargePercent int
	interval       time.Duration
	newTicker      func(d time.Duration) (tick <-chan time.Time, stop func())
	log            zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*flight
	byTicket map[Ticket]*flight
	finished map[Ticket]Status
}

type Option func(*Orchestrator)

func WithLogger(l zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.log = l
	}
}

// WithEnlargePercent sets how much a full file grows before the retry.
func WithEnlargePercent(pct int) Option {
	return func(o *Orchestrator) {
		if pct > 0 {
			o.enlargePercent = pct
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.interval = d
		}
	}
}

// WithTicker replaces time.NewTicker for Run and Wait.
func WithTicker(newTicker func(d time.Duration) (<-chan time.Time, func())) Option {
	return func(o *Orchestrator) {
		o.newTicker = newTicker
	}
}

func New(archives Archiver, dispatcher *dispatch.Dispatcher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		archives:       archives,
		dispatcher:     dispatcher,
		enlargePercent: DefaultEnlargePercent,
		interval:       DefaultPollInterval,
		newTicker:      defaultNewTicker,
		log:            zerolog.Nop(),
		inflight:       make(map[string]*flight),
		byTicket:       make(map[Ticket]*flight),
		finished:       make(map[Ticket]Status),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func defaultNewTicker(d time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(d)
	return t.C, t.Stop
}

type completion struct {
	code int
	err  error
}

// flight is an attempt that has not reached Idle yet.
type flight struct {
	attempt *Attempt
	h       *bulkload.Handle
	paths   map[string]string
	done    chan completion
	log     zerolog.Logger
	// mu serializes everything that steps the attempt.
	mu *sync.Mutex
}

func (fl *flight) pathsOf(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		out = append(out, fl.paths[n])
	}
	return out
}

// RequestImport starts importing inputs into every record file of h. When backup is set the
// targets are archived first, synchronously. The worker runs in the background; follow it
// with PollStatus.
//
// The handle itself is claimed, so a second request for a database that is already importing
// fails with [bulkload.ErrBusy] whichever Orchestrator made the first one. So does a request
// for targets that still have valid archives: those are left by an attempt that was never
// resolved and must be restored or discarded first. Configuration errors fail before anything
// is touched and return no ticket. A failed backup or launch returns the ticket of the aborted
// attempt along with the error.
func (o *Orchestrator) RequestImport(ctx context.Context, h *bulkload.Handle, inputs []string, withBackup bool, wc dispatch.Config) (Ticket, error) {
	if h == nil {
		return "", fmt.Errorf("%w: database is not open", bulkload.ErrConfiguration)
	}
	if err := stateErr(h); err != nil {
		return "", err
	}
	if len(inputs) == 0 {
		return "", fmt.Errorf("%w: no input files", bulkload.ErrConfiguration)
	}
	sel, err := dispatch.SelectWorker(h.Type(), wc)
	if err != nil {
		return "", err
	}
	files := h.ManagedFiles()
	targets := bulkload.FileNames(files, true)
	if len(targets) == 0 {
		return "", fmt.Errorf("%w: database has no record files", bulkload.ErrConfiguration)
	}

	a := NewAttempt(newTicket(), h.Location(), targets, inputs, withBackup, sel)
	a.EnlargePercent = o.enlargePercent
	fl := &flight{
		attempt: a,
		h:       h,
		paths:   make(map[string]string, len(files)),
		done:    make(chan completion, 1),
		log:     o.log.With().Str("db", h.Location()).Str("ticket", string(a.Ticket)).Logger(),
		mu:      &sync.Mutex{},
	}
	for _, f := range files {
		fl.paths[f.Name] = f.Path
	}
	if left := o.archives.ListArchives(fl.pathsOf(targets)...).Restorable(); len(left) > 0 {
		return "", fmt.Errorf("%w: %s has valid archives left by an unresolved import: %v",
			bulkload.ErrBusy, h.Location(), left)
	}

	if !h.CompareAndSwapState(bulkload.HandleOpen, bulkload.HandleImporting) {
		if err := stateErr(h); err != nil {
			return "", err
		}
		return "", fmt.Errorf("%w: %s is %s", bulkload.ErrBusy, h.Location(), h.State())
	}
	o.mu.Lock()
	if _, busy := o.inflight[h.Location()]; busy {
		o.mu.Unlock()
		h.SetState(bulkload.HandleOpen)
		return "", fmt.Errorf("%w: %s", bulkload.ErrBusy, h.Location())
	}
	o.inflight[h.Location()] = fl
	o.byTicket[a.Ticket] = fl
	o.mu.Unlock()

	fl.log.Info().Strs("inputs", inputs).Bool("backup", withBackup).Str("worker", sel.String()).Msg("import requested")

	fl.mu.Lock()
	defer fl.mu.Unlock()
	a.Step(Event{Kind: EventRequested})
	o.process(ctx, fl)
	if a.Outcome == Aborted {
		return a.Ticket, a.Err
	}
	return a.Ticket, nil
}

func stateErr(h *bulkload.Handle) error {
	switch h.State() {
	case bulkload.HandleClosed:
		return fmt.Errorf("%w: database is not open", bulkload.ErrConfiguration)
	case bulkload.HandleBroken:
		return fmt.Errorf("%w: database %s is marked broken", bulkload.ErrConfiguration, h.Location())
	}
	return nil
}

// Drain handles every worker completion posted since the last call, without blocking on
// workers still running. It returns how many completions it handled.
func (o *Orchestrator) Drain() int {
	o.mu.Lock()
	flights := make([]*flight, 0, len(o.inflight))
	for _, fl := range o.inflight {
		flights = append(flights, fl)
	}
	o.mu.Unlock()

	n := 0
	for _, fl := range flights {
		select {
		case c := <-fl.done:
			o.complete(fl, c)
			n++
		default:
		}
	}
	return n
}

func (o *Orchestrator) complete(fl *flight, c completion) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	a := fl.attempt
	if a.Worker != nil {
		workerDurationSeconds.WithLabelValues(a.Selection.Kind.String()).Observe(time.Since(a.Worker.Started).Seconds())
	}
	ev := fl.log.Info()
	if c.err != nil {
		ev = fl.log.Warn().Err(c.err)
	}
	ev.Int("exit_code", c.code).Msg("worker exited, classifying from engine status")
	a.Step(Event{Kind: EventWorkerExited, ExitCode: c.code})
	o.process(context.Background(), fl)
}

// process runs queued actions in order until the attempt waits on its worker or is done.
func (o *Orchestrator) process(ctx context.Context, fl *flight) {
	a := fl.attempt
	for {
		act, ok := a.Next()
		if !ok {
			return
		}
		fl.log.Debug().Stringer("state", a.State).Stringer("action", act).Msg("running action")
		if ev := o.execute(ctx, fl, act); ev != nil {
			a.Step(*ev)
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, fl *flight, act Action) *Event {
	a, h := fl.attempt, fl.h
	var err error
	switch act.Kind {
	case ActionTakeBackup:
		start := time.Now()
		// engines keep lock and index files open; archive the targets at rest
		if err = h.CloseFiles(act.Files...); err == nil {
			_, err = o.archives.TakeBackup(fl.pathsOf(act.Files)...)
		}
		if err != nil {
			if rerr := h.ReopenFiles(act.Files...); rerr != nil {
				h.SetState(bulkload.HandleBroken)
				err = errors.Join(err, fmt.Errorf("error reopening targets: %w", rerr))
			}
			fl.log.Error().Err(err).Msg("backup failed, import aborted")
			return &Event{Kind: EventBackupFailed, Err: err}
		}
		backupDurationSeconds.Observe(time.Since(start).Seconds())
		return &Event{Kind: EventBackupTaken}

	case ActionDispatch:
		if a.Retries > 0 {
			importRetriesTotal.Inc()
		}
		wh, derr := o.dispatcher.Dispatch(ctx, a.Selection, h, act.Files, a.Inputs)
		if derr != nil {
			fl.log.Error().Err(derr).Msg("dispatch failed, import aborted")
			return &Event{Kind: EventDispatchFailed, Err: derr}
		}
		a.Worker = wh
		return &Event{Kind: EventDispatched}

	case ActionAwait:
		go func(wh *dispatch.WorkerHandle, done chan<- completion) {
			code, werr := wh.Wait()
			done <- completion{code: code, err: werr}
		}(a.Worker, fl.done)
		return nil

	case ActionClassify:
		statuses, serr := h.FileStatus()
		if serr != nil {
			fl.log.Warn().Err(serr).Msg("status query failed, treating every target as unknown")
		}
		ev := &Event{Kind: EventClassified, Statuses: statuses, Err: serr}
		if a.BackupTaken {
			paths := fl.pathsOf(act.Files)
			invalid := o.archives.ListArchives(paths...).Invalid()
			for i, p := range paths {
				if slices.Contains(invalid, p) {
					ev.MissingArchives = append(ev.MissingArchives, act.Files[i])
				}
			}
		}
		return ev

	case ActionMarkStale:
		err = h.MarkDerivedStale()
	case ActionDeleteBackup:
		err = o.archives.DeleteBackup(fl.pathsOf(act.Files)...)
	case ActionDumpBroken:
		var written []string
		written, err = o.archives.DumpBroken(fl.pathsOf(act.Files)...)
		if err == nil {
			fl.log.Warn().Strs("dumps", written).Msg("saved copies of broken files")
		}
	case ActionRestoreBackup:
		err = o.archives.RestoreBackup(fl.pathsOf(act.Files)...)
	case ActionResetStatus:
		err = h.ResetStatus(act.Files...)
	case ActionEnlargeCapacity:
		var errs []error
		for _, name := range act.Files {
			grown, gerr := h.EnlargeCapacity(name, a.EnlargePercent)
			if gerr != nil {
				errs = append(errs, bulkload.NamedErr(name, gerr))
				continue
			}
			fl.log.Info().Str("file", name).Int64("capacity", grown).Msg("enlarged capacity for retry")
		}
		err = errors.Join(errs...)
	case ActionReopen:
		err = h.ReopenFiles(act.Files...)
	case ActionFinish:
		o.finish(fl)
		return &Event{Kind: EventFinished}
	default:
		err = fmt.Errorf("unknown action %s", act.Kind)
	}

	if err != nil {
		actionFailuresTotal.WithLabelValues(act.Kind.String()).Inc()
		fl.log.Error().Err(err).Stringer("action", act).Stringer("state", a.State).Msg("action failed")
		return &Event{Kind: EventActionFailed, Action: act.Kind, Err: err}
	}
	return nil
}

func (o *Orchestrator) finish(fl *flight) {
	a, h := fl.attempt, fl.h
	switch a.State {
	case FailedNoBackup:
		h.SetState(bulkload.HandleBroken)
	case Aborted:
		// the dispatcher settles the handle once it got that far, a failed reopen marks it broken
		h.CompareAndSwapState(bulkload.HandleImporting, bulkload.HandleOpen)
	default:
		h.SetState(bulkload.HandleOpen)
	}
	importOutcomesTotal.WithLabelValues(a.State.String()).Inc()

	st := statusOf(a)
	ev := fl.log.Info()
	if st.Phase == Failed {
		ev = fl.log.Error().Err(a.Err)
	}
	ev.Stringer("outcome", a.State).Int("retries", a.Retries).Msg(st.Text())

	o.mu.Lock()
	delete(o.inflight, a.Location)
	delete(o.byTicket, a.Ticket)
	o.finished[a.Ticket] = st
	o.mu.Unlock()
}

// PollStatus drains pending completions, then reports where the ticket's attempt is.
func (o *Orchestrator) PollStatus(t Ticket) (Status, error) {
	o.Drain()
	o.mu.Lock()
	if st, ok := o.finished[t]; ok {
		o.mu.Unlock()
		return st, nil
	}
	fl, ok := o.byTicket[t]
	o.mu.Unlock()
	if !ok {
		return Status{Ticket: t}, fmt.Errorf("%w: %s", ErrUnknownTicket, t)
	}
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return statusOf(fl.attempt), nil
}

// Busy reports whether location has an unresolved attempt.
func (o *Orchestrator) Busy(location string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.inflight[location]
	return ok
}

// Run drains completions every poll interval until ctx ends.
func (o *Orchestrator) Run(ctx context.Context) {
	tick, stop := o.newTicker(o.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			o.Drain()
		}
	}
}

// Wait polls t until its attempt is done or ctx ends.
func (o *Orchestrator) Wait(ctx context.Context, t Ticket) (Status, error) {
	st, err := o.PollStatus(t)
	if err != nil || st.Phase.Done() {
		return st, err
	}
	tick, stop := o.newTicker(o.interval)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return st, ctx.Err()
		case <-tick:
			if st, err = o.PollStatus(t); err != nil || st.Phase.Done() {
				return st, err
			}
		}
	}
}
