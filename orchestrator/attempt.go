package orchestrator

import (
	"errors"
	"fmt"
	"slices"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/dispatch"
)

// State is where an [Attempt] is in the import pipeline.
type State uint8

const (
	Idle State = iota
	BackupDecision
	Dispatched
	AwaitingCompletion
	Classifying
	Succeeded
	RetryQueued
	FailedNoBackup
	FailedWithBackup
	BrokenSaved
	// Aborted ends an attempt refused before its worker ran: bad configuration, a failed
	// backup or a failed launch. Nothing was written.
	Aborted
)

var stateNames = [...]string{
	Idle:               "idle",
	BackupDecision:     "backup-decision",
	Dispatched:         "dispatched",
	AwaitingCompletion: "awaiting-completion",
	Classifying:        "classifying",
	Succeeded:          "succeeded",
	RetryQueued:        "retry-queued",
	FailedNoBackup:     "failed-no-backup",
	FailedWithBackup:   "failed-with-backup",
	BrokenSaved:        "broken-saved",
	Aborted:            "aborted",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", uint8(s))
}

// Terminal reports whether s is an outcome.
func (s State) Terminal() bool {
	switch s {
	case Succeeded, FailedNoBackup, FailedWithBackup, BrokenSaved, Aborted:
		return true
	default:
		return false
	}
}

// EventKind is something that happened to an attempt.
type EventKind uint8

const (
	EventRequested EventKind = iota
	EventBackupTaken
	EventBackupFailed
	EventDispatched
	EventDispatchFailed
	EventWorkerExited
	EventClassified
	EventActionFailed
	EventFinished
)

var eventNames = [...]string{
	EventRequested:      "requested",
	EventBackupTaken:    "backup-taken",
	EventBackupFailed:   "backup-failed",
	EventDispatched:     "dispatched",
	EventDispatchFailed: "dispatch-failed",
	EventWorkerExited:   "worker-exited",
	EventClassified:     "classified",
	EventActionFailed:   "action-failed",
	EventFinished:       "finished",
}

func (k EventKind) String() string {
	if int(k) < len(eventNames) {
		return eventNames[k]
	}
	return fmt.Sprintf("EventKind(%d)", uint8(k))
}

// Event is fed to [Attempt.Step].
type Event struct {
	Kind EventKind
	// ExitCode of the worker, for EventWorkerExited.
	ExitCode int
	// Statuses queried from the engine, for EventClassified. Err set alongside means the
	// query itself failed.
	Statuses map[string]bulkload.FileStatus
	// MissingArchives lists targets whose backup went missing while the worker ran.
	MissingArchives []string
	// Action that failed, for EventActionFailed.
	Action ActionKind
	Err    error
}

// ActionKind is an effect the driver has to perform for an attempt.
type ActionKind uint8

const (
	ActionTakeBackup ActionKind = iota
	ActionDispatch
	ActionAwait
	ActionClassify
	ActionMarkStale
	ActionDeleteBackup
	ActionDumpBroken
	ActionRestoreBackup
	ActionResetStatus
	ActionEnlargeCapacity
	ActionReopen
	ActionFinish
)

var actionNames = [...]string{
	ActionTakeBackup:      "take-backup",
	ActionDispatch:        "dispatch",
	ActionAwait:           "await",
	ActionClassify:        "classify",
	ActionMarkStale:       "mark-stale",
	ActionDeleteBackup:    "delete-backup",
	ActionDumpBroken:      "dump-broken",
	ActionRestoreBackup:   "restore-backup",
	ActionResetStatus:     "reset-status",
	ActionEnlargeCapacity: "enlarge-capacity",
	ActionReopen:          "reopen",
	ActionFinish:          "finish",
}

func (k ActionKind) String() string {
	if int(k) < len(actionNames) {
		return actionNames[k]
	}
	return fmt.Sprintf("ActionKind(%d)", uint8(k))
}

// Action names the files an effect applies to.
type Action struct {
	Kind  ActionKind
	Files []string
}

func (a Action) String() string {
	if len(a.Files) == 0 {
		return a.Kind.String()
	}
	return fmt.Sprintf("%s%v", a.Kind, a.Files)
}

var (
	// ErrDeferredUpdates means a worker left files with updates pending, which no retry fixes.
	ErrDeferredUpdates = errors.New("worker left deferred updates pending")
	// ErrRecoveryFailed wraps a recovery action that failed; the database may be unusable.
	ErrRecoveryFailed = errors.New("recovery failed")
)

// DefaultEnlargePercent is how much a full file grows before a retry.
const DefaultEnlargePercent = 20

// MaxRetries bounds automatic enlarge-and-retry cycles per request.
const MaxRetries = 1

// Attempt is one import request moving through the pipeline. Its transitions live in
// [Attempt.Step], which does no I/O: it only updates the attempt and queues actions.
type Attempt struct {
	Ticket   Ticket
	Location string
	Inputs   []string
	Targets  []string

	BackupEnabled  bool
	BackupTaken    bool
	EnlargePercent int
	Selection      dispatch.Selection
	Worker         *dispatch.WorkerHandle

	State    State
	Outcome  State
	Retries  int
	ExitCode int
	Statuses map[string]bulkload.FileStatus
	Err      error

	pending []Action
}

// NewAttempt starts an attempt in [Idle].
func NewAttempt(ticket Ticket, location string, targets, inputs []string, backup bool, sel dispatch.Selection) *Attempt {
	return &Attempt{
		Ticket:         ticket,
		Location:       location,
		Targets:        slices.Clone(targets),
		Inputs:         slices.Clone(inputs),
		BackupEnabled:  backup,
		EnlargePercent: DefaultEnlargePercent,
		Selection:      sel,
		ExitCode:       -1,
	}
}

// Pending returns the actions still queued.
func (a *Attempt) Pending() []Action {
	return slices.Clone(a.pending)
}

// Next pops the next queued action.
func (a *Attempt) Next() (Action, bool) {
	if len(a.pending) == 0 {
		return Action{}, false
	}
	act := a.pending[0]
	a.pending = a.pending[1:]
	return act, true
}

func (a *Attempt) queue(acts ...Action) {
	a.pending = append(a.pending, acts...)
}

func (a *Attempt) act(kind ActionKind, files ...string) Action {
	return Action{Kind: kind, Files: slices.Clone(files)}
}

// Step applies ev and returns every action now queued. Events that make no sense in the
// current state are ignored.
func (a *Attempt) Step(ev Event) []Action {
	switch ev.Kind {
	case EventActionFailed:
		a.actionFailed(ev)
		return a.Pending()
	case EventFinished:
		if a.State.Terminal() {
			a.Outcome = a.State
			a.State = Idle
			a.pending = nil
		}
		return a.Pending()
	}

	switch a.State {
	case Idle:
		if ev.Kind != EventRequested || a.Outcome.Terminal() {
			break
		}
		a.State = BackupDecision
		if a.BackupEnabled {
			a.queue(a.act(ActionTakeBackup, a.Targets...))
			break
		}
		a.State = Dispatched
		a.queue(a.act(ActionDispatch, a.Targets...))

	case BackupDecision:
		switch ev.Kind {
		case EventBackupTaken:
			a.BackupTaken = true
			a.State = Dispatched
			a.queue(a.act(ActionDispatch, a.Targets...))
		case EventBackupFailed:
			a.abort(ev.Err)
		}

	case Dispatched, RetryQueued:
		switch ev.Kind {
		case EventDispatched:
			a.State = AwaitingCompletion
			a.queue(a.act(ActionAwait))
		case EventDispatchFailed:
			a.abort(ev.Err)
		}

	case AwaitingCompletion:
		if ev.Kind == EventWorkerExited {
			a.ExitCode = ev.ExitCode
			a.State = Classifying
			a.queue(a.act(ActionClassify, a.Targets...))
		}

	case Classifying:
		if ev.Kind == EventClassified {
			if a.BackupTaken && len(ev.MissingArchives) > 0 {
				// nothing to restore from
				a.BackupTaken = false
			}
			a.classify(ev.Statuses, ev.Err)
		}
	}
	return a.Pending()
}

// abort ends an attempt whose worker never ran. A backup already taken matches the live files,
// so it goes; left behind it would block every later import.
func (a *Attempt) abort(err error) {
	a.State = Aborted
	a.Err = err
	a.pending = nil
	if a.BackupTaken {
		a.queue(a.act(ActionDeleteBackup, a.Targets...), a.act(ActionReopen, a.Targets...))
	}
	a.queue(a.act(ActionFinish))
}

// classify picks the outcome from what the engine reports. Files missing from statuses, or
// every file if the query failed, count as unknown: success is never assumed.
func (a *Attempt) classify(statuses map[string]bulkload.FileStatus, qerr error) {
	a.Statuses = make(map[string]bulkload.FileStatus, len(a.Targets))
	var nonNormal, full []string
	unknown := false
	for _, name := range a.Targets {
		st, ok := statuses[name]
		if !ok || qerr != nil {
			st = bulkload.StatusUnknown
		}
		a.Statuses[name] = st
		switch st {
		case bulkload.StatusNormal:
			continue
		case bulkload.StatusFull:
			full = append(full, name)
		case bulkload.StatusDeferredUpdatesPending:
		default:
			unknown = true
		}
		nonNormal = append(nonNormal, name)
	}

	switch {
	case len(nonNormal) == 0:
		a.State = Succeeded
		a.queue(a.act(ActionMarkStale))
		if a.BackupTaken {
			a.queue(a.act(ActionDeleteBackup, a.Targets...))
		}
		a.finish()

	case !a.BackupTaken:
		a.State = FailedNoBackup
		a.Err = fmt.Errorf("%w: %v not normal after import", bulkload.ErrNoBackupAvailable, nonNormal)
		a.queue(a.act(ActionDumpBroken, nonNormal...))
		a.finish()

	case unknown:
		a.State = BrokenSaved
		a.Err = fmt.Errorf("%w: %v", bulkload.ErrUnrecognizedEngineState, describe(a.Statuses, nonNormal))
		if qerr != nil {
			a.Err = fmt.Errorf("%w: %w", bulkload.ErrUnrecognizedEngineState, qerr)
		}
		a.restore(nonNormal)

	case len(full) == len(nonNormal) && a.Retries < MaxRetries:
		a.Retries++
		a.State = RetryQueued
		a.Err = nil
		a.queue(
			a.act(ActionRestoreBackup, a.Targets...),
			a.act(ActionResetStatus, a.Targets...),
			a.act(ActionEnlargeCapacity, full...),
			a.act(ActionDispatch, a.Targets...),
		)

	case len(full) == len(nonNormal):
		a.State = BrokenSaved
		a.Err = fmt.Errorf("%w: %v still full after %d retries", bulkload.ErrEngineFileFull, full, a.Retries)
		a.restore(nonNormal)

	default:
		a.State = FailedWithBackup
		a.Err = fmt.Errorf("%w: %v", ErrDeferredUpdates, describe(a.Statuses, nonNormal))
		a.restore(nonNormal)
	}
}

// restore keeps a copy of the broken files, then puts every target back the way the backup has it.
func (a *Attempt) restore(broken []string) {
	a.queue(
		a.act(ActionDumpBroken, broken...),
		a.act(ActionRestoreBackup, a.Targets...),
		a.act(ActionResetStatus, a.Targets...),
		a.act(ActionDeleteBackup, a.Targets...),
	)
	a.finish()
}

func (a *Attempt) finish() {
	a.queue(a.act(ActionReopen, a.Targets...), a.act(ActionFinish))
}

// actionFailed handles a failed effect. Deleting a backup or flagging derived data after a
// success is only worth a warning, as is deleting the backup of an aborted attempt. Anything
// else leaves the database in doubt.
func (a *Attempt) actionFailed(ev Event) {
	if a.State == Succeeded && (ev.Action == ActionDeleteBackup || ev.Action == ActionMarkStale) {
		return
	}
	if a.State == Aborted && ev.Action == ActionDeleteBackup {
		return
	}
	a.State = FailedNoBackup
	a.Err = fmt.Errorf("%w: %s: %w", ErrRecoveryFailed, ev.Action, ev.Err)
	a.pending = nil
	if ev.Action != ActionReopen {
		a.queue(a.act(ActionReopen, a.Targets...))
	}
	a.queue(a.act(ActionFinish))
}

func describe(statuses map[string]bulkload.FileStatus, names []string) string {
	parts := make([]string, 0, len(names))
	for _, n := range names {
		parts = append(parts, n+"="+statuses[n].String())
	}
	return fmt.Sprint(parts)
}
