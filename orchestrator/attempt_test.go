package orchestrator

import (
	"errors"
	"slices"
	"testing"

	"github.com/davecgh/go-spew/spew"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/dispatch"
)

var (
	normal   = bulkload.StatusNormal
	full     = bulkload.StatusFull
	deferred = bulkload.StatusDeferredUpdatesPending
	unknown  = bulkload.StatusUnknown
)

func kinds(acts []Action) []ActionKind {
	out := make([]ActionKind, 0, len(acts))
	for _, a := range acts {
		out = append(out, a.Kind)
	}
	return out
}

// drive feeds ev and pops every queued action, returning them.
func drive(a *Attempt, ev Event) []Action {
	a.Step(ev)
	var popped []Action
	for {
		act, ok := a.Next()
		if !ok {
			return popped
		}
		popped = append(popped, act)
	}
}

// toClassifying runs a fresh attempt up to the point its worker exited.
func toClassifying(t *testing.T, backup bool, targets ...string) *Attempt {
	t.Helper()
	a := NewAttempt("t", "/db", targets, []string{"in.pgn"}, backup, dispatch.Selection{Engine: "mock"})
	got := drive(a, Event{Kind: EventRequested})
	if backup {
		if !slices.Equal(kinds(got), []ActionKind{ActionTakeBackup}) {
			t.Fatalf("[FAIL] expected a backup first, got %v", got)
		}
		got = drive(a, Event{Kind: EventBackupTaken})
	}
	if !slices.Equal(kinds(got), []ActionKind{ActionDispatch}) {
		t.Fatalf("[FAIL] expected dispatch, got %v", got)
	}
	if got = drive(a, Event{Kind: EventDispatched}); !slices.Equal(kinds(got), []ActionKind{ActionAwait}) {
		t.Fatalf("[FAIL] expected await, got %v", got)
	}
	if a.State != AwaitingCompletion {
		t.Fatalf("[FAIL] expected awaiting-completion, got %s", a.State)
	}
	if got = drive(a, Event{Kind: EventWorkerExited, ExitCode: 0}); !slices.Equal(kinds(got), []ActionKind{ActionClassify}) {
		t.Fatalf("[FAIL] expected classify, got %v", got)
	}
	return a
}

func TestStepClassification(t *testing.T) {
	type test struct {
		name      string
		backup    bool
		retries   int
		statuses  map[string]bulkload.FileStatus
		queryErr  error
		wantState State
		wantActs  []ActionKind
		wantErr   error
	}
	restore := []ActionKind{ActionDumpBroken, ActionRestoreBackup, ActionResetStatus, ActionDeleteBackup, ActionReopen, ActionFinish}
	tests := []test{
		{
			name: "allNormalWithBackup", backup: true,
			statuses:  map[string]bulkload.FileStatus{"a": normal, "b": normal},
			wantState: Succeeded,
			wantActs:  []ActionKind{ActionMarkStale, ActionDeleteBackup, ActionReopen, ActionFinish},
		},
		{
			name:      "allNormalNoBackup",
			statuses:  map[string]bulkload.FileStatus{"a": normal, "b": normal},
			wantState: Succeeded,
			wantActs:  []ActionKind{ActionMarkStale, ActionReopen, ActionFinish},
		},
		{
			name:      "fullNoBackup",
			statuses:  map[string]bulkload.FileStatus{"a": full, "b": normal},
			wantState: FailedNoBackup,
			wantActs:  []ActionKind{ActionDumpBroken, ActionReopen, ActionFinish},
			wantErr:   bulkload.ErrNoBackupAvailable,
		},
		{
			name: "fullWithBackup", backup: true,
			statuses:  map[string]bulkload.FileStatus{"a": full, "b": normal},
			wantState: RetryQueued,
			wantActs:  []ActionKind{ActionRestoreBackup, ActionResetStatus, ActionEnlargeCapacity, ActionDispatch},
		},
		{
			name: "fullAfterRetry", backup: true, retries: 1,
			statuses:  map[string]bulkload.FileStatus{"a": full, "b": full},
			wantState: BrokenSaved,
			wantActs:  restore,
			wantErr:   bulkload.ErrEngineFileFull,
		},
		{
			name: "unknownWithBackup", backup: true,
			statuses:  map[string]bulkload.FileStatus{"a": unknown, "b": full},
			wantState: BrokenSaved,
			wantActs:  restore,
			wantErr:   bulkload.ErrUnrecognizedEngineState,
		},
		{
			name: "missingStatusIsUnknown", backup: true,
			statuses:  map[string]bulkload.FileStatus{"a": normal},
			wantState: BrokenSaved,
			wantActs:  restore,
			wantErr:   bulkload.ErrUnrecognizedEngineState,
		},
		{
			name: "queryFailed", backup: true,
			statuses:  map[string]bulkload.FileStatus{"a": normal, "b": normal},
			queryErr:  errors.New("meta.json unreadable"),
			wantState: BrokenSaved,
			wantActs:  restore,
			wantErr:   bulkload.ErrUnrecognizedEngineState,
		},
		{
			name:      "queryFailedNoBackup",
			queryErr:  errors.New("meta.json unreadable"),
			wantState: FailedNoBackup,
			wantActs:  []ActionKind{ActionDumpBroken, ActionReopen, ActionFinish},
			wantErr:   bulkload.ErrNoBackupAvailable,
		},
		{
			name: "deferredAndFull", backup: true,
			statuses:  map[string]bulkload.FileStatus{"a": full, "b": deferred},
			wantState: FailedWithBackup,
			wantActs:  restore,
			wantErr:   ErrDeferredUpdates,
		},
		{
			name: "deferredOnly", backup: true,
			statuses:  map[string]bulkload.FileStatus{"a": normal, "b": deferred},
			wantState: FailedWithBackup,
			wantActs:  restore,
			wantErr:   ErrDeferredUpdates,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := toClassifying(t, tt.backup, "a", "b")
			a.Retries = tt.retries
			got := a.Step(Event{Kind: EventClassified, Statuses: tt.statuses, Err: tt.queryErr})
			if a.State != tt.wantState {
				t.Errorf("[FAIL] wanted %s, got %s", tt.wantState, a.State)
			}
			if !slices.Equal(kinds(got), tt.wantActs) {
				t.Errorf("[FAIL] wanted actions %v, got %v", tt.wantActs, got)
			}
			if tt.wantErr != nil && !errors.Is(a.Err, tt.wantErr) {
				t.Errorf("[FAIL] wanted error %v, got %v", tt.wantErr, a.Err)
			}
			if tt.wantErr == nil && a.Err != nil {
				t.Errorf("[FAIL] unexpected error %v", a.Err)
			}
			t.Logf("[+] %s", spew.Sdump(got))
		})
	}
}

func TestStepActionFiles(t *testing.T) {
	a := toClassifying(t, false, "a", "b", "c")
	got := a.Step(Event{Kind: EventClassified, Statuses: map[string]bulkload.FileStatus{"a": normal, "b": full, "c": normal}})
	if got[0].Kind != ActionDumpBroken || !slices.Equal(got[0].Files, []string{"b"}) {
		t.Errorf("[FAIL] only the broken file should be dumped: %v", got)
	}
	if got[1].Kind != ActionReopen || !slices.Equal(got[1].Files, []string{"a", "b", "c"}) {
		t.Errorf("[FAIL] every target should be reopened: %v", got)
	}

	a = toClassifying(t, true, "a", "b")
	got = a.Step(Event{Kind: EventClassified, Statuses: map[string]bulkload.FileStatus{"a": full, "b": normal}})
	if !slices.Equal(got[0].Files, []string{"a", "b"}) {
		t.Errorf("[FAIL] retry must roll back every target: %v", got)
	}
	if got[2].Kind != ActionEnlargeCapacity || !slices.Equal(got[2].Files, []string{"a"}) {
		t.Errorf("[FAIL] only full files grow: %v", got)
	}
}

func TestStepRetryBound(t *testing.T) {
	a := toClassifying(t, true, "a")
	allFull := map[string]bulkload.FileStatus{"a": full}

	drive(a, Event{Kind: EventClassified, Statuses: allFull})
	if a.State != RetryQueued || a.Retries != 1 {
		t.Fatalf("[FAIL] expected first retry, got %s with %d retries", a.State, a.Retries)
	}
	drive(a, Event{Kind: EventDispatched})
	drive(a, Event{Kind: EventWorkerExited, ExitCode: 0})
	if a.State != Classifying {
		t.Fatalf("[FAIL] expected classifying, got %s", a.State)
	}
	got := drive(a, Event{Kind: EventClassified, Statuses: allFull})
	if a.State != BrokenSaved {
		t.Fatalf("[FAIL] second full must not retry again, got %s", a.State)
	}
	if slices.Contains(kinds(got), ActionDispatch) || slices.Contains(kinds(got), ActionEnlargeCapacity) {
		t.Errorf("[FAIL] unexpected retry actions: %v", got)
	}
	drive(a, Event{Kind: EventFinished})
	if a.State != Idle || a.Outcome != BrokenSaved {
		t.Errorf("[FAIL] expected idle with broken-saved outcome, got %s/%s", a.State, a.Outcome)
	}
	if got = a.Step(Event{Kind: EventRequested}); len(got) != 0 {
		t.Errorf("[FAIL] a finished attempt must not restart: %v", got)
	}
}

func TestStepRetryThenSuccess(t *testing.T) {
	a := toClassifying(t, true, "a")
	drive(a, Event{Kind: EventClassified, Statuses: map[string]bulkload.FileStatus{"a": full}})
	drive(a, Event{Kind: EventDispatched})
	drive(a, Event{Kind: EventWorkerExited})
	got := drive(a, Event{Kind: EventClassified, Statuses: map[string]bulkload.FileStatus{"a": normal}})
	if a.State != Succeeded {
		t.Fatalf("[FAIL] expected success, got %s", a.State)
	}
	if !slices.Contains(kinds(got), ActionDeleteBackup) {
		t.Errorf("[FAIL] backup must be deleted after success: %v", got)
	}
}

func TestStepAbort(t *testing.T) {
	a := NewAttempt("t", "/db", []string{"a"}, []string{"in.pgn"}, true, dispatch.Selection{})
	drive(a, Event{Kind: EventRequested})
	got := drive(a, Event{Kind: EventBackupFailed, Err: bulkload.ErrBackup})
	if a.State != Aborted || !errors.Is(a.Err, bulkload.ErrBackup) {
		t.Errorf("[FAIL] expected aborted with backup error, got %s %v", a.State, a.Err)
	}
	if !slices.Equal(kinds(got), []ActionKind{ActionFinish}) {
		t.Errorf("[FAIL] aborting touches nothing: %v", got)
	}

	a = NewAttempt("t", "/db", []string{"a"}, []string{"in.pgn"}, false, dispatch.Selection{})
	drive(a, Event{Kind: EventRequested})
	got = drive(a, Event{Kind: EventDispatchFailed, Err: bulkload.ErrWorkerLaunch})
	if a.State != Aborted || !slices.Equal(kinds(got), []ActionKind{ActionFinish}) {
		t.Errorf("[FAIL] expected aborted, got %s %v", a.State, got)
	}
	a = NewAttempt("t", "/db", []string{"a"}, []string{"in.pgn"}, true, dispatch.Selection{})
	drive(a, Event{Kind: EventRequested})
	drive(a, Event{Kind: EventBackupTaken})
	got = a.Step(Event{Kind: EventDispatchFailed, Err: bulkload.ErrWorkerLaunch})
	want := []ActionKind{ActionDeleteBackup, ActionReopen, ActionFinish}
	if a.State != Aborted || !slices.Equal(kinds(got), want) {
		t.Errorf("[FAIL] a launch failure after the backup should drop it: %s %v", a.State, got)
	}
	act, _ := a.Next()
	got = a.Step(Event{Kind: EventActionFailed, Action: act.Kind, Err: errors.New("gone")})
	if a.State != Aborted || !slices.Equal(kinds(got), []ActionKind{ActionReopen, ActionFinish}) {
		t.Errorf("[FAIL] failing to drop the backup must not change the outcome: %s %v", a.State, got)
	}
}

func TestStepIgnoresStrayEvents(t *testing.T) {
	a := NewAttempt("t", "/db", []string{"a"}, []string{"in.pgn"}, false, dispatch.Selection{})
	if got := a.Step(Event{Kind: EventWorkerExited}); len(got) != 0 || a.State != Idle {
		t.Errorf("[FAIL] worker exit before a request must be ignored: %s %v", a.State, got)
	}
	drive(a, Event{Kind: EventRequested})
	if got := a.Step(Event{Kind: EventClassified}); len(got) != 0 || a.State != Dispatched {
		t.Errorf("[FAIL] classification before the worker ran must be ignored: %s %v", a.State, got)
	}
}

func TestStepActionFailed(t *testing.T) {
	a := toClassifying(t, true, "a")
	a.Step(Event{Kind: EventClassified, Statuses: map[string]bulkload.FileStatus{"a": deferred}})
	act, _ := a.Next()
	if act.Kind != ActionDumpBroken {
		t.Fatalf("[FAIL] expected dump first, got %s", act)
	}
	act, _ = a.Next()
	got := a.Step(Event{Kind: EventActionFailed, Action: act.Kind, Err: errors.New("disk on fire")})
	if a.State != FailedNoBackup || !errors.Is(a.Err, ErrRecoveryFailed) {
		t.Errorf("[FAIL] failed restore should leave the database in doubt: %s %v", a.State, a.Err)
	}
	if !slices.Equal(kinds(got), []ActionKind{ActionReopen, ActionFinish}) {
		t.Errorf("[FAIL] unexpected actions after failure: %v", got)
	}
	got = a.Step(Event{Kind: EventActionFailed, Action: ActionReopen, Err: errors.New("still on fire")})
	if !slices.Equal(kinds(got), []ActionKind{ActionFinish}) {
		t.Errorf("[FAIL] a failed reopen must not be retried: %v", got)
	}
}

func TestStepDeleteBackupFailureAfterSuccess(t *testing.T) {
	a := toClassifying(t, true, "a")
	a.Step(Event{Kind: EventClassified, Statuses: map[string]bulkload.FileStatus{"a": normal}})
	a.Next() // mark stale
	act, _ := a.Next()
	if act.Kind != ActionDeleteBackup {
		t.Fatalf("[FAIL] expected delete-backup, got %s", act)
	}
	got := a.Step(Event{Kind: EventActionFailed, Action: ActionDeleteBackup, Err: errors.New("nope")})
	if a.State != Succeeded || a.Err != nil {
		t.Errorf("[FAIL] success must stand: %s %v", a.State, a.Err)
	}
	if !slices.Equal(kinds(got), []ActionKind{ActionReopen, ActionFinish}) {
		t.Errorf("[FAIL] remaining actions must still run: %v", got)
	}
}

func TestStepMissingArchives(t *testing.T) {
	a := toClassifying(t, true, "a")
	got := a.Step(Event{
		Kind:            EventClassified,
		Statuses:        map[string]bulkload.FileStatus{"a": full},
		MissingArchives: []string{"a"},
	})
	if a.State != FailedNoBackup {
		t.Errorf("[FAIL] a vanished backup can't be restored from, got %s", a.State)
	}
	if slices.Contains(kinds(got), ActionRestoreBackup) {
		t.Errorf("[FAIL] unexpected restore: %v", got)
	}
}

func TestStatusText(t *testing.T) {
	cases := []struct {
		st   Status
		want string
	}{
		{Status{Phase: Pending}, TextImporting},
		{Status{Phase: RetryInProgress}, TextRetrying},
		{Status{Phase: Complete, State: Succeeded}, TextComplete},
		{Status{Phase: Failed, State: FailedNoBackup, Reason: bulkload.ErrNoBackupAvailable}, TextBroken},
		{Status{Phase: Failed, State: BrokenSaved, Reason: bulkload.ErrEngineFileFull}, TextDatabaseFull},
		{Status{Phase: Failed, State: FailedWithBackup, Reason: ErrDeferredUpdates}, TextImportFailed},
		{Status{Phase: Failed, State: Aborted, Reason: bulkload.ErrWorkerLaunch}, TextImportFailed},
	}
	for _, c := range cases {
		if got := StatusText(c.st); got != c.want {
			t.Errorf("[FAIL] %s/%s: wanted %q, got %q", c.st.Phase, c.st.State, c.want, got)
		}
	}
}
