package orchestrator

import (
	"errors"
	"fmt"

	"git.tcp.direct/tcp.direct/bulkload"
)

// Phase is the small enum the UI maps to status text.
type Phase uint8

const (
	Pending Phase = iota
	RetryInProgress
	Complete
	Failed
)

func (p Phase) String() string {
	switch p {
	case Pending:
		return "pending"
	case RetryInProgress:
		return "retry-in-progress"
	case Complete:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("Phase(%d)", uint8(p))
	}
}

// Done reports whether p is final.
func (p Phase) Done() bool {
	return p == Complete || p == Failed
}

// Status is what PollStatus reports for a ticket.
type Status struct {
	Ticket   Ticket
	Location string
	Phase    Phase
	// State is the attempt's current state, or its outcome once it is done.
	State    State
	Reason   error
	Retries  int
	ExitCode int
	Files    map[string]bulkload.FileStatus
}

// Text is [StatusText] for s.
func (s Status) Text() string {
	return StatusText(s)
}

// Status strings shown to the user.
const (
	TextImporting     = "Please wait while importing"
	TextRetrying      = "Retrying import after enlarging database"
	TextComplete      = "Import complete"
	TextDatabaseFull  = "Database full"
	TextBroken        = "Broken database"
	TextImportFailed  = "Import failed"
	TextUnknownTicket = "Unknown import"
)

// StatusText maps a status to the string the UI shows for it.
func StatusText(s Status) string {
	switch s.Phase {
	case Pending:
		return TextImporting
	case RetryInProgress:
		return TextRetrying
	case Complete:
		return TextComplete
	}
	switch {
	case s.State == FailedNoBackup:
		return TextBroken
	case errors.Is(s.Reason, bulkload.ErrEngineFileFull):
		return TextDatabaseFull
	default:
		return TextImportFailed
	}
}

func statusOf(a *Attempt) Status {
	st := Status{
		Ticket:   a.Ticket,
		Location: a.Location,
		State:    a.State,
		Reason:   a.Err,
		Retries:  a.Retries,
		ExitCode: a.ExitCode,
		Files:    a.Statuses,
	}
	switch outcome := a.Outcome; {
	case outcome == Succeeded:
		st.Phase, st.State = Complete, outcome
	case outcome.Terminal():
		st.Phase, st.State = Failed, outcome
	case a.State == Succeeded:
		st.Phase = Complete
	case a.State.Terminal():
		st.Phase = Failed
	case a.Retries > 0:
		st.Phase = RetryInProgress
	default:
		st.Phase = Pending
	}
	return st
}
