package bulkload

import (
	"errors"
	"fmt"
)

// EngineCreator opens (or creates) a database directory with a specific engine.
type EngineCreator func(path string, opt ...any) (Engine, error)

// WorkerKind is a variant of the out-of-process bulk-load worker.
type WorkerKind uint8

const (
	// SinglePass loads the whole input in one pass.
	SinglePass WorkerKind = iota
	// ChunkedPass runs SinglePass over fixed-size sub-batches to bound peak memory.
	ChunkedPass
	// MultiPhase loads records first and folds deferred updates in a second phase.
	MultiPhase
)

func (k WorkerKind) String() string {
	switch k {
	case SinglePass:
		return "single"
	case ChunkedPass:
		return "chunked"
	case MultiPhase:
		return "multiphase"
	default:
		return fmt.Sprintf("WorkerKind(%d)", uint8(k))
	}
}

// ParseWorkerKind is the inverse of [WorkerKind.String].
func ParseWorkerKind(s string) (WorkerKind, error) {
	switch s {
	case "single", "":
		return SinglePass, nil
	case "chunked":
		return ChunkedPass, nil
	case "multiphase":
		return MultiPhase, nil
	default:
		return 0, fmt.Errorf("%w: unknown worker kind %q", ErrConfiguration, s)
	}
}

//goland:noinspection GoExportedElementShouldHaveComment
var (
	ErrConfiguration           = errors.New("configuration error")
	ErrBackup                  = errors.New("backup failed")
	ErrWorkerLaunch            = errors.New("failed to launch worker")
	ErrEngineFileFull          = errors.New("engine file is full")
	ErrUnrecognizedEngineState = errors.New("unrecognized engine state")
	ErrNoBackupAvailable       = errors.New("no backup available")
	ErrBusy                    = errors.New("an import is already in progress for this database")
	ErrImportInProgress        = errors.New("database is locked by a running import worker")
	ErrNoSuchFile              = errors.New("no such managed file")
)

// NamedErr prefixes err with name, passing nil through.
func NamedErr(name string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

// Lazy may be passed to an [EngineCreator] to leave every managed file closed until
// Engine.ReopenFiles is called. Import workers use it so files the controller still holds
// open are never touched.
type Lazy struct{}
