// Package load is the body of the bulk-load worker. It splits input files into game records
// and writes them into a database's record files, reporting what happened to each file through
// the engine's status flags rather than its exit code.
package load

import (
	"errors"
	"fmt"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/metadata"
)

// Managed files every database carries.
const (
	// Games maps a record key to the game's movetext.
	Games = "games"
	// Headers maps a record key to the game's tag pairs, JSON encoded.
	Headers = "headers"
	// Players is derived from Headers: player name to the ids of every game they played.
	Players = "players"
)

// RecordFiles are the files an import writes to, and so the targets of every worker.
var RecordFiles = []string{Games, Headers}

// InitSchema creates the record files with the given capacity (0 for unlimited) and the
// derived players index. Files that already exist are left alone.
func InitSchema(eng bulkload.Engine, capacity int64) error {
	existing := make(map[string]bool)
	for _, f := range eng.ManagedFiles() {
		existing[f.Name] = true
	}
	var errs []error
	for _, name := range RecordFiles {
		if existing[name] {
			continue
		}
		if err := eng.Init(name, metadata.FileMeta{Capacity: capacity}); err != nil {
			errs = append(errs, bulkload.NamedErr(name, err))
		}
	}
	if !existing[Players] {
		if err := eng.Init(Players, metadata.FileMeta{Derived: true}); err != nil {
			errs = append(errs, bulkload.NamedErr(Players, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("error creating schema: %w", errors.Join(errs...))
	}
	return nil
}
