// Package dispatch picks the bulk-load worker variant for a database and launches it with the
// target files released, so the worker can own them while it runs.
package dispatch

import (
	"fmt"
	"strconv"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/registry"
)

// Config is the worker part of an import request.
type Config struct {
	// ChunkSize > 0 selects [bulkload.ChunkedPass] regardless of MultiPhase.
	ChunkSize  int  `yaml:"chunk_size"`
	MultiPhase bool `yaml:"multi_phase"`
}

// Selection is a worker variant chosen for one engine.
type Selection struct {
	Engine string
	Kind   bulkload.WorkerKind
	// Chunk is only meaningful for [bulkload.ChunkedPass].
	Chunk int
}

func (s Selection) String() string {
	if s.Kind == bulkload.ChunkedPass {
		return s.Kind.String() + "(" + strconv.Itoa(s.Chunk) + ")"
	}
	return s.Kind.String()
}

// SelectWorker applies the selection rule: a configured chunk size wins, then an explicit
// multi-phase request, then a single pass. It fails with [bulkload.ErrConfiguration] when the
// engine isn't registered or didn't register the chosen variant. Nothing is touched either way.
func SelectWorker(engineType string, cfg Config) (Selection, error) {
	if cfg.ChunkSize < 0 {
		return Selection{}, fmt.Errorf("%w: invalid chunk size %d", bulkload.ErrConfiguration, cfg.ChunkSize)
	}
	entry, ok := registry.Lookup(engineType)
	if !ok {
		return Selection{}, fmt.Errorf("%w: no worker available for engine %q", bulkload.ErrConfiguration, engineType)
	}
	sel := Selection{Engine: engineType, Kind: bulkload.SinglePass}
	switch {
	case cfg.ChunkSize > 0:
		sel.Kind, sel.Chunk = bulkload.ChunkedPass, cfg.ChunkSize
	case cfg.MultiPhase:
		sel.Kind = bulkload.MultiPhase
	}
	if !entry.Supports(sel.Kind) {
		return Selection{}, fmt.Errorf("%w: engine %q has no %s worker", bulkload.ErrConfiguration, engineType, sel.Kind)
	}
	return sel, nil
}
