// Package registry maps engine names to the functions that open them.
package registry

import (
	"slices"
	"sort"
	"sync"

	"git.tcp.direct/tcp.direct/bulkload"
)

// Entry is everything the registry knows about one engine.
type Entry struct {
	Creator bulkload.EngineCreator
	// Workers lists the bulk-load worker variants the engine can be loaded with.
	Workers []bulkload.WorkerKind
}

// Supports reports whether the engine registered the given worker kind.
func (e Entry) Supports(kind bulkload.WorkerKind) bool {
	return slices.Contains(e.Workers, kind)
}

var (
	engineIndex = make(map[string]Entry)
	regMu       = &sync.RWMutex{}
)

// RegisterEngine registers a new [bulkload.EngineCreator] under the given name in the global registry.
// With no worker kinds given, every kind is assumed to be supported.
func RegisterEngine(name string, creator bulkload.EngineCreator, workers ...bulkload.WorkerKind) {
	if len(workers) == 0 {
		workers = []bulkload.WorkerKind{bulkload.SinglePass, bulkload.ChunkedPass, bulkload.MultiPhase}
	}
	regMu.Lock()
	engineIndex[name] = Entry{Creator: creator, Workers: workers}
	regMu.Unlock()
}

// GetEngine retrieves an engine's creator from the global registry by name.
func GetEngine(name string) bulkload.EngineCreator {
	regMu.RLock()
	e := engineIndex[name]
	regMu.RUnlock()
	return e.Creator
}

// Lookup returns the full registry entry for name.
func Lookup(name string) (Entry, bool) {
	regMu.RLock()
	e, ok := engineIndex[name]
	regMu.RUnlock()
	return e, ok
}

// Unregister removes name. Used by tests that register throwaway engines.
func Unregister(name string) {
	regMu.Lock()
	delete(engineIndex, name)
	regMu.Unlock()
}

// AllEngines returns the sorted names of every registered engine.
func AllEngines() []string {
	regMu.RLock()
	names := make([]string, 0, len(engineIndex))
	for k := range engineIndex {
		names = append(names, k)
	}
	regMu.RUnlock()
	sort.Strings(names)
	return names
}
