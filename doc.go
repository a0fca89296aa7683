// Package bulkload defines the storage engine capability contract used by the bulk-import pipeline.
//
// A database is a directory of engine-managed files (stores) plus a meta.json control file.
// Concrete engines live in subpackages (bitcask, pogreb) and register themselves with the registry
// package from init; loader.Open resolves the engine recorded in meta.json and returns a [Handle].
//
// The import pipeline itself is split across:
//   - backup: compressed archives of managed files, guarded by sentinel files
//   - dispatch: selection and launch of the out-of-process bulk-load worker
//   - load: the worker body that writes records and reports per-file status
//   - orchestrator: the state machine sequencing backup, load, classification and recovery
package bulkload
