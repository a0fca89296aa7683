package bulkload

// Store is one engine-managed file that records can be written into.
// These functions should be plug and play with most of the popular key/value store golang libraries.
type Store interface {
	// Has should return true if the given key has an associated value.
	Has(key []byte) bool
	// Get should retrieve the byte slice corresponding to the given key, and any associated errors upon failure.
	// A missing key must be reported as a [kv.NonExistentKeyError].
	Get(key []byte) ([]byte, error)
	// Put should insert the value data in a way that is associated and can be retrieved by the given key data.
	Put(key []byte, value []byte) error
	// Delete should delete the key and the value associated with the given key, and return an error upon failure.
	Delete(key []byte) error
	// Keys returns every key in the store.
	Keys() [][]byte
	// Len returns the number of keys in the store.
	Len() int
	// Sync flushes volatile data to disk.
	Sync() error
	// Close releases the store's OS level handles.
	Close() error
	// Backend returns the engine-native value behind the Store.
	Backend() any
}

// Engine is the capability contract every storage engine adapter provides to the import pipeline.
// One Engine value is selected when a database is opened and stays fixed for the lifetime of its [Handle].
//
// NOTE: engines keep their per-file status and capacity in a control file (meta.json) next to the stores,
// so a worker running in a separate process can report what it did without talking to us.
type Engine interface {
	// Type returns the registry name of the engine.
	Type() string
	// Path returns the database directory all managed files live under.
	Path() string

	// Init should create a new managed file called name and open it.
	Init(name string, opts ...any) error
	// With provides access to an open managed file, or nil if it isn't open.
	With(name string) Store

	// ManagedFiles enumerates every file the engine manages, with the status and capacity last recorded.
	ManagedFiles() []ManagedFile
	// FileStatus re-reads the engine's status flags from disk. This is the canonical
	// signal of whether a bulk load succeeded; worker exit codes are advisory.
	FileStatus() (map[string]FileStatus, error)

	// CloseFiles releases the OS level handles of the named files so another process may write to them.
	CloseFiles(names ...string) error
	// ReopenFiles reacquires handles released by CloseFiles.
	ReopenFiles(names ...string) error

	// EnlargeCapacity grows the named file's allocated capacity by increasePercent and returns the new capacity.
	// Other files may stay open while this runs.
	EnlargeCapacity(name string, increasePercent int) (int64, error)
	// MarkDerivedStale flags every derived file so it is rebuilt lazily instead of trusted.
	MarkDerivedStale() error
	// ClearStale drops the stale flag once a derived file has been rebuilt.
	ClearStale(names ...string) error
	// ResetStatus marks the named files Normal again, after their contents were restored from a backup.
	ResetStatus(names ...string) error
	// SetStatus records a status flag for one file. Import workers use it to report progress.
	SetStatus(name string, status FileStatus) error

	// NextRecord is the id the next imported record will receive.
	NextRecord() uint64
	// CommitRecords advances NextRecord once a batch has been written in full.
	CommitRecords(next uint64) error

	// DeleteDatabase closes and irreversibly removes the named files. Once no files remain the
	// engine's private control files are removed too. Entries in the database directory that do not
	// belong to the engine are left alone and their names are returned.
	DeleteDatabase(names ...string) (stray []string, err error)

	// ReleaseAll closes every engine-native handle without closing the Engine itself.
	ReleaseAll() error
	// Close releases everything and persists the control file.
	Close() error
}
