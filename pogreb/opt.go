package pogreb

import (
	"encoding/json"

	"github.com/akrylysov/pogreb"
	"github.com/rs/zerolog"
)

// StoreOption adjusts the options a single pogreb store is opened with.
type StoreOption func(*WrappedOptions)

var OptionAllowRecovery = func(opts *WrappedOptions) {
	opts.AllowRecovery = true
}

func AllowRecovery() StoreOption {
	return OptionAllowRecovery
}

func SetPogrebOptions(options pogreb.Options) StoreOption {
	return func(opts *WrappedOptions) {
		opts.Options = &options
	}
}

type WrappedOptions struct {
	*pogreb.Options
	// AllowRecovery allows the database to be recovered if a lockfile is detected upon running Init.
	AllowRecovery bool
}

func (w *WrappedOptions) MarshalJSON() ([]byte, error) {
	optData, err := json.Marshal(w.Options)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		Options       json.RawMessage `json:"options"`
		AllowRecovery bool            `json:"allow_recovery"`
	}{
		Options:       optData,
		AllowRecovery: w.AllowRecovery,
	})
}

func (w *WrappedOptions) clone() *WrappedOptions {
	c := *w
	return &c
}

// Option configures a [DB].
type Option func(*DB)

func WithLogger(l zerolog.Logger) Option {
	return func(db *DB) {
		db.log = l.With().Str("engine", "pogreb").Logger()
	}
}

// WithDefaultCapacity sets the capacity given to files created without an explicit one.
func WithDefaultCapacity(capacity int64) Option {
	return func(db *DB) {
		db.capacity = capacity
	}
}

// WithoutDiscovery leaves every store closed until [DB.ReopenFiles].
func WithoutDiscovery() Option {
	return func(db *DB) {
		db.lazy = true
	}
}

// WithStoreOptions applies opts to the options every store is opened with.
func WithStoreOptions(opts ...StoreOption) Option {
	return func(db *DB) {
		for _, opt := range opts {
			opt(db.defaults)
		}
	}
}

// normalizeOption converts the loose option values accepted by the engine registry.
func normalizeOption(opt any) (StoreOption, bool) {
	switch o := opt.(type) {
	case StoreOption:
		return o, true
	case func(*WrappedOptions):
		return o, true
	case pogreb.Options:
		return SetPogrebOptions(o), true
	case *pogreb.Options:
		return SetPogrebOptions(*o), true
	case WrappedOptions:
		return func(w *WrappedOptions) { *w = o }, true
	case *WrappedOptions:
		return func(w *WrappedOptions) { *w = *o }, true
	default:
		return nil, false
	}
}
