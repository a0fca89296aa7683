package bulkload

import (
	"errors"
	"sync"
	"sync/atomic"
)

// HandleState is the lifecycle position of a [Handle].
type HandleState uint32

const (
	HandleClosed HandleState = iota
	HandleOpen
	HandleImporting
	HandleBroken
)

func (s HandleState) String() string {
	switch s {
	case HandleClosed:
		return "closed"
	case HandleOpen:
		return "open"
	case HandleImporting:
		return "importing"
	case HandleBroken:
		return "broken"
	default:
		return "invalid"
	}
}

// Handle is an open connection to one database directory. It owns the Engine chosen when the
// database was opened; exactly one Handle exists per location within a process (see loader.Open).
type Handle struct {
	Engine
	location string
	state    *atomic.Uint32
	release  func()
	once     *sync.Once
}

// NewHandle wraps engine. release, if not nil, runs once when the Handle is closed.
func NewHandle(location string, engine Engine, release func()) *Handle {
	st := &atomic.Uint32{}
	st.Store(uint32(HandleOpen))
	return &Handle{
		Engine:   engine,
		location: location,
		state:    st,
		release:  release,
		once:     &sync.Once{},
	}
}

// Location is the database directory the handle was opened on.
func (h *Handle) Location() string {
	return h.location
}

func (h *Handle) State() HandleState {
	return HandleState(h.state.Load())
}

func (h *Handle) SetState(s HandleState) {
	h.state.Store(uint32(s))
}

// CompareAndSwapState moves the handle to next only if it is still in old.
func (h *Handle) CompareAndSwapState(old, next HandleState) bool {
	return h.state.CompareAndSwap(uint32(old), uint32(next))
}

// Close releases every engine-native handle, then closes the engine. While an import is
// running the worker owns meta.json, so only the native handles are released.
func (h *Handle) Close() error {
	var errs []error
	switch h.State() {
	case HandleClosed:
		return nil
	case HandleImporting:
		errs = append(errs, h.Engine.ReleaseAll())
	default:
		errs = append(errs, h.Engine.ReleaseAll(), h.Engine.Close())
	}
	h.SetState(HandleClosed)
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
	return errors.Join(errs...)
}
