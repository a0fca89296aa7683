package bitcask

import (
	"errors"
	"fmt"

	"git.tcp.direct/tcp.direct/bulkload"
)

var (
	ErrUnknownAction = errors.New("unknown store action")
	ErrStoreExists   = errors.New("managed file already exists")
	ErrNoStores      = errors.New("no bitcask stores open")
	ErrBadOption     = errors.New("invalid bitcask option type")
	// ErrBogusStore matches bulkload.ErrNoSuchFile.
	ErrBogusStore = fmt.Errorf("%w: not open in bitcask", bulkload.ErrNoSuchFile)
)
