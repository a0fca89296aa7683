package pogreb

import (
	"errors"
	"fmt"

	"git.tcp.direct/tcp.direct/bulkload"
)

//goland:noinspection GoExportedElementShouldHaveComment
var (
	ErrUnknownAction = errors.New("unknown store action")
	ErrBadOptions    = errors.New("invalid pogreb options")
	ErrStoreExists   = errors.New("managed file already exists")
	ErrNoStores      = errors.New("no pogreb stores open")
	// ErrBogusStore matches bulkload.ErrNoSuchFile.
	ErrBogusStore = fmt.Errorf("%w: not open in pogreb", bulkload.ErrNoSuchFile)
)
