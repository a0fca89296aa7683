package pogreb

import (
	"fmt"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/registry"
)

func init() {
	// no multiphase: pogreb stores are loaded in a single pass only.
	registry.RegisterEngine("pogreb", func(path string, opt ...any) (bulkload.Engine, error) {
		var (
			opts      []Option
			storeOpts []StoreOption
		)
		for _, o := range opt {
			switch v := o.(type) {
			case Option:
				opts = append(opts, v)
				continue
			case bulkload.Lazy:
				opts = append(opts, WithoutDiscovery())
				continue
			}
			so, ok := normalizeOption(o)
			if !ok {
				return nil, fmt.Errorf("%w: %T", ErrBadOptions, o)
			}
			storeOpts = append(storeOpts, so)
		}
		opts = append(opts, WithStoreOptions(storeOpts...))
		db, err := OpenDB(path, opts...)
		if err != nil {
			if db != nil {
				_ = db.ReleaseAll()
			}
			return nil, err
		}
		return db, nil
	}, bulkload.SinglePass, bulkload.ChunkedPass)
}
