package bitcask

import (
	"fmt"

	"git.tcp.direct/Mirrors/bitcask-mirror"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/registry"
)

func init() {
	registry.RegisterEngine("bitcask", func(path string, opt ...any) (bulkload.Engine, error) {
		var opts []Option
		for _, o := range opt {
			switch v := o.(type) {
			case Option:
				opts = append(opts, v)
			case bulkload.Lazy:
				opts = append(opts, WithoutDiscovery())
			case bitcask.Option:
				opts = append(opts, WithBitcaskOptions(v))
			default:
				return nil, fmt.Errorf("%w: %T", ErrBadOption, o)
			}
		}
		db, err := OpenDB(path, opts...)
		if err != nil {
			if db != nil {
				_ = db.ReleaseAll()
			}
			return nil, err
		}
		return db, nil
	}, bulkload.SinglePass, bulkload.ChunkedPass, bulkload.MultiPhase)
}
