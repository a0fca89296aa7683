package load

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/kv"
)

// PendingPath is where deferred header updates for the database at location are spilled.
func PendingPath(location string) string {
	return filepath.Join(location, Headers+bulkload.PendingExt)
}

type pendingHeader struct {
	ID   uint64            `json:"id"`
	Tags map[string]string `json:"tags"`
}

// multiPhase writes games first and spills every header to disk, leaving headers deferred,
// then folds the spilled headers in during a second phase.
func (p *pass) multiPhase(ctx context.Context, inputs []string) error {
	spillPath := PendingPath(p.eng.Path())
	spill, err := os.Create(spillPath)
	if err != nil {
		return fmt.Errorf("error creating spill file: %w", err)
	}
	p.deferred = append(p.deferred, Headers)

	w := bufio.NewWriter(spill)
	enc := json.NewEncoder(w)
	err = each(ctx, inputs, func(g *Game) error {
		if perr := enc.Encode(pendingHeader{ID: p.next, Tags: g.Tags}); perr != nil {
			return perr
		}
		return p.writeGame(g, false)
	})
	if err == nil {
		err = w.Flush()
	}
	if err == nil {
		err = spill.Sync()
	}
	if cerr := spill.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	if err = p.sync(); err != nil {
		return err
	}
	if err = p.eng.SetStatus(Games, bulkload.StatusNormal); err != nil {
		return err
	}
	if err = p.eng.SetStatus(Headers, bulkload.StatusDeferredUpdatesPending); err != nil {
		return err
	}
	p.log.Info().Int("games", p.games).Msg("phase one complete, folding in headers")

	// From here on headers holds partial data, not merely missing data.
	p.deferred = nil
	if err = p.fold(ctx, spillPath); err != nil {
		return err
	}
	return os.Remove(spillPath)
}

func (p *pass) fold(ctx context.Context, spillPath string) error {
	f, err := os.Open(spillPath)
	if err != nil {
		return fmt.Errorf("error opening spill file: %w", err)
	}
	defer f.Close()
	dec := json.NewDecoder(bufio.NewReader(f))
	for {
		if err = ctx.Err(); err != nil {
			return err
		}
		var ph pendingHeader
		err = dec.Decode(&ph)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error reading spill file: %w", err)
		}
		tags, merr := json.Marshal(ph.Tags)
		if merr != nil {
			return merr
		}
		if err = p.put(Headers, kv.RecordKey(ph.ID), tags); err != nil {
			return err
		}
	}
}
