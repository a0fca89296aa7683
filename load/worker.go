package load

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
	"git.tcp.direct/tcp.direct/bulkload/kv"
	"git.tcp.direct/tcp.direct/bulkload/loader"
)

// Request is everything a worker is told on its command line.
type Request struct {
	// Targets are the files the controller closed for us. Empty means [RecordFiles].
	Targets []string
	// Inputs are PGN files, loaded in order.
	Inputs []string
	Kind   bulkload.WorkerKind
	// Chunk is the number of games per sub-batch for [bulkload.ChunkedPass].
	Chunk int
}

func (r Request) targets() []string {
	if len(r.Targets) == 0 {
		return slices.Clone(RecordFiles)
	}
	return r.Targets
}

// Result summarizes a finished pass.
type Result struct {
	Games   int
	FirstID uint64
	NextID  uint64
}

// Work is the worker process entry point: it opens the database at location lazily, takes
// the ingest lock, loads req and releases everything again. A file filling up is reported
// through its status flag and returned as an error wrapping [bulkload.ErrEngineFileFull].
func Work(ctx context.Context, location string, req Request, log zerolog.Logger) (Result, error) {
	lock, err := loader.AcquireIngestLock(location)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if rerr := lock.Release(); rerr != nil {
			log.Warn().Err(rerr).Msg("failed to release ingest lock")
		}
	}()

	eng, err := loader.OpenEngine(location, bulkload.Lazy{})
	if err != nil {
		return Result{}, err
	}
	h := bulkload.NewHandle(location, eng, nil)
	defer func() {
		if cerr := h.Close(); cerr != nil {
			log.Warn().Err(cerr).Msg("failed to close database")
		}
	}()

	targets := req.targets()
	if err = eng.ReopenFiles(targets...); err != nil {
		return Result{}, fmt.Errorf("error opening targets: %w", err)
	}
	// the worker owns meta.json, so its handle stays open and Close syncs everything
	return Run(ctx, eng, req, log)
}

// Run loads req into eng, whose target files must already be open.
func Run(ctx context.Context, eng bulkload.Engine, req Request, log zerolog.Logger) (Result, error) {
	targets := req.targets()
	for _, name := range RecordFiles {
		if !slices.Contains(targets, name) {
			return Result{}, fmt.Errorf("%w: %s is written by every import and must be a target", bulkload.ErrConfiguration, name)
		}
	}
	for _, name := range targets {
		if eng.With(name) == nil {
			return Result{}, fmt.Errorf("%w: %s is not open", bulkload.ErrNoSuchFile, name)
		}
	}
	if req.Kind == bulkload.ChunkedPass && req.Chunk <= 0 {
		return Result{}, fmt.Errorf("%w: chunked pass needs a positive chunk size", bulkload.ErrConfiguration)
	}

	// Anything we don't get to vouch for stays unknown.
	for _, name := range targets {
		if err := eng.SetStatus(name, bulkload.StatusUnknown); err != nil {
			return Result{}, err
		}
	}

	p := &pass{
		eng:     eng,
		targets: targets,
		next:    eng.NextRecord(),
		log:     log.With().Str("caller", "worker").Str("mode", req.Kind.String()).Logger(),
	}
	p.first = p.next
	p.log.Info().Strs("inputs", req.Inputs).Uint64("first_id", p.first).Msg("starting bulk load")

	var err error
	switch req.Kind {
	case bulkload.SinglePass:
		err = p.single(ctx, req.Inputs)
	case bulkload.ChunkedPass:
		err = p.chunked(ctx, req.Inputs, req.Chunk)
	case bulkload.MultiPhase:
		err = p.multiPhase(ctx, req.Inputs)
	default:
		err = fmt.Errorf("%w: %s", bulkload.ErrConfiguration, req.Kind)
	}
	return p.finish(err)
}

type pass struct {
	eng     bulkload.Engine
	targets []string
	first   uint64
	next    uint64
	games   int
	// deferred files are left pending by an interrupted multi-phase load.
	deferred []string
	log      zerolog.Logger
}

func (p *pass) result() Result {
	return Result{Games: p.games, FirstID: p.first, NextID: p.next}
}

func (p *pass) put(store string, key, value []byte) error {
	s := p.eng.With(store)
	if s == nil {
		return fmt.Errorf("%w: %s", bulkload.ErrNoSuchFile, store)
	}
	return bulkload.NamedErr(store, s.Put(key, value))
}

func (p *pass) writeGame(g *Game, withHeaders bool) error {
	key := kv.RecordKey(p.next)
	if err := p.put(Games, key, []byte(g.Moves)); err != nil {
		return err
	}
	if withHeaders {
		tags, err := json.Marshal(g.Tags)
		if err != nil {
			return err
		}
		if err = p.put(Headers, key, tags); err != nil {
			return err
		}
	}
	p.next++
	p.games++
	return nil
}

// each feeds every game in inputs to fn, in order.
func each(ctx context.Context, inputs []string, fn func(*Game) error) error {
	for _, in := range inputs {
		if err := eachIn(ctx, in, fn); err != nil {
			return err
		}
	}
	return nil
}

func eachIn(ctx context.Context, input string, fn func(*Game) error) error {
	f, err := os.Open(input)
	if err != nil {
		return fmt.Errorf("error opening input: %w", err)
	}
	defer f.Close()
	sc := NewScanner(f)
	for {
		if err = ctx.Err(); err != nil {
			return err
		}
		var g *Game
		g, err = sc.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("%s: %w", input, err)
		}
		if err = fn(g); err != nil {
			return err
		}
	}
}

func (p *pass) single(ctx context.Context, inputs []string) error {
	return each(ctx, inputs, func(g *Game) error {
		return p.writeGame(g, true)
	})
}

// chunked runs a single pass per sub-batch of chunk games, closing and reopening the targets
// in between so the engines drop whatever they buffered.
func (p *pass) chunked(ctx context.Context, inputs []string, chunk int) error {
	inBatch := 0
	return each(ctx, inputs, func(g *Game) error {
		if err := p.writeGame(g, true); err != nil {
			return err
		}
		inBatch++
		if inBatch < chunk {
			return nil
		}
		inBatch = 0
		p.log.Debug().Int("games", p.games).Msg("chunk complete, cycling targets")
		return p.cycle()
	})
}

func (p *pass) cycle() error {
	if err := p.sync(); err != nil {
		return err
	}
	if err := p.eng.CloseFiles(p.targets...); err != nil {
		return err
	}
	return p.eng.ReopenFiles(p.targets...)
}

func (p *pass) sync() error {
	var errs []error
	for _, name := range p.targets {
		if s := p.eng.With(name); s != nil {
			errs = append(errs, bulkload.NamedErr(name, s.Sync()))
		}
	}
	return errors.Join(errs...)
}

// finish records the outcome in the engine's status flags. The record counter only moves
// on success, so a retry after a restore writes the same keys again.
func (p *pass) finish(err error) (Result, error) {
	res := p.result()
	serr := p.sync()
	switch {
	case err == nil && serr == nil:
		if err = p.eng.CommitRecords(p.next); err != nil {
			return res, err
		}
		for _, name := range p.targets {
			if err = p.eng.SetStatus(name, bulkload.StatusNormal); err != nil {
				return res, err
			}
		}
		p.log.Info().Int("games", p.games).Uint64("next_id", p.next).Msg("bulk load complete")
		return res, nil
	case errors.Is(err, bulkload.ErrEngineFileFull):
		statuses, ferr := p.eng.FileStatus()
		if ferr != nil {
			return res, errors.Join(err, ferr)
		}
		for _, name := range p.targets {
			want := bulkload.StatusNormal
			switch {
			case statuses[name] == bulkload.StatusFull:
				continue
			case slices.Contains(p.deferred, name):
				want = bulkload.StatusDeferredUpdatesPending
			}
			if serr = p.eng.SetStatus(name, want); serr != nil {
				return res, errors.Join(err, serr)
			}
		}
		if serr != nil {
			p.log.Warn().Err(serr).Msg("sync after full file failed")
		}
		p.log.Warn().Err(err).Int("games", p.games).Msg("bulk load stopped, file full")
		return res, err
	default:
		err = errors.Join(err, serr)
		p.log.Error().Err(err).Int("games", p.games).Msg("bulk load failed")
		return res, err
	}
}
