package dispatch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/rs/zerolog"

	"git.tcp.direct/tcp.direct/bulkload"
)

// WorkerHandle is a launched worker and what it was asked to do.
type WorkerHandle struct {
	Process
	Request Request
	Started time.Time
}

type Dispatcher struct {
	launcher Launcher
	log      zerolog.Logger
}

type Option func(*Dispatcher)

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.log = l
	}
}

func NewDispatcher(launcher Launcher, opts ...Option) *Dispatcher {
	d := &Dispatcher{launcher: launcher, log: zerolog.Nop()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch releases targets through the handle's engine and launches the selected worker
// against them. It returns as soon as the worker has started.
//
// A selection made for a different engine, or an empty target or input list, fails with
// [bulkload.ErrConfiguration] before anything is closed. If the launch itself fails the
// targets are reopened and the error wraps [bulkload.ErrWorkerLaunch].
func (d *Dispatcher) Dispatch(ctx context.Context, sel Selection, h *bulkload.Handle, targets, inputs []string) (*WorkerHandle, error) {
	switch {
	case d.launcher == nil:
		return nil, fmt.Errorf("%w: no launcher", bulkload.ErrConfiguration)
	case h == nil || h.State() == bulkload.HandleClosed:
		return nil, fmt.Errorf("%w: database is not open", bulkload.ErrConfiguration)
	case sel.Engine != h.Type():
		return nil, fmt.Errorf("%w: worker selected for %q, database uses %q", bulkload.ErrConfiguration, sel.Engine, h.Type())
	case len(targets) == 0:
		return nil, fmt.Errorf("%w: no target files", bulkload.ErrConfiguration)
	case len(inputs) == 0:
		return nil, fmt.Errorf("%w: no input files", bulkload.ErrConfiguration)
	}
	known := bulkload.FileNames(h.ManagedFiles(), false)
	for _, t := range targets {
		if !slices.Contains(known, t) {
			return nil, fmt.Errorf("%w: %w: %s", bulkload.ErrConfiguration, bulkload.ErrNoSuchFile, t)
		}
	}

	req := Request{
		Location:  h.Location(),
		Selection: sel,
		Targets:   slices.Clone(targets),
		Inputs:    slices.Clone(inputs),
	}
	log := d.log.With().Str("db", h.Location()).Str("worker", sel.String()).Logger()

	if err := h.CloseFiles(targets...); err != nil {
		return nil, d.launchFailed(h, targets, fmt.Errorf("error releasing targets: %w", err), log)
	}
	h.SetState(bulkload.HandleImporting)

	proc, err := d.launcher.Launch(ctx, req)
	if err != nil {
		return nil, d.launchFailed(h, targets, err, log)
	}
	log.Info().Strs("targets", targets).Int("inputs", len(inputs)).Msg("worker dispatched")
	return &WorkerHandle{Process: proc, Request: req, Started: time.Now()}, nil
}

func (d *Dispatcher) launchFailed(h *bulkload.Handle, targets []string, cause error, log zerolog.Logger) error {
	err := fmt.Errorf("%w: %w", bulkload.ErrWorkerLaunch, cause)
	if rerr := h.ReopenFiles(targets...); rerr != nil {
		log.Error().Err(rerr).Msg("failed to reopen targets after launch failure")
		h.SetState(bulkload.HandleBroken)
		return errors.Join(err, rerr)
	}
	h.SetState(bulkload.HandleOpen)
	log.Warn().Err(cause).Msg("worker launch failed, targets reopened")
	return err
}
