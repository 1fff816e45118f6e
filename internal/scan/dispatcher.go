// Package scan submits persisted uploads to the engine under a global
// concurrency limit and turns the outcomes into the upload response.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"formpost/internal/apperr"
	"formpost/internal/engine"
	"formpost/internal/metrics"

	"golang.org/x/sync/semaphore"
)

const (
	DefaultMaxConcurrent = 4
	DefaultTimeout       = 60 * time.Second

	quarantineTimeout = 30 * time.Second
)

// TempFile is a file the dispatcher takes ownership of. storage.TempFile
// implements it.
type TempFile interface {
	engine.File
	Remove() error
}

// Quarantine receives infected files before they are deleted.
type Quarantine interface {
	Put(ctx context.Context, f engine.File, signature string) error
}

// Dispatcher runs scans against one shared engine. At most MaxConcurrent
// scans hold a slot at any time. A call abandoned on timeout gives its slot
// back right away, so until it notices its cancelled context the engine may
// briefly see more than MaxConcurrent calls.
type Dispatcher struct {
	engine     engine.Engine
	sem        *semaphore.Weighted
	timeout    time.Duration
	quarantine Quarantine
	metrics    *metrics.Metrics
}

type DispatcherOption func(*Dispatcher)

func WithTimeout(d time.Duration) DispatcherOption {
	return func(s *Dispatcher) {
		s.timeout = d
	}
}

func WithQuarantine(q Quarantine) DispatcherOption {
	return func(s *Dispatcher) {
		s.quarantine = q
	}
}

func WithMetrics(m *metrics.Metrics) DispatcherOption {
	return func(s *Dispatcher) {
		s.metrics = m
	}
}

// NewDispatcher creates a dispatcher allowing maxConcurrent simultaneous
// scans. Non-positive values select the default.
func NewDispatcher(e engine.Engine, maxConcurrent int, opts ...DispatcherOption) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrent
	}

	d := &Dispatcher{
		engine:  e,
		sem:     semaphore.NewWeighted(int64(maxConcurrent)),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

type reply struct {
	res engine.Result
	err error
}

// Scan takes ownership of tmp and scans it. tmp is removed and the slot is
// released before Scan returns, whatever the outcome. The timeout covers the
// wait for a slot as well as the engine call; a call that outlives it is
// abandoned with its context cancelled.
func (d *Dispatcher) Scan(ctx context.Context, tmp TempFile) (Verdict, string, error) {
	defer func() {
		_ = tmp.Remove()
	}()

	parent := ctx
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	if err := d.sem.Acquire(ctx, 1); err != nil {
		err = d.contextErr(parent, ctx, "waiting for a scan slot")
		d.metrics.ObserveScan(apperr.Code(err), 0)
		return "", "", err
	}
	defer d.sem.Release(1)

	if ctx.Err() != nil {
		err := d.contextErr(parent, ctx, "waiting for a scan slot")
		d.metrics.ObserveScan(apperr.Code(err), 0)
		return "", "", err
	}

	start := time.Now()
	done := make(chan reply, 1)
	go func() {
		res, err := d.engine.Scan(ctx, tmp)
		done <- reply{res, err}
	}()

	var r reply
	select {
	case r = <-done:
	case <-ctx.Done():
		err := d.contextErr(parent, ctx, "scanning")
		slog.Warn("Abandoning scan", "file", tmp.Name(), "err", err)
		d.metrics.ObserveScan(apperr.Code(err), time.Since(start))
		return "", "", err
	}

	if r.err != nil {
		err := r.err
		if ctx.Err() != nil {
			err = d.contextErr(parent, ctx, "scanning")
		} else {
			err = apperr.Wrap(apperr.ErrEngine, err)
		}
		d.metrics.ObserveScan(apperr.Code(err), time.Since(start))
		return "", "", err
	}

	verdict, signature, err := FromEngine(r.res)
	if err != nil {
		d.metrics.ObserveScan(apperr.Code(err), time.Since(start))
		return "", "", err
	}
	d.metrics.ObserveScan(string(verdict), time.Since(start))

	if verdict == Virus && d.quarantine != nil {
		d.quarantineFile(parent, tmp, signature)
	}
	return verdict, signature, nil
}

// contextErr classifies a context failure. The caller going away is a
// client abort; the budget running out is a scan timeout.
func (d *Dispatcher) contextErr(parent, ctx context.Context, during string) error {
	if err := parent.Err(); err != nil {
		return apperr.Errorf(apperr.ErrClientAbort, "request cancelled while %s: %v", during, err)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Errorf(apperr.ErrScanTimeout, "no verdict within %s while %s", d.timeout, during)
	}
	return apperr.Errorf(apperr.ErrScanTimeout, "%s: %v", during, ctx.Err())
}

func (d *Dispatcher) quarantineFile(ctx context.Context, tmp TempFile, signature string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), quarantineTimeout)
	defer cancel()

	if err := d.quarantine.Put(ctx, tmp, signature); err != nil {
		slog.Error("Failed to quarantine file", "file", tmp.Name(), "signature", signature, "err", err)
		return
	}
	slog.Info("Quarantined file", "file", tmp.Name(), "signature", signature)
}
