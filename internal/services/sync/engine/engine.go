// Package engine drains the sync queue against a remote applier.
//
// Items are applied one at a time in ascending id order. A success marks the
// item synced; a failure records one attempt and the error text. An
// unreachable failure stops the rest of the pass after its attempt is
// recorded. Drain calls are single-flight: callers that arrive while a drain
// is running share its result, and their arrival schedules one extra pass
// when the running drain completes.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/louisbranch/offlinesync/internal/platform/otel"
	"github.com/louisbranch/offlinesync/internal/platform/timeouts"
	"github.com/louisbranch/offlinesync/internal/services/sync/queue"
	"github.com/louisbranch/offlinesync/internal/services/sync/storage"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
)

const (
	tracerName = "github.com/louisbranch/offlinesync/internal/services/sync/engine"
	drainKey   = "drain"

	// DefaultSyncedRetention keeps synced items around for inspection before
	// they are purged.
	DefaultSyncedRetention = 7 * 24 * time.Hour

	outcomeSynced       = "synced"
	outcomeRetry        = "retry"
	outcomeDead         = "dead"
	outcomeAlreadyFinal = "already_synced"
)

// Options configures an Engine.
type Options struct {
	// ApplyTimeout bounds each Apply call. A timeout counts as unreachable.
	ApplyTimeout time.Duration
	// SyncedRetention is how long synced items are kept. Negative disables
	// purging.
	SyncedRetention time.Duration
	Clock           func() time.Time
	Logf            func(string, ...any)
	Tracer          trace.Tracer
}

func (o Options) normalized() Options {
	if o.ApplyTimeout <= 0 {
		o.ApplyTimeout = timeouts.RemoteApply
	}
	if o.SyncedRetention == 0 {
		o.SyncedRetention = DefaultSyncedRetention
	}
	if o.Clock == nil {
		o.Clock = time.Now
	}
	if o.Logf == nil {
		o.Logf = log.Printf
	}
	if o.Tracer == nil {
		o.Tracer = otel.Tracer(tracerName)
	}
	return o
}

// Result summarizes one Drain call.
type Result struct {
	Processed    int
	Synced       int
	Retried      int
	DeadLettered int
	// Halted is true when an unreachable failure stopped a pass early.
	Halted bool
	Passes int
	Purged int
}

func (r *Result) add(other Result) {
	r.Processed += other.Processed
	r.Synced += other.Synced
	r.Retried += other.Retried
	r.DeadLettered += other.DeadLettered
	r.Halted = r.Halted || other.Halted
	r.Passes += other.Passes
}

// Engine drains a queue through an Applier.
type Engine struct {
	queue   *queue.Queue
	applier Applier
	opts    Options

	group singleflight.Group
	busy  atomic.Bool
	rerun atomic.Bool
	// work serializes passes and manual replays.
	work sync.Mutex
}

// New builds an Engine.
func New(q *queue.Queue, applier Applier, opts Options) *Engine {
	return &Engine{queue: q, applier: applier, opts: opts.normalized()}
}

// Busy reports whether a drain is running.
func (e *Engine) Busy() bool {
	return e.busy.Load()
}

// Drain runs a drain, or joins the one already running. A caller that joins
// shares the running drain's result and schedules one extra pass before that
// drain returns. When the join lands after the running drain made its final
// check, the caller starts a fresh drain instead of returning a stale result.
func (e *Engine) Drain(ctx context.Context) (Result, error) {
	if e == nil || e.queue == nil || e.applier == nil {
		return Result{}, fmt.Errorf("sync engine is not configured")
	}
	result, err := e.drainOnce(ctx)
	if err != nil || result.Halted || !e.rerun.Load() {
		return result, err
	}
	return e.drainOnce(ctx)
}

func (e *Engine) drainOnce(ctx context.Context) (Result, error) {
	// A drain clears the flag when it starts, so only triggers that arrive
	// while it runs survive to its final check.
	e.rerun.Store(true)
	value, err, _ := e.group.Do(drainKey, func() (any, error) {
		return e.drain(ctx)
	})
	result, _ := value.(Result)
	return result, err
}

func (e *Engine) drain(ctx context.Context) (Result, error) {
	e.busy.Store(true)
	defer e.busy.Store(false)
	e.rerun.Store(false)

	started := e.opts.Clock()
	var total Result
	for pass := 1; pass <= 2; pass++ {
		generation := e.queue.Generation()
		result, err := e.runPass(ctx, pass)
		total.add(result)
		if err != nil {
			return total, err
		}
		total.Purged += e.purge(ctx)
		if result.Halted {
			e.rerun.Store(false)
			break
		}
		// At most one extra pass. A trigger that lands during it stays set
		// so its caller drains again.
		if pass == 2 {
			break
		}
		// Checked after the purge so triggers and enqueues that landed while
		// this pass was finishing are still seen.
		if !e.rerun.Swap(false) && e.queue.Generation() == generation {
			break
		}
	}

	if total.Processed > 0 {
		e.opts.Logf("sync drain: passes=%d processed=%d synced=%d retried=%d dead=%d halted=%t in %s",
			total.Passes, total.Processed, total.Synced, total.Retried, total.DeadLettered, total.Halted,
			e.opts.Clock().Sub(started))
	}
	return total, nil
}

func (e *Engine) purge(ctx context.Context) int {
	if e.opts.SyncedRetention <= 0 {
		return 0
	}
	purged, err := e.queue.PurgeSynced(ctx, e.opts.SyncedRetention)
	if err != nil {
		e.opts.Logf("sync drain purge failed: %v", err)
	}
	return purged
}

func (e *Engine) runPass(ctx context.Context, pass int) (result Result, err error) {
	e.work.Lock()
	defer e.work.Unlock()

	ctx, span := e.opts.Tracer.Start(ctx, "sync.drain.pass", trace.WithAttributes(attribute.Int("sync.pass", pass)))
	defer func() {
		span.SetAttributes(
			attribute.Int("sync.processed", result.Processed),
			attribute.Int("sync.synced", result.Synced),
			attribute.Bool("sync.halted", result.Halted),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	result.Passes = 1
	items, err := e.queue.DrainCandidates(ctx)
	if err != nil {
		return result, fmt.Errorf("load drain candidates: %w", err)
	}
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		outcome, applyErr, err := e.process(ctx, item)
		if err != nil {
			return result, err
		}
		switch outcome {
		case outcomeAlreadyFinal:
			continue
		case outcomeSynced:
			result.Synced++
		case outcomeRetry:
			result.Retried++
		case outcomeDead:
			result.DeadLettered++
		}
		result.Processed++
		if applyErr != nil && Classify(applyErr) == FailureUnreachable {
			e.opts.Logf("sync drain halted at item %d: %v", item.ID, applyErr)
			result.Halted = true
			return result, nil
		}
	}
	return result, nil
}

// process applies one item and records the outcome. It returns the apply
// failure separately from errors that should abort the drain.
func (e *Engine) process(ctx context.Context, item queue.Item) (outcome string, applyErr error, err error) {
	ctx, span := e.opts.Tracer.Start(ctx, "sync.apply", trace.WithAttributes(
		attribute.Int64("sync.item.id", item.ID),
		attribute.String("sync.item.kind", item.Kind),
		attribute.Int("sync.item.attempts", item.Attempts),
	))
	defer func() {
		span.SetAttributes(attribute.String("sync.outcome", outcome))
		if applyErr != nil {
			span.RecordError(applyErr)
			span.SetStatus(codes.Error, string(Classify(applyErr)))
		}
		span.End()
	}()

	applyErr = e.apply(ctx, item)
	if applyErr == nil {
		if err := e.queue.MarkSynced(ctx, item.ID); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return outcomeAlreadyFinal, nil, nil
			}
			return "", nil, err
		}
		return outcomeSynced, nil, nil
	}
	if err := ctx.Err(); err != nil {
		// The caller gave up; the remote did not fail this item.
		return "", nil, err
	}

	updated, err := e.queue.IncrementAttempts(ctx, item.ID, applyErr)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return outcomeAlreadyFinal, nil, nil
		}
		return "", applyErr, err
	}
	if e.queue.IsDead(updated) {
		e.opts.Logf("sync item %d (%s) dead-lettered after %d attempts: %v", item.ID, item.Kind, updated.Attempts, applyErr)
		return outcomeDead, applyErr, nil
	}
	return outcomeRetry, applyErr, nil
}

func (e *Engine) apply(ctx context.Context, item queue.Item) error {
	applyCtx, cancel := context.WithTimeout(ctx, e.opts.ApplyTimeout)
	defer cancel()
	err := e.applier.Apply(applyCtx, item)
	if err == nil {
		return nil
	}
	if ctx.Err() == nil && errors.Is(applyCtx.Err(), context.DeadlineExceeded) {
		return Unreachable(fmt.Errorf("apply timed out after %s: %w", e.opts.ApplyTimeout, err))
	}
	return err
}

// Replay applies one item outside the automatic retry budget, typically a
// dead letter. A failure still records an attempt; the apply error is
// returned alongside the updated item.
func (e *Engine) Replay(ctx context.Context, id int64) (queue.Item, error) {
	if e == nil || e.queue == nil || e.applier == nil {
		return queue.Item{}, fmt.Errorf("sync engine is not configured")
	}
	e.work.Lock()
	defer e.work.Unlock()

	item, err := e.queue.Get(ctx, id)
	if err != nil {
		return queue.Item{}, fmt.Errorf("load item %d: %w", id, err)
	}
	if item.Synced {
		return item, fmt.Errorf("item %d is already synced", id)
	}
	outcome, applyErr, err := e.process(ctx, item)
	if err != nil {
		return item, err
	}
	if outcome == outcomeSynced {
		e.opts.Logf("sync item %d replayed", id)
	}
	updated, err := e.queue.Get(ctx, id)
	if err != nil {
		return item, fmt.Errorf("reload item %d: %w", id, err)
	}
	if applyErr != nil {
		return updated, fmt.Errorf("replay item %d: %w", id, applyErr)
	}
	return updated, nil
}
