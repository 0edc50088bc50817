// Package consumer drives a vault's queue: it claims the next eligible
// window under the vault lease, invokes the apply engine, and advances
// the watermark on commit. All durable state lives in the control plane,
// so any invocation is safely reentrant.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/directdata/bridge/alert"
	"github.com/directdata/bridge/apply"
	"github.com/directdata/bridge/controlplane"
)

// Kind selects the consumer's lane. The LOG lane runs as an independent
// consumer instance with its own lease key and watermark.
type Kind string

const (
	KindIncremental Kind = "incr"
	KindLog         Kind = "log"
)

const scanBatch = 16

// Applier applies one claimed window. *apply.Engine is the production
// implementation.
type Applier interface {
	Apply(ctx context.Context, req apply.Request) (err error)
}

// Config is the consumer's immutable process configuration.
type Config struct {
	VaultID     string
	Kind        Kind
	Owner       string
	LeaseTTL    time.Duration
	MaxAttempts int
}

// Consumer drains one vault's queue.
type Consumer struct {
	cfg    Config
	store  controlplane.Store
	engine Applier
	alerts alert.Alerter
}

// New returns a Consumer.
func New(cfg Config, store controlplane.Store, engine Applier, alerts alert.Alerter) *Consumer {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 15 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Consumer{cfg: cfg, store: store, engine: engine, alerts: alerts}
}

// RunOnce drains the queue until it is empty or blocked. Finding the
// lease held is success: another runner owns the vault.
func (c *Consumer) RunOnce(ctx context.Context) error {
	var lease, err = c.store.AcquireLease(ctx, c.cfg.VaultID, string(c.cfg.Kind), c.cfg.Owner, c.cfg.LeaseTTL)
	if errors.Is(err, controlplane.ErrLeaseHeld) {
		leaseConflictsCounter.WithLabelValues(c.cfg.VaultID).Inc()
		log.WithField("vault", c.cfg.VaultID).Debug("vault lease is held; exiting")
		return nil
	} else if err != nil {
		return fmt.Errorf("acquiring vault lease: %w", err)
	}
	defer func() {
		if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
			log.WithError(err).Warn("failed to release vault lease")
		}
	}()

	for {
		var proceed, err = c.step(ctx, lease)
		if err != nil || !proceed {
			return err
		}
	}
}

// Run services the queue until ctx is done, waking on change-stream
// events and on a periodic timer that covers missed events.
func (c *Consumer) Run(ctx context.Context, pollInterval time.Duration) error {
	var events, err = c.store.Subscribe(ctx, c.cfg.VaultID)
	if err != nil {
		return fmt.Errorf("subscribing to queue events: %w", err)
	}
	var ticker = time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if err := c.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				if err := ctx.Err(); err != nil {
					return err
				}
				// The watch failed out from under us; surface it rather
				// than reporting a clean exit with a dead stream.
				return errors.New("queue event stream closed")
			}
		case <-ticker.C:
		}
	}
}

// step selects and applies at most one window. It reports whether the
// driver loop should continue.
func (c *Consumer) step(ctx context.Context, lease controlplane.Lease) (bool, error) {
	var state, err = c.loadState(ctx)
	if err != nil {
		return false, err
	}

	var loadType, watermark = c.lane(state)
	entries, err := c.store.ScanForward(ctx, c.cfg.VaultID, loadType, watermark, scanBatch)
	if err != nil {
		return false, fmt.Errorf("scanning queue: %w", err)
	}

	for _, entry := range entries {
		if entry.Epoch != state.CurrentEpoch {
			continue // Invalidated by a full-load trigger.
		}
		var logger = log.WithFields(log.Fields{
			"vault":    c.cfg.VaultID,
			"window":   entry.SortKey(),
			"status":   entry.Status,
			"attempts": entry.AttemptCount,
		})

		switch entry.Status {
		case controlplane.StatusApplied:
			continue

		case controlplane.StatusFailed:
			logger.Warn("queue is blocked by a failed window; operator reset required")
			return false, nil

		case controlplane.StatusProcessing:
			// Holding the lease proves the prior owner's lease expired,
			// so its apply aborted pre-commit.
			if entry.AttemptCount >= c.cfg.MaxAttempts {
				logger.Error("window is stuck processing after max attempts; operator reset required")
				return false, nil
			}
			if _, err := c.store.ConditionalUpdate(ctx, entry.Key(), controlplane.StatusProcessing,
				controlplane.EntryUpdate{Status: controlplane.StatusReady}); err != nil &&
				!errors.Is(err, controlplane.ErrPreconditionFailed) {
				return false, err
			}
			logger.Info("requeued window abandoned by an expired lease")
			return true, nil

		case controlplane.StatusReady:
			claimed, err := c.store.ConditionalUpdate(ctx, entry.Key(), controlplane.StatusReady,
				controlplane.EntryUpdate{Status: controlplane.StatusProcessing, IncrementAttempt: true})
			if errors.Is(err, controlplane.ErrPreconditionFailed) {
				return true, nil // Lost the race; re-select.
			} else if err != nil {
				return false, err
			}
			return c.applyClaimed(ctx, lease, state, claimed)
		}
	}
	return false, nil // Queue drained.
}

// applyClaimed runs the engine on a claimed window, renewing the lease
// throughout, and records the outcome.
func (c *Consumer) applyClaimed(ctx context.Context, lease controlplane.Lease, state *controlplane.VaultState, entry *controlplane.Entry) (bool, error) {
	var logger = log.WithFields(log.Fields{
		"vault":  c.cfg.VaultID,
		"window": entry.SortKey(),
	})
	var started = time.Now()

	var applyCtx, cancel = context.WithCancel(ctx)
	defer cancel()

	// The lease is renewed at a third of its TTL. Losing it cancels the
	// apply so the warehouse transaction aborts before commit; the entry
	// stays PROCESSING and recovers via lease expiry.
	var leaseLost bool
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		var ticker = time.NewTicker(c.cfg.LeaseTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-applyCtx.Done():
				return
			case <-ticker.C:
				if err := lease.Renew(applyCtx); err != nil {
					logger.WithError(err).Error("lost vault lease mid-apply; aborting")
					leaseLost = true
					cancel()
					return
				}
			}
		}
	}()

	var err = c.engine.Apply(applyCtx, apply.Request{
		VaultID:     entry.VaultID,
		LoadType:    entry.LoadType,
		LogicalTime: entry.LogicalTime,
		Prefix:      entry.Prefix,
		Epoch:       entry.Epoch,
	})
	cancel()
	wg.Wait()

	if err != nil {
		if leaseLost || ctx.Err() != nil {
			// Pre-commit abort: leave the entry PROCESSING for lease
			// expiry to recover.
			return false, fmt.Errorf("apply aborted: %w", err)
		}
		if _, uerr := c.store.ConditionalUpdate(ctx, entry.Key(), controlplane.StatusProcessing,
			controlplane.EntryUpdate{Status: controlplane.StatusFailed, LastError: err.Error()}); uerr != nil {
			logger.WithError(uerr).Error("failed to mark window FAILED")
		}
		windowFailuresCounter.WithLabelValues(c.cfg.VaultID, string(entry.LoadType)).Inc()
		c.alerts.CriticalFailure(ctx, c.cfg.VaultID, entry.SortKey(), err.Error())
		return false, fmt.Errorf("applying window %s: %w", entry.SortKey(), err)
	}

	if _, err := c.store.ConditionalUpdate(ctx, entry.Key(), controlplane.StatusProcessing,
		controlplane.EntryUpdate{Status: controlplane.StatusApplied}); err != nil {
		return false, fmt.Errorf("marking window applied: %w", err)
	}
	if err := c.advance(ctx, state, entry); err != nil {
		return false, err
	}

	windowsAppliedCounter.WithLabelValues(c.cfg.VaultID, string(entry.LoadType)).Inc()
	applyDurationSeconds.WithLabelValues(c.cfg.VaultID, string(entry.LoadType)).
		Observe(time.Since(started).Seconds())
	logger.WithField("took", time.Since(started)).Info("window applied")
	return true, nil
}

// advance moves the lane's watermark past the committed window. A FULL
// commit flips the vault back to incremental mode; its watermark was
// already rewound to the snapshot boundary by the trigger.
func (c *Consumer) advance(ctx context.Context, state *controlplane.VaultState, entry *controlplane.Entry) error {
	var update controlplane.StateUpdate
	switch entry.LoadType {
	case controlplane.LoadLog:
		update.LogWatermark = &entry.LogicalTime
	case controlplane.LoadFull:
		var mode = controlplane.ModeIncremental
		update.Mode = &mode
	default:
		update.LastAppliedStopTime = &entry.LogicalTime
	}
	if _, err := c.store.UpdateVaultState(ctx, c.cfg.VaultID, state.CurrentEpoch, update); err != nil {
		return fmt.Errorf("advancing watermark past %s: %w", entry.SortKey(), err)
	}
	return nil
}

// loadState reads the vault state, seeding an empty incremental record
// on first contact with a vault.
func (c *Consumer) loadState(ctx context.Context) (*controlplane.VaultState, error) {
	var state, err = c.store.GetVaultState(ctx, c.cfg.VaultID)
	if errors.Is(err, controlplane.ErrNotFound) {
		state = &controlplane.VaultState{
			VaultID: c.cfg.VaultID,
			Mode:    controlplane.ModeIncremental,
		}
		if err := c.store.PutVaultState(ctx, state); err != nil {
			return nil, fmt.Errorf("seeding vault state: %w", err)
		}
		return state, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading vault state: %w", err)
	}
	return state, nil
}

// lane maps the consumer's kind and the vault's mode onto the load type
// to drain and the watermark to scan from.
func (c *Consumer) lane(state *controlplane.VaultState) (controlplane.LoadType, string) {
	if c.cfg.Kind == KindLog {
		return controlplane.LoadLog, state.LogWatermark
	}
	if state.Mode == controlplane.ModeFullLoad {
		// FULL keys are dates, lexically below any minute-precision
		// watermark, so the scan starts from the beginning.
		return controlplane.LoadFull, ""
	}
	return controlplane.LoadIncremental, state.LastAppliedStopTime
}
