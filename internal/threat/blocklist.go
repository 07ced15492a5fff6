package threat

import (
	"context"
	"strconv"
	"time"

	"github.com/GoPolymarket/shieldgate/internal/config"
	"github.com/GoPolymarket/shieldgate/internal/pkg/apperrors"
	"github.com/GoPolymarket/shieldgate/internal/pkg/logger"
	"github.com/GoPolymarket/shieldgate/internal/pkg/metrics"
	"github.com/GoPolymarket/shieldgate/internal/store"
)

const (
	violationPrefix = "threat:viol:"
	blockPrefix     = "threat:block:"
)

// BlockList counts critical detections per client and blocks the client for a cool-down
// once the count reaches the threshold inside the violation window.
type BlockList struct {
	store     store.Store
	threshold int
	window    time.Duration
	blockFor  time.Duration
	failOpen  bool
	timeout   time.Duration
	now       func() time.Time
}

func NewBlockList(st store.Store, cfg config.ThreatConfig, timeout time.Duration) *BlockList {
	b := &BlockList{
		store:     st,
		threshold: cfg.BlockThreshold,
		window:    time.Duration(cfg.ViolationWindowSeconds) * time.Second,
		blockFor:  time.Duration(cfg.BlockSeconds) * time.Second,
		failOpen:  cfg.FailOpen,
		timeout:   timeout,
		now:       time.Now,
	}
	if b.threshold <= 0 {
		b.threshold = 5
	}
	if b.window <= 0 {
		b.window = 10 * time.Minute
	}
	if b.blockFor <= 0 {
		b.blockFor = 15 * time.Minute
	}
	return b
}

// IsBlocked reports whether clientKey is inside a cool-down and how long is left.
// degraded is set when the store could not be consulted and the check failed open.
func (b *BlockList) IsBlocked(ctx context.Context, clientKey string) (blocked bool, remaining time.Duration, degraded bool, err error) {
	sctx, cancel := store.WithTimeout(ctx, b.timeout)
	defer cancel()
	raw, ok, err := b.store.Get(sctx, blockPrefix+clientKey)
	if err != nil {
		if !b.failOpen {
			return false, 0, false, apperrors.NewDependencyUnavailable("block_list", err)
		}
		metrics.Degraded.WithLabelValues("block_list").Inc()
		logger.WarnThrottled("blocklist.degraded", "block list unavailable, allowing request", "error", err)
		return false, 0, true, nil
	}
	if !ok {
		return false, 0, false, nil
	}
	until, perr := strconv.ParseInt(raw, 10, 64)
	if perr != nil {
		return true, b.blockFor, false, nil
	}
	remaining = time.Unix(until, 0).Sub(b.now())
	if remaining <= 0 {
		remaining = time.Second
	}
	return true, remaining, false, nil
}

// RecordViolation counts one critical detection and reports whether the client is now blocked.
func (b *BlockList) RecordViolation(ctx context.Context, clientKey string) (bool, error) {
	sctx, cancel := store.WithTimeout(ctx, b.timeout)
	defer cancel()
	count, _, err := b.store.Increment(sctx, violationPrefix+clientKey, b.window)
	if err != nil {
		return false, err
	}
	if count < int64(b.threshold) {
		return false, nil
	}
	until := b.now().Add(b.blockFor).Unix()
	if err := b.store.Put(sctx, blockPrefix+clientKey, strconv.FormatInt(until, 10), b.blockFor); err != nil {
		return false, err
	}
	_ = b.store.Delete(sctx, violationPrefix+clientKey)
	logger.Warn("client blocked after repeated critical detections", "client", clientKey, "violations", count, "block_seconds", int(b.blockFor.Seconds()))
	return true, nil
}

// Unblock lifts a block early (admin action).
func (b *BlockList) Unblock(ctx context.Context, clientKey string) error {
	sctx, cancel := store.WithTimeout(ctx, b.timeout)
	defer cancel()
	if err := b.store.Delete(sctx, blockPrefix+clientKey); err != nil {
		return err
	}
	return b.store.Delete(sctx, violationPrefix+clientKey)
}
