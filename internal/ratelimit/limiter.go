// Package ratelimit implements send-time admission control: blocklist
// membership, layered hourly caps, and reactive auto-blocking driven by
// bounce and complaint events.
package ratelimit

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"mailtrail/internal/config"
	"mailtrail/internal/db"
	"mailtrail/internal/metrics"
	"mailtrail/internal/types"
)

// Layer identifies which admission check denied a send.
type Layer string

const (
	LayerGlobal    Layer = "global"
	LayerSender    Layer = "sender"
	LayerRecipient Layer = "recipient"
)

// Decision is the result of one admission check.
type Decision struct {
	Allowed bool `json:"allowed"`
	// Blocked is true when the recipient is on the blocklist; Reason then
	// carries the blocking reason.
	Blocked bool   `json:"blocked,omitempty"`
	Reason  string `json:"reason,omitempty"`
	// RateLimited is true when an hourly cap denied the send; Layer then
	// names which one.
	RateLimited bool  `json:"rate_limited,omitempty"`
	Layer       Layer `json:"layer,omitempty"`
}

// Limiter enforces the admission pipeline. All checks for one Admit call run
// inside a single transaction: counters increment atomically with the cap
// enforced in the statement, and a denial rolls every increment back so a
// refused send consumes no quota.
type Limiter struct {
	pool     db.TxBeginner
	clock    types.Clock
	logger   *slog.Logger
	recorder metrics.Recorder

	mu     sync.RWMutex
	limits config.LimitsConfig
}

// NewLimiter creates a Limiter with the provided caps. A nil recorder
// disables admission metrics.
func NewLimiter(pool db.TxBeginner, limits config.LimitsConfig, recorder metrics.Recorder, clock types.Clock, logger *slog.Logger) *Limiter {
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		pool:     pool,
		clock:    clock,
		logger:   logger,
		recorder: recorder,
		limits:   limits,
	}
}

// Reload swaps the caps without restarting. In-flight Admit calls finish
// with the limits they started with.
func (l *Limiter) Reload(limits config.LimitsConfig) {
	l.mu.Lock()
	l.limits = limits
	l.mu.Unlock()
	l.logger.Info("rate limits reloaded",
		"global_hourly", limits.GlobalHourlyCap,
		"sender_hourly", limits.SenderHourlyCap,
		"recipient_hourly", limits.RecipientHourlyCap,
	)
}

// Limits returns the currently active caps.
func (l *Limiter) Limits() config.LimitsConfig {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.limits
}

// Admit decides whether one send to recipient from sender may proceed,
// checking in order: blocklist membership, the global hourly cap, the
// per-sender cap, and the per-recipient cap. On success all three counters
// have been incremented atomically; on denial none have. Errors fail closed:
// the caller must not send.
func (l *Limiter) Admit(ctx context.Context, recipient, sender string) (Decision, error) {
	limits := l.Limits()
	recipient = strings.ToLower(recipient)
	sender = strings.ToLower(sender)

	tx, err := l.pool.Begin(ctx)
	if err != nil {
		return Decision{}, types.NewAppError(types.ErrCodeInternalDB, "failed to begin admission transaction", err)
	}
	defer tx.Rollback(ctx)

	blocklist := db.NewBlocklistRepository(tx)
	blocked, reason, err := blocklist.IsBlocked(ctx, recipient)
	if err != nil {
		return Decision{}, err
	}
	if blocked {
		l.logger.InfoContext(ctx, "send denied by blocklist",
			"recipient", recipient,
			"reason", reason,
		)
		l.recorder.RecordAdmission(ctx, "blocked")
		return Decision{Blocked: true, Reason: reason}, nil
	}

	window := l.clock.Now().Truncate(time.Hour)
	counters := db.NewRateLimitRepository(tx)

	checks := []struct {
		layer Layer
		scope string
		key   string
		limit int
	}{
		{LayerGlobal, db.ScopeGlobal, db.GlobalKey, limits.GlobalHourlyCap},
		{LayerSender, db.ScopeSender, sender, limits.SenderHourlyCap},
		{LayerRecipient, db.ScopeRecipient, recipient, limits.RecipientHourlyCap},
	}
	for _, c := range checks {
		_, allowed, err := counters.IncrementWithLimit(ctx, c.scope, c.key, window, c.limit)
		if err != nil {
			return Decision{}, err
		}
		if !allowed {
			// Rollback discards the increments made so far.
			l.logger.InfoContext(ctx, "send denied by rate limit",
				"layer", string(c.layer),
				"recipient", recipient,
				"sender", sender,
			)
			l.recorder.RecordAdmission(ctx, "rate_limited")
			return Decision{RateLimited: true, Layer: c.layer}, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Decision{}, types.NewAppError(types.ErrCodeInternalDB, "failed to commit admission transaction", err)
	}
	l.recorder.RecordAdmission(ctx, "allowed")
	return Decision{Allowed: true}, nil
}

// AdmissionError converts a denial into the AppError surfaced on the send
// path, where a refused create is a request failure.
func AdmissionError(d Decision) *types.AppError {
	if d.Blocked {
		return types.NewAppError(types.ErrCodeEmailBlocked, "recipient is blocklisted", nil).
			WithDetails(map[string]any{"reason": d.Reason})
	}
	return types.NewAppError(types.ErrCodeRateLimited, "hourly send limit reached", nil).
		WithDetails(map[string]any{"layer": string(d.Layer)})
}

// PruneCounters removes counter rows for hour windows older than the cutoff.
// Run periodically from the API process, which owns the limiter.
func (l *Limiter) PruneCounters(ctx context.Context, age time.Duration) (int64, error) {
	counters := db.NewRateLimitRepository(l.pool)
	return counters.PruneBefore(ctx, l.clock.Now().Add(-age).Truncate(time.Hour))
}
