package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"mailtrail/internal/config"
	"mailtrail/internal/types"
)

// AutoBlockReason marks blocklist entries created by the reputation
// counter, distinguishing them from manual blocks in stats and listings.
const AutoBlockReason = "reputation_auto_block"

// FailureCounter reads the recipient's recent hard bounces and complaints.
type FailureCounter interface {
	CountRecentFailures(ctx context.Context, recipient string, since time.Time) (int, error)
}

// BlockWriter adds entries to the blocklist.
type BlockWriter interface {
	Upsert(ctx context.Context, entry *types.BlocklistEntry) error
}

// AutoBlocker watches the stream of reputation failures and blocks a
// recipient once they cross the threshold inside the sliding window. The
// event processor calls RecordFailure after each hard bounce or complaint
// event is stored, so the count query sees the triggering event too.
type AutoBlocker struct {
	failures  FailureCounter
	blocklist BlockWriter
	limits    config.LimitsConfig
	clock     types.Clock
	logger    *slog.Logger
}

// NewAutoBlocker creates an AutoBlocker.
func NewAutoBlocker(failures FailureCounter, blocklist BlockWriter, limits config.LimitsConfig, clock types.Clock, logger *slog.Logger) *AutoBlocker {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AutoBlocker{
		failures:  failures,
		blocklist: blocklist,
		limits:    limits,
		clock:     clock,
		logger:    logger,
	}
}

// RecordFailure checks the recipient's failure count over the sliding
// window and blocklists them when it reaches the threshold. Re-crossing the
// threshold refreshes the existing entry's expiry.
func (a *AutoBlocker) RecordFailure(ctx context.Context, recipient string) error {
	now := a.clock.Now()
	count, err := a.failures.CountRecentFailures(ctx, recipient, now.Add(-a.limits.AutoBlockWindow))
	if err != nil {
		return err
	}
	if count < a.limits.AutoBlockThreshold {
		return nil
	}

	entry := &types.BlocklistEntry{
		ID:     "blk_" + uuid.New().String(),
		Email:  recipient,
		Reason: AutoBlockReason,
	}
	if a.limits.AutoBlockTTL > 0 {
		entry.ExpiresAt = now.Add(a.limits.AutoBlockTTL)
	}
	if err := a.blocklist.Upsert(ctx, entry); err != nil {
		return err
	}

	a.logger.WarnContext(ctx, "recipient auto-blocked",
		"recipient", recipient,
		"failures", count,
		"window", a.limits.AutoBlockWindow.String(),
	)
	return nil
}
