package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailtrail/internal/types"
)

// Counter scopes for the admission pipeline. The key column holds the
// sender or recipient address for the scoped counters and a fixed sentinel
// for the global one.
const (
	ScopeGlobal    = "global"
	ScopeSender    = "sender"
	ScopeRecipient = "recipient"

	// GlobalKey is the single key used for the global counter scope.
	GlobalKey = "*"
)

// RateLimitRepository manages hourly admission counters. Counters are keyed
// by (scope, key, window_start) and incremented atomically with the cap
// enforced inside the statement, so concurrent admits never overshoot.
type RateLimitRepository struct {
	db DBTX
}

// NewRateLimitRepository creates a new RateLimitRepository backed by the
// given database connection (pool or transaction).
func NewRateLimitRepository(db DBTX) *RateLimitRepository {
	return &RateLimitRepository{db: db}
}

// IncrementWithLimit increments the counter for (scope, key) in the window
// starting at windowStart, but only when the post-increment count would not
// exceed limit. Returns the resulting count and whether the increment was
// admitted. When admitted is false the stored count is unchanged.
func (r *RateLimitRepository) IncrementWithLimit(ctx context.Context, scope, key string, windowStart time.Time, limit int) (int, bool, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`INSERT INTO rate_limit_counters (scope, key, window_start, count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (scope, key, window_start) DO UPDATE
			SET count = rate_limit_counters.count + 1
			WHERE rate_limit_counters.count < $4
		 RETURNING count`,
		scope, key, windowStart, limit,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// The DO UPDATE predicate filtered the row out: the counter is
			// already at the cap.
			return limit, false, nil
		}
		return 0, false, types.NewAppError(types.ErrCodeInternalDB, "failed to increment rate limit counter", err)
	}
	if count > limit {
		// Possible when the cap was lowered after the window filled.
		return count, false, nil
	}
	return count, true, nil
}

// Current reads the counter for (scope, key) in the given window without
// modifying it. A missing row means zero.
func (r *RateLimitRepository) Current(ctx context.Context, scope, key string, windowStart time.Time) (int, error) {
	var count int
	err := r.db.QueryRow(ctx,
		`SELECT count FROM rate_limit_counters
		 WHERE scope = $1 AND key = $2 AND window_start = $3`,
		scope, key, windowStart,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to read rate limit counter", err)
	}
	return count, nil
}

// PruneBefore deletes counters for windows that started before cutoff.
// Expired windows never influence admission, so this is pure housekeeping.
func (r *RateLimitRepository) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM rate_limit_counters WHERE window_start < $1`,
		cutoff,
	)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to prune rate limit counters", err)
	}
	return tag.RowsAffected(), nil
}
