package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"mailtrail/internal/types"
)

// BlocklistRepository provides data access for the blocklist table.
// email is the unique active key; removal is a hard delete, there is no
// soft-delete flag anywhere in the schema.
type BlocklistRepository struct {
	db DBTX
}

// NewBlocklistRepository creates a new BlocklistRepository backed by the
// given database connection (pool or transaction).
func NewBlocklistRepository(db DBTX) *BlocklistRepository {
	return &BlocklistRepository{db: db}
}

// Upsert adds an email to the blocklist. Re-adding an existing email
// refreshes the reason and expiry rather than failing, so automatic and
// manual blocks converge on the latest decision.
func (r *BlocklistRepository) Upsert(ctx context.Context, entry *types.BlocklistEntry) error {
	row := r.db.QueryRow(ctx,
		`INSERT INTO blocklist (id, email, reason, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (email) DO UPDATE SET
			reason = EXCLUDED.reason,
			expires_at = EXCLUDED.expires_at
		 RETURNING id, created_at`,
		entry.ID,
		strings.ToLower(entry.Email),
		entry.Reason,
		nilIfZeroTime(entry.ExpiresAt),
	)
	if err := row.Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert blocklist entry", err)
	}
	return nil
}

// Remove hard-deletes a blocklist entry by email. Returns NotFound when the
// email is not on the list.
func (r *BlocklistRepository) Remove(ctx context.Context, email string) error {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM blocklist WHERE email = $1`,
		strings.ToLower(email),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to remove blocklist entry", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundBlocklist, "blocklist entry not found", nil)
	}
	return nil
}

// Get retrieves a blocklist entry by email regardless of expiry.
func (r *BlocklistRepository) Get(ctx context.Context, email string) (*types.BlocklistEntry, error) {
	row := r.db.QueryRow(ctx,
		`SELECT id, email, reason, created_at, expires_at
		 FROM blocklist WHERE email = $1`,
		strings.ToLower(email),
	)
	entry, err := scanBlocklistEntry(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundBlocklist, "blocklist entry not found", err)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to get blocklist entry", err)
	}
	return entry, nil
}

// IsBlocked reports whether the email has an active entry (expires_at null
// or in the future) and returns the blocking reason when it does.
func (r *BlocklistRepository) IsBlocked(ctx context.Context, email string) (bool, string, error) {
	var reason string
	err := r.db.QueryRow(ctx,
		`SELECT reason FROM blocklist
		 WHERE email = $1 AND (expires_at IS NULL OR expires_at > NOW())`,
		strings.ToLower(email),
	).Scan(&reason)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, "", nil
		}
		return false, "", types.NewAppError(types.ErrCodeInternalDB, "failed to check blocklist", err)
	}
	return true, reason, nil
}

// List retrieves blocklist entries matching the filter, newest first.
func (r *BlocklistRepository) List(ctx context.Context, filter types.BlocklistFilter) ([]*types.BlocklistEntry, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}

	where, args := buildBlocklistFilter(filter)
	query := fmt.Sprintf(
		`SELECT id, email, reason, created_at, expires_at
		 FROM blocklist %s
		 ORDER BY created_at DESC
		 LIMIT $%d OFFSET $%d`,
		where, len(args)+1, len(args)+2,
	)
	args = append(args, limit, filter.Offset)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list blocklist entries", err)
	}
	defer rows.Close()

	var results []*types.BlocklistEntry
	for rows.Next() {
		entry, scanErr := scanBlocklistEntry(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan blocklist row", scanErr)
		}
		results = append(results, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating blocklist rows", err)
	}

	return results, nil
}

// Count returns the number of blocklist entries matching the filter.
func (r *BlocklistRepository) Count(ctx context.Context, filter types.BlocklistFilter) (int, error) {
	where, args := buildBlocklistFilter(filter)

	var count int
	err := r.db.QueryRow(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM blocklist %s`, where),
		args...,
	).Scan(&count)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to count blocklist entries", err)
	}
	return count, nil
}

// Stats aggregates blocklist totals for the operator API: overall, active,
// expired, and a per-reason breakdown.
func (r *BlocklistRepository) Stats(ctx context.Context) (*types.BlocklistStats, error) {
	stats := &types.BlocklistStats{ByReason: make(map[string]int)}

	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*),
		        COUNT(*) FILTER (WHERE expires_at IS NULL OR expires_at > NOW()),
		        COUNT(*) FILTER (WHERE expires_at IS NOT NULL AND expires_at <= NOW())
		 FROM blocklist`,
	).Scan(&stats.Total, &stats.Active, &stats.Expired)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate blocklist totals", err)
	}

	rows, err := r.db.Query(ctx,
		`SELECT reason, COUNT(*) FROM blocklist GROUP BY reason`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to aggregate blocklist reasons", err)
	}
	defer rows.Close()

	for rows.Next() {
		var reason string
		var count int
		if err := rows.Scan(&reason, &count); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan blocklist reason row", err)
		}
		stats.ByReason[reason] = count
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating blocklist reason rows", err)
	}

	return stats, nil
}

// buildBlocklistFilter translates a BlocklistFilter into a WHERE clause.
func buildBlocklistFilter(filter types.BlocklistFilter) (string, []any) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.ActiveOnly {
		conditions = append(conditions, "(expires_at IS NULL OR expires_at > NOW())")
	}
	if filter.Reason != "" {
		conditions = append(conditions, fmt.Sprintf("reason = $%d", argIdx))
		args = append(args, filter.Reason)
		argIdx++
	}
	if filter.Search != "" {
		conditions = append(conditions, fmt.Sprintf("email LIKE $%d", argIdx))
		args = append(args, "%"+strings.ToLower(filter.Search)+"%")
		argIdx++
	}

	if len(conditions) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

// scanBlocklistEntry scans a blocklist row. expires_at is nullable.
func scanBlocklistEntry(row pgx.Row) (*types.BlocklistEntry, error) {
	var (
		entry     types.BlocklistEntry
		expiresAt *time.Time
	)
	if err := row.Scan(&entry.ID, &entry.Email, &entry.Reason, &entry.CreatedAt, &expiresAt); err != nil {
		return nil, err
	}
	if expiresAt != nil {
		entry.ExpiresAt = *expiresAt
	}
	return &entry, nil
}
