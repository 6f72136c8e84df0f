package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"mailtrail/internal/types"
)

// BlocklistRepo is the full blocklist access used by the admin surface.
type BlocklistRepo interface {
	Upsert(ctx context.Context, entry *types.BlocklistEntry) error
	Remove(ctx context.Context, email string) error
	Get(ctx context.Context, email string) (*types.BlocklistEntry, error)
	List(ctx context.Context, filter types.BlocklistFilter) ([]*types.BlocklistEntry, error)
	Count(ctx context.Context, filter types.BlocklistFilter) (int, error)
	Stats(ctx context.Context) (*types.BlocklistStats, error)
}

// BlocklistService implements the operator-facing blocklist operations.
type BlocklistService struct {
	repo     BlocklistRepo
	validate *validator.Validate
	clock    types.Clock
	logger   *slog.Logger
}

// NewBlocklistService creates a BlocklistService.
func NewBlocklistService(repo BlocklistRepo, clock types.Clock, logger *slog.Logger) *BlocklistService {
	if clock == nil {
		clock = types.RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BlocklistService{
		repo:     repo,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		clock:    clock,
		logger:   logger,
	}
}

// AddInput is a manual block request.
type AddInput struct {
	Email  string `validate:"required,email"`
	Reason string `validate:"required,max=255"`
	// TTL bounds the block; zero means permanent.
	TTL time.Duration `validate:"min=0"`
}

// Add blocks an email address. Adding an already-blocked address refreshes
// its reason and expiry.
func (s *BlocklistService) Add(ctx context.Context, in AddInput) (*types.BlocklistEntry, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput, "invalid blocklist input", err)
	}

	entry := &types.BlocklistEntry{
		ID:     "blk_" + uuid.New().String(),
		Email:  in.Email,
		Reason: in.Reason,
	}
	if in.TTL > 0 {
		entry.ExpiresAt = s.clock.Now().Add(in.TTL)
	}

	if err := s.repo.Upsert(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "blocklist entry added",
		"email", entry.Email,
		"reason", entry.Reason,
		"permanent", entry.ExpiresAt.IsZero(),
	)
	return entry, nil
}

// Remove unblocks an email address. A hard delete: there is no soft-delete
// state to resurrect.
func (s *BlocklistService) Remove(ctx context.Context, email string) error {
	if err := s.repo.Remove(ctx, email); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "blocklist entry removed", "email", email)
	return nil
}

// Get retrieves one entry by email, expired or not.
func (s *BlocklistService) Get(ctx context.Context, email string) (*types.BlocklistEntry, error) {
	return s.repo.Get(ctx, email)
}

// List retrieves entries matching the filter.
func (s *BlocklistService) List(ctx context.Context, filter types.BlocklistFilter) ([]*types.BlocklistEntry, error) {
	return s.repo.List(ctx, filter)
}

// Count returns the number of entries matching the filter.
func (s *BlocklistService) Count(ctx context.Context, filter types.BlocklistFilter) (int, error) {
	return s.repo.Count(ctx, filter)
}

// Stats aggregates blocklist totals.
func (s *BlocklistService) Stats(ctx context.Context) (*types.BlocklistStats, error) {
	return s.repo.Stats(ctx)
}
