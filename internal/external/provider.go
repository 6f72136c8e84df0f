package external

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"mailtrail/internal/config"
	"mailtrail/internal/types"
)

// HistoryEvent is one provider-side delivery event returned by the
// event-history API. Payload carries the raw notification document in the
// same shape the queues deliver, so it can feed the event processor
// unchanged. Source names the provider feed the event surfaced on.
type HistoryEvent struct {
	Source  string          `json:"source"`
	Payload json.RawMessage `json:"payload"`
}

// HistoryClient is the lookup surface the reconciler depends on.
type HistoryClient interface {
	MessageEvents(ctx context.Context, correlationID string) ([]HistoryEvent, error)
}

type historyResponse struct {
	Events []HistoryEvent `json:"events"`
}

// ProviderHistoryClient queries the provider's event-history API for the
// delivery events of a single message. All calls go through the shared
// BaseClient resilience layer.
type ProviderHistoryClient struct {
	base    *BaseClient
	baseURL string
	apiKey  string
	logger  *slog.Logger
}

var _ HistoryClient = (*ProviderHistoryClient)(nil)

// NewProviderHistoryClient creates a history client from provider config.
// The HTTP timeout bounds each attempt; retries are governed by the
// BaseClient policy.
func NewProviderHistoryClient(cfg config.ProviderConfig, logger *slog.Logger, opts ...BaseClientOption) *ProviderHistoryClient {
	if logger == nil {
		logger = slog.Default()
	}
	base := NewBaseClient(
		&http.Client{Timeout: cfg.Timeout},
		"provider-history",
		DefaultRetryPolicy(),
		cfg.UserAgent,
		opts...,
	)
	return &ProviderHistoryClient{
		base:    base,
		baseURL: strings.TrimRight(cfg.HistoryBaseURL, "/"),
		apiKey:  cfg.APIKey,
		logger:  logger,
	}
}

// MessageEvents fetches all recorded delivery events for one correlation ID,
// in provider-natural (oldest-first) order. A correlation ID unknown to the
// provider returns an empty slice, not an error.
func (c *ProviderHistoryClient) MessageEvents(ctx context.Context, correlationID string) ([]HistoryEvent, error) {
	if correlationID == "" {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput,
			"correlation ID is required", nil)
	}

	endpoint := fmt.Sprintf("%s/v1/messages/%s/events", c.baseURL, url.PathEscape(correlationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalUnexpected,
			"failed to build history request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.base.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, types.NewAppError(types.ErrCodeProviderUnavailable,
			fmt.Sprintf("history API returned %d", resp.StatusCode), nil)
	}

	var parsed historyResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, types.NewAppError(types.ErrCodeProviderUnavailable,
			"failed to decode history response", err)
	}

	c.logger.DebugContext(ctx, "fetched provider history",
		slog.String("correlation_id", correlationID),
		slog.Int("events", len(parsed.Events)))

	return parsed.Events, nil
}
