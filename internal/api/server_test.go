package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"mailtrail/internal/config"
	"mailtrail/internal/ratelimit"
	"mailtrail/internal/tracking"
	"mailtrail/internal/types"
)

// =============================================================================
// Mock Implementations
// =============================================================================

type mockTracking struct {
	createFn func(ctx context.Context, in tracking.CreateLogInput) (*types.MessageLog, error)
	getFn    func(ctx context.Context, id string) (*types.MessageLog, error)
	eventsFn func(ctx context.Context, id string) ([]*types.EventRecord, error)
	listFn   func(ctx context.Context, filter types.MessageLogFilter) ([]*types.MessageLog, string, error)
	countFn  func(ctx context.Context, filter types.MessageLogFilter) (int, error)
	deleteFn func(ctx context.Context, id string) error
	retryFn  func(ctx context.Context, id string) (*types.MessageLog, error)
	sentFn   func(ctx context.Context, id, providerID string) (*types.MessageLog, error)
	failedFn func(ctx context.Context, id, reason string) (*types.MessageLog, error)

	capturedCreate *tracking.CreateLogInput
	capturedFilter *types.MessageLogFilter
}

func (m *mockTracking) CreateLog(ctx context.Context, in tracking.CreateLogInput) (*types.MessageLog, error) {
	m.capturedCreate = &in
	if m.createFn != nil {
		return m.createFn(ctx, in)
	}
	return &types.MessageLog{ID: "log_1", MessageID: in.MessageID, Status: types.StatusQueued}, nil
}

func (m *mockTracking) GetLog(ctx context.Context, id string) (*types.MessageLog, error) {
	if m.getFn != nil {
		return m.getFn(ctx, id)
	}
	return &types.MessageLog{ID: id, Status: types.StatusSent}, nil
}

func (m *mockTracking) GetLogEvents(ctx context.Context, id string) ([]*types.EventRecord, error) {
	if m.eventsFn != nil {
		return m.eventsFn(ctx, id)
	}
	return nil, nil
}

func (m *mockTracking) ListLogs(ctx context.Context, filter types.MessageLogFilter) ([]*types.MessageLog, string, error) {
	m.capturedFilter = &filter
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, "", nil
}

func (m *mockTracking) CountLogs(ctx context.Context, filter types.MessageLogFilter) (int, error) {
	m.capturedFilter = &filter
	if m.countFn != nil {
		return m.countFn(ctx, filter)
	}
	return 0, nil
}

func (m *mockTracking) DeleteLog(ctx context.Context, id string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, id)
	}
	return nil
}

func (m *mockTracking) Retry(ctx context.Context, id string) (*types.MessageLog, error) {
	if m.retryFn != nil {
		return m.retryFn(ctx, id)
	}
	return &types.MessageLog{ID: id, Status: types.StatusQueued, RetryCount: 1}, nil
}

func (m *mockTracking) MarkSent(ctx context.Context, id, providerID string) (*types.MessageLog, error) {
	if m.sentFn != nil {
		return m.sentFn(ctx, id, providerID)
	}
	return &types.MessageLog{ID: id, Status: types.StatusSent, ProviderMessageID: providerID}, nil
}

func (m *mockTracking) MarkFailed(ctx context.Context, id, reason string) (*types.MessageLog, error) {
	if m.failedFn != nil {
		return m.failedFn(ctx, id, reason)
	}
	return &types.MessageLog{ID: id, Status: types.StatusFailed, ErrorMessage: reason}, nil
}

type mockSyncer struct {
	syncFn func(ctx context.Context, correlationID string) (*types.SyncResult, error)
}

func (m *mockSyncer) SyncStatus(ctx context.Context, correlationID string) (*types.SyncResult, error) {
	if m.syncFn != nil {
		return m.syncFn(ctx, correlationID)
	}
	return &types.SyncResult{}, nil
}

type mockAdmitter struct {
	admitFn func(ctx context.Context, recipient, sender string) (ratelimit.Decision, error)
}

func (m *mockAdmitter) Admit(ctx context.Context, recipient, sender string) (ratelimit.Decision, error) {
	if m.admitFn != nil {
		return m.admitFn(ctx, recipient, sender)
	}
	return ratelimit.Decision{Allowed: true}, nil
}

type mockBlocklist struct {
	addFn    func(ctx context.Context, in ratelimit.AddInput) (*types.BlocklistEntry, error)
	removeFn func(ctx context.Context, email string) error
	listFn   func(ctx context.Context, filter types.BlocklistFilter) ([]*types.BlocklistEntry, error)
	countFn  func(ctx context.Context, filter types.BlocklistFilter) (int, error)
	statsFn  func(ctx context.Context) (*types.BlocklistStats, error)

	capturedAdd *ratelimit.AddInput
}

func (m *mockBlocklist) Add(ctx context.Context, in ratelimit.AddInput) (*types.BlocklistEntry, error) {
	m.capturedAdd = &in
	if m.addFn != nil {
		return m.addFn(ctx, in)
	}
	return &types.BlocklistEntry{ID: "blk_1", Email: in.Email, Reason: in.Reason}, nil
}

func (m *mockBlocklist) Remove(ctx context.Context, email string) error {
	if m.removeFn != nil {
		return m.removeFn(ctx, email)
	}
	return nil
}

func (m *mockBlocklist) List(ctx context.Context, filter types.BlocklistFilter) ([]*types.BlocklistEntry, error) {
	if m.listFn != nil {
		return m.listFn(ctx, filter)
	}
	return nil, nil
}

func (m *mockBlocklist) Count(ctx context.Context, filter types.BlocklistFilter) (int, error) {
	if m.countFn != nil {
		return m.countFn(ctx, filter)
	}
	return 0, nil
}

func (m *mockBlocklist) Stats(ctx context.Context) (*types.BlocklistStats, error) {
	if m.statsFn != nil {
		return m.statsFn(ctx)
	}
	return &types.BlocklistStats{}, nil
}

type mockPinger struct {
	err error
}

func (m *mockPinger) Ping(context.Context) error {
	return m.err
}

// =============================================================================
// Test Helpers
// =============================================================================

const testAdminKey = "operator-secret"

type testDeps struct {
	tracking  *mockTracking
	syncer    *mockSyncer
	admitter  *mockAdmitter
	blocklist *mockBlocklist
	pinger    *mockPinger
}

func newTestServer(t *testing.T) (*Server, *testDeps) {
	t.Helper()

	hash, err := bcrypt.GenerateFromPassword([]byte(testAdminKey), bcrypt.MinCost)
	require.NoError(t, err)

	deps := &testDeps{
		tracking:  &mockTracking{},
		syncer:    &mockSyncer{},
		admitter:  &mockAdmitter{},
		blocklist: &mockBlocklist{},
		pinger:    &mockPinger{},
	}

	cfg := config.ServerConfig{
		Port:            "8080",
		AdminKeyHash:    string(hash),
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: time.Second,
	}

	srv, err := NewServer(cfg, Deps{
		Tracking:  deps.tracking,
		Syncer:    deps.syncer,
		Admitter:  deps.admitter,
		Blocklist: deps.blocklist,
		DB:        deps.pinger,
	}, slog.New(slog.NewJSONHandler(io.Discard, nil)))
	require.NoError(t, err)

	return srv, deps
}

func doRequest(t *testing.T, srv *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Authorization", "Bearer "+testAdminKey)

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorDetail {
	t.Helper()
	var resp APIErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Error
}

// =============================================================================
// Auth and Chassis
// =============================================================================

func TestServer_RequiresAdminKey(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthKeyMissing), decodeError(t, rec).Code)
}

func TestServer_RejectsWrongAdminKey(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/logs", nil)
	req.Header.Set("Authorization", "Bearer wrong-key")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, string(types.ErrCodeAuthKeyInvalid), decodeError(t, rec).Code)
}

func TestServer_HealthNeedsNoAuth(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServer_HealthDegradedWhenStorageDown(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.pinger.err = errors.New("connection refused")

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.JSONEq(t, `{"status":"degraded"}`, rec.Body.String())
}

func TestServer_EchoesRequestID(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "trace-me")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, "trace-me", rec.Header().Get("X-Request-Id"))
}

func TestServer_RecoversFromHandlerPanic(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.tracking.getFn = func(context.Context, string) (*types.MessageLog, error) {
		panic("boom")
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/logs/log_1", nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, string(types.ErrCodeInternalUnexpected), decodeError(t, rec).Code)
}

func TestNewServer_RequiresAdminKeyHash(t *testing.T) {
	_, err := NewServer(config.ServerConfig{}, Deps{}, nil)
	require.Error(t, err)
}

// =============================================================================
// Logs
// =============================================================================

func TestHandleCreateLog_Success(t *testing.T) {
	srv, deps := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs", CreateLogRequest{
		MessageID: "abc123",
		To:        "to@example.com",
		From:      "noreply@example.com",
		Subject:   "Welcome",
		Tags:      types.Tags{"campaign": "onboarding"},
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, deps.tracking.capturedCreate)
	assert.Equal(t, "abc123", deps.tracking.capturedCreate.MessageID)
	assert.Equal(t, "to@example.com", deps.tracking.capturedCreate.Recipient)
	assert.Equal(t, "noreply@example.com", deps.tracking.capturedCreate.Sender)
}

func TestHandleCreateLog_GeneratesMessageID(t *testing.T) {
	srv, deps := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs", CreateLogRequest{
		To:      "to@example.com",
		From:    "noreply@example.com",
		Subject: "Welcome",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, deps.tracking.capturedCreate)
	assert.True(t, len(deps.tracking.capturedCreate.MessageID) > len("msg_"))
	assert.Contains(t, deps.tracking.capturedCreate.MessageID, "msg_")
}

func TestHandleCreateLog_ValidationErrorFromService(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.tracking.createFn = func(context.Context, tracking.CreateLogInput) (*types.MessageLog, error) {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidInput, "invalid message log input", nil)
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs",
		CreateLogRequest{To: "not-an-email", From: "noreply@example.com"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationInvalidInput), decodeError(t, rec).Code)
}

func TestHandleCreateLog_BlockedRecipientDenied(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.admitter.admitFn = func(context.Context, string, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{Blocked: true, Reason: "complaint"}, nil
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs", CreateLogRequest{
		To:   "blocked@example.com",
		From: "noreply@example.com",
	})

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, string(types.ErrCodeEmailBlocked), decodeError(t, rec).Code)
	assert.Nil(t, deps.tracking.capturedCreate)
}

func TestHandleCreateLog_RateLimitedDenied(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.admitter.admitFn = func(context.Context, string, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{RateLimited: true, Layer: ratelimit.LayerRecipient}, nil
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs", CreateLogRequest{
		To:   "to@example.com",
		From: "noreply@example.com",
	})

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, string(types.ErrCodeRateLimited), decodeError(t, rec).Code)
	assert.Nil(t, deps.tracking.capturedCreate)
}

func TestHandleCreateLog_MissingRecipient(t *testing.T) {
	srv, deps := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs", CreateLogRequest{From: "noreply@example.com"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), decodeError(t, rec).Code)
	assert.Nil(t, deps.tracking.capturedCreate)
}

func TestHandleCreateLog_MalformedJSON(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/logs", bytes.NewReader([]byte(`{not json`)))
	req.Header.Set("Authorization", "Bearer "+testAdminKey)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(errCodeInvalidJSON), decodeError(t, rec).Code)
}

func TestHandleListLogs_ParsesFilter(t *testing.T) {
	srv, deps := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet,
		"/v1/logs?status=bounced&recipient=to@example.com&campaign_id=c1&limit=5&since=2026-03-01T00:00:00Z", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, deps.tracking.capturedFilter)
	assert.Equal(t, types.StatusBounced, deps.tracking.capturedFilter.Status)
	assert.Equal(t, "to@example.com", deps.tracking.capturedFilter.Recipient)
	assert.Equal(t, "c1", deps.tracking.capturedFilter.CampaignID)
	assert.Equal(t, 5, deps.tracking.capturedFilter.Limit)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), deps.tracking.capturedFilter.Since)
}

func TestHandleListLogs_PaginationMeta(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.tracking.listFn = func(context.Context, types.MessageLogFilter) ([]*types.MessageLog, string, error) {
		return []*types.MessageLog{{ID: "log_1"}}, "2026-03-01T12:00:00.000000001Z", nil
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/logs", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Meta Meta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Meta.HasMore)
	assert.Equal(t, "2026-03-01T12:00:00.000000001Z", resp.Meta.NextCursor)
}

func TestHandleListLogs_InvalidLimit(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodGet, "/v1/logs?limit=500", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleCountLogs(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.tracking.countFn = func(context.Context, types.MessageLogFilter) (int, error) {
		return 42, nil
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/logs/count?status=delivered", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"data":{"count":42}}`, rec.Body.String())
}

func TestHandleGetLog_NotFound(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.tracking.getFn = func(context.Context, string) (*types.MessageLog, error) {
		return nil, types.NewAppError(types.ErrCodeNotFoundLog, "message log not found", nil)
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/logs/log_missing", nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(types.ErrCodeNotFoundLog), decodeError(t, rec).Code)
}

func TestHandleDeleteLog(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodDelete, "/v1/logs/log_1", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestHandleRetryLog(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs/log_1/retry", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data types.MessageLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusQueued, resp.Data.Status)
	assert.Equal(t, 1, resp.Data.RetryCount)
}

func TestHandleMarkSent(t *testing.T) {
	srv, deps := newTestServer(t)
	var gotID, gotProvider string
	deps.tracking.sentFn = func(_ context.Context, id, providerID string) (*types.MessageLog, error) {
		gotID, gotProvider = id, providerID
		return &types.MessageLog{ID: id, Status: types.StatusSent, ProviderMessageID: providerID}, nil
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs/log_1/sent",
		MarkSentRequest{ProviderMessageID: "ses-0001"})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "log_1", gotID)
	assert.Equal(t, "ses-0001", gotProvider)
	var resp struct {
		Data types.MessageLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusSent, resp.Data.Status)
}

func TestHandleMarkSent_RequiresProviderID(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs/log_1/sent", MarkSentRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(types.ErrCodeValidationMissingField), decodeError(t, rec).Code)
}

func TestHandleMarkFailed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/logs/log_1/failed",
		MarkFailedRequest{Reason: "smtp 554 relay denied"})

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data types.MessageLog `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, types.StatusFailed, resp.Data.Status)
	assert.Equal(t, "smtp 554 relay denied", resp.Data.ErrorMessage)
}

func TestHandleLogEvents(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.tracking.eventsFn = func(_ context.Context, id string) ([]*types.EventRecord, error) {
		return []*types.EventRecord{{ID: "evt_1", MessageLogID: id, EventType: types.EventBounce}}, nil
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/logs/log_1/events", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data []types.EventRecord `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 1)
	assert.Equal(t, types.EventBounce, resp.Data[0].EventType)
}

// =============================================================================
// Sync and Admission
// =============================================================================

func TestHandleSync(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.syncer.syncFn = func(_ context.Context, correlationID string) (*types.SyncResult, error) {
		assert.Equal(t, "abc123", correlationID)
		return &types.SyncResult{
			EventsProcessed:  2,
			TotalEventsFound: 3,
			ExistingLogFound: true,
			LogUpdated:       true,
		}, nil
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/sync/abc123", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data types.SyncResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Data.EventsProcessed)
	assert.True(t, resp.Data.LogUpdated)
}

func TestHandleSync_ProviderUnavailable(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.syncer.syncFn = func(context.Context, string) (*types.SyncResult, error) {
		return nil, types.NewAppError(types.ErrCodeProviderUnavailable, "history API returned 503", nil)
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/sync/abc123", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleAdmit_Allowed(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/admission", AdmitRequest{
		Recipient: "to@example.com",
		Sender:    "noreply@example.com",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data ratelimit.Decision `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Data.Allowed)
}

func TestHandleAdmit_DeniedIsStill200(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.admitter.admitFn = func(context.Context, string, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{RateLimited: true, Layer: ratelimit.LayerRecipient}, nil
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/admission", AdmitRequest{
		Recipient: "to@example.com",
		Sender:    "noreply@example.com",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data ratelimit.Decision `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Data.Allowed)
	assert.True(t, resp.Data.RateLimited)
	assert.Equal(t, ratelimit.LayerRecipient, resp.Data.Layer)
}

func TestHandleAdmit_MissingFields(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/admission", AdmitRequest{Recipient: "to@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleAdmit_StorageErrorFailsClosed(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.admitter.admitFn = func(context.Context, string, string) (ratelimit.Decision, error) {
		return ratelimit.Decision{}, types.NewAppError(types.ErrCodeInternalDB, "tx begin failed", nil)
	}

	rec := doRequest(t, srv, http.MethodPost, "/v1/admission", AdmitRequest{
		Recipient: "to@example.com",
		Sender:    "noreply@example.com",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

// =============================================================================
// Blocklist
// =============================================================================

func TestHandleBlocklistAdd(t *testing.T) {
	srv, deps := newTestServer(t)

	rec := doRequest(t, srv, http.MethodPost, "/v1/blocklist", BlocklistAddRequest{
		Email:      "bad@example.com",
		Reason:     "manual_block",
		TTLSeconds: 3600,
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	require.NotNil(t, deps.blocklist.capturedAdd)
	assert.Equal(t, "bad@example.com", deps.blocklist.capturedAdd.Email)
	assert.Equal(t, time.Hour, deps.blocklist.capturedAdd.TTL)
}

func TestHandleBlocklistRemove_NotFound(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.blocklist.removeFn = func(context.Context, string) error {
		return types.NewAppError(types.ErrCodeNotFoundBlocklist, "blocklist entry not found", nil)
	}

	rec := doRequest(t, srv, http.MethodDelete, "/v1/blocklist/unknown@example.com", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleBlocklistRemove(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doRequest(t, srv, http.MethodDelete, "/v1/blocklist/bad@example.com", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestHandleBlocklistList_ParsesFilter(t *testing.T) {
	srv, deps := newTestServer(t)
	var captured types.BlocklistFilter
	deps.blocklist.listFn = func(_ context.Context, filter types.BlocklistFilter) ([]*types.BlocklistEntry, error) {
		captured = filter
		return []*types.BlocklistEntry{{Email: "bad@example.com"}}, nil
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/blocklist?active=true&search=example.com&limit=10&offset=20", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, captured.ActiveOnly)
	assert.Equal(t, "example.com", captured.Search)
	assert.Equal(t, 10, captured.Limit)
	assert.Equal(t, 20, captured.Offset)
}

func TestHandleBlocklistStats(t *testing.T) {
	srv, deps := newTestServer(t)
	deps.blocklist.statsFn = func(context.Context) (*types.BlocklistStats, error) {
		return &types.BlocklistStats{
			Total:    10,
			Active:   7,
			Expired:  3,
			ByReason: map[string]int{"reputation_auto_block": 5, "manual_block": 5},
		}, nil
	}

	rec := doRequest(t, srv, http.MethodGet, "/v1/blocklist/stats", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Data types.BlocklistStats `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 10, resp.Data.Total)
	assert.Equal(t, 5, resp.Data.ByReason["reputation_auto_block"])
}
