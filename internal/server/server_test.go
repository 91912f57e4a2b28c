package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"feedbackdesk/internal/config"
	"feedbackdesk/internal/database"
	"feedbackdesk/internal/intake"
	"feedbackdesk/internal/middleware"
	"feedbackdesk/internal/models"
	"feedbackdesk/internal/service"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	testSecret       = "test-secret-key-12345678901234567890123456789012"
	testGatewayToken = "gateway-token"
	testStaffID      = int64(1)
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type testEnv struct {
	srv   *Server
	app   *fiber.App
	db    *gorm.DB
	clock *testClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	require.NoError(t, database.Migrate(db))

	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	cfg := &config.Config{
		Env:                      "test",
		Port:                     "0",
		JWTSecret:                testSecret,
		GatewayToken:             testGatewayToken,
		AdminIDs:                 strconv.FormatInt(testStaffID, 10),
		MaxSubmissionLength:      4000,
		DraftIdleTimeout:         30 * time.Minute,
		AbuseWindow:              time.Minute,
		AbuseMaxEvents:           5,
		AbuseDuplicateLimit:      3,
		BannedSubmissionInterval: 7 * 24 * time.Hour,
		BanHistoryRetention:      30 * 24 * time.Hour,
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	srv := NewServerWithDeps(cfg, db, rdb, WithClock(clock.Now))
	t.Cleanup(func() {
		_ = sqlDB.Close()
		_ = rdb.Close()
	})
	return &testEnv{srv: srv, app: srv.App(), db: db, clock: clock}
}

func token(t *testing.T, userID int64) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub": strconv.FormatInt(userID, 10),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return s
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := e.app.Test(req, -1)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (e *testEnv) event(t *testing.T, ev intake.Event) intake.Response {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/api/events", ev, map[string]string{middleware.GatewayTokenHeader: testGatewayToken})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var out intake.Response
	require.NoError(t, json.Unmarshal(body, &out))
	return out
}

func (e *testEnv) staff(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	return e.do(t, method, path, body, map[string]string{"Authorization": "Bearer " + token(t, testStaffID)})
}

func (e *testEnv) submit(t *testing.T, userID int64, text string, attachments ...string) uint {
	t.Helper()
	e.event(t, intake.Event{UserID: userID, Username: "user" + strconv.FormatInt(userID, 10), Kind: intake.EventStartFeedback})
	e.event(t, intake.Event{UserID: userID, Kind: intake.EventMessage, Text: text, Attachments: attachments})
	out := e.event(t, intake.Event{UserID: userID, Kind: intake.EventSubmit})
	require.NotZero(t, out.SubmissionID, out.Text)
	return out.SubmissionID
}

func TestHealthChecks(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/health/live", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := env.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"database":"healthy"`)
	assert.Contains(t, string(body), `"redis":"healthy"`)

	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())
	resp, _ = env.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHandleEvent_RequiresGatewayToken(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodPost, "/api/events", intake.Event{UserID: 5, Kind: intake.EventStartFeedback}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandleEvent_RejectsMalformedEvents(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{middleware.GatewayTokenHeader: testGatewayToken}

	resp, _ := env.do(t, http.MethodPost, "/api/events", map[string]any{"user_id": 5, "kind": "dance"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/events", map[string]any{"kind": "message"}, headers)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleEvent_FullIntakeFlow(t *testing.T) {
	env := newTestEnv(t)

	out := env.event(t, intake.Event{UserID: 42, Username: "bob", Kind: intake.EventStartFeedback})
	assert.Equal(t, intake.StateCollecting, out.State)
	require.NotNil(t, out.Status)
	assert.Equal(t, models.MaxAttachments, out.Status.MaxAttachments)

	out = env.event(t, intake.Event{UserID: 42, Kind: intake.EventSubmit})
	assert.Equal(t, intake.StateCollecting, out.State, "empty drafts are not submitted")

	out = env.event(t, intake.Event{UserID: 42, Kind: intake.EventMessage, Text: "Login is broken", Attachments: []string{"ph1"}})
	assert.Equal(t, 1, out.Status.Attachments)

	out = env.event(t, intake.Event{UserID: 42, Username: "bob", Kind: intake.EventSubmit})
	assert.Equal(t, intake.StateIdle, out.State)
	assert.Equal(t, intake.FallbackMainMenu, out.Fallback)
	require.NotZero(t, out.SubmissionID)

	resp, body := env.staff(t, http.MethodGet, "/api/staff/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.SubmissionStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.Equal(t, models.SubmissionStats{Total: 1, New: 1}, stats)
}

func TestStaffRoutes_RequireStaff(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/api/staff/submissions", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/api/staff/submissions", nil,
		map[string]string{"Authorization": "Bearer " + token(t, 99)})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestReviewWorkflow(t *testing.T) {
	env := newTestEnv(t)
	first := env.submit(t, 100, "first")
	second := env.submit(t, 101, "second", "photo")

	resp, body := env.staff(t, http.MethodGet, "/api/staff/submissions?filter=new", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var page service.Page
	require.NoError(t, json.Unmarshal(body, &page))
	assert.EqualValues(t, 2, page.Total)
	assert.Equal(t, service.FilterNew, page.Filter)

	resp, _ = env.staff(t, http.MethodGet, "/api/staff/submissions?filter=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.staff(t, http.MethodGet, "/api/staff/submissions/"+strconv.Itoa(int(second)), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var detail service.Detail
	require.NoError(t, json.Unmarshal(body, &detail))
	assert.Equal(t, service.DetailKindMedia, detail.Kind)
	assert.Equal(t, models.SubmissionStatusViewed, detail.Submission.Status)

	resp, body = env.staff(t, http.MethodPost, "/api/staff/submissions/"+strconv.Itoa(int(first))+"/solve", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var solved models.Submission
	require.NoError(t, json.Unmarshal(body, &solved))
	assert.Equal(t, models.SubmissionStatusSolved, solved.Status)

	resp, _ = env.staff(t, http.MethodPost, "/api/staff/submissions/page/next", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = env.staff(t, http.MethodPost, "/api/staff/submissions/page/prev", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.staff(t, http.MethodGet, "/api/staff/submissions/9999", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp, _ = env.staff(t, http.MethodGet, "/api/staff/submissions/abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDeleteNeedsConfirmation(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, 100, "delete me")
	base := "/api/staff/submissions/" + strconv.Itoa(int(id))

	resp, _ := env.staff(t, http.MethodGet, "/api/staff/submissions", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = env.staff(t, http.MethodPost, base+"/delete/confirm", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "confirm without request")

	resp, _ = env.staff(t, http.MethodPost, base+"/delete", nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, _ = env.staff(t, http.MethodDelete, base+"/delete", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.staff(t, http.MethodDelete, base+"/delete", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.staff(t, http.MethodPost, base+"/delete", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body := env.staff(t, http.MethodPost, base+"/delete/confirm", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var page service.Page
	require.NoError(t, json.Unmarshal(body, &page))
	assert.Zero(t, page.Total)

	resp, _ = env.staff(t, http.MethodGet, base, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStaffReply(t *testing.T) {
	env := newTestEnv(t)
	id := env.submit(t, 100, "question")
	path := "/api/staff/submissions/" + strconv.Itoa(int(id)) + "/reply"

	resp, _ := env.staff(t, http.MethodPost, path, replyRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	resp, body := env.staff(t, http.MethodPost, path, replyRequest{Text: "answer"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var msg models.Message
	require.NoError(t, json.Unmarshal(body, &msg))
	assert.Equal(t, int64(100), msg.ReceiverID)
	assert.Equal(t, models.SenderRoleStaff, msg.SenderRole)

	resp, _ = env.staff(t, http.MethodPost, "/api/staff/submissions/9999/reply", replyRequest{Text: "x"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestBanEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.staff(t, http.MethodPost, "/api/staff/bans/555", banRequest{Username: "spammer", Reason: "spam"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var rec models.BanRecord
	require.NoError(t, json.Unmarshal(body, &rec))
	assert.Equal(t, 1, rec.BanCount)
	assert.Equal(t, testStaffID, rec.BannedBy)
	require.NotNil(t, rec.ExpiresAt)
	assert.Equal(t, 24*time.Hour, rec.ExpiresAt.Sub(rec.BannedAt))

	resp, _ = env.staff(t, http.MethodPost, "/api/staff/bans/"+strconv.FormatInt(testStaffID, 10), nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, body = env.staff(t, http.MethodGet, "/api/staff/bans/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats models.BanStats
	require.NoError(t, json.Unmarshal(body, &stats))
	assert.EqualValues(t, 1, stats.Active)

	resp, body = env.staff(t, http.MethodGet, "/api/staff/bans", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"total":1`)

	resp, body = env.staff(t, http.MethodGet, "/api/staff/users/555", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var overview service.UserOverview
	require.NoError(t, json.Unmarshal(body, &overview))
	assert.True(t, overview.Banned)

	resp, _ = env.staff(t, http.MethodDelete, "/api/staff/bans/555", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = env.staff(t, http.MethodDelete, "/api/staff/bans/555", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = env.staff(t, http.MethodPost, "/api/staff/bans/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = env.staff(t, http.MethodPost, "/api/staff/bans/cleanup", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"removed":0}`, string(body))
}

func TestUnbanClearsAbuseState(t *testing.T) {
	env := newTestEnv(t)

	env.event(t, intake.Event{UserID: 556, Kind: intake.EventStartFeedback})
	env.event(t, intake.Event{UserID: 556, Kind: intake.EventMessage, Text: "same"})
	env.event(t, intake.Event{UserID: 556, Kind: intake.EventMessage, Text: "same"})
	require.Equal(t, 1, env.srv.detector.Tracked())

	resp, _ := env.staff(t, http.MethodPost, "/api/staff/bans/556", banRequest{Reason: "manual"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp, _ = env.staff(t, http.MethodDelete, "/api/staff/bans/556", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	assert.Zero(t, env.srv.detector.Tracked())
}

func TestStoreFailureMapsTo503(t *testing.T) {
	env := newTestEnv(t)
	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	resp, body := env.staff(t, http.MethodGet, "/api/staff/stats", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NotContains(t, string(body), "closed", "store causes stay out of responses")
}

func TestStatusFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err    error
		status int
	}{
		{models.NewNotFoundError("Submission", 1), http.StatusNotFound},
		{models.NewValidationError("bad"), http.StatusBadRequest},
		{models.NewDraftEmptyError(), http.StatusUnprocessableEntity},
		{models.NewRateLimitedError(time.Hour), http.StatusTooManyRequests},
		{models.NewAdminBanRejectedError(1), http.StatusConflict},
		{models.NewForbiddenError("no"), http.StatusForbidden},
		{models.NewUnauthorizedError("no"), http.StatusUnauthorized},
		{models.NewStoreUnavailableError("op", io.EOF), http.StatusServiceUnavailable},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.status, statusFor(tt.err), "%v", tt.err)
	}
}
