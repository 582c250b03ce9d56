package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"citestack/internal/billing"
	"citestack/internal/config"
	"citestack/internal/credits"
	"citestack/internal/idempotency"
	"citestack/internal/models"
	"citestack/internal/ratelimit"
	"citestack/internal/store"
	"citestack/internal/worker"
)

const (
	jwtSecret       = "test-jwt-secret"
	testAdminSecret = "test-admin-secret"
)

type fakeRunner struct {
	limits  []int
	ctxErrs []error
	result  worker.BatchResult
}

func (f *fakeRunner) RunBatch(ctx context.Context, limit int) (worker.BatchResult, error) {
	f.limits = append(f.limits, limit)
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	return f.result, nil
}

type fakeLimiter struct {
	deny bool
}

func (f *fakeLimiter) Allow(context.Context, string) (ratelimit.Decision, error) {
	if f.deny {
		return ratelimit.Decision{Allowed: false, RetryAfter: 3 * time.Second}, nil
	}
	return ratelimit.Decision{Allowed: true, Remaining: 10}, nil
}

type fakeWebhooks struct {
	err      error
	payloads [][]byte
}

func (f *fakeWebhooks) Handle(_ context.Context, payload []byte, _ string) error {
	f.payloads = append(f.payloads, payload)
	return f.err
}

type fixture struct {
	store    *store.Memory
	ledger   *credits.Ledger
	runner   *fakeRunner
	limiter  *fakeLimiter
	webhooks *fakeWebhooks
	handler  http.Handler
}

func newFixture(t *testing.T, freeGrant int, mutate ...func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.Config{JWTSecret: jwtSecret, AdminSecret: testAdminSecret}
	for _, m := range mutate {
		m(&cfg)
	}
	st := store.NewMemory()
	ledger := credits.NewLedger(st, freeGrant, nil)
	f := &fixture{
		store:    st,
		ledger:   ledger,
		runner:   &fakeRunner{result: worker.BatchResult{Processed: 2, Claimed: 2}},
		limiter:  &fakeLimiter{},
		webhooks: &fakeWebhooks{},
	}
	srv := New(cfg, Deps{
		Store:    st,
		Ledger:   ledger,
		Enqueuer: worker.NewEnqueuer(st, ledger, nil, nil),
		Runner:   f.runner,
		Cache:    idempotency.NewCache(st),
		Limiter:  f.limiter,
		Billing:  f.webhooks,
	})
	f.handler = srv.Router()
	return f
}

func token(t *testing.T, userID string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   userID,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return signed
}

func (f *fixture) do(t *testing.T, method, path, userID, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, userID))
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeMap(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, 30)
	rec := f.do(t, http.MethodGet, "/healthz", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestCapturePaste_ReplaysIdenticalResponse(t *testing.T) {
	f := newFixture(t, 30)
	body := `{"text":"some pasted text","title":"Notes"}`
	key := map[string]string{"Idempotency-Key": "  paste-1  "}

	first := f.do(t, http.MethodPost, "/capture/paste", "user-1", body, key)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := f.do(t, http.MethodPost, "/capture/paste", "user-1", body, key)

	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 1, f.store.ItemCount("user-1"))

	jobs := f.store.ListJobs("user-1")
	require.Len(t, jobs, 1)
	assert.Equal(t, models.JobEnrichItem, jobs[0].Type)

	out := decodeMap(t, first)
	assert.Equal(t, jobs[0].ID, out["jobId"])
	assert.NotEmpty(t, out["itemId"])
}

func TestCapturePaste_DerivedKeyWithoutHeader(t *testing.T) {
	f := newFixture(t, 30)
	body := `{"text":"same text"}`

	first := f.do(t, http.MethodPost, "/capture/paste", "user-1", body, nil)
	second := f.do(t, http.MethodPost, "/capture/paste", "user-1", body, nil)
	require.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, f.store.ItemCount("user-1"))

	other := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"different text"}`, nil)
	require.Equal(t, http.StatusCreated, other.Code)
	assert.Equal(t, 2, f.store.ItemCount("user-1"))
}

func TestCapturePaste_InsufficientCreditsCreatesNothing(t *testing.T) {
	f := newFixture(t, 2)
	rec := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"hello"}`, map[string]string{"Idempotency-Key": "k"})

	require.Equal(t, http.StatusPaymentRequired, rec.Code)
	out := decodeMap(t, rec)
	assert.Equal(t, "insufficient_credits", out["error"])
	assert.EqualValues(t, 3, out["required"])
	assert.EqualValues(t, 2, out["balance"])
	assert.Contains(t, out["message"], "Need 3 credits; you have 2")
	assert.Equal(t, 0, f.store.ItemCount("user-1"))
	assert.Empty(t, f.store.ListJobs("user-1"))

	// a refused request is not cached, so it runs again after a top-up
	require.NoError(t, f.ledger.GrantAdmin(context.Background(), "user-1", 5))
	again := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"hello"}`, map[string]string{"Idempotency-Key": "k"})
	assert.Equal(t, http.StatusCreated, again.Code)
}

func TestCapturePaste_Validation(t *testing.T) {
	f := newFixture(t, 30)
	cases := map[string]string{
		"invalid json": `{"text":`,
		"missing text": `{"title":"x"}`,
		"blank text":   `{"text":"   "}`,
		"long title":   `{"text":"ok","title":"` + strings.Repeat("t", 501) + `"}`,
		"long text":    `{"text":"` + strings.Repeat("x", 200001) + `"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/capture/paste", "user-1", body, nil)
			assert.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
			assert.Equal(t, "invalid_request", decodeMap(t, rec)["error"])
		})
	}
	assert.Equal(t, 0, f.store.ItemCount("user-1"))
}

func TestCapturePaste_RateLimitAppliesAfterCache(t *testing.T) {
	f := newFixture(t, 30)
	key := map[string]string{"Idempotency-Key": "once"}
	first := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"a"}`, key)
	require.Equal(t, http.StatusCreated, first.Code)

	f.limiter.deny = true
	replay := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"a"}`, key)
	assert.Equal(t, http.StatusCreated, replay.Code)

	limited := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"b"}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, limited.Code)
	assert.Equal(t, "3", limited.Header().Get("Retry-After"))
	assert.Equal(t, 1, f.store.ItemCount("user-1"))
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t, 30)

	rec := f.do(t, http.MethodGet, "/credits", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/credits", "", "", map[string]string{"Authorization": "Bearer not-a-token"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongKey, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{Subject: "u"}).SignedString([]byte("other"))
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/credits", "", "", map[string]string{"Authorization": "Bearer " + wrongKey})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "u",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	rec = f.do(t, http.MethodGet, "/credits", "", "", map[string]string{"Authorization": "Bearer " + expired})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	unconfigured := newFixture(t, 30, func(c *config.Config) { c.JWTSecret = "" })
	rec = unconfigured.do(t, http.MethodGet, "/credits", "user-1", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunJobs_AdminSecret(t *testing.T) {
	f := newFixture(t, 30)

	rec := f.do(t, http.MethodPost, "/jobs/run", "", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = f.do(t, http.MethodPost, "/jobs/run", "", "", map[string]string{"X-Admin-Secret": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/jobs/run?limit=50", "", "", map[string]string{"X-Admin-Secret": testAdminSecret})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"processed":2,"claimed":2}`, rec.Body.String())

	rec = f.do(t, http.MethodGet, "/jobs/run", "", "", map[string]string{"Authorization": "Bearer " + testAdminSecret})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = f.do(t, http.MethodGet, "/jobs/run?secret="+testAdminSecret+"&limit=abc", "", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, []int{worker.MaxBatchLimit, worker.DefaultBatchLimit, worker.DefaultBatchLimit}, f.runner.limits)

	f.runner.result = worker.BatchResult{}
	rec = f.do(t, http.MethodPost, "/jobs/run", "", "", map[string]string{"X-Admin-Secret": testAdminSecret})
	assert.JSONEq(t, `{"processed":0,"claimed":0,"message":"No queued jobs"}`, rec.Body.String())

	unconfigured := newFixture(t, 30, func(c *config.Config) { c.AdminSecret = "" })
	rec = unconfigured.do(t, http.MethodPost, "/jobs/run", "", "", map[string]string{"X-Admin-Secret": ""})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRunJobs_OutlivesRequestContext(t *testing.T) {
	f := newFixture(t, 30)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := httptest.NewRequest(http.MethodPost, "/jobs/run", nil).WithContext(ctx)
	req.Header.Set("X-Admin-Secret", testAdminSecret)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, f.runner.ctxErrs, 1)
	assert.NoError(t, f.runner.ctxErrs[0])
}

func TestAdminGrant(t *testing.T) {
	f := newFixture(t, 30)
	admin := map[string]string{"X-Admin-Secret": testAdminSecret}

	for _, body := range []string{`{"amount":5}`, `{"userId":"  ","amount":5}`, `{"userId":"u","amount":0}`, `{"userId":"u","amount":0.5}`, `{"userId":"u","amount":-3}`} {
		rec := f.do(t, http.MethodPost, "/admin/credits/grant", "", body, admin)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}

	rec := f.do(t, http.MethodPost, "/admin/credits/grant", "", `{"userId":"user-9","amount":12.9}`, admin)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"ok":true,"granted":12}`, rec.Body.String())

	bal, err := f.ledger.Balance(context.Background(), "user-9")
	require.NoError(t, err)
	assert.Equal(t, 42, bal.Balance)

	rec = f.do(t, http.MethodPost, "/admin/credits/grant", "", `{"userId":"user-9","amount":1}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCredits(t *testing.T) {
	f := newFixture(t, 30)
	rec := f.do(t, http.MethodGet, "/credits", "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out creditsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, 30, out.Balance)
	assert.Equal(t, 30, out.MonthlyGrant)
	assert.Equal(t, models.PlanFree, out.Plan)
	assert.True(t, out.ResetAt.After(time.Now()))
	require.Len(t, out.Ledger, 1)
	assert.Equal(t, models.ReasonMonthlyGrant, out.Ledger[0].Reason)
	assert.Equal(t, 30, out.Ledger[0].Delta)
}

func TestCaptureURL(t *testing.T) {
	f := newFixture(t, 30)

	rec := f.do(t, http.MethodPost, "/capture/url", "user-1", `{"url":"https://Example.com/post/?utm_source=x"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	first := decodeMap(t, rec)

	byType := map[models.JobType]string{}
	for _, job := range f.store.ListJobs("user-1") {
		byType[job.Type] = job.ID
	}
	require.Len(t, byType, 2)
	assert.Equal(t, byType[models.JobExtractURL], first["jobId"])
	assert.NotEmpty(t, byType[models.JobScreenshotURL])

	rec = f.do(t, http.MethodPost, "/capture/url", "user-1", `{"url":"https://example.com/post"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	again := decodeMap(t, rec)
	assert.Equal(t, first["itemId"], again["itemId"])
	assert.Equal(t, true, again["existing"])
	assert.Nil(t, again["jobId"])
	assert.Equal(t, 1, f.store.ItemCount("user-1"))
	assert.Len(t, f.store.ListJobs("user-1"), 2)
}

func TestCaptureURL_Rejections(t *testing.T) {
	f := newFixture(t, 30)
	cases := map[string]string{
		`{"url":"not a url"}`:              "invalid_url",
		`{"url":"ftp://example.com/file"}`: "invalid_url",
		`{"url":"http://localhost:3000/"}`: "url_not_allowed",
		`{"url":"http://10.0.0.8/admin"}`:  "url_not_allowed",
	}
	for body, kind := range cases {
		rec := f.do(t, http.MethodPost, "/capture/url", "user-1", body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, kind, decodeMap(t, rec)["error"], body)
	}
	assert.Equal(t, 0, f.store.ItemCount("user-1"))
}

func TestItemRetryAndReEnrich(t *testing.T) {
	f := newFixture(t, 30)
	rec := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"text to enrich"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	itemID := decodeMap(t, rec)["itemId"].(string)

	rec = f.do(t, http.MethodPost, "/items/"+itemID+"/retry", "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out := decodeMap(t, rec)
	assert.Nil(t, out["jobId"])
	assert.Contains(t, out["message"], "already queued or running")

	rec = f.do(t, http.MethodPost, "/items/"+itemID+"/retry?force=1", "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	out = decodeMap(t, rec)
	assert.Equal(t, "Retry enqueued", out["message"])
	assert.NotEmpty(t, out["jobId"])

	rec = f.do(t, http.MethodPost, "/items/"+itemID+"/re-enrich?mode=tags_only", "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Re-enrich enqueued", decodeMap(t, rec)["message"])
	assert.Len(t, f.store.ListJobs("user-1"), 3)

	rec = f.do(t, http.MethodPost, "/items/"+itemID+"/re-enrich?mode=poetic", "user-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/items/"+itemID+"/retry", "user-2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = f.do(t, http.MethodPost, "/items/missing/retry", "user-1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestReEnrich_ShortBalance(t *testing.T) {
	f := newFixture(t, 3)
	rec := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"text to enrich"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	itemID := decodeMap(t, rec)["itemId"].(string)

	_, err := f.ledger.Spend(context.Background(), "user-1", 2, models.ReasonCompareItems, credits.SpendOptions{})
	require.NoError(t, err)

	rec = f.do(t, http.MethodPost, "/items/"+itemID+"/re-enrich", "user-1", "", nil)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.EqualValues(t, 1, decodeMap(t, rec)["balance"])
}

func TestGetJob_OwnerOnly(t *testing.T) {
	f := newFixture(t, 30)
	rec := f.do(t, http.MethodPost, "/capture/paste", "user-1", `{"text":"hello"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	jobID := decodeMap(t, rec)["jobId"].(string)

	rec = f.do(t, http.MethodGet, "/jobs/"+jobID, "user-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job models.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.StatusQueued, job.Status)
	assert.Equal(t, models.JobEnrichItem, job.Type)

	rec = f.do(t, http.MethodGet, "/jobs/"+jobID, "user-2", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStripeWebhook_ErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{nil, http.StatusOK},
		{billing.ErrWebhookNotConfigured, http.StatusInternalServerError},
		{billing.ErrMissingSignature, http.StatusBadRequest},
		{billing.ErrInvalidSignature, http.StatusBadRequest},
		{errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		f := newFixture(t, 30)
		f.webhooks.err = tc.err
		req := httptest.NewRequest(http.MethodPost, "/stripe/webhook", bytes.NewReader([]byte(`{"id":"evt_1"}`)))
		req.Header.Set("Stripe-Signature", "t=1,v1=abc")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		assert.Equal(t, tc.code, rec.Code)
		require.Len(t, f.webhooks.payloads, 1)
		assert.Equal(t, `{"id":"evt_1"}`, string(f.webhooks.payloads[0]))
		if tc.err == nil {
			assert.JSONEq(t, `{"received":true}`, rec.Body.String())
		}
	}
}
