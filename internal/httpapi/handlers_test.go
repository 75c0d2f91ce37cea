package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/pagecapture/internal/admission"
	"github.com/Proton-105/pagecapture/internal/capture"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/lifecycle"
	"github.com/Proton-105/pagecapture/internal/plan"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
	"github.com/Proton-105/pagecapture/internal/repository"
	"github.com/Proton-105/pagecapture/internal/state"
	"github.com/Proton-105/pagecapture/internal/storage"
	"github.com/Proton-105/pagecapture/pkg/config"
)

const proKey = "pk_live_test"

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type mockCapturer struct {
	mock.Mock
}

func (m *mockCapturer) Capture(ctx context.Context, req capture.Request) (*capture.Result, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*capture.Result)
	return res, args.Error(1)
}

type fakeStatuses map[string]*state.CaptureStatus

func (f fakeStatuses) Status(_ context.Context, id string) (*state.CaptureStatus, error) {
	s, ok := f[id]
	if !ok {
		return nil, state.ErrStatusNotFound
	}
	return s, nil
}

type fakeIndex struct {
	mu      sync.Mutex
	byRef   map[string]string
	deleted []string
}

func (f *fakeIndex) FindByReference(_ context.Context, ref string) (*repository.Artifact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byRef[ref]
	if !ok {
		return nil, sql.ErrNoRows
	}
	return &repository.Artifact{ID: id, Reference: ref}, nil
}

func (f *fakeIndex) MarkDeleted(_ context.Context, id string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

type fixture struct {
	handler  http.Handler
	capturer *mockCapturer
	statuses fakeStatuses
	index    *fakeIndex
	local    *storage.LocalBackend
	probes   *lifecycle.Probes
}

func newFixture(t *testing.T, screenshotMax int) *fixture {
	t.Helper()

	rules, err := ratelimit.NewRules(config.RateLimitConfig{
		Routes: config.RouteLimitsConfig{
			Auth:       config.RateLimitRule{Window: "1m", Max: 5, KeyBy: "ip"},
			Screenshot: config.RateLimitRule{Window: "1m", Max: screenshotMax, KeyBy: "user"},
			Default:    config.RateLimitRule{Window: "1m", Max: 100, KeyBy: "user"},
		},
	})
	require.NoError(t, err)

	free := plan.Plan{Name: plan.FreePlan, MaxWidth: 1920, MaxHeight: 1080, AllowedFormats: []string{"png"}}
	pro := plan.Plan{Name: "pro", MaxWidth: 3840, MaxHeight: 2160, AllowedFormats: []string{"png", "pdf"}, WebhooksEnabled: true}
	resolver, err := plan.NewStaticResolver(map[string]plan.Plan{"pro": pro}, []config.APIKeyConfig{
		{ID: "k1", Key: proKey, UserID: "u1", Plan: "pro"},
	})
	require.NoError(t, err)

	local, err := storage.NewLocalBackend(storage.LocalConfig{
		Dir:        t.TempDir(),
		BaseURL:    "http://capture.test/v1/files",
		SigningKey: "signing-secret",
		URLTTL:     time.Minute,
	})
	require.NoError(t, err)

	capturer := &mockCapturer{}
	ctrl := admission.NewController(
		ratelimit.NewMemoryLimiter(),
		ratelimit.NewConcurrencyLimiter(ratelimit.NewMemorySlots(), ratelimit.ConcurrencyOptions{Logger: testLogger()}),
		rules,
		capturer,
		admission.Options{Concurrency: 2, Logger: testLogger()},
	)

	f := &fixture{
		capturer: capturer,
		statuses: fakeStatuses{},
		index:    &fakeIndex{byRef: map[string]string{}},
		local:    local,
		probes:   lifecycle.NewProbes(nil, testLogger()),
	}
	f.handler = NewHandler(Deps{
		Admission: ctrl,
		Statuses:  f.statuses,
		Backend:   local,
		Files:     local,
		Artifacts: f.index,
		Directory: plan.NewDirectory(resolver, free),
		Probes:    f.probes,
		Errors:    apperrors.NewHandler(testLogger(), false),
		Logger:    testLogger(),
	})
	return f
}

func (f *fixture) do(t *testing.T, method, target, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if authed {
		req.Header.Set("Authorization", "Bearer "+proKey)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) apperrors.PublicError {
	t.Helper()
	var body struct {
		Error apperrors.PublicError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Error
}

func TestCreateCapture_Success(t *testing.T) {
	f := newFixture(t, 10)
	f.capturer.On("Capture", mock.Anything, mock.MatchedBy(func(req capture.Request) bool {
		return req.URL == "https://example.com" &&
			req.Identity == "user:u1" &&
			req.Limits.Plan == "pro" &&
			req.Options.Width == 1600
	})).Return(&capture.Result{
		CaptureID:   "c1",
		State:       state.StateCompleted,
		Reference:   "captures/abc/2026/10/14/1_c1.png",
		URL:         "https://cdn.test/c1.png",
		ContentType: "image/png",
		SizeBytes:   512,
		Duration:    1500 * time.Millisecond,
		Attempts:    1,
	}, nil).Once()

	rec := f.do(t, http.MethodPost, "/v1/captures", `{"url":"https://example.com","options":{"width":1600}}`, true)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "c1", rec.Header().Get(CaptureIDHeader))
	assert.Equal(t, "/v1/captures/c1", rec.Header().Get("Location"))
	assert.Equal(t, "10", rec.Header().Get(admission.HeaderLimit))
	assert.Equal(t, "9", rec.Header().Get(admission.HeaderRemaining))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var body captureResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "c1", body.CaptureID)
	assert.Equal(t, state.StateCompleted, body.State)
	assert.EqualValues(t, 1500, body.DurationMs)
	assert.EqualValues(t, 512, body.SizeBytes)

	f.capturer.AssertExpectations(t)
}

func TestCreateCapture_BadBody(t *testing.T) {
	f := newFixture(t, 10)

	testCases := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "malformed", body: `{"url":`},
		{name: "unknown field", body: `{"url":"https://example.com","colour":"red"}`},
		{name: "trailing data", body: `{"url":"https://example.com"}{}`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/captures", tc.body, true)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, apperrors.KindInvalidRequest, decodeError(t, rec).Kind)
		})
	}
	f.capturer.AssertNotCalled(t, "Capture", mock.Anything, mock.Anything)
}

func TestCreateCapture_RateLimited(t *testing.T) {
	f := newFixture(t, 1)
	f.capturer.On("Capture", mock.Anything, mock.Anything).
		Return(&capture.Result{CaptureID: "c1", State: state.StateCompleted}, nil).Once()

	first := f.do(t, http.MethodPost, "/v1/captures", `{"url":"https://example.com"}`, true)
	require.Equal(t, http.StatusCreated, first.Code)

	second := f.do(t, http.MethodPost, "/v1/captures", `{"url":"https://example.com"}`, true)
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.NotEmpty(t, second.Header().Get(admission.HeaderRetryAfter))
	assert.Equal(t, "0", second.Header().Get(admission.HeaderRemaining))
	assert.Empty(t, second.Header().Get(CaptureIDHeader))

	pub := decodeError(t, second)
	assert.Equal(t, apperrors.KindRateLimited, pub.Kind)
	assert.True(t, pub.Retryable)

	f.capturer.AssertNumberOfCalls(t, "Capture", 1)
}

func TestCreateCapture_FailureCarriesCaptureID(t *testing.T) {
	f := newFixture(t, 10)
	f.capturer.On("Capture", mock.Anything, mock.Anything).Return(
		&capture.Result{CaptureID: "c2", State: state.StateFailed, ErrorKind: apperrors.KindUnsafeDestination},
		apperrors.NewUnsafeDestinationError("127.0.0.1"),
	).Once()

	rec := f.do(t, http.MethodPost, "/v1/captures", `{"url":"http://127.0.0.1"}`, true)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "c2", rec.Header().Get(CaptureIDHeader))
	assert.Equal(t, apperrors.KindUnsafeDestination, decodeError(t, rec).Kind)
}

func TestGetCapture_Ownership(t *testing.T) {
	f := newFixture(t, 10)
	f.statuses["mine"] = &state.CaptureStatus{CaptureID: "mine", Identity: "user:u1", State: state.StateCompleted}
	f.statuses["theirs"] = &state.CaptureStatus{CaptureID: "theirs", Identity: "user:u2", State: state.StateCompleted}

	rec := f.do(t, http.MethodGet, "/v1/captures/mine", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var status state.CaptureStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, state.StateCompleted, status.State)
	assert.NotContains(t, rec.Body.String(), "user:u1")

	rec = f.do(t, http.MethodGet, "/v1/captures/theirs", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/captures/missing", "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apperrors.KindNotFound, decodeError(t, rec).Kind)
}

func TestArtifacts_URLAndDelete(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()
	at := time.Date(2026, 10, 14, 9, 0, 0, 0, time.UTC)

	mine := storage.BuildKey("captures", "user:u1", "c1", "png", at)
	ref, err := f.local.Put(ctx, mine, []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	f.index.byRef[ref] = "a1"
	theirs := storage.BuildKey("captures", "user:u2", "c9", "png", at)

	rec := f.do(t, http.MethodGet, "/v1/artifacts/url?ref="+url.QueryEscape(ref), "", true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var body artifactURLResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, ref, body.Reference)
	assert.Contains(t, body.URL, "sig=")

	rec = f.do(t, http.MethodGet, "/v1/artifacts/url?ref="+url.QueryEscape(theirs), "", true)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/artifacts/url", "", true)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodDelete, "/v1/artifacts?ref="+url.QueryEscape(ref), "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err = f.local.Open(ref)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Equal(t, []string{"a1"}, f.index.deleted)

	rec = f.do(t, http.MethodDelete, "/v1/artifacts?ref="+url.QueryEscape(ref), "", true)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, f.index.deleted, 2)
}

func TestServeFile_SignedURL(t *testing.T) {
	f := newFixture(t, 10)
	ctx := context.Background()

	ref, err := f.local.Put(ctx, storage.BuildKey("captures", "user:u1", "c1", "png", time.Now()), []byte("png-bytes"), "image/png")
	require.NoError(t, err)
	signed, err := f.local.Get(ctx, ref)
	require.NoError(t, err)

	u, err := url.Parse(signed)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, u.RequestURI(), "", false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "png-bytes", rec.Body.String())
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))

	q := u.Query()
	q.Set("sig", strings.Repeat("0", 64))
	u.RawQuery = q.Encode()
	rec = f.do(t, http.MethodGet, u.RequestURI(), "", false)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestVerifyAuth(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodPost, "/v1/auth/verify", "", false)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, apperrors.KindUnauthorized, decodeError(t, rec).Kind)
	assert.Equal(t, "5", rec.Header().Get(admission.HeaderLimit))

	rec = f.do(t, http.MethodPost, "/v1/auth/verify", "", true)
	require.Equal(t, http.StatusOK, rec.Code)
	var body verifyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "k1", body.APIKeyID)
	assert.Equal(t, "pro", body.Plan.Name)
}

func TestProbes(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/readyz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)

	f.probes.Drain()
	rec = f.do(t, http.MethodGet, "/readyz", "", false)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "draining")

	rec = f.do(t, http.MethodGet, "/healthz", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, 10)

	rec := f.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, rec.Code)
}
