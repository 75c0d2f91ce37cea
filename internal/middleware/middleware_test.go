package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Proton-105/pagecapture/internal/admission"
	apperrors "github.com/Proton-105/pagecapture/internal/errors"
	"github.com/Proton-105/pagecapture/internal/idempotency"
	"github.com/Proton-105/pagecapture/internal/plan"
	"github.com/Proton-105/pagecapture/internal/ratelimit"
	"github.com/Proton-105/pagecapture/pkg/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errHandler = apperrors.NewHandler(testLogger(), false)

type keyResolver map[string]*plan.Principal

func (k keyResolver) Resolve(_ context.Context, key string) (*plan.Principal, error) {
	if key == "explode" {
		return nil, errors.New("db down")
	}
	p, ok := k[key]
	if !ok {
		return nil, plan.ErrUnknownKey
	}
	return p, nil
}

func directory() *plan.Directory {
	return plan.NewDirectory(keyResolver{
		"secret": {UserID: "u1", APIKeyID: "k1", Plan: plan.Plan{Name: "pro"}},
	}, plan.Plan{Name: "free"})
}

func TestIdentity_ResolvesPrincipal(t *testing.T) {
	var got *plan.Principal
	h := Identity(directory(), true, errHandler)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = PrincipalFromContext(r.Context())
	}))

	testCases := []struct {
		name    string
		headers map[string]string
		user    string
		plan    string
		ip      string
	}{
		{name: "bearer", headers: map[string]string{"Authorization": "Bearer secret"}, user: "u1", plan: "pro", ip: "192.0.2.1"},
		{name: "header", headers: map[string]string{APIKeyHeader: "secret"}, user: "u1", plan: "pro", ip: "192.0.2.1"},
		{name: "unknown key", headers: map[string]string{APIKeyHeader: "nope"}, plan: "free", ip: "192.0.2.1"},
		{name: "forwarded", headers: map[string]string{"X-Forwarded-For": "203.0.113.5, 10.0.0.1"}, plan: "free", ip: "203.0.113.5"},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = "192.0.2.1:5555"
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)

			require.NotNil(t, got)
			assert.Equal(t, tc.user, got.UserID)
			assert.Equal(t, tc.plan, got.Plan.Name)
			assert.Equal(t, tc.ip, got.IP)
		})
	}
}

func TestIdentity_StoreFailure(t *testing.T) {
	h := Identity(directory(), false, errHandler)(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("must not reach handler")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(APIKeyHeader, "explode")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "db down")
}

func TestClientIP_IgnoresForwardedWhenUntrusted(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.9:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	assert.Equal(t, "192.0.2.9", ClientIP(req, false))
}

func TestRateLimit_RejectsWithHeaders(t *testing.T) {
	rules, err := ratelimit.NewRules(config.RateLimitConfig{Routes: config.RouteLimitsConfig{
		Auth:       config.RateLimitRule{Window: "1m", Max: 2, KeyBy: "ip"},
		Screenshot: config.RateLimitRule{Window: "1m", Max: 10, KeyBy: "user"},
		Default:    config.RateLimitRule{Window: "1m", Max: 10, KeyBy: "user"},
	}})
	require.NoError(t, err)

	ctrl := admission.NewController(ratelimit.NewMemoryLimiter(),
		ratelimit.NewConcurrencyLimiter(ratelimit.NewMemorySlots(), ratelimit.ConcurrencyOptions{Logger: testLogger()}),
		rules, nil, admission.Options{Logger: testLogger()})

	h := Identity(directory(), false, errHandler)(
		RateLimit(ctrl, ratelimit.ScopeAuth, errHandler)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})))

	codes := make([]int, 0, 3)
	var last *httptest.ResponseRecorder
	for i := 0; i < 3; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/verify", nil)
		req.RemoteAddr = "198.51.100.7:4000"
		last = httptest.NewRecorder()
		h.ServeHTTP(last, req)
		codes = append(codes, last.Code)
	}

	assert.Equal(t, []int{200, 200, 429}, codes)
	assert.Equal(t, "2", last.Header().Get(admission.HeaderLimit))
	assert.Equal(t, "0", last.Header().Get(admission.HeaderRemaining))
	assert.NotEmpty(t, last.Header().Get(admission.HeaderRetryAfter))

	var body struct {
		Error apperrors.PublicError `json:"error"`
	}
	require.NoError(t, json.Unmarshal(last.Body.Bytes(), &body))
	assert.Equal(t, apperrors.KindRateLimited, body.Error.Kind)
	assert.Equal(t, "ip:198.51.100.7", body.Error.Fields["identity"])
}

func newIdempotencyManager(t *testing.T) idempotency.Manager {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return idempotency.NewManager(idempotency.NewRedisStore(client, testLogger()), time.Minute, testLogger())
}

func TestIdempotency_ReplaysFirstResponse(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(newIdempotencyManager(t), time.Hour, errHandler, testLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			n := calls.Add(1)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set(admission.HeaderRemaining, "9")
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]int32{"call": n})
		}))

	send := func(key string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/captures", nil)
		if key != "" {
			req.Header.Set(IdempotencyKeyHeader, key)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := send("abc")
	second := send("abc")

	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.JSONEq(t, `{"call":1}`, second.Body.String())
	assert.Equal(t, "true", second.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, "application/json", second.Header().Get("Content-Type"))
	assert.Empty(t, second.Header().Get(admission.HeaderRemaining))

	send("")
	send("other")
	assert.EqualValues(t, 3, calls.Load())
}

func TestIdempotency_RejectionsAreNotReplayed(t *testing.T) {
	var calls atomic.Int32
	h := Idempotency(newIdempotencyManager(t), time.Hour, errHandler, testLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			if calls.Add(1) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			w.WriteHeader(http.StatusCreated)
		}))

	for _, want := range []int{http.StatusTooManyRequests, http.StatusCreated, http.StatusCreated} {
		req := httptest.NewRequest(http.MethodPost, "/v1/captures", nil)
		req.Header.Set(IdempotencyKeyHeader, "k")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code)
	}
	assert.EqualValues(t, 2, calls.Load())
}

func TestIdempotency_ConcurrentDuplicateConflicts(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	h := Idempotency(newIdempotencyManager(t), time.Hour, errHandler, testLogger())(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			close(started)
			<-release
			w.WriteHeader(http.StatusCreated)
		}))

	newReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/captures", nil)
		req.Header.Set(IdempotencyKeyHeader, "dup")
		return req
	}

	done := make(chan int, 1)
	go func() {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, newReq())
		done <- rec.Code
	}()
	<-started

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, newReq())
	assert.Equal(t, http.StatusConflict, rec.Code)

	close(release)
	assert.Equal(t, http.StatusCreated, <-done)
}

func TestLogging_PassesThroughStatus(t *testing.T) {
	h := Logging(testLogger())(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
