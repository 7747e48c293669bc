package auth

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ClawsCorp/core/pkg/audit"
	"github.com/ClawsCorp/core/pkg/database/dbtest"
)

var secret = []byte("test-secret")

func signed(now time.Time, nonce, method, path, body string) Request {
	ts := strconv.FormatInt(now.Unix(), 10)
	return Request{
		Timestamp: ts,
		Nonce:     nonce,
		Signature: Sign(secret, ts, nonce, method, path, []byte(body)),
		Method:    method,
		Path:      path,
		Body:      []byte(body),
	}
}

func TestCanonicalString(t *testing.T) {
	got := CanonicalString("1700000000", "n-1", "post", "/api/v1/settlement/202501", []byte("{}"))
	assert.Equal(t,
		"1700000000.n-1.POST./api/v1/settlement/202501.44136fa355b3678a1146ad16f7e8649e94fb4fc21fe77e8310c060f61caaff8a",
		got)
}

func TestVerify_Order(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	tests := []struct {
		name   string
		mutate func(*Request)
		want   SignatureStatus
	}{
		{name: "valid", mutate: func(*Request) {}, want: StatusValid},
		{name: "missing signature", mutate: func(r *Request) { r.Signature = "" }, want: StatusMissing},
		{name: "missing nonce", mutate: func(r *Request) { r.Nonce = "" }, want: StatusMissing},
		{name: "malformed timestamp", mutate: func(r *Request) { r.Timestamp = "yesterday" }, want: StatusMissing},
		{name: "stale beats invalid", mutate: func(r *Request) {
			r.Timestamp = strconv.FormatInt(now.Add(-10*time.Minute).Unix(), 10)
			r.Signature = "00"
		}, want: StatusStale},
		{name: "future beyond skew", mutate: func(r *Request) {
			r.Timestamp = strconv.FormatInt(now.Add(6*time.Minute).Unix(), 10)
		}, want: StatusStale},
		{name: "tampered body", mutate: func(r *Request) { r.Body = []byte(`{"amount":2}`) }, want: StatusInvalid},
		{name: "non-hex signature", mutate: func(r *Request) { r.Signature = "zz" }, want: StatusInvalid},
		{name: "other path", mutate: func(r *Request) { r.Path = "/api/v1/reconciliation/202501" }, want: StatusInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewVerifier(secret, NewMemoryNonceStore(), VerifierConfig{TTL: 5 * time.Minute, Skew: 30 * time.Second})
			v.now = func() time.Time { return now }
			req := signed(now, "nonce-1", "POST", "/api/v1/settlement/202501", `{"amount":1}`)
			tt.mutate(&req)

			got, err := v.Verify(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVerify_InvalidDoesNotConsumeNonce(t *testing.T) {
	now := time.Now()
	v := NewVerifier(secret, NewMemoryNonceStore(), VerifierConfig{})

	bad := signed(now, "n-1", "POST", "/x", "")
	bad.Signature = strings.Repeat("ab", 32)
	st, err := v.Verify(context.Background(), bad)
	require.NoError(t, err)
	assert.Equal(t, StatusInvalid, st)

	st, err = v.Verify(context.Background(), signed(now, "n-1", "POST", "/x", ""))
	require.NoError(t, err)
	assert.Equal(t, StatusValid, st)

	st, err = v.Verify(context.Background(), signed(now, "n-1", "POST", "/x", ""))
	require.NoError(t, err)
	assert.Equal(t, StatusReplay, st)
}

type brokenNonces struct{}

func (brokenNonces) Remember(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection reset")
}

func TestVerify_FailsClosed(t *testing.T) {
	now := time.Now()
	_, err := NewVerifier(nil, NewMemoryNonceStore(), VerifierConfig{}).Verify(context.Background(), signed(now, "n", "POST", "/x", ""))
	assert.ErrorIs(t, err, ErrNoSecret)

	st, err := NewVerifier(secret, brokenNonces{}, VerifierConfig{}).Verify(context.Background(), signed(now, "n", "POST", "/x", ""))
	assert.Error(t, err)
	assert.NotEqual(t, StatusValid, st)
}

func TestMemoryNonceStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryNonceStore()
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	fresh, _ := s.Remember(ctx, "a", time.Minute)
	assert.True(t, fresh)
	fresh, _ = s.Remember(ctx, "a", time.Minute)
	assert.False(t, fresh)

	now = now.Add(2 * time.Minute)
	fresh, _ = s.Remember(ctx, "b", time.Minute)
	assert.True(t, fresh)
	assert.Equal(t, 1, s.Len(), "expired nonce pruned on write")

	fresh, _ = s.Remember(ctx, "a", time.Minute)
	assert.True(t, fresh)
}

func TestSQLNonceStore(t *testing.T) {
	ctx := context.Background()
	s := NewSQLNonceStore(dbtest.NewSQLite(t))
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	fresh, err := s.Remember(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = s.Remember(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)
	_, err = s.Remember(ctx, "b", 5*time.Minute)
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)
	n, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	fresh, err = s.Remember(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = s.Remember(ctx, "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, fresh)
}

// TestRedisNonceStore_Integration requires a running Redis.
// We skip if connection fails.
func TestRedisNonceStore_Integration(t *testing.T) {
	s := NewRedisNonceStore("localhost:6379", "", 0)
	defer s.Close()
	ctx := context.Background()
	if err := s.Ping(ctx); err != nil {
		t.Skip("Skipping Redis integration test: redis not available")
	}

	nonce := "test-" + strconv.FormatInt(time.Now().UnixNano(), 10)
	fresh, err := s.Remember(ctx, nonce, time.Second)
	require.NoError(t, err)
	assert.True(t, fresh)
	fresh, err = s.Remember(ctx, nonce, time.Second)
	require.NoError(t, err)
	assert.False(t, fresh)
}

func TestMiddleware_ReplayRejectedAndAudited(t *testing.T) {
	db := dbtest.NewSQLite(t)
	auditStore := audit.NewSQLStore(db)
	v := NewVerifier(secret, NewSQLNonceStore(db), VerifierConfig{})

	calls := 0
	h := NewMiddleware(v, auditStore, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		c, ok := GetCaller(r.Context())
		require.True(t, ok)
		assert.Equal(t, StatusValid, c.Status)
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "{}", string(body), "body restored for the handler")
		w.WriteHeader(http.StatusOK)
	}))

	send := func() *httptest.ResponseRecorder {
		req := signed(time.Now(), "nonce-42", http.MethodPost, "/api/v1/settlement/202501", "{}")
		r := httptest.NewRequest(http.MethodPost, req.Path, strings.NewReader("{}"))
		r.Header.Set(HeaderTimestamp, req.Timestamp)
		r.Header.Set(HeaderNonce, req.Nonce)
		r.Header.Set(HeaderSignature, req.Signature)
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	assert.Equal(t, http.StatusOK, send().Code)
	w := send()
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Equal(t, 1, calls, "replayed request never reaches the handler")

	entries, err := auditStore.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the rejection is written here; valid calls are audited by the route")
	assert.Equal(t, string(StatusReplay), entries[0].SignatureStatus)
	assert.Equal(t, audit.OutcomeRejected, entries[0].Outcome)
	assert.Equal(t, "nonce-42", entries[0].RequestNonce)
}

func TestMiddleware_MissingHeaders(t *testing.T) {
	auditStore := audit.NewSQLStore(dbtest.NewSQLite(t))
	v := NewVerifier(secret, NewMemoryNonceStore(), VerifierConfig{})
	h := NewMiddleware(v, auditStore, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/v1/reconciliation/202501", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	entries, err := auditStore.List(context.Background(), audit.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(StatusMissing), entries[0].SignatureStatus)
}

func TestMiddleware_NoAuditStoreFailsClosed(t *testing.T) {
	h := NewMiddleware(NewVerifier(secret, NewMemoryNonceStore(), VerifierConfig{}), nil, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { t.Fatal("handler must not run") }))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestTraceIDMiddleware(t *testing.T) {
	var seen string
	h := TraceIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetTraceID(r.Context())
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, w.Header().Get(HeaderTraceID))
}
