package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/capi-tool-gateway/internal/domain"
)

func newTestClient(t *testing.T, srv *httptest.Server, mutate ...func(*Options)) *Client {
	t.Helper()
	opts := Options{
		BaseURL:        srv.URL + "/v1",
		RetryBaseDelay: time.Millisecond,
	}
	for _, m := range mutate {
		m(&opts)
	}
	c, err := New(opts, BasicAuth{Username: "user", Password: "pass"}, nil)
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestClient_RetriesThrottleThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			writeJSON(w, http.StatusTooManyRequests, map[string]any{"message": "slow down"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": "acc-1"})
	}))
	defer srv.Close()

	res := newTestClient(t, srv).Get(context.Background(), "/accounts/acc-1", nil)

	require.True(t, res.OK)
	assert.Equal(t, http.StatusOK, res.Status)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "acc-1", res.Data.(map[string]any)["id"])
}

func TestClient_ThrottleExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	res := newTestClient(t, srv).Get(context.Background(), "/accounts", nil)

	assert.False(t, res.OK)
	assert.Equal(t, http.StatusTooManyRequests, res.Status)
	assert.Equal(t, int32(DefaultMaxAttempts), calls.Load())
	require.NotNil(t, res.Error)
	assert.True(t, errors.Is(res.Err(), domain.ErrRateLimited))
	assert.Contains(t, res.Error.Message, "Rate limited (429)")
}

func TestClient_DoesNotRetryOtherErrors(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{http.StatusUnauthorized, "Authentication failed (401)."},
		{http.StatusForbidden, "Access denied (403)."},
		{http.StatusNotFound, "Not found (404)."},
		{http.StatusBadRequest, "Request failed (400)."},
		{http.StatusBadGateway, "Server error (502)."},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeJSON(w, tc.status, map[string]any{"message": "boom"})
			}))
			defer srv.Close()

			res := newTestClient(t, srv).Get(context.Background(), "/installs", nil)

			assert.False(t, res.OK)
			assert.Equal(t, tc.status, res.Status)
			assert.Equal(t, int32(1), calls.Load())
			require.NotNil(t, res.Error)
			assert.Contains(t, res.Error.Message, tc.want)
			assert.Contains(t, res.Error.Message, "boom")
		})
	}
}

func TestClient_NoContentAndNonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/installs/i-1":
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("<html>ok</html>"))
		}
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res := c.Delete(context.Background(), "/installs/i-1")
	assert.True(t, res.OK)
	assert.Equal(t, http.StatusNoContent, res.Status)
	assert.Nil(t, res.Data)

	res = c.Get(context.Background(), "/status", nil)
	assert.True(t, res.OK)
	assert.Nil(t, res.Data)
}

func TestClient_NoCredentials(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, err := New(Options{BaseURL: srv.URL}, Chain{BearerToken{}, BasicAuth{}}, nil)
	require.NoError(t, err)

	res := c.Get(context.Background(), "/accounts", nil)
	assert.False(t, res.OK)
	assert.Equal(t, 0, res.Status)
	assert.True(t, errors.Is(res.Err(), domain.ErrNoCredentials))
	assert.Zero(t, calls.Load())
	assert.Equal(t, "none", c.CredentialMethod())
}

func TestClient_SendsAuthAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		writeJSON(w, http.StatusCreated, map[string]any{"method": r.Method, "echo": body, "q": r.URL.Query().Get("first_date")})
	}))
	defer srv.Close()
	c := newTestClient(t, srv)

	res := c.Post(context.Background(), "/sites", map[string]any{"name": "blog"})
	require.True(t, res.OK)
	data := res.Data.(map[string]any)
	assert.Equal(t, http.MethodPost, data["method"])
	assert.Equal(t, "blog", data["echo"].(map[string]any)["name"])

	res = c.Get(context.Background(), "/accounts/a/usage", url.Values{"first_date": {"2024-01-01"}})
	require.True(t, res.OK)
	assert.Equal(t, "2024-01-01", res.Data.(map[string]any)["q"])
}

func TestClient_TransportFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	res := c.Get(context.Background(), "/accounts", nil)
	assert.False(t, res.OK)
	assert.Equal(t, 0, res.Status)
	assert.True(t, errors.Is(res.Err(), domain.ErrTransport))
}

func TestClient_CircuitBreakerOpens(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, func(o *Options) {
		o.Breaker = BreakerSettings{FailureThreshold: 1, Timeout: time.Minute}
	})

	res := c.Get(context.Background(), "/status", nil)
	assert.Equal(t, http.StatusServiceUnavailable, res.Status)

	// Порог в один отказ: предохранитель открыт сразу после первого 503
	for i := 0; i < 2; i++ {
		res = c.Get(context.Background(), "/status", nil)
		assert.False(t, res.OK)
		assert.True(t, errors.Is(res.Err(), domain.ErrCircuitOpen))
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestFullJitter_StaysInWindow(t *testing.T) {
	base := 10 * time.Millisecond
	for attempt := uint(0); attempt < 4; attempt++ {
		delay := base << attempt
		for i := 0; i < 50; i++ {
			d := fullJitter(base, attempt)
			assert.GreaterOrEqual(t, d, delay/2, "attempt %d", attempt)
			assert.LessOrEqual(t, d, delay, "attempt %d", attempt)
		}
	}
}

// paginatedServer отдает total элементов страницами по limit, next — абсолютная ссылка.
func paginatedServer(t *testing.T, total int, failOffset int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		if limit == 0 {
			limit = DefaultPageSize
		}
		if failOffset >= 0 && offset == failOffset {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"message": "page failed"})
			return
		}
		results := make([]any, 0, limit)
		for i := offset; i < offset+limit && i < total; i++ {
			results = append(results, map[string]any{"id": fmt.Sprintf("item-%03d", i)})
		}
		var next any
		if offset+limit < total {
			next = fmt.Sprintf("%s%s?limit=%d&offset=%d", srv.URL, r.URL.Path, limit, offset+limit)
		}
		writeJSON(w, http.StatusOK, map[string]any{"results": results, "next": next, "count": total})
	}))
	return srv
}

func TestGetAll_FollowsNextInOrder(t *testing.T) {
	srv := paginatedServer(t, 201, -1)
	defer srv.Close()

	res := newTestClient(t, srv).GetAll(context.Background(), "/installs", url.Values{"account_id": {"acc-1"}})

	require.True(t, res.OK)
	assert.False(t, res.Truncated)
	items := res.Data.([]any)
	require.Len(t, items, 201)
	for i, it := range items {
		assert.Equal(t, fmt.Sprintf("item-%03d", i), it.(map[string]any)["id"])
	}
}

func TestGetAll_FirstPageFailure(t *testing.T) {
	srv := paginatedServer(t, 50, 0)
	defer srv.Close()

	res := newTestClient(t, srv).GetAll(context.Background(), "/accounts", nil)

	assert.False(t, res.OK)
	assert.Equal(t, http.StatusInternalServerError, res.Status)
	assert.Empty(t, res.Data)
	require.NotNil(t, res.Error)
}

func TestGetAll_LaterPageFailureKeepsCollected(t *testing.T) {
	srv := paginatedServer(t, 250, 100)
	defer srv.Close()

	res := newTestClient(t, srv).GetAll(context.Background(), "/accounts", nil)

	require.True(t, res.OK)
	assert.True(t, res.Truncated)
	assert.Nil(t, res.Error)
	assert.Len(t, res.Data.([]any), 100)
}

func TestGetAll_RejectsForeignHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []any{map[string]any{"id": "a"}},
			"next":    "https://evil.example.com/v1/accounts?offset=100",
		})
	}))
	defer srv.Close()

	res := newTestClient(t, srv).GetAll(context.Background(), "/accounts", nil)

	require.True(t, res.OK)
	assert.True(t, res.Truncated)
	assert.Len(t, res.Data.([]any), 1)
}

func TestGetAll_StopsOnRepeatedCursor(t *testing.T) {
	var calls atomic.Int32
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		writeJSON(w, http.StatusOK, map[string]any{
			"results": []any{map[string]any{"id": "x"}},
			"next":    srv.URL + "/v1/accounts?offset=100",
		})
	}))
	defer srv.Close()

	res := newTestClient(t, srv).GetAll(context.Background(), "/accounts", nil)

	require.True(t, res.OK)
	assert.Equal(t, int32(2), calls.Load())
	assert.Len(t, res.Data.([]any), 2)
}
