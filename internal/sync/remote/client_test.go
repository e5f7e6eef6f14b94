package remote

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/vetpulse/vetsync/internal/errors"
	"github.com/vetpulse/vetsync/internal/models"
	"github.com/vetpulse/vetsync/internal/tenant"
)

var scope = tenant.Scope{TenantID: "clinic-a", PracticeID: "main", UserID: "u1"}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond, Multiplier: 2}
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{BaseURL: srv.URL + "/api/", Token: "secret", Retry: fastRetry()})
}

// TestClientCreate tests request shape and record decoding.
func TestClientCreate(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/boarding/reservations", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "clinic-a", r.Header.Get(HeaderTenant))
		assert.Equal(t, "main", r.Header.Get(HeaderPractice))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"pet_id":"7"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":1234,"version":1,"updated_at":"2026-01-02T03:04:05Z","pet_id":"7"}`))
	})

	rec, err := c.Create(context.Background(), scope, models.EntityBoardingReservations, json.RawMessage(`{"pet_id":"7"}`))
	require.NoError(t, err)
	assert.Equal(t, "1234", rec.ID)
	assert.Equal(t, int64(1), rec.Version)
	assert.Equal(t, "2026-01-02T03:04:05Z", rec.UpdatedAt)
	assert.Contains(t, string(rec.Data), `"pet_id":"7"`)
}

// TestClientUpdateConflict tests that a 409 carries the current record.
func TestClientUpdateConflict(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/api/pets/p%201", r.URL.EscapedPath())
		assert.Equal(t, "3", r.Header.Get("If-Match"))
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"version_conflict","message":"stale","current":{"id":"p 1","version":5,"name":"Rex"}}`))
	})

	_, err := c.Update(context.Background(), scope, models.EntityPets, "p 1", json.RawMessage(`{"name":"Max"}`), 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrConflict))
	assert.False(t, IsTransport(err))
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls), "conflicts are not retried")

	cur := CurrentRecord(err)
	require.NotNil(t, cur)
	assert.Equal(t, "p 1", cur.ID)
	assert.Equal(t, int64(5), cur.Version)
}

// TestClientErrors tests status classification and retries.
func TestClientErrors(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, `{"error":"not_found"}`, http.StatusNotFound)
		})
		err := c.Delete(context.Background(), scope, models.EntityPets, "9")
		assert.True(t, errors.Is(err, ErrNotFound))

		var apiErr *APIError
		require.True(t, errors.As(err, &apiErr))
		assert.Equal(t, "delete", apiErr.Op)
		assert.Equal(t, "not_found", apiErr.Message)
	})

	t.Run("server errors retried", func(t *testing.T) {
		var calls int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_, _ = w.Write([]byte(`{"id":"9","version":2}`))
		})
		rec, err := c.Get(context.Background(), scope, models.EntityPets, "9")
		require.NoError(t, err)
		assert.Equal(t, int64(2), rec.Version)
		assert.EqualValues(t, 3, atomic.LoadInt32(&calls))
	})

	t.Run("retries exhausted", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		_, err := c.Get(context.Background(), scope, models.EntityPets, "9")
		var rerr *RetryError
		require.True(t, errors.As(err, &rerr))
		assert.Equal(t, 3, rerr.Retries)
		assert.True(t, errors.Is(err, ErrServerError))
		assert.True(t, IsTransport(err))
	})

	t.Run("creates not retried", func(t *testing.T) {
		var calls int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := c.Create(context.Background(), scope, models.EntityPets, json.RawMessage(`{}`))
		assert.True(t, errors.Is(err, ErrServerError))
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("patches not retried", func(t *testing.T) {
		var calls int32
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusServiceUnavailable)
		})
		_, err := c.Update(context.Background(), scope, models.EntityPets, "9", json.RawMessage(`{"name":"Rex"}`), 2)
		assert.True(t, errors.Is(err, ErrServerError))
		assert.True(t, IsTransport(err))
		assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
	})

	t.Run("network failure", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		srv.Close()
		c := NewClient(Config{BaseURL: srv.URL, Retry: RetryConfig{MaxAttempts: 1}})
		_, err := c.Get(context.Background(), scope, models.EntityPets, "9")
		assert.True(t, errors.Is(err, ErrNetworkFailure))
	})

	t.Run("missing tenant", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			t.Error("request must not be sent")
		})
		_, err := c.List(context.Background(), tenant.Scope{}, models.EntityPets)
		assert.True(t, apperrors.Is(err, apperrors.ErrTenantContext))
	})
}

// TestClientTimeout tests that a slow server is reported as a network failure.
func TestClientTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})

	c := NewClient(Config{BaseURL: srv.URL, Timeout: 50 * time.Millisecond, Retry: RetryConfig{MaxAttempts: 1}})
	_, err := c.Get(context.Background(), scope, models.EntityPets, "1")
	assert.True(t, errors.Is(err, ErrNetworkFailure))
}

// TestDecodeList tests both bare and enveloped list bodies.
func TestDecodeList(t *testing.T) {
	recs, err := decodeList([]byte(`[{"id":"1","version":1},{"id":2,"version":4}]`))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "2", recs[1].ID)

	recs, err = decodeList([]byte(`{"items":[{"id":"1","version":1}]}`))
	require.NoError(t, err)
	assert.Len(t, recs, 1)

	_, err = decodeList([]byte(`[{"version":1}]`))
	assert.True(t, errors.Is(err, ErrBadResponse))
}
