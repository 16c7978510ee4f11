package middleware

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestRateLimiter(t *testing.T) {
	tests := []struct {
		name         string
		ip           string
		expectStatus int
		numRequests  int
		sleep        time.Duration
		burst        int
		limit        rate.Limit
	}{
		{
			name:         "within rate limit",
			ip:           "192.168.1.1:1000",
			expectStatus: http.StatusOK,
			numRequests:  20,
			limit:        rate.Every(time.Millisecond),
			burst:        20,
			sleep:        time.Millisecond,
		},
		{
			name:         "exceed rate limit",
			ip:           "192.168.1.1:1000",
			expectStatus: http.StatusTooManyRequests,
			numRequests:  65,
			limit:        rate.Every(time.Millisecond),
			burst:        60,
			sleep:        0,
		},
		{
			name:         "recovers as tokens refill",
			ip:           "192.168.1.1:1000",
			expectStatus: http.StatusOK,
			numRequests:  10,
			limit:        rate.Every(time.Millisecond),
			burst:        1,
			sleep:        2 * time.Millisecond,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rl := NewRateLimiter(slog.Default(), ClientIPKeyFunc, tc.limit, tc.burst)
			handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = tc.ip

			var rec *httptest.ResponseRecorder
			for i := 0; i < tc.numRequests; i++ {
				rec = httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
				time.Sleep(tc.sleep)
			}
			assert.Equal(t, tc.expectStatus, rec.Code)
		})
	}
}

func TestRateLimiterSharesBucketAcrossPorts(t *testing.T) {
	rl := NewRateLimiter(slog.Default(), ClientIPKeyFunc, rate.Every(time.Hour), 1)
	handler := rl.Limit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	first := httptest.NewRequest(http.MethodGet, "/test", nil)
	first.RemoteAddr = "10.0.0.1:1111"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, first)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Same host, different ephemeral port: the bucket is already drained.
	second := httptest.NewRequest(http.MethodGet, "/test", nil)
	second.RemoteAddr = "10.0.0.1:2222"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different host gets its own bucket.
	other := httptest.NewRequest(http.MethodGet, "/test", nil)
	other.RemoteAddr = "10.0.0.2:3333"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusOK, rec.Code)
}
