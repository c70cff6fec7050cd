package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/warp/rehearsal-engine/config"
	"github.com/warp/rehearsal-engine/generic"
)

func TestWriteError_MessageOmitsWrappingContext(t *testing.T) {
	// GIVEN: Client errors wrapped with internal operation names
	// WHEN: They are written as responses
	// THEN: The message comes from the error itself, not from the wrapping chain
	tests := []struct {
		name    string
		err     error
		status  int
		code    string
		message string
	}{
		{
			name:    "duplicate",
			err:     fmt.Errorf("settle reservation r1: insert charge c1: %w", generic.ErrDuplicate),
			status:  http.StatusConflict,
			code:    "duplicate",
			message: "record already exists",
		},
		{
			name:    "validation",
			err:     fmt.Errorf("book r1: load rules: %w", &generic.ValidationError{Code: "invalid_window", Field: "end", Message: "end must be after start"}),
			status:  http.StatusBadRequest,
			message: "end must be after start",
		},
		{
			name:    "not found",
			err:     fmt.Errorf("payment: load charge: %w", generic.NotFound("charge", "c9")),
			status:  http.StatusNotFound,
			code:    "not_found",
			message: `charge "c9" not found`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeError(rec, httptest.NewRequest(http.MethodPost, "/api/payments", nil), zerolog.Nop(), tt.err)

			assert.Equal(t, tt.status, rec.Code)
			body := decodeBody[ErrorResponse](t, rec)
			if tt.code != "" {
				assert.Equal(t, tt.code, body.Error)
			}
			assert.Equal(t, tt.message, body.Message)
			assert.NotContains(t, rec.Body.String(), "load")
			assert.NotContains(t, rec.Body.String(), "insert charge")
		})
	}
}

func TestRateLimiter_DropsIdleClients(t *testing.T) {
	// GIVEN: Two clients seen at 10:00, one of which comes back at 10:08
	// WHEN: A third client arrives at 10:15
	// THEN: Only the bucket idle for more than ten minutes is dropped
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	l := newRateLimiter(config.RateLimitConfig{RPS: 1, Burst: 1})
	l.now = func() time.Time { return now }

	l.getLimiter("10.0.0.1")
	l.getLimiter("10.0.0.2")
	assert.Equal(t, 2, l.size())

	now = now.Add(8 * time.Minute)
	l.getLimiter("10.0.0.2")

	now = now.Add(7 * time.Minute)
	l.getLimiter("10.0.0.3")

	assert.Equal(t, 2, l.size())
	l.mu.Lock()
	_, kept := l.limiters["10.0.0.2"]
	_, dropped := l.limiters["10.0.0.1"]
	l.mu.Unlock()
	assert.True(t, kept)
	assert.False(t, dropped)
}

func TestRateLimiter_ReturningClientKeepsBucket(t *testing.T) {
	// GIVEN: A client that has spent its single token
	// WHEN: It asks again within the idle window
	// THEN: It gets the same exhausted bucket and is refused
	now := time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)
	l := newRateLimiter(config.RateLimitConfig{RPS: 0.001, Burst: 1})
	l.now = func() time.Time { return now }

	assert.True(t, l.getLimiter("10.0.0.1").Allow())
	now = now.Add(2 * time.Minute)
	assert.False(t, l.getLimiter("10.0.0.1").Allow())
	assert.Equal(t, 1, l.size())
}
