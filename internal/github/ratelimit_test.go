package github

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitStatus_Limited(t *testing.T) {
	assert.True(t, (&RateLimitStatus{Remaining: 0}).Limited())
	assert.True(t, (&RateLimitStatus{Remaining: -1}).Limited())
	assert.False(t, (&RateLimitStatus{Remaining: 1}).Limited())
}

func TestClient_RateLimit(t *testing.T) {
	reset := time.Unix(1_700_000_123, 0)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rate_limit", r.URL.Path)
		fmt.Fprintf(w, `{"rate": {"limit": 5000, "remaining": 4321, "reset": %d}}`, reset.Unix())
	}))
	defer server.Close()

	client := NewClient("token", WithBaseURL(server.URL))
	limits, err := client.RateLimit(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5000, limits.Limit)
	assert.Equal(t, 4321, limits.Remaining)
	assert.True(t, limits.ResetTime.Equal(reset))
	assert.False(t, limits.Limited())
}
