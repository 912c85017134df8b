package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kasmira-labs/chatflow/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_AllowPerKey(t *testing.T) {
	rl := NewRateLimiter(1000, 1)
	assert.True(t, rl.Allow("provider-a"))
	assert.True(t, rl.Allow("provider-b"))
}

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreaker("embedding", 2, 50*time.Millisecond)
	boom := errors.New("boom")
	failing := func(ctx context.Context) (interface{}, error) { return nil, boom }

	_, err := cb.Execute(context.Background(), failing)
	assert.Equal(t, boom, err)
	_, err = cb.Execute(context.Background(), failing)
	assert.Equal(t, boom, err)

	_, err = cb.Execute(context.Background(), failing)
	var appErr *apperr.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperr.EmbeddingCircuitOpen, appErr.Kind)
}
