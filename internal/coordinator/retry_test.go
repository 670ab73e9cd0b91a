package coordinator

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNoRetryNeverRetries(t *testing.T) {
	_, retry := NoRetry{}.ShouldRetry(context.Background(), 0, WriteRequest{Token: "t1"})
	require.False(t, retry)
}

func TestFreshTokenRetriesUpToMax(t *testing.T) {
	p := FreshToken{MaxAttempts: 2}
	req := WriteRequest{Token: "t1", SQL: "INSERT INTO t VALUES (1)"}

	next, retry := p.ShouldRetry(context.Background(), 0, req)
	require.True(t, retry)
	require.NotEqual(t, req.Token, next.Token)
	require.Equal(t, req.SQL, next.SQL)

	_, retry = p.ShouldRetry(context.Background(), 2, next)
	require.False(t, retry, "must stop after MaxAttempts")
}

func TestFreshTokenDefaultsToOneAttempt(t *testing.T) {
	p := FreshToken{}
	_, retry := p.ShouldRetry(context.Background(), 0, WriteRequest{Token: "t1"})
	require.True(t, retry)
	_, retry = p.ShouldRetry(context.Background(), 1, WriteRequest{Token: "t2"})
	require.False(t, retry)
}
