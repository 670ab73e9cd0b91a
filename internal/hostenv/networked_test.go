package hostenv

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newNetworked(t *testing.T) *Networked {
	t.Helper()
	h, err := NewNetworked(NetworkedOptions{
		BoltPath: filepath.Join(t.TempDir(), "host.db"),
		NATSPort: -1, // embedded server picks a random free port
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.Close() })
	return h
}

func TestNetworkedClaimAndReleaseLeader(t *testing.T) {
	ctx := context.Background()
	h := newNetworked(t)

	ok, err := h.ClaimLeader(ctx, "db1", LeaderInfo{InstanceID: "a", AcquiredAt: time.Now()}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.ClaimLeader(ctx, "db1", LeaderInfo{InstanceID: "b"}, time.Minute)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, h.ReleaseLeader(ctx, "db1", "a"))
	_, found, err := h.GetLeader(ctx, "db1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestNetworkedPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	h := newNetworked(t)

	sub, err := h.Subscribe(ctx, "db1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, h.Publish(ctx, "db1", Message{Kind: KindLeaderClaim, InstanceID: "a"}))

	select {
	case msg := <-sub.C():
		require.Equal(t, KindLeaderClaim, msg.Kind)
		require.Equal(t, "a", msg.InstanceID)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered over embedded NATS")
	}
}
