package hostenv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLocalClaimLeaderFirstWins(t *testing.T) {
	ctx := context.Background()
	h := NewLocal(nil)

	ok, err := h.ClaimLeader(ctx, "db1", LeaderInfo{InstanceID: "a"}, time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = h.ClaimLeader(ctx, "db1", LeaderInfo{InstanceID: "b"}, time.Minute)
	require.NoError(t, err)
	require.False(t, ok, "second claim must lose the race while the first is fresh")

	info, found, err := h.GetLeader(ctx, "db1")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "a", info.InstanceID)
}

func TestLocalClaimLeaderAfterStaleHeartbeat(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := &now
	h := NewLocal(func() time.Time { return *clock })

	ok, err := h.ClaimLeader(ctx, "db1", LeaderInfo{InstanceID: "a"}, time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	*clock = clock.Add(2 * time.Second)

	ok, err = h.ClaimLeader(ctx, "db1", LeaderInfo{InstanceID: "b"}, time.Second)
	require.NoError(t, err)
	require.True(t, ok, "claim must succeed once the previous leader's heartbeat is stale")
}

func TestLocalReleaseLeaderOnlyByOwner(t *testing.T) {
	ctx := context.Background()
	h := NewLocal(nil)

	_, err := h.ClaimLeader(ctx, "db1", LeaderInfo{InstanceID: "a"}, time.Minute)
	require.NoError(t, err)

	require.NoError(t, h.ReleaseLeader(ctx, "db1", "b"))
	_, found, err := h.GetLeader(ctx, "db1")
	require.NoError(t, err)
	require.True(t, found, "release by a non-owner must not clear the slot")

	require.NoError(t, h.ReleaseLeader(ctx, "db1", "a"))
	_, found, err = h.GetLeader(ctx, "db1")
	require.NoError(t, err)
	require.False(t, found)
}

func TestLocalPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	h := NewLocal(nil)

	sub, err := h.Subscribe(ctx, "db1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, h.Publish(ctx, "db1", Message{Kind: KindDataChange, Sequence: 1}))

	select {
	case msg := <-sub.C():
		require.Equal(t, KindDataChange, msg.Kind)
		require.Equal(t, uint64(1), msg.Sequence)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestLocalPublishIgnoresOtherDatabases(t *testing.T) {
	ctx := context.Background()
	h := NewLocal(nil)

	sub, err := h.Subscribe(ctx, "db1")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, h.Publish(ctx, "other", Message{Kind: KindDataChange}))

	select {
	case <-sub.C():
		t.Fatal("should not receive messages for a different database")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestLocalSubscriptionCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	h := NewLocal(nil)

	sub, err := h.Subscribe(ctx, "db1")
	require.NoError(t, err)
	require.NoError(t, sub.Close())

	require.NoError(t, h.Publish(ctx, "db1", Message{Kind: KindDataChange}))
}
