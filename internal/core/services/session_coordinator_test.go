package services_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"streamcast/internal/core/domain"
	"streamcast/internal/core/services"
	"streamcast/internal/infrastructure/registry"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCoordinatorFixture() (*services.Coordinator, *captureSink, *registry.ConnectionRegistry) {
	reg := newTestRegistry()
	sink := newCaptureSink()
	coord := services.NewSessionCoordinator(reg, sink, nil, zap.NewNop().Sugar())
	return coord, sink, reg
}

func TestSecondBroadcasterConflicts(t *testing.T) {
	coord, _, f := newCoordinatorFixture()
	ctx := context.Background()

	first, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", first))

	second, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "intruder")
	require.NoError(t, err)
	err = coord.BroadcasterJoined(ctx, "stream-1", second)
	assert.ErrorIs(t, err, domain.ErrSessionConflict)

	// The incumbent stays in place.
	session, err := coord.Session(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, session.BroadcasterID)
	assert.Equal(t, domain.SessionLive, session.State)
}

func TestConcurrentBroadcastersExactlyOneWins(t *testing.T) {
	coord, _, f := newCoordinatorFixture()
	ctx := context.Background()

	const attempts = 16
	conns := make([]domain.Connection, attempts)
	for i := range conns {
		conn, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, domain.ParticipantID(fmt.Sprintf("b-%d", i)))
		require.NoError(t, err)
		conns[i] = conn
	}

	var wins, conflicts int32
	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn domain.Connection) {
			defer wg.Done()
			switch err := coord.BroadcasterJoined(ctx, "stream-1", conn); {
			case err == nil:
				atomic.AddInt32(&wins, 1)
			case errors.Is(err, domain.ErrSessionConflict):
				atomic.AddInt32(&conflicts, 1)
			default:
				t.Errorf("unexpected join error: %v", err)
			}
		}(conn)
	}
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&wins))
	assert.Equal(t, int32(attempts-1), atomic.LoadInt32(&conflicts))

	session, err := coord.Session(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionLive, session.State)
}

func TestBroadcasterReconnectReplacesOwnConnection(t *testing.T) {
	coord, _, f := newCoordinatorFixture()
	ctx := context.Background()

	first, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", first))

	second, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", second))

	session, err := coord.Session(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, session.BroadcasterID)

	// The stale connection was forced out of the registry.
	_, err = f.Get(ctx, first.ID)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)
}

func TestParkedViewerNotifiedExactlyOnce(t *testing.T) {
	coord, sink, f := newCoordinatorFixture()
	ctx := context.Background()

	viewer, err := f.Register(ctx, "stream-1", domain.RoleViewer, "alice")
	require.NoError(t, err)
	require.NoError(t, coord.ViewerJoined(ctx, "stream-1", viewer))

	session, err := coord.Session(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAwaitingBroadcaster, session.State)

	broadcaster, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", broadcaster))

	joined := sink.byType(broadcaster.ID, domain.TypeViewerJoined)
	require.Len(t, joined, 1)
	assert.Equal(t, domain.ParticipantID("alice"), joined[0].Sender)
}

func TestViewerJoinWhileLivePushesImmediately(t *testing.T) {
	coord, sink, f := newCoordinatorFixture()
	ctx := context.Background()

	broadcaster, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", broadcaster))

	viewer, err := f.Register(ctx, "stream-1", domain.RoleViewer, "alice")
	require.NoError(t, err)
	require.NoError(t, coord.ViewerJoined(ctx, "stream-1", viewer))

	joined := sink.byType(broadcaster.ID, domain.TypeViewerJoined)
	require.Len(t, joined, 1)
}

func TestResolveTarget(t *testing.T) {
	coord, _, f := newCoordinatorFixture()
	ctx := context.Background()

	broadcaster, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", broadcaster))
	viewer, err := f.Register(ctx, "stream-1", domain.RoleViewer, "alice")
	require.NoError(t, err)
	require.NoError(t, coord.ViewerJoined(ctx, "stream-1", viewer))

	// Broadcaster to named viewer.
	target, err := coord.ResolveTarget(ctx, "stream-1", broadcaster, "alice")
	require.NoError(t, err)
	assert.Equal(t, viewer.ID, target)

	// Viewer back to broadcaster, no explicit target needed.
	target, err = coord.ResolveTarget(ctx, "stream-1", viewer, "")
	require.NoError(t, err)
	assert.Equal(t, broadcaster.ID, target)

	// Unknown viewer.
	_, err = coord.ResolveTarget(ctx, "stream-1", broadcaster, "nobody")
	assert.ErrorIs(t, err, domain.ErrUnknownPeer)
}

func TestBroadcasterLeftDrainsViewers(t *testing.T) {
	coord, sink, f := newCoordinatorFixture()
	ctx := context.Background()

	broadcaster, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", broadcaster))

	var viewers []domain.Connection
	for _, name := range []string{"alice", "bob", "carol"} {
		v, err := f.Register(ctx, "stream-1", domain.RoleViewer, domain.ParticipantID(name))
		require.NoError(t, err)
		require.NoError(t, coord.ViewerJoined(ctx, "stream-1", v))
		viewers = append(viewers, v)
	}

	// The broadcaster connection dies.
	f.Unregister(ctx, broadcaster.ID, domain.CloseRemote)

	for _, v := range viewers {
		left := sink.byType(v.ID, domain.TypeBroadcasterLeft)
		assert.Len(t, left, 1, "viewer %s", v.ParticipantID)

		got, err := f.Get(ctx, v.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.LinkClosed, got.LinkState)
	}

	_, err = coord.Session(ctx, "stream-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestViewerLeftNotifiesBroadcaster(t *testing.T) {
	coord, sink, f := newCoordinatorFixture()
	ctx := context.Background()

	broadcaster, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", broadcaster))
	viewer, err := f.Register(ctx, "stream-1", domain.RoleViewer, "alice")
	require.NoError(t, err)
	require.NoError(t, coord.ViewerJoined(ctx, "stream-1", viewer))

	f.Unregister(ctx, viewer.ID, domain.CloseRemote)

	left := sink.byType(broadcaster.ID, domain.TypeViewerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, domain.ParticipantID("alice"), left[0].Sender)

	session, err := coord.Session(ctx, "stream-1")
	require.NoError(t, err)
	assert.Empty(t, session.Viewers)
}

func TestStreamStoppedForcesTeardown(t *testing.T) {
	coord, sink, f := newCoordinatorFixture()
	ctx := context.Background()

	broadcaster, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", broadcaster))
	viewer, err := f.Register(ctx, "stream-1", domain.RoleViewer, "alice")
	require.NoError(t, err)
	require.NoError(t, coord.ViewerJoined(ctx, "stream-1", viewer))

	require.NoError(t, coord.StreamStopped(ctx, "stream-1"))

	assert.Len(t, sink.byType(viewer.ID, domain.TypeBroadcasterLeft), 1)

	// The broadcaster connection was force-closed.
	_, err = f.Get(ctx, broadcaster.ID)
	assert.ErrorIs(t, err, domain.ErrConnectionNotFound)

	_, err = coord.Session(ctx, "stream-1")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestStreamStartedParksSession(t *testing.T) {
	coord, _, _ := newCoordinatorFixture()
	ctx := context.Background()

	require.NoError(t, coord.StreamStarted(ctx, "stream-1", "owner"))

	session, err := coord.Session(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionAwaitingBroadcaster, session.State)
	assert.Equal(t, domain.ParticipantID("owner"), session.OwnerID)
}

func TestMetricsSnapshot(t *testing.T) {
	coord, _, f := newCoordinatorFixture()
	ctx := context.Background()

	broadcaster, err := f.Register(ctx, "stream-1", domain.RoleBroadcaster, "owner")
	require.NoError(t, err)
	require.NoError(t, coord.BroadcasterJoined(ctx, "stream-1", broadcaster))
	viewer, err := f.Register(ctx, "stream-1", domain.RoleViewer, "alice")
	require.NoError(t, err)
	require.NoError(t, coord.ViewerJoined(ctx, "stream-1", viewer))

	metrics, err := coord.Metrics(ctx, "stream-1")
	require.NoError(t, err)
	assert.Equal(t, domain.SessionLive, metrics.State)
	assert.Equal(t, 1, metrics.ViewerCount)
	assert.False(t, metrics.StartedAt.IsZero())
}
