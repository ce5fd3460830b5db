package policy

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/restopos/kotsync/internal/db"
	apperrors "github.com/restopos/kotsync/internal/errors"
	"github.com/restopos/kotsync/internal/models"
)

type fakeDrainer struct {
	calls atomic.Int32
	err   error
}

func (d *fakeDrainer) ForceDrain(context.Context) error {
	d.calls.Add(1)
	return d.err
}

var roles = RoleResolverFunc(func(_ context.Context, actor string) (string, error) {
	switch actor {
	case "alice":
		return RoleAdmin, nil
	case "mona":
		return RoleManager, nil
	case "sam":
		return RoleStaff, nil
	}
	return "", fmt.Errorf("unknown actor %s", actor)
})

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time { return t }
}

func newTestGate(t *testing.T, drainer Drainer, opts ...Option) (*Gate, *db.MemoryStore) {
	t.Helper()
	store := db.NewMemoryStore()
	opts = append([]Option{WithClock(fixedClock())}, opts...)
	g := NewGate(store, drainer, roles, opts...)
	require.NoError(t, g.Load(context.Background()))
	return g, store
}

func TestGate_DefaultsToEnabled(t *testing.T) {
	g, _ := newTestGate(t, &fakeDrainer{})

	assert.True(t, g.IsEnabled())
	assert.False(t, g.IsOfflineAllowed())
	assert.Empty(t, g.AuditTrail())
	assert.Equal(t, Decision{Allowed: true, Mode: ModeOnline}, g.ValidateOperation("create_order"))
}

func TestGate_DisableRequiresReason(t *testing.T) {
	d := &fakeDrainer{}
	g, _ := newTestGate(t, d)

	_, err := g.Disable(context.Background(), "alice", "   ")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
	assert.True(t, g.IsEnabled())
	assert.Zero(t, d.calls.Load())
}

func TestGate_RoleChecks(t *testing.T) {
	g, _ := newTestGate(t, &fakeDrainer{})
	ctx := context.Background()

	_, err := g.Disable(ctx, "sam", "closing")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	_, err = g.Enable(ctx, "sam")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	_, err = g.Enable(ctx, "nobody")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))
	_, err = g.Enable(ctx, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrPermission))

	assert.True(t, g.IsEnabled())
	assert.Empty(t, g.AuditTrail())

	_, err = g.Disable(ctx, "mona", "closing")
	assert.NoError(t, err)
}

func TestGate_DisableDrainsFirst(t *testing.T) {
	d := &fakeDrainer{}
	g, _ := newTestGate(t, d)

	state, err := g.Disable(context.Background(), "alice", "network maintenance")
	require.NoError(t, err)

	assert.Equal(t, int32(1), d.calls.Load())
	assert.False(t, state.Enabled)
	assert.Equal(t, "alice", state.ChangedBy)
	assert.Equal(t, "network maintenance", state.DisableReason)
	assert.True(t, g.IsOfflineAllowed())

	dec := g.ValidateOperation("update_order")
	assert.True(t, dec.Allowed)
	assert.Equal(t, ModeOffline, dec.Mode)

	require.Len(t, state.Audit, 1)
	assert.Equal(t, models.AuditDisable, state.Audit[0].Action)
	assert.Equal(t, "network maintenance", state.Audit[0].Reason)
}

func TestGate_DisableRefusedWhenDrainFails(t *testing.T) {
	d := &fakeDrainer{err: apperrors.DrainFailed(3, fmt.Errorf("server unreachable"))}
	g, store := newTestGate(t, d)

	_, err := g.Disable(context.Background(), "alice", "closing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDrainFailed))
	appErr, ok := apperrors.As(err)
	require.True(t, ok)
	assert.Equal(t, 3, appErr.Count)

	assert.True(t, g.IsEnabled())
	assert.Empty(t, g.AuditTrail())
	_, persisted, err := store.GetMeta(context.Background(), db.MetaSyncPolicy)
	require.NoError(t, err)
	assert.False(t, persisted)
}

func TestGate_DisableWrapsPlainDrainErrors(t *testing.T) {
	g, _ := newTestGate(t, &fakeDrainer{err: fmt.Errorf("boom")})

	_, err := g.Disable(context.Background(), "alice", "closing")
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDrainFailed))
	assert.True(t, g.IsEnabled())
}

func TestGate_DisableRefusedWhileStoreDegraded(t *testing.T) {
	ctx := context.Background()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, database.Migrate())
	store := db.NewFallbackStore(db.NewRepository(database.DB))

	_, err = store.Put(ctx, models.CollectionOrders, models.Record{"id": "7", "sync_status": "pending"})
	require.NoError(t, err)

	// The disk goes away; the store carries on from an empty memory copy.
	require.NoError(t, database.Close())
	n, err := store.CountDirty(ctx, models.CollectionOrders)
	require.NoError(t, err)
	assert.Zero(t, n)

	d := &fakeDrainer{}
	g := NewGate(store, d, roles, WithClock(fixedClock()))
	_, err = g.Disable(ctx, "alice", "closing")
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrSyncDrainFailed))
	assert.True(t, g.IsEnabled())
	assert.Zero(t, d.calls.Load())
	assert.Empty(t, g.AuditTrail())
}

func TestGate_DisableWaitsForWritesInProgress(t *testing.T) {
	d := &fakeDrainer{}
	g, _ := newTestGate(t, d)

	done := g.BeginWrite()
	result := make(chan error, 1)
	go func() {
		_, err := g.Disable(context.Background(), "alice", "closing")
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("disable finished during a write: %v", err)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, d.calls.Load())
	assert.True(t, g.IsEnabled())

	done()
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("disable did not finish after the write")
	}
	assert.Equal(t, int32(1), d.calls.Load())
	assert.False(t, g.IsEnabled())
}

func TestGate_EnableTriggersSync(t *testing.T) {
	var triggered atomic.Int32
	g, _ := newTestGate(t, &fakeDrainer{}, WithSyncTrigger(func() { triggered.Add(1) }))
	ctx := context.Background()

	_, err := g.Disable(ctx, "alice", "closing")
	require.NoError(t, err)
	assert.Zero(t, triggered.Load())

	state, err := g.Enable(ctx, "mona")
	require.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.Empty(t, state.DisableReason)
	assert.Equal(t, int32(1), triggered.Load())

	trail := g.AuditTrail()
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditDisable, trail[0].Action)
	assert.Equal(t, models.AuditEnable, trail[1].Action)
	assert.Equal(t, "mona", trail[1].Actor)
}

func TestGate_EmergencyEnable(t *testing.T) {
	var triggered atomic.Int32
	d := &fakeDrainer{}
	g, _ := newTestGate(t, d, WithSyncTrigger(func() { triggered.Add(1) }))
	ctx := context.Background()

	_, err := g.Disable(ctx, "alice", "closing")
	require.NoError(t, err)
	d.err = apperrors.DrainFailed(1, nil)

	state, err := g.EmergencyEnable(ctx)
	require.NoError(t, err)
	assert.True(t, state.Enabled)
	assert.Equal(t, models.EmergencyActor, state.ChangedBy)
	assert.Equal(t, int32(1), d.calls.Load(), "emergency enable must not drain")
	assert.Equal(t, int32(1), triggered.Load())

	trail := g.AuditTrail()
	require.Len(t, trail, 2)
	assert.Equal(t, models.AuditEmergencyEnable, trail[1].Action)
	assert.Equal(t, models.EmergencyActor, trail[1].Actor)
}

func TestGate_StatePersistsAcrossLoad(t *testing.T) {
	g, store := newTestGate(t, &fakeDrainer{})
	ctx := context.Background()

	_, err := g.Disable(ctx, "alice", "closing")
	require.NoError(t, err)

	reloaded := NewGate(store, &fakeDrainer{}, roles)
	require.NoError(t, reloaded.Load(ctx))
	assert.False(t, reloaded.IsEnabled())
	assert.Equal(t, "closing", reloaded.State().DisableReason)
	assert.Len(t, reloaded.AuditTrail(), 1)
}

func TestGate_CorruptStateFallsBackToDefault(t *testing.T) {
	store := db.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.SetMeta(ctx, db.MetaSyncPolicy, "{not json"))

	g := NewGate(store, &fakeDrainer{}, roles)
	require.NoError(t, g.Load(ctx))
	assert.True(t, g.IsEnabled())
}

func TestGate_AuditTrailIsCapped(t *testing.T) {
	g, _ := newTestGate(t, &fakeDrainer{})
	ctx := context.Background()

	for i := 0; i < MaxAuditEntries+10; i++ {
		_, err := g.Disable(ctx, "alice", fmt.Sprintf("reason %d", i))
		require.NoError(t, err)
	}

	trail := g.AuditTrail()
	require.Len(t, trail, MaxAuditEntries)
	assert.Equal(t, "reason 10", trail[0].Reason)
	assert.Equal(t, fmt.Sprintf("reason %d", MaxAuditEntries+9), trail[len(trail)-1].Reason)
}

func TestGate_StateIsACopy(t *testing.T) {
	g, _ := newTestGate(t, &fakeDrainer{})
	_, err := g.Disable(context.Background(), "alice", "closing")
	require.NoError(t, err)

	trail := g.AuditTrail()
	trail[0].Actor = "mallory"
	assert.Equal(t, "alice", g.AuditTrail()[0].Actor)
}

func TestGate_Subscribe(t *testing.T) {
	g, _ := newTestGate(t, &fakeDrainer{})
	ctx := context.Background()

	var seen []bool
	unsubscribe := g.Subscribe(func(s models.SyncPolicyState) { seen = append(seen, s.Enabled) })

	_, err := g.Disable(ctx, "alice", "closing")
	require.NoError(t, err)
	_, err = g.Enable(ctx, "alice")
	require.NoError(t, err)

	unsubscribe()
	unsubscribe()
	_, err = g.Disable(ctx, "alice", "again")
	require.NoError(t, err)

	assert.Equal(t, []bool{false, true}, seen)
}
