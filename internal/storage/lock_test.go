package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/steveyegge/bountyd/internal/types"
)

func setupTestDB(t *testing.T) Storage {
	t.Helper()
	store, err := NewStorage(context.Background(), &Config{Path: filepath.Join(t.TempDir(), "lease.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestParseHolder(t *testing.T) {
	host, pid, ok := parseHolder("build-01:4242")
	require.True(t, ok)
	assert.Equal(t, "build-01", host)
	assert.Equal(t, 4242, pid)

	_, _, ok = parseHolder("no-pid")
	assert.False(t, ok)
	_, _, ok = parseHolder("host:abc")
	assert.False(t, ok)
	_, _, ok = parseHolder(HolderIdentity())
	assert.True(t, ok)
}

func TestAcquireRunLeaseExcludesLiveHolder(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	first, err := AcquireRunLease(ctx, store, PipelineLease, "run-1", time.Minute)
	require.NoError(t, err)

	// Same process, different run: this process is alive so the lease is held
	_, err = AcquireRunLease(ctx, store, PipelineLease, "run-2", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)

	require.NoError(t, first.Renew(ctx))
	require.NoError(t, first.Release())

	second, err := AcquireRunLease(ctx, store, PipelineLease, "run-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "run-2", second.RunID())
}

func TestAcquireRunLeaseTakesOverDeadProcess(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	hostname, err := os.Hostname()
	require.NoError(t, err)
	// PIDs this large are never allocated
	_, ok, err := store.AcquireLease(ctx, PipelineLease, hostname+":999999999", "crashed", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	lease, err := AcquireRunLease(ctx, store, PipelineLease, "run-2", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, "run-2", lease.RunID())

	current, err := store.GetLease(ctx, PipelineLease)
	require.NoError(t, err)
	assert.Equal(t, HolderIdentity(), current.Holder)
}

func TestAcquireRunLeaseRespectsRemoteHolder(t *testing.T) {
	ctx := context.Background()
	store := setupTestDB(t)

	_, ok, err := store.AcquireLease(ctx, PipelineLease, "some-other-host.invalid:1", "remote", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = AcquireRunLease(ctx, store, PipelineLease, "run-2", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseHeld)
}

func TestHeartbeatReportsLostLease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	store := setupTestDB(t)

	lease, err := AcquireRunLease(ctx, store, PipelineLease, "run-1", time.Minute)
	require.NoError(t, err)

	// Someone else takes the lease
	took, err := store.TakeOverLease(ctx, PipelineLease, "run-1", "other:1", "run-x", time.Minute)
	require.NoError(t, err)
	require.True(t, took)

	lost := make(chan struct{})
	go lease.Heartbeat(ctx, 10*time.Millisecond, func() { close(lost) })

	select {
	case <-lost:
	case <-ctx.Done():
		t.Fatal("heartbeat never noticed the lost lease")
	}
}

func TestDescribe(t *testing.T) {
	now := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	l := &types.Lease{Name: "pipeline", Holder: "h:1", RunID: "r", AcquiredAt: now, ExpiresAt: now.Add(time.Minute)}
	assert.Contains(t, Describe(l, now), "active")
	assert.Contains(t, Describe(l, now.Add(time.Hour)), "expired")
}
