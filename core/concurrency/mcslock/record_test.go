package mcslock

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRecordResetIsPristine(t *testing.T) {
	reg := newTestRegistry(t, 1, 4)
	ctx := reg.Context(0)
	var rec LockableRecord

	h := rec.TryWriteLock(ctx)
	require.NotEqual(t, NoBlock, h)
	rec.Stamp(7, 1)
	rec.WriteUnlock(ctx, h)

	rec.Reset()
	v := rec.Version().Load()
	require.False(t, v.IsValid())
	require.False(t, v.IsDeleted())
	require.False(t, v.IsMoved())
	require.False(t, v.IsKeyLocked())
	require.True(t, rec.Lock().IsFree())
}

// The keylocked flag tracks writer holds exactly: raised by the time a write
// acquisition returns, cleared before the lock is observably free.
func TestKeyLockedTracksWriterHold(t *testing.T) {
	reg := newTestRegistry(t, 2, 4)
	ctx0 := reg.Context(0)
	ctx1 := reg.Context(1)
	var rec LockableRecord

	require.False(t, rec.Version().IsKeyLocked())

	h := rec.TryWriteLock(ctx0)
	require.NotEqual(t, NoBlock, h)
	require.True(t, rec.Version().IsKeyLocked())

	// An optimistic reader sees "write-locked" from the version word alone,
	// without touching the lock.
	s := rec.Version().Load()
	require.True(t, s.IsKeyLocked())

	rec.WriteUnlock(ctx0, h)
	require.False(t, rec.Version().IsKeyLocked())

	// Reader holds leave the flag alone.
	hr := rec.TryReadLock(ctx1)
	require.NotEqual(t, NoBlock, hr)
	require.False(t, rec.Version().IsKeyLocked())
	rec.ReadUnlock(ctx1, hr)
}

func TestStampUnderWriterLock(t *testing.T) {
	reg := newTestRegistry(t, 1, 4)
	ctx := reg.Context(0)
	var rec LockableRecord

	h := rec.WriteLock(ctx)
	rec.Stamp(12, 34)
	v := rec.Version().Load()
	require.True(t, v.IsValid())
	require.True(t, v.IsKeyLocked())
	require.Equal(t, uint32(12), v.Epoch())
	require.Equal(t, uint32(34), v.Ordinal())

	rec.WriteUnlock(ctx, h)
	v = rec.Version().Load()
	require.True(t, v.IsValid(), "stamp survives unlock")
	require.False(t, v.IsKeyLocked())
}

// Optimistic flag updates go through the public snapshot CAS and lose
// cleanly against concurrent modification.
func TestRecordFlagCAS(t *testing.T) {
	var rec LockableRecord
	ver := rec.Version()

	old := ver.Load()
	require.True(t, ver.CompareAndSet(old, old.WithDeleted(true)))
	require.True(t, ver.IsDeleted())
	require.False(t, ver.CompareAndSet(old, old.WithMoved(true)), "stale snapshot must lose")
}
