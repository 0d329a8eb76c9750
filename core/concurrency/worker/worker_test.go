package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sorabase/kurodb/core/concurrency/mcslock"
)

func newTestPool(t *testing.T, workers int) (*Pool, *mcslock.Registry) {
	t.Helper()
	reg, err := mcslock.NewRegistry(workers, 8, zap.NewNop())
	require.NoError(t, err)
	return NewPool(reg, zap.NewNop()), reg
}

func TestSubmitRunsOnDistinctWorkers(t *testing.T) {
	const workers = 4
	pool, _ := newTestPool(t, workers)

	var mu sync.Mutex
	seen := map[int]int{}
	barrier := make(chan struct{})
	for i := 0; i < workers; i++ {
		pool.Submit(func(ctx *mcslock.Context) {
			mu.Lock()
			seen[ctx.WorkerID()]++
			mu.Unlock()
			<-barrier
		})
	}
	close(barrier)
	pool.Wait()

	require.Len(t, seen, workers)
	for id, n := range seen {
		require.Equal(t, 1, n, "worker %d reused while busy", id)
	}
}

func TestSubmitReusesIdleWorkers(t *testing.T) {
	pool, _ := newTestPool(t, 2)

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		pool.Submit(func(ctx *mcslock.Context) { ran.Add(1) })
	}
	pool.Wait()
	require.Equal(t, int32(10), ran.Load())
}

func TestTasksCanUseLocksThroughTheirContext(t *testing.T) {
	const workers = 4
	pool, _ := newTestPool(t, workers)
	var rec mcslock.LockableRecord

	var acquired atomic.Int32
	for i := 0; i < workers; i++ {
		pool.Submit(func(ctx *mcslock.Context) {
			for {
				if h := rec.TryWriteLock(ctx); h != mcslock.NoBlock {
					acquired.Add(1)
					rec.WriteUnlock(ctx, h)
					return
				}
			}
		})
	}
	pool.Wait()

	require.Equal(t, int32(workers), acquired.Load())
	require.True(t, rec.Lock().IsFree())
}
