// lockbench drives the record-lock core under the two canonical workloads:
// a no-conflict phase where every worker pins its own record, and a random
// contention phase where all workers hammer a small key set with try
// acquisitions. It reports outcome counts through zap and, when enabled,
// Prometheus.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sorabase/kurodb/config"
	"github.com/sorabase/kurodb/core/concurrency/mcslock"
	"github.com/sorabase/kurodb/core/concurrency/worker"
	"github.com/sorabase/kurodb/core/transaction"
	"github.com/sorabase/kurodb/pkg/logger"
	"github.com/sorabase/kurodb/pkg/telemetry"
)

var (
	configPath = flag.String("config", "", "Path to the config file (optional)")
	workers    = flag.Int("workers", 0, "Override the configured worker count")
	keys       = flag.Int("keys", 0, "Override the configured random-workload key count")
	iterations = flag.Int("iterations", 0, "Override the configured per-worker iteration count")
)

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *keys > 0 {
		cfg.Bench.Keys = *keys
	}
	if *iterations > 0 {
		cfg.Bench.Iterations = *iterations
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	zlogger, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer zlogger.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		zlogger.Fatal("init telemetry", zap.Error(err))
	}

	reg, err := mcslock.NewRegistry(cfg.Workers, cfg.LockBudget, zlogger)
	if err != nil {
		zlogger.Fatal("init lock registry", zap.Error(err))
	}
	if err := mcslock.RegisterMetrics(tel.Meter, reg); err != nil {
		zlogger.Fatal("register lock metrics", zap.Error(err))
	}

	pool := worker.NewPool(reg, zlogger)
	mgr := transaction.NewManager(zlogger)
	ctx := context.Background()

	runNoConflict(ctx, tel, zlogger, pool, mgr, cfg)
	runRandom(ctx, tel, zlogger, pool, cfg)

	s := reg.Stats()
	zlogger.Info("lockbench finished",
		zap.Uint64("reads_acquired", s.ReadsAcquired.Load()),
		zap.Uint64("writes_acquired", s.WritesAcquired.Load()),
		zap.Uint64("reads_denied", s.ReadsDenied.Load()),
		zap.Uint64("writes_denied", s.WritesDenied.Load()),
		zap.Uint64("releases", s.Releases.Load()),
		zap.Uint64("handoffs", s.Handoffs.Load()))

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := shutdown(shutdownCtx); err != nil {
		zlogger.Warn("telemetry shutdown", zap.Error(err))
	}
}

// runNoConflict pins one record per worker: even workers hold it shared, odd
// workers exclusive, everybody at once. Verifies the keylocked flag matches
// the holder mode while held and that every record is back to pristine after
// the coordinated release.
func runNoConflict(ctx context.Context, tel *telemetry.Telemetry, zlogger *zap.Logger,
	pool *worker.Pool, mgr *transaction.Manager, cfg *config.Config) {

	_, span := tel.Tracer.Start(ctx, "lockbench.no_conflict")
	defer span.End()

	n := cfg.Workers
	records := make([]mcslock.LockableRecord, n)
	var locked atomic.Int32
	release := make(chan struct{})

	for i := 0; i < n; i++ {
		pool.Submit(func(c *mcslock.Context) {
			tx := mgr.Begin(c)
			rec := &records[c.WorkerID()]
			for {
				var ok bool
				var err error
				if c.WorkerID()%2 == 0 {
					ok, err = tx.TryReadLock(rec)
				} else {
					ok, err = tx.TryWriteLock(rec)
				}
				if err != nil {
					zlogger.Fatal("lock attempt on finished transaction", zap.Error(err))
				}
				if ok {
					break
				}
				runtime.Gosched()
			}
			locked.Add(1)
			<-release
			if err := tx.Abort(); err != nil {
				zlogger.Fatal("abort", zap.Error(err))
			}
		})
	}

	for locked.Load() < int32(n) {
		time.Sleep(time.Millisecond)
	}
	for i := range records {
		wantLocked := i%2 == 1
		if records[i].Version().IsKeyLocked() != wantLocked {
			zlogger.Fatal("keylocked flag mismatch while held", zap.Int("key", i))
		}
	}
	close(release)
	pool.Wait()

	for i := range records {
		v := records[i].Version().Load()
		if !records[i].Lock().IsFree() || v.IsKeyLocked() || v.IsValid() {
			zlogger.Fatal("record not pristine after release", zap.Int("key", i))
		}
	}
	zlogger.Info("no-conflict phase done", zap.Int("workers", n))
}

// runRandom has every worker attempt cfg.Bench.Iterations try acquisitions
// against a shared key set, releasing immediately on success. Even workers
// read, odd workers write, matching the original engine's harness split.
func runRandom(ctx context.Context, tel *telemetry.Telemetry, zlogger *zap.Logger,
	pool *worker.Pool, cfg *config.Config) {

	_, span := tel.Tracer.Start(ctx, "lockbench.random")
	defer span.End()

	records := make([]mcslock.LockableRecord, cfg.Bench.Keys)
	var reads, writes atomic.Uint64

	start := time.Now()
	for i := 0; i < cfg.Workers; i++ {
		pool.Submit(func(c *mcslock.Context) {
			rnd := rand.New(rand.NewSource(int64(c.WorkerID()) + 1))
			var lim *rate.Limiter
			if cfg.Bench.Rate > 0 {
				lim = rate.NewLimiter(rate.Limit(cfg.Bench.Rate), 1)
			}
			for it := 0; it < cfg.Bench.Iterations; it++ {
				if lim != nil {
					if err := lim.Wait(ctx); err != nil {
						return
					}
				}
				rec := &records[rnd.Intn(len(records))]
				if c.WorkerID()%2 == 0 {
					if h := rec.TryReadLock(c); h != mcslock.NoBlock {
						reads.Add(1)
						rec.ReadUnlock(c, h)
					}
				} else {
					if h := rec.TryWriteLock(c); h != mcslock.NoBlock {
						writes.Add(1)
						rec.WriteUnlock(c, h)
					}
				}
			}
		})
	}
	pool.Wait()
	elapsed := time.Since(start)

	for i := range records {
		if !records[i].Lock().IsFree() || records[i].Version().Load() != 0 {
			zlogger.Fatal("record dirty after random phase", zap.Int("key", i))
		}
	}
	zlogger.Info("random phase done",
		zap.Int("keys", cfg.Bench.Keys),
		zap.Int("iterations_per_worker", cfg.Bench.Iterations),
		zap.Uint64("acquired_reads", reads.Load()),
		zap.Uint64("acquired_writes", writes.Load()),
		zap.Duration("elapsed", elapsed))
}
