package mcslock

import (
	"fmt"
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sorabase/kurodb/internal/goid"
)

// BlockHandle references one lock-queue block as a packed (worker, slot)
// pair. A bare slot index is ambiguous across workers, so every reference
// carries both halves. The zero handle is the "no block" sentinel.
type BlockHandle uint32

// NoBlock is the sentinel returned by failed try acquisitions.
const NoBlock BlockHandle = 0

func makeHandle(worker, slot uint16) BlockHandle {
	return BlockHandle(uint32(worker)<<16 | uint32(slot))
}

func (h BlockHandle) workerID() uint16 { return uint16(h >> 16) }
func (h BlockHandle) slot() uint16     { return uint16(h) }

// IsValid reports whether the handle references a block at all.
func (h BlockHandle) IsValid() bool { return h != NoBlock }

// Block state bits. The flags word is the only field a waiter ever spins on,
// and it lives in the waiter's own pool, bounding cross-core traffic.
const (
	blockGranted   = uint32(1) << 0
	blockFinalized = uint32(1) << 1
	blockWriter    = uint32(1) << 2
)

// Block is one worker's pending or held request on one lock. Only the owning
// worker acquires and releases it; other workers touch nothing but the two
// atomic fields during queue linking and handoff.
type Block struct {
	flags     atomic.Uint32
	successor atomic.Uint32 // BlockHandle of the next queued block, 0 = none
	inUse     bool          // owner-only bookkeeping
}

// IsGranted reports whether the request has been granted.
func (b *Block) IsGranted() bool { return b.flags.Load()&blockGranted != 0 }

// IsFinalized reports whether the request outcome is settled. Handles
// returned by the try variants are always finalized; callers never spin on
// this for the try result.
func (b *Block) IsFinalized() bool { return b.flags.Load()&blockFinalized != 0 }

func (b *Block) isWriter() bool { return b.flags.Load()&blockWriter != 0 }

// grant marks the request granted and settled. Release/acquire ordering on
// the flags word is what publishes the predecessor's critical section to the
// woken waiter.
func (b *Block) grant() {
	for {
		old := b.flags.Load()
		if b.flags.CompareAndSwap(old, old|blockGranted|blockFinalized) {
			return
		}
	}
}

// awaitGrant spins until granted. The field is local to the owning worker's
// pool; this is the only suspension point in the blocking protocol.
func (b *Block) awaitGrant() {
	for b.flags.Load()&blockGranted == 0 {
		runtime.Gosched()
	}
}

// awaitSuccessor spins until a successor links itself. Used only to resolve
// the window where the tail moved past this block but the link store has not
// landed yet; the enqueuer is one instruction away, so the spin is brief.
func (b *Block) awaitSuccessor() BlockHandle {
	for {
		if s := b.successor.Load(); s != 0 {
			return BlockHandle(s)
		}
		runtime.Gosched()
	}
}

// BlockPool is a worker-exclusive, fixed-capacity array of blocks. Slot 0 is
// reserved so that handle 0 can serve as the "no block" sentinel. Acquire and
// release never allocate and never synchronize; exclusivity is by design, with
// an optional goroutine-id assertion for tests.
type BlockPool struct {
	worker uint16
	blocks []Block
	free   []uint16
	owner  int64 // goroutine id when bound, 0 = unchecked
}

func newBlockPool(worker uint16, capacity int) *BlockPool {
	p := &BlockPool{
		worker: worker,
		blocks: make([]Block, capacity+1), // slot 0 reserved
		free:   make([]uint16, 0, capacity),
	}
	for s := capacity; s >= 1; s-- {
		p.free = append(p.free, uint16(s))
	}
	return p
}

// acquire claims a free slot and initializes its block for a new request.
// Running out of slots means the transaction exceeded the lock budget the
// pool was sized for at startup: a configuration bug, surfaced hard.
func (p *BlockPool) acquire(writer, preGranted bool) BlockHandle {
	p.checkOwner()
	if len(p.free) == 0 {
		panic(fmt.Sprintf(
			"mcslock: worker %d exhausted its block pool (%d blocks in use); lock budget misconfigured",
			p.worker, len(p.blocks)-1))
	}
	s := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b := &p.blocks[s]
	b.successor.Store(0)
	var flags uint32
	if writer {
		flags |= blockWriter
	}
	if preGranted {
		flags |= blockGranted | blockFinalized
	}
	b.flags.Store(flags)
	b.inUse = true
	return makeHandle(p.worker, s)
}

// release returns a slot to the pool. Double release or a foreign handle is a
// protocol violation and fails fast.
func (p *BlockPool) release(h BlockHandle) {
	p.checkOwner()
	if h.workerID() != p.worker || h.slot() == 0 || int(h.slot()) >= len(p.blocks) {
		panic(fmt.Sprintf("mcslock: worker %d asked to release foreign handle %#x", p.worker, uint32(h)))
	}
	b := &p.blocks[h.slot()]
	if !b.inUse {
		panic(fmt.Sprintf("mcslock: double release of handle %#x", uint32(h)))
	}
	b.inUse = false
	p.free = append(p.free, h.slot())
}

// inUseCount reports outstanding slots, for tests and the bench harness.
func (p *BlockPool) inUseCount() int { return cap(p.free) - len(p.free) }

func (p *BlockPool) checkOwner() {
	if p.owner == 0 {
		return
	}
	if g := goid.Current(); g != p.owner {
		panic(fmt.Sprintf("mcslock: pool of worker %d used from goroutine %d, bound to %d", p.worker, g, p.owner))
	}
}

// Stats counts lock outcomes across a registry. Counters are plain atomics so
// the hot path pays one uncontended add; the telemetry layer exports them as
// observable counters.
type Stats struct {
	ReadsAcquired  atomic.Uint64
	WritesAcquired atomic.Uint64
	ReadsDenied    atomic.Uint64
	WritesDenied   atomic.Uint64
	Releases       atomic.Uint64
	Handoffs       atomic.Uint64
}

// Registry owns one block pool per worker and resolves handles across
// workers. It is created once at engine bootstrap, after the worker count and
// the per-transaction lock budget are known.
type Registry struct {
	pools  []*BlockPool
	stats  Stats
	logger *zap.Logger
}

// NewRegistry builds pools for `workers` workers, each with `capacity` block
// slots (the maximum number of locks one transaction may hold at once).
func NewRegistry(workers, capacity int, logger *zap.Logger) (*Registry, error) {
	if workers < 1 || workers > int(^uint16(0)) {
		return nil, fmt.Errorf("%w: %d", ErrBadWorkerCount, workers)
	}
	if capacity < 1 || capacity >= int(^uint16(0)) {
		return nil, fmt.Errorf("%w: %d", ErrBadLockBudget, capacity)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		pools:  make([]*BlockPool, workers),
		logger: logger,
	}
	for i := range r.pools {
		r.pools[i] = newBlockPool(uint16(i), capacity)
	}
	logger.Info("lock block registry initialized",
		zap.Int("workers", workers),
		zap.Int("lock_budget", capacity))
	return r, nil
}

// Workers returns the number of worker pools.
func (r *Registry) Workers() int { return len(r.pools) }

// Stats exposes the registry's outcome counters.
func (r *Registry) Stats() *Stats { return &r.stats }

// Context returns the lock context for one worker. The context is the
// worker-private entry point for every lock operation.
func (r *Registry) Context(worker int) *Context {
	if worker < 0 || worker >= len(r.pools) {
		panic(fmt.Sprintf("mcslock: no such worker %d", worker))
	}
	return &Context{reg: r, pool: r.pools[worker]}
}

// block resolves a handle to its block, crossing pools. Callers only touch
// the block's atomic fields unless they own the pool.
func (r *Registry) block(h BlockHandle) *Block {
	w := int(h.workerID())
	if w >= len(r.pools) || h.slot() == 0 || int(h.slot()) >= len(r.pools[w].blocks) {
		panic(fmt.Sprintf("mcslock: dangling block handle %#x", uint32(h)))
	}
	return &r.pools[w].blocks[h.slot()]
}

// Context is one worker's identity for lock operations: it selects the
// private block pool and reaches back into the registry for handle
// resolution. Contexts must not be shared between concurrently running
// goroutines.
type Context struct {
	reg  *Registry
	pool *BlockPool
}

// WorkerID returns the owning worker's id.
func (c *Context) WorkerID() int { return int(c.pool.worker) }

// Bind records the current goroutine as the pool's owner so later misuse
// from another goroutine fails fast. Optional; production workers rely on the
// one-goroutine-per-context discipline instead.
func (c *Context) Bind() { c.pool.owner = goid.Current() }

// Unbind removes the ownership assertion, e.g. before handing the context to
// a fresh worker goroutine.
func (c *Context) Unbind() { c.pool.owner = 0 }

// Block resolves a handle previously returned to this worker, exposing its
// granted/finalized flags the way the original acquisition left them.
func (c *Context) Block(h BlockHandle) *Block { return c.reg.block(h) }

// OutstandingBlocks reports this worker's in-use slot count.
func (c *Context) OutstandingBlocks() int { return c.pool.inUseCount() }
