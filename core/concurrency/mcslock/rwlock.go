package mcslock

import (
	"fmt"
	"runtime"
	"sync/atomic"
)

// RWLock state is one packed word plus a head side-channel:
//
//	word: [tail handle:32][unused:15][writer:1][readers:16]
//
// tail == 0 with no writer bit and zero readers means the lock is free. Try
// acquisitions decide entirely from this word with a single CAS and never
// enqueue, so a failed try leaves no ghost node behind. Blocking acquisitions
// CAS themselves into the tail field and then spin only on their own block.
//
// waitHead records the queue head for the one handoff the tail alone cannot
// express: a queue forming behind active readers. The block that performs the
// 0 -> tail transition is by definition the head and publishes itself there;
// the last reader to leave wakes it.
const (
	lockReaderMask = uint64(0xFFFF)
	lockWriterBit  = uint64(1) << 16
	lockTailShift  = 32
	lockTailMask   = ^(uint64(1)<<lockTailShift - 1)
)

func wordTail(w uint64) BlockHandle { return BlockHandle(w >> lockTailShift) }

func wordWithTail(w uint64, h BlockHandle) uint64 {
	return w&^lockTailMask | uint64(h)<<lockTailShift
}

// RWLock is the queue anchor embedded in every lockable record. The zero
// value is an unlocked lock.
type RWLock struct {
	word     atomic.Uint64
	waitHead atomic.Uint32
}

// IsFree reports whether no worker holds or awaits the lock.
func (l *RWLock) IsFree() bool { return l.word.Load() == 0 }

// HeldByWriter reports whether a writer currently holds the lock.
func (l *RWLock) HeldByWriter() bool { return l.word.Load()&lockWriterBit != 0 }

// ActiveReaders returns the number of currently granted readers.
func (l *RWLock) ActiveReaders() int { return int(l.word.Load() & lockReaderMask) }

// TryAcquireWriter makes a single non-blocking attempt at exclusive access.
// It succeeds only if the lock is observed completely free and the one CAS
// installing the caller commits; otherwise it returns NoBlock immediately
// without enqueuing. A returned handle is already granted and finalized.
func (l *RWLock) TryAcquireWriter(ctx *Context) BlockHandle {
	if l.word.Load() != 0 {
		ctx.reg.stats.WritesDenied.Add(1)
		return NoBlock
	}
	h := ctx.pool.acquire(true, true)
	if l.word.CompareAndSwap(0, wordWithTail(lockWriterBit, h)) {
		ctx.reg.stats.WritesAcquired.Add(1)
		return h
	}
	ctx.pool.release(h)
	ctx.reg.stats.WritesDenied.Add(1)
	return NoBlock
}

// TryAcquireReader makes a non-blocking attempt at shared access. It succeeds
// whenever no writer holds the lock and no block is queued; concurrent
// try-readers all succeed through independent increments of the reader count.
// Any queued block, reader or writer, fails the attempt: grant order is never
// consulted (writer preference, and the conservative rule for the try path).
func (l *RWLock) TryAcquireReader(ctx *Context) BlockHandle {
	w := l.word.Load()
	if !readerAdmissible(w) {
		ctx.reg.stats.ReadsDenied.Add(1)
		return NoBlock
	}
	h := ctx.pool.acquire(false, true)
	for {
		if l.word.CompareAndSwap(w, w+1) {
			ctx.reg.stats.ReadsAcquired.Add(1)
			return h
		}
		w = l.word.Load()
		if !readerAdmissible(w) {
			ctx.pool.release(h)
			ctx.reg.stats.ReadsDenied.Add(1)
			return NoBlock
		}
	}
}

func readerAdmissible(w uint64) bool {
	return w&lockWriterBit == 0 && wordTail(w) == NoBlock && w&lockReaderMask != lockReaderMask
}

// AcquireWriter is the blocking, fair variant: it appends the caller to the
// queue and spins on the caller's own block until granted. Grants propagate
// FIFO from the current holder.
func (l *RWLock) AcquireWriter(ctx *Context) BlockHandle {
	h := ctx.pool.acquire(true, false)
	b := ctx.reg.block(h)
	for {
		w := l.word.Load()
		if w == 0 {
			// Free: become holder and tail in one transition.
			if l.word.CompareAndSwap(0, wordWithTail(lockWriterBit, h)) {
				b.grant()
				ctx.reg.stats.WritesAcquired.Add(1)
				return h
			}
			continue
		}
		pred := wordTail(w)
		if !l.word.CompareAndSwap(w, wordWithTail(w, h)) {
			continue
		}
		l.linkAfter(ctx, pred, h)
		b.awaitGrant()
		l.writerWake(h)
		ctx.reg.stats.WritesAcquired.Add(1)
		return h
	}
}

// AcquireReader blocks until shared access is granted. An uncontended reader
// joins by incrementing the count without entering the queue; once any block
// is queued or a writer holds the lock, the reader queues up behind it.
func (l *RWLock) AcquireReader(ctx *Context) BlockHandle {
	h := ctx.pool.acquire(false, false)
	b := ctx.reg.block(h)
	for {
		w := l.word.Load()
		if readerAdmissible(w) {
			if l.word.CompareAndSwap(w, w+1) {
				b.grant()
				ctx.reg.stats.ReadsAcquired.Add(1)
				return h
			}
			continue
		}
		pred := wordTail(w)
		if !l.word.CompareAndSwap(w, wordWithTail(w, h)) {
			continue
		}
		l.linkAfter(ctx, pred, h)
		b.awaitGrant()
		l.readerWake(ctx, h, b)
		ctx.reg.stats.ReadsAcquired.Add(1)
		return h
	}
}

// linkAfter publishes the freshly queued block to its predecessor, or records
// it as the queue head when it started the queue behind active readers.
func (l *RWLock) linkAfter(ctx *Context, pred, h BlockHandle) {
	if pred == NoBlock {
		l.waitHead.Store(uint32(h))
		return
	}
	ctx.reg.block(pred).successor.Store(uint32(h))
}

// writerWake completes a queued writer's grant: drop the head record if this
// block was it, and make sure the writer bit is set (a writer granted by its
// writer predecessor inherits the bit; one granted by the last departing
// reader installs it here).
func (l *RWLock) writerWake(h BlockHandle) {
	l.waitHead.CompareAndSwap(uint32(h), 0)
	for {
		w := l.word.Load()
		if w&lockWriterBit != 0 {
			return
		}
		if l.word.CompareAndSwap(w, w|lockWriterBit) {
			return
		}
	}
}

// readerWake runs after a queued reader's grant and keeps the batch moving:
// the reader leaves the queue if it is the tail, and otherwise inspects its
// successor — a following reader is granted into the same batch, a following
// writer becomes the next queue head to be woken by the last reader out. The
// woken reader is already counted: whoever granted it incremented the reader
// count on its behalf (see grantReader).
func (l *RWLock) readerWake(ctx *Context, h BlockHandle, b *Block) {
	l.waitHead.CompareAndSwap(uint32(h), 0)
	for {
		w := l.word.Load()
		if wordTail(w) != h {
			break
		}
		if l.word.CompareAndSwap(w, wordWithTail(w, NoBlock)) {
			return // tail, no successor: queue drained behind this batch
		}
	}
	succ := b.awaitSuccessor()
	sb := ctx.reg.block(succ)
	if sb.isWriter() {
		l.waitHead.Store(uint32(succ))
		return
	}
	ctx.reg.stats.Handoffs.Add(1)
	l.grantReader(sb)
}

// grantReader counts a queued reader in before flipping its granted flag.
// The increment must come first: a reader count of zero with a queued tail is
// the handoff trigger in ReleaseReader, and it may only be observed once
// every granted reader has actually released. Granting before counting would
// let the grantee's grantor release in between, read zero, and wake a head
// that is still being accounted for.
func (l *RWLock) grantReader(b *Block) {
	for {
		w := l.word.Load()
		if l.word.CompareAndSwap(w, w+1) {
			break
		}
	}
	b.grant()
}

// ReleaseWriter clears exclusive hold and hands off FIFO. With a linked
// successor the grant is direct; with none, the lock is freed by CAS, and the
// race where a new acquirer already swapped the tail is resolved by spinning
// on this block's own successor field until the link lands.
func (l *RWLock) ReleaseWriter(ctx *Context, h BlockHandle) {
	b := l.checkRelease(ctx, h, true)
	succ := BlockHandle(b.successor.Load())
	if succ == NoBlock {
		for {
			w := l.word.Load()
			if wordTail(w) != h {
				break // a successor is mid-enqueue
			}
			if l.word.CompareAndSwap(w, 0) {
				ctx.pool.release(h)
				ctx.reg.stats.Releases.Add(1)
				return
			}
		}
		succ = b.awaitSuccessor()
	}
	sb := ctx.reg.block(succ)
	if sb.isWriter() {
		// Writer-to-writer handoff keeps the writer bit in place.
		sb.grant()
	} else {
		// Reader batch next: end exclusivity and count the head reader in
		// with one transition, then wake it; readerWake cascades the grant
		// down contiguous readers.
		for {
			w := l.word.Load()
			if l.word.CompareAndSwap(w, (w&^lockWriterBit)+1) {
				break
			}
		}
		sb.grant()
	}
	ctx.reg.stats.Handoffs.Add(1)
	ctx.pool.release(h)
	ctx.reg.stats.Releases.Add(1)
}

// ReleaseReader leaves the shared hold. Only the reader that observes the
// count reach zero while a queue exists performs the handoff, waking the
// recorded queue head.
func (l *RWLock) ReleaseReader(ctx *Context, h BlockHandle) {
	l.checkRelease(ctx, h, false)
	for {
		w := l.word.Load()
		if w&lockReaderMask == 0 {
			panic(fmt.Sprintf("mcslock: reader release with zero active readers (handle %#x)", uint32(h)))
		}
		nw := w - 1
		if !l.word.CompareAndSwap(w, nw) {
			continue
		}
		if nw&lockReaderMask == 0 && wordTail(nw) != NoBlock {
			hd := ctx.reg.block(l.awaitHead())
			ctx.reg.stats.Handoffs.Add(1)
			if hd.isWriter() {
				hd.grant()
			} else {
				// A reader queues behind readers only when the count is
				// saturated; it is counted in by its grantor like any other
				// queued reader.
				l.grantReader(hd)
			}
		}
		ctx.pool.release(h)
		ctx.reg.stats.Releases.Add(1)
		return
	}
}

// awaitHead waits for the head publication that races the tail transition by
// a single store on the enqueuing worker.
func (l *RWLock) awaitHead() BlockHandle {
	for {
		if hd := l.waitHead.Load(); hd != 0 {
			return BlockHandle(hd)
		}
		runtime.Gosched()
	}
}

// checkRelease fails fast on protocol misuse: releasing with a foreign or
// non-granted handle, or with the wrong mode, is a programming error, not a
// runtime condition.
func (l *RWLock) checkRelease(ctx *Context, h BlockHandle, writer bool) *Block {
	if h == NoBlock || h.workerID() != ctx.pool.worker {
		panic(fmt.Sprintf("mcslock: release with foreign handle %#x on worker %d", uint32(h), ctx.pool.worker))
	}
	b := ctx.reg.block(h)
	if !b.IsGranted() {
		panic(fmt.Sprintf("mcslock: release of non-granted handle %#x", uint32(h)))
	}
	if b.isWriter() != writer {
		panic(fmt.Sprintf("mcslock: release mode mismatch for handle %#x", uint32(h)))
	}
	return b
}
