// Package mcslock implements KuroDB's record-level concurrency control: a
// packed, atomically updated version word per record and a queue-based MCS
// reader/writer lock with strict non-blocking "try" acquisition semantics.
//
// Queue nodes ("blocks") are never addressed by pointer. Each worker owns a
// fixed pool of blocks and every reference to a block is a small packed
// (worker, slot) handle, so slot reuse is race-free by construction: a worker
// only recycles its own slots, and only after they leave the queue. No lock
// operation allocates on the critical path.
package mcslock

import "sync/atomic"

// Version word bit layout, low to high:
//
//	[ordinal:28][epoch:32][keylocked:1][moved:1][deleted:1][valid:1]
//
// The whole word is read with a single atomic load and mutated only via
// compare-and-swap, so optimistic readers get a consistent (epoch, ordinal,
// flags) snapshot without touching the lock. Other subsystems depend on this
// exact layout; do not reorder fields.
const (
	ordinalBits = 28
	epochBits   = 32

	ordinalMask = uint64(1)<<ordinalBits - 1
	epochShift  = ordinalBits
	epochMask   = uint64(1)<<epochBits - 1

	flagKeyLocked = uint64(1) << 60
	flagMoved     = uint64(1) << 61
	flagDeleted   = uint64(1) << 62
	flagValid     = uint64(1) << 63
)

// MaxOrdinal is the largest intra-epoch ordinal the word can carry.
const MaxOrdinal = uint32(ordinalMask)

// Snapshot is one observed value of a record's version word. It is a plain
// value: all accessors are pure projections and never touch shared memory.
type Snapshot uint64

// Epoch returns the stamped epoch, 0 if the record was never stamped.
func (s Snapshot) Epoch() uint32 { return uint32(uint64(s) >> epochShift & epochMask) }

// Ordinal returns the position of the stamping transaction within its epoch.
func (s Snapshot) Ordinal() uint32 { return uint32(uint64(s) & ordinalMask) }

func (s Snapshot) IsValid() bool     { return uint64(s)&flagValid != 0 }
func (s Snapshot) IsDeleted() bool   { return uint64(s)&flagDeleted != 0 }
func (s Snapshot) IsMoved() bool     { return uint64(s)&flagMoved != 0 }
func (s Snapshot) IsKeyLocked() bool { return uint64(s)&flagKeyLocked != 0 }

// WithDeleted returns a copy of the snapshot with the deleted flag changed.
func (s Snapshot) WithDeleted(on bool) Snapshot { return s.withFlag(flagDeleted, on) }

// WithMoved returns a copy of the snapshot with the moved flag changed.
func (s Snapshot) WithMoved(on bool) Snapshot { return s.withFlag(flagMoved, on) }

// WithStamp returns a copy carrying the given epoch/ordinal and the valid
// flag. The ordinal is truncated to its field width.
func (s Snapshot) WithStamp(epoch, ordinal uint32) Snapshot {
	w := uint64(s) &^ (epochMask<<epochShift | ordinalMask)
	w |= uint64(epoch) << epochShift
	w |= uint64(ordinal) & ordinalMask
	return Snapshot(w | flagValid)
}

func (s Snapshot) withFlag(flag uint64, on bool) Snapshot {
	if on {
		return Snapshot(uint64(s) | flag)
	}
	return Snapshot(uint64(s) &^ flag)
}

// Version is one record's concurrency-control metadata packed into a single
// machine word. The zero value is a pristine, unlocked, invalid record.
type Version struct {
	word atomic.Uint64
}

// Load atomically reads the current snapshot.
func (v *Version) Load() Snapshot { return Snapshot(v.word.Load()) }

// CompareAndSet installs next iff the word still equals expected. A false
// return means a concurrent modification won; the caller re-reads and retries
// or aborts.
func (v *Version) CompareAndSet(expected, next Snapshot) bool {
	return v.word.CompareAndSwap(uint64(expected), uint64(next))
}

// Reset returns the word to its zero state. Only valid during record
// (re)initialization, never while the record is visible to other workers.
func (v *Version) Reset() { v.word.Store(0) }

// Convenience projections of the current snapshot.
func (v *Version) IsValid() bool     { return v.Load().IsValid() }
func (v *Version) IsDeleted() bool   { return v.Load().IsDeleted() }
func (v *Version) IsMoved() bool     { return v.Load().IsMoved() }
func (v *Version) IsKeyLocked() bool { return v.Load().IsKeyLocked() }

// setKeyLocked flips the keylocked flag. Called only by the record handle
// while the writer lock transition is in flight, so the CAS loop contends at
// most with epoch/ordinal stamps by the same holder.
func (v *Version) setKeyLocked(on bool) {
	for {
		s := v.Load()
		if s.withFlag(flagKeyLocked, on) == s {
			return
		}
		if v.CompareAndSet(s, s.withFlag(flagKeyLocked, on)) {
			return
		}
	}
}

// stamp installs epoch/ordinal and the valid flag, preserving other flags.
// Caller must hold the record's writer lock.
func (v *Version) stamp(epoch, ordinal uint32) {
	for {
		s := v.Load()
		if v.CompareAndSet(s, s.WithStamp(epoch, ordinal)) {
			return
		}
	}
}
