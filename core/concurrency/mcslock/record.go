package mcslock

// LockableRecord couples one record's version word with its lock. This is
// the unit transactions actually touch: writer paths keep the keylocked flag
// in the version word in step with the lock so optimistic readers can test
// "unchanged and not write-locked" with a single load.
type LockableRecord struct {
	ver  Version
	lock RWLock
}

// Version exposes the record's packed version word.
func (r *LockableRecord) Version() *Version { return &r.ver }

// Lock exposes the embedded reader/writer lock to raw lock operations.
func (r *LockableRecord) Lock() *RWLock { return &r.lock }

// Reset returns the record to a pristine, unlocked, invalid state. Only valid
// at record (re)initialization while no other worker can see it.
func (r *LockableRecord) Reset() {
	r.ver.Reset()
	r.lock.word.Store(0)
	r.lock.waitHead.Store(0)
}

// TryReadLock attempts shared access without blocking. Reader holds never
// touch the keylocked flag.
func (r *LockableRecord) TryReadLock(ctx *Context) BlockHandle {
	return r.lock.TryAcquireReader(ctx)
}

// TryWriteLock attempts exclusive access without blocking and, on success,
// raises the keylocked flag before returning, so the flag is set by the time
// any caller can observe the acquisition.
func (r *LockableRecord) TryWriteLock(ctx *Context) BlockHandle {
	h := r.lock.TryAcquireWriter(ctx)
	if h != NoBlock {
		r.ver.setKeyLocked(true)
	}
	return h
}

// ReadLock is the blocking shared acquisition.
func (r *LockableRecord) ReadLock(ctx *Context) BlockHandle {
	return r.lock.AcquireReader(ctx)
}

// WriteLock is the blocking exclusive acquisition; the keylocked flag is
// raised before the call returns.
func (r *LockableRecord) WriteLock(ctx *Context) BlockHandle {
	h := r.lock.AcquireWriter(ctx)
	r.ver.setKeyLocked(true)
	return h
}

// ReadUnlock releases a shared hold.
func (r *LockableRecord) ReadUnlock(ctx *Context, h BlockHandle) {
	r.lock.ReleaseReader(ctx, h)
}

// WriteUnlock clears the keylocked flag and releases the exclusive hold, in
// that order: the flag is never observed false while the writer still holds
// the lock state.
func (r *LockableRecord) WriteUnlock(ctx *Context, h BlockHandle) {
	r.ver.setKeyLocked(false)
	r.lock.ReleaseWriter(ctx, h)
}

// Stamp installs the transaction's epoch and ordinal into the version word.
// Caller must hold the writer lock.
func (r *LockableRecord) Stamp(epoch, ordinal uint32) {
	r.ver.stamp(epoch, ordinal)
}
