// Package transaction holds the thin transaction context the lock core is
// consumed through: it supplies the epoch/ordinal stamped into record version
// words on write access and guarantees exactly one release per successful
// acquisition, including on abort.
package transaction

import (
	"errors"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sorabase/kurodb/core/concurrency/mcslock"
)

// State represents the in-memory state of a transaction.
type State int

const (
	StateRunning   State = iota // active, operations are being applied
	StateCommitted              // finished, write stamps published
	StateAborted                // finished, nothing published
)

var (
	ErrTxnFinished = errors.New("transaction already committed or aborted")
)

// Manager hands out transactions and owns the epoch counter. Epoch advance is
// driven from outside the lock core (by the snapshot subsystem in the full
// engine); here it is a plain atomic bump that resets the intra-epoch
// ordinal sequence.
type Manager struct {
	epoch  atomic.Uint32
	seq    atomic.Uint32
	logger *zap.Logger
}

// NewManager starts at epoch 1; epoch 0 is reserved for never-stamped words.
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{logger: logger}
	m.epoch.Store(1)
	return m
}

// CurrentEpoch returns the epoch new transactions are grouped under.
func (m *Manager) CurrentEpoch() uint32 { return m.epoch.Load() }

// AdvanceEpoch moves to the next generation and restarts the ordinal
// sequence.
func (m *Manager) AdvanceEpoch() uint32 {
	e := m.epoch.Add(1)
	m.seq.Store(0)
	m.logger.Debug("epoch advanced", zap.Uint32("epoch", e))
	return e
}

// Begin opens a transaction on the calling worker's lock context.
func (m *Manager) Begin(ctx *mcslock.Context) *Txn {
	return &Txn{
		ID:      uuid.New(),
		epoch:   m.epoch.Load(),
		ordinal: m.seq.Add(1) & mcslock.MaxOrdinal,
		ctx:     ctx,
		logger:  m.logger,
	}
}

type heldLock struct {
	rec    *mcslock.LockableRecord
	handle mcslock.BlockHandle
	write  bool
}

// Txn is one transaction's lock ledger. It is bound to a single worker
// context and must not be shared between goroutines.
type Txn struct {
	ID      uuid.UUID
	epoch   uint32
	ordinal uint32
	state   State
	held    []heldLock
	ctx     *mcslock.Context
	logger  *zap.Logger
}

// State returns the transaction's lifecycle state.
func (t *Txn) State() State { return t.state }

// Epoch returns the epoch this transaction stamps on commit.
func (t *Txn) Epoch() uint32 { return t.epoch }

// Ordinal returns the transaction's position within its epoch.
func (t *Txn) Ordinal() uint32 { return t.ordinal }

// HeldLocks reports the number of locks currently held.
func (t *Txn) HeldLocks() int { return len(t.held) }

// TryReadLock attempts shared access on the record; false means contention
// and leaves no trace, so the caller is free to retry, back off or abort.
func (t *Txn) TryReadLock(rec *mcslock.LockableRecord) (bool, error) {
	if t.state != StateRunning {
		return false, ErrTxnFinished
	}
	h := rec.TryReadLock(t.ctx)
	if h == mcslock.NoBlock {
		return false, nil
	}
	t.held = append(t.held, heldLock{rec: rec, handle: h})
	return true, nil
}

// TryWriteLock attempts exclusive access on the record.
func (t *Txn) TryWriteLock(rec *mcslock.LockableRecord) (bool, error) {
	if t.state != StateRunning {
		return false, ErrTxnFinished
	}
	h := rec.TryWriteLock(t.ctx)
	if h == mcslock.NoBlock {
		return false, nil
	}
	t.held = append(t.held, heldLock{rec: rec, handle: h, write: true})
	return true, nil
}

// ReadLock is the blocking shared acquisition, used by call sites that have
// already ruled out deadlock by ordering.
func (t *Txn) ReadLock(rec *mcslock.LockableRecord) error {
	if t.state != StateRunning {
		return ErrTxnFinished
	}
	h := rec.ReadLock(t.ctx)
	t.held = append(t.held, heldLock{rec: rec, handle: h})
	return nil
}

// WriteLock is the blocking exclusive acquisition.
func (t *Txn) WriteLock(rec *mcslock.LockableRecord) error {
	if t.state != StateRunning {
		return ErrTxnFinished
	}
	h := rec.WriteLock(t.ctx)
	t.held = append(t.held, heldLock{rec: rec, handle: h, write: true})
	return nil
}

// Commit stamps every write-locked record with the transaction's epoch and
// ordinal, then releases all locks.
func (t *Txn) Commit() error {
	if t.state != StateRunning {
		return ErrTxnFinished
	}
	for _, hl := range t.held {
		if hl.write {
			hl.rec.Stamp(t.epoch, t.ordinal)
		}
	}
	t.releaseAll()
	t.state = StateCommitted
	return nil
}

// Abort releases all locks without publishing anything.
func (t *Txn) Abort() error {
	if t.state != StateRunning {
		return ErrTxnFinished
	}
	t.releaseAll()
	t.state = StateAborted
	return nil
}

func (t *Txn) releaseAll() {
	// Reverse order: last acquired, first released.
	for i := len(t.held) - 1; i >= 0; i-- {
		hl := t.held[i]
		if hl.write {
			hl.rec.WriteUnlock(t.ctx, hl.handle)
		} else {
			hl.rec.ReadUnlock(t.ctx, hl.handle)
		}
	}
	t.held = t.held[:0]
}
