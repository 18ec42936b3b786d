// Package txn defines the transaction handle contract the lock manager
// consumes, plus a reference, goroutine-backed implementation suitable for
// tests and the demo CLI. The host's real dispatcher is an external
// collaborator and is expected to provide its own Handle; this package's
// DefaultHandle exists so the core is runnable standalone.
package txn

import "sync"

// Handle is the identity and suspension contract a transaction must offer
// the lock manager. PrepareToBlock/Block/Unblock implement the two-phase
// "prepare to block, then block" discipline: the caller marks itself
// prepare-to-block while still holding the lock table's mutex, releases that
// mutex, then calls Block. Unblock may race ahead of Block (if another
// goroutine drains the queue first) and must not be lost.
type Handle interface {
	// ID returns this transaction's unique identity.
	ID() uint64

	// PrepareToBlock marks this transaction as about to suspend. Must be
	// called while the lock table's mutex is still held.
	PrepareToBlock()

	// Block suspends the calling goroutine until Unblock is called. If
	// Unblock was already called after PrepareToBlock, Block returns
	// immediately without suspending.
	Block()

	// Unblock wakes a transaction suspended in Block, or primes it to
	// return immediately from a future Block call if none is in progress
	// yet. Idempotent.
	Unblock()
}

// DefaultHandle is a reference Handle implementation backed by a condition
// variable. The prepare/signaled pair is a lost-wakeup-safe protocol:
// Unblock sets signaled under the same mutex PrepareToBlock and Block use,
// so a drain that runs between PrepareToBlock and Block can never be missed.
type DefaultHandle struct {
	id uint64

	mu       sync.Mutex
	cond     *sync.Cond
	signaled bool
}

// NewDefaultHandle returns a DefaultHandle identified by id.
func NewDefaultHandle(id uint64) *DefaultHandle {
	h := &DefaultHandle{id: id}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// ID returns this handle's transaction identity.
func (h *DefaultHandle) ID() uint64 {
	return h.id
}

// PrepareToBlock is a no-op placeholder for symmetry with the contract; the
// actual lost-wakeup protection lives in the signaled flag that Unblock sets
// and Block checks, both under h.mu.
func (h *DefaultHandle) PrepareToBlock() {}

// Block suspends until Unblock is called, returning immediately if Unblock
// already ran since the last Block returned.
func (h *DefaultHandle) Block() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for !h.signaled {
		h.cond.Wait()
	}
	h.signaled = false
}

// Unblock wakes the transaction if it is waiting in Block, or primes it to
// skip the next Block entirely.
func (h *DefaultHandle) Unblock() {
	h.mu.Lock()
	h.signaled = true
	h.mu.Unlock()
	h.cond.Broadcast()
}

// Generator hands out monotonically increasing transaction identities from a
// mutex-guarded counter, as a transaction manager's Begin() would.
type Generator struct {
	mu   sync.Mutex
	next uint64
}

// Next returns the next unused transaction id, starting at 1.
func (g *Generator) Next() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next++
	return g.next
}
