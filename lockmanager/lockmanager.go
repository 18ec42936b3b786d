// Package lockmanager implements a flat lock manager: a global lock table
// keyed by resource, with per-resource FIFO wait queues, atomic
// acquire/release/promote/acquire-and-release, and queue draining. It has no
// notion of a resource tree; lockcontext builds the multigranularity
// coordinator on top of it.
//
// Every public operation takes Manager's single mutex for the duration of
// its table mutation and releases it strictly before a transaction is asked
// to Block, following a "prepare to block, then block" discipline.
package lockmanager

import (
	"sort"
	"sync"

	"github.com/eusonice/lockcore/internal/lockmanagerlog"
	"github.com/eusonice/lockcore/lockerrors"
	"github.com/eusonice/lockcore/lockmode"
	"github.com/eusonice/lockcore/metrics"
	"github.com/eusonice/lockcore/resource"
	"github.com/eusonice/lockcore/txn"
)

// Lock is a single (resource, mode, transaction) triple. A transaction holds
// at most one Lock per resource at any time (invariant G2); Mode is never NL.
type Lock struct {
	Resource resource.Name
	Mode     lockmode.Mode
	Txn      uint64
}

// request is a queued proposal: bring this transaction's lock on a resource
// to `mode`, then release the transaction's locks on every name in
// releaseNames. Plain acquire/promote requests carry an empty releaseNames.
type request struct {
	handle       txn.Handle
	mode         lockmode.Mode
	releaseNames []resource.Name
}

// resourceEntry is a plain record, not a nested type with implicit access to
// Manager's fields: every helper that mutates it receives the Manager's
// index state (txnLocks) explicitly, never capturing it through an
// enclosing-instance closure.
type resourceEntry struct {
	name      resource.Name
	granted   []*Lock
	waitQueue []*request
}

// Manager is the flat lock manager: the single source of truth for conflict
// detection, granting, blocking, and per-resource queue draining.
type Manager struct {
	mu sync.Mutex

	// resources is bucketed by fingerprint to tolerate hash collisions;
	// entries within a bucket are distinguished by resource.Name.Equal.
	resources map[uint64][]*resourceEntry

	// txnLocks indexes the same *Lock values stored in each resourceEntry's
	// granted slice, in acquisition order, satisfying invariant T1 by
	// construction (both indices hold the same pointer).
	txnLocks map[uint64][]*Lock

	log     *lockmanagerlog.Logger
	metrics *metrics.Recorder
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithLogger attaches a structured logger; nil logger is the silent default.
func WithLogger(l *lockmanagerlog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// WithMetrics attaches a metrics recorder; nil recorder is the silent
// default (every Recorder method is a no-op on a nil receiver).
func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

// New returns an empty Manager.
func New(opts ...Option) *Manager {
	m := &Manager{
		resources: make(map[uint64][]*resourceEntry),
		txnLocks:  make(map[uint64][]*Lock),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) entryFor(name resource.Name) *resourceEntry {
	fp := name.Fingerprint()
	for _, e := range m.resources[fp] {
		if e.name.Equal(name) {
			return e
		}
	}
	return nil
}

func (m *Manager) getOrCreateEntry(name resource.Name) *resourceEntry {
	if e := m.entryFor(name); e != nil {
		return e
	}
	e := &resourceEntry{name: name}
	fp := name.Fingerprint()
	m.resources[fp] = append(m.resources[fp], e)
	return e
}

func lockFor(entry *resourceEntry, txnID uint64) *Lock {
	for _, l := range entry.granted {
		if l.Txn == txnID {
			return l
		}
	}
	return nil
}

// compatibleWithMode reports whether mode is compatible with every granted
// lock on entry other than those held by excludeTxn.
func compatibleWithMode(entry *resourceEntry, mode lockmode.Mode, excludeTxn uint64) bool {
	for _, l := range entry.granted {
		if l.Txn == excludeTxn {
			continue
		}
		if !lockmode.Compatible(mode, l.Mode) {
			return false
		}
	}
	return true
}

// Acquire adds a new lock for handle on name in the given mode, blocking the
// caller if the request cannot be granted immediately.
func (m *Manager) Acquire(handle txn.Handle, name resource.Name, mode lockmode.Mode) error {
	if mode == lockmode.NL {
		return lockerrors.InvalidLock(handle.ID(), name.String(), "acquire mode must not be NL")
	}

	m.mu.Lock()

	entry := m.getOrCreateEntry(name)
	if lockFor(entry, handle.ID()) != nil {
		m.mu.Unlock()
		return lockerrors.DuplicateLockRequest(handle.ID(), name.String(), "transaction already holds a lock on this resource")
	}

	if len(entry.waitQueue) == 0 && compatibleWithMode(entry, mode, handle.ID()) {
		m.grant(entry, handle, mode)
		m.mu.Unlock()
		return nil
	}

	req := &request{handle: handle, mode: mode}
	entry.waitQueue = append(entry.waitQueue, req)
	m.metrics.RecordQueueDepth(name.String(), len(entry.waitQueue))
	m.logf(lockmanagerlog.DEBUG, name, handle.ID(), "queued at back", map[string]interface{}{"mode": mode.String()})
	m.metrics.RecordBlock(name.String())
	handle.PrepareToBlock()
	m.mu.Unlock()
	handle.Block()
	return nil
}

// Release removes handle's lock on name and drains name's wait queue.
func (m *Manager) Release(handle txn.Handle, name resource.Name) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entryFor(name)
	if entry == nil {
		return lockerrors.NoLockHeld(handle.ID(), name.String())
	}
	lock := lockFor(entry, handle.ID())
	if lock == nil {
		return lockerrors.NoLockHeld(handle.ID(), name.String())
	}

	m.removeLock(entry, lock)
	m.metrics.RecordRelease(name.String())
	m.logf(lockmanagerlog.DEBUG, name, handle.ID(), "released", nil)
	m.drain(entry)
	return nil
}

// Promote replaces handle's existing lock on name in place with newMode,
// preserving its position in acquisition order. Promotion to SIX is
// rejected; callers needing SIX must use AcquireAndRelease.
func (m *Manager) Promote(handle txn.Handle, name resource.Name, newMode lockmode.Mode) error {
	m.mu.Lock()

	entry := m.entryFor(name)
	if entry == nil {
		m.mu.Unlock()
		return lockerrors.NoLockHeld(handle.ID(), name.String())
	}
	lock := lockFor(entry, handle.ID())
	if lock == nil {
		m.mu.Unlock()
		return lockerrors.NoLockHeld(handle.ID(), name.String())
	}
	if lock.Mode == newMode {
		m.mu.Unlock()
		return lockerrors.DuplicateLockRequest(handle.ID(), name.String(), "already holds requested mode")
	}
	if newMode == lockmode.SIX {
		m.mu.Unlock()
		return lockerrors.InvalidLock(handle.ID(), name.String(), "promote to SIX is not accepted; use AcquireAndRelease")
	}
	if !lockmode.Substitutable(newMode, lock.Mode) {
		m.mu.Unlock()
		return lockerrors.InvalidLock(handle.ID(), name.String(), "newMode does not substitute the held mode")
	}

	if compatibleWithMode(entry, newMode, handle.ID()) {
		lock.Mode = newMode
		m.metrics.RecordPromotion(name.String())
		m.logf(lockmanagerlog.DEBUG, name, handle.ID(), "promoted in place", map[string]interface{}{"to": newMode.String()})
		m.mu.Unlock()
		return nil
	}

	req := &request{handle: handle, mode: newMode}
	entry.waitQueue = append([]*request{req}, entry.waitQueue...)
	m.metrics.RecordQueueDepth(name.String(), len(entry.waitQueue))
	m.logf(lockmanagerlog.DEBUG, name, handle.ID(), "promotion queued at front", map[string]interface{}{"to": newMode.String()})
	m.metrics.RecordBlock(name.String())
	handle.PrepareToBlock()
	m.mu.Unlock()
	handle.Block()
	return nil
}

// AcquireAndRelease atomically brings handle's lock on name to mode, then
// releases handle's locks on every name in releaseNames (which may include
// name itself, denoting in-place replacement). No other transaction ever
// observes an intermediate state where the releases have happened but the
// new lock has not, or vice versa.
func (m *Manager) AcquireAndRelease(handle txn.Handle, name resource.Name, mode lockmode.Mode, releaseNames []resource.Name) error {
	if mode == lockmode.NL {
		return lockerrors.InvalidLock(handle.ID(), name.String(), "acquire_and_release mode must not be NL")
	}

	m.mu.Lock()

	names := dedupeNames(releaseNames)
	for _, r := range names {
		e := m.entryFor(r)
		if e == nil || lockFor(e, handle.ID()) == nil {
			m.mu.Unlock()
			return lockerrors.NoLockHeld(handle.ID(), r.String())
		}
	}

	entry := m.getOrCreateEntry(name)
	existing := lockFor(entry, handle.ID())
	releasesSelf := containsName(names, name)
	if existing != nil && existing.Mode == mode && !releasesSelf {
		m.mu.Unlock()
		return lockerrors.DuplicateLockRequest(handle.ID(), name.String(), "already holds requested mode")
	}

	if compatibleWithMode(entry, mode, handle.ID()) {
		m.grant(entry, handle, mode)
		m.releaseNamesExcept(handle.ID(), names, name)
		m.mu.Unlock()
		return nil
	}

	req := &request{handle: handle, mode: mode, releaseNames: names}
	entry.waitQueue = append([]*request{req}, entry.waitQueue...)
	m.metrics.RecordQueueDepth(name.String(), len(entry.waitQueue))
	m.logf(lockmanagerlog.DEBUG, name, handle.ID(), "acquire_and_release queued at front", map[string]interface{}{"to": mode.String()})
	m.metrics.RecordBlock(name.String())
	handle.PrepareToBlock()
	m.mu.Unlock()
	handle.Block()
	return nil
}

// GetLockType returns the mode handle-owning transaction txn holds on name,
// or NL if it holds none.
func (m *Manager) GetLockType(txnID uint64, name resource.Name) lockmode.Mode {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entryFor(name)
	if entry == nil {
		return lockmode.NL
	}
	if l := lockFor(entry, txnID); l != nil {
		return l.Mode
	}
	return lockmode.NL
}

// GetLocksOn returns a snapshot of the locks currently granted on name, in
// acquisition order.
func (m *Manager) GetLocksOn(name resource.Name) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry := m.entryFor(name)
	if entry == nil {
		return nil
	}
	out := make([]Lock, len(entry.granted))
	for i, l := range entry.granted {
		out[i] = *l
	}
	return out
}

// GetLocksOf returns a snapshot of the locks held by txnID, in acquisition
// order.
func (m *Manager) GetLocksOf(txnID uint64) []Lock {
	m.mu.Lock()
	defer m.mu.Unlock()

	locks := m.txnLocks[txnID]
	out := make([]Lock, len(locks))
	for i, l := range locks {
		out[i] = *l
	}
	return out
}

// grant sets handle's lock on entry to mode, in place if handle already
// holds a lock here (preserving acquisition order), or by appending a new
// Lock otherwise. Callers must already have verified compatibility.
func (m *Manager) grant(entry *resourceEntry, handle txn.Handle, mode lockmode.Mode) {
	if lock := lockFor(entry, handle.ID()); lock != nil {
		lock.Mode = mode
		return
	}

	if !compatibleWithMode(entry, mode, handle.ID()) {
		lockerrors.PanicInvariant("G1", "grant would make granted set pairwise incompatible on "+entry.name.String())
	}

	lock := &Lock{Resource: entry.name, Mode: mode, Txn: handle.ID()}
	entry.granted = append(entry.granted, lock)
	m.txnLocks[handle.ID()] = append(m.txnLocks[handle.ID()], lock)
	m.metrics.RecordAcquisition(entry.name.String())
	m.logf(lockmanagerlog.DEBUG, entry.name, handle.ID(), "granted", map[string]interface{}{"mode": mode.String()})
}

// removeLock deletes lock from entry.granted and from the owning
// transaction's index, preserving G2/T1.
func (m *Manager) removeLock(entry *resourceEntry, lock *Lock) {
	entry.granted = removeLockPtr(entry.granted, lock)
	m.txnLocks[lock.Txn] = removeLockPtr(m.txnLocks[lock.Txn], lock)
	if len(m.txnLocks[lock.Txn]) == 0 {
		delete(m.txnLocks, lock.Txn)
	}
}

func removeLockPtr(locks []*Lock, target *Lock) []*Lock {
	for i, l := range locks {
		if l == target {
			return append(append([]*Lock{}, locks[:i]...), locks[i+1:]...)
		}
	}
	return locks
}

// releaseNamesExcept releases txnID's locks on every name in names except
// self (which denotes the lock just granted by the caller, not to be
// un-granted), draining each affected resource's queue. Names are processed
// in a deterministic, sorted order so cascading drains are reproducible.
func (m *Manager) releaseNamesExcept(txnID uint64, names []resource.Name, self resource.Name) {
	ordered := append([]resource.Name{}, names...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].String() < ordered[j].String() })

	for _, n := range ordered {
		if n.Equal(self) {
			continue
		}
		e := m.entryFor(n)
		if e == nil {
			continue
		}
		lock := lockFor(e, txnID)
		if lock == nil {
			continue
		}
		m.removeLock(e, lock)
		m.metrics.RecordRelease(n.String())
		m.logf(lockmanagerlog.DEBUG, n, txnID, "released as part of acquire_and_release", nil)
		m.drain(e)
	}
}

// drain processes entry's wait queue from the head, granting each
// satisfiable request and stopping at the first incompatible one.
func (m *Manager) drain(entry *resourceEntry) {
	for len(entry.waitQueue) > 0 {
		head := entry.waitQueue[0]
		if !compatibleWithMode(entry, head.mode, head.handle.ID()) {
			m.logf(lockmanagerlog.WARN, entry.name, head.handle.ID(), "queue head not yet grantable, drain stopped", map[string]interface{}{"mode": head.mode.String()})
			return
		}

		entry.waitQueue = entry.waitQueue[1:]
		m.grant(entry, head.handle, head.mode)
		m.releaseNamesExcept(head.handle.ID(), head.releaseNames, entry.name)
		head.handle.Unblock()
	}
}

func (m *Manager) logf(level lockmanagerlog.Level, name resource.Name, txnID uint64, message string, fields map[string]interface{}) {
	if m.log == nil {
		return
	}
	m.log.Log(level, name.String(), txnID, message, fields)
}

func dedupeNames(names []resource.Name) []resource.Name {
	out := make([]resource.Name, 0, len(names))
	for _, n := range names {
		found := false
		for _, seen := range out {
			if seen.Equal(n) {
				found = true
				break
			}
		}
		if !found {
			out = append(out, n)
		}
	}
	return out
}

func containsName(names []resource.Name, target resource.Name) bool {
	for _, n := range names {
		if n.Equal(target) {
			return true
		}
	}
	return false
}
