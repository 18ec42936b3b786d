// Package lockcontext implements the multigranularity coordinator: one
// Context per resource, mirroring the resource tree, enforcing the
// parent-intent invariant, the no-redundancy invariant, the readonly flag,
// and per-transaction child-lock counting, while delegating every actual
// lock-table mutation to lockmanager.
package lockcontext

import (
	"sync"

	"github.com/eusonice/lockcore/lockerrors"
	"github.com/eusonice/lockcore/lockmanager"
	"github.com/eusonice/lockcore/lockmode"
	"github.com/eusonice/lockcore/resource"
	"github.com/eusonice/lockcore/txn"
)

// Context is one node of the multigranularity tree, wrapping a
// resource.Name and a non-owning reference to its parent Context (nil for
// the root). All mutating operations delegate the table mutation itself to
// the shared Manager and additionally maintain numChildLocks on every
// proper ancestor.
type Context struct {
	name        resource.Name
	parent      *Context
	coordinator *Coordinator

	readonlyMu sync.Mutex
	readonly   bool

	countMu       sync.Mutex
	numChildLocks map[uint64]int

	childrenMu sync.Mutex
	children   []*Context
}

// Coordinator owns the tree of Contexts and the single Manager they all
// delegate to. Contexts are allocated lazily on first reference.
type Coordinator struct {
	manager *lockmanager.Manager

	mu       sync.Mutex
	contexts map[uint64][]*Context
}

// New returns a Coordinator delegating to manager.
func New(manager *lockmanager.Manager) *Coordinator {
	return &Coordinator{
		manager:  manager,
		contexts: make(map[uint64][]*Context),
	}
}

// Context returns the Context for name, creating it (and any missing
// ancestors) on first reference.
func (co *Coordinator) Context(name resource.Name) *Context {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.getOrCreateLocked(name)
}

func (co *Coordinator) find(name resource.Name) *Context {
	for _, c := range co.contexts[name.Fingerprint()] {
		if c.name.Equal(name) {
			return c
		}
	}
	return nil
}

func (co *Coordinator) getOrCreateLocked(name resource.Name) *Context {
	if c := co.find(name); c != nil {
		return c
	}

	var parent *Context
	if p, ok := name.Parent(); ok {
		parent = co.getOrCreateLocked(p)
	}

	c := &Context{
		name:          name,
		parent:        parent,
		coordinator:   co,
		numChildLocks: make(map[uint64]int),
	}
	co.contexts[name.Fingerprint()] = append(co.contexts[name.Fingerprint()], c)
	if parent != nil {
		parent.childrenMu.Lock()
		parent.children = append(parent.children, c)
		parent.childrenMu.Unlock()
	}
	return c
}

// SetReadonly marks name's Context readonly or not (P3). Mutating
// operations on a readonly context always fail with UnsupportedOperation.
func (co *Coordinator) SetReadonly(name resource.Name, readonly bool) {
	ctx := co.Context(name)
	ctx.readonlyMu.Lock()
	ctx.readonly = readonly
	ctx.readonlyMu.Unlock()
}

// Name returns the resource.Name this Context wraps.
func (c *Context) Name() resource.Name {
	return c.name
}

// Parent returns this Context's parent, or nil at the root.
func (c *Context) Parent() *Context {
	return c.parent
}

func (c *Context) isReadonly() bool {
	c.readonlyMu.Lock()
	defer c.readonlyMu.Unlock()
	return c.readonly
}

func (c *Context) snapshotChildren() []*Context {
	c.childrenMu.Lock()
	defer c.childrenMu.Unlock()
	out := make([]*Context, len(c.children))
	copy(out, c.children)
	return out
}

// GetExplicitLockType returns the mode txn holds directly on this resource,
// or NL.
func (c *Context) GetExplicitLockType(txnID uint64) lockmode.Mode {
	return c.coordinator.manager.GetLockType(txnID, c.name)
}

// effectiveRank gives a total order over the modes sufficient to combine an
// explicit lock with ancestor projections (which are always NL, S, or X):
// NL < IS == IX < S < SIX < X. Where this disagrees with Substitutable (an
// incomparable pair like IX vs S), the concrete right (S) is preferred over
// the bare intent (IX), since an ancestor's S/X lock grants real descendant
// access regardless of what intent mode is held explicitly here.
func effectiveRank(m lockmode.Mode) int {
	switch m {
	case lockmode.NL:
		return 0
	case lockmode.IS, lockmode.IX:
		return 1
	case lockmode.S:
		return 2
	case lockmode.SIX:
		return 3
	case lockmode.X:
		return 4
	default:
		return 0
	}
}

// projectDescendant returns the mode a child implicitly has by virtue of its
// parent holding m: S and X project fully, SIX projects to S, IS/IX project
// to NL (intent modes grant no content access of their own).
func projectDescendant(m lockmode.Mode) lockmode.Mode {
	switch m {
	case lockmode.S:
		return lockmode.S
	case lockmode.X:
		return lockmode.X
	case lockmode.SIX:
		return lockmode.S
	default:
		return lockmode.NL
	}
}

// GetEffectiveLockType returns the strongest mode txn effectively holds
// here, considering both the explicit lock on this Context and the
// descendant-projection of every ancestor's explicit lock.
func (c *Context) GetEffectiveLockType(txnID uint64) lockmode.Mode {
	best := c.GetExplicitLockType(txnID)
	for a := c.parent; a != nil; a = a.parent {
		projected := projectDescendant(a.GetExplicitLockType(txnID))
		if effectiveRank(projected) > effectiveRank(best) {
			best = projected
		}
	}
	return best
}

// nearestRedundantAncestor returns the nearest ancestor holding SIX or S for
// txn, if any, implementing the no-redundancy check (P2).
func (c *Context) nearestRedundantAncestor(txnID uint64) *Context {
	for a := c.parent; a != nil; a = a.parent {
		switch a.GetExplicitLockType(txnID) {
		case lockmode.SIX, lockmode.S:
			return a
		}
	}
	return nil
}

func (c *Context) bumpAncestors(txnID uint64, delta int) {
	for a := c.parent; a != nil; a = a.parent {
		a.countMu.Lock()
		a.numChildLocks[txnID] += delta
		if a.numChildLocks[txnID] <= 0 {
			delete(a.numChildLocks, txnID)
		}
		a.countMu.Unlock()
	}
}

// hasDescendantLocks reports whether txn holds a non-NL lock anywhere in
// c's subtree (P4, used by Release's children-first rule).
func (c *Context) hasDescendantLocks(txnID uint64) bool {
	c.countMu.Lock()
	defer c.countMu.Unlock()
	return c.numChildLocks[txnID] > 0
}

// descendantLocks returns the resource.Names of every Context beneath c
// where txn currently holds a non-NL lock, optionally restricted to modes
// in only.
func (c *Context) descendantLocks(txnID uint64, only ...lockmode.Mode) []resource.Name {
	var names []resource.Name
	var walk func(*Context)
	walk = func(node *Context) {
		for _, child := range node.snapshotChildren() {
			mode := child.GetExplicitLockType(txnID)
			if mode != lockmode.NL && (len(only) == 0 || modeIn(mode, only)) {
				names = append(names, child.name)
			}
			walk(child)
		}
	}
	walk(c)
	return names
}

func modeIn(m lockmode.Mode, set []lockmode.Mode) bool {
	for _, s := range set {
		if s == m {
			return true
		}
	}
	return false
}

// Acquire enforces P1/P2/P3 and then delegates to the manager, bumping
// ancestor child-lock counts on success. It does NOT acquire ancestor
// locks itself; callers needing that walk (e.g. lockutil) must do so first.
func (c *Context) Acquire(handle txn.Handle, mode lockmode.Mode) error {
	if c.isReadonly() {
		return lockerrors.UnsupportedOperation(c.name.String(), "context is readonly")
	}
	if mode == lockmode.S || mode == lockmode.IS {
		if a := c.nearestRedundantAncestor(handle.ID()); a != nil {
			return lockerrors.InvalidLock(handle.ID(), c.name.String(),
				"redundant: ancestor "+a.name.String()+" already grants this right")
		}
	}
	if c.parent != nil {
		parentMode := c.parent.GetExplicitLockType(handle.ID())
		if !lockmode.CanBeParentLock(parentMode, mode) {
			return lockerrors.InvalidLock(handle.ID(), c.name.String(),
				"parent "+c.parent.name.String()+" does not hold a sufficient lock")
		}
	}

	if err := c.coordinator.manager.Acquire(handle, c.name, mode); err != nil {
		return err
	}
	c.bumpAncestors(handle.ID(), 1)
	return nil
}

// Release refuses if txn still holds any descendant lock (children-first
// rule), then delegates to the manager and decrements ancestor counts.
func (c *Context) Release(handle txn.Handle) error {
	if c.isReadonly() {
		return lockerrors.UnsupportedOperation(c.name.String(), "context is readonly")
	}
	if c.hasDescendantLocks(handle.ID()) {
		return lockerrors.InvalidLock(handle.ID(), c.name.String(), "descendant locks must be released first")
	}

	if err := c.coordinator.manager.Release(handle, c.name); err != nil {
		return err
	}
	c.bumpAncestors(handle.ID(), -1)
	return nil
}

// Promote upgrades txn's lock here to newMode, enforcing P1 against the
// parent's explicit lock before delegating (Promote is reachable directly,
// not only through lockutil's ancestor-aware facade, so it must defend P1
// itself rather than rely on a caller having already brought the parent up
// to ParentMode(newMode)). Promotion to SIX atomically drops every S/IS
// descendant lock of txn, since SIX already covers reading the whole
// subtree; any other target mode is a plain manager promotion with no
// presence change and so no ancestor count change.
func (c *Context) Promote(handle txn.Handle, newMode lockmode.Mode) error {
	if c.isReadonly() {
		return lockerrors.UnsupportedOperation(c.name.String(), "context is readonly")
	}

	if newMode == lockmode.SIX {
		if a := c.nearestRedundantAncestor(handle.ID()); a != nil {
			return lockerrors.InvalidLock(handle.ID(), c.name.String(),
				"redundant: ancestor "+a.name.String()+" already grants SIX/S")
		}
	}
	if c.parent != nil {
		parentMode := c.parent.GetExplicitLockType(handle.ID())
		if !lockmode.CanBeParentLock(parentMode, newMode) {
			return lockerrors.InvalidLock(handle.ID(), c.name.String(),
				"parent "+c.parent.name.String()+" does not hold a sufficient lock")
		}
	}

	if newMode == lockmode.SIX {
		descendants := c.descendantLocks(handle.ID(), lockmode.S, lockmode.IS)
		releaseNames := append([]resource.Name{c.name}, descendants...)
		if err := c.coordinator.manager.AcquireAndRelease(handle, c.name, lockmode.SIX, releaseNames); err != nil {
			return err
		}
		for _, d := range descendants {
			c.coordinator.Context(d).bumpAncestors(handle.ID(), -1)
		}
		return nil
	}

	return c.coordinator.manager.Promote(handle, c.name, newMode)
}

// Escalate coarsens every lock txn holds in the subtree rooted at c into a
// single S or X lock on c.
func (c *Context) Escalate(handle txn.Handle) error {
	if c.isReadonly() {
		return lockerrors.UnsupportedOperation(c.name.String(), "context is readonly")
	}
	explicit := c.GetExplicitLockType(handle.ID())
	if explicit == lockmode.NL {
		return lockerrors.NoLockHeld(handle.ID(), c.name.String())
	}

	descendants := c.descendantLocks(handle.ID())
	if (explicit == lockmode.S || explicit == lockmode.X) && len(descendants) == 0 {
		return nil
	}

	target := lockmode.S
	if explicit == lockmode.IX || explicit == lockmode.SIX || explicit == lockmode.X {
		target = lockmode.X
	} else {
		for _, d := range descendants {
			switch c.coordinator.Context(d).GetExplicitLockType(handle.ID()) {
			case lockmode.IX, lockmode.SIX, lockmode.X:
				target = lockmode.X
			}
		}
	}

	releaseNames := append([]resource.Name{c.name}, descendants...)
	if err := c.coordinator.manager.AcquireAndRelease(handle, c.name, target, releaseNames); err != nil {
		return err
	}
	for _, d := range descendants {
		c.coordinator.Context(d).bumpAncestors(handle.ID(), -1)
	}
	return nil
}
