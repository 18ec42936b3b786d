// Package lockutil provides a declarative one-shot facade:
// EnsureSufficientLockHeld brings a transaction's lock on a context up to a
// requested mode, acquiring or promoting ancestors as needed, choosing the
// least permissive lock sufficient for the request.
package lockutil

import (
	"github.com/eusonice/lockcore/lockcontext"
	"github.com/eusonice/lockcore/lockmode"
	"github.com/eusonice/lockcore/txn"
)

// EnsureSufficientLockHeld ensures handle's transaction holds a lock on ctx
// that substitutes requestType (one of lockmode.S, lockmode.X, or
// lockmode.NL), acquiring or promoting ctx and its ancestors as needed. It
// is idempotent: a second call with the same arguments performs no work.
func EnsureSufficientLockHeld(ctx *lockcontext.Context, handle txn.Handle, requestType lockmode.Mode) error {
	if ctx == nil || requestType == lockmode.NL {
		return nil
	}

	if lockmode.Substitutable(ctx.GetEffectiveLockType(handle.ID()), requestType) {
		return nil
	}

	if parent := ctx.Parent(); parent != nil {
		if err := EnsureSufficientLockHeld(parent, handle, lockmode.ParentMode(requestType)); err != nil {
			return err
		}
	}

	explicit := ctx.GetExplicitLockType(handle.ID())
	switch {
	case explicit == lockmode.IX && requestType == lockmode.S:
		// IX already satisfies the X-parent requirement and SIX satisfies
		// both S- and X-parent requirements at ctx's own children, so SIX
		// here needs no further ancestor changes.
		return ctx.Promote(handle, lockmode.SIX)

	case requestType == lockmode.X && lockmode.IsIntent(explicit):
		// Upgrade the intent into the real thing.
		return ctx.Promote(handle, lockmode.X)

	case requestType == lockmode.S && lockmode.IsIntent(explicit):
		// Coarsen the subtree into a single S here. requestType is only
		// ever S at the original call (ancestor passes only ever request
		// IS, IX, or NL), so this is never reached mid-recursion.
		return ctx.Escalate(handle)

	case explicit == lockmode.NL:
		return ctx.Acquire(handle, requestType)

	default:
		// Any other insufficient-but-non-NL explicit lock: a plain S/X that
		// doesn't substitute requestType, or an ancestor's intent mode that
		// needs to become a stronger intent mode (e.g. IS -> IX).
		return ctx.Promote(handle, requestType)
	}
}
