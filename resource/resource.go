// Package resource implements ResourceName: the immutable identifier of a
// node in the resource tree the lock manager operates over (e.g. database
// ⊃ table ⊃ page). Names are interned path segments from the root down to
// the leaf, with a precomputed fingerprint so repeated lookups of the same
// name in the lock table's maps don't re-hash a joined string every time.
package resource

import (
	"strings"
	"sync/atomic"

	"github.com/zeebo/xxh3"
)

// Root is the conventional name of the tree root.
const Root = "database"

// hashSeed perturbs every fingerprint computed by this package. It defaults
// to 0 (github.com/zeebo/xxh3's own default) and may be overridden once at
// process startup via SetHashSeed, typically from lockconfig.Config, e.g.
// to avoid hash-flooding collisions across independently operated Managers
// sharing the same process.
var hashSeed uint64

// SetHashSeed changes the seed used by every fingerprint computed after this
// call. Names interned before the call keep their old fingerprint; callers
// should set the seed once at startup, before any Name is constructed.
func SetHashSeed(seed uint64) {
	atomic.StoreUint64(&hashSeed, seed)
}

// Name is an immutable identifier of a resource tree node. Two Names are
// equal iff their full paths are equal; Fingerprint is a fast, usually-unique
// hash of that path suitable as a map key, with Equal as the tie-breaker on
// collision.
type Name struct {
	path        []string
	fingerprint uint64
}

// New constructs a root Name.
func New() Name {
	return intern([]string{Root})
}

// Child returns the Name for a child of n with the given local segment.
func (n Name) Child(segment string) Name {
	path := make([]string, len(n.path)+1)
	copy(path, n.path)
	path[len(n.path)] = segment
	return intern(path)
}

func intern(path []string) Name {
	return Name{path: path, fingerprint: fingerprintOf(path)}
}

func fingerprintOf(path []string) uint64 {
	h := xxh3.NewSeed(atomic.LoadUint64(&hashSeed))
	for _, seg := range path {
		_, _ = h.Write([]byte(seg))
		_, _ = h.Write([]byte{0}) // separator so ["ab","c"] != ["a","bc"]
	}
	return h.Sum64()
}

// IsRoot reports whether n is the tree root.
func (n Name) IsRoot() bool {
	return len(n.path) <= 1
}

// Parent returns n's parent Name and true, or the zero Name and false if n is
// the root.
func (n Name) Parent() (Name, bool) {
	if n.IsRoot() {
		return Name{}, false
	}
	return intern(n.path[:len(n.path)-1]), true
}

// Fingerprint returns the precomputed 64-bit hash of n's path, suitable as a
// map key. Equal must still be used to resolve fingerprint collisions.
func (n Name) Fingerprint() uint64 {
	return n.fingerprint
}

// Equal reports whether n and other denote the same resource.
func (n Name) Equal(other Name) bool {
	if n.fingerprint != other.fingerprint || len(n.path) != len(other.path) {
		return false
	}
	for i := range n.path {
		if n.path[i] != other.path[i] {
			return false
		}
	}
	return true
}

// String renders n as a slash-joined path, e.g. "database/orders/page-12".
func (n Name) String() string {
	return strings.Join(n.path, "/")
}

// Depth returns the number of segments in n's path (root has depth 1).
func (n Name) Depth() int {
	return len(n.path)
}
