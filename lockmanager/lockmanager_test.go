package lockmanager

import (
	"testing"
	"time"

	"github.com/eusonice/lockcore/lockerrors"
	"github.com/eusonice/lockcore/lockmode"
	"github.com/eusonice/lockcore/resource"
	"github.com/eusonice/lockcore/txn"
)

func waitFor(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for goroutine to unblock")
	}
}

func acquireAsync(m *Manager, h txn.Handle, name resource.Name, mode lockmode.Mode) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		_ = m.Acquire(h, name, mode)
		close(done)
	}()
	return done
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)

	if err := m.Acquire(t1, a, lockmode.S); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if mode := m.GetLockType(1, a); mode != lockmode.S {
		t.Fatalf("GetLockType = %v, want S", mode)
	}
	if err := m.Release(t1, a); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if mode := m.GetLockType(1, a); mode != lockmode.NL {
		t.Fatalf("GetLockType after release = %v, want NL", mode)
	}
	if locks := m.GetLocksOn(a); len(locks) != 0 {
		t.Fatalf("GetLocksOn after release = %v, want empty", locks)
	}
}

func TestDuplicateLockRequest(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)

	if err := m.Acquire(t1, a, lockmode.S); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	err := m.Acquire(t1, a, lockmode.S)
	if !lockerrors.Is(err, lockerrors.CategoryDuplicateLockRequest) {
		t.Fatalf("Acquire duplicate: got %v, want DuplicateLockRequest", err)
	}
}

func TestReleaseWithoutLock(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)

	err := m.Release(t1, a)
	if !lockerrors.Is(err, lockerrors.CategoryNoLockHeld) {
		t.Fatalf("Release without lock: got %v, want NoLockHeld", err)
	}
}

// A queue-head X must still block a compatible tail S: FIFO ordering takes
// priority over opportunistic compatibility.
func TestQueueHeadBlocksCompatibleTail(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)
	t2 := txn.NewDefaultHandle(2)
	t3 := txn.NewDefaultHandle(3)

	if err := m.Acquire(t1, a, lockmode.S); err != nil {
		t.Fatalf("t1 Acquire: %v", err)
	}

	done2 := acquireAsync(m, t2, a, lockmode.X)
	time.Sleep(20 * time.Millisecond)
	done3 := acquireAsync(m, t3, a, lockmode.S)

	// Give both goroutines a chance to enqueue before we inspect state.
	time.Sleep(50 * time.Millisecond)

	locks := m.GetLocksOn(a)
	if len(locks) != 1 || locks[0].Txn != 1 {
		t.Fatalf("expected only t1's S(A) granted, got %v", locks)
	}

	if err := m.Release(t1, a); err != nil {
		t.Fatalf("t1 Release: %v", err)
	}

	waitFor(t, done2)

	// t3 should still be queued behind t2's X; only after t2 releases does it
	// get a chance.
	select {
	case <-done3:
		t.Fatal("t3's S(A) should not be granted while t2 holds X(A)")
	default:
	}

	locks = m.GetLocksOn(a)
	if len(locks) != 1 || locks[0].Txn != 2 || locks[0].Mode != lockmode.X {
		t.Fatalf("expected only t2's X(A) granted, got %v", locks)
	}

	if err := m.Release(t2, a); err != nil {
		t.Fatalf("t2 Release: %v", err)
	}
	waitFor(t, done3)

	locks = m.GetLocksOn(a)
	if len(locks) != 1 || locks[0].Txn != 3 || locks[0].Mode != lockmode.S {
		t.Fatalf("expected only t3's S(A) granted, got %v", locks)
	}
}

// Scenario 2: promotion preserves acquisition order.
func TestPromotionPreservesAcquisitionOrder(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	b := resource.New().Child("B")
	t1 := txn.NewDefaultHandle(1)

	if err := m.Acquire(t1, a, lockmode.S); err != nil {
		t.Fatalf("Acquire A: %v", err)
	}
	if err := m.Acquire(t1, b, lockmode.X); err != nil {
		t.Fatalf("Acquire B: %v", err)
	}
	if err := m.Promote(t1, a, lockmode.X); err != nil {
		t.Fatalf("Promote A: %v", err)
	}

	locks := m.GetLocksOf(1)
	if len(locks) != 2 {
		t.Fatalf("GetLocksOf = %v, want 2 locks", locks)
	}
	if locks[0].Resource.String() != a.String() || locks[0].Mode != lockmode.X {
		t.Errorf("locks[0] = %+v, want X(A)", locks[0])
	}
	if locks[1].Resource.String() != b.String() || locks[1].Mode != lockmode.X {
		t.Errorf("locks[1] = %+v, want X(B)", locks[1])
	}
}

func TestPromoteRejectsSIX(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)

	if err := m.Acquire(t1, a, lockmode.IX); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	err := m.Promote(t1, a, lockmode.SIX)
	if !lockerrors.Is(err, lockerrors.CategoryInvalidLock) {
		t.Fatalf("Promote to SIX: got %v, want InvalidLock", err)
	}
}

func TestPromoteRejectsNonSubstitutable(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)

	if err := m.Acquire(t1, a, lockmode.S); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	err := m.Promote(t1, a, lockmode.IX)
	if !lockerrors.Is(err, lockerrors.CategoryInvalidLock) {
		t.Fatalf("Promote S->IX: got %v, want InvalidLock", err)
	}
}

func TestPromoteSameModeIsDuplicate(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)

	if err := m.Acquire(t1, a, lockmode.S); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	err := m.Promote(t1, a, lockmode.S)
	if !lockerrors.Is(err, lockerrors.CategoryDuplicateLockRequest) {
		t.Fatalf("Promote S->S: got %v, want DuplicateLockRequest", err)
	}
}

// Scenario 3: atomic acquire-and-release.
func TestAcquireAndReleaseAtomic(t *testing.T) {
	m := New()
	db := resource.New()
	table := db.Child("table")
	p1 := table.Child("page1")
	p2 := table.Child("page2")
	t1 := txn.NewDefaultHandle(1)

	for _, n := range []struct {
		name resource.Name
		mode lockmode.Mode
	}{
		{db, lockmode.IX},
		{table, lockmode.IX},
		{p1, lockmode.X},
		{p2, lockmode.X},
	} {
		if err := m.Acquire(t1, n.name, n.mode); err != nil {
			t.Fatalf("Acquire %v: %v", n.name, err)
		}
	}

	err := m.AcquireAndRelease(t1, table, lockmode.X, []resource.Name{table, p1, p2})
	if err != nil {
		t.Fatalf("AcquireAndRelease: %v", err)
	}

	if mode := m.GetLockType(1, table); mode != lockmode.X {
		t.Errorf("table mode = %v, want X", mode)
	}
	if mode := m.GetLockType(1, p1); mode != lockmode.NL {
		t.Errorf("p1 mode = %v, want NL", mode)
	}
	if mode := m.GetLockType(1, p2); mode != lockmode.NL {
		t.Errorf("p2 mode = %v, want NL", mode)
	}
	if mode := m.GetLockType(1, db); mode != lockmode.IX {
		t.Errorf("db mode = %v, want IX (untouched)", mode)
	}
}

// Scenario 6: deadlock-free starvation guard via FIFO drain.
func TestStarvationGuardDrainsFIFO(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)
	t2 := txn.NewDefaultHandle(2)
	t3 := txn.NewDefaultHandle(3)

	if err := m.Acquire(t1, a, lockmode.X); err != nil {
		t.Fatalf("t1 Acquire: %v", err)
	}

	done2 := acquireAsync(m, t2, a, lockmode.S)
	time.Sleep(20 * time.Millisecond)
	done3 := acquireAsync(m, t3, a, lockmode.S)
	time.Sleep(20 * time.Millisecond)

	if err := m.Release(t1, a); err != nil {
		t.Fatalf("t1 Release: %v", err)
	}

	waitFor(t, done2)
	waitFor(t, done3)

	locks := m.GetLocksOn(a)
	if len(locks) != 2 {
		t.Fatalf("expected both t2 and t3 to hold S(A) concurrently, got %v", locks)
	}
	for _, l := range locks {
		if l.Mode != lockmode.S {
			t.Errorf("lock %+v should be S", l)
		}
	}
}

func TestAcquireAndReleaseBlocksWhenIncompatible(t *testing.T) {
	m := New()
	a := resource.New().Child("A")
	t1 := txn.NewDefaultHandle(1)
	t2 := txn.NewDefaultHandle(2)

	if err := m.Acquire(t1, a, lockmode.S); err != nil {
		t.Fatalf("t1 Acquire: %v", err)
	}
	if err := m.Acquire(t2, a, lockmode.S); err != nil {
		t.Fatalf("t2 Acquire: %v", err)
	}

	done := make(chan struct{})
	go func() {
		_ = m.AcquireAndRelease(t1, a, lockmode.X, []resource.Name{a})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("AcquireAndRelease should block while t2 holds S(A)")
	default:
	}

	if err := m.Release(t2, a); err != nil {
		t.Fatalf("t2 Release: %v", err)
	}
	waitFor(t, done)

	if mode := m.GetLockType(1, a); mode != lockmode.X {
		t.Fatalf("t1 mode after AcquireAndRelease = %v, want X", mode)
	}
}

func TestDrainStopsAtFirstBlockedRequest(t *testing.T) {
	// S(A) X(A) S(A): only the head S is granted even though the tail S is
	// compatible with the granted set. Draining stops at the first blocked
	// entry rather than scanning past it for compatible work.
	m := New()
	a := resource.New().Child("A")
	blocker := txn.NewDefaultHandle(99)

	if err := m.Acquire(blocker, a, lockmode.X); err != nil {
		t.Fatalf("seed Acquire: %v", err)
	}

	t1 := txn.NewDefaultHandle(1)
	t2 := txn.NewDefaultHandle(2)
	t3 := txn.NewDefaultHandle(3)

	done1 := acquireAsync(m, t1, a, lockmode.S)
	time.Sleep(10 * time.Millisecond)
	done2 := acquireAsync(m, t2, a, lockmode.X)
	time.Sleep(10 * time.Millisecond)
	done3 := acquireAsync(m, t3, a, lockmode.S)
	time.Sleep(10 * time.Millisecond)

	if err := m.Release(blocker, a); err != nil {
		t.Fatalf("blocker Release: %v", err)
	}

	waitFor(t, done1)

	select {
	case <-done2:
		t.Fatal("t2's X(A) should still be blocked by nothing granting it yet")
	default:
	}
	select {
	case <-done3:
		t.Fatal("t3's S(A) should be blocked behind t2's X even though compatible with t1's S")
	default:
	}

	locks := m.GetLocksOn(a)
	if len(locks) != 1 || locks[0].Txn != 1 {
		t.Fatalf("expected only t1's S(A) granted, got %v", locks)
	}
}
