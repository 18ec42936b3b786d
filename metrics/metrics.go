// Package metrics tracks per-resource wait/hold counters for the lock
// manager. Wiring a Recorder into lockmanager is optional and purely
// observational: it never changes a grant or block decision, so a nil
// Recorder is always safe.
package metrics

import (
	"sync"
	"sync/atomic"
)

// ResourceCounters holds the atomic counters tracked for a single resource.
type ResourceCounters struct {
	Acquisitions int64
	Blocks       int64
	Promotions   int64
	Escalations  int64
	Releases     int64
	MaxQueueDepth int64
}

// Snapshot is a point-in-time copy of ResourceCounters, safe to read without
// further synchronization.
type Snapshot struct {
	Resource      string
	Acquisitions  int64
	Blocks        int64
	Promotions    int64
	Escalations   int64
	Releases      int64
	MaxQueueDepth int64
}

// Recorder aggregates ResourceCounters across every resource the lock
// manager has seen.
type Recorder struct {
	mu        sync.RWMutex
	resources map[string]*ResourceCounters
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{resources: make(map[string]*ResourceCounters)}
}

func (r *Recorder) counters(resource string) *ResourceCounters {
	r.mu.RLock()
	c, ok := r.resources[resource]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.resources[resource]; ok {
		return c
	}
	c = &ResourceCounters{}
	r.resources[resource] = c
	return c
}

// RecordAcquisition increments the acquisition counter for resource. Safe to
// call on a nil *Recorder (no-op), so callers never need a nil check.
func (r *Recorder) RecordAcquisition(resource string) {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.counters(resource).Acquisitions, 1)
}

// RecordBlock increments the block counter for resource.
func (r *Recorder) RecordBlock(resource string) {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.counters(resource).Blocks, 1)
}

// RecordPromotion increments the promotion counter for resource.
func (r *Recorder) RecordPromotion(resource string) {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.counters(resource).Promotions, 1)
}

// RecordEscalation increments the escalation counter for resource.
func (r *Recorder) RecordEscalation(resource string) {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.counters(resource).Escalations, 1)
}

// RecordRelease increments the release counter for resource.
func (r *Recorder) RecordRelease(resource string) {
	if r == nil {
		return
	}
	atomic.AddInt64(&r.counters(resource).Releases, 1)
}

// RecordQueueDepth updates the high-water mark of the wait queue for
// resource if depth exceeds the previously recorded maximum.
func (r *Recorder) RecordQueueDepth(resource string, depth int) {
	if r == nil {
		return
	}
	c := r.counters(resource)
	d := int64(depth)
	for {
		cur := atomic.LoadInt64(&c.MaxQueueDepth)
		if d <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&c.MaxQueueDepth, cur, d) {
			return
		}
	}
}

// Snapshot returns a point-in-time copy of the counters for every resource
// the Recorder has observed.
func (r *Recorder) Snapshot() []Snapshot {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.resources))
	for resource, c := range r.resources {
		out = append(out, Snapshot{
			Resource:      resource,
			Acquisitions:  atomic.LoadInt64(&c.Acquisitions),
			Blocks:        atomic.LoadInt64(&c.Blocks),
			Promotions:    atomic.LoadInt64(&c.Promotions),
			Escalations:   atomic.LoadInt64(&c.Escalations),
			Releases:      atomic.LoadInt64(&c.Releases),
			MaxQueueDepth: atomic.LoadInt64(&c.MaxQueueDepth),
		})
	}
	return out
}
