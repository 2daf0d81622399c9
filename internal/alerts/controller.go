// internal/alerts/controller.go
package alerts

import (
	"sync"

	"energy-monitor/internal/data"
)

// Controller tracks the open-alert set and drives the acknowledge
// lifecycle. Per alert the state machine is OPEN --acknowledge-->
// ACKNOWLEDGED; an acknowledged alert leaves the active set rather than
// being retained with a flag (the canonical record lives server-side).
//
// Acknowledgment is optimistic: the alert disappears immediately and the
// backend confirmation runs afterwards. A failed confirmation re-inserts
// the alert marked AckFailed so the user can retry instead of the failure
// being swallowed.
type Controller struct {
	mu     sync.RWMutex
	active []data.Alert // newest-raised-first
	index  map[string]int

	// pending holds ids whose confirmation is in flight. It dedupes
	// duplicate acknowledge calls before the first one resolves.
	pending map[string]data.Alert
}

func NewController() *Controller {
	return &Controller{
		index:   make(map[string]int),
		pending: make(map[string]data.Alert),
	}
}

// MergeSnapshot sets the active set to exactly the unacknowledged alerts
// of a fetched batch. The backend returns them newest-first already.
func (c *Controller) MergeSnapshot(batch []data.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.active = c.active[:0]
	for _, a := range batch {
		if a.Acknowledged {
			continue
		}
		if _, inFlight := c.pending[a.ID]; inFlight {
			// Optimistically removed; the snapshot raced the confirmation.
			continue
		}
		c.active = append(c.active, a)
	}
	c.reindex()
}

// MergePush prepends newly pushed alerts, most-recently-raised first: a
// batch [a1, a2] lands as a2, a1 ahead of every pre-existing entry.
// Duplicate delivery of an id already present replaces the entry with the
// latest payload and moves it to the front.
func (c *Controller) MergePush(batch []data.Alert) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, a := range batch {
		if a.Acknowledged {
			continue
		}
		if _, inFlight := c.pending[a.ID]; inFlight {
			continue
		}
		if i, ok := c.index[a.ID]; ok {
			c.active = append(c.active[:i], c.active[i+1:]...)
			c.reindex()
		}
		c.active = append([]data.Alert{a}, c.active...)
		c.reindex()
	}
}

// Acknowledge optimistically removes the alert from the active set. It
// returns the removed alert for the confirmation request, or ok=false if
// the id is unknown or a confirmation for it is already in flight.
func (c *Controller) Acknowledge(id string) (data.Alert, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, inFlight := c.pending[id]; inFlight {
		return data.Alert{}, false
	}
	i, ok := c.index[id]
	if !ok {
		return data.Alert{}, false
	}

	a := c.active[i]
	a.AckFailed = false
	c.active = append(c.active[:i], c.active[i+1:]...)
	c.reindex()
	c.pending[id] = a
	return a, true
}

// Confirm finalizes a successful acknowledgment.
func (c *Controller) Confirm(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, id)
}

// Fail rolls back a rejected acknowledgment: the alert returns to the
// front of the active set flagged AckFailed for a user-visible retry.
func (c *Controller) Fail(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	a, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)

	if _, exists := c.index[id]; exists {
		return
	}
	a.AckFailed = true
	c.active = append([]data.Alert{a}, c.active...)
	c.reindex()
}

// Active returns a copy of the active set, newest-raised first. It never
// contains an acknowledged alert.
func (c *Controller) Active() []data.Alert {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]data.Alert, len(c.active))
	copy(out, c.active)
	return out
}

// Len returns the size of the active set.
func (c *Controller) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.active)
}

// reindex rebuilds the id index. Callers hold the write lock. The active
// set is small (the backend caps alert fetches at 100), so a full rebuild
// is cheaper than being clever.
func (c *Controller) reindex() {
	for id := range c.index {
		delete(c.index, id)
	}
	for i, a := range c.active {
		c.index[a.ID] = i
	}
}
