// internal/feed/feed.go
package feed

import (
	"sync"
	"time"

	"energy-monitor/internal/data"
)

// Capacity bounds the rolling reading buffer.
const Capacity = 50

// latest is the freshest reading seen for one device plus when it arrived.
// SeenAt is client arrival time, not the reading's own timestamp, so the
// staleness check cannot be defeated by a backend with a skewed clock.
type latest struct {
	reading data.SensorReading
	seenAt  time.Time
}

// Synchronizer merges one-shot snapshot fetches with the continuous push
// stream into a bounded rolling view of recent readings, oldest first.
//
// Mutation is serialized by the engine's update queue; the lock exists so
// the view surface can read concurrently with that single mutator.
type Synchronizer struct {
	mu     sync.RWMutex
	buffer []data.SensorReading
	byDev  map[string]latest

	now func() time.Time
}

func NewSynchronizer() *Synchronizer {
	return &Synchronizer{
		buffer: make([]data.SensorReading, 0, Capacity),
		byDev:  make(map[string]latest),
		now:    time.Now,
	}
}

// IngestSnapshot replaces the buffer with the newest entries of a fetched
// batch. The REST endpoint returns readings newest-first; the buffer keeps
// them oldest-first, at most Capacity of them.
func (s *Synchronizer) IngestSnapshot(readings []data.SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(readings)
	if n > Capacity {
		n = Capacity
	}

	s.buffer = s.buffer[:0]
	for i := n - 1; i >= 0; i-- {
		s.buffer = append(s.buffer, readings[i])
	}

	seen := s.now()
	updated := make(map[string]struct{}, len(readings))
	for _, r := range readings {
		// First hit per device wins within the batch: it is newest-first.
		if _, ok := updated[r.DeviceID]; ok {
			continue
		}
		updated[r.DeviceID] = struct{}{}
		s.byDev[r.DeviceID] = latest{reading: r, seenAt: seen}
	}
}

// IngestPush appends one reading, evicting the oldest entry once the
// buffer exceeds Capacity. Pushes are taken as-is with no dedupe and no
// reordering; the channel is server-ordered.
func (s *Synchronizer) IngestPush(r data.SensorReading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.buffer) >= Capacity {
		copy(s.buffer, s.buffer[1:])
		s.buffer = s.buffer[:len(s.buffer)-1]
	}
	s.buffer = append(s.buffer, r)
	s.byDev[r.DeviceID] = latest{reading: r, seenAt: s.now()}
}

// Readings returns a copy of the buffer, oldest first.
func (s *Synchronizer) Readings() []data.SensorReading {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]data.SensorReading, len(s.buffer))
	copy(out, s.buffer)
	return out
}

// Len returns the current buffer length.
func (s *Synchronizer) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buffer)
}

// Latest returns the freshest reading observed for a device and when it
// arrived. ok is false if the device has never reported.
func (s *Synchronizer) Latest(deviceID string) (data.SensorReading, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, ok := s.byDev[deviceID]
	if !ok {
		return data.SensorReading{}, time.Time{}, false
	}
	return l.reading, l.seenAt, true
}
