// Package store retains finalized media segments for origin serving. The
// in-memory implementation keeps the recent segments inside the time-shift
// window and pins init segments, which players fetch for as long as the
// stream is live.
package store

import (
	"sync"
	"time"
)

// Segment is one stored payload plus the metadata the packager captured at
// finalization time.
type Segment struct {
	Name           string
	Duration       float64 // seconds; zero for init segments
	StartTimestamp int64   // track timescale units
	Payload        []byte
	StoredAt       time.Time
}

// Memory is a bounded in-memory segment store. Media segments are evicted
// oldest-first once the retention cap is exceeded; init segments (zero
// duration) are pinned and never evicted. Safe for concurrent use.
type Memory struct {
	mu          sync.RWMutex
	maxSegments int
	pinned      map[string]Segment
	segments    map[string]Segment
	order       []string // media segment names in insertion order
}

// NewMemory creates a store retaining at most maxSegments media segments
// across all tracks, in addition to pinned init segments.
func NewMemory(maxSegments int) *Memory {
	if maxSegments < 1 {
		maxSegments = 1
	}
	return &Memory{
		maxSegments: maxSegments,
		pinned:      make(map[string]Segment),
		segments:    make(map[string]Segment),
	}
}

// SetSegmentData accepts a finalized segment for retention. The payload is
// copied; the caller's buffer is not retained.
func (m *Memory) SetSegmentData(name string, duration float64, startTimestamp int64, payload []byte) error {
	seg := Segment{
		Name:           name,
		Duration:       duration,
		StartTimestamp: startTimestamp,
		Payload:        append([]byte(nil), payload...),
		StoredAt:       time.Now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if duration == 0 {
		m.pinned[name] = seg
		return nil
	}

	if _, exists := m.segments[name]; !exists {
		m.order = append(m.order, name)
	}
	m.segments[name] = seg

	for len(m.order) > m.maxSegments {
		oldest := m.order[0]
		m.order = m.order[1:]
		delete(m.segments, oldest)
	}
	return nil
}

// GetSegmentData returns the stored payload for name, checking pinned init
// segments first.
func (m *Memory) GetSegmentData(name string) ([]byte, bool) {
	seg, ok := m.GetSegment(name)
	if !ok {
		return nil, false
	}
	return seg.Payload, true
}

// GetSegment returns the full stored segment for name.
func (m *Memory) GetSegment(name string) (Segment, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if seg, ok := m.pinned[name]; ok {
		return seg, true
	}
	seg, ok := m.segments[name]
	return seg, ok
}

// Len returns the number of retained media segments, excluding pinned init
// segments.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.segments)
}
