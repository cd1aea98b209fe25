// Package events keeps a bounded, in-process history of security events.
//
// The buffer is local to one process. In a multi-instance deployment each
// instance only sees its own traffic share; promoting this history to the
// shared store is the path to horizontally scaled alerting.
package events

import (
	"iter"
	"sync"
	"time"

	"github.com/edgegate/edgegate/internal/instrumentation"
	"github.com/edgegate/edgegate/internal/security/threat"
)

// DefaultCapacity bounds the event history; oldest events are evicted first.
const DefaultCapacity = 10000

type Buffer struct {
	mu       sync.Mutex
	data     []threat.SecurityEvent
	capacity int
	head     int // index of the oldest event
	size     int
}

func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{
		data:     make([]threat.SecurityEvent, capacity),
		capacity: capacity,
	}
}

// Append adds an event, evicting the oldest if the buffer is full.
func (b *Buffer) Append(event threat.SecurityEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	tail := (b.head + b.size) % b.capacity
	b.data[tail] = event

	if b.size == b.capacity {
		// full: oldest was overwritten, move head to next item
		b.head = (b.head + 1) % b.capacity
	} else {
		b.size++
	}
	instrumentation.EventBufferSize.Set(float64(b.size))
}

func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Since yields the buffered events with Timestamp >= cutoff in insertion
// order. The sequence is finite and restartable; it iterates a snapshot
// taken when Since is called, so appends during iteration are not observed.
func (b *Buffer) Since(cutoff time.Time) iter.Seq[threat.SecurityEvent] {
	b.mu.Lock()
	snapshot := make([]threat.SecurityEvent, 0, b.size)
	for i := 0; i < b.size; i++ {
		event := b.data[(b.head+i)%b.capacity]
		if !event.Timestamp.Before(cutoff) {
			snapshot = append(snapshot, event)
		}
	}
	b.mu.Unlock()

	return func(yield func(threat.SecurityEvent) bool) {
		for _, event := range snapshot {
			if !yield(event) {
				return
			}
		}
	}
}
