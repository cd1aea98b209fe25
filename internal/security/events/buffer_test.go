package events

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgegate/edgegate/internal/security/threat"
)

func makeEvent(id string, ts time.Time) threat.SecurityEvent {
	return threat.SecurityEvent{
		ID:        id,
		Timestamp: ts,
		Type:      threat.TypeXSSAttempt,
		Severity:  threat.SeverityHigh,
		SourceIP:  "203.0.113.7",
	}
}

func collect(b *Buffer, cutoff time.Time) []threat.SecurityEvent {
	var out []threat.SecurityEvent
	for event := range b.Since(cutoff) {
		out = append(out, event)
	}
	return out
}

func TestAppendAndSinceOrder(t *testing.T) {
	b := NewBuffer(8)
	base := time.Now()

	for i := 0; i < 5; i++ {
		b.Append(makeEvent(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	require.Equal(t, 5, b.Len())

	got := collect(b, base)
	require.Len(t, got, 5)
	for i, event := range got {
		assert.Equal(t, fmt.Sprintf("ev-%d", i), event.ID)
	}
}

func TestSinceCutoffFilters(t *testing.T) {
	b := NewBuffer(8)
	base := time.Now()

	for i := 0; i < 6; i++ {
		b.Append(makeEvent(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Minute)))
	}

	got := collect(b, base.Add(3*time.Minute))
	require.Len(t, got, 3)
	assert.Equal(t, "ev-3", got[0].ID)
	assert.Equal(t, "ev-5", got[2].ID)
}

func TestFIFOEviction(t *testing.T) {
	b := NewBuffer(4)
	base := time.Now()

	for i := 0; i < 7; i++ {
		b.Append(makeEvent(fmt.Sprintf("ev-%d", i), base.Add(time.Duration(i)*time.Second)))
	}
	require.Equal(t, 4, b.Len())

	got := collect(b, base)
	require.Len(t, got, 4)
	// ev-0..ev-2 were evicted oldest-first
	assert.Equal(t, "ev-3", got[0].ID)
	assert.Equal(t, "ev-6", got[3].ID)
}

func TestSinceIsRestartable(t *testing.T) {
	b := NewBuffer(8)
	base := time.Now()
	for i := 0; i < 3; i++ {
		b.Append(makeEvent(fmt.Sprintf("ev-%d", i), base))
	}

	seq := b.Since(base)
	first := 0
	for range seq {
		first++
	}
	second := 0
	for range seq {
		second++
	}
	assert.Equal(t, 3, first)
	assert.Equal(t, 3, second)
}

func TestSinceStopsEarly(t *testing.T) {
	b := NewBuffer(8)
	base := time.Now()
	for i := 0; i < 5; i++ {
		b.Append(makeEvent(fmt.Sprintf("ev-%d", i), base))
	}

	count := 0
	for range b.Since(base) {
		count++
		if count == 2 {
			break
		}
	}
	assert.Equal(t, 2, count)
}

func TestConcurrentAppends(t *testing.T) {
	b := NewBuffer(128)
	base := time.Now()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 16; i++ {
				b.Append(makeEvent(fmt.Sprintf("g%d-ev%d", g, i), base))
			}
		}(g)
	}
	wg.Wait()

	assert.Equal(t, 128, b.Len())
	assert.Len(t, collect(b, base), 128)
}
