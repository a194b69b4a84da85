// ============================================================================
// Drop-Order Drop Log - Lock-Free Destruction Accumulator
// ============================================================================
//
// Package: internal/droplog
// File: droplog.go
// Purpose: Records the order in which tagged values are destroyed
//
// Encoding:
//   The log is a single uint64. Each destruction shifts the current value
//   left by 4 bits and ORs in the low nibble of the destroyed tag:
//
//     log := (log << 4) | tag
//
//   Reading the hex digits most significant first yields the destruction
//   order oldest first. A 64-bit log therefore holds the last 16 events.
//
// Concurrency:
//   Record uses a compare-and-swap retry loop. A load followed by an
//   unconditional store would lose updates when two workers drop values at
//   the same time.
//
// ============================================================================

package droplog

import (
	"fmt"
	"math/bits"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/drop-order/pkg/types"
)

// Capacity is the number of events a log can hold before the oldest digits
// are shifted out.
const Capacity = 16

// Observer is notified after each successful Record.
// Observers must not call Record on the same log.
type Observer interface {
	ObserveDrop(tag types.Tag, value uint64)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(tag types.Tag, value uint64)

// ObserveDrop calls f(tag, value).
func (f ObserverFunc) ObserveDrop(tag types.Tag, value uint64) {
	f(tag, value)
}

// Log is a shared, lock-free destruction accumulator.
// The zero value is an empty log ready for use.
type Log struct {
	value   atomic.Uint64
	events  atomic.Uint64
	retries atomic.Uint64

	mu        sync.RWMutex
	observers []Observer
}

// Default is the process-wide log used by the command line.
var Default = New()

// New creates an empty log.
func New() *Log {
	return &Log{}
}

// Record appends tag to the log. It never fails.
func (l *Log) Record(tag types.Tag) uint64 {
	var next uint64
	for {
		old := l.value.Load()
		next = old<<4 | tag.Nibble()
		if l.value.CompareAndSwap(old, next) {
			break
		}
		l.retries.Add(1)
	}
	l.events.Add(1)

	l.mu.RLock()
	observers := l.observers
	l.mu.RUnlock()
	for _, o := range observers {
		o.ObserveDrop(tag, next)
	}
	return next
}

// Load returns the current packed value.
func (l *Log) Load() uint64 {
	return l.value.Load()
}

// Events returns how many Record calls completed since the last Reset.
func (l *Log) Events() uint64 {
	return l.events.Load()
}

// Retries returns how many CAS attempts lost a race since the last Reset.
func (l *Log) Retries() uint64 {
	return l.retries.Load()
}

// Reset clears the log. Call it before any worker of a run starts.
func (l *Log) Reset() {
	l.value.Store(0)
	l.events.Store(0)
	l.retries.Store(0)
}

// Subscribe registers an observer. Observers are called in subscription order.
func (l *Log) Subscribe(o Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	observers := make([]Observer, len(l.observers), len(l.observers)+1)
	copy(observers, l.observers)
	l.observers = append(observers, o)
}

// Digits decodes value into tags, oldest first. Leading zero nibbles are
// indistinguishable from an empty log, so tag 0 at the start of a run is
// not recoverable.
func Digits(value uint64) []types.Tag {
	n := DigitCount(value)
	tags := make([]types.Tag, n)
	for i := n - 1; i >= 0; i-- {
		tags[i] = types.Tag(value & 0xF)
		value >>= 4
	}
	return tags
}

// DigitCount returns the number of significant hex digits in value.
func DigitCount(value uint64) int {
	return (bits.Len64(value) + 3) / 4
}

// Encode packs tags, oldest first, the same way Record does.
func Encode(tags ...types.Tag) uint64 {
	var v uint64
	for _, t := range tags {
		v = v<<4 | t.Nibble()
	}
	return v
}

// Format renders value as 0x-prefixed hex with one underscore every 4 digits
// counted from the right, e.g. 0xa9_5678_1234.
func Format(value uint64) string {
	hex := fmt.Sprintf("%x", value)
	var b strings.Builder
	b.WriteString("0x")
	for i, r := range hex {
		if i > 0 && (len(hex)-i)%4 == 0 {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return b.String()
}
