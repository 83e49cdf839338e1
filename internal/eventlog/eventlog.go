// Package eventlog keeps a bounded, in-memory history. Once full, the oldest
// entry is overwritten.
package eventlog

import "sync"

// Log is a fixed-capacity ring safe for concurrent use.
type Log[T any] struct {
	mu      sync.RWMutex
	entries []T
	next    int
	full    bool
	total   uint64
}

// New creates a log holding at most capacity entries.
func New[T any](capacity int) *Log[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Log[T]{entries: make([]T, capacity)}
}

// Append adds an entry, evicting the oldest one when full.
func (l *Log[T]) Append(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.entries[l.next] = v
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	l.total++
}

// Len is the number of entries currently held.
func (l *Log[T]) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lenLocked()
}

func (l *Log[T]) lenLocked() int {
	if l.full {
		return len(l.entries)
	}
	return l.next
}

// Total counts every entry ever appended, including evicted ones.
func (l *Log[T]) Total() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.total
}

// Recent returns up to n entries, newest first. n <= 0 returns all.
func (l *Log[T]) Recent(n int) []T {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.lenLocked()
	if n <= 0 || n > size {
		n = size
	}
	out := make([]T, 0, n)
	for i := 1; i <= n; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		out = append(out, l.entries[idx])
	}
	return out
}

// Find returns the newest entry matching pred.
func (l *Log[T]) Find(pred func(T) bool) (T, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	size := l.lenLocked()
	for i := 1; i <= size; i++ {
		idx := (l.next - i + len(l.entries)) % len(l.entries)
		if pred(l.entries[idx]) {
			return l.entries[idx], true
		}
	}
	var zero T
	return zero, false
}
