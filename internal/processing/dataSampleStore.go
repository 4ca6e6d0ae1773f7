package processing

import (
	"sync"
	"time"
)

// Latest is a single slot store: writers overwrite, readers never block on
// anything but the mutex. It carries the presentation driver's current label
// and the most recent sample for telemetry.
type Latest[T any] struct {
	mu      sync.Mutex
	value   T
	set     bool
	updated time.Time
}

func (l *Latest[T]) Update(v T) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.value = v
	l.set = true
	l.updated = time.Now()
}

// Get returns the last value and whether one was ever stored.
func (l *Latest[T]) Get() (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.value, l.set
}

func (l *Latest[T]) Updated() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.updated
}

func (l *Latest[T]) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero T
	l.value = zero
	l.set = false
}

// LabelStore is the label slot shared with the presentation driver.
type LabelStore = Latest[Label]
