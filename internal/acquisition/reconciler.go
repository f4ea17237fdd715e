// Package acquisition turns periodic reads of the controller's small sample
// ring into one continuous, gap-free torque series.
package acquisition

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Sample is one torque reading in N·m. Its time is its index times the
// device sampling period.
type Sample float64

// ErrRingOverrun matches every *OverrunError.
var ErrRingOverrun = errors.New("device ring overrun")

// OverrunError reports that more time passed between two polls than the
// device ring can cover. A full rotation reads as no progress, so the
// threshold is the ring capacity itself. The samples were appended anyway;
// some of the device's output between the polls is missing from the series.
type OverrunError struct {
	Elapsed  time.Duration
	Produced int // device samples expected in Elapsed
	Capacity int
}

func (e *OverrunError) Error() string {
	return fmt.Sprintf("ring overrun: %v since last poll is ~%d samples, ring holds %d", e.Elapsed, e.Produced, e.Capacity)
}

func (e *OverrunError) Is(target error) bool { return target == ErrRingOverrun }

// Offset returns how many samples the device produced between two cursor
// readings, assuming it wrapped at most once.
func Offset(prev, curr, ringCap int) int {
	if curr >= prev {
		return curr - prev
	}
	return ringCap + curr - prev
}

// RetentionBuffer is the fixed-capacity local series. It never grows:
// making room drops the oldest ring-capacity block.
type RetentionBuffer struct {
	mu   sync.RWMutex
	data []Sample
	head int
}

// NewRetentionBuffer allocates a buffer of the given capacity.
func NewRetentionBuffer(capacity int) *RetentionBuffer {
	return &RetentionBuffer{data: make([]Sample, capacity)}
}

// Cap returns the buffer capacity.
func (b *RetentionBuffer) Cap() int { return len(b.data) }

// Len returns the number of retained samples.
func (b *RetentionBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.head
}

// Tail returns a copy of the newest n samples, oldest first.
func (b *RetentionBuffer) Tail(n int) []Sample {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if n > b.head {
		n = b.head
	}
	if n <= 0 {
		return nil
	}
	out := make([]Sample, n)
	copy(out, b.data[b.head-n:b.head])
	return out
}

// Snapshot returns a copy of every retained sample.
func (b *RetentionBuffer) Snapshot() []Sample {
	return b.Tail(b.Cap())
}

// Last returns the newest and the one before it. ok is false until two
// samples are retained.
func (b *RetentionBuffer) Last() (latest, previous Sample, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.head < 2 {
		return 0, 0, false
	}
	return b.data[b.head-1], b.data[b.head-2], true
}

// append writes samples at the head, compacting first when fewer than
// block free slots remain.
func (b *RetentionBuffer) append(samples []Sample, block int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.data)
	if b.head+block > capacity {
		copy(b.data, b.data[block:b.head])
		b.head -= block
		if b.head > capacity-block {
			b.head = capacity - block
		}
		clear(b.data[b.head:])
	}
	copy(b.data[b.head:], samples)
	b.head += len(samples)
}

// Reconciler holds the poll state: the previous cursor and, through the
// buffer, the local write head.
type Reconciler struct {
	buf          *RetentionBuffer
	ringCap      int
	devicePeriod time.Duration

	prev   int
	primed bool
}

// NewReconciler binds a reconciler to buf. The buffer must hold at least
// three ring blocks so a compaction always leaves the newest block intact.
func NewReconciler(buf *RetentionBuffer, ringCap int, devicePeriod time.Duration) (*Reconciler, error) {
	if ringCap <= 0 {
		return nil, fmt.Errorf("ring capacity must be positive, got %d", ringCap)
	}
	if buf.Cap() < 3*ringCap {
		return nil, fmt.Errorf("retention capacity %d below three ring blocks (%d)", buf.Cap(), 3*ringCap)
	}
	return &Reconciler{buf: buf, ringCap: ringCap, devicePeriod: devicePeriod}, nil
}

// Apply appends the samples the device produced since the previous call.
// snapshot is the ring in device order and cursor the device's next write
// slot. The first call only records the cursor. elapsed is the time since
// the previous call; zero disables overrun detection.
//
// A malformed snapshot or cursor is rejected without touching any state.
// An overrun still appends and advances, then returns *OverrunError.
func (r *Reconciler) Apply(snapshot []Sample, cursor int, elapsed time.Duration) (int, error) {
	if len(snapshot) != r.ringCap {
		return 0, fmt.Errorf("snapshot holds %d samples, ring capacity is %d", len(snapshot), r.ringCap)
	}
	if cursor < 0 || cursor >= r.ringCap {
		return 0, fmt.Errorf("cursor %d outside ring [0,%d)", cursor, r.ringCap)
	}

	if !r.primed {
		r.prev = cursor
		r.primed = true
		return 0, nil
	}

	offset := Offset(r.prev, cursor, r.ringCap)
	r.prev = cursor
	if offset > 0 {
		ordered := make([]Sample, 0, r.ringCap)
		ordered = append(ordered, snapshot[cursor:]...)
		ordered = append(ordered, snapshot[:cursor]...)
		r.buf.append(ordered[r.ringCap-offset:], r.ringCap)
	}

	if err := r.Overrun(elapsed); err != nil {
		return offset, err
	}
	return offset, nil
}

// Overrun returns *OverrunError when elapsed covers a full ring rotation
// or more, nil otherwise.
func (r *Reconciler) Overrun(elapsed time.Duration) error {
	if elapsed <= 0 || r.devicePeriod <= 0 {
		return nil
	}
	if produced := int(elapsed / r.devicePeriod); produced >= r.ringCap {
		return &OverrunError{Elapsed: elapsed, Produced: produced, Capacity: r.ringCap}
	}
	return nil
}

// Reset forgets the previous cursor; the next Apply primes again.
func (r *Reconciler) Reset() {
	r.primed = false
}
