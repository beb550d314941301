// Package irq models the interrupt mask shared by task and interrupt context.
//
// Code running in "interrupt context" (timer and radio handler goroutines) and
// code running in the task both take the same Mask before touching the job
// queue or the logical clock. While one side holds it the other cannot run,
// which is exactly what disabling interrupts guarantees on the target.
//
// Sections must stay short and never block. Every section is timed and
// sections exceeding MaxCriticalSection are counted as overruns.
package irq

import (
	"sync"
	"sync/atomic"
	"time"
)

// MaxCriticalSection is the longest a masked section may last.
const MaxCriticalSection = 200 * time.Microsecond

// Mask is a non-reentrant interrupt mask. The zero value is ready to use.
type Mask struct {
	mu      sync.Mutex
	now     func() time.Time
	entered time.Time

	longest  atomic.Int64
	overruns atomic.Uint64
}

// NewMask returns a Mask timed with clock. A nil clock uses time.Now.
func NewMask(clock func() time.Time) *Mask {
	return &Mask{now: clock}
}

// Disable masks interrupts. It must be paired with Enable.
func (m *Mask) Disable() {
	m.mu.Lock()
	m.entered = m.clock()()
}

// Enable unmasks interrupts and records the section duration.
func (m *Mask) Enable() {
	d := m.clock()().Sub(m.entered)
	m.mu.Unlock()

	for {
		cur := m.longest.Load()
		if int64(d) <= cur || m.longest.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
	if d > MaxCriticalSection {
		m.overruns.Add(1)
	}
}

// Do runs fn with interrupts masked.
func (m *Mask) Do(fn func()) {
	m.Disable()
	defer m.Enable()
	fn()
}

// Longest returns the longest masked section observed so far.
func (m *Mask) Longest() time.Duration {
	return time.Duration(m.longest.Load())
}

// Overruns returns how many sections exceeded MaxCriticalSection.
func (m *Mask) Overruns() uint64 {
	return m.overruns.Load()
}

func (m *Mask) clock() func() time.Time {
	if m.now == nil {
		return time.Now
	}
	return m.now
}
