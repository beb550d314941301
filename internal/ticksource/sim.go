package ticksource

import (
	"context"
	"sync"
	"time"
)

// SimTimer is a software Timer. Ticks are injected with Step, which raises
// the overflow and compare flags and calls the attached interrupt handler the
// way the hardware would.
type SimTimer struct {
	mu        sync.Mutex
	counter   uint16
	compare   uint16
	compareOn bool
	overflow  bool
	match     bool
	running   bool
	isr       func()
}

// NewSimTimer returns a stopped simulated timer.
func NewSimTimer() *SimTimer {
	return &SimTimer{}
}

func (t *SimTimer) Attach(isr func()) {
	t.mu.Lock()
	t.isr = isr
	t.mu.Unlock()
}

func (t *SimTimer) Counter() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.counter
}

func (t *SimTimer) SetCounter(v uint16) {
	t.mu.Lock()
	t.counter = v
	t.mu.Unlock()
}

func (t *SimTimer) OverflowPending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.overflow
}

func (t *SimTimer) ClearOverflow() {
	t.mu.Lock()
	t.overflow = false
	t.mu.Unlock()
}

func (t *SimTimer) ClearCompare() {
	t.mu.Lock()
	t.match = false
	t.mu.Unlock()
}

func (t *SimTimer) SetCompare(v uint16) {
	t.mu.Lock()
	t.compare = v
	t.mu.Unlock()
}

func (t *SimTimer) EnableCompare(on bool) {
	t.mu.Lock()
	t.compareOn = on
	t.mu.Unlock()
}

func (t *SimTimer) SetRunning(on bool) {
	t.mu.Lock()
	t.running = on
	t.mu.Unlock()
}

// CompareArmed reports whether the compare interrupt is enabled and its target.
func (t *SimTimer) CompareArmed() (uint16, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.compare, t.compareOn
}

// Step advances the counter by n ticks, delivering an interrupt at every
// overflow and compare match. It does nothing while the timer is stopped.
func (t *SimTimer) Step(n uint32) {
	t.step(n, true)
}

// StepNoIRQ advances the counter like Step but leaves raised flags pending
// without running the handler, as if interrupts were delayed. RaiseIRQ
// delivers them.
func (t *SimTimer) StepNoIRQ(n uint32) {
	t.step(n, false)
}

// RaiseIRQ runs the attached handler once.
func (t *SimTimer) RaiseIRQ() {
	t.mu.Lock()
	isr := t.isr
	t.mu.Unlock()
	if isr != nil {
		isr()
	}
}

func (t *SimTimer) step(n uint32, deliver bool) {
	for n > 0 {
		t.mu.Lock()
		if !t.running {
			t.mu.Unlock()
			return
		}
		toOverflow := 0x10000 - uint32(t.counter)
		chunk := min(n, toOverflow)
		toCompare := uint32(0)
		if t.compareOn {
			toCompare = uint32(t.compare - t.counter)
			if toCompare == 0 {
				toCompare = 0x10000
			}
			chunk = min(chunk, toCompare)
		}

		t.counter += uint16(chunk)
		fire := false
		if chunk == toOverflow {
			t.overflow = true
			fire = true
		}
		if t.compareOn && chunk == toCompare {
			t.match = true
			fire = true
		}
		isr := t.isr
		n -= chunk
		t.mu.Unlock()

		if fire && deliver && isr != nil {
			isr()
		}
	}
}

// Drive advances the timer from wall time at ticksPerSecond until ctx is
// done. Sub-tick remainders are carried between steps.
func (t *SimTimer) Drive(ctx context.Context, ticksPerSecond uint32) {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()

	last := time.Now()
	var acc time.Duration
	tickDur := time.Second / time.Duration(ticksPerSecond)
	if tickDur <= 0 {
		tickDur = 1
	}

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			acc += now.Sub(last)
			last = now
			n := uint32(acc / tickDur)
			if n == 0 {
				continue
			}
			acc %= tickDur
			t.Step(n)
		}
	}
}
