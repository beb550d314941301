// ============================================================================
// lmic-task TickSource - logical clock over a 16-bit hardware counter
// ============================================================================
//
// Package: internal/ticksource
// File: ticksource.go
// Function: Builds a monotonic 32-bit tick count from a free-running 16-bit
//           timer plus an overflow word incremented by the timer interrupt.
//
// Clock layout:
//   clock = overflows<<16 | counter
//
//   The pair is read with interrupts masked. If the overflow flag is already
//   raised but the interrupt has not run yet, the counter is sampled again and
//   the pending overflow is counted. The interrupt increments the word later,
//   so an overflow is never counted twice and never missed.
//
// Comparator:
//   Arm(target) either reports the target as due (fewer than ArmThreshold
//   ticks away) or programs the compare register so the timer interrupt wakes
//   the task at the target.
//
// Sleep:
//   Stop()/Start() gate the hardware counter. While stopped Now() must not be
//   called. After a sleep the gap is injected with Advance(ticks).
//
// ============================================================================

package ticksource

import (
	"sync/atomic"

	"github.com/ChuLiYu/lmic-task/internal/irq"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// ArmThreshold is the distance, in ticks, under which a target counts as due.
const ArmThreshold = 5

// DefaultTicksPerSecond matches a 32.768 kHz low-speed oscillator.
const DefaultTicksPerSecond = 32768

// Timer is the hardware timer behind the tick source.
type Timer interface {
	// Counter returns the current 16-bit counter value.
	Counter() uint16
	// SetCounter loads the counter.
	SetCounter(v uint16)
	// OverflowPending reports a raised, unserviced overflow flag.
	OverflowPending() bool
	// ClearOverflow clears the overflow flag.
	ClearOverflow()
	// ClearCompare clears the compare-match flag.
	ClearCompare()
	// SetCompare programs the compare register.
	SetCompare(v uint16)
	// EnableCompare enables or disables the compare interrupt.
	EnableCompare(on bool)
	// SetRunning starts or stops counting.
	SetRunning(on bool)
}

// Attacher is implemented by timers that deliver their interrupt by calling a
// handler, such as SimTimer.
type Attacher interface {
	Attach(isr func())
}

// Source is the logical clock. All state shared with the interrupt handler is
// accessed under the interrupt mask.
type Source struct {
	mask      *irq.Mask
	hw        Timer
	perSecond uint32

	overflows uint32 // guarded by mask
	running   atomic.Bool
	onTick    atomic.Pointer[func()]
}

// New returns a running Source over hw. Timers implementing Attacher get
// HandleIRQ attached as their interrupt handler.
func New(hw Timer, mask *irq.Mask, ticksPerSecond uint32) *Source {
	if ticksPerSecond == 0 {
		ticksPerSecond = DefaultTicksPerSecond
	}
	s := &Source{mask: mask, hw: hw, perSecond: ticksPerSecond}
	if a, ok := hw.(Attacher); ok {
		a.Attach(s.HandleIRQ)
	}

	mask.Do(func() {
		hw.SetCounter(0)
		hw.ClearOverflow()
		hw.ClearCompare()
		s.overflows = 0
		hw.SetRunning(true)
	})
	s.running.Store(true)
	return s
}

// OnTick registers fn to run after every timer interrupt, outside the mask.
func (s *Source) OnTick(fn func()) {
	s.onTick.Store(&fn)
}

// Mask returns the interrupt mask the source shares with the job queue.
func (s *Source) Mask() *irq.Mask {
	return s.mask
}

// Now returns the logical clock. It panics when the source is stopped.
func (s *Source) Now() types.Tick {
	s.mustRun()
	s.mask.Disable()
	t := s.nowLocked()
	s.mask.Enable()
	return t
}

// Peek is Now for observers that may race with Stop. It reports false
// instead of panicking when the source is stopped.
func (s *Source) Peek() (types.Tick, bool) {
	s.mask.Disable()
	defer s.mask.Enable()
	if !s.running.Load() {
		return 0, false
	}
	return s.nowLocked(), true
}

// NowLocked is Now for callers already holding the mask.
func (s *Source) NowLocked() types.Tick {
	s.mustRun()
	return s.nowLocked()
}

func (s *Source) nowLocked() types.Tick {
	t := s.overflows
	cnt := s.hw.Counter()
	if s.hw.OverflowPending() {
		// The overflow happened before or during the read. Count it here and
		// leave the update of the word to the interrupt.
		cnt = s.hw.Counter()
		t++
	}
	return types.Tick(t<<16 | uint32(cnt))
}

// Advance moves the clock forward by ticks. Whole counter periods go to the
// overflow word, the rest is carried into the hardware counter.
func (s *Source) Advance(ticks uint32) {
	s.mask.Do(func() {
		s.overflows += ticks >> 16
		sum := uint32(s.hw.Counter()) + ticks&0xFFFF
		if sum > 0xFFFF {
			s.overflows++
		}
		s.hw.SetCounter(uint16(sum))
	})
}

// DeltaTicks returns the distance to target: 0 for the past, 0xFFFF for
// anything a full counter period or more ahead.
func (s *Source) DeltaTicks(target types.Tick) uint16 {
	s.mask.Disable()
	defer s.mask.Enable()
	return s.deltaLocked(target)
}

func (s *Source) deltaLocked(target types.Tick) uint16 {
	d := target.Sub(s.NowLocked())
	if d <= 0 {
		return 0
	}
	if d>>16 != 0 {
		return 0xFFFF
	}
	return uint16(d)
}

// Arm reports whether target is due. Otherwise it programs the comparator to
// interrupt at target, or after a full period when target is further away.
func (s *Source) Arm(target types.Tick) bool {
	s.mask.Disable()
	defer s.mask.Enable()
	return s.ArmLocked(target)
}

// ArmLocked is Arm for callers already holding the mask.
func (s *Source) ArmLocked(target types.Tick) bool {
	s.hw.ClearCompare()
	dt := s.deltaLocked(target)
	if dt < ArmThreshold {
		s.hw.EnableCompare(false)
		return true
	}
	s.hw.SetCompare(s.hw.Counter() + dt)
	s.hw.EnableCompare(true)
	return false
}

// HandleIRQ is the timer interrupt handler.
func (s *Source) HandleIRQ() {
	s.mask.Do(func() {
		if s.hw.OverflowPending() {
			s.overflows++
		}
		s.hw.ClearOverflow()
		s.hw.ClearCompare()
	})
	if fn := s.onTick.Load(); fn != nil {
		(*fn)()
	}
}

// Stop halts the hardware counter.
func (s *Source) Stop() {
	s.mask.Do(func() {
		s.hw.SetRunning(false)
		s.running.Store(false)
	})
}

// Start resumes the hardware counter.
func (s *Source) Start() {
	s.mask.Do(func() {
		s.hw.SetRunning(true)
		s.running.Store(true)
	})
}

// Running reports whether the counter is running.
func (s *Source) Running() bool {
	return s.running.Load()
}

// TicksPerSecond returns the tick rate.
func (s *Source) TicksPerSecond() uint32 {
	return s.perSecond
}

// MsToTicks converts milliseconds to ticks.
func (s *Source) MsToTicks(ms int64) int64 {
	return ms * int64(s.perSecond) / 1000
}

// TicksToMs converts a signed tick distance to milliseconds.
func (s *Source) TicksToMs(ticks int32) int64 {
	return int64(ticks) * 1000 / int64(s.perSecond)
}

// SecToTicks converts whole seconds to ticks.
func (s *Source) SecToTicks(sec int64) uint32 {
	return uint32(sec * int64(s.perSecond))
}

func (s *Source) mustRun() {
	if !s.running.Load() {
		panic("ticksource: clock read while the tick source is stopped")
	}
}
