package orchestrator

import (
	"context"
	"math"
	"time"

	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/internal/notify"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

func (o *Orchestrator) loop(ctx context.Context) {
	for {
		bits, err := o.notifier.Wait(ctx, o.waitTimeout())
		if err != nil {
			o.log.Infow("task stopped", logger.FieldError, err)
			return
		}
		o.iterate(bits)
	}
}

// waitTimeout is the time until the earliest deadline minus the margin.
// Immediate and overdue jobs give 0, an empty queue waits forever.
// It runs on the loop goroutine.
func (o *Orchestrator) waitTimeout() time.Duration {
	if o.State() == types.StateSleeping {
		return notify.Forever
	}
	next, ok := o.queue.PeekInfo()
	if !ok {
		return notify.Forever
	}
	if next.Immediate {
		return 0
	}
	d := next.Deadline.Sub(o.clock.Now())
	if d <= 0 {
		return 0
	}
	wait := time.Duration(o.clock.TicksToMs(d)) * time.Millisecond
	if wait > o.cfg.WaitMargin {
		return wait - o.cfg.WaitMargin
	}
	// Inside the margin the comparator interrupt ends the wait. Until the
	// scheduler has armed it for this deadline, go round once more.
	if at, ok := o.sched.Armed(); ok && at == next.Deadline {
		return notify.Forever
	}
	return 0
}

func (o *Orchestrator) iterate(bits types.NotifyMask) {
	if o.obs != nil {
		o.obs.Iteration(bits)
	}

	if bits.Has(types.NotifySleep) && o.State() == types.StateRunning {
		o.enterSleep()
	}
	if bits.Has(types.NotifyWake) && o.State() == types.StateSleeping {
		o.leaveSleep()
	}
	if o.State() == types.StateSleeping {
		return
	}

	if tx, ok := o.arbiter.Drain(); ok {
		o.log.Infow("sending queued packet",
			logger.FieldTick, uint32(o.clock.Now()),
			logger.FieldPort, tx.Port,
			logger.FieldLength, len(tx.Data),
			logger.FieldConfirmed, tx.Confirmed)
		if err := o.mac.Transmit(tx.Port, tx.Data, tx.Confirmed); err != nil {
			o.log.Errorw("transmit rejected by mac", logger.FieldError, err)
			o.arbiter.Complete()
		} else if o.obs != nil {
			o.obs.Transmitted(len(tx.Data))
		}
	}

	if irqs := bits & types.NotifyRadioIRQ; irqs != 0 {
		o.log.Debugw("radio irq", logger.FieldNotify, irqs.String(), logger.FieldTick, uint32(o.clock.Now()))
		return
	}

	if next, ok := o.queue.PeekInfo(); ok {
		o.jobsPending.Store(true)
		if next.Immediate {
			o.log.Debugw("next job", "job", next.Name, logger.FieldInMs, 0)
		} else {
			o.log.Debugw("next job",
				"job", next.Name,
				logger.FieldDeadline, uint32(next.Deadline),
				logger.FieldInMs, o.clock.TicksToMs(next.Deadline.Sub(o.clock.Now())))
		}
	} else {
		o.jobsPending.Store(false)
	}

	if o.assertCalled.Load() {
		o.log.Errorw("mac assert called")
	}

	o.sched.RunOnce()
}

func (o *Orchestrator) enterSleep() {
	o.sleepTick.Store(uint32(o.clock.Now()))
	o.clock.Stop()
	o.sleptAt = o.wall()
	o.sleeps.Add(1)

	o.sleepMu.Lock()
	o.setState(types.StateSleeping)
	if o.asleep != nil {
		close(o.asleep)
		o.asleep = nil
	}
	o.sleepMu.Unlock()
	o.log.Infow("sleeping", logger.FieldTick, o.sleepTick.Load())
}

func (o *Orchestrator) leaveSleep() {
	o.clock.Start()

	skip := o.wall().Sub(o.sleptAt)
	if skip > o.cfg.MaxCompensation {
		skip = o.cfg.MaxCompensation
	}
	// stay below half the tick range or deadlines that passed would look
	// far in the future
	if limit := time.Duration(math.MaxInt32/int64(o.clock.TicksPerSecond())) * time.Second; skip > limit {
		skip = limit
	}
	if skip < 0 {
		skip = 0
	}
	ticks := o.durationToTicks(skip)
	o.log.Infow("skipping time spent sleeping",
		logger.FieldSeconds, skip.Seconds(), logger.FieldTicks, ticks)
	o.clock.Advance(ticks)
	o.lastCompensated.Store(int64(skip))
	if o.obs != nil {
		o.obs.SleepCompensated(skip)
	}

	o.wakes.Add(1)
	o.setState(types.StateRunning)
	o.log.Infow("running", logger.FieldTick, uint32(o.clock.Now()))
}

func (o *Orchestrator) durationToTicks(d time.Duration) uint32 {
	tps := int64(o.clock.TicksPerSecond())
	sec := int64(d / time.Second)
	frac := int64(d % time.Second)
	return uint32(sec*tps + frac*tps/int64(time.Second))
}
