package orchestrator

import (
	"time"

	"github.com/ChuLiYu/lmic-task/internal/arbiter"
	"github.com/ChuLiYu/lmic-task/internal/jobqueue"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// Status is a point-in-time view of the task for the host.
type Status struct {
	State           types.DutyState
	Started         bool
	Sending         bool
	Busy            bool
	AssertCalled    bool
	NextJobMs       int
	Now             types.Tick // clock at the time it stopped while sleeping
	JobsRun         uint64
	Sleeps          uint64
	Wakes           uint64
	LastCompensated time.Duration
	TicksPerSecond  float64
	Queue           jobqueue.Stats
	Arbiter         arbiter.Stats
	Pending         types.NotifyMask
}

// Status collects the observability queries into one snapshot.
func (o *Orchestrator) Status() Status {
	st := Status{
		State:           o.State(),
		Started:         o.started.Load(),
		Sending:         o.IsSending(),
		Busy:            o.IsBusy(),
		AssertCalled:    o.AssertCalled(),
		NextJobMs:       o.TimeToNextJobMs(),
		JobsRun:         o.sched.JobsRun(),
		Sleeps:          o.sleeps.Load(),
		Wakes:           o.wakes.Load(),
		LastCompensated: time.Duration(o.lastCompensated.Load()),
		TicksPerSecond:  o.TicksPerSecond(),
		Queue:           o.queue.Stats(),
		Arbiter:         o.arbiter.Stats(),
		Pending:         o.notifier.Pending(),
		Now:             o.observedNow(),
	}
	return st
}
