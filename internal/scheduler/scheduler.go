// Package scheduler is the run loop that executes queued jobs.
//
// Each iteration takes at most one job under the interrupt mask: the head of
// the immediate list, or the head of the deadline list once the tick source
// reports it due. When nothing is actionable the tick source has armed its
// comparator and the caller waits for the next interrupt. The job callback
// runs after the mask is released, exactly once, and may schedule more jobs.
package scheduler

import (
	"context"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ChuLiYu/lmic-task/internal/jobqueue"
	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/internal/ticksource"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// Outcome is the result of one iteration.
type Outcome int

const (
	// Idle means no job was ready. The comparator is armed for the next deadline.
	Idle Outcome = iota
	// Ran means one job was executed.
	Ran
)

func (o Outcome) String() string {
	if o == Ran {
		return "ran"
	}
	return "idle"
}

// Observer is notified after each executed job.
type Observer interface {
	JobRan(name string)
}

// Scheduler drives a job queue from a tick source.
type Scheduler struct {
	queue    *jobqueue.Queue
	clock    *ticksource.Source
	log      *zap.SugaredLogger
	observer Observer

	wake chan struct{}
	ran  atomic.Uint64

	// comparator target of the last idle RunOnce, caller goroutine only
	armedAt types.Tick
	armed   bool
}

// New returns a scheduler over queue and clock. log and observer may be nil.
func New(queue *jobqueue.Queue, clock *ticksource.Source, log *zap.SugaredLogger, observer Observer) *Scheduler {
	return &Scheduler{
		queue:    queue,
		clock:    clock,
		log:      logger.OrNop(log),
		observer: observer,
		wake:     make(chan struct{}, 1),
	}
}

// RunOnce executes at most one ready job.
func (s *Scheduler) RunOnce() Outcome {
	s.armed = false
	j := s.queue.TakeNext(s.arm)
	if j == nil {
		return Idle
	}

	jobqueue.Run(j)
	s.ran.Add(1)
	if s.observer != nil {
		s.observer.JobRan(j.Name)
	}
	return Ran
}

func (s *Scheduler) arm(target types.Tick) bool {
	if s.clock.ArmLocked(target) {
		return true
	}
	s.armedAt, s.armed = target, true
	return false
}

// Armed returns the deadline the comparator was programmed for by the last
// RunOnce, if it went idle waiting for one. It must be called from the
// goroutine that calls RunOnce.
func (s *Scheduler) Armed() (types.Tick, bool) {
	return s.armedAt, s.armed
}

// Run keeps executing jobs until ctx is done. While idle it blocks until
// Wake is called, typically from the tick interrupt hook.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.RunOnce() == Ran {
			continue
		}
		select {
		case <-s.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Wake releases a Run blocked on an idle queue. It never blocks and is safe
// from interrupt context.
func (s *Scheduler) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// JobsRun returns the number of jobs executed.
func (s *Scheduler) JobsRun() uint64 {
	return s.ran.Load()
}
