package orchestrator

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/lmic-task/internal/jobqueue"
	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// benchmark measures the tick rate against the wall clock with a periodic
// job, so it also shows how late the loop runs its jobs.
type benchmark struct {
	o        *Orchestrator
	job      jobqueue.Job
	period   uint32
	lastTick types.Tick
	lastWall time.Time
	rate     atomic.Uint64 // float64 bits, ticks per wall second
	queue    *jobqueue.Queue
}

// StartBenchmark logs the measured ticks per second every period of logical
// time. It must be called after Start.
func (o *Orchestrator) StartBenchmark(period time.Duration) {
	b := &o.bench
	b.o = o
	b.queue = o.queue
	b.period = o.durationToTicks(period)
	if b.period == 0 {
		b.period = o.clock.TicksPerSecond()
	}
	b.job.Name = "bench"
	b.lastTick = o.clock.Now()
	b.lastWall = o.wall()
	o.queue.ScheduleAt(&b.job, b.lastTick.Add(b.period), b.fire)
}

// TicksPerSecond returns the last benchmark measurement, 0 before the first.
func (o *Orchestrator) TicksPerSecond() float64 {
	return math.Float64frombits(o.bench.rate.Load())
}

func (b *benchmark) fire(j *jobqueue.Job) {
	now := b.o.clock.Now()
	wall := b.o.wall()
	elapsed := wall.Sub(b.lastWall)
	if elapsed > 0 {
		rate := float64(now.Sub(b.lastTick)) / elapsed.Seconds()
		b.rate.Store(math.Float64bits(rate))
		b.o.log.Infow("ticks per second", logger.FieldTicks, int64(rate))
	}
	b.lastTick, b.lastWall = now, wall
	b.queue.ScheduleAt(j, now.Add(b.period), b.fire)
}

func (b *benchmark) stop() {
	if b.queue != nil {
		b.queue.Cancel(&b.job)
	}
}
