package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lmic-task/internal/irq"
	"github.com/ChuLiYu/lmic-task/internal/jobqueue"
	"github.com/ChuLiYu/lmic-task/internal/ticksource"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

type fixture struct {
	hw    *ticksource.SimTimer
	clock *ticksource.Source
	queue *jobqueue.Queue
	sched *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mask := &irq.Mask{}
	hw := ticksource.NewSimTimer()
	clock := ticksource.New(hw, mask, ticksource.DefaultTicksPerSecond)
	queue := jobqueue.New(mask)
	return &fixture{hw: hw, clock: clock, queue: queue, sched: New(queue, clock, nil, nil)}
}

type firing struct {
	name string
	at   types.Tick
}

type recordingObserver struct {
	mu    sync.Mutex
	names []string
}

func (r *recordingObserver) JobRan(name string) {
	r.mu.Lock()
	r.names = append(r.names, name)
	r.mu.Unlock()
}

func TestJobsFireInDeadlineOrderNotBeforeDeadline(t *testing.T) {
	f := newFixture(t)
	var fired []firing
	record := func(j *jobqueue.Job) {
		fired = append(fired, firing{j.Name, f.clock.Now()})
	}

	jobs := []*jobqueue.Job{{Name: "100"}, {Name: "50a"}, {Name: "50b"}, {Name: "200"}}
	deadlines := []types.Tick{100, 50, 50, 200}
	for i, j := range jobs {
		f.queue.ScheduleAt(j, deadlines[i], record)
	}

	for step := 0; step < 300; step++ {
		for f.sched.RunOnce() == Ran {
		}
		f.hw.Step(1)
	}

	require.Len(t, fired, 4)
	assert.Equal(t, "50a", fired[0].name)
	assert.Equal(t, "50b", fired[1].name)
	assert.Equal(t, "100", fired[2].name)
	assert.Equal(t, "200", fired[3].name)
	for i, fr := range fired {
		// Arm treats a target fewer than ArmThreshold ticks away as due.
		assert.GreaterOrEqual(t, fr.at.Sub(deadlines[indexOf(jobs, fr.name)]), int32(-(ticksource.ArmThreshold - 1)),
			"firing %d (%s) too early at %d", i, fr.name, fr.at)
	}
}

func indexOf(jobs []*jobqueue.Job, name string) int {
	for i, j := range jobs {
		if j.Name == name {
			return i
		}
	}
	return -1
}

func TestRunOnceRunsSingleJob(t *testing.T) {
	f := newFixture(t)
	count := 0
	for i := 0; i < 3; i++ {
		f.queue.ScheduleImmediate(&jobqueue.Job{}, func(*jobqueue.Job) { count++ })
	}

	assert.Equal(t, Ran, f.sched.RunOnce())
	assert.Equal(t, 1, count)
	assert.Equal(t, 2, f.queue.Len())
}

func TestImmediateBeatsDueTimedJob(t *testing.T) {
	f := newFixture(t)
	var order []string
	rec := func(j *jobqueue.Job) { order = append(order, j.Name) }

	f.queue.ScheduleAt(&jobqueue.Job{Name: "timed"}, 0, rec)
	f.queue.ScheduleImmediate(&jobqueue.Job{Name: "irq"}, rec)

	f.sched.RunOnce()
	f.sched.RunOnce()
	assert.Equal(t, []string{"irq", "timed"}, order)
}

func TestIdleArmsComparator(t *testing.T) {
	f := newFixture(t)
	f.queue.ScheduleAt(&jobqueue.Job{}, 1000, func(*jobqueue.Job) {})

	assert.Equal(t, Idle, f.sched.RunOnce())
	cmp, on := f.hw.CompareArmed()
	assert.True(t, on)
	assert.Equal(t, uint16(1000), cmp)

	at, ok := f.sched.Armed()
	assert.True(t, ok)
	assert.Equal(t, types.Tick(1000), at)
}

func TestArmedClearedWhenJobRuns(t *testing.T) {
	f := newFixture(t)
	f.queue.ScheduleAt(&jobqueue.Job{}, 100, func(*jobqueue.Job) {})
	require.Equal(t, Idle, f.sched.RunOnce())

	f.hw.Step(100)
	require.Equal(t, Ran, f.sched.RunOnce())
	_, ok := f.sched.Armed()
	assert.False(t, ok)

	require.Equal(t, Idle, f.sched.RunOnce())
	_, ok = f.sched.Armed()
	assert.False(t, ok, "empty queue arms nothing")
}

func TestCallbackMayRescheduleItself(t *testing.T) {
	f := newFixture(t)
	runs := 0
	var cb jobqueue.Func
	cb = func(j *jobqueue.Job) {
		runs++
		if runs < 3 {
			f.queue.ScheduleAt(j, f.clock.Now().Add(10), cb)
		}
	}
	f.queue.ScheduleImmediate(&jobqueue.Job{Name: "periodic"}, cb)

	for i := 0; i < 100; i++ {
		f.sched.RunOnce()
		f.hw.Step(1)
	}
	assert.Equal(t, 3, runs)
	assert.Equal(t, uint64(3), f.sched.JobsRun())
}

func TestObserverSeesEveryJob(t *testing.T) {
	mask := &irq.Mask{}
	hw := ticksource.NewSimTimer()
	clock := ticksource.New(hw, mask, 0)
	queue := jobqueue.New(mask)
	obs := &recordingObserver{}
	s := New(queue, clock, nil, obs)

	queue.ScheduleImmediate(&jobqueue.Job{Name: "a"}, func(*jobqueue.Job) {})
	queue.ScheduleImmediate(&jobqueue.Job{Name: "b"}, func(*jobqueue.Job) {})
	s.RunOnce()
	s.RunOnce()
	assert.Equal(t, []string{"a", "b"}, obs.names)
}

func TestRunWakesOnTickInterrupt(t *testing.T) {
	f := newFixture(t)
	f.clock.OnTick(f.sched.Wake)

	done := make(chan struct{})
	f.queue.ScheduleAt(&jobqueue.Job{}, 500, func(*jobqueue.Job) { close(done) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- f.sched.Run(ctx) }()

	// give the loop time to go idle, then let the comparator fire
	time.Sleep(10 * time.Millisecond)
	f.hw.Step(500)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run after comparator interrupt")
	}

	cancel()
	assert.ErrorIs(t, <-errCh, context.Canceled)
}
