// ============================================================================
// lmic-task JobQueue - immediate and deadline-ordered job lists
// ============================================================================
//
// Package: internal/jobqueue
// File: queue.go
// Function: Holds deferred work for the run loop in two intrusive lists.
//
// Lists:
//   immediate - FIFO, run ahead of every timed job
//   scheduled - ordered by deadline using the signed difference, so ordering
//               survives clock wraparound; equal deadlines keep submission order
//
// Ownership:
//   Jobs are allocated and owned by the caller, usually embedded in a larger
//   struct. The queue only links them. A job is in at most one list; every
//   insert first unlinks the job wherever it is.
//
// Concurrency:
//   Interrupt handlers schedule follow-up jobs, so every operation runs with
//   the interrupt mask held. Sections are short and never block.
//
// ============================================================================

package jobqueue

import (
	"github.com/ChuLiYu/lmic-task/internal/irq"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// Func is a job callback. It receives the job that fired.
type Func func(*Job)

type membership uint8

const (
	inNone membership = iota
	inImmediate
	inScheduled
)

// Job is a unit of deferred work. The zero value is an unscheduled job.
type Job struct {
	// Name labels the job in logs.
	Name string

	deadline types.Tick
	fn       Func
	next     *Job
	list     membership
	owner    *Queue
}

// Deadline returns the tick the job was scheduled for, 0 for immediate jobs.
func (j *Job) Deadline() types.Tick {
	return j.deadline
}

func (j *Job) run() {
	j.fn(j)
}

// Stats counts queue activity.
type Stats struct {
	Immediate int
	Scheduled int
	Inserted  uint64
	Cancelled uint64
	Taken     uint64
}

// Queue is the job queue. It shares its interrupt mask with the tick source.
type Queue struct {
	mask      *irq.Mask
	immediate *Job
	scheduled *Job

	inserted  uint64
	cancelled uint64
	taken     uint64
}

// New returns an empty queue guarded by mask.
func New(mask *irq.Mask) *Queue {
	return &Queue{mask: mask}
}

// ScheduleImmediate appends job to the immediate list.
func (q *Queue) ScheduleImmediate(job *Job, cb Func) {
	mustJob(job, cb)
	q.mask.Disable()
	defer q.mask.Enable()

	q.claimLocked(job)
	job.deadline = 0
	job.fn = cb
	job.next = nil
	job.list = inImmediate
	job.owner = q

	p := &q.immediate
	for *p != nil {
		p = &(*p).next
	}
	*p = job
	q.inserted++
}

// ScheduleAt inserts job into the deadline list after every job due no later
// than deadline.
func (q *Queue) ScheduleAt(job *Job, deadline types.Tick, cb Func) {
	mustJob(job, cb)
	q.mask.Disable()
	defer q.mask.Enable()

	q.claimLocked(job)
	job.deadline = deadline
	job.fn = cb
	job.next = nil
	job.list = inScheduled
	job.owner = q

	p := &q.scheduled
	for ; *p != nil; p = &(*p).next {
		if (*p).deadline.Sub(deadline) > 0 {
			job.next = *p
			break
		}
	}
	*p = job
	q.inserted++
}

// Cancel removes job from whichever list holds it. It reports false when the
// job was not queued.
func (q *Queue) Cancel(job *Job) bool {
	q.mask.Disable()
	defer q.mask.Enable()

	if q.unlinkLocked(job) {
		q.cancelled++
		return true
	}
	return false
}

// PeekNext returns the job that would run next without removing it: the head
// of the immediate list, else the head of the deadline list.
func (q *Queue) PeekNext() *Job {
	q.mask.Disable()
	defer q.mask.Enable()
	return q.peekLocked()
}

// Next describes the job PeekNext would return.
type Next struct {
	Name      string
	Immediate bool
	Deadline  types.Tick
}

// PeekInfo returns a copy of the next job's scheduling data, safe to use
// after the mask is released.
func (q *Queue) PeekInfo() (Next, bool) {
	q.mask.Disable()
	defer q.mask.Enable()

	j := q.peekLocked()
	if j == nil {
		return Next{}, false
	}
	return Next{Name: j.Name, Immediate: j.list == inImmediate, Deadline: j.deadline}, true
}

func (q *Queue) peekLocked() *Job {
	if q.immediate != nil {
		return q.immediate
	}
	return q.scheduled
}

// TakeNext removes and returns the job to run now: the immediate head, or the
// deadline head when due reports its deadline as reached. due runs with the
// mask held and must not block. It returns nil when nothing is actionable.
func (q *Queue) TakeNext(due func(types.Tick) bool) *Job {
	q.mask.Disable()
	defer q.mask.Enable()

	var j *Job
	switch {
	case q.immediate != nil:
		j = q.immediate
		q.immediate = j.next
	case q.scheduled != nil && due(q.scheduled.deadline):
		j = q.scheduled
		q.scheduled = j.next
	default:
		return nil
	}
	j.next = nil
	j.list = inNone
	j.owner = nil
	q.taken++
	return j
}

// Contains reports whether job is queued on q.
func (q *Queue) Contains(job *Job) bool {
	q.mask.Disable()
	defer q.mask.Enable()
	return job.owner == q && job.list != inNone
}

// Len returns the number of queued jobs.
func (q *Queue) Len() int {
	s := q.Stats()
	return s.Immediate + s.Scheduled
}

// Stats returns list lengths and counters.
func (q *Queue) Stats() Stats {
	q.mask.Disable()
	defer q.mask.Enable()

	return Stats{
		Immediate: count(q.immediate),
		Scheduled: count(q.scheduled),
		Inserted:  q.inserted,
		Cancelled: q.cancelled,
		Taken:     q.taken,
	}
}

// Run invokes the job callback. The run loop calls it outside the mask.
func Run(j *Job) {
	j.run()
}

// claimLocked unlinks job from q before it is rescheduled. A job still
// queued on another queue is a programming error: that queue's mask is not
// held here.
func (q *Queue) claimLocked(job *Job) {
	if job.owner != nil && job.owner != q {
		panic("jobqueue: job is queued on another queue")
	}
	q.unlinkLocked(job)
}

func (q *Queue) unlinkLocked(job *Job) bool {
	if job.owner != q {
		return false
	}
	var head **Job
	switch job.list {
	case inImmediate:
		head = &q.immediate
	case inScheduled:
		head = &q.scheduled
	default:
		return false
	}
	for p := head; *p != nil; p = &(*p).next {
		if *p == job {
			*p = job.next
			job.next = nil
			job.list = inNone
			job.owner = nil
			return true
		}
	}
	job.list = inNone
	job.owner = nil
	return false
}

func count(j *Job) int {
	n := 0
	for ; j != nil; j = j.next {
		n++
	}
	return n
}

func mustJob(job *Job, cb Func) {
	if job == nil {
		panic("jobqueue: nil job")
	}
	if cb == nil {
		panic("jobqueue: nil callback")
	}
}
