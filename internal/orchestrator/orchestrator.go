// ============================================================================
// lmic-task Orchestrator - duty-cycled radio task
// ============================================================================
//
// Package: internal/orchestrator
// File: orchestrator.go
// Function: The single task that owns the job queue. It waits on a merged
//           notification mask, moves queued payloads into the MAC, runs one
//           job per iteration and implements the sleep/wake protocol.
//
// Loop:
//   1. wait for notifications, at most until the earliest deadline minus
//      WaitMargin (immediately when an immediate job is queued)
//   2. sleep request while running: stop the tick source, remember the
//      wall clock, acknowledge the caller
//   3. wake request while sleeping: restart the tick source and advance the
//      logical clock by the wall time slept, capped at MaxCompensation
//   4. while sleeping nothing else happens
//   5. drain the send arbiter into MAC.Transmit
//   6. radio interrupt bits were serviced at interrupt level; log them and
//      start over so timing is re-evaluated
//   7. refresh the busy flag, report a MAC assertion, run one job
//
// Interrupt context:
//   RadioIRQ and TickIRQ are the trampolines for the radio DIO lines and the
//   tick timer. They forward to the MAC, post notification bits and never
//   block.
//
// ============================================================================

package orchestrator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/ChuLiYu/lmic-task/internal/arbiter"
	"github.com/ChuLiYu/lmic-task/internal/jobqueue"
	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/internal/mac"
	"github.com/ChuLiYu/lmic-task/internal/notify"
	"github.com/ChuLiYu/lmic-task/internal/scheduler"
	"github.com/ChuLiYu/lmic-task/internal/ticksource"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// Defaults for Config.
const (
	DefaultWaitMargin       = 10 * time.Millisecond
	DefaultSleepAckTimeout  = 10 * time.Second
	DefaultWakePollInterval = 10 * time.Millisecond
	DefaultWakePollLimit    = 500
	DefaultMaxCompensation  = time.Hour
)

var (
	ErrAlreadyStarted  = errors.New("orchestrator: already started")
	ErrNotStarted      = errors.New("orchestrator: not started")
	ErrSleepAckTimeout = errors.New("orchestrator: sleep not acknowledged")
	ErrWakeTimeout     = errors.New("orchestrator: wake not observed")
)

// Config configures the task.
type Config struct {
	LoRaWAN mac.Config

	AllowOverride    bool          // a resend replaces an undrained payload
	WaitMargin       time.Duration // wake this much before a deadline
	SleepAckTimeout  time.Duration
	WakePollInterval time.Duration
	WakePollLimit    int
	MaxCompensation  time.Duration // cap on the sleep gap added to the clock

	// Fatal handles must-succeed failures: sleep acknowledgement timeout and
	// wake retry exhaustion. Defaults to panic.
	Fatal func(error)

	Logger *zap.SugaredLogger
}

func (c *Config) applyDefaults() {
	if c.WaitMargin <= 0 {
		c.WaitMargin = DefaultWaitMargin
	}
	if c.SleepAckTimeout <= 0 {
		c.SleepAckTimeout = DefaultSleepAckTimeout
	}
	if c.WakePollInterval <= 0 {
		c.WakePollInterval = DefaultWakePollInterval
	}
	if c.WakePollLimit <= 0 {
		c.WakePollLimit = DefaultWakePollLimit
	}
	if c.MaxCompensation <= 0 {
		c.MaxCompensation = DefaultMaxCompensation
	}
	if c.Fatal == nil {
		c.Fatal = func(err error) { panic(err) }
	}
}

// Observer receives task events, typically the metrics collector.
type Observer interface {
	scheduler.Observer
	Iteration(bits types.NotifyMask)
	StateChanged(state types.DutyState)
	SleepCompensated(d time.Duration)
	MacEvent(kind types.EventKind)
	MacAssert()
	Transmitted(length int)
}

// Deps are the collaborators of the task. Clock, Queue and MAC are required.
type Deps struct {
	Clock     *ticksource.Source
	Queue     *jobqueue.Queue
	MAC       mac.MAC
	WallClock func() time.Time // defaults to time.Now
	Observer  Observer         // optional
}

// Orchestrator is the task.
type Orchestrator struct {
	cfg      Config
	log      *zap.SugaredLogger
	clock    *ticksource.Source
	queue    *jobqueue.Queue
	sched    *scheduler.Scheduler
	arbiter  *arbiter.Arbiter
	mac      mac.MAC
	notifier *notify.Notifier
	wall     func() time.Time
	obs      Observer

	state        atomic.Int32 // types.DutyState
	started      atomic.Bool
	jobsPending  atomic.Bool
	assertCalled atomic.Bool
	sleepTick    atomic.Uint32 // clock when the tick source was stopped
	sleptAt      time.Time     // loop goroutine only

	sleepMu sync.Mutex
	asleep  chan struct{} // closed when the pending sleep request is served

	sleeps, wakes   atomic.Uint64
	lastCompensated atomic.Int64

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	bench benchmark
}

// New wires the task. It registers the tick hook on the clock and attaches
// itself to MACs implementing mac.Attacher.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if deps.Clock == nil || deps.Queue == nil || deps.MAC == nil {
		return nil, errors.New("orchestrator: clock, queue and mac are required")
	}
	cfg.applyDefaults()
	if deps.WallClock == nil {
		deps.WallClock = time.Now
	}

	o := &Orchestrator{
		cfg:      cfg,
		log:      logger.OrNop(cfg.Logger).With(logger.FieldComponent, "task"),
		clock:    deps.Clock,
		queue:    deps.Queue,
		mac:      deps.MAC,
		notifier: notify.New(),
		wall:     deps.WallClock,
		obs:      deps.Observer,
	}
	var jobObs scheduler.Observer
	if o.obs != nil {
		jobObs = o.obs
	}
	o.sched = scheduler.New(o.queue, o.clock, o.log, jobObs)
	o.arbiter = arbiter.New(arbiter.Config{AllowOverride: cfg.AllowOverride, Logger: o.log})
	o.state.Store(int32(types.StateSuspended))

	o.clock.OnTick(o.TickIRQ)
	if a, ok := o.mac.(mac.Attacher); ok {
		a.Attach(o.OnMacEvent, o.OnAssert, o.RadioIRQ)
	}
	o.log.Infow("task created, not started yet")
	return o, nil
}

// Start sets up the MAC and launches the task loop. It may be called once.
func (o *Orchestrator) Start(ctx context.Context) error {
	if !o.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	if err := o.mac.Setup(o.cfg.LoRaWAN); err != nil {
		return errors.Wrap(err, "setup lorawan")
	}
	if o.cfg.LoRaWAN.OTAA {
		// The join occupies the radio like a transmission.
		o.arbiter.BeginTransmission()
	}

	loopCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.done = make(chan struct{})
	done := o.done
	o.mu.Unlock()

	o.setState(types.StateRunning)
	o.log.Infow("task started")
	go func() {
		defer close(done)
		o.loop(loopCtx)
	}()
	return nil
}

// Stop ends the task loop and waits for it to return.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	cancel, done := o.cancel, o.done
	o.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	o.bench.stop()
}

// Done is closed when the loop has returned.
func (o *Orchestrator) Done() <-chan struct{} {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.done
}

// Sleep asks the task to stop its tick source and blocks until it has.
// Concurrent callers share one request.
func (o *Orchestrator) Sleep() error {
	o.sleepMu.Lock()
	switch o.State() {
	case types.StateSuspended:
		o.sleepMu.Unlock()
		return ErrNotStarted
	case types.StateSleeping:
		o.sleepMu.Unlock()
		o.log.Infow("already sleeping")
		return nil
	}
	if o.asleep == nil {
		o.asleep = make(chan struct{})
	}
	asleep := o.asleep
	o.sleepMu.Unlock()

	o.notifier.Overwrite(types.NotifySleep)

	t := time.NewTimer(o.cfg.SleepAckTimeout)
	defer t.Stop()
	select {
	case <-asleep:
		return nil
	case <-t.C:
		if o.State() == types.StateSleeping {
			return nil
		}
		err := errors.Wrapf(ErrSleepAckTimeout, "after %s", o.cfg.SleepAckTimeout)
		o.cfg.Fatal(err)
		return err
	}
}

// Wakeup asks the task to resume and blocks until it runs again.
func (o *Orchestrator) Wakeup() error {
	switch o.State() {
	case types.StateSuspended:
		return ErrNotStarted
	case types.StateRunning:
		o.log.Infow("already running")
		return nil
	}

	o.notifier.Overwrite(types.NotifyWake)

	tick := time.NewTicker(o.cfg.WakePollInterval)
	defer tick.Stop()
	for i := 0; o.State() != types.StateRunning; i++ {
		if i >= o.cfg.WakePollLimit {
			err := errors.Wrapf(ErrWakeTimeout, "after %d polls", i)
			o.cfg.Fatal(err)
			return err
		}
		<-tick.C
	}
	return nil
}

// Send queues an unconfirmed uplink.
func (o *Orchestrator) Send(ctx context.Context, port uint8, data []byte, maxWait time.Duration) (arbiter.OfferResult, error) {
	return o.offer(ctx, types.Transmission{Port: port, Data: data}, maxWait)
}

// SendConfirmed queues a confirmed uplink.
func (o *Orchestrator) SendConfirmed(ctx context.Context, port uint8, data []byte, maxWait time.Duration) (arbiter.OfferResult, error) {
	return o.offer(ctx, types.Transmission{Port: port, Data: data, Confirmed: true}, maxWait)
}

func (o *Orchestrator) offer(ctx context.Context, tx types.Transmission, maxWait time.Duration) (arbiter.OfferResult, error) {
	res, err := o.arbiter.Offer(ctx, tx, maxWait)
	o.notifier.Post(types.NotifySend)
	return res, err
}

// IsSending reports whether a transmission or join is in flight.
func (o *Orchestrator) IsSending() bool {
	return o.arbiter.IsSending()
}

// IsBusy reports whether the task has work: a transmission in flight or
// queued, or jobs waiting in the queue.
func (o *Orchestrator) IsBusy() bool {
	return o.arbiter.IsBusy() || o.jobsPending.Load()
}

// TimeToNextJobMs returns the milliseconds until the next job is due, 0 for
// an overdue or immediate job and -1 when the queue is empty. While sleeping
// the distance is measured from the clock at the time it was stopped.
func (o *Orchestrator) TimeToNextJobMs() int {
	next, ok := o.queue.PeekInfo()
	if !ok {
		return -1
	}
	if next.Immediate {
		return 0
	}
	d := next.Deadline.Sub(o.observedNow())
	if d <= 0 {
		return 0
	}
	return int(o.clock.TicksToMs(d))
}

// State returns the duty-cycle state.
func (o *Orchestrator) State() types.DutyState {
	return types.DutyState(o.state.Load())
}

// AssertCalled reports whether the MAC has reported an internal assertion.
func (o *Orchestrator) AssertCalled() bool {
	return o.assertCalled.Load()
}

// Queue returns the job queue driven by the task.
func (o *Orchestrator) Queue() *jobqueue.Queue {
	return o.queue
}

// Clock returns the tick source.
func (o *Orchestrator) Clock() *ticksource.Source {
	return o.clock
}

// RadioIRQ is the interrupt trampoline for radio DIO line. The MAC handles
// the interrupt synchronously; the task is notified afterwards.
func (o *Orchestrator) RadioIRQ(line int) {
	o.mac.OnRadioInterrupt(line)
	o.notifier.Post(types.RadioLineMask(line))
}

// TickIRQ is the tick timer hook. It runs after every timer interrupt.
func (o *Orchestrator) TickIRQ() {
	o.notifier.Post(types.NotifyTickIRQ)
}

// OnMacEvent handles events reported by the MAC.
func (o *Orchestrator) OnMacEvent(ev types.MacEvent) {
	if o.obs != nil {
		o.obs.MacEvent(ev.Kind)
	}
	switch ev.Kind {
	case types.EventJoined:
		o.log.Infow("join done")
		o.arbiter.Complete()
	case types.EventJoining:
		o.log.Infow("otaa join started")
	case types.EventReset:
		o.log.Warnw("mac stack reset")
	case types.EventTxComplete:
		o.log.Infow("tx done", logger.FieldLength, len(ev.Data))
		o.arbiter.Complete()
		if len(ev.Data) > 0 {
			o.log.Infow("downlink received", "data", ev.Data)
		}
	case types.EventRxComplete:
		o.log.Infow("rx done", logger.FieldLength, len(ev.Data))
	default:
		o.log.Infow("unhandled mac event", logger.FieldEvent, ev.Code)
	}
}

// OnAssert records an assertion raised inside the MAC. The loop keeps
// running; the host decides on remediation.
func (o *Orchestrator) OnAssert(file string, line int) {
	o.assertCalled.Store(true)
	if o.obs != nil {
		o.obs.MacAssert()
	}
	o.log.Errorw("mac assertion", logger.FieldFile, file, logger.FieldLine, line)
}

// observedNow is the clock, or the clock at the time it was stopped.
func (o *Orchestrator) observedNow() types.Tick {
	if now, ok := o.clock.Peek(); ok {
		return now
	}
	return types.Tick(o.sleepTick.Load())
}

func (o *Orchestrator) setState(s types.DutyState) {
	o.state.Store(int32(s))
	if o.obs != nil {
		o.obs.StateChanged(s)
	}
}
