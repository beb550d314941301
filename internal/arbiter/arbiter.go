// ============================================================================
// lmic-task SendArbiter - single-slot pending transmission
// ============================================================================
//
// Package: internal/arbiter
// File: arbiter.go
// Function: Holds at most one payload between the host and the task, plus a
//           binary in-flight gate used for busy reporting.
//
// Slot:
//   Offer places a payload in the slot. Concurrent callers are serialized by
//   a weighted semaphore so only one of them waits for the slot at a time.
//   If the slot stays occupied for the caller's whole wait, the payload
//   either replaces the queued one (override) or is rejected.
//
// In-flight gate:
//   Offer marks a transmission in flight before it is even queued. The gate
//   is released by Complete when the MAC reports the transmission or join as
//   finished. The gate is reporting only; the slot alone decides what the
//   MAC receives.
//
// The slot is never touched from interrupt context, so it is guarded by a
// mutex instead of the interrupt mask.
//
// ============================================================================

package arbiter

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// WaitForever makes Offer wait without a bound for the slot.
const WaitForever time.Duration = -1

// ErrNotAccepted is returned when a payload could not be queued.
var ErrNotAccepted = errors.New("transmission not accepted")

// OfferResult is the outcome of Offer.
type OfferResult int

const (
	Enqueued OfferResult = iota // slot was empty
	Replaced                    // an undrained payload was overwritten
	Full                        // slot occupied, caller did not wait
	Timeout                     // slot still occupied after the wait
)

func (r OfferResult) String() string {
	switch r {
	case Enqueued:
		return "enqueued"
	case Replaced:
		return "replaced"
	case Full:
		return "full"
	case Timeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Accepted reports whether the payload is now in the slot.
func (r OfferResult) Accepted() bool {
	return r == Enqueued || r == Replaced
}

// Config configures an Arbiter.
type Config struct {
	AllowOverride bool               // replace an undrained payload when the wait runs out
	Notify        func()             // called after a payload lands in the slot
	Logger        *zap.SugaredLogger // optional
}

// Stats are cumulative counters.
type Stats struct {
	Enqueued uint64
	Replaced uint64
	Rejected uint64
	Drained  uint64
}

// Arbiter is the send arbiter.
type Arbiter struct {
	cfg  Config
	log  *zap.SugaredLogger
	gate *semaphore.Weighted

	mu      sync.Mutex
	pending *types.Transmission
	drained chan struct{} // closed when the current payload is drained

	inFlight chan struct{}

	enqueued, replaced, rejected, drains atomic.Uint64
}

// New returns an empty arbiter.
func New(cfg Config) *Arbiter {
	return &Arbiter{
		cfg:      cfg,
		log:      logger.OrNop(cfg.Logger),
		gate:     semaphore.NewWeighted(1),
		inFlight: make(chan struct{}, 1),
	}
}

// Offer queues tx for the task, waiting up to maxWait for the slot to empty.
// A payload longer than types.MaxFrameLen is a programmer error and panics.
// Rejections return Full or Timeout together with an error wrapping
// ErrNotAccepted. A cancelled ctx ends the wait early.
func (a *Arbiter) Offer(ctx context.Context, tx types.Transmission, maxWait time.Duration) (OfferResult, error) {
	if len(tx.Data) > types.MaxFrameLen {
		panic(errors.AssertionFailedf("arbiter: payload of %d bytes exceeds %d", len(tx.Data), types.MaxFrameLen))
	}
	tx.Data = append([]byte(nil), tx.Data...)

	a.BeginTransmission()

	waitCtx, cancel := withWait(ctx, maxWait)
	defer cancel()

	if err := a.acquire(waitCtx, maxWait); err != nil {
		return a.reject(maxWait, tx, err)
	}
	defer a.gate.Release(1)

	for {
		a.mu.Lock()
		if a.pending == nil {
			a.storeLocked(tx)
			a.mu.Unlock()
			a.enqueued.Add(1)
			a.notify()
			return Enqueued, nil
		}
		drained := a.drained
		a.mu.Unlock()

		select {
		case <-drained:
			continue
		case <-waitCtx.Done():
		}
		break
	}

	if a.cfg.AllowOverride {
		a.mu.Lock()
		prev := a.pending
		if prev != nil {
			close(a.drained)
		}
		a.storeLocked(tx)
		a.mu.Unlock()

		if prev != nil {
			a.replaced.Add(1)
			a.log.Debugw("pending transmission replaced",
				logger.FieldPort, tx.Port, logger.FieldLength, len(tx.Data))
			a.notify()
			return Replaced, nil
		}
		a.enqueued.Add(1)
		a.notify()
		return Enqueued, nil
	}
	return a.reject(maxWait, tx, waitCtx.Err())
}

// Drain takes the pending payload without blocking.
func (a *Arbiter) Drain() (types.Transmission, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == nil {
		return types.Transmission{}, false
	}
	tx := *a.pending
	a.pending = nil
	close(a.drained)
	a.drains.Add(1)
	return tx, true
}

// Pending reports whether a payload waits in the slot.
func (a *Arbiter) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending != nil
}

// BeginTransmission marks a transmission in flight. It is idempotent.
func (a *Arbiter) BeginTransmission() {
	select {
	case a.inFlight <- struct{}{}:
	default:
	}
}

// Complete releases the in-flight gate. It is idempotent.
func (a *Arbiter) Complete() {
	select {
	case <-a.inFlight:
	default:
	}
}

// IsSending reports whether a transmission is in flight.
func (a *Arbiter) IsSending() bool {
	return len(a.inFlight) == 1
}

// IsBusy reports whether a transmission is in flight or still queued.
func (a *Arbiter) IsBusy() bool {
	return a.IsSending() || a.Pending()
}

// Stats returns the counters.
func (a *Arbiter) Stats() Stats {
	return Stats{
		Enqueued: a.enqueued.Load(),
		Replaced: a.replaced.Load(),
		Rejected: a.rejected.Load(),
		Drained:  a.drains.Load(),
	}
}

func (a *Arbiter) storeLocked(tx types.Transmission) {
	a.pending = &tx
	a.drained = make(chan struct{})
}

func (a *Arbiter) notify() {
	if a.cfg.Notify != nil {
		a.cfg.Notify()
	}
}

func (a *Arbiter) reject(maxWait time.Duration, tx types.Transmission, cause error) (OfferResult, error) {
	a.rejected.Add(1)
	res := Timeout
	if maxWait == 0 {
		res = Full
	}
	a.log.Debugw("transmission rejected",
		logger.FieldPort, tx.Port, logger.FieldLength, len(tx.Data), "result", res.String())

	err := errors.Wrapf(ErrNotAccepted, "slot %s", res)
	if cause != nil && !errors.Is(cause, context.DeadlineExceeded) {
		err = errors.WithSecondaryError(err, cause)
	}
	return res, err
}

// acquire takes the offer gate. A zero wait never blocks.
func (a *Arbiter) acquire(ctx context.Context, maxWait time.Duration) error {
	if maxWait == 0 {
		if !a.gate.TryAcquire(1) {
			return context.DeadlineExceeded
		}
		return nil
	}
	return a.gate.Acquire(ctx, 1)
}

func withWait(ctx context.Context, maxWait time.Duration) (context.Context, context.CancelFunc) {
	if maxWait < 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, maxWait)
}
