// Package notify implements the task notification primitive: a set of merged
// flags posted from interrupt or caller context and consumed atomically by the
// single task that waits on it.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/lmic-task/pkg/types"
)

// Forever makes Wait block until a flag is posted or the context ends.
const Forever time.Duration = -1

// Notifier is a single-consumer flag set. Post and Overwrite never block and
// may be called from any goroutine.
type Notifier struct {
	pending atomic.Uint32
	signal  chan struct{}
}

// New returns an empty Notifier.
func New() *Notifier {
	return &Notifier{signal: make(chan struct{}, 1)}
}

// Post ORs bits into the pending set and wakes the waiter.
func (n *Notifier) Post(bits types.NotifyMask) {
	if bits == 0 {
		return
	}
	for {
		cur := n.pending.Load()
		if n.pending.CompareAndSwap(cur, cur|uint32(bits)) {
			break
		}
	}
	n.kick()
}

// Overwrite replaces the pending set with bits and wakes the waiter.
func (n *Notifier) Overwrite(bits types.NotifyMask) {
	n.pending.Store(uint32(bits))
	n.kick()
}

// Pending returns the current set without consuming it.
func (n *Notifier) Pending() types.NotifyMask {
	return types.NotifyMask(n.pending.Load())
}

// Wait blocks until at least one flag is pending, the timeout elapses or ctx
// is done, then consumes and returns every pending flag. A timeout returns 0
// and a nil error. A negative timeout waits forever.
func (n *Notifier) Wait(ctx context.Context, timeout time.Duration) (types.NotifyMask, error) {
	var expired <-chan time.Time
	if timeout >= 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	for {
		if bits := n.pending.Swap(0); bits != 0 {
			return types.NotifyMask(bits), nil
		}
		select {
		case <-n.signal:
		case <-expired:
			return types.NotifyMask(n.pending.Swap(0)), nil
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

func (n *Notifier) kick() {
	select {
	case n.signal <- struct{}{}:
	default:
	}
}
