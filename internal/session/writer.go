package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ChuLiYu/lmic-task/internal/logger"
	"github.com/ChuLiYu/lmic-task/internal/mac"
)

// Saver persists a session.
type Saver interface {
	Save(mac.SessionState) error
}

// Writer takes session updates from the task loop without blocking it and
// writes the latest one in the background. Updates arriving within one
// flush interval are coalesced into a single write.
type Writer struct {
	store    Saver
	interval time.Duration
	log      *zap.SugaredLogger

	mu     sync.Mutex
	latest mac.SessionState
	dirty  bool
	kick   chan struct{}

	flushes, failures atomic.Uint64
}

// NewWriter returns a writer flushing to store at most once per interval.
func NewWriter(store Saver, interval time.Duration, log *zap.SugaredLogger) *Writer {
	return &Writer{
		store:    store,
		interval: interval,
		log:      logger.OrNop(log).With(logger.FieldComponent, "session"),
		kick:     make(chan struct{}, 1),
	}
}

// Update records st as the state to persist. It never blocks.
func (w *Writer) Update(st mac.SessionState) {
	w.mu.Lock()
	w.latest, w.dirty = st, true
	w.mu.Unlock()

	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Flush writes the pending state, if any.
func (w *Writer) Flush() error {
	w.mu.Lock()
	st, dirty := w.latest, w.dirty
	w.dirty = false
	w.mu.Unlock()
	if !dirty {
		return nil
	}

	if err := w.store.Save(st); err != nil {
		w.failures.Add(1)
		w.mu.Lock()
		if !w.dirty {
			w.latest, w.dirty = st, true
		}
		w.mu.Unlock()
		return err
	}
	w.flushes.Add(1)
	return nil
}

// Run flushes updates until ctx is done, then flushes once more.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return w.Flush()
		case <-w.kick:
		}

		if w.interval > 0 {
			t := time.NewTimer(w.interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return w.Flush()
			case <-t.C:
			}
		}
		if err := w.Flush(); err != nil {
			w.log.Errorw("session save failed", logger.FieldError, err)
		}
	}
}

// Flushes returns the number of successful writes.
func (w *Writer) Flushes() uint64 {
	return w.flushes.Load()
}

// Failures returns the number of failed writes.
func (w *Writer) Failures() uint64 {
	return w.failures.Load()
}
