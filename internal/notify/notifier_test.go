package notify

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/lmic-task/pkg/types"
)

func TestPostMergesFlags(t *testing.T) {
	n := New()
	n.Post(types.NotifyTickIRQ)
	n.Post(types.NotifyTickIRQ)
	n.Post(types.NotifySend)

	bits, err := n.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, types.NotifyTickIRQ|types.NotifySend, bits)

	// consumed atomically
	assert.Equal(t, types.NotifyMask(0), n.Pending())
}

func TestWaitTimeout(t *testing.T) {
	n := New()
	start := time.Now()
	bits, err := n.Wait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.NotifyMask(0), bits)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestWaitWakesOnPost(t *testing.T) {
	n := New()
	go func() {
		time.Sleep(10 * time.Millisecond)
		n.Post(types.NotifyRadioIRQ1)
	}()

	bits, err := n.Wait(context.Background(), Forever)
	require.NoError(t, err)
	assert.Equal(t, types.NotifyRadioIRQ1, bits)
}

func TestWaitHonoursContext(t *testing.T) {
	n := New()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := n.Wait(ctx, Forever)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestOverwriteReplacesPending(t *testing.T) {
	n := New()
	n.Post(types.NotifySend | types.NotifyTickIRQ)
	n.Overwrite(types.NotifySleep)

	bits, err := n.Wait(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, types.NotifySleep, bits)
}

func TestConcurrentPostersLoseNothing(t *testing.T) {
	n := New()
	var wg sync.WaitGroup
	flags := []types.NotifyMask{
		types.NotifyRadioIRQ0, types.NotifyRadioIRQ1, types.NotifyRadioIRQ2,
		types.NotifyTickIRQ, types.NotifySend,
	}
	for _, f := range flags {
		wg.Add(1)
		go func(f types.NotifyMask) {
			defer wg.Done()
			n.Post(f)
		}(f)
	}
	wg.Wait()

	var got types.NotifyMask
	for got != types.NotifyRadioIRQ|types.NotifyTickIRQ|types.NotifySend {
		bits, err := n.Wait(context.Background(), 10*time.Millisecond)
		require.NoError(t, err)
		if bits == 0 {
			break
		}
		got |= bits
	}
	assert.Equal(t, types.NotifyRadioIRQ|types.NotifyTickIRQ|types.NotifySend, got)
}
