package irq

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// fakeClock advances by step on every read.
type fakeClock struct {
	t    time.Time
	step time.Duration
}

func (c *fakeClock) now() time.Time {
	c.t = c.t.Add(c.step)
	return c.t
}

func TestMaskRecordsLongestSection(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0), step: 10 * time.Microsecond}
	m := NewMask(clk.now)

	m.Do(func() {})
	assert.Equal(t, 10*time.Microsecond, m.Longest())
	assert.Equal(t, uint64(0), m.Overruns())

	clk.step = MaxCriticalSection
	m.Do(func() {})
	assert.Equal(t, MaxCriticalSection, m.Longest())
	assert.Equal(t, uint64(0), m.Overruns(), "a section of exactly the bound is allowed")
}

func TestMaskCountsOverruns(t *testing.T) {
	clk := &fakeClock{t: time.Unix(0, 0), step: MaxCriticalSection + time.Microsecond}
	m := NewMask(clk.now)

	m.Do(func() {})
	m.Do(func() {})
	assert.Equal(t, uint64(2), m.Overruns())
}

func TestMaskExcludesConcurrentSections(t *testing.T) {
	var m Mask
	var wg sync.WaitGroup
	inside := 0
	maxInside := 0

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Do(func() {
				inside++
				if inside > maxInside {
					maxInside = inside
				}
				inside--
			})
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInside)
}
