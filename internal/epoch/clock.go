// Package epoch supplies the current billing epoch.
package epoch

import (
	"sync"
	"time"
)

// WallClock derives the epoch from wall time: epoch n covers
// [genesis + n*length, genesis + (n+1)*length).
type WallClock struct {
	genesis time.Time
	length  time.Duration
	now     func() time.Time
}

// NewWallClock panics if length is not positive.
func NewWallClock(genesis time.Time, length time.Duration) *WallClock {
	if length <= 0 {
		panic("epoch: non-positive epoch length")
	}
	return &WallClock{genesis: genesis, length: length, now: time.Now}
}

// Current returns 0 before genesis.
func (c *WallClock) Current() uint64 {
	d := c.now().Sub(c.genesis)
	if d < 0 {
		return 0
	}
	return uint64(d / c.length)
}

// Start returns when epoch begins.
func (c *WallClock) Start(epoch uint64) time.Time {
	return c.genesis.Add(time.Duration(epoch) * c.length)
}

// Length returns the duration of one epoch.
func (c *WallClock) Length() time.Duration { return c.length }

// Manual is a clock advanced by hand. It is used by tests and by the
// single-process demo mode.
type Manual struct {
	mu    sync.Mutex
	epoch uint64
}

func NewManual(start uint64) *Manual { return &Manual{epoch: start} }

func (m *Manual) Current() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// Advance moves the clock forward by n epochs and returns the new epoch.
func (m *Manual) Advance(n uint64) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.epoch += n
	return m.epoch
}

// Set moves the clock to epoch. Moving backwards is ignored.
func (m *Manual) Set(epoch uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if epoch > m.epoch {
		m.epoch = epoch
	}
}
