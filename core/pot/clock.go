package pot

import (
	"context"
	"time"
)

// SlotClock maps wall time onto slots counted from genesis.
type SlotClock struct {
	genesis  time.Time
	duration time.Duration
	now      func() time.Time
}

func NewSlotClock(genesis time.Time, duration time.Duration) *SlotClock {
	return &SlotClock{genesis: genesis, duration: duration, now: time.Now}
}

// SlotAt returns the slot containing t. Times before genesis are slot 0.
func (c *SlotClock) SlotAt(t time.Time) uint64 {
	if c.duration <= 0 || t.Before(c.genesis) {
		return 0
	}
	return uint64(t.Sub(c.genesis) / c.duration)
}

func (c *SlotClock) Genesis() time.Time {
	return c.genesis
}

func (c *SlotClock) CurrentSlot() uint64 {
	return c.SlotAt(c.now())
}

func (c *SlotClock) SlotStart(slot uint64) time.Time {
	return c.genesis.Add(time.Duration(slot) * c.duration)
}

// Until returns the time left before slot starts, which is negative once it has.
func (c *SlotClock) Until(slot uint64) time.Duration {
	return c.SlotStart(slot).Sub(c.now())
}

// WaitForSlot blocks until slot has started.
func (c *SlotClock) WaitForSlot(ctx context.Context, slot uint64) error {
	d := c.Until(slot)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
