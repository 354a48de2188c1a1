package timesync

import (
	"fmt"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// SystemClock commits time to the kernel clock. The kernel carries it
// to the hardware RTC when one is present. Requires CAP_SYS_TIME.
type SystemClock struct{}

// Now returns the system time.
func (SystemClock) Now() time.Time { return time.Now() }

// Set sets the system time.
func (SystemClock) Set(t time.Time) error {
	tv := unix.NsecToTimeval(t.UnixNano())
	if err := unix.Settimeofday(&tv); err != nil {
		return fmt.Errorf("settimeofday: %w", err)
	}
	return nil
}

// OffsetClock keeps synchronized time as an offset from the system
// clock, for nodes that may not set the kernel clock.
type OffsetClock struct {
	mu     sync.RWMutex
	offset time.Duration
	base   func() time.Time
}

// NewOffsetClock creates an OffsetClock with no correction.
func NewOffsetClock() *OffsetClock {
	return &OffsetClock{base: time.Now}
}

// Now returns the corrected time.
func (c *OffsetClock) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.base().Add(c.offset)
}

// Set records the offset that makes Now return t at this instant.
func (c *OffsetClock) Set(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset = t.Sub(c.base())
	return nil
}

// Offset returns the current correction.
func (c *OffsetClock) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}
