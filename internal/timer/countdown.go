// Package timer drives the per-attempt countdown and autosave cadence.
//
// A Countdown owns two tickers. It runs no goroutine of its own: the session loop
// selects on Ticks and Autosaves and feeds tick times back through Advance, so all
// countdown state is mutated from one goroutine.
package timer

import (
	"fmt"
	"math"
	"time"

	"github.com/jonboulle/clockwork"
)

// Options sets the two cadences.
type Options struct {
	TickInterval     time.Duration
	AutosaveInterval time.Duration
}

// Countdown tracks remaining time for one attempt. Remaining is derived from a
// deadline rather than decremented per tick, so a late or dropped tick cannot
// stretch the limit.
type Countdown struct {
	clock clockwork.Clock
	opts  Options

	remaining *int
	deadline  time.Time
	expired   bool

	ticker   clockwork.Ticker
	autosave clockwork.Ticker
	running  bool
}

// New creates a stopped countdown. remaining nil means untimed: only the autosave
// cadence will run.
func New(clock clockwork.Clock, remaining *int, opts Options) *Countdown {
	c := &Countdown{clock: clock, opts: opts}
	if remaining != nil {
		v := *remaining
		if v < 0 {
			v = 0
		}
		c.remaining = &v
	}
	return c
}

// Start acquires the tickers. The deadline is anchored at the current clock reading.
func (c *Countdown) Start() {
	if c.running {
		return
	}
	c.running = true

	c.autosave = c.clock.NewTicker(c.opts.AutosaveInterval)
	if c.remaining == nil {
		return
	}

	c.deadline = c.clock.Now().Add(time.Duration(*c.remaining) * time.Second)
	if *c.remaining > 0 {
		c.ticker = c.clock.NewTicker(c.opts.TickInterval)
	}
}

// Stop releases both tickers. Safe to call more than once.
func (c *Countdown) Stop() {
	c.stopTicker()
	if c.autosave != nil {
		c.autosave.Stop()
		c.autosave = nil
	}
	c.running = false
}

func (c *Countdown) stopTicker() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
}

// Ticks delivers countdown ticks. It is nil when untimed, stopped or expired,
// which blocks forever in a select.
func (c *Countdown) Ticks() <-chan time.Time {
	if c.ticker == nil {
		return nil
	}
	return c.ticker.Chan()
}

// Autosaves delivers the autosave cadence. Nil once stopped.
func (c *Countdown) Autosaves() <-chan time.Time {
	if c.autosave == nil {
		return nil
	}
	return c.autosave.Chan()
}

// Advance recomputes remaining time at now. expired is true exactly once, on the
// call that first observes zero; the tick ticker is released at that point.
func (c *Countdown) Advance(now time.Time) (remaining int, expired bool) {
	if c.remaining == nil {
		return 0, false
	}
	if c.expired {
		return 0, false
	}

	left := int(math.Ceil(c.deadline.Sub(now).Seconds()))
	if left < 0 {
		left = 0
	}
	if left < *c.remaining {
		*c.remaining = left
	}

	if *c.remaining == 0 {
		c.expired = true
		c.stopTicker()
		return 0, true
	}
	return *c.remaining, false
}

// Remaining returns a copy of the remaining seconds, nil when untimed.
func (c *Countdown) Remaining() *int {
	if c.remaining == nil {
		return nil
	}
	v := *c.remaining
	return &v
}

// Deadline returns the instant the countdown reaches zero. Zero when untimed or
// not yet started.
func (c *Countdown) Deadline() time.Time {
	return c.deadline
}

// Expired reports whether the countdown has reached zero.
func (c *Countdown) Expired() bool {
	return c.expired
}

// FormatRemaining renders remaining seconds as m:ss.
func FormatRemaining(remaining *int) string {
	if remaining == nil {
		return "No time limit"
	}
	return fmt.Sprintf("%d:%02d", *remaining/60, *remaining%60)
}
