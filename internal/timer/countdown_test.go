package timer

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testOpts = Options{TickInterval: time.Second, AutosaveInterval: 10 * time.Second}

func seconds(v int) *int { return &v }

func recv(t *testing.T, ch <-chan time.Time) time.Time {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("expected a tick")
		return time.Time{}
	}
}

func TestCountdown_TicksDown(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, seconds(3), testOpts)
	c.Start()
	defer c.Stop()

	fc.Advance(time.Second)
	rem, expired := c.Advance(recv(t, c.Ticks()))
	assert.Equal(t, 2, rem)
	assert.False(t, expired)

	fc.Advance(time.Second)
	rem, expired = c.Advance(recv(t, c.Ticks()))
	assert.Equal(t, 1, rem)
	assert.False(t, expired)

	fc.Advance(time.Second)
	rem, expired = c.Advance(recv(t, c.Ticks()))
	assert.Equal(t, 0, rem)
	assert.True(t, expired)

	assert.Nil(t, c.Ticks(), "ticking stops after expiry")
	assert.Equal(t, 0, *c.Remaining())
}

func TestCountdown_ExpiresExactlyOnceAndNeverNegative(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, seconds(5), testOpts)
	c.Start()
	defer c.Stop()

	// A stalled loop sees one late tick long after the deadline.
	fc.Advance(30 * time.Second)
	rem, expired := c.Advance(fc.Now())
	assert.Equal(t, 0, rem)
	assert.True(t, expired)

	rem, expired = c.Advance(fc.Now().Add(time.Minute))
	assert.Equal(t, 0, rem)
	assert.False(t, expired, "expiry is reported only once")
	assert.GreaterOrEqual(t, *c.Remaining(), 0)
}

func TestCountdown_ResumedAtZeroExpiresImmediately(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, seconds(0), testOpts)
	c.Start()
	defer c.Stop()

	assert.Nil(t, c.Ticks())
	_, expired := c.Advance(fc.Now())
	assert.True(t, expired)
}

func TestCountdown_Untimed(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, nil, testOpts)
	c.Start()
	defer c.Stop()

	assert.Nil(t, c.Ticks())
	assert.Nil(t, c.Remaining())
	require.NotNil(t, c.Autosaves())

	fc.Advance(10 * time.Second)
	recv(t, c.Autosaves())

	_, expired := c.Advance(fc.Now().Add(time.Hour))
	assert.False(t, expired)
}

func TestCountdown_AutosaveIndependentOfTick(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, seconds(600), testOpts)
	c.Start()
	defer c.Stop()

	for i := 0; i < 9; i++ {
		fc.Advance(time.Second)
		c.Advance(recv(t, c.Ticks()))
		select {
		case <-c.Autosaves():
			t.Fatalf("autosave fired after %d seconds", i+1)
		default:
		}
	}

	fc.Advance(time.Second)
	recv(t, c.Autosaves())
	assert.Equal(t, 591, *c.Remaining())
}

func TestCountdown_StopReleasesTickers(t *testing.T) {
	fc := clockwork.NewFakeClock()
	c := New(fc, seconds(60), testOpts)
	c.Start()

	c.Stop()
	c.Stop()

	assert.Nil(t, c.Ticks())
	assert.Nil(t, c.Autosaves())
}

func TestFormatRemaining(t *testing.T) {
	assert.Equal(t, "No time limit", FormatRemaining(nil))
	assert.Equal(t, "10:00", FormatRemaining(seconds(600)))
	assert.Equal(t, "0:07", FormatRemaining(seconds(7)))
}
