package nal

import "sync/atomic"

// DefaultFPS is assumed when the hardware reports no frame rate.
const DefaultFPS = 25.0

// Clock derives presentation timestamps from hardware ticks. It is
// reconciled once per access unit:
//
//   - the first unit takes its tick;
//   - a tick strictly greater than the last timestamp becomes the timestamp;
//   - otherwise the timestamp advances by one frame duration.
//
// The frame duration follows the frame rate entering the encoder, so a
// field-rate deinterlacer that doubles the frame rate halves the step.
type Clock struct {
	frameDur  int64
	last      int64
	lastTick  int64
	started   bool
	fallbacks atomic.Int64
}

// NewClock creates a clock for fps frames per second.
func NewClock(fps float64) *Clock {
	c := &Clock{}
	c.SetFrameRate(fps)
	return c
}

// SetFrameRate sets the frame rate used for fallback steps.
func (c *Clock) SetFrameRate(fps float64) {
	if fps <= 0 {
		fps = DefaultFPS
	}
	c.frameDur = int64(1e6/fps + 0.5)
}

// FrameDuration returns the fallback step in microseconds.
func (c *Clock) FrameDuration() int64 {
	return c.frameDur
}

// Next returns the presentation timestamp for a unit whose first fragment
// carried tick.
func (c *Clock) Next(tick int64) int64 {
	c.lastTick = tick
	switch {
	case !c.started:
		c.started = true
		c.last = tick
	case tick > c.last:
		c.last = tick
	default:
		c.last += c.frameDur
		c.fallbacks.Add(1)
	}
	return c.last
}

// Last returns the most recent timestamp.
func (c *Clock) Last() int64 {
	return c.last
}

// LastTick returns the most recent raw tick.
func (c *Clock) LastTick() int64 {
	return c.lastTick
}

// Fallbacks counts steps that used the frame duration instead of the tick.
func (c *Clock) Fallbacks() int64 {
	return c.fallbacks.Load()
}
