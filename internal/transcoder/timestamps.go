package transcoder

import "github.com/jmylchreest/pitx/internal/container"

// timestamper turns packet timestamps into decoder input ticks. In duration
// mode ticks accumulate packet durations from the first video packet, and
// audio accumulates from the same origin.
type timestamper struct {
	mode TimestampMode

	started bool
	origin  int64
	next    int64
	last    int64

	audioStarted bool
	audioNext    int64
}

func (ts *timestamper) video(p container.Packet) int64 {
	var tick int64
	switch ts.mode {
	case TimestampPTS:
		tick = p.PTS
	case TimestampDTS:
		tick = p.DTS
	default:
		if !ts.started {
			ts.next = p.PTS
		}
		tick = ts.next
		ts.next += p.Duration
	}
	if !ts.started {
		ts.started = true
		ts.origin = tick
	}
	ts.last = tick
	return tick
}

func (ts *timestamper) audio(p container.Packet) int64 {
	if ts.mode != TimestampDuration {
		return p.PTS
	}
	if !ts.audioStarted {
		ts.audioStarted = true
		ts.audioNext = p.PTS
		if ts.started {
			ts.audioNext = ts.origin
		}
	}
	pts := ts.audioNext
	ts.audioNext += p.Duration
	return pts
}
