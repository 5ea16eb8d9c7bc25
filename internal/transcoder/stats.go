package transcoder

import (
	"time"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	State State `json:"state"`
	// PacketsIn counts video packets fed to the decoder; BuffersIn counts
	// the input buffers they filled.
	PacketsIn int64 `json:"packets_in"`
	BuffersIn int64 `json:"buffers_in"`
	InFlight  int   `json:"in_flight"`
	PoolSize  int   `json:"pool_size"`

	FramesOut int64 `json:"frames_out"`
	Dropped   int64 `json:"dropped"`
	Warnings  int64 `json:"warnings"`
	Bytes     int64 `json:"bytes_out"`
	Fallbacks int64 `json:"pts_fallbacks"`

	AudioPackets int64 `json:"audio_packets"`
	AudioFailed  int64 `json:"audio_failed"`

	// FPS is the frame rate entering the encoder, zero until negotiated.
	FPS     float64       `json:"input_fps"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// OutputFPS is the average output frame rate since Run started.
func (s Stats) OutputFPS() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.FramesOut) / s.Elapsed.Seconds()
}

// Stats returns the current counters. Safe for concurrent use.
func (t *Transcoder) Stats() Stats {
	st := Stats{
		State:        t.State(),
		PacketsIn:    t.packetsIn.Load(),
		BuffersIn:    t.buffersIn.Load(),
		AudioPackets: t.audioOut.Load(),
		AudioFailed:  t.audioFailed.Load(),
		FPS:          hwstage.VideoFormat{Framerate: t.framerate.Load()}.FPS(),
	}
	if ns := t.started.Load(); ns != 0 {
		st.Elapsed = time.Since(time.Unix(0, ns))
	}
	if p := t.sh.pool.Load(); p != nil {
		st.InFlight = p.InFlight()
		st.PoolSize = p.Len()
	}
	if r := t.reasm.Load(); r != nil {
		ns := r.Stats()
		st.FramesOut = ns.FramesOut
		st.Dropped = ns.Dropped
		st.Warnings = ns.Warnings
		st.Bytes = ns.Bytes
		st.Fallbacks = ns.Fallbacks
	}
	return st
}
