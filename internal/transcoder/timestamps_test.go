package transcoder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jmylchreest/pitx/internal/container"
)

func TestTimestamper_Modes(t *testing.T) {
	packets := []container.Packet{
		{PTS: 5000, DTS: 1000, Duration: 40000},
		{PTS: 125000, DTS: 41000, Duration: 40000},
		{PTS: 85000, DTS: 81000, Duration: 40000},
	}
	tests := []struct {
		mode TimestampMode
		want []int64
	}{
		{mode: TimestampPTS, want: []int64{5000, 125000, 85000}},
		{mode: TimestampDTS, want: []int64{1000, 41000, 81000}},
		{mode: TimestampDuration, want: []int64{5000, 45000, 85000}},
	}
	for _, tt := range tests {
		t.Run(tt.mode.String(), func(t *testing.T) {
			ts := timestamper{mode: tt.mode}
			var got []int64
			for _, p := range packets {
				got = append(got, ts.video(p))
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.want[len(tt.want)-1], ts.last)
		})
	}
}

func TestTimestamper_AudioFollowsVideoOrigin(t *testing.T) {
	ts := timestamper{mode: TimestampDuration}
	ts.video(container.Packet{PTS: 900000, Duration: 40000})

	assert.Equal(t, int64(900000), ts.audio(container.Packet{PTS: 880000, Duration: 21333}))
	assert.Equal(t, int64(921333), ts.audio(container.Packet{PTS: 901333, Duration: 21333}))

	pts := timestamper{mode: TimestampPTS}
	assert.Equal(t, int64(880000), pts.audio(container.Packet{PTS: 880000}))
}

func TestStateCell(t *testing.T) {
	var c stateCell
	assert.Equal(t, StateDecoderInit, c.load())
	assert.False(t, c.advance(StateRunning, StateOpenOutput))
	assert.True(t, c.advance(StateTunnelSetup, StateDecoderInit))
	assert.True(t, c.interrupt())
	assert.Equal(t, StateQuit, c.load())
	assert.False(t, c.interrupt())

	var done stateCell
	done.advance(StateDecoderFailed, StateDecoderInit)
	assert.False(t, done.interrupt(), "terminal states are kept")
	assert.Equal(t, StateDecoderFailed, done.load())

	text, err := StateEncoderEOS.MarshalText()
	assert.NoError(t, err)
	assert.Equal(t, "encoder-eos", string(text))
}

func TestState_UnmarshalText(t *testing.T) {
	var s State
	assert.NoError(t, s.UnmarshalText([]byte("decoder-failed")))
	assert.Equal(t, StateDecoderFailed, s)
	assert.Error(t, s.UnmarshalText([]byte("sleeping")))
}
