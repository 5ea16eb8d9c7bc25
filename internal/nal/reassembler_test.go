package nal

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/pitx/internal/hwstage"
)

var (
	testSPS = []byte{0x67, 0x42, 0xc0, 0x1e, 0xd9, 0x00, 0x50, 0x1e, 0xd8, 0x08, 0x00, 0x00, 0x03, 0x00, 0x08, 0x00, 0x00, 0x03, 0x00, 0x3c, 0x8f, 0x16, 0x2d, 0x96}
	testPPS = []byte{0x68, 0xce, 0x06, 0xe2}
)

type recordingOutput struct {
	opens   []ParameterSets
	units   []AccessUnit
	openErr error
}

func (o *recordingOutput) Open(ps ParameterSets) error {
	if o.openErr != nil {
		return o.openErr
	}
	o.opens = append(o.opens, ps)
	return nil
}

func (o *recordingOutput) WriteAccessUnit(au AccessUnit) error {
	o.units = append(o.units, au)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func annexB(nalu ...byte) []byte {
	return append([]byte{0, 0, 0, 1}, nalu...)
}

func configFragment(nalu []byte) Fragment {
	return Fragment{Data: annexB(nalu...), Flags: hwstage.FlagCodecConfig | hwstage.FlagEndOfNAL}
}

func sliceFragment(typ byte, tick int64, body int) Fragment {
	nalu := append([]byte{typ}, bytes.Repeat([]byte{0xab}, body)...)
	return Fragment{
		Data:  annexB(nalu...),
		Flags: hwstage.FlagEndOfFrame | hwstage.FlagEndOfNAL,
		Tick:  tick,
	}
}

func newTestReassembler(out Output) *Reassembler {
	return New(Config{Logger: quietLogger()}, NewClock(25), out)
}

func TestReassembler_OpensOnceAfterPPS(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)

	res, err := r.Drain(configFragment(testSPS))
	require.NoError(t, err)
	assert.False(t, res.Opened)
	assert.False(t, r.Opened())

	res, err = r.Drain(configFragment(testPPS))
	require.NoError(t, err)
	assert.True(t, res.Opened)
	require.Len(t, out.opens, 1)
	assert.Equal(t, testSPS, out.opens[0].SPS)
	assert.Equal(t, testPPS, out.opens[0].PPS)

	res, err = r.Drain(sliceFragment(0x65, 0, 100))
	require.NoError(t, err)
	assert.False(t, res.Opened)
	assert.Equal(t, 1, res.Emitted)

	require.Len(t, out.opens, 1, "output must open exactly once")
	require.Len(t, out.units, 1)
	assert.True(t, out.units[0].Key)
	assert.Equal(t, h264.NALUTypeIDR, out.units[0].Type)
	assert.Equal(t, out.units[0].PTS, out.units[0].DTS)
}

func TestReassembler_SecondConfigDoesNotReopen(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)

	for _, f := range []Fragment{configFragment(testSPS), configFragment(testPPS), configFragment(testSPS), configFragment(testPPS)} {
		_, err := r.Drain(f)
		require.NoError(t, err)
	}
	assert.Len(t, out.opens, 1)
}

func TestReassembler_CombinedConfigFragment(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)

	data := append(annexB(testSPS...), annexB(testPPS...)...)
	res, err := r.Drain(Fragment{Data: data, Flags: hwstage.FlagCodecConfig})
	require.NoError(t, err)
	assert.True(t, res.Opened)
}

func TestReassembler_InBandParameterSets(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)

	_, err := r.Drain(Fragment{Data: annexB(testSPS...), Flags: hwstage.FlagEndOfNAL})
	require.NoError(t, err)
	res, err := r.Drain(Fragment{Data: annexB(testPPS...), Flags: hwstage.FlagEndOfNAL})
	require.NoError(t, err)
	assert.True(t, res.Opened)

	_, err = r.Drain(sliceFragment(0x65, 5000, 10))
	require.NoError(t, err)
	require.Len(t, out.units, 1)
	assert.Equal(t, int64(5000), out.units[0].PTS, "parameter sets must not advance the clock")
}

func TestReassembler_NeverRunningBeforeParameterSets(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)

	res, err := r.Drain(sliceFragment(0x65, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)

	_, err = r.Drain(configFragment(testSPS))
	require.NoError(t, err)
	res, err = r.Drain(sliceFragment(0x41, 40000, 10))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
	assert.False(t, r.Opened())

	assert.Empty(t, out.units)
	assert.Empty(t, out.opens)
	assert.Equal(t, int64(2), r.Stats().Dropped)
	assert.Equal(t, int64(2), r.Stats().Warnings)
}

func TestReassembler_MissingParameterSetsEscalates(t *testing.T) {
	out := &recordingOutput{}
	r := New(Config{Logger: quietLogger(), ProbeBudget: 3}, nil, out)

	var err error
	for i := 0; i < 4; i++ {
		_, err = r.Drain(sliceFragment(0x41, int64(i)*40000, 10))
		if i < 3 {
			require.NoError(t, err)
		}
	}
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrParameterSetsMissing))
}

func TestReassembler_MultiFragmentUnit(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)
	_, _ = r.Drain(configFragment(testSPS))
	_, _ = r.Drain(configFragment(testPPS))

	payload := append(annexB(0x65), bytes.Repeat([]byte{1, 2, 3, 4}, 100)...)
	parts := [][]byte{payload[:50], payload[50:200], payload[200:]}

	res, err := r.Drain(Fragment{Data: parts[0], Tick: 80000})
	require.NoError(t, err)
	assert.Zero(t, res.Emitted)
	res, err = r.Drain(Fragment{Data: parts[1], Tick: 90000})
	require.NoError(t, err)
	assert.Zero(t, res.Emitted)
	res, err = r.Drain(Fragment{Data: parts[2], Tick: 95000, Flags: hwstage.FlagEndOfFrame | hwstage.FlagEndOfNAL})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Emitted)

	require.Len(t, out.units, 1)
	assert.Equal(t, payload, out.units[0].Data)
	assert.Equal(t, int64(80000), out.units[0].PTS, "timestamp comes from the first fragment")
}

func TestReassembler_EndOfFrameWithoutEndOfNALWarns(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)

	_, err := r.Drain(Fragment{Data: annexB(0x41, 1, 2), Flags: hwstage.FlagEndOfFrame})
	require.NoError(t, err)
	assert.Equal(t, int64(1), r.Stats().Warnings)
}

func TestReassembler_Overflow(t *testing.T) {
	out := &recordingOutput{}
	r := New(Config{Logger: quietLogger(), Capacity: 64}, nil, out)

	_, err := r.Drain(Fragment{Data: make([]byte, 40)})
	require.NoError(t, err)
	_, err = r.Drain(Fragment{Data: make([]byte, 40)})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBufferOverflow))
}

func TestReassembler_EndOfStream(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)
	_, _ = r.Drain(configFragment(testSPS))
	_, _ = r.Drain(configFragment(testPPS))

	res, err := r.Drain(Fragment{Flags: hwstage.FlagEOS})
	require.NoError(t, err)
	assert.True(t, res.EOS)
	assert.Zero(t, res.Emitted)

	res, err = r.Drain(Fragment{Data: annexB(0x41, 9), Tick: 1, Flags: hwstage.FlagEOS})
	require.NoError(t, err)
	assert.True(t, res.EOS)
	assert.Equal(t, 1, res.Emitted, "payload on the final buffer is still written")
}

func TestReassembler_UngatedPassesConfigThrough(t *testing.T) {
	out := &recordingOutput{}
	r := New(Config{Logger: quietLogger(), Ungated: true}, NewClock(25), out)
	require.NoError(t, r.Start())
	require.Len(t, out.opens, 1)

	_, err := r.Drain(configFragment(testSPS))
	require.NoError(t, err)
	_, err = r.Drain(configFragment(testPPS))
	require.NoError(t, err)
	_, err = r.Drain(sliceFragment(0x65, 0, 4))
	require.NoError(t, err)

	require.Len(t, out.units, 3)
	assert.True(t, out.units[0].Config)
	assert.True(t, out.units[1].Config)
	assert.True(t, out.units[2].Key)
	assert.Len(t, out.opens, 1)
	assert.Equal(t, int64(1), r.Stats().FramesOut)
}

func TestReassembler_OpenFailure(t *testing.T) {
	out := &recordingOutput{openErr: errors.New("disk full")}
	r := newTestReassembler(out)

	_, err := r.Drain(configFragment(testSPS))
	require.NoError(t, err)
	_, err = r.Drain(configFragment(testPPS))
	require.Error(t, err)
	assert.False(t, r.Opened())
}

func TestReassembler_PTSMonotonicAcrossFallbacks(t *testing.T) {
	out := &recordingOutput{}
	r := newTestReassembler(out)
	_, _ = r.Drain(configFragment(testSPS))
	_, _ = r.Drain(configFragment(testPPS))

	ticks := []int64{0, 40000, 40000, 40000, 160000, 160000, 200000}
	for _, tick := range ticks {
		_, err := r.Drain(sliceFragment(0x41, tick, 8))
		require.NoError(t, err)
	}

	require.Len(t, out.units, len(ticks))
	for i := 1; i < len(out.units); i++ {
		assert.GreaterOrEqual(t, out.units[i].PTS, out.units[i-1].PTS)
	}
	assert.Equal(t, int64(120000), out.units[3].PTS)
	assert.Equal(t, int64(200000), out.units[5].PTS)
}
