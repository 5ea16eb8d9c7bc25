package container_test

import (
	"log/slog"
	"testing"

	"github.com/jmylchreest/pitx/internal/testutil"
)

var (
	testSPS = testutil.SPS
	testPPS = testutil.PPS
	testAAC = testutil.AAC
)

func quiet() *slog.Logger {
	return testutil.Quiet()
}

// writeTS muxes frames video access units and, when audio is set, one AAC
// frame per video frame.
func writeTS(t *testing.T, frames, gop int, audio bool) []byte {
	t.Helper()
	return testutil.SampleTS(t, testutil.TSOptions{Frames: frames, GOP: gop, Audio: audio})
}
