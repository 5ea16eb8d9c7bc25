package version

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withBuild(t *testing.T, v, commit, date string) {
	t.Helper()
	ov, oc, od := Version, Commit, Date
	Version, Commit, Date = v, commit, date
	t.Cleanup(func() { Version, Commit, Date = ov, oc, od })
}

func TestGetInfo(t *testing.T) {
	withBuild(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05Z")

	info := GetInfo()
	assert.Equal(t, "1.2.3", info.Version)
	assert.Equal(t, "0123456789abcdef", info.Commit)
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}

func TestString(t *testing.T) {
	withBuild(t, "dev", "unknown", "unknown")
	assert.Contains(t, String(), "pitx version dev")
	assert.Equal(t, "pitx dev", Short())

	withBuild(t, "1.2.3", "0123456789abcdef", "2026-01-02T03:04:05Z")
	assert.Contains(t, String(), "commit: 01234567")
	assert.Equal(t, "pitx 1.2.3 (01234567)", Short())
}

func TestIsSnapshot(t *testing.T) {
	tests := map[string]bool{
		"dev":                    true,
		"1.2.3-SNAPSHOT.abc1234": true,
		"1.2.3":                  false,
		"0.9.0-rc.1":             false,
	}
	for v, want := range tests {
		withBuild(t, v, "unknown", "unknown")
		assert.Equal(t, want, IsSnapshot(), v)
	}
}

func TestJSON(t *testing.T) {
	withBuild(t, "1.0.0", "abc", "now")
	data, err := json.Marshal(GetInfo())
	require.NoError(t, err)

	var m map[string]string
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, "1.0.0", m["version"])
	assert.Contains(t, m, "go_version")
}

func TestLogValue(t *testing.T) {
	withBuild(t, "1.0.0", "0123456789abcdef", "now")
	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("start", slog.Any("build", GetInfo()))
	assert.Contains(t, buf.String(), "build.version=1.0.0")
	assert.Contains(t, buf.String(), "build.commit=01234567")
}
