package cmdlog

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/gotmc/rsgen/lib/simulator"
)

func TestDescribe(t *testing.T) {
	testCases := []struct {
		reply string
		want  string
	}{
		{"", "<no response>"},
		{"1", `[1] "1"`},
		{"Rohde&Schwarz,SMB100A\n", `[22] "Rohde&Schwarz,SMB100A\n"`},
		{"\x00\x01", `[2] "\x00\x01" (00 01)`},
		{"12 µs\r\n", `[8] "12 µs\r\n"`},
		{"OK\xff", `[3] "OK\xff" (4f 4b ff)`},
		{"\x1b[0m", `[4] "\x1b[0m" (1b 5b 30 6d)`},
		{string(make([]byte, 32)), "[32] 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00 00"},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.want, Describe(tc.reply))
	}
}

func TestSessionLogsTraffic(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sim := simulator.New()
	s := Wrap(sim, zap.New(core))

	require.NoError(t, s.Command("SOUR1:FREQ %s", "1e+09"))
	reply, err := s.Query("SOUR1:FREQ?")
	require.NoError(t, err)
	assert.Equal(t, "1e+09", reply)
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"SOUR1:FREQ 1e+09", "SOUR1:FREQ?"}, sim.History())
	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, "scpi", entries[0].LoggerName)
	assert.Contains(t, entries[0].ContextMap()["cmd"], "SOUR1:FREQ 1e+09")
	assert.Contains(t, entries[1].ContextMap()["reply"], `"1e+09"`)
}

func TestSessionLogsFailures(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	sim := simulator.New()
	boom := errors.New("link down")
	sim.Fail("SOUR:POW", boom)
	sim.Fail("SOUR:POW?", boom)
	s := Wrap(sim, zap.New(core))

	err := s.Command("SOUR1:POW 0.5")
	assert.Equal(t, boom, errors.Cause(err))
	_, err = s.Query("SOUR1:POW?")
	assert.Error(t, err)
	require.Equal(t, 2, logs.Len())
	for _, e := range logs.All() {
		assert.Contains(t, e.Message, "failed")
	}
}

func TestSessionQuietAboveDebug(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	s := Wrap(simulator.New(), zap.New(core))
	_, err := s.Query("*IDN?")
	require.NoError(t, err)
	assert.Zero(t, logs.Len())
}
