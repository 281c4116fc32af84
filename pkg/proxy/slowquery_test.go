package proxy

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixiv/neoagent/pkg/config"
)

func slowLogConfig(format string) config.Environment {
	cfg := testEnvConfig("127.0.0.1:11211")
	cfg.SlowQuerySec = 0.5
	cfg.SlowQueryLogPath = "/slow.log"
	cfg.SlowQueryLogFormat = format
	return cfg
}

func sampleRecord() SlowQueryRecord {
	return SlowQueryRecord{
		Time:            time.Date(2024, 4, 1, 12, 0, 0, 0, time.UTC),
		Env:             "test",
		ClientAddr:      "127.0.0.1:5000",
		UpstreamAddr:    "127.0.0.1:11211",
		Command:         "get",
		Requests:        2,
		ToUpstreamSec:   0.1,
		FromUpstreamSec: 0.7,
		ToClientSec:     0.05,
		TotalSec:        0.85,
	}
}

func TestSlowQueryLogJSON(t *testing.T) {
	fs := afero.NewMemMapFs()
	log, err := NewSlowQueryLog(fs, slowLogConfig("json"))
	require.NoError(t, err)
	require.True(t, log.Enabled())

	require.NoError(t, log.Emit(sampleRecord()))
	require.NoError(t, log.Emit(sampleRecord()))
	assert.Equal(t, int64(2), log.Count())

	data, err := afero.ReadFile(fs, "/slow.log")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec SlowQueryRecord
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "get", rec.Command)
	assert.Equal(t, 0.85, rec.TotalSec)
}

func TestSlowQueryLogLTSV(t *testing.T) {
	fs := afero.NewMemMapFs()
	log, err := NewSlowQueryLog(fs, slowLogConfig("ltsv"))
	require.NoError(t, err)

	require.NoError(t, log.Emit(sampleRecord()))

	data, err := afero.ReadFile(fs, "/slow.log")
	require.NoError(t, err)
	line := strings.TrimSpace(string(data))
	assert.Contains(t, line, "env:test")
	assert.Contains(t, line, "command:get")
	assert.Contains(t, line, "\tclient:127.0.0.1:5000\t")
}

func TestSlowQueryLogDisabled(t *testing.T) {
	fs := afero.NewMemMapFs()
	cfg := testEnvConfig("127.0.0.1:11211")
	log, err := NewSlowQueryLog(fs, cfg)
	require.NoError(t, err)
	assert.False(t, log.Enabled())
}

func TestSlowQueryLogBadMask(t *testing.T) {
	cfg := slowLogConfig("json")
	cfg.SlowQueryLogAccessMask = "zz"
	_, err := NewSlowQueryLog(afero.NewMemMapFs(), cfg)
	assert.Error(t, err)
}

func TestSlowQueryEmittedForSlowUpstream(t *testing.T) {
	upstream := newFakeMemcached(t)
	upstream.set("foo", "bar")
	upstream.delay = 120 * time.Millisecond

	cfg := testEnvConfig(upstream.addr())
	cfg.SlowQuerySec = 0.05
	cfg.SlowQueryLogPath = "/slow.log"
	cfg.SlowQueryLogFormat = "json"
	env := newTestEnv(t, cfg)
	_, addr := startProxy(t, env, cfg)

	conn := dialProxy(t, addr)
	roundTrip(t, conn, "get foo\r\n", "VALUE foo 0 3\r\nbar\r\nEND\r\n")

	waitFor(t, 2*time.Second, func() bool { return env.slowLog.Count() == 1 }, "slow query recorded")
}
