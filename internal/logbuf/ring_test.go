package logbuf

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_PromotesLevelFromMarker(t *testing.T) {
	buf := New()
	w := NewWriter(buf, "eosconnect", LevelInfo)

	w.Write([]byte("scheduler: everything fine"))
	w.Write([]byte("WARN: scheduler: price fetch retrying"))
	w.Write([]byte("ERROR: scheduler: solver call failed"))
	w.Write([]byte("CRIT: scheduler: out of options"))

	all := buf.Snapshot("", time.Time{}, 0)
	require.Len(t, all, 4)
	assert.Equal(t, LevelInfo, all[0].Level)
	assert.Equal(t, LevelWarning, all[1].Level)
	assert.Equal(t, LevelError, all[2].Level)
	assert.Equal(t, LevelCritical, all[3].Level)
}

func TestWriter_PromotedLevelsReachAlertsRing(t *testing.T) {
	buf := New()
	w := NewWriter(buf, "eosconnect", LevelInfo)

	w.Write([]byte("scheduler: everything fine"))
	w.Write([]byte("WARN: scheduler: price fetch retrying"))
	w.Write([]byte("ERROR: scheduler: solver call failed"))

	alerts := buf.Alerts(time.Time{}, 0)
	require.Len(t, alerts, 2)
	assert.Equal(t, LevelWarning, alerts[0].Level)
	assert.Equal(t, LevelError, alerts[1].Level)
}

func TestBuffer_AppendEvictsOldestOnceFull(t *testing.T) {
	buf := NewWithCapacity(2, 2)
	buf.Append("s", LevelInfo, "one")
	buf.Append("s", LevelInfo, "two")
	buf.Append("s", LevelInfo, "three")

	all := buf.Snapshot("", time.Time{}, 0)
	require.Len(t, all, 2)
	assert.Equal(t, "two", all[0].Message)
	assert.Equal(t, "three", all[1].Message)
}

func TestBuffer_ClearAndClearAlerts(t *testing.T) {
	buf := New()
	buf.Append("s", LevelError, "boom")
	require.Len(t, buf.Snapshot("", time.Time{}, 0), 1)
	require.Len(t, buf.Alerts(time.Time{}, 0), 1)

	buf.Clear()
	assert.Empty(t, buf.Snapshot("", time.Time{}, 0))
	assert.Len(t, buf.Alerts(time.Time{}, 0), 1, "clearing the main ring must not touch the alerts ring")

	buf.ClearAlerts()
	assert.Empty(t, buf.Alerts(time.Time{}, 0))
}

func TestBuffer_StatsReportsCounts(t *testing.T) {
	buf := NewWithCapacity(10, 5)
	buf.Append("s", LevelInfo, "a")
	buf.Append("s", LevelWarning, "b")

	stats := buf.Stats()
	assert.Equal(t, 2, stats.AllCount)
	assert.Equal(t, 10, stats.AllCapacity)
	assert.Equal(t, 1, stats.AlertCount)
	assert.Equal(t, 5, stats.AlertCapacity)
}
