package state

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outdial/internal/calllog"
	"github.com/mattjoyce/outdial/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func TestLoadMissingReturnsEmpty(t *testing.T) {
	s, info, err := Load(filepath.Join(t.TempDir(), "state.json"))
	require.NoError(t, err)
	assert.False(t, info.Existed)
	assert.False(t, info.Recovered)

	cs := s.Call("t1")
	assert.Equal(t, "t1", cs.TargetID)
	assert.Equal(t, StatusNeverContacted, cs.Status)
	assert.Zero(t, cs.Attempts)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	at := time.Date(2026, 10, 19, 15, 4, 5, 0, time.UTC)

	s := New()
	s.RecordAttempt(Attempt{TargetID: "t1", CallID: "c1", Status: "dispatched", Success: true, AfterHours: true, At: at})
	s.IncrementDaily("spring", DateOf(at))
	require.NoError(t, s.Save(path))

	loaded, info, err := Load(path)
	require.NoError(t, err)
	assert.True(t, info.Existed)

	cs := loaded.Call("t1")
	assert.Equal(t, 1, cs.Attempts)
	assert.Equal(t, "dispatched", cs.Status)
	assert.Equal(t, "c1", cs.LastCallID)
	assert.True(t, cs.AfterHoursCallOnceDone)
	assert.True(t, cs.UpdatedAt.Equal(at))
	assert.Equal(t, 1, loaded.DailyCount("spring", "2026-10-19"))
}

func TestLoadCorruptQuarantines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, info, err := Load(path)
	require.NoError(t, err)
	assert.True(t, info.Recovered)
	assert.True(t, strings.HasPrefix(info.QuarantinedTo, path+".corrupt-"))
	assert.Empty(t, s.Calls())

	_, statErr := os.Stat(path)
	assert.True(t, os.IsNotExist(statErr))
	data, err := os.ReadFile(info.QuarantinedTo)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestLoadCorruptCopiesWhenRenameFails(t *testing.T) {
	orig := rename
	rename = func(string, string) error { return os.ErrPermission }
	t.Cleanup(func() { rename = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, info, err := Load(path)
	require.NoError(t, err)
	assert.True(t, info.Recovered)
	assert.Empty(t, s.Calls())
	require.True(t, strings.HasPrefix(info.QuarantinedTo, path+".corrupt-"))

	data, err := os.ReadFile(info.QuarantinedTo)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))

	require.NoError(t, s.Save(path))
	_, _, err = Load(path)
	require.NoError(t, err)
}

func TestDailyCountRollsOverByDate(t *testing.T) {
	s := New()
	assert.Equal(t, 1, s.IncrementDaily("spring", "2026-10-18"))
	assert.Equal(t, 2, s.IncrementDaily("spring", "2026-10-18"))

	assert.Equal(t, 2, s.DailyCount("spring", "2026-10-18"))
	assert.Zero(t, s.DailyCount("spring", "2026-10-19"), "other dates read as zero")
	assert.Zero(t, s.DailyCount("autumn", "2026-10-18"))

	assert.Equal(t, 1, s.IncrementDaily("spring", "2026-10-19"))
	assert.Zero(t, s.DailyCount("spring", "2026-10-18"))
	assert.Equal(t, map[string]int{"spring": 1}, s.DailyCounts("2026-10-19"))
}

func TestRecordAttemptFailureKeepsCallID(t *testing.T) {
	s := New()
	at := time.Now()
	s.RecordAttempt(Attempt{TargetID: "t1", CallID: "c1", Status: "queued", Success: true, At: at})
	cs := s.RecordAttempt(Attempt{TargetID: "t1", Success: false, AfterHours: true, At: at})

	assert.Equal(t, 2, cs.Attempts)
	assert.Equal(t, StatusFailed, cs.Status)
	assert.Equal(t, "c1", cs.LastCallID)
	assert.False(t, cs.AfterHoursCallOnceDone, "failed after-hours attempt does not consume the allowance")
}

func TestRecordAttemptDefaultsStatusToQueued(t *testing.T) {
	s := New()
	cs := s.RecordAttempt(Attempt{TargetID: "t1", Success: true, At: time.Now()})
	assert.Equal(t, StatusQueued, cs.Status)
}

func TestSetStatus(t *testing.T) {
	s := New()
	s.RecordAttempt(Attempt{TargetID: "t1", Success: true, At: time.Now()})
	cs := s.SetStatus("t1", "dnc", time.Now())
	assert.Equal(t, "dnc", cs.Status)
	assert.Equal(t, 1, cs.Attempts)
}

func TestRebuildFromLog(t *testing.T) {
	day1 := time.Date(2026, 10, 18, 10, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 10, 19, 10, 0, 0, 0, time.UTC)
	entries := []calllog.Entry{
		{TargetID: "a", CampaignID: "spring", CallID: "c1", Status: "queued", AttemptNumber: 1, Timestamp: day1},
		{TargetID: "b", CampaignID: "spring", Status: "failed", Reason: "timeout", AttemptNumber: 1, Timestamp: day1},
		{TargetID: "b", CampaignID: "spring", CallID: "c2", Status: "queued", AttemptNumber: 2, AfterHours: true, Timestamp: day2},
		{TargetID: "c", CampaignID: "autumn", CallID: "c3", Status: "queued", AttemptNumber: 3, Timestamp: day2},
	}

	s := Rebuild(entries)

	a := s.Call("a")
	assert.Equal(t, 1, a.Attempts)
	assert.Equal(t, "queued", a.Status)

	b := s.Call("b")
	assert.Equal(t, 2, b.Attempts)
	assert.Equal(t, "c2", b.LastCallID)
	assert.True(t, b.AfterHoursCallOnceDone)

	assert.Equal(t, 3, s.Call("c").Attempts, "attempt numbers from the log are preserved")

	assert.Zero(t, s.DailyCount("spring", "2026-10-18"))
	assert.Equal(t, 1, s.DailyCount("spring", "2026-10-19"))
	assert.Equal(t, 1, s.DailyCount("autumn", "2026-10-19"))
}
