package target

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeQueue(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestLoadSkipsBadLines(t *testing.T) {
	path := writeQueue(t,
		`{"target_id":"a","phone":"+1 (555) 010-0001","campaign_id":"spring","priority_score":9,"call_window":"09:00-18:00","last_action_ts":"2026-10-01T10:00:00Z"}`,
		``,
		`not json at all`,
		`{"campaign_id":"spring"}`,
		`{"phone":"555-010-0002","campaign_id":"spring","priority_score":4}`,
		`{"target_id":"a","phone":"+15550100009","campaign_id":"dup"}`,
		`{"target_id":"c","phone":"call me maybe","campaign_id":"spring","last_action_ts":1760000000}`,
	)

	loaded, err := Load(path, Options{DefaultCountryCode: "1"})
	require.NoError(t, err)

	require.Len(t, loaded.Targets, 3)
	assert.Equal(t, 3, loaded.Rejected)

	a := loaded.Targets[0]
	assert.Equal(t, "a", a.ID)
	assert.Equal(t, "+15550100001", a.Phone)
	assert.Equal(t, 0, a.Seq)
	assert.True(t, a.LastActionTS.Equal(time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)))

	b := loaded.Targets[1]
	assert.Equal(t, "+15550100002", b.ID, "missing id defaults to normalized phone")
	assert.Equal(t, 1, b.Seq)

	c := loaded.Targets[2]
	assert.Equal(t, "c", c.ID)
	assert.Empty(t, c.Phone, "unresolvable phone is kept empty for the evaluator")
	assert.Equal(t, int64(1760000000), c.LastActionTS.Unix())
}

func TestLoadRejectsOversizedLine(t *testing.T) {
	huge := `{"target_id":"big","phone":"+15550100005","note":"` + strings.Repeat("x", 2<<20) + `"}`
	path := writeQueue(t,
		`{"target_id":"t001","phone":"+15550100001","campaign_id":"spring"}`,
		huge,
		`{"target_id":"t002","phone":"+15550100002","campaign_id":"spring"}`,
	)

	loaded, err := Load(path, Options{DefaultCountryCode: "1"})
	require.NoError(t, err)
	require.Len(t, loaded.Targets, 2)
	assert.Equal(t, 1, loaded.Rejected)
	assert.Equal(t, "t001", loaded.Targets[0].ID)
	assert.Equal(t, "t002", loaded.Targets[1].ID)
	assert.Equal(t, 1, loaded.Targets[1].Seq)
}

func TestLoadLastLineWithoutNewline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.jsonl")
	data := `{"target_id":"a","phone":"+15550100001"}` + "\n" + `{"target_id":"b","phone":"+15550100002"}`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	loaded, err := Load(path, Options{})
	require.NoError(t, err)
	require.Len(t, loaded.Targets, 2)
	assert.Equal(t, "b", loaded.Targets[1].ID)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.jsonl"), Options{})
	assert.Error(t, err)
}

func TestLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	loaded, err := Load(path, Options{})
	require.NoError(t, err)
	assert.Empty(t, loaded.Targets)
	assert.Zero(t, loaded.Rejected)
}

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		in   string
		cc   string
		want string
	}{
		{"+1 555 010 0001", "1", "+15550100001"},
		{"(555) 010-0001", "1", "+15550100001"},
		{"15550100001", "1", "+15550100001"},
		{"0044 20 7946 0958", "1", "+442079460958"},
		{"+44 20 7946 0958", "", "+442079460958"},
		{"5550100001", "", ""},
		{"442071234567", "1", "+442071234567"},
		{"44 20 7123 4567", "", "+442071234567"},
		{"61 2 9374 4000", "1", "+61293744000"},
		{"1234567", "1", ""},
		{"12345", "1", ""},
		{"+1234567890123456", "1", ""},
		{"555-CALL-NOW", "1", ""},
		{"", "1", ""},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizePhone(tt.in, tt.cc))
		})
	}
}

func TestTimestampFormats(t *testing.T) {
	var ts Timestamp
	require.NoError(t, ts.UnmarshalJSON([]byte(`"2026-10-02 08:30:00"`)))
	assert.Equal(t, 8, ts.Hour())

	require.NoError(t, ts.UnmarshalJSON([]byte(`"2026-10-02"`)))
	assert.Equal(t, 2, ts.Day())

	require.NoError(t, ts.UnmarshalJSON([]byte(`null`)))
	assert.True(t, ts.IsZero())

	assert.Error(t, ts.UnmarshalJSON([]byte(`"yesterday"`)))
}
