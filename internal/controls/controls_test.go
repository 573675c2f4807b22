package controls

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/outdial/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR")
	os.Exit(m.Run())
}

func writeControls(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name string
		body string // empty means no file
		want Controls
	}{
		{
			name: "missing file uses fallbacks",
			want: Controls{MaxCalls: 25, Concurrency: 4, Source: SourceFallback},
		},
		{
			name: "malformed file uses fallbacks",
			body: "{max_calls: ",
			want: Controls{MaxCalls: 25, Concurrency: 4, Source: SourceFallback},
		},
		{
			name: "full document",
			body: `{"max_calls": 7, "concurrency": 2, "stop_requested": true, "source": "operator"}`,
			want: Controls{MaxCalls: 7, Concurrency: 2, StopRequested: true, Source: SourceOperator},
		},
		{
			name: "absent fields fall back individually",
			body: `{"concurrency": 8}`,
			want: Controls{MaxCalls: 25, Concurrency: 8, Source: SourceFile},
		},
		{
			name: "values are clamped",
			body: `{"max_calls": 999999, "concurrency": 500}`,
			want: Controls{MaxCalls: HardMaxCalls, Concurrency: HardMaxConcurrency, Source: SourceFile},
		},
		{
			name: "negative and zero are clamped",
			body: `{"max_calls": -3, "concurrency": 0}`,
			want: Controls{MaxCalls: 0, Concurrency: 1, Source: SourceFile},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "controls.json")
			if tt.body != "" {
				writeControls(t, path, tt.body)
			}
			assert.Equal(t, tt.want, Load(path, 25, 4))
		})
	}
}

func TestLoadEmptyPath(t *testing.T) {
	got := Load("", 0, 0)
	assert.Equal(t, Controls{MaxCalls: 0, Concurrency: 1, Source: SourceFallback}, got)
}

func TestSaveAndClearStop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "controls.json")
	require.NoError(t, Save(path, Controls{MaxCalls: 10, Concurrency: 3, StopRequested: true, Source: SourceOperator}))
	assert.True(t, Load(path, 0, 1).StopRequested)

	require.NoError(t, ClearStop(path, Load(path, 0, 1)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, false, raw["stop_requested"])
	assert.Equal(t, "engine", raw["source"])
	assert.EqualValues(t, 10, raw["max_calls"])
	assert.EqualValues(t, 3, raw["concurrency"])
}

func TestWatcherDisabled(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controls.json")
	writeControls(t, path, `{"stop_requested": true}`)

	w := NewWatcher(path, 0, 0, 1)
	assert.False(t, w.StopRequested())

	var nilWatcher *Watcher
	assert.False(t, nilWatcher.StopRequested())
}

func TestWatcherPollsAtInterval(t *testing.T) {
	path := filepath.Join(t.TempDir(), "controls.json")
	writeControls(t, path, `{"stop_requested": false}`)

	now := time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)
	w := NewWatcher(path, time.Minute, 0, 1)
	w.now = func() time.Time { return now }

	assert.False(t, w.StopRequested())

	writeControls(t, path, `{"stop_requested": true}`)
	now = now.Add(30 * time.Second)
	assert.False(t, w.StopRequested(), "file is not re-read inside the interval")

	now = now.Add(31 * time.Second)
	assert.True(t, w.StopRequested())

	writeControls(t, path, `{"stop_requested": false}`)
	now = now.Add(time.Hour)
	assert.True(t, w.StopRequested(), "an observed stop is sticky")
}
