// Package calllog is the append-only record of every dispatch attempt. It is
// the source of truth for what was actually sent to the provider; the state
// file is a cache that can be rebuilt from it.
package calllog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Entry is one immutable line per attempted dispatch (never per skip).
type Entry struct {
	TargetID      string    `json:"target_id"`
	CampaignID    string    `json:"campaign_id"`
	CallID        string    `json:"call_id"`
	ToNumber      string    `json:"to_number"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
	AfterHours    bool      `json:"after_hours"`
	DryRun        bool      `json:"dry_run"`
	RunID         string    `json:"run_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// Succeeded reports whether the attempt reached the provider successfully.
func (e Entry) Succeeded() bool {
	return e.Status != "" && !strings.EqualFold(e.Status, "failed")
}

// Writer appends entries to an NDJSON file opened with O_APPEND.
type Writer struct {
	mu   sync.Mutex
	f    *os.File
	path string
}

// OpenWriter opens (creating if needed) the log for appending.
func OpenWriter(path string) (*Writer, error) {
	if path == "" {
		return nil, fmt.Errorf("dispatch log path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create dispatch log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open dispatch log: %w", err)
	}
	return &Writer{f: f, path: path}, nil
}

func (w *Writer) Path() string { return w.path }

// Append writes one entry as a single line and syncs it to disk.
func (w *Writer) Append(e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal dispatch log entry: %w", err)
	}
	b = append(b, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("dispatch log is closed")
	}
	if _, err := w.f.Write(b); err != nil {
		return fmt.Errorf("append dispatch log: %w", err)
	}
	return w.f.Sync()
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

// ReadAll parses every entry from r. Torn or malformed lines (for example a
// partial last line after a crash) are counted and skipped.
func ReadAll(r io.Reader) ([]Entry, int, error) {
	var (
		entries []Entry
		bad     int
	)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil || e.TargetID == "" {
			bad++
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return entries, bad, fmt.Errorf("read dispatch log: %w", err)
	}
	return entries, bad, nil
}

// ReadFile is ReadAll over a path. A missing file yields no entries.
func ReadFile(path string) ([]Entry, int, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open dispatch log: %w", err)
	}
	defer f.Close()
	return ReadAll(f)
}
