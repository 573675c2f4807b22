// Package controls reads and writes the runtime controls document that lets an
// operator throttle or halt dispatch without editing configuration.
package controls

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/mattjoyce/outdial/internal/log"
	"github.com/mattjoyce/outdial/internal/storage"
)

const (
	HardMaxCalls       = 10000
	HardMaxConcurrency = 64
)

// Source values record who last wrote the controls document.
const (
	SourceFallback = "fallback"
	SourceFile     = "file"
	SourceEngine   = "engine"
	SourceOperator = "operator"
)

// Controls is the effective runtime throttle. MaxCalls 0 means unbounded.
type Controls struct {
	MaxCalls      int    `json:"max_calls"`
	Concurrency   int    `json:"concurrency"`
	StopRequested bool   `json:"stop_requested"`
	Source        string `json:"source,omitempty"`
}

// document distinguishes absent fields from zero values.
type document struct {
	MaxCalls      *int    `json:"max_calls"`
	Concurrency   *int    `json:"concurrency"`
	StopRequested *bool   `json:"stop_requested"`
	Source        *string `json:"source"`
}

// Load reads the controls file. It never fails: a missing or malformed file
// yields the fallbacks with stop cleared, and absent fields fall back
// individually. The result is always clamped.
func Load(path string, fallbackMaxCalls, fallbackConcurrency int) Controls {
	c := Controls{
		MaxCalls:    fallbackMaxCalls,
		Concurrency: fallbackConcurrency,
		Source:      SourceFallback,
	}
	if path == "" {
		return Clamp(c)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.WithComponent("controls").Warn("controls file unreadable, using fallbacks", "path", path, "error", err)
		}
		return Clamp(c)
	}

	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		log.WithComponent("controls").Warn("controls file malformed, using fallbacks", "path", path, "error", err)
		return Clamp(c)
	}

	c.Source = SourceFile
	if doc.MaxCalls != nil {
		c.MaxCalls = *doc.MaxCalls
	}
	if doc.Concurrency != nil {
		c.Concurrency = *doc.Concurrency
	}
	if doc.StopRequested != nil {
		c.StopRequested = *doc.StopRequested
	}
	if doc.Source != nil && *doc.Source != "" {
		c.Source = *doc.Source
	}
	return Clamp(c)
}

// Clamp bounds MaxCalls to [0, HardMaxCalls] and Concurrency to
// [1, HardMaxConcurrency].
func Clamp(c Controls) Controls {
	c.MaxCalls = min(max(c.MaxCalls, 0), HardMaxCalls)
	c.Concurrency = min(max(c.Concurrency, 1), HardMaxConcurrency)
	return c
}

// Save writes c atomically.
func Save(path string, c Controls) error {
	data, err := json.MarshalIndent(Clamp(c), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal controls: %w", err)
	}
	if err := storage.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save controls: %w", err)
	}
	return nil
}

// ClearStop persists c with the stop flag cleared and the engine as source.
func ClearStop(path string, c Controls) error {
	c.StopRequested = false
	c.Source = SourceEngine
	return Save(path, c)
}

// Watcher re-reads the controls file at most once per interval so a running
// dispatch can notice a stop request. A zero interval disables polling.
type Watcher struct {
	path        string
	interval    time.Duration
	maxCalls    int
	concurrency int
	now         func() time.Time

	mu      sync.Mutex
	checked time.Time
	stopped bool
}

func NewWatcher(path string, interval time.Duration, fallbackMaxCalls, fallbackConcurrency int) *Watcher {
	return &Watcher{
		path:        path,
		interval:    interval,
		maxCalls:    fallbackMaxCalls,
		concurrency: fallbackConcurrency,
		now:         time.Now,
	}
}

// StopRequested reports whether a stop has been observed. Once true it stays
// true for the life of the watcher.
func (w *Watcher) StopRequested() bool {
	if w == nil || w.interval <= 0 {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return true
	}
	now := w.now()
	if !w.checked.IsZero() && now.Sub(w.checked) < w.interval {
		return false
	}
	w.checked = now
	if Load(w.path, w.maxCalls, w.concurrency).StopRequested {
		w.stopped = true
		log.WithComponent("controls").Info("stop requested mid-run", "path", w.path)
	}
	return w.stopped
}
