// Package state holds the durable cross-run record of per-target attempts and
// per-campaign daily counters. It is loaded once at run start, mutated only by
// the dispatch collector, and saved with a single atomic write at run end.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/mattjoyce/outdial/internal/calllog"
	"github.com/mattjoyce/outdial/internal/log"
	"github.com/mattjoyce/outdial/internal/storage"
)

const (
	StatusNeverContacted = "never_contacted"
	StatusQueued         = "queued"
	StatusDispatched     = "dispatched"
	StatusFailed         = "failed"
)

// CallState is the per-target record. Attempts never decrease.
type CallState struct {
	TargetID               string    `json:"target_id"`
	Attempts               int       `json:"attempts"`
	Status                 string    `json:"status"`
	LastCallID             string    `json:"last_call_id,omitempty"`
	AfterHoursCallOnceDone bool      `json:"after_hours_call_once_done"`
	UpdatedAt              time.Time `json:"updated_at,omitzero"`
}

// CampaignCounter is a daily dispatch count bound to a single UTC date.
type CampaignCounter struct {
	DailyDate  string `json:"daily_date"`
	DailyCount int    `json:"daily_count"`
}

type document struct {
	Campaigns map[string]CampaignCounter `json:"campaigns"`
	Calls     map[string]CallState       `json:"calls"`
}

// Store is the in-memory state document. Methods are safe for concurrent use,
// though the dispatch engine only mutates it from one goroutine.
type Store struct {
	mu  sync.RWMutex
	doc document
}

// LoadInfo describes how the state file was obtained.
type LoadInfo struct {
	Path          string
	Existed       bool
	Recovered     bool
	QuarantinedTo string
}

func New() *Store {
	return &Store{doc: document{
		Campaigns: make(map[string]CampaignCounter),
		Calls:     make(map[string]CallState),
	}}
}

// DateOf returns the UTC calendar date used for daily counters.
func DateOf(t time.Time) string {
	return t.UTC().Format(time.DateOnly)
}

var rename = os.Rename

// Load reads the state file. A missing file yields empty state. A file that
// cannot be parsed is moved aside to <path>.corrupt-<unix> and empty state is
// returned with info.Recovered set. If it cannot be moved, a copy is written
// there instead; if that fails too the run still proceeds from empty state.
// Only read failures are returned as errors.
func Load(path string) (*Store, LoadInfo, error) {
	info := LoadInfo{Path: path}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(), info, nil
	}
	if err != nil {
		return nil, info, fmt.Errorf("read state file: %w", err)
	}
	info.Existed = true

	s := New()
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		logger := log.WithComponent("state")
		info.Recovered = true
		dst := fmt.Sprintf("%s.corrupt-%d", path, time.Now().Unix())
		if rerr := rename(path, dst); rerr != nil {
			if werr := storage.WriteFileAtomic(dst, data, 0o644); werr != nil {
				logger.Warn("state file unreadable and could not be quarantined, starting from empty state",
					"path", path, "error", err, "rename_error", rerr, "copy_error", werr)
				return s, info, nil
			}
			logger.Warn("state file unreadable, copied aside",
				"path", path, "quarantined_to", dst, "error", err, "rename_error", rerr)
			info.QuarantinedTo = dst
			return s, info, nil
		}
		logger.Warn("state file unreadable, starting from empty state",
			"path", path, "quarantined_to", dst, "error", err)
		info.QuarantinedTo = dst
		return s, info, nil
	}

	for id, c := range doc.Campaigns {
		s.doc.Campaigns[id] = c
	}
	for id, cs := range doc.Calls {
		if cs.TargetID == "" {
			cs.TargetID = id
		}
		s.doc.Calls[id] = cs
	}
	return s, info, nil
}

// Save writes the whole document atomically.
func (s *Store) Save(path string) error {
	s.mu.RLock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if err := storage.WriteFileAtomic(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("save state: %w", err)
	}
	return nil
}

// Call returns the record for id, or a never-contacted record if none exists.
func (s *Store) Call(id string) CallState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if cs, ok := s.doc.Calls[id]; ok {
		return cs
	}
	return CallState{TargetID: id, Status: StatusNeverContacted}
}

// Calls returns every record ordered by target id.
func (s *Store) Calls() []CallState {
	s.mu.RLock()
	out := make([]CallState, 0, len(s.doc.Calls))
	for _, cs := range s.doc.Calls {
		out = append(out, cs)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].TargetID < out[j].TargetID })
	return out
}

// DailyCount is the campaign's count for date; a stored counter for any other
// date reads as zero.
func (s *Store) DailyCount(campaign, date string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.doc.Campaigns[campaign]
	if !ok || c.DailyDate != date {
		return 0
	}
	return c.DailyCount
}

// DailyCounts returns the counts for every campaign that has activity on date.
func (s *Store) DailyCounts(date string) map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]int)
	for id, c := range s.doc.Campaigns {
		if c.DailyDate == date {
			out[id] = c.DailyCount
		}
	}
	return out
}

// IncrementDaily adds one success to the campaign, rolling the stored date
// forward when it differs. It returns the new count.
func (s *Store) IncrementDaily(campaign, date string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.doc.Campaigns[campaign]
	if c.DailyDate != date {
		c = CampaignCounter{DailyDate: date}
	}
	c.DailyCount++
	s.doc.Campaigns[campaign] = c
	return c.DailyCount
}

// Attempt is the outcome of one gateway call as applied to state.
type Attempt struct {
	TargetID   string
	CallID     string
	Status     string
	Success    bool
	AfterHours bool
	At         time.Time
}

// RecordAttempt applies an attempt to the target's record and returns it.
// Daily counters are not touched; callers increment them separately.
func (s *Store) RecordAttempt(a Attempt) CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.doc.Calls[a.TargetID]
	if !ok {
		cs = CallState{TargetID: a.TargetID}
	}
	cs.Attempts++
	if a.CallID != "" {
		cs.LastCallID = a.CallID
	}
	if a.Success {
		cs.Status = a.Status
		if cs.Status == "" {
			cs.Status = StatusQueued
		}
		if a.AfterHours {
			cs.AfterHoursCallOnceDone = true
		}
	} else {
		cs.Status = StatusFailed
	}
	cs.UpdatedAt = a.At.UTC()
	s.doc.Calls[a.TargetID] = cs
	return cs
}

// SetStatus overwrites a target's status, creating the record if needed. It
// is how operators mark a target terminal (dnc, booked, ...) out of band.
func (s *Store) SetStatus(targetID, status string, at time.Time) CallState {
	s.mu.Lock()
	defer s.mu.Unlock()
	cs, ok := s.doc.Calls[targetID]
	if !ok {
		cs = CallState{TargetID: targetID}
	}
	cs.Status = status
	cs.UpdatedAt = at.UTC()
	s.doc.Calls[targetID] = cs
	return cs
}

// Rebuild replays dispatch log entries, in log order, into a fresh store.
func Rebuild(entries []calllog.Entry) *Store {
	s := New()
	for _, e := range entries {
		cs := s.RecordAttempt(Attempt{
			TargetID:   e.TargetID,
			CallID:     e.CallID,
			Status:     e.Status,
			Success:    e.Succeeded(),
			AfterHours: e.AfterHours,
			At:         e.Timestamp,
		})
		// A truncated log still keeps attempt numbering monotonic.
		if e.AttemptNumber > cs.Attempts {
			cs.Attempts = e.AttemptNumber
			s.mu.Lock()
			s.doc.Calls[e.TargetID] = cs
			s.mu.Unlock()
		}
		if e.Succeeded() && e.CampaignID != "" {
			s.IncrementDaily(e.CampaignID, DateOf(e.Timestamp))
		}
	}
	return s
}
