// Package history keeps a queryable SQLite ledger of dispatch runs and their
// attempts. It mirrors the dispatch log for reporting; it is never consulted
// for eligibility decisions.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mattjoyce/outdial/internal/storage"
)

const (
	RunStatusRunning = "running"
	timeLayout       = time.RFC3339Nano
)

// Run is one row of dispatch_run.
type Run struct {
	ID          string         `json:"run_id"`
	Status      string         `json:"status"`
	DryRun      bool           `json:"dry_run"`
	Loaded      int            `json:"loaded"`
	Eligible    int            `json:"eligible"`
	Attempted   int            `json:"attempted"`
	Dispatched  int            `json:"dispatched"`
	Failed      int            `json:"failed"`
	Skipped     int            `json:"skipped"`
	SkipReasons map[string]int `json:"skip_reasons,omitempty"`
	DailyCounts map[string]int `json:"daily_counts,omitempty"`
	ConfigHash  string         `json:"config_hash,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	FinishedAt  time.Time      `json:"finished_at,omitzero"`
}

// Attempt is one row of dispatch_attempt.
type Attempt struct {
	RunID         string    `json:"run_id"`
	TargetID      string    `json:"target_id"`
	CampaignID    string    `json:"campaign_id"`
	CallID        string    `json:"call_id,omitempty"`
	ToNumber      string    `json:"to_number"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	AttemptNumber int       `json:"attempt_number"`
	AfterHours    bool      `json:"after_hours"`
	At            time.Time `json:"at"`
}

type Recorder struct {
	db *sql.DB
}

func New(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Open opens the history database at path, creating the schema if needed.
func Open(ctx context.Context, path string) (*Recorder, error) {
	db, err := storage.OpenSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return New(db), nil
}

func (r *Recorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

// StartRun inserts the run row in the running state.
func (r *Recorder) StartRun(ctx context.Context, run Run) error {
	run.Status = RunStatusRunning
	return r.upsertRun(ctx, run)
}

// FinishRun writes the final counters and status.
func (r *Recorder) FinishRun(ctx context.Context, run Run) error {
	return r.upsertRun(ctx, run)
}

func (r *Recorder) upsertRun(ctx context.Context, run Run) error {
	skip, err := marshalCounts(run.SkipReasons)
	if err != nil {
		return err
	}
	daily, err := marshalCounts(run.DailyCounts)
	if err != nil {
		return err
	}
	finished := ""
	if !run.FinishedAt.IsZero() {
		finished = run.FinishedAt.UTC().Format(timeLayout)
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO dispatch_run(id, status, dry_run, loaded, eligible, attempted, dispatched, failed, skipped, skip_reasons, daily_counts, config_hash, started_at, finished_at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  status = excluded.status,
  loaded = excluded.loaded,
  eligible = excluded.eligible,
  attempted = excluded.attempted,
  dispatched = excluded.dispatched,
  failed = excluded.failed,
  skipped = excluded.skipped,
  skip_reasons = excluded.skip_reasons,
  daily_counts = excluded.daily_counts,
  finished_at = excluded.finished_at;
`,
		run.ID, run.Status, boolToInt(run.DryRun), run.Loaded, run.Eligible, run.Attempted,
		run.Dispatched, run.Failed, run.Skipped, skip, daily, run.ConfigHash,
		run.StartedAt.UTC().Format(timeLayout), finished,
	)
	if err != nil {
		return fmt.Errorf("write dispatch run: %w", err)
	}
	return nil
}

// RecordAttempt stores one attempt. A repeated (run, target) pair replaces
// the earlier row.
func (r *Recorder) RecordAttempt(ctx context.Context, a Attempt) error {
	_, err := r.db.ExecContext(ctx, `
INSERT OR REPLACE INTO dispatch_attempt(run_id, target_id, campaign_id, call_id, to_number, status, reason, attempt_number, after_hours, at)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		a.RunID, a.TargetID, a.CampaignID, nullIfEmpty(a.CallID), a.ToNumber, a.Status,
		nullIfEmpty(a.Reason), a.AttemptNumber, boolToInt(a.AfterHours), a.At.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("write dispatch attempt: %w", err)
	}
	return nil
}

// Recent returns up to limit runs, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id, status, dry_run, loaded, eligible, attempted, dispatched, failed, skipped, skip_reasons, daily_counts, config_hash, started_at, finished_at
FROM dispatch_run
ORDER BY started_at DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dispatch runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			run               Run
			dry               int
			skip, daily, hash sql.NullString
			started, finished string
		)
		if err := rows.Scan(&run.ID, &run.Status, &dry, &run.Loaded, &run.Eligible, &run.Attempted,
			&run.Dispatched, &run.Failed, &run.Skipped, &skip, &daily, &hash, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan dispatch run: %w", err)
		}
		run.DryRun = dry != 0
		run.ConfigHash = hash.String
		if run.SkipReasons, err = unmarshalCounts(skip); err != nil {
			return nil, err
		}
		if run.DailyCounts, err = unmarshalCounts(daily); err != nil {
			return nil, err
		}
		run.StartedAt, _ = time.Parse(timeLayout, started)
		if finished != "" {
			run.FinishedAt, _ = time.Parse(timeLayout, finished)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch runs: %w", err)
	}
	return out, nil
}

// Attempts returns the attempts recorded for a run in time order.
func (r *Recorder) Attempts(ctx context.Context, runID string) ([]Attempt, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT run_id, target_id, campaign_id, call_id, to_number, status, reason, attempt_number, after_hours, at
FROM dispatch_attempt
WHERE run_id = ?
ORDER BY at ASC, target_id ASC;
`, runID)
	if err != nil {
		return nil, fmt.Errorf("query dispatch attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a              Attempt
			callID, reason sql.NullString
			afterHours     int
			at             string
		)
		if err := rows.Scan(&a.RunID, &a.TargetID, &a.CampaignID, &callID, &a.ToNumber, &a.Status,
			&reason, &a.AttemptNumber, &afterHours, &at); err != nil {
			return nil, fmt.Errorf("scan dispatch attempt: %w", err)
		}
		a.CallID = callID.String
		a.Reason = reason.String
		a.AfterHours = afterHours != 0
		a.At, _ = time.Parse(timeLayout, at)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dispatch attempts: %w", err)
	}
	return out, nil
}

func marshalCounts(m map[string]int) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal counts: %w", err)
	}
	return string(b), nil
}

func unmarshalCounts(s sql.NullString) (map[string]int, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(s.String), &m); err != nil {
		return nil, fmt.Errorf("decode counts: %w", err)
	}
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
