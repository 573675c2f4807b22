// Package target loads the ranked outreach queue produced by the upstream
// lead pipeline. Records are newline-delimited JSON, one Target per line.
package target

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Target is one outreach candidate. It is immutable once loaded for a run.
type Target struct {
	ID            string    `json:"target_id"`
	Phone         string    `json:"phone"`
	CampaignID    string    `json:"campaign_id"`
	PriorityScore float64   `json:"priority_score"`
	CallWindow    string    `json:"call_window,omitempty"`
	LastActionTS  Timestamp `json:"last_action_ts"`

	// Seq is the zero-based position in the input, used as the final
	// ranking tie-break.
	Seq int `json:"-"`
}

// Timestamp accepts the timestamp shapes emitted by upstream producers:
// RFC3339, "2006-01-02 15:04:05", "2006-01-02", or unix seconds.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (ts *Timestamp) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	if raw == "null" || raw == `""` {
		ts.Time = time.Time{}
		return nil
	}

	if raw[0] != '"' {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("last_action_ts: %w", err)
		}
		ts.Time = time.Unix(int64(secs), 0).UTC()
		return nil
	}

	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("last_action_ts: unrecognised timestamp %q", s)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.UTC().Format(time.RFC3339))
}

// NormalizePhone reduces a dialable number to "+<digits>". Bare 10-digit
// numbers get defaultCountryCode; other bare numbers are taken as already
// carrying a country code. It returns "" when the input cannot be resolved to
// 8-15 digits.
func NormalizePhone(raw, defaultCountryCode string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	plus := strings.HasPrefix(raw, "+")
	if strings.HasPrefix(raw, "00") {
		plus = true
		raw = raw[2:]
	}

	var digits strings.Builder
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			digits.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '.' || r == '(' || r == ')':
		default:
			return ""
		}
	}

	d := digits.String()
	if !plus {
		cc := strings.TrimPrefix(defaultCountryCode, "+")
		switch {
		case len(d) == 10:
			if cc == "" {
				return ""
			}
			d = cc + d
		case cc != "" && len(d) == 10+len(cc) && strings.HasPrefix(d, cc):
		}
	}

	if len(d) < 8 || len(d) > 15 {
		return ""
	}
	return "+" + d
}
