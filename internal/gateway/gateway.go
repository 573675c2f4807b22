// Package gateway places calls through the external voice provider. The
// provider exposes one operation: place a call, which succeeds with a call id
// and provider status, or fails.
package gateway

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/zeebo/blake3"
)

const maxResponseBytes = 1 << 20

// Request describes one call attempt.
type Request struct {
	TargetID      string
	CampaignID    string
	To            string
	AttemptNumber int
	AfterHours    bool
	RunID         string
	// At is the attempt time; its UTC date scopes the idempotency key.
	At time.Time
}

// IdempotencyKey is stable for a target, attempt number and UTC day, so a
// retried HTTP request for the same attempt cannot place a second call.
func (r Request) IdempotencyKey() string {
	return IdempotencyKey(r.TargetID, r.AttemptNumber, r.At.UTC().Format(time.DateOnly))
}

func IdempotencyKey(targetID string, attempt int, date string) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s|%d|%s", targetID, attempt, date)))
	return hex.EncodeToString(sum[:])
}

// Result is the provider's acceptance of a call.
type Result struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
}

// StatusError is returned for non-2xx provider responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("gateway returned %d", e.StatusCode)
	}
	return fmt.Sprintf("gateway returned %d: %s", e.StatusCode, e.Body)
}

type Config struct {
	BaseURL    string
	APIKey     string
	FromNumber string
	AgentID    string
	Timeout    time.Duration
}

// Client calls the provider over HTTP.
type Client struct {
	cfg  Config
	http *http.Client
}

// NewClient builds a provider client. A nil httpClient uses one bounded by
// cfg.Timeout.
func NewClient(cfg Config, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg, http: httpClient}
}

type placeBody struct {
	From     string         `json:"from"`
	To       string         `json:"to"`
	AgentID  string         `json:"agent_id,omitempty"`
	Metadata map[string]any `json:"metadata"`
}

// Place submits one call. Transport errors, timeouts and non-2xx responses
// are all returned as errors.
func (c *Client) Place(ctx context.Context, req Request) (Result, error) {
	key := req.IdempotencyKey()
	body, err := json.Marshal(placeBody{
		From:    c.cfg.FromNumber,
		To:      req.To,
		AgentID: c.cfg.AgentID,
		Metadata: map[string]any{
			"target_id":       req.TargetID,
			"campaign_id":     req.CampaignID,
			"attempt_number":  req.AttemptNumber,
			"after_hours":     req.AfterHours,
			"run_id":          req.RunID,
			"idempotency_key": key,
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal call request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build call request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("place call: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Result{}, fmt.Errorf("read call response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Result{}, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}

	var res Result
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			return Result{}, fmt.Errorf("decode call response: %w", err)
		}
	}
	return res, nil
}

// DryRun accepts every call without contacting the provider.
type DryRun struct{}

func (DryRun) Place(_ context.Context, _ Request) (Result, error) {
	return Result{CallID: "dryrun-" + uuid.NewString(), Status: "queued"}, nil
}
