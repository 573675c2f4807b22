package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	mu       sync.Mutex
	requests []placeBody
	headers  []http.Header
	status   int
	reply    string
	delay    time.Duration
}

func (p *fakeProvider) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/calls", func(w http.ResponseWriter, r *http.Request) {
		var body placeBody
		_ = json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.requests = append(p.requests, body)
		p.headers = append(p.headers, r.Header.Clone())
		status, reply, delay := p.status, p.reply, p.delay
		p.mu.Unlock()

		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(reply))
	})
	return r
}

func (p *fakeProvider) seen() ([]placeBody, []http.Header) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]placeBody(nil), p.requests...), append([]http.Header(nil), p.headers...)
}

func newTestClient(t *testing.T, p *fakeProvider, timeout time.Duration) *Client {
	t.Helper()
	srv := httptest.NewServer(p.router())
	t.Cleanup(srv.Close)
	return NewClient(Config{
		BaseURL:    srv.URL + "/v1/calls",
		APIKey:     "secret",
		FromNumber: "+15550000000",
		AgentID:    "agent-7",
		Timeout:    timeout,
	}, nil)
}

func sampleRequest() Request {
	return Request{
		TargetID:      "t1",
		CampaignID:    "spring",
		To:            "+15550100001",
		AttemptNumber: 2,
		AfterHours:    true,
		RunID:         "run-1",
		At:            time.Date(2026, 10, 19, 23, 0, 0, 0, time.UTC),
	}
}

func TestClientPlaceSuccess(t *testing.T) {
	p := &fakeProvider{status: http.StatusCreated, reply: `{"call_id":"call-123","status":"dispatched"}`}
	c := newTestClient(t, p, 5*time.Second)

	res, err := c.Place(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, Result{CallID: "call-123", Status: "dispatched"}, res)

	requests, headers := p.seen()
	require.Len(t, requests, 1)
	body := requests[0]
	assert.Equal(t, "+15550000000", body.From)
	assert.Equal(t, "+15550100001", body.To)
	assert.Equal(t, "agent-7", body.AgentID)
	assert.Equal(t, "t1", body.Metadata["target_id"])
	assert.Equal(t, "spring", body.Metadata["campaign_id"])
	assert.EqualValues(t, 2, body.Metadata["attempt_number"])
	assert.Equal(t, true, body.Metadata["after_hours"])
	assert.Equal(t, "run-1", body.Metadata["run_id"])

	h := headers[0]
	assert.Equal(t, "Bearer secret", h.Get("Authorization"))
	assert.Equal(t, sampleRequest().IdempotencyKey(), h.Get("Idempotency-Key"))
	assert.Equal(t, h.Get("Idempotency-Key"), body.Metadata["idempotency_key"])
}

func TestClientPlaceNon2xx(t *testing.T) {
	p := &fakeProvider{status: http.StatusServiceUnavailable, reply: "upstream busy\n"}
	c := newTestClient(t, p, 5*time.Second)

	_, err := c.Place(context.Background(), sampleRequest())
	require.Error(t, err)

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusServiceUnavailable, se.StatusCode)
	assert.Equal(t, "upstream busy", se.Body)
	assert.Equal(t, "gateway returned 503: upstream busy", err.Error())
}

func TestClientPlaceBadJSON(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, reply: "<html>"}
	c := newTestClient(t, p, 5*time.Second)

	_, err := c.Place(context.Background(), sampleRequest())
	assert.ErrorContains(t, err, "decode call response")
}

func TestClientPlaceEmptyBody(t *testing.T) {
	p := &fakeProvider{status: http.StatusAccepted}
	c := newTestClient(t, p, 5*time.Second)

	res, err := c.Place(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, Result{}, res)
}

func TestClientPlaceTimeout(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, reply: `{}`, delay: 2 * time.Second}
	c := newTestClient(t, p, 50*time.Millisecond)

	start := time.Now()
	_, err := c.Place(context.Background(), sampleRequest())
	require.Error(t, err)
	assert.Less(t, time.Since(start), time.Second)
}

func TestClientOmitsAuthWithoutKey(t *testing.T) {
	p := &fakeProvider{status: http.StatusOK, reply: `{"call_id":"x"}`}
	srv := httptest.NewServer(p.router())
	t.Cleanup(srv.Close)
	c := NewClient(Config{BaseURL: srv.URL + "/v1/calls"}, srv.Client())

	_, err := c.Place(context.Background(), sampleRequest())
	require.NoError(t, err)
	_, headers := p.seen()
	require.Len(t, headers, 1)
	assert.Empty(t, headers[0].Get("Authorization"))
}

func TestIdempotencyKey(t *testing.T) {
	k1 := IdempotencyKey("t1", 1, "2026-10-19")
	assert.Len(t, k1, 64)
	assert.Equal(t, k1, IdempotencyKey("t1", 1, "2026-10-19"))
	assert.NotEqual(t, k1, IdempotencyKey("t1", 2, "2026-10-19"))
	assert.NotEqual(t, k1, IdempotencyKey("t1", 1, "2026-10-20"))
	assert.NotEqual(t, k1, IdempotencyKey("t2", 1, "2026-10-19"))

	r := sampleRequest()
	r.At = time.Date(2026, 10, 20, 8, 0, 0, 0, time.FixedZone("UTC+10", 10*3600))
	assert.Equal(t, IdempotencyKey("t1", 2, "2026-10-19"), r.IdempotencyKey(), "key uses the UTC date")
}

func TestDryRun(t *testing.T) {
	res, err := DryRun{}.Place(context.Background(), sampleRequest())
	require.NoError(t, err)
	assert.Equal(t, "queued", res.Status)
	assert.True(t, strings.HasPrefix(res.CallID, "dryrun-"))

	other, _ := DryRun{}.Place(context.Background(), sampleRequest())
	assert.NotEqual(t, res.CallID, other.CallID)
}
