package events

// Dispatch event types.
const (
	RunStarted    = "run.started"
	TargetSkipped = "target.skipped"
	CallPlaced    = "call.placed"
	CallFailed    = "call.failed"
	RunFinished   = "run.finished"
)

// RunStartedData is the payload of RunStarted.
type RunStartedData struct {
	RunID    string `json:"run_id"`
	Loaded   int    `json:"loaded"`
	DryRun   bool   `json:"dry_run"`
}

// CallData is the payload of CallPlaced and CallFailed.
type CallData struct {
	RunID         string `json:"run_id"`
	TargetID      string `json:"target_id"`
	CampaignID    string `json:"campaign_id"`
	CallID        string `json:"call_id,omitempty"`
	Status        string `json:"status"`
	Reason        string `json:"reason,omitempty"`
	AttemptNumber int    `json:"attempt_number"`
	AfterHours    bool   `json:"after_hours"`
}

// SkipData is the payload of TargetSkipped.
type SkipData struct {
	RunID      string `json:"run_id"`
	TargetID   string `json:"target_id"`
	CampaignID string `json:"campaign_id"`
	Reason     string `json:"reason"`
}

// TickData is published by the scheduler after each activation.
type TickData struct {
	RunID      string `json:"run_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Dispatched int    `json:"dispatched"`
	Error      string `json:"error,omitempty"`
}
