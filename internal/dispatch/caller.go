package dispatch

import (
	"context"

	"github.com/mattjoyce/outdial/internal/gateway"
	"github.com/mattjoyce/outdial/internal/history"
)

//go:generate mockgen -destination=mocks/mock_caller.go -package=mocks github.com/mattjoyce/outdial/internal/dispatch Caller

// Caller places a single call. gateway.Client and gateway.DryRun satisfy it.
type Caller interface {
	Place(ctx context.Context, req gateway.Request) (gateway.Result, error)
}

// HistoryRecorder receives the run ledger. history.Recorder satisfies it.
type HistoryRecorder interface {
	StartRun(ctx context.Context, run history.Run) error
	RecordAttempt(ctx context.Context, a history.Attempt) error
	FinishRun(ctx context.Context, run history.Run) error
}
