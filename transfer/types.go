package transfer

import (
	"context"
	"errors"
	"time"
)

// Status represents the lifecycle state of a transfer job.
type Status string

const (
	StatusIdle            Status = "idle"
	StatusConnecting      Status = "connecting"
	StatusAwaitingPairing Status = "awaiting_pairing"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusError           Status = "error"
	StatusCancelled       Status = "cancelled"
)

// Terminal returns true if no further transitions are possible from this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	}
	return false
}

// Progress holds the delivery counters of a job. Counters only ever grow,
// except CurrentIndex which tracks the item being worked on (-1 before the
// first item is picked up).
type Progress struct {
	Total        int `json:"total"`
	Completed    int `json:"completed"`
	Failed       int `json:"failed"`
	CurrentIndex int `json:"currentIndex"`
}

// JobError records a single failed item delivery.
type JobError struct {
	ItemID     string    `json:"itemId,omitempty"`
	Message    string    `json:"message"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Snapshot is an immutable point-in-time copy of a job's observable state.
// TerminalError is only set when the job ends in StatusError and is kept apart
// from the per-item Errors list, whose length always equals Progress.Failed.
type Snapshot struct {
	JobID         string     `json:"jobId"`
	TenantID      string     `json:"tenantId"`
	Status        Status     `json:"status"`
	Progress      Progress   `json:"progress"`
	Errors        []JobError `json:"errors"`
	TerminalError *JobError  `json:"terminalError,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	FinishedAt    *time.Time `json:"finishedAt,omitempty"`
}

// Submitter performs the delivery of a single record to the external system.
// The external channel is session-paired: before any delivery can happen a
// one-time pairing step may be required.
type Submitter interface {
	// RequiresPairing reports whether the external session still needs the
	// out-of-band pairing step before records can be submitted.
	RequiresPairing(ctx context.Context) (bool, error)
	// AwaitPairing blocks until the pairing step has been completed by the
	// operator or the context is done.
	AwaitPairing(ctx context.Context) error
	// Submit delivers one record. A returned error that matches
	// ErrChannelLost is fatal to the whole job, any other error counts as a
	// failure of this item only.
	Submit(ctx context.Context, itemID string) error
}

// SubmitterFactory creates a submitter bound to a tenant's external session.
type SubmitterFactory func(tenantID string) Submitter

// Publisher receives progress snapshots as the job advances. Implemented by
// the notification gateway. Publish errors are logged by the job and never
// affect the transfer itself.
type Publisher interface {
	Publish(jobID, tenantID string, snapshot Snapshot) error
}

// ErrChannelLost signals that the external channel is permanently gone and no
// further items of the job can be submitted.
var ErrChannelLost = errors.New("channel to external system lost")

// Validation errors returned by Registry.Create.
var (
	ErrEmptyTenant = errors.New("tenant id is required")
	ErrEmptyItems  = errors.New("at least one item is required")
	ErrBlankItem   = errors.New("item ids must not be blank")
)
