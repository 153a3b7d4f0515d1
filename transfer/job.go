package transfer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"
)

// Job is the state machine and progress accumulator for one batch submitted by
// one operator for one tenant. All state mutations happen on the job's own run
// loop (single-writer); other goroutines only read snapshots or set the cancel
// flag.
type Job struct {
	id        string
	tenantID  string
	items     []string
	submitter Submitter
	publisher Publisher
	logger    logger.Logger

	pairingTimeout config.ValueLoader[time.Duration]

	cancelRequested atomic.Bool
	cancelOnce      sync.Once
	cancelCh        chan struct{}

	stateMu     sync.RWMutex
	status      Status
	progress    Progress
	errors      []JobError
	terminalErr *JobError
	startedAt   time.Time
	finishedAt  time.Time

	done chan struct{} // closed when the run loop exits

	deliveredStat    stats.Measurement
	failedStat       stats.Measurement
	deliveryTimeStat stats.Measurement
}

func newJob(
	id, tenantID string,
	items []string,
	submitter Submitter,
	publisher Publisher,
	log logger.Logger,
	statsFactory stats.Stats,
	pairingTimeout config.ValueLoader[time.Duration],
) *Job {
	statTags := stats.Tags{"tenantId": tenantID}
	return &Job{
		id:             id,
		tenantID:       tenantID,
		items:          items,
		submitter:      submitter,
		publisher:      publisher,
		logger:         log.Child("job").Withn(logger.NewStringField("jobId", id)),
		pairingTimeout: pairingTimeout,
		cancelCh:       make(chan struct{}),
		status:         StatusIdle,
		progress:       Progress{Total: len(items), CurrentIndex: -1},
		startedAt:      time.Now(),
		done:           make(chan struct{}),

		deliveredStat:    statsFactory.NewTaggedStat("transfer_items_delivered", stats.CountType, statTags),
		failedStat:       statsFactory.NewTaggedStat("transfer_items_failed", stats.CountType, statTags),
		deliveryTimeStat: statsFactory.NewTaggedStat("transfer_item_delivery_time", stats.TimerType, statTags),
	}
}

// ID returns the job's identifier.
func (j *Job) ID() string { return j.id }

// TenantID returns the identifier of the tenant owning the job.
func (j *Job) TenantID() string { return j.tenantID }

// Snapshot returns an immutable copy of the job's observable state.
func (j *Job) Snapshot() Snapshot {
	j.stateMu.RLock()
	defer j.stateMu.RUnlock()
	snapshot := Snapshot{
		JobID:     j.id,
		TenantID:  j.tenantID,
		Status:    j.status,
		Progress:  j.progress,
		Errors:    make([]JobError, len(j.errors)),
		StartedAt: j.startedAt,
	}
	copy(snapshot.Errors, j.errors)
	if j.terminalErr != nil {
		terminalErr := *j.terminalErr
		snapshot.TerminalError = &terminalErr
	}
	if !j.finishedAt.IsZero() {
		finishedAt := j.finishedAt
		snapshot.FinishedAt = &finishedAt
	}
	return snapshot
}

// Cancel requests cooperative cancellation. It never blocks waiting for the
// run loop: the flag is observed before the next item is submitted or while
// waiting for pairing. Returns false if the job already reached a terminal
// state.
func (j *Job) Cancel() bool {
	j.stateMu.RLock()
	terminal := j.status.Terminal()
	j.stateMu.RUnlock()
	if terminal {
		return false
	}
	j.cancelRequested.Store(true)
	j.cancelOnce.Do(func() { close(j.cancelCh) })
	return true
}

// Done returns a channel that is closed once the run loop has exited.
func (j *Job) Done() <-chan struct{} { return j.done }

// run drives the job through its state machine. It is the only goroutine that
// mutates job state.
func (j *Job) run(ctx context.Context) {
	defer close(j.done)

	if j.cancelRequested.Load() || ctx.Err() != nil {
		j.finish(StatusCancelled)
		return
	}

	j.setStatus(StatusConnecting)
	j.publish()

	required, err := j.submitter.RequiresPairing(ctx)
	if err != nil {
		j.finishWithError(fmt.Errorf("checking pairing requirement: %w", err))
		return
	}
	if required {
		j.setStatus(StatusAwaitingPairing)
		j.publish()
		if !j.waitForPairing(ctx) {
			return
		}
	}

	if j.cancelRequested.Load() {
		j.finish(StatusCancelled)
		return
	}
	j.setStatus(StatusRunning)
	j.publish()

	for i, itemID := range j.items {
		if j.cancelRequested.Load() || ctx.Err() != nil {
			j.finish(StatusCancelled)
			return
		}
		start := time.Now()
		err := j.submitter.Submit(ctx, itemID)
		j.deliveryTimeStat.Since(start)
		switch {
		case err == nil:
			j.recordDelivered(i)
		case errors.Is(err, ErrChannelLost):
			j.finishWithError(err)
			return
		case ctx.Err() != nil:
			// shutdown, not an item failure
			j.finish(StatusCancelled)
			return
		default:
			j.recordFailed(i, itemID, err)
		}
		j.publish()
	}

	if j.cancelRequested.Load() {
		// the cancel arrived while the last item was in flight
		j.finish(StatusCancelled)
		return
	}
	j.finish(StatusCompleted)
}

// waitForPairing blocks until pairing completes, the pairing timeout elapses,
// or the job is cancelled. It returns true if the loop may proceed to running;
// on false a terminal state has already been set and published.
func (j *Job) waitForPairing(ctx context.Context) bool {
	timeout := j.pairingTimeout.Load()
	pairCtx, stopWaiting := context.WithTimeout(ctx, timeout)
	defer stopWaiting()

	waitDone := make(chan struct{})
	defer close(waitDone)
	go func() { // unblock the wait when the operator cancels the job
		select {
		case <-j.cancelCh:
			stopWaiting()
		case <-waitDone:
		}
	}()

	err := j.submitter.AwaitPairing(pairCtx)
	if j.cancelRequested.Load() || ctx.Err() != nil {
		j.finish(StatusCancelled)
		return false
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			err = fmt.Errorf("pairing not completed within %s: %w", timeout, err)
		}
		j.finishWithError(err)
		return false
	}
	return true
}

func (j *Job) setStatus(status Status) {
	j.stateMu.Lock()
	j.status = status
	j.stateMu.Unlock()
}

func (j *Job) recordDelivered(index int) {
	j.stateMu.Lock()
	j.progress.Completed++
	j.progress.CurrentIndex = index
	j.stateMu.Unlock()
	j.deliveredStat.Increment()
}

func (j *Job) recordFailed(index int, itemID string, err error) {
	j.stateMu.Lock()
	j.progress.Failed++
	j.progress.CurrentIndex = index
	j.errors = append(j.errors, JobError{
		ItemID:     itemID,
		Message:    err.Error(),
		OccurredAt: time.Now(),
	})
	j.stateMu.Unlock()
	j.failedStat.Increment()
	j.logger.Warnn("item delivery failed",
		logger.NewStringField("itemId", itemID),
		obskit.Error(err),
	)
}

func (j *Job) finishWithError(err error) {
	j.stateMu.Lock()
	j.terminalErr = &JobError{Message: err.Error(), OccurredAt: time.Now()}
	j.stateMu.Unlock()
	j.logger.Errorn("transfer failed", obskit.Error(err))
	j.finish(StatusError)
}

func (j *Job) finish(status Status) {
	j.stateMu.Lock()
	j.status = status
	j.finishedAt = time.Now()
	j.stateMu.Unlock()
	j.logger.Infon("transfer finished",
		logger.NewStringField("status", string(status)),
		logger.NewIntField("completed", int64(j.Snapshot().Progress.Completed)),
		logger.NewIntField("failed", int64(j.Snapshot().Progress.Failed)),
	)
	j.publish()
}

func (j *Job) publish() {
	if j.publisher == nil {
		return
	}
	if err := j.publisher.Publish(j.id, j.tenantID, j.Snapshot()); err != nil {
		// a notification failure must never abort a transfer
		j.logger.Warnn("failed to publish progress", obskit.Error(err))
	}
}

func (j *Job) isFinishedBefore(t time.Time) bool {
	j.stateMu.RLock()
	defer j.stateMu.RUnlock()
	return j.status.Terminal() && !j.finishedAt.IsZero() && j.finishedAt.Before(t)
}
