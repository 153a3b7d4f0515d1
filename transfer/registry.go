package transfer

import (
	"context"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	kitsync "github.com/rudderlabs/rudder-go-kit/sync"

	"github.com/counselsync/transferd/rruntime"
	"github.com/counselsync/transferd/utils/misc"
)

// Registry owns the jobId -> Job mapping for active and recently finished
// transfer jobs. Jobs are kept in memory only: terminal entries are evicted
// after a retention period so that late status queries still succeed for a
// while, then discarded.
type Registry struct {
	conf         *config.Config
	logger       logger.Logger
	statsFactory stats.Stats
	newSubmitter SubmitterFactory
	publisher    Publisher

	retentionPeriod    config.ValueLoader[time.Duration]
	evictionInterval   config.ValueLoader[time.Duration]
	serializePerTenant config.ValueLoader[bool]
	pairingTimeout     config.ValueLoader[time.Duration]

	tenantLock *kitsync.PartitionLocker

	jobsMu sync.RWMutex
	jobs   map[string]*Job

	jobsGauge stats.Measurement

	lifecycle struct {
		ctx    context.Context
		cancel context.CancelFunc
		wg     sync.WaitGroup
	}
}

// NewRegistry creates a registry and starts its eviction loop. Stop must be
// called to release it.
func NewRegistry(
	conf *config.Config,
	log logger.Logger,
	statsFactory stats.Stats,
	newSubmitter SubmitterFactory,
	publisher Publisher,
) *Registry {
	r := &Registry{
		conf:         conf,
		logger:       log.Child("registry"),
		statsFactory: statsFactory,
		newSubmitter: newSubmitter,
		publisher:    publisher,

		retentionPeriod:    conf.GetReloadableDurationVar(30, time.Minute, "Transfer.retentionPeriod"),
		evictionInterval:   conf.GetReloadableDurationVar(1, time.Minute, "Transfer.evictionInterval"),
		serializePerTenant: conf.GetReloadableBoolVar(true, "Transfer.serializePerTenant"),
		pairingTimeout:     conf.GetReloadableDurationVar(3, time.Minute, "Transfer.pairingTimeout"),

		tenantLock: kitsync.NewPartitionLocker(),
		jobs:       make(map[string]*Job),
		jobsGauge:  statsFactory.NewStat("transfer_registry_jobs", stats.GaugeType),
	}
	r.lifecycle.ctx, r.lifecycle.cancel = context.WithCancel(context.Background())
	r.lifecycle.wg.Add(1)
	rruntime.Go(func() {
		defer r.lifecycle.wg.Done()
		r.evictionLoop(r.lifecycle.ctx)
	})
	return r
}

// Create validates the inputs, registers a new job in idle state and schedules
// its asynchronous execution. It returns before any item is submitted.
func (r *Registry) Create(tenantID string, items []string) (string, error) {
	if tenantID == "" {
		return "", ErrEmptyTenant
	}
	if len(items) == 0 {
		return "", ErrEmptyItems
	}
	if lo.SomeBy(items, func(itemID string) bool { return itemID == "" }) {
		return "", ErrBlankItem
	}

	jobID := misc.FastUUID().String()
	job := newJob(
		jobID, tenantID, items,
		r.newSubmitter(tenantID),
		r.publisher,
		r.logger,
		r.statsFactory,
		r.pairingTimeout,
	)

	r.jobsMu.Lock()
	r.jobs[jobID] = job
	r.jobsGauge.Gauge(len(r.jobs))
	r.jobsMu.Unlock()

	r.logger.Infon("transfer job created",
		logger.NewStringField("jobId", jobID),
		logger.NewStringField("tenantId", tenantID),
		logger.NewIntField("totalItems", int64(len(items))),
	)

	r.lifecycle.wg.Add(1)
	rruntime.Go(func() {
		defer r.lifecycle.wg.Done()
		if r.serializePerTenant.Load() {
			// two concurrent pairing sessions against the same external
			// account are not supported, jobs of a tenant run one at a time
			r.tenantLock.Lock(tenantID)
			defer r.tenantLock.Unlock(tenantID)
		}
		job.run(r.lifecycle.ctx)
	})
	return jobID, nil
}

// Get returns a snapshot of the identified job, or false if the job does not
// exist or has been evicted.
func (r *Registry) Get(jobID string) (Snapshot, bool) {
	r.jobsMu.RLock()
	job, ok := r.jobs[jobID]
	r.jobsMu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// Cancel requests cancellation of the identified job. It reports whether the
// job existed and was still cancellable.
func (r *Registry) Cancel(jobID string) bool {
	r.jobsMu.RLock()
	job, ok := r.jobs[jobID]
	r.jobsMu.RUnlock()
	if !ok {
		return false
	}
	if cancelled := job.Cancel(); !cancelled {
		return false
	}
	r.logger.Infon("transfer job cancellation requested", logger.NewStringField("jobId", jobID))
	return true
}

// EvictOlderThan removes terminal jobs that finished more than the given
// duration ago. Running jobs are never evicted.
func (r *Registry) EvictOlderThan(retention time.Duration) int {
	cutoff := time.Now().Add(-retention)
	r.jobsMu.Lock()
	defer r.jobsMu.Unlock()
	evicted := 0
	for jobID, job := range r.jobs {
		if job.isFinishedBefore(cutoff) {
			delete(r.jobs, jobID)
			evicted++
		}
	}
	r.jobsGauge.Gauge(len(r.jobs))
	return evicted
}

// Stop cancels all running jobs and waits for them and the eviction loop to
// terminate.
func (r *Registry) Stop() {
	r.lifecycle.cancel()
	r.lifecycle.wg.Wait()
}

func (r *Registry) evictionLoop(ctx context.Context) {
	for {
		if err := misc.SleepCtx(ctx, r.evictionInterval.Load()); err != nil {
			return
		}
		if evicted := r.EvictOlderThan(r.retentionPeriod.Load()); evicted > 0 {
			r.logger.Debugn("evicted finished transfer jobs", logger.NewIntField("count", int64(evicted)))
		}
	}
}
