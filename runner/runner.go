package runner

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/rudderlabs/rudder-go-kit/config"
	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	svcMetric "github.com/rudderlabs/rudder-go-kit/stats/metric"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/counselsync/transferd/gateway"
	"github.com/counselsync/transferd/notifier"
	"github.com/counselsync/transferd/notifier/membership"
	"github.com/counselsync/transferd/rruntime"
	"github.com/counselsync/transferd/transfer"
	"github.com/counselsync/transferd/transfer/bridge"
	"github.com/counselsync/transferd/utils/crash"
)

// ReleaseInfo holds the release information
type ReleaseInfo struct {
	Version   string
	Commit    string
	BuildDate string
	BuiltBy   string
}

// Runner is responsible for running the application
type Runner struct {
	releaseInfo ReleaseInfo
	logger      logger.Logger
}

// New creates and initializes a new Runner
func New(releaseInfo ReleaseInfo) *Runner {
	return &Runner{
		releaseInfo: releaseInfo,
		logger:      logger.NewLogger().Child("runner"),
	}
}

// Run runs the application and returns the exit code
func (r *Runner) Run(ctx context.Context) int {
	if path, err := config.Default.ConfigFileUsed(); err != nil {
		r.logger.Warnf("Config: Failed to parse config file from path %q, using default values: %v", path, err)
	} else {
		r.logger.Infof("Config: Using config file: %s", path)
	}

	stats.Default = stats.NewStats(config.Default, logger.Default, svcMetric.Instance,
		stats.WithServiceName("transferd"),
		stats.WithServiceVersion(r.releaseInfo.Version),
	)
	if err := stats.Default.Start(ctx, rruntime.GoRoutineFactory); err != nil {
		r.logger.Errorf("Failed to start stats: %v", err)
		return 1
	}
	defer stats.Default.Stop()

	crash.Configure(r.logger, crash.PanicWrapperOpts{
		ReleaseStage: config.GetString("GO_ENV", "development"),
		AppType:      "transferd",
		AppVersion:   r.releaseInfo.Version,
	})
	defer crash.Notify("Core")()

	conf := config.Default
	log := logger.NewLogger()

	authorizer := membership.New(conf, log)

	// the notification gateway and the registry reference each other: the
	// registry publishes through the gateway, the gateway replays registry
	// snapshots to late subscribers
	var registry *transfer.Registry
	notifierGateway := notifier.New(log, stats.Default, authorizer,
		notifier.SnapshotSourceFunc(func(jobID string) (transfer.Snapshot, bool) {
			return registry.Get(jobID)
		}))
	registry = transfer.NewRegistry(conf, log, stats.Default, bridge.NewFactory(conf, log), notifierGateway)
	defer registry.Stop()

	webGateway := gateway.New(conf, log, registry, notifierGateway)

	g, gCtx := errgroup.WithContext(ctx)
	g.Go(crash.Wrapper(func() error {
		return webGateway.StartServer(gCtx)
	}))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		r.logger.Errorn("transferd exited abnormally", obskit.Error(err))
		return 1
	}
	r.logger.Infon("transferd shutdown complete")
	return 0
}
