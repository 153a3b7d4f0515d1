// Package notifier multiplexes transfer progress events from concurrently
// running jobs out to the operator connections watching them. Channels are
// keyed by the (jobId, tenantId) pair, never by jobId alone, so that a leaked
// job identifier cannot be observed across tenant boundaries.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rudderlabs/rudder-go-kit/logger"
	"github.com/rudderlabs/rudder-go-kit/stats"
	obskit "github.com/rudderlabs/rudder-observability-kit/go/labels"

	"github.com/counselsync/transferd/transfer"
)

// Event is what subscribed connections receive.
type Event struct {
	Type     string             `json:"type"`
	JobID    string             `json:"jobId"`
	Message  string             `json:"message,omitempty"`
	Snapshot *transfer.Snapshot `json:"snapshot,omitempty"`
}

const (
	EventTypeSubscribed   = "subscribed"
	EventTypeUnauthorized = "unauthorized"
	EventTypeProgress     = "progress"
	EventTypeCompleted    = "completed"
	EventTypeCancelled    = "cancelled"
	EventTypeError        = "error"
)

// Conn is one operator connection. The transport behind it (server-sent
// events, websocket, a test double) is of no concern to the gateway.
type Conn interface {
	ID() string
	Send(event Event) error
}

// Authorizer answers whether a user belongs to a tenant.
type Authorizer interface {
	UserBelongsToTenant(ctx context.Context, userID, tenantID string) (bool, error)
}

// SnapshotSource provides the current snapshot of a job, so that a late
// subscriber is not blind to prior progress.
type SnapshotSource interface {
	Get(jobID string) (transfer.Snapshot, bool)
}

// SnapshotSourceFunc adapts a function to the SnapshotSource interface.
type SnapshotSourceFunc func(jobID string) (transfer.Snapshot, bool)

func (f SnapshotSourceFunc) Get(jobID string) (transfer.Snapshot, bool) { return f(jobID) }

// ErrUnauthorized is returned by Subscribe when the requesting user does not
// belong to the tenant owning the channel.
var ErrUnauthorized = errors.New("user does not belong to tenant")

type channelKey struct {
	jobID    string
	tenantID string
}

// Gateway is the publish/subscribe fan-out between transfer jobs and operator
// connections.
type Gateway struct {
	logger     logger.Logger
	authorizer Authorizer
	snapshots  SnapshotSource

	membershipMu sync.RWMutex
	channels     map[channelKey]map[string]Conn
	conns        map[string]map[channelKey]Conn

	publishedStat    stats.Measurement
	droppedStat      stats.Measurement
	subscribersGauge stats.Measurement
}

// New creates a notification gateway.
func New(log logger.Logger, statsFactory stats.Stats, authorizer Authorizer, snapshots SnapshotSource) *Gateway {
	return &Gateway{
		logger:     log.Child("notifier"),
		authorizer: authorizer,
		snapshots:  snapshots,
		channels:   make(map[channelKey]map[string]Conn),
		conns:      make(map[string]map[channelKey]Conn),

		publishedStat:    statsFactory.NewStat("notifier_events_published", stats.CountType),
		droppedStat:      statsFactory.NewStat("notifier_events_dropped", stats.CountType),
		subscribersGauge: statsFactory.NewStat("notifier_subscriptions", stats.GaugeType),
	}
}

// Subscribe joins conn to the (jobID, tenantID) channel after verifying that
// userID belongs to tenantID. The current job snapshot, if any, is replayed to
// the connection before it becomes visible to Publish, so the connection never
// sees a newer snapshot followed by an older one. On authorization failure an
// error event is sent to the connection and no join happens.
func (g *Gateway) Subscribe(ctx context.Context, conn Conn, jobID, tenantID, userID string) error {
	ok, err := g.authorizer.UserBelongsToTenant(ctx, userID, tenantID)
	if err != nil {
		return fmt.Errorf("verifying tenant membership: %w", err)
	}
	if !ok {
		g.logger.Warnn("rejected subscription of user outside tenant",
			logger.NewStringField("jobId", jobID),
			logger.NewStringField("tenantId", tenantID),
			logger.NewStringField("userId", userID),
		)
		if err := conn.Send(Event{Type: EventTypeUnauthorized, JobID: jobID, Message: "user does not belong to tenant"}); err != nil {
			g.logger.Debugn("failed to send unauthorized event", obskit.Error(err))
		}
		return ErrUnauthorized
	}

	key := channelKey{jobID: jobID, tenantID: tenantID}
	// replay and join happen in one critical section: a publish can only see
	// the connection once the replay has been delivered, keeping snapshots in
	// oldest-first order
	g.membershipMu.Lock()
	defer g.membershipMu.Unlock()
	if err := conn.Send(Event{Type: EventTypeSubscribed, JobID: jobID}); err != nil {
		g.logger.Debugn("failed to send subscribed event", obskit.Error(err))
	}
	if snapshot, found := g.snapshots.Get(jobID); found && snapshot.TenantID == tenantID {
		if err := conn.Send(Event{Type: eventTypeFor(snapshot.Status), JobID: jobID, Snapshot: &snapshot}); err != nil {
			g.logger.Debugn("failed to replay snapshot", obskit.Error(err))
		}
	}
	if g.channels[key] == nil {
		g.channels[key] = make(map[string]Conn)
	}
	g.channels[key][conn.ID()] = conn
	if g.conns[conn.ID()] == nil {
		g.conns[conn.ID()] = make(map[channelKey]Conn)
	}
	g.conns[conn.ID()][key] = conn
	g.subscribersGauge.Gauge(len(g.conns))
	return nil
}

// Unsubscribe removes conn from the (jobID, tenantID) channel. It is
// idempotent.
func (g *Gateway) Unsubscribe(conn Conn, jobID, tenantID string) {
	key := channelKey{jobID: jobID, tenantID: tenantID}
	g.membershipMu.Lock()
	defer g.membershipMu.Unlock()
	g.removeLocked(conn.ID(), key)
}

// Disconnect removes conn from every channel it had joined.
func (g *Gateway) Disconnect(conn Conn) {
	g.membershipMu.Lock()
	defer g.membershipMu.Unlock()
	for key := range g.conns[conn.ID()] {
		g.removeLocked(conn.ID(), key)
	}
}

// Publish delivers the snapshot to every connection currently joined to the
// (jobID, tenantID) channel. Delivery is best effort: a connection whose send
// fails is dropped from the channel. Implements transfer.Publisher.
func (g *Gateway) Publish(jobID, tenantID string, snapshot transfer.Snapshot) error {
	key := channelKey{jobID: jobID, tenantID: tenantID}

	g.membershipMu.RLock()
	members := make([]Conn, 0, len(g.channels[key]))
	for _, conn := range g.channels[key] {
		members = append(members, conn)
	}
	g.membershipMu.RUnlock()

	event := Event{Type: eventTypeFor(snapshot.Status), JobID: jobID, Snapshot: &snapshot}
	for _, conn := range members {
		if err := conn.Send(event); err != nil {
			g.droppedStat.Increment()
			g.logger.Warnn("dropping connection after failed delivery",
				logger.NewStringField("connId", conn.ID()),
				logger.NewStringField("jobId", jobID),
				obskit.Error(err),
			)
			g.membershipMu.Lock()
			g.removeLocked(conn.ID(), key)
			g.membershipMu.Unlock()
			continue
		}
		g.publishedStat.Increment()
	}
	return nil
}

func (g *Gateway) removeLocked(connID string, key channelKey) {
	if members, ok := g.channels[key]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(g.channels, key)
		}
	}
	if keys, ok := g.conns[connID]; ok {
		delete(keys, key)
		if len(keys) == 0 {
			delete(g.conns, connID)
		}
	}
	g.subscribersGauge.Gauge(len(g.conns))
}

func eventTypeFor(status transfer.Status) string {
	switch status {
	case transfer.StatusCompleted:
		return EventTypeCompleted
	case transfer.StatusCancelled:
		return EventTypeCancelled
	case transfer.StatusError:
		return EventTypeError
	default:
		return EventTypeProgress
	}
}
