// Package eventlog constructs and ships analytic event records, and on
// success feeds every user-facing event through the targeting engine.
package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/team-michael/notifly-go-sdk/internal/api"
	"github.com/team-michael/notifly-go-sdk/internal/metrics"
	"github.com/team-michael/notifly-go-sdk/internal/models"
	"github.com/team-michael/notifly-go-sdk/internal/scheduler"
	"github.com/team-michael/notifly-go-sdk/internal/statecache"
	"github.com/team-michael/notifly-go-sdk/internal/targeting"
)

// DeriveUserID computes the stable user id for a project identity. With an
// external id set it is derived from (project, external id), otherwise from
// (project, device id).
func DeriveUserID(projectID, externalUserID, deviceID string) string {
	seed := projectID + deviceID
	if externalUserID != "" {
		seed = projectID + externalUserID
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

// Identity resolves the current ids at ship time.
type Identity func() (userID, deviceID, externalUserID string)

// Options configures the logger.
type Options struct {
	ProjectID  string
	IngestURL  string
	SDKVersion string
	SDKType    string
	Platform   string
	Source     string
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Logger ships event records and drives the post-success pipeline: counter
// update, targeting evaluation, message scheduling.
type Logger struct {
	api      api.Caller
	cache    *statecache.Cache
	engine   *targeting.Engine
	sched    *scheduler.Scheduler
	identity Identity
	logger   *zap.Logger
	metrics  *metrics.Metrics
	opts     Options
}

func New(caller api.Caller, cache *statecache.Cache, engine *targeting.Engine, sched *scheduler.Scheduler, identity Identity, m *metrics.Metrics, logger *zap.Logger, opts Options) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Logger{
		api:      caller,
		cache:    cache,
		engine:   engine,
		sched:    sched,
		identity: identity,
		logger:   logger,
		metrics:  m,
		opts:     opts,
	}
}

// TrackEvent ships one event. On success the local counters are updated and,
// for user-facing events, the targeting engine is evaluated against the
// updated state and eligible campaigns handed to the scheduler. Identity
// assertion failures are logged and the event silently dropped, never
// propagated to the caller.
func (l *Logger) TrackEvent(ctx context.Context, name string, params map[string]any, segmentationKeys []string, isInternal bool) error {
	userID, deviceID, externalUserID := l.identity()

	// The resolved user id must match its derivation; a mismatch means the
	// local identity bookkeeping is inconsistent and the event is dropped.
	if expected := DeriveUserID(l.opts.ProjectID, externalUserID, deviceID); userID != expected {
		l.logger.Error("user id does not match expected derivation, dropping event",
			zap.String("event", name),
			zap.String("user_id", userID),
		)
		if l.metrics != nil {
			l.metrics.EventsDropped.WithLabelValues("identity_mismatch").Inc()
		}
		return nil
	}

	record := models.EventRecord{
		ID:                         uuid.NewString(),
		ProjectID:                  l.opts.ProjectID,
		Name:                       name,
		EventParams:                params,
		IsInternalEvent:            isInternal,
		SegmentationEventParamKeys: segmentationKeys,
		SDKVersion:                 l.opts.SDKVersion,
		SDKType:                    l.opts.SDKType,
		TimeMillis:                 l.opts.Now().UnixMilli(),
		Platform:                   l.opts.Platform,
		UserID:                     userID,
		DeviceID:                   deviceID,
		ExternalUserID:             externalUserID,
		Source:                     l.opts.Source,
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to serialize event record: %w", err)
	}
	envelope, err := json.Marshal(models.BatchEnvelope{
		Records: []models.BatchRecord{{Data: string(data), PartitionKey: userID}},
	})
	if err != nil {
		return fmt.Errorf("failed to serialize batch envelope: %w", err)
	}

	if _, err := l.api.Call(ctx, l.opts.IngestURL, http.MethodPost, envelope); err != nil {
		if l.metrics != nil {
			l.metrics.EventsDropped.WithLabelValues("ship_failed").Inc()
		}
		return fmt.Errorf("failed to ship event %q: %w", name, err)
	}
	if l.metrics != nil {
		l.metrics.EventsTracked.WithLabelValues(strconv.FormatBool(isInternal)).Inc()
	}

	l.cache.UpdateEventCounts(name, params, segmentationKeys)

	if !isInternal {
		snapshot := l.cache.Snapshot()
		campaigns := l.engine.CampaignsToSchedule(&snapshot, name, params, externalUserID, l.opts.Now())
		for _, c := range campaigns {
			l.sched.ScheduleInWebMessage(c)
		}
	}
	return nil
}
