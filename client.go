package notifly

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/team-michael/notifly-go-sdk/internal/api"
	"github.com/team-michael/notifly-go-sdk/internal/config"
	"github.com/team-michael/notifly-go-sdk/internal/eventlog"
	"github.com/team-michael/notifly-go-sdk/internal/lifecycle"
	"github.com/team-michael/notifly-go-sdk/internal/metrics"
	"github.com/team-michael/notifly-go-sdk/internal/models"
	"github.com/team-michael/notifly-go-sdk/internal/queue"
	"github.com/team-michael/notifly-go-sdk/internal/scheduler"
	"github.com/team-michael/notifly-go-sdk/internal/statecache"
	"github.com/team-michael/notifly-go-sdk/internal/storage"
	"github.com/team-michael/notifly-go-sdk/internal/targeting"
)

// Client is one SDK instance. Construct it with Initialize; all methods are
// safe for concurrent use.
type Client struct {
	cfg    Config
	logger *zap.Logger
	m      *metrics.Metrics

	sm     *lifecycle.StateMachine
	queue  *queue.CommandQueue
	store  storage.Store
	cache  *statecache.Cache
	engine *targeting.Engine
	sched  *scheduler.Scheduler
	events *eventlog.Logger

	mu             sync.RWMutex
	deviceID       string
	externalUserID string
}

// Initialize validates the configuration, restores or fetches local state,
// and brings the SDK to the ready state. Configuration errors fail
// initialization; a failed network sync does not — the SDK starts with an
// empty snapshot and a later refresh populates it.
func Initialize(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("notifly: project id is required")
	}
	if cfg.Caller == nil && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("notifly: credentials are required")
	}

	env := config.FromEnv()
	if cfg.BaseURL == "" {
		cfg.BaseURL = env.BaseURL
	}
	calendarOffset := calendarOffsetMinutes(cfg.CalendarOffsetMinutes, env.CalendarOffsetMinutes)
	if cfg.SessionInterval == 0 {
		cfg.SessionInterval = env.SessionInterval
	}
	if cfg.Platform == "" {
		cfg.Platform = config.DefaultPlatform
	}

	logger := cfg.Logger
	if logger == nil {
		logger = defaultLogger(env.LogLevel)
	}

	var m *metrics.Metrics
	if cfg.EnableMetrics || env.MetricsEnabled {
		m = metrics.NewMetrics("notifly")
	}

	store := cfg.Store
	if store == nil {
		store = storage.NewMemoryStore()
	}
	store = storage.WithTimeout(store, env.StorageTimeout)
	if err := store.EnsureInitialized(ctx); err != nil {
		return nil, fmt.Errorf("notifly: storage initialization failed: %w", err)
	}

	caller := cfg.Caller
	if caller == nil {
		tokens := api.NewLoginTokenSource(cfg.BaseURL+config.DefaultAuthPath, cfg.ProjectID, cfg.Username, cfg.Password, logger)
		caller = api.NewClient(tokens, logger)
	}

	c := &Client{
		cfg:    cfg,
		logger: logger,
		m:      m,
		sm:     lifecycle.NewStateMachine(logger),
		store:  store,
	}

	if err := c.restoreIdentity(ctx); err != nil {
		return nil, err
	}

	c.cache = statecache.NewCache(store, caller, m, logger, statecache.Options{
		ProjectID:         cfg.ProjectID,
		BaseURL:           cfg.BaseURL,
		CalendarOffsetMin: calendarOffset,
	})
	c.engine = targeting.NewEngine(calendarOffset, m)

	renderer := cfg.Renderer
	if renderer == nil {
		renderer = noopRenderer{}
	}
	c.sched = scheduler.New(scheduler.Options{
		Renderer: renderer,
		Cache:    c.cache,
		Logger:   logger,
		Metrics:  m,
		LogInternalEvent: func(name string, params map[string]any) {
			go c.trackInternal(name, params)
		},
		SetUserProperties: func(props map[string]any) {
			c.cache.UpdateUserProperties(props)
			go c.trackInternal(models.EventSetUserProperties, props)
		},
		Navigate:          cfg.Navigate,
		AllowCustomEvents: cfg.AllowCustomRendererEvents,
		TrackCustomEvent: func(name string, params map[string]any) {
			_ = c.TrackEvent(context.Background(), name, params, nil)
		},
	})

	c.events = eventlog.New(caller, c.cache, c.engine, c.sched, c.identity, m, logger, eventlog.Options{
		ProjectID:  cfg.ProjectID,
		IngestURL:  cfg.BaseURL + config.DefaultIngestPath,
		SDKVersion: SDKVersion,
		SDKType:    SDKType,
		Platform:   cfg.Platform,
		Source:     cfg.Source,
	})

	c.queue = queue.New(c.sm, c.execute, m, logger)

	// Pending messages go stale the moment an identity change begins.
	c.sm.On(lifecycle.Ready, lifecycle.Refreshing, c.sched.DescheduleAll)
	for _, from := range []lifecycle.State{lifecycle.NotInitialized, lifecycle.Ready, lifecycle.Refreshing} {
		c.sm.On(from, lifecycle.Terminated, c.sched.DescheduleAll)
	}

	userID, deviceID, _ := c.identity()
	if err := c.cache.Sync(ctx, statecache.SyncOptions{
		TrustLocalStorage: true,
		UserID:            userID,
		DeviceID:          deviceID,
	}); err != nil {
		logger.Warn("initial state sync failed, starting with empty state", zap.Error(err))
	}

	sessionStarted := c.maybeStartSession(ctx)

	if err := c.sm.To(lifecycle.Ready); err != nil {
		return nil, err
	}
	if sessionStarted {
		go c.trackInternal(models.EventSessionStart, nil)
	}
	logger.Info("notifly sdk initialized",
		zap.String("project_id", cfg.ProjectID),
		zap.String("device_id", deviceID),
	)
	return c, nil
}

// restoreIdentity loads or generates the device id and loads the persisted
// external user id.
func (c *Client) restoreIdentity(ctx context.Context) error {
	deviceID, err := c.store.GetItem(ctx, storage.KeyDeviceID)
	if errors.Is(err, storage.ErrNotFound) {
		deviceID = uuid.NewString()
		if err := c.store.SetItem(ctx, storage.KeyDeviceID, deviceID); err != nil {
			return fmt.Errorf("notifly: failed to persist device id: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("notifly: failed to read device id: %w", err)
	}

	externalUserID, err := c.store.GetItem(ctx, storage.KeyExternalUserID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("notifly: failed to read external user id: %w", err)
	}

	c.mu.Lock()
	c.deviceID = deviceID
	c.externalUserID = externalUserID
	c.mu.Unlock()
	return nil
}

// maybeStartSession reports whether a new session begins now, and stamps the
// last-session key either way.
func (c *Client) maybeStartSession(ctx context.Context) bool {
	now := time.Now()
	started := true
	if raw, err := c.store.GetItem(ctx, storage.KeyLastSessionMillis); err == nil {
		if last, perr := strconv.ParseInt(raw, 10, 64); perr == nil {
			started = now.Sub(time.UnixMilli(last)) > c.cfg.SessionInterval
		}
	}
	if err := c.store.SetItem(ctx, storage.KeyLastSessionMillis, strconv.FormatInt(now.UnixMilli(), 10)); err != nil {
		c.logger.Warn("failed to stamp session time", zap.Error(err))
	}
	return started
}

// identity resolves the current ids; the user id derives from the external
// id when set, from the device id otherwise.
func (c *Client) identity() (userID, deviceID, externalUserID string) {
	c.mu.RLock()
	deviceID = c.deviceID
	externalUserID = c.externalUserID
	c.mu.RUnlock()
	return eventlog.DeriveUserID(c.cfg.ProjectID, externalUserID, deviceID), deviceID, externalUserID
}

func (c *Client) trackInternal(name string, params map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.events.TrackEvent(ctx, name, params, nil, true); err != nil {
		c.logger.Warn("failed to log internal event", zap.String("event", name), zap.Error(err))
	}
}

// execute is the single dispatch point for the tagged-union commands.
func (c *Client) execute(ctx context.Context, cmd *queue.Command) (any, error) {
	switch cmd.Kind {
	case queue.KindTrackEvent:
		return nil, c.events.TrackEvent(ctx, cmd.EventName, cmd.EventParams, cmd.SegmentationKeys, false)
	case queue.KindSetUserID:
		return nil, c.changeIdentity(ctx, cmd.UserID)
	case queue.KindRemoveUserID:
		return nil, c.changeIdentity(ctx, "")
	case queue.KindSetUserProperties:
		return nil, c.applyUserProperties(ctx, cmd.Properties)
	case queue.KindGetUserID:
		userID, _, _ := c.identity()
		return userID, nil
	case queue.KindGetUserProperties:
		return c.cache.UserProperties(), nil
	case queue.KindRequestPermission:
		return nil, c.recordPermissionRequest(ctx, cmd.LanguageHint)
	default:
		return nil, fmt.Errorf("notifly: unknown command kind %q", cmd.Kind)
	}
}

// changeIdentity swaps the external user id and refreshes the cache under
// the matching merge policy: merge when an anonymous user becomes
// identified, overwrite otherwise. Removing the id resets local counts.
func (c *Client) changeIdentity(ctx context.Context, newExternalID string) error {
	c.mu.Lock()
	old := c.externalUserID
	if old == newExternalID {
		c.mu.Unlock()
		return nil
	}
	c.externalUserID = newExternalID
	deviceID := c.deviceID
	c.mu.Unlock()

	if newExternalID == "" {
		if err := c.store.RemoveItem(ctx, storage.KeyExternalUserID); err != nil {
			c.logger.Warn("failed to clear external user id", zap.Error(err))
		}
	} else if err := c.store.SetItem(ctx, storage.KeyExternalUserID, newExternalID); err != nil {
		c.logger.Warn("failed to persist external user id", zap.Error(err))
	}

	policy := statecache.MergePolicyOverwrite
	if old == "" && newExternalID != "" {
		policy = statecache.MergePolicyMerge
	}
	if newExternalID == "" {
		// Delete-user: discard local counts before refetching as anonymous.
		c.cache.SetState(models.State{UserData: models.EmptyUserData()})
	}
	c.cache.SetExternalUserID(newExternalID)

	userID := eventlog.DeriveUserID(c.cfg.ProjectID, newExternalID, deviceID)
	if err := c.cache.Refresh(ctx, policy, userID, deviceID); err != nil {
		return fmt.Errorf("notifly: cache refresh after identity change failed: %w", err)
	}
	return nil
}

func (c *Client) applyUserProperties(ctx context.Context, props map[string]any) error {
	if err := c.events.TrackEvent(ctx, models.EventSetUserProperties, props, nil, true); err != nil {
		return err
	}
	c.cache.UpdateUserProperties(props)
	return nil
}

func (c *Client) recordPermissionRequest(ctx context.Context, languageHint string) error {
	decision := "requested"
	if languageHint != "" {
		decision += ":" + languageHint
	}
	return c.store.SetItem(ctx, storage.KeyPermissionDecision, decision)
}

// warnIfRejected logs the state-based short-circuit a rejected command hit.
func (c *Client) warnIfRejected(err error, op string) {
	if errors.Is(err, queue.ErrSDKFailed) || errors.Is(err, queue.ErrSDKTerminated) {
		c.logger.Warn("command short-circuited", zap.String("op", op), zap.Error(err))
	}
}

// TrackEvent logs a user-facing analytic event and evaluates campaign
// targeting against the updated local state.
func (c *Client) TrackEvent(ctx context.Context, name string, params map[string]any, segmentationEventParamKeys []string) error {
	_, err := c.queue.Do(ctx, &queue.Command{
		Kind:             queue.KindTrackEvent,
		EventName:        name,
		EventParams:      params,
		SegmentationKeys: segmentationEventParamKeys,
	})
	c.warnIfRejected(err, "track_event")
	return err
}

// SetUserID changes the external user identity, refreshing the local cache
// under the appropriate merge policy. The SDK is refreshing for the
// duration; commands issued meanwhile queue behind it.
func (c *Client) SetUserID(ctx context.Context, userID string) error {
	_, err := c.queue.Do(ctx, &queue.Command{
		Kind:          queue.KindSetUserID,
		UserID:        userID,
		Unrecoverable: true,
	})
	c.warnIfRejected(err, "set_user_id")
	return err
}

// RemoveUserID reverts to the anonymous identity and resets local counts.
func (c *Client) RemoveUserID(ctx context.Context) error {
	_, err := c.queue.Do(ctx, &queue.Command{
		Kind:          queue.KindRemoveUserID,
		Unrecoverable: true,
	})
	c.warnIfRejected(err, "remove_user_id")
	return err
}

// SetUserProperties ships a property diff and applies it locally.
func (c *Client) SetUserProperties(ctx context.Context, properties map[string]any) error {
	_, err := c.queue.Do(ctx, &queue.Command{
		Kind:       queue.KindSetUserProperties,
		Properties: properties,
	})
	c.warnIfRejected(err, "set_user_properties")
	return err
}

// GetUserID returns the resolved notifly user id.
func (c *Client) GetUserID(ctx context.Context) (string, error) {
	v, err := c.queue.Do(ctx, &queue.Command{Kind: queue.KindGetUserID})
	if err != nil {
		c.warnIfRejected(err, "get_user_id")
		return "", err
	}
	return v.(string), nil
}

// GetUserProperties returns a copy of the locally cached profile.
func (c *Client) GetUserProperties(ctx context.Context) (map[string]any, error) {
	v, err := c.queue.Do(ctx, &queue.Command{Kind: queue.KindGetUserProperties})
	if err != nil {
		c.warnIfRejected(err, "get_user_properties")
		return nil, err
	}
	return v.(map[string]any), nil
}

// RequestPermission records a notification-permission request decision.
func (c *Client) RequestPermission(ctx context.Context, languageHint string) error {
	_, err := c.queue.Do(ctx, &queue.Command{
		Kind:         queue.KindRequestPermission,
		LanguageHint: languageHint,
	})
	c.warnIfRejected(err, "request_permission")
	return err
}

// HandleRendererMessage forwards an event from the render surface to the
// scheduler.
func (c *Client) HandleRendererMessage(msg RendererMessage) {
	c.sched.HandleRendererMessage(msg)
}

// Shutdown terminates the SDK: pending commands are rejected, scheduled
// messages cancelled and the session timestamp persisted.
func (c *Client) Shutdown(ctx context.Context) error {
	if err := c.store.SetItem(ctx, storage.KeyLastSessionMillis, strconv.FormatInt(time.Now().UnixMilli(), 10)); err != nil {
		c.logger.Warn("failed to stamp session time on shutdown", zap.Error(err))
	}
	if err := c.sm.To(lifecycle.Terminated); err != nil {
		return err
	}
	return c.store.Close()
}

// calendarOffsetMinutes resolves the configured calendar offset. An explicit
// pointer to 0 selects a UTC calendar; only nil falls back to the default.
func calendarOffsetMinutes(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

// defaultLogger builds a production zap logger at the level named by
// NOTIFLY_LOG_LEVEL; unset keeps the SDK silent.
func defaultLogger(level string) *zap.Logger {
	if level == "" {
		return zap.NewNop()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}
	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zcfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// noopRenderer drops every message; used when the host supplies no renderer.
type noopRenderer struct{}

func (noopRenderer) Render(_ models.Message, _ string, cb scheduler.RenderCallbacks) error {
	if cb.OnRenderFailed != nil {
		cb.OnRenderFailed(errors.New("no renderer configured"))
	}
	return nil
}
func (noopRenderer) Close()   {}
func (noopRenderer) Dispose() {}
