// Package statecache holds the authoritative local snapshot of event
// counters, campaign definitions and the user profile. All engine decisions
// read from it, never from the network directly.
package statecache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/team-michael/notifly-go-sdk/internal/api"
	"github.com/team-michael/notifly-go-sdk/internal/metrics"
	"github.com/team-michael/notifly-go-sdk/internal/models"
	"github.com/team-michael/notifly-go-sdk/internal/storage"
)

// Options configures the cache.
type Options struct {
	ProjectID         string
	BaseURL           string
	CalendarOffsetMin int
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// Cache is the single authoritative copy of {counts, campaigns, userData}
// for one SDK instance. Identity changes are serialized by the command
// queue; the mutex only protects individual reads and writes.
type Cache struct {
	mu    sync.RWMutex
	state models.State

	store   storage.Store
	api     api.Caller
	logger  *zap.Logger
	metrics *metrics.Metrics
	opts    Options
}

// NewCache creates an empty cache; call Sync before reading.
func NewCache(store storage.Store, caller api.Caller, m *metrics.Metrics, logger *zap.Logger, opts Options) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache{
		state: models.State{
			UserData: models.EmptyUserData(),
		},
		store:   store,
		api:     caller,
		logger:  logger,
		metrics: m,
		opts:    opts,
	}
}

// SyncOptions controls one sync.
type SyncOptions struct {
	// TrustLocalStorage adopts a valid persisted snapshot instead of
	// fetching, refreshing only the external user id from storage.
	TrustLocalStorage bool
	UserID            string
	DeviceID          string
}

// Sync populates the cache from a persisted snapshot when allowed and valid,
// otherwise from the network.
func (c *Cache) Sync(ctx context.Context, opts SyncOptions) error {
	if opts.TrustLocalStorage {
		if snap, ok := c.loadPersisted(ctx); ok {
			// The external id may have changed underneath the snapshot.
			if ext, err := c.store.GetItem(ctx, storage.KeyExternalUserID); err == nil {
				snap.UserData.ExternalUserID = ext
			}
			c.mu.Lock()
			c.state = snap
			c.mu.Unlock()
			return nil
		}
	}

	incoming, err := c.fetch(ctx, opts.UserID, opts.DeviceID)
	if err != nil {
		return err
	}
	sanitizeRandomBucket(incoming.UserData.UserProperties)
	c.mu.Lock()
	c.state = incoming
	c.mu.Unlock()
	c.persistAsync()
	return nil
}

// Refresh re-fetches state for a (possibly new) identity and applies the
// merge policy against the local snapshot.
func (c *Cache) Refresh(ctx context.Context, policy MergePolicy, userID, deviceID string) error {
	incoming, err := c.fetch(ctx, userID, deviceID)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.state = mergeStates(c.state, incoming, policy)
	c.mu.Unlock()
	c.persistAsync()
	return nil
}

// UpdateEventCounts increments the counter row for the event on the
// site-local calendar date. With exactly one segmentation key whose value is
// present in the parameters, the row is additionally bucketed by that value.
func (c *Cache) UpdateEventCounts(name string, params map[string]any, segmentationKeys []string) {
	dt := models.CalendarDate(c.opts.Now(), c.opts.CalendarOffsetMin)

	var rowParams map[string]any
	if len(segmentationKeys) == 1 {
		if v, ok := params[segmentationKeys[0]]; ok {
			rowParams = map[string]any{segmentationKeys[0]: v}
		}
	}

	c.mu.Lock()
	found := false
	for i := range c.state.EventIntermediateCounts {
		row := &c.state.EventIntermediateCounts[i]
		if row.DT == dt && row.Name == name && paramsEqual(row.EventParams, rowParams) {
			row.Count++
			found = true
			break
		}
	}
	if !found {
		c.state.EventIntermediateCounts = append(c.state.EventIntermediateCounts, models.EventIntermediateCount{
			DT:          dt,
			Name:        name,
			Count:       1,
			EventParams: rowParams,
		})
	}
	c.mu.Unlock()
	c.persistAsync()
}

// UpdateUserProperties applies a diff to the local profile.
func (c *Cache) UpdateUserProperties(diff map[string]any) {
	c.mu.Lock()
	if c.state.UserData.UserProperties == nil {
		c.state.UserData.UserProperties = map[string]any{}
	}
	for k, v := range diff {
		c.state.UserData.UserProperties[k] = v
	}
	c.mu.Unlock()
	c.persistAsync()
}

// HideCampaignUntil records the timestamp before which the campaign must not
// fire again.
func (c *Cache) HideCampaignUntil(campaignID string, untilMillis int64) {
	c.mu.Lock()
	if c.state.UserData.CampaignHiddenUntilMillis == nil {
		c.state.UserData.CampaignHiddenUntilMillis = map[string]int64{}
	}
	c.state.UserData.CampaignHiddenUntilMillis[campaignID] = untilMillis
	c.mu.Unlock()
	c.persistAsync()
}

// RecordCampaignFire appends to the campaign's fire log.
func (c *Cache) RecordCampaignFire(campaignID string, atMillis int64) {
	c.mu.Lock()
	if c.state.UserData.CampaignFireLogMillis == nil {
		c.state.UserData.CampaignFireLogMillis = map[string][]int64{}
	}
	c.state.UserData.CampaignFireLogMillis[campaignID] = append(c.state.UserData.CampaignFireLogMillis[campaignID], atMillis)
	c.mu.Unlock()
	c.persistAsync()
}

// FireCount returns how many times the campaign has fired for this user.
func (c *Cache) FireCount(campaignID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.state.UserData.CampaignFireLogMillis[campaignID])
}

// SetExternalUserID updates the cached external id.
func (c *Cache) SetExternalUserID(id string) {
	c.mu.Lock()
	c.state.UserData.ExternalUserID = id
	c.mu.Unlock()
	c.persistAsync()
}

// ExternalUserID returns the cached external id.
func (c *Cache) ExternalUserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.UserData.ExternalUserID
}

// UserProperties returns a copy of the local profile.
func (c *Cache) UserProperties() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.state.UserData.UserProperties))
	for k, v := range c.state.UserData.UserProperties {
		out[k] = v
	}
	return out
}

// Snapshot returns a deep copy of the state for engine evaluation, so
// concurrently tracked events never mutate what a reader sees.
func (c *Cache) Snapshot() models.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state.Clone()
}

// SetState replaces the whole snapshot. Used by tests and by delete-user
// resets.
func (c *Cache) SetState(s models.State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.persistAsync()
}

// loadPersisted restores and validates a persisted snapshot. A corrupted
// blob is treated as absent, logged, never fatal.
func (c *Cache) loadPersisted(ctx context.Context) (models.State, bool) {
	blob, err := c.store.GetItem(ctx, storage.KeyState)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Warn("failed to read persisted state", zap.Error(err))
		}
		return models.State{}, false
	}
	var snap models.State
	if err := json.Unmarshal([]byte(blob), &snap); err != nil {
		c.logger.Warn("persisted state is corrupted, falling back to network", zap.Error(err))
		return models.State{}, false
	}
	if err := snap.Validate(); err != nil {
		c.logger.Warn("persisted state failed validation, falling back to network", zap.Error(err))
		return models.State{}, false
	}
	return snap, true
}

// stateResponse is the network shape of a user-state fetch.
type stateResponse struct {
	EventIntermediateCounts []models.EventIntermediateCount `json:"eventIntermediateCounts"`
	Campaigns               []models.Campaign               `json:"campaigns"`
	UserData                models.UserData                 `json:"userData"`
}

// fetch pulls fresh state from the network, keyed by project id, resolved
// user id and device id, and filters campaigns to the in-web channel.
func (c *Cache) fetch(ctx context.Context, userID, deviceID string) (models.State, error) {
	q := url.Values{}
	q.Set("notiflyUserId", userID)
	if deviceID != "" {
		q.Set("deviceId", deviceID)
	}
	endpoint := fmt.Sprintf("%s/user-state/%s?%s", c.opts.BaseURL, url.PathEscape(c.opts.ProjectID), q.Encode())

	data, err := c.api.Call(ctx, endpoint, http.MethodGet, nil)
	if err != nil {
		return models.State{}, fmt.Errorf("user state fetch failed: %w", err)
	}
	var resp stateResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return models.State{}, fmt.Errorf("user state response unparseable: %w", err)
	}

	state := models.State{
		EventIntermediateCounts: resp.EventIntermediateCounts,
		UserData:                resp.UserData,
	}
	if state.UserData.UserProperties == nil {
		state.UserData.UserProperties = map[string]any{}
	}
	if state.UserData.DeviceProperties == nil {
		state.UserData.DeviceProperties = map[string]any{}
	}
	if state.UserData.UserMetadata == nil {
		state.UserData.UserMetadata = map[string]any{}
	}
	if state.UserData.CampaignHiddenUntilMillis == nil {
		state.UserData.CampaignHiddenUntilMillis = map[string]int64{}
	}
	if state.UserData.CampaignFireLogMillis == nil {
		state.UserData.CampaignFireLogMillis = map[string][]int64{}
	}
	for _, cmp := range resp.Campaigns {
		if cmp.Channel == models.ChannelInWebMessage {
			state.InWebMessageCampaigns = append(state.InWebMessageCampaigns, cmp)
		}
	}
	return state, nil
}

// persistAsync writes the snapshot to the store without blocking the
// mutator. A persistence failure is logged and never propagated; a corrupt
// on-disk snapshot reads back as absent.
func (c *Cache) persistAsync() {
	c.mu.RLock()
	blob, err := json.Marshal(c.state)
	c.mu.RUnlock()
	if err != nil {
		c.logger.Warn("failed to serialize state for persistence", zap.Error(err))
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storage.DefaultTimeout)
		defer cancel()
		start := time.Now()
		err := c.store.SetItem(ctx, storage.KeyState, string(blob))
		c.metrics.RecordStorageOp("persist_state", time.Since(start), err)
		if err != nil {
			c.logger.Warn("failed to persist state", zap.Error(err))
		}
	}()
}
