package eventlog

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-michael/notifly-go-sdk/internal/models"
	"github.com/team-michael/notifly-go-sdk/internal/scheduler"
	"github.com/team-michael/notifly-go-sdk/internal/statecache"
	"github.com/team-michael/notifly-go-sdk/internal/storage"
	"github.com/team-michael/notifly-go-sdk/internal/targeting"
)

var logNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

type capturingCaller struct {
	mu        sync.Mutex
	bodies    [][]byte
	urls      []string
	returnErr error
}

func (c *capturingCaller) Call(_ context.Context, url, _ string, body []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.returnErr != nil {
		return nil, c.returnErr
	}
	c.urls = append(c.urls, url)
	c.bodies = append(c.bodies, body)
	return []byte(`{}`), nil
}

type countingRenderer struct {
	mu    sync.Mutex
	shown []string
}

func (r *countingRenderer) Render(msg models.Message, _ string, cb scheduler.RenderCallbacks) error {
	r.mu.Lock()
	r.shown = append(r.shown, msg.TemplateName)
	r.mu.Unlock()
	cb.OnRenderCompleted()
	return nil
}
func (r *countingRenderer) Close()   {}
func (r *countingRenderer) Dispose() {}

func newLogger(t *testing.T, caller *capturingCaller, campaigns []models.Campaign) (*Logger, *statecache.Cache, *countingRenderer) {
	t.Helper()
	cache := statecache.NewCache(storage.NewMemoryStore(), caller, nil, nil, statecache.Options{
		Now: func() time.Time { return logNow },
	})
	st := models.State{
		UserData:              models.EmptyUserData(),
		InWebMessageCampaigns: campaigns,
	}
	cache.SetState(st)

	renderer := &countingRenderer{}
	sched := scheduler.New(scheduler.Options{
		Renderer: renderer,
		Cache:    cache,
		Now:      func() time.Time { return logNow },
	})
	engine := targeting.NewEngine(0, nil)
	deviceID := "dev-1"
	identity := func() (string, string, string) {
		return DeriveUserID("p1", "", deviceID), deviceID, ""
	}
	l := New(caller, cache, engine, sched, identity, nil, nil, Options{
		ProjectID:  "p1",
		IngestURL:  "https://ingest.test/records",
		SDKVersion: "1.0.0",
		SDKType:    "go",
		Platform:   "linux",
		Source:     "server",
		Now:        func() time.Time { return logNow },
	})
	return l, cache, renderer
}

func TestDeriveUserIDStability(t *testing.T) {
	byDevice := DeriveUserID("p1", "", "dev-1")
	assert.Equal(t, byDevice, DeriveUserID("p1", "", "dev-1"))

	byExternal := DeriveUserID("p1", "alice", "dev-1")
	assert.Equal(t, byExternal, DeriveUserID("p1", "alice", "dev-2"),
		"external id takes precedence over device id")
	assert.NotEqual(t, byDevice, byExternal)
	assert.NotEqual(t, byExternal, DeriveUserID("p2", "alice", "dev-1"))
}

func TestTrackEventEnvelopeShape(t *testing.T) {
	caller := &capturingCaller{}
	l, _, _ := newLogger(t, caller, nil)

	require.NoError(t, l.TrackEvent(context.Background(), "purchase", map[string]any{"amount": 50}, nil, false))
	require.Len(t, caller.bodies, 1)
	assert.Equal(t, "https://ingest.test/records", caller.urls[0])

	var env models.BatchEnvelope
	require.NoError(t, json.Unmarshal(caller.bodies[0], &env))
	require.Len(t, env.Records, 1)

	var rec models.EventRecord
	require.NoError(t, json.Unmarshal([]byte(env.Records[0].Data), &rec))
	assert.Equal(t, "purchase", rec.Name)
	assert.Equal(t, "p1", rec.ProjectID)
	assert.Equal(t, logNow.UnixMilli(), rec.TimeMillis)
	assert.False(t, rec.IsInternalEvent)
	assert.Equal(t, DeriveUserID("p1", "", "dev-1"), rec.UserID)
	assert.Equal(t, rec.UserID, env.Records[0].PartitionKey)
	assert.NotEmpty(t, rec.ID)
}

func TestTrackEventUpdatesCounts(t *testing.T) {
	caller := &capturingCaller{}
	l, cache, _ := newLogger(t, caller, nil)

	require.NoError(t, l.TrackEvent(context.Background(), "purchase", nil, nil, false))
	require.NoError(t, l.TrackEvent(context.Background(), "purchase", nil, nil, false))

	snap := cache.Snapshot()
	require.Len(t, snap.EventIntermediateCounts, 1)
	assert.Equal(t, 2, snap.EventIntermediateCounts[0].Count)
}

func TestIdentityMismatchDropsSilently(t *testing.T) {
	caller := &capturingCaller{}
	cache := statecache.NewCache(storage.NewMemoryStore(), caller, nil, nil, statecache.Options{})
	cache.SetState(models.State{UserData: models.EmptyUserData()})
	identity := func() (string, string, string) { return "stale-user-id", "dev-1", "" }
	l := New(caller, cache, targeting.NewEngine(0, nil), scheduler.New(scheduler.Options{}), identity, nil, nil, Options{
		ProjectID: "p1",
		IngestURL: "https://ingest.test/records",
	})

	err := l.TrackEvent(context.Background(), "purchase", nil, nil, false)
	assert.NoError(t, err, "mismatch is dropped, not surfaced")
	assert.Empty(t, caller.bodies, "nothing shipped")
}

func TestShipFailureSurfacesAndSkipsPipeline(t *testing.T) {
	caller := &capturingCaller{returnErr: assert.AnError}
	l, cache, renderer := newLogger(t, caller, []models.Campaign{activePurchaseCampaign("c1")})

	err := l.TrackEvent(context.Background(), "purchase", nil, nil, false)
	require.Error(t, err)
	assert.Empty(t, cache.Snapshot().EventIntermediateCounts)
	assert.Empty(t, renderer.shown)
}

func TestInternalEventsSkipTargeting(t *testing.T) {
	caller := &capturingCaller{}
	l, cache, renderer := newLogger(t, caller, []models.Campaign{activePurchaseCampaign("c1")})

	require.NoError(t, l.TrackEvent(context.Background(), "purchase", nil, nil, true))
	assert.Empty(t, renderer.shown, "internal events never schedule messages")
	assert.Len(t, cache.Snapshot().EventIntermediateCounts, 1, "but counts still update")
}

func TestMatchingEventSchedulesMessage(t *testing.T) {
	caller := &capturingCaller{}
	l, _, renderer := newLogger(t, caller, []models.Campaign{activePurchaseCampaign("c1")})

	require.NoError(t, l.TrackEvent(context.Background(), "purchase", nil, nil, false))
	assert.Equal(t, []string{"tmpl_c1"}, renderer.shown)

	require.NoError(t, l.TrackEvent(context.Background(), "page_view", nil, nil, false))
	assert.Len(t, renderer.shown, 1, "non-matching events schedule nothing")
}

func activePurchaseCampaign(id string) models.Campaign {
	return models.Campaign{
		ID:             id,
		Channel:        models.ChannelInWebMessage,
		Status:         models.CampaignStatusActive,
		StartsAtMillis: []int64{0},
		SegmentType:    models.SegmentTypeConditioned,
		TriggeringConditions: [][]models.StringMatcher{
			{{Operator: models.MatchEquals, Operand: "purchase"}},
		},
		Message: models.Message{TemplateName: "tmpl_" + id},
	}
}
