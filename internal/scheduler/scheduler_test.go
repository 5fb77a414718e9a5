package scheduler

import (
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/team-michael/notifly-go-sdk/internal/models"
	"github.com/team-michael/notifly-go-sdk/internal/statecache"
	"github.com/team-michael/notifly-go-sdk/internal/storage"
	"github.com/team-michael/notifly-go-sdk/internal/targeting"
)

var schedNow = time.Date(2024, 6, 15, 12, 0, 0, 0, time.UTC)

// recordingRenderer records render calls and completes each render.
type recordingRenderer struct {
	mu       sync.Mutex
	rendered []models.Message
	disposed int
	failWith error
}

func (r *recordingRenderer) Render(msg models.Message, _ string, cb RenderCallbacks) error {
	r.mu.Lock()
	r.rendered = append(r.rendered, msg)
	fail := r.failWith
	r.mu.Unlock()
	if fail != nil {
		cb.OnRenderFailed(fail)
		return nil
	}
	cb.OnRenderCompleted()
	return nil
}

func (r *recordingRenderer) Close() {}

func (r *recordingRenderer) Dispose() {
	r.mu.Lock()
	r.disposed++
	r.mu.Unlock()
}

func (r *recordingRenderer) renderCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rendered)
}

type schedFixture struct {
	sched    *Scheduler
	renderer *recordingRenderer
	cache    *statecache.Cache
	mu       sync.Mutex
	internal []string
	props    map[string]any
	links    []string
}

func newFixture(t *testing.T, allowCustom bool) *schedFixture {
	t.Helper()
	f := &schedFixture{
		renderer: &recordingRenderer{},
		props:    map[string]any{},
	}
	f.cache = statecache.NewCache(storage.NewMemoryStore(), nil, nil, nil, statecache.Options{
		Now: func() time.Time { return schedNow },
	})
	f.sched = New(Options{
		Renderer: f.renderer,
		Cache:    f.cache,
		Now:      func() time.Time { return schedNow },
		LogInternalEvent: func(name string, _ map[string]any) {
			f.mu.Lock()
			f.internal = append(f.internal, name)
			f.mu.Unlock()
		},
		SetUserProperties: func(props map[string]any) {
			f.mu.Lock()
			for k, v := range props {
				f.props[k] = v
			}
			f.mu.Unlock()
		},
		Navigate: func(link string) {
			f.mu.Lock()
			f.links = append(f.links, link)
			f.mu.Unlock()
		},
		AllowCustomEvents: allowCustom,
		TrackCustomEvent: func(name string, _ map[string]any) {
			f.mu.Lock()
			f.internal = append(f.internal, "custom:"+name)
			f.mu.Unlock()
		},
	})
	return f
}

func campaign(id string, delay int) models.Campaign {
	return models.Campaign{
		ID:           id,
		DelaySeconds: delay,
		Message:      models.Message{TemplateName: "tmpl_" + id},
	}
}

func TestImmediateShow(t *testing.T) {
	f := newFixture(t, false)
	f.sched.ScheduleInWebMessage(campaign("c1", 0))

	assert.Equal(t, 1, f.renderer.renderCount())
	assert.True(t, f.sched.IsOpen())
	assert.Contains(t, f.internal, models.EventInWebMessageShow)
}

func TestAtMostOneOpen(t *testing.T) {
	f := newFixture(t, false)
	f.sched.ScheduleInWebMessage(campaign("c1", 0))
	f.sched.ScheduleInWebMessage(campaign("c2", 0))

	// The second campaign is dropped, not queued.
	assert.Equal(t, 1, f.renderer.renderCount())

	f.sched.HandleRendererMessage(RendererMessage{Type: MessageTypeClose})
	f.sched.ScheduleInWebMessage(campaign("c3", 0))
	assert.Equal(t, 2, f.renderer.renderCount())
}

func TestDelayedShowAndDeschedule(t *testing.T) {
	f := newFixture(t, false)
	f.sched.ScheduleInWebMessage(campaign("c1", 1))
	assert.Equal(t, 0, f.renderer.renderCount())

	f.sched.DescheduleInWebMessage("c1")
	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 0, f.renderer.renderCount())
}

func TestDelayedShowFires(t *testing.T) {
	f := newFixture(t, false)
	f.sched.ScheduleInWebMessage(campaign("c1", 1))

	require.Eventually(t, func() bool {
		return f.renderer.renderCount() == 1
	}, 3*time.Second, 20*time.Millisecond)
}

func TestDescheduleAll(t *testing.T) {
	f := newFixture(t, false)
	f.sched.ScheduleInWebMessage(campaign("c1", 1))
	f.sched.ScheduleInWebMessage(campaign("c2", 2))
	f.sched.DescheduleAll()

	time.Sleep(1100 * time.Millisecond)
	assert.Equal(t, 0, f.renderer.renderCount())
}

func TestReEligibilityBookkeepingOnShow(t *testing.T) {
	f := newFixture(t, false)
	c := campaign("c1", 0)
	c.ReEligibleCondition = &models.ReEligibleCondition{Unit: "d", Value: 1}
	f.sched.ScheduleInWebMessage(c)

	snap := f.cache.Snapshot()
	assert.Equal(t, 1, f.cache.FireCount("c1"))
	want := schedNow.UnixMilli() + (24 * time.Hour).Milliseconds()
	assert.Equal(t, want, snap.UserData.CampaignHiddenUntilMillis["c1"])
}

func TestReEligibilityWindowBlocksThenExpires(t *testing.T) {
	f := newFixture(t, false)
	c := campaign("c1", 0)
	c.ReEligibleCondition = &models.ReEligibleCondition{Unit: "d", Value: 1, MaxCount: 1}
	c.Channel = models.ChannelInWebMessage
	c.Status = models.CampaignStatusActive
	c.StartsAtMillis = []int64{0}
	c.SegmentType = models.SegmentTypeConditioned
	c.TriggeringConditions = [][]models.StringMatcher{
		{{Operator: models.MatchEquals, Operand: "purchase"}},
	}
	f.sched.ScheduleInWebMessage(c)

	// Re-evaluating through the engine from the mutated local state: the
	// campaign is ineligible for the next 24 hours with no network round
	// trip, and eligible again after.
	engine := targeting.NewEngine(0, nil)
	snap := f.cache.Snapshot()
	snap.InWebMessageCampaigns = []models.Campaign{c}

	assert.Empty(t, engine.CampaignsToSchedule(&snap, "purchase", nil, "", schedNow.Add(23*time.Hour)))
	assert.Len(t, engine.CampaignsToSchedule(&snap, "purchase", nil, "", schedNow.Add(25*time.Hour)), 1)
}

func TestMaxCountCapsRepeatShows(t *testing.T) {
	f := newFixture(t, false)
	c := campaign("c1", 0)
	c.ReEligibleCondition = &models.ReEligibleCondition{Unit: "d", Value: 1, MaxCount: 1}

	// The first show opens the normal 24-hour window, not a permanent hide.
	f.sched.ScheduleInWebMessage(c)
	snap := f.cache.Snapshot()
	want := schedNow.UnixMilli() + (24 * time.Hour).Milliseconds()
	assert.Equal(t, want, snap.UserData.CampaignHiddenUntilMillis["c1"])

	// The show past the cap hides the campaign for good.
	f.sched.HandleRendererMessage(RendererMessage{Type: MessageTypeClose})
	f.sched.ScheduleInWebMessage(c)
	snap = f.cache.Snapshot()
	assert.Equal(t, 2, f.cache.FireCount("c1"))
	assert.Equal(t, int64(math.MaxInt64), snap.UserData.CampaignHiddenUntilMillis["c1"])
}

func TestRenderFailureResetsOpenFlag(t *testing.T) {
	f := newFixture(t, false)
	f.renderer.failWith = errors.New("iframe blocked")
	f.sched.ScheduleInWebMessage(campaign("c1", 0))

	assert.False(t, f.sched.IsOpen())
	assert.NotContains(t, f.internal, models.EventInWebMessageShow)

	// Not retried, but the next campaign can show.
	f.renderer.failWith = nil
	f.sched.ScheduleInWebMessage(campaign("c2", 0))
	assert.True(t, f.sched.IsOpen())
}

func TestCloseMessageSuppressesTemplate(t *testing.T) {
	f := newFixture(t, false)
	f.sched.ScheduleInWebMessage(campaign("c1", 0))
	f.sched.HandleRendererMessage(RendererMessage{
		Type:              MessageTypeClose,
		HideDurationHours: 24,
	})

	assert.False(t, f.sched.IsOpen())
	assert.Equal(t, 1, f.renderer.disposed)
	assert.Contains(t, f.internal, models.EventHideInWebMessage)

	key := targeting.TemplateSuppressionPrefix + "tmpl_c1"
	until, ok := f.props[key].(int64)
	require.True(t, ok)
	assert.Equal(t, schedNow.Add(24*time.Hour).UnixMilli(), until)
}

func TestMainButtonClick(t *testing.T) {
	f := newFixture(t, false)
	f.sched.ScheduleInWebMessage(campaign("c1", 0))
	f.sched.HandleRendererMessage(RendererMessage{
		Type: MessageTypeMainButton,
		Link: "https://example.test/offer",
	})

	assert.False(t, f.sched.IsOpen())
	assert.Contains(t, f.internal, models.EventMainButtonClick)
	assert.Equal(t, []string{"https://example.test/offer"}, f.links)
}

func TestCustomRendererMessages(t *testing.T) {
	f := newFixture(t, true)
	f.sched.ScheduleInWebMessage(campaign("c1", 0))
	f.sched.HandleRendererMessage(RendererMessage{Type: "survey_answered"})
	assert.Contains(t, f.internal, "custom:survey_answered")

	// Still open: custom messages do not tear down the surface.
	assert.True(t, f.sched.IsOpen())

	off := newFixture(t, false)
	off.sched.ScheduleInWebMessage(campaign("c1", 0))
	off.sched.HandleRendererMessage(RendererMessage{Type: "survey_answered"})
	assert.NotContains(t, off.internal, "custom:survey_answered")
}
