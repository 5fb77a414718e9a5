// Package scheduler drives the render lifecycle of eligible campaigns:
// delay timers, deduplication, the at-most-one-open guarantee and the
// re-eligibility bookkeeping recorded on show.
package scheduler

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/team-michael/notifly-go-sdk/internal/metrics"
	"github.com/team-michael/notifly-go-sdk/internal/models"
	"github.com/team-michael/notifly-go-sdk/internal/statecache"
	"github.com/team-michael/notifly-go-sdk/internal/targeting"
)

// Options wires the scheduler's collaborators.
type Options struct {
	Renderer Renderer
	Cache    *statecache.Cache
	Logger   *zap.Logger
	Metrics  *metrics.Metrics
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time

	// LogInternalEvent ships an internal analytic event (show/click).
	LogInternalEvent func(name string, params map[string]any)
	// SetUserProperties applies a property diff, used for template-level
	// suppression instructed by close payloads.
	SetUserProperties func(props map[string]any)
	// Navigate follows a payload-supplied link after teardown.
	Navigate func(link string)

	// AllowCustomEvents forwards unrecognized renderer message types as
	// user-supplied custom events.
	AllowCustomEvents bool
	// TrackCustomEvent ships such a custom event.
	TrackCustomEvent func(name string, params map[string]any)
}

// Scheduler owns the per-campaign firing state. A single open flag
// guarantees at most one message is visible at a time process-wide.
type Scheduler struct {
	mu      sync.Mutex
	open    bool
	current models.Campaign
	timers  map[string]*time.Timer

	opts Options
}

func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		timers: make(map[string]*time.Timer),
		opts:   opts,
	}
}

// ScheduleInWebMessage shows the campaign immediately when its delay is zero
// or negative, otherwise arms a cancellable timer keyed by campaign id.
func (s *Scheduler) ScheduleInWebMessage(c models.Campaign) {
	if c.DelaySeconds <= 0 {
		s.show(c)
		return
	}

	s.mu.Lock()
	if _, pending := s.timers[c.ID]; pending {
		s.mu.Unlock()
		s.opts.Logger.Debug("message already scheduled", zap.String("campaign_id", c.ID))
		return
	}
	s.timers[c.ID] = time.AfterFunc(time.Duration(c.DelaySeconds)*time.Second, func() {
		s.mu.Lock()
		delete(s.timers, c.ID)
		s.mu.Unlock()
		s.show(c)
	})
	s.mu.Unlock()

	if s.opts.Metrics != nil {
		s.opts.Metrics.MessagesScheduled.Inc()
	}
}

// DescheduleInWebMessage cancels the pending timer for one campaign.
func (s *Scheduler) DescheduleInWebMessage(campaignID string) {
	s.mu.Lock()
	timer, ok := s.timers[campaignID]
	if ok {
		timer.Stop()
		delete(s.timers, campaignID)
	}
	s.mu.Unlock()
	if ok && s.opts.Metrics != nil {
		s.opts.Metrics.MessagesDescheduled.Inc()
	}
}

// DescheduleAll cancels every pending timer. Called when the SDK enters
// Refreshing (campaign eligibility may be stale under a new identity) or
// Terminated.
func (s *Scheduler) DescheduleAll() {
	s.mu.Lock()
	n := len(s.timers)
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	if s.opts.Metrics != nil {
		for i := 0; i < n; i++ {
			s.opts.Metrics.MessagesDescheduled.Inc()
		}
	}
}

// show renders the campaign unless another message is already open; a second
// eligible campaign is dropped with a warning, not queued.
func (s *Scheduler) show(c models.Campaign) {
	s.mu.Lock()
	if s.open {
		s.mu.Unlock()
		s.opts.Logger.Warn("another in-web message is open, dropping",
			zap.String("campaign_id", c.ID),
		)
		if s.opts.Metrics != nil {
			s.opts.Metrics.MessagesDropped.WithLabelValues("already_open").Inc()
		}
		return
	}
	s.open = true
	s.current = c
	s.mu.Unlock()

	s.recordShow(&c)

	err := s.opts.Renderer.Render(c.Message, c.ID, RenderCallbacks{
		OnRenderCompleted: func() {
			if s.opts.Metrics != nil {
				s.opts.Metrics.MessagesShown.Inc()
			}
			if s.opts.LogInternalEvent != nil {
				s.opts.LogInternalEvent(models.EventInWebMessageShow, map[string]any{
					"campaign_id":   c.ID,
					"template_name": c.Message.TemplateName,
				})
			}
		},
		OnRenderFailed: func(err error) {
			// No retry for this campaign.
			s.opts.Logger.Warn("render failed", zap.String("campaign_id", c.ID), zap.Error(err))
			s.clearOpen()
		},
		OnAutoDismissed: func() {
			s.clearOpen()
			s.opts.Renderer.Dispose()
		},
	})
	if err != nil {
		s.opts.Logger.Warn("render call failed", zap.String("campaign_id", c.ID), zap.Error(err))
		s.clearOpen()
	}
}

// recordShow persists the re-eligibility bookkeeping before handing the
// payload to the renderer, so a reload cannot re-fire the campaign.
func (s *Scheduler) recordShow(c *models.Campaign) {
	if s.opts.Cache == nil {
		return
	}
	nowMillis := s.opts.Now().UnixMilli()
	s.opts.Cache.RecordCampaignFire(c.ID, nowMillis)

	cond := c.ReEligibleCondition
	if cond == nil {
		return
	}
	until := hiddenUntil(cond, nowMillis)
	// Reaching the cap still leaves the normal window after this show; only
	// exceeding it hides the campaign for good.
	if cond.MaxCount > 0 && s.opts.Cache.FireCount(c.ID) > cond.MaxCount {
		until = math.MaxInt64
	}
	s.opts.Cache.HideCampaignUntil(c.ID, until)
}

func hiddenUntil(cond *models.ReEligibleCondition, nowMillis int64) int64 {
	var unit time.Duration
	switch cond.Unit {
	case "h":
		unit = time.Hour
	case "d":
		unit = 24 * time.Hour
	case "w":
		unit = 7 * 24 * time.Hour
	case "m":
		unit = 30 * 24 * time.Hour
	case "infinite":
		return math.MaxInt64
	default:
		unit = 24 * time.Hour
	}
	return nowMillis + (time.Duration(cond.Value) * unit).Milliseconds()
}

func (s *Scheduler) clearOpen() {
	s.mu.Lock()
	s.open = false
	s.current = models.Campaign{}
	s.mu.Unlock()
}

// IsOpen reports whether a message is currently visible.
func (s *Scheduler) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// HandleRendererMessage processes an event from the render surface.
func (s *Scheduler) HandleRendererMessage(msg RendererMessage) {
	s.mu.Lock()
	current := s.current
	wasOpen := s.open
	s.mu.Unlock()

	switch msg.Type {
	case MessageTypeClose:
		if !wasOpen {
			return
		}
		s.clearOpen()
		s.opts.Renderer.Dispose()
		if msg.HideDurationHours > 0 && current.Message.TemplateName != "" && s.opts.SetUserProperties != nil {
			key := targeting.TemplateSuppressionPrefix + current.Message.TemplateName
			until := s.opts.Now().Add(time.Duration(msg.HideDurationHours) * time.Hour).UnixMilli()
			s.opts.SetUserProperties(map[string]any{key: until})
		}
		if s.opts.LogInternalEvent != nil {
			s.opts.LogInternalEvent(models.EventHideInWebMessage, map[string]any{
				"campaign_id":   current.ID,
				"template_name": current.Message.TemplateName,
			})
		}
		s.followLink(msg.Link)

	case MessageTypeMainButton:
		if !wasOpen {
			return
		}
		s.clearOpen()
		s.opts.Renderer.Dispose()
		if s.opts.LogInternalEvent != nil {
			s.opts.LogInternalEvent(models.EventMainButtonClick, map[string]any{
				"campaign_id":   current.ID,
				"template_name": current.Message.TemplateName,
			})
		}
		s.followLink(msg.Link)

	default:
		if s.opts.AllowCustomEvents && s.opts.TrackCustomEvent != nil {
			s.opts.TrackCustomEvent(msg.Type, msg.Params)
		} else {
			s.opts.Logger.Debug("ignoring renderer message", zap.String("type", msg.Type))
		}
	}
}

func (s *Scheduler) followLink(link string) {
	if link != "" && s.opts.Navigate != nil {
		s.opts.Navigate(link)
	}
}
