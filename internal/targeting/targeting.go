// Package targeting decides which campaigns fire for a tracked event. The
// engine is pure: it reads a snapshot of the local state and never mutates
// campaigns, only filters and orders them.
package targeting

import (
	"sort"
	"time"

	"github.com/team-michael/notifly-go-sdk/internal/metrics"
	"github.com/team-michael/notifly-go-sdk/internal/models"
)

// TemplateSuppressionPrefix keys the user property that suppresses every
// campaign sharing a template: "<hide event name>_<template name>" holding a
// future timestamp.
const TemplateSuppressionPrefix = models.EventHideInWebMessage + "_"

// Engine evaluates campaign eligibility against local state.
type Engine struct {
	calendarOffsetMin int
	metrics           *metrics.Metrics
}

// NewEngine creates an engine bucketing trailing-window counts on the
// site-local calendar given by the fixed UTC offset.
func NewEngine(calendarOffsetMin int, m *metrics.Metrics) *Engine {
	return &Engine{calendarOffsetMin: calendarOffsetMin, metrics: m}
}

// CampaignsToSchedule returns the campaigns eligible for the incoming event,
// ordered by ascending delay with ties broken by descending updated-at, and
// compacted to at most one campaign per distinct delay.
func (e *Engine) CampaignsToSchedule(state *models.State, eventName string, eventParams map[string]any, externalUserID string, now time.Time) []models.Campaign {
	var eligible []models.Campaign
	for _, c := range state.InWebMessageCampaigns {
		if e.metrics != nil {
			e.metrics.CampaignsEvaluated.Inc()
		}
		ok, reason := e.eligible(&c, state, eventName, eventParams, externalUserID, now)
		if !ok {
			if e.metrics != nil && reason != "" {
				e.metrics.CampaignsSkipped.WithLabelValues(reason).Inc()
			}
			continue
		}
		if e.metrics != nil {
			e.metrics.CampaignsMatched.WithLabelValues(c.ID).Inc()
		}
		eligible = append(eligible, c)
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		if eligible[i].DelaySeconds != eligible[j].DelaySeconds {
			return eligible[i].DelaySeconds < eligible[j].DelaySeconds
		}
		return eligible[i].UpdatedAtMillis > eligible[j].UpdatedAtMillis
	})

	// One message per distinct point in time: the first survivor per delay
	// is the most recently updated.
	out := eligible[:0]
	first := true
	lastDelay := 0
	for _, c := range eligible {
		if !first && c.DelaySeconds == lastDelay {
			continue
		}
		first = false
		lastDelay = c.DelaySeconds
		out = append(out, c)
	}
	return out
}

func (e *Engine) eligible(c *models.Campaign, state *models.State, eventName string, eventParams map[string]any, externalUserID string, now time.Time) (bool, string) {
	nowMillis := now.UnixMilli()

	// Status and activation window.
	if c.Status != models.CampaignStatusActive {
		return false, "status"
	}
	if len(c.StartsAtMillis) == 0 || nowMillis < minInt64(c.StartsAtMillis) {
		return false, "not_started"
	}
	if c.EndsAtMillis != nil && nowMillis >= *c.EndsAtMillis {
		return false, "ended"
	}

	// The local engine only evaluates condition-based segments.
	if c.SegmentType != models.SegmentTypeConditioned {
		return false, "segment_type"
	}

	// Trigger match over the event name and, when present, the parameters.
	if !MatchEventName(c.TriggeringConditions, eventName) {
		return false, "trigger"
	}
	if !MatchEventParams(c.TriggeringEventFilters, eventParams) {
		return false, "trigger_params"
	}

	// Whitelist is checked before re-eligibility and short-circuits.
	if c.Testing && !contains(c.Whitelist, externalUserID) {
		return false, "whitelist"
	}

	// Per-campaign hidden-until window, from local state only.
	if hiddenUntil, ok := state.UserData.CampaignHiddenUntilMillis[c.ID]; ok && nowMillis <= hiddenUntil {
		return false, "hidden_until"
	}

	// Template-level suppression via user property.
	if c.Message.TemplateName != "" {
		key := TemplateSuppressionPrefix + c.Message.TemplateName
		if raw, ok := state.UserData.UserProperties[key]; ok {
			if ts, ok := coerceNumber(raw); ok && int64(ts) > nowMillis {
				return false, "template_suppressed"
			}
		}
	}

	// Segment rule tree: OR across groups, AND within a group.
	if c.SegmentInfo != nil && len(c.SegmentInfo.Groups) > 0 {
		matched := false
		for _, g := range c.SegmentInfo.Groups {
			if e.groupSatisfied(g, state, eventParams, now) {
				matched = true
				break
			}
		}
		if !matched {
			return false, "segment"
		}
	}

	return true, ""
}

func (e *Engine) groupSatisfied(g models.SegmentGroup, state *models.State, eventParams map[string]any, now time.Time) bool {
	if len(g.Conditions) == 0 {
		return false
	}
	for _, cond := range g.Conditions {
		if !e.conditionSatisfied(cond, state, eventParams, now) {
			return false
		}
	}
	return true
}

func (e *Engine) conditionSatisfied(cond models.Condition, state *models.State, eventParams map[string]any, now time.Time) bool {
	if cond.Unit == models.ConditionUnitEvent {
		return e.eventConditionSatisfied(cond, state, now)
	}
	return e.propertyConditionSatisfied(cond, state, eventParams)
}

// eventConditionSatisfied sums matching count rows and compares against the
// threshold. Non-numeric or negative thresholds are always false.
func (e *Engine) eventConditionSatisfied(cond models.Condition, state *models.State, now time.Time) bool {
	threshold, ok := coerceNumber(cond.Value)
	if !ok || threshold < 0 {
		return false
	}

	var since string
	if cond.SecondaryValue != nil {
		days := *cond.SecondaryValue
		if days <= 0 {
			return false
		}
		since = models.CalendarDate(now.Add(-time.Duration(days-1)*24*time.Hour), e.calendarOffsetMin)
	}

	total := 0
	for _, row := range state.EventIntermediateCounts {
		if row.Name != cond.EventName {
			continue
		}
		if since != "" && row.DT < since {
			continue
		}
		total += row.Count
	}
	return compareOrdered(cond.Operator, float64(total), threshold)
}

func (e *Engine) propertyConditionSatisfied(cond models.Condition, state *models.State, eventParams map[string]any) bool {
	var ns map[string]any
	switch cond.Unit {
	case models.ConditionUnitUser:
		ns = state.UserData.UserProperties
	case models.ConditionUnitDevice:
		ns = state.UserData.DeviceProperties
	case models.ConditionUnitUserMetadata:
		ns = state.UserData.UserMetadata
	default:
		return false
	}

	value, present := ns[cond.Attribute]

	// Null-checks short-circuit type coercion.
	switch cond.Operator {
	case models.CompareIsNull:
		return !present || value == nil
	case models.CompareIsNotNull:
		return present && value != nil
	}

	counterpart := cond.Value
	if cond.ComparisonEventParam != "" {
		var ok bool
		counterpart, ok = eventParams[cond.ComparisonEventParam]
		if !ok {
			return false
		}
	}
	return Compare(cond.Operator, value, counterpart, cond.ValueType)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func minInt64(vs []int64) int64 {
	min := vs[0]
	for _, v := range vs[1:] {
		if v < min {
			min = v
		}
	}
	return min
}
