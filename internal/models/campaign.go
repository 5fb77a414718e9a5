package models

import (
	"errors"
)

type CampaignStatus string

const (
	CampaignStatusDraft      CampaignStatus = "draft"
	CampaignStatusActive     CampaignStatus = "active"
	CampaignStatusInactive   CampaignStatus = "inactive"
	CampaignStatusTerminated CampaignStatus = "terminated"
)

type Channel string

const (
	ChannelInWebMessage Channel = "in-web-message"
	ChannelInAppMessage Channel = "in-app-message"
	ChannelPush         Channel = "push-notification"
)

type SegmentType string

const (
	// SegmentTypeConditioned is the only segment type the local engine evaluates.
	SegmentTypeConditioned SegmentType = "condition"
	SegmentTypeAll         SegmentType = "all"
	SegmentTypeCSV         SegmentType = "csv"
)

// MatchOperator is a string matcher applied to the incoming event name or to
// a stringified event parameter.
type MatchOperator string

const (
	MatchEquals        MatchOperator = "="
	MatchNotEquals     MatchOperator = "!="
	MatchStartsWith    MatchOperator = "starts_with"
	MatchNotStartsWith MatchOperator = "not_starts_with"
	MatchEndsWith      MatchOperator = "ends_with"
	MatchNotEndsWith   MatchOperator = "not_ends_with"
	MatchContains      MatchOperator = "contains"
	MatchNotContains   MatchOperator = "not_contains"
	MatchRegex         MatchOperator = "regex"
	MatchNotRegex      MatchOperator = "not_regex"
)

// StringMatcher is one conjunct inside a triggering-condition group.
type StringMatcher struct {
	Operator MatchOperator `json:"operator"`
	Operand  string        `json:"operand"`
}

// EventParamFilter matches one event parameter against an operand.
type EventParamFilter struct {
	Key      string        `json:"key"`
	Operator MatchOperator `json:"operator"`
	Operand  string        `json:"operand"`
}

type CompareOperator string

const (
	CompareEquals    CompareOperator = "="
	CompareNotEquals CompareOperator = "!="
	CompareGreater   CompareOperator = ">"
	CompareGreaterEq CompareOperator = ">="
	CompareLess      CompareOperator = "<"
	CompareLessEq    CompareOperator = "<="
	CompareContains  CompareOperator = "@>"
	CompareIsNull    CompareOperator = "is_null"
	CompareIsNotNull CompareOperator = "is_not_null"
)

type ValueType string

const (
	ValueTypeText  ValueType = "TEXT"
	ValueTypeInt   ValueType = "INT"
	ValueTypeBool  ValueType = "BOOL"
	ValueTypeArray ValueType = "ARRAY"
)

type ConditionUnit string

const (
	ConditionUnitEvent        ConditionUnit = "event"
	ConditionUnitUser         ConditionUnit = "user"
	ConditionUnitDevice       ConditionUnit = "device"
	ConditionUnitUserMetadata ConditionUnit = "user_metadata"
)

// Condition is one conjunct inside a segment group. Event-based conditions
// compare a running event count against a threshold; property-based
// conditions compare a user-data attribute against a literal or against an
// incoming event parameter.
type Condition struct {
	Unit ConditionUnit `json:"unit"`

	// Event-based fields.
	EventName string `json:"event,omitempty"`
	// SecondaryValue, when set, restricts the count to a trailing window of
	// that many calendar days. Nil means all-time.
	SecondaryValue *int `json:"secondary_value,omitempty"`

	// Property-based fields.
	Attribute string    `json:"attribute,omitempty"`
	ValueType ValueType `json:"value_type,omitempty"`
	// ComparisonEventParam, when non-empty, names an incoming event
	// parameter used as the counterpart instead of Value.
	ComparisonEventParam string `json:"comparison_event_param,omitempty"`

	Operator CompareOperator `json:"operator"`
	Value    any             `json:"value,omitempty"`
}

// SegmentGroup is a conjunction of conditions.
type SegmentGroup struct {
	Conditions []Condition `json:"conditions"`
}

// SegmentInfo is a disjunction of groups. No groups means everyone matches.
type SegmentInfo struct {
	Groups []SegmentGroup `json:"groups,omitempty"`
}

// ReEligibleCondition controls how soon a campaign may fire again for the
// same user after it has been shown.
type ReEligibleCondition struct {
	// Unit is one of "h", "d", "w", "m" or "infinite".
	Unit  string `json:"unit"`
	Value int    `json:"value"`
	// MaxCount caps the total number of fires; 0 means uncapped.
	MaxCount int `json:"max_count,omitempty"`
}

// Message is the render payload handed to the external renderer.
type Message struct {
	HTMLURL         string         `json:"html_url"`
	TemplateName    string         `json:"template_name"`
	ModalProperties map[string]any `json:"modal_properties,omitempty"`
}

// Campaign is an immutable snapshot fetched from the network. The engine
// never mutates campaigns, only filters and orders them.
type Campaign struct {
	ID      string         `json:"id"`
	Channel Channel        `json:"channel"`
	Status  CampaignStatus `json:"campaign_status"`

	// StartsAtMillis lists activation start timestamps; the campaign is live
	// once the earliest has passed. EndsAtMillis of nil means no end.
	StartsAtMillis []int64 `json:"starts"`
	EndsAtMillis   *int64  `json:"end,omitempty"`

	SegmentType SegmentType `json:"segment_type"`

	Testing   bool     `json:"testing"`
	Whitelist []string `json:"whitelist,omitempty"`

	ReEligibleCondition *ReEligibleCondition `json:"re_eligible_condition,omitempty"`

	Message Message `json:"message"`

	// TriggeringConditions is a disjunction of conjunctions of matchers over
	// the incoming event name.
	TriggeringConditions [][]StringMatcher `json:"triggering_conditions"`
	// TriggeringEventFilters, when present, must additionally match the
	// incoming event parameters (one group matching suffices).
	TriggeringEventFilters [][]EventParamFilter `json:"triggering_event_filters,omitempty"`

	SegmentInfo *SegmentInfo `json:"segment_info,omitempty"`

	DelaySeconds    int   `json:"delay"`
	UpdatedAtMillis int64 `json:"updated_at"`
}

func (c *Campaign) Validate() error {
	if c.ID == "" {
		return errors.New("campaign id is required")
	}
	if c.Channel == "" {
		return errors.New("campaign channel is required")
	}
	if len(c.StartsAtMillis) == 0 {
		return errors.New("campaign activation start is required")
	}
	return nil
}
