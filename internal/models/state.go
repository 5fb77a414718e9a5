package models

import (
	"fmt"
	"time"
)

// CalendarDateLayout is the bucketing key layout for event counts.
const CalendarDateLayout = "2006-01-02"

// CalendarDate buckets a timestamp on the site-local calendar: a fixed UTC
// offset in minutes, never the host's local zone, so every device of a
// project buckets identically.
func CalendarDate(t time.Time, offsetMinutes int) string {
	return t.UTC().Add(time.Duration(offsetMinutes) * time.Minute).Format(CalendarDateLayout)
}

// EventIntermediateCount is one locally accumulated counter row. There is
// one row per (calendar date, event name, optional single segmentation
// value); the count only grows, by exactly 1 per matching tracked event.
type EventIntermediateCount struct {
	DT    string `json:"dt"`
	Name  string `json:"name"`
	Count int    `json:"count"`
	// EventParams holds the representative parameters of the row. When the
	// row was bucketed by a segmentation key, it holds exactly that
	// key/value pair.
	EventParams map[string]any `json:"event_params,omitempty"`
}

// UserData is the locally cached user profile plus per-campaign display
// bookkeeping.
type UserData struct {
	UserProperties   map[string]any `json:"user_properties"`
	DeviceProperties map[string]any `json:"device_properties"`
	UserMetadata     map[string]any `json:"user_metadata"`

	// CampaignHiddenUntilMillis maps campaign id to the timestamp before
	// which that campaign must not fire again. Merged additively across
	// syncs; replaced wholesale only on overwrite syncs.
	CampaignHiddenUntilMillis map[string]int64 `json:"campaign_hidden_until"`
	// CampaignFireLogMillis records past fire timestamps per campaign.
	CampaignFireLogMillis map[string][]int64 `json:"campaign_fire_log"`

	ExternalUserID string `json:"external_user_id,omitempty"`
}

// EmptyUserData returns a UserData with all maps allocated.
func EmptyUserData() UserData {
	return UserData{
		UserProperties:            map[string]any{},
		DeviceProperties:          map[string]any{},
		UserMetadata:              map[string]any{},
		CampaignHiddenUntilMillis: map[string]int64{},
		CampaignFireLogMillis:     map[string][]int64{},
	}
}

// State is the authoritative local snapshot the targeting engine reads.
// Exactly one copy exists per SDK instance.
type State struct {
	EventIntermediateCounts []EventIntermediateCount `json:"eventIntermediateCounts"`
	InWebMessageCampaigns   []Campaign               `json:"inWebMessageCampaigns"`
	UserData                UserData                 `json:"userData"`
}

// Validate runs the schema sanity check applied to snapshots restored from
// storage. A snapshot failing validation is treated as absent, never fatal.
func (s *State) Validate() error {
	for i := range s.EventIntermediateCounts {
		row := &s.EventIntermediateCounts[i]
		if row.Name == "" {
			return fmt.Errorf("count row %d: missing event name", i)
		}
		if _, err := time.Parse(CalendarDateLayout, row.DT); err != nil {
			return fmt.Errorf("count row %d: bad date %q", i, row.DT)
		}
		if row.Count < 0 {
			return fmt.Errorf("count row %d: negative count", i)
		}
	}
	for i := range s.InWebMessageCampaigns {
		if err := s.InWebMessageCampaigns[i].Validate(); err != nil {
			return fmt.Errorf("campaign %d: %w", i, err)
		}
	}
	if s.UserData.UserProperties == nil && s.UserData.CampaignHiddenUntilMillis == nil {
		return fmt.Errorf("user data missing")
	}
	return nil
}

// Clone deep-copies the snapshot so readers never observe in-place count
// increments from concurrently tracked events.
func (s *State) Clone() State {
	out := State{
		EventIntermediateCounts: make([]EventIntermediateCount, len(s.EventIntermediateCounts)),
		InWebMessageCampaigns:   append([]Campaign(nil), s.InWebMessageCampaigns...),
		UserData: UserData{
			UserProperties:            cloneMap(s.UserData.UserProperties),
			DeviceProperties:          cloneMap(s.UserData.DeviceProperties),
			UserMetadata:              cloneMap(s.UserData.UserMetadata),
			CampaignHiddenUntilMillis: make(map[string]int64, len(s.UserData.CampaignHiddenUntilMillis)),
			CampaignFireLogMillis:     make(map[string][]int64, len(s.UserData.CampaignFireLogMillis)),
			ExternalUserID:            s.UserData.ExternalUserID,
		},
	}
	for i, row := range s.EventIntermediateCounts {
		row.EventParams = cloneMap(row.EventParams)
		out.EventIntermediateCounts[i] = row
	}
	for k, v := range s.UserData.CampaignHiddenUntilMillis {
		out.UserData.CampaignHiddenUntilMillis[k] = v
	}
	for k, v := range s.UserData.CampaignFireLogMillis {
		out.UserData.CampaignFireLogMillis[k] = append([]int64(nil), v...)
	}
	return out
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
