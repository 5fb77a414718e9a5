package models

// Internal event names emitted by the SDK itself.
const (
	EventSessionStart      = "session_start"
	EventSetUserProperties = "set_user_properties"
	EventInWebMessageShow  = "in_web_message_show"
	EventMainButtonClick   = "main_button_click"
	EventHideInWebMessage  = "hide_in_web_message"
)

// EventRecord is the ingestion payload for a single event. Time is epoch
// milliseconds; the SDK uses one unit everywhere.
type EventRecord struct {
	ID                         string         `json:"id"`
	ProjectID                  string         `json:"project_id"`
	Name                       string         `json:"name"`
	EventParams                map[string]any `json:"event_params,omitempty"`
	IsInternalEvent            bool           `json:"is_internal_event"`
	SegmentationEventParamKeys []string       `json:"segmentation_event_param_keys,omitempty"`
	SDKVersion                 string         `json:"sdk_version"`
	SDKType                    string         `json:"sdk_type"`
	TimeMillis                 int64          `json:"time"`
	Platform                   string         `json:"platform"`
	UserID                     string         `json:"notifly_user_id,omitempty"`
	DeviceID                   string         `json:"notifly_device_id,omitempty"`
	ExternalUserID             string         `json:"external_user_id,omitempty"`
	Source                     string         `json:"source,omitempty"`
}

// BatchRecord wraps one serialized event for the batch envelope. Data is the
// JSON-encoded EventRecord; PartitionKey is the resolved user id.
type BatchRecord struct {
	Data         string `json:"data"`
	PartitionKey string `json:"partitionKey"`
}

// BatchEnvelope is the wire format for event ingestion.
type BatchEnvelope struct {
	Records []BatchRecord `json:"records"`
}
