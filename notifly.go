// Package notifly is a client-side engagement SDK: it identifies users, logs
// analytic events, and decides locally, in real time, whether to display an
// in-web message in response to user activity.
//
// All public operations are serialized through a command queue against the
// SDK lifecycle, so identity changes never interleave with event tracking or
// cache refreshes.
package notifly

import (
	"time"

	"go.uber.org/zap"

	"github.com/team-michael/notifly-go-sdk/internal/api"
	"github.com/team-michael/notifly-go-sdk/internal/scheduler"
	"github.com/team-michael/notifly-go-sdk/internal/storage"
)

// SDK identification shipped with every event record.
const (
	SDKVersion = "1.0.0"
	SDKType    = "go"
)

// Renderer is the external render/close contract for in-web messages.
type Renderer = scheduler.Renderer

// RendererMessage is an event sent back by the render surface.
type RendererMessage = scheduler.RendererMessage

// Store is the persistent key-value store contract.
type Store = storage.Store

// Caller is the authenticated-call contract used for every network request.
type Caller = api.Caller

// Config configures one SDK instance. ProjectID, Username and Password are
// required unless a custom Caller is supplied.
type Config struct {
	ProjectID string
	Username  string
	Password  string

	// BaseURL overrides the API host. Empty uses the production default.
	BaseURL string

	// Platform and Source describe the host application.
	Platform string
	Source   string

	// CalendarOffsetMinutes fixes the site-local calendar used for count
	// bucketing, as a UTC offset. Nil uses the default (+540, KST); a
	// pointer to 0 selects a UTC calendar.
	CalendarOffsetMinutes *int

	// SessionInterval separates sessions; a new session_start event is
	// logged when the last one is older. Zero uses the default (30m).
	SessionInterval time.Duration

	// Store persists local state across restarts. Nil uses an in-memory
	// store (state does not survive the process).
	Store Store

	// Renderer displays in-web messages. Nil drops messages at render time.
	Renderer Renderer

	// Caller overrides the authenticated API client; intended for tests and
	// for hosts with their own transport.
	Caller Caller

	Logger *zap.Logger

	// EnableMetrics registers Prometheus series for SDK activity.
	EnableMetrics bool

	// AllowCustomRendererEvents forwards unrecognized renderer message
	// types as user-supplied custom events.
	AllowCustomRendererEvents bool

	// Navigate follows a message-supplied link after teardown.
	Navigate func(link string)
}
