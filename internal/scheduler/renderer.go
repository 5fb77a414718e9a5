package scheduler

import "github.com/team-michael/notifly-go-sdk/internal/models"

// RenderCallbacks reports the outcome of a render attempt.
type RenderCallbacks struct {
	OnRenderCompleted func()
	OnRenderFailed    func(err error)
	OnAutoDismissed   func()
}

// Renderer is the external render/close contract. The scheduler is agnostic
// to rendering technology beyond it.
type Renderer interface {
	Render(msg models.Message, source string, cb RenderCallbacks) error
	Close()
	Dispose()
}

// Renderer message type discriminators.
const (
	MessageTypeClose      = "close"
	MessageTypeMainButton = "main_button"
)

// RendererMessage is an event sent back by the renderer surface.
type RendererMessage struct {
	Type string
	// Link, when set, is a navigation target to follow after teardown.
	Link string
	// HideDurationHours, on a close message, instructs the scheduler to set
	// a template-level suppression property for that many hours.
	HideDurationHours int
	// Params carries the payload of custom message types.
	Params map[string]any
}
