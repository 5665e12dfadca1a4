package feed

import (
	"context"
	"sync"

	"github.com/clipshelf/clipshelf/internal/embed"
)

const (
	EventState     = "state"
	EventDirective = "directive"
)

const (
	DirectiveLoadScript    = "load_script"
	DirectiveProcessEmbeds = "process_embeds"
)

// Directive asks the client to do something only a browser can do.
type Directive struct {
	Type      string `json:"type"`
	ScriptURL string `json:"scriptUrl,omitempty"`
}

// scriptHost loads Instagram's embed script on the client through SSE
// directives. The script counts as loaded once it has been requested; the
// client confirms with a script_loaded event, after which placeholders are
// processed again.
type scriptHost struct {
	hub *hub

	mu        sync.Mutex
	requested bool
	confirmed bool
}

var _ embed.ScriptHost = (*scriptHost)(nil)

func (h *scriptHost) IsLoaded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requested
}

func (h *scriptHost) Load(context.Context) error {
	h.mu.Lock()
	h.requested = true
	h.mu.Unlock()
	h.hub.publish(Message{Event: EventDirective, Data: loadScript()})
	return nil
}

func (h *scriptHost) Process(context.Context) error {
	h.hub.publish(Message{Event: EventDirective, Data: Directive{Type: DirectiveProcessEmbeds}})
	return nil
}

func (h *scriptHost) confirm() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.confirmed = true
}

// awaitingLoad reports whether a load was requested but never confirmed, so
// a stream that connected late must be told to load the script.
func (h *scriptHost) awaitingLoad() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requested && !h.confirmed
}

func loadScript() Directive {
	return Directive{Type: DirectiveLoadScript, ScriptURL: embed.InstagramScriptURL}
}
