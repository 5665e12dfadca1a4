package embed

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// ScriptHost is the environment that can load Instagram's embed processor
// and ask it to render placeholder blocks.
type ScriptHost interface {
	IsLoaded() bool
	Load(ctx context.Context) error
	Process(ctx context.Context) error
}

// Processor makes sure the Instagram script is loaded exactly once and that
// newly mounted placeholders get processed. Calling Ensure redundantly is
// harmless.
type Processor struct {
	host  ScriptHost
	group singleflight.Group
}

func NewProcessor(host ScriptHost) *Processor {
	return &Processor{host: host}
}

// Ensure loads the script if needed and then processes placeholders. A
// missing host is tolerated; the placeholder simply stays as a link.
func (p *Processor) Ensure(ctx context.Context) error {
	if p == nil || p.host == nil {
		return nil
	}

	if !p.host.IsLoaded() {
		_, err, _ := p.group.Do("load", func() (any, error) {
			if p.host.IsLoaded() {
				return nil, nil
			}
			return nil, p.host.Load(ctx)
		})
		if err != nil {
			slog.Warn("embed: instagram script load failed", "error", err)
			return fmt.Errorf("load embed script: %w", err)
		}
	}

	if err := p.host.Process(ctx); err != nil {
		slog.Warn("embed: instagram process failed", "error", err)
		return fmt.Errorf("process embeds: %w", err)
	}
	return nil
}
