package backend

import (
	"context"
	"fmt"

	"basecai/pkg/types"
)

// serverBackend connects to a llama-server that is already running with the
// requested model. It cannot switch models; the caller picks the URL.
type serverBackend struct {
	cfg Config
}

func newServerBackend(cfg Config) *serverBackend { return &serverBackend{cfg: cfg} }

func (b *serverBackend) Kind() Kind { return KindServer }

func (b *serverBackend) Open(ctx context.Context, model types.Model) (Session, error) {
	c := newLlamaClient(b.cfg.URL, b.cfg.RequestTimeout)
	if err := c.health(ctx); err != nil {
		return nil, fmt.Errorf("llama-server at %s not healthy: %w", b.cfg.URL, err)
	}
	b.cfg.Logger.Debug().Str("event", "server_open").Str("model", model.ID).Str("url", b.cfg.URL).Msg("backend")
	b.cfg.Publisher.Publish(Event{Name: "server_open", ModelID: model.ID, Fields: map[string]any{"url": b.cfg.URL}})
	return &llamaSession{client: c, tokConfig: b.cfg.TokenizerConfig}, nil
}
