package host

import (
	"context"

	"taskhost/internal/aiworker"
	"taskhost/internal/config"
	"taskhost/internal/natives"
	"taskhost/internal/scope"
	"taskhost/internal/transport"
	"taskhost/internal/transport/telegram"
	"taskhost/pkg/logx"
)

// installCapabilities puts the http client, AI worker and notifier built from
// cfg into sc, replacing earlier values. Natives look them up on every call, so
// a reload takes effect for the next invocation.
func installCapabilities(ctx context.Context, sc *scope.Scope, cfg *config.Config, log logx.Logger) error {
	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	scope.Insert(sc, natives.NewHTTPClient(hc))

	worker, err := buildWorker(ctx, cfg, log)
	if err != nil {
		return err
	}
	scope.Insert(sc, worker)

	tc, enabled, err := mapTelegramConfig(cfg)
	if err != nil {
		return err
	}
	if enabled {
		sender, err := telegram.New(tc, log)
		if err != nil {
			return err
		}
		scope.Insert[transport.Notifier](sc, sender)
	} else {
		scope.Insert[transport.Notifier](sc, transport.Disabled{})
	}
	return nil
}

func buildWorker(ctx context.Context, cfg *config.Config, log logx.Logger) (aiworker.Worker, error) {
	gc, enabled, err := mapAIConfig(cfg)
	if err != nil {
		return nil, err
	}
	if !enabled {
		return aiworker.Disabled{}, nil
	}
	if gc.APIKey == "" {
		log.Warn("ai provider configured without an API key; llm natives disabled")
		return aiworker.Disabled{}, nil
	}
	g, err := aiworker.NewGenAI(ctx, gc, log)
	if err != nil {
		return nil, err
	}
	log.Info("ai worker ready", logx.String("worker", g.Name()))
	return g, nil
}
