package main

import (
	"context"
	"time"

	"github.com/basket/clawdeck/internal/cache"
	"github.com/basket/clawdeck/internal/claw"
	"github.com/basket/clawdeck/internal/config"
)

const fetcherSessionLimit = 100

func cacheTTLs(cfg config.CacheConfig) map[cache.Kind]time.Duration {
	return map[cache.Kind]time.Duration{
		cache.KindStatus:   time.Duration(cfg.StatusTTLSeconds) * time.Second,
		cache.KindSessions: time.Duration(cfg.SessionsTTLSeconds) * time.Second,
		cache.KindActivity: time.Duration(cfg.ActivityTTLSeconds) * time.Second,
		cache.KindCosts:    time.Duration(cfg.CostsTTLSeconds) * time.Second,
		cache.KindCron:     time.Duration(cfg.CronTTLSeconds) * time.Second,
	}
}

// cacheFetchers maps each cache kind to the gateway tool that produces it.
// Every fetcher resolves the tenant's own client; an unknown tenant is a
// fetch error, which the cache logs and absorbs.
func cacheFetchers(clients map[string]*claw.Client) map[cache.Kind]cache.Fetcher {
	invoke := func(tool string) cache.Fetcher {
		return func(ctx context.Context, tenantID string) (any, error) {
			client, ok := clients[tenantID]
			if !ok {
				return nil, claw.ErrGatewayUnavailable
			}
			var out map[string]any
			if err := client.InvokeTimed(ctx, tool, map[string]any{}, &out); err != nil {
				return nil, err
			}
			return out, nil
		}
	}
	return map[cache.Kind]cache.Fetcher{
		cache.KindStatus:   invoke("system_status"),
		cache.KindActivity: invoke("activity_recent"),
		cache.KindCosts:    invoke("usage_costs"),
		cache.KindCron:     invoke("cron_list"),
		cache.KindSessions: func(ctx context.Context, tenantID string) (any, error) {
			client, ok := clients[tenantID]
			if !ok {
				return nil, claw.ErrGatewayUnavailable
			}
			return client.ListSessions(ctx, fetcherSessionLimit, 0)
		},
	}
}
