package gateway

import (
	"context"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/gateway/routing"
	"github.com/turtacn/atlas/pkg/logger"
)

// Hot-reloadable key prefixes. Other atlas.gateway.* keys need a restart.
const (
	PrefixRoutes    = "atlas.gateway.routes"
	PrefixWhitelist = "atlas.gateway.whitelist"
	PrefixCORS      = "atlas.gateway.cors"
)

// Refresher recompiles the subsets named by a change event. Each subset is swapped
// on its own; an unchanged subset keeps its published pointer.
type Refresher struct {
	engine    *routing.Engine
	whitelist *WhitelistHolder
	cors      *CORSHolder
	log       logger.Logger
}

// NewRefresher creates a refresher over the three holders.
func NewRefresher(engine *routing.Engine, whitelist *WhitelistHolder, cors *CORSHolder, log logger.Logger) *Refresher {
	return &Refresher{
		engine:    engine,
		whitelist: whitelist,
		cors:      cors,
		log:       log.WithComponent("gateway-refresher"),
	}
}

// OnChange is a config.ChangeHandler.
func (r *Refresher) OnChange(ctx context.Context, event config.ChangeEvent) {
	if event.Config == nil {
		return
	}
	g := event.Config.Atlas.Gateway

	if event.HasPrefix(PrefixRoutes) {
		r.engine.Load(ctx, g.Routes)
	}
	if event.HasPrefix(PrefixWhitelist) {
		r.whitelist.Store(g.Whitelist)
		r.log.Info(ctx, "whitelist refreshed", logger.Bool("enabled", g.Whitelist.Enabled), logger.Int("paths", len(g.Whitelist.Paths)))
	}
	if event.HasPrefix(PrefixCORS) {
		if err := r.cors.Store(g.CORS); err != nil {
			r.log.Error(ctx, "invalid cors policy, keeping the previous one", err)
		} else {
			r.log.Info(ctx, "cors policy refreshed")
		}
	}
}
