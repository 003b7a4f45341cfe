package gateway

import (
	"sync/atomic"

	"github.com/turtacn/atlas/internal/config"
	"github.com/turtacn/atlas/internal/gateway/routing"
)

// Whitelist is an immutable set of ant patterns that bypass token checks.
type Whitelist struct {
	enabled  bool
	patterns []string
}

// NewWhitelist builds a whitelist from config. A disabled whitelist matches nothing.
func NewWhitelist(cfg config.WhitelistConfig) *Whitelist {
	return &Whitelist{
		enabled:  cfg.Enabled,
		patterns: append([]string(nil), cfg.Paths...),
	}
}

// Match reports whether path is whitelisted.
func (w *Whitelist) Match(path string) bool {
	if w == nil || !w.enabled {
		return false
	}
	for _, p := range w.patterns {
		if routing.MatchPath(p, path) {
			return true
		}
	}
	return false
}

// WhitelistHolder publishes the active whitelist.
type WhitelistHolder struct {
	current atomic.Pointer[Whitelist]
}

// NewWhitelistHolder creates a holder with cfg active.
func NewWhitelistHolder(cfg config.WhitelistConfig) *WhitelistHolder {
	h := &WhitelistHolder{}
	h.Store(cfg)
	return h
}

// Store replaces the active whitelist.
func (h *WhitelistHolder) Store(cfg config.WhitelistConfig) {
	h.current.Store(NewWhitelist(cfg))
}

// Load returns the active whitelist.
func (h *WhitelistHolder) Load() *Whitelist {
	return h.current.Load()
}
