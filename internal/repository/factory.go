// Package repository provides the initialization for session store implementations
package repository

import (
	"github.com/rs/zerolog/log"

	"github.com/navikt/dualroom/internal/config"
	"github.com/navikt/dualroom/internal/repository/memory"
	"github.com/navikt/dualroom/internal/repository/redis"
)

// NewSessionStore returns a Redis backed store when Redis is enabled and an
// in-memory store otherwise
func NewSessionStore(cfg config.RedisConfig, sessionID string) (SessionStore, error) {
	if !cfg.Enabled {
		log.Info().Str("module", "repository").Str("session", sessionID).Msg("using in-memory session store")
		return memory.NewSessionStore(), nil
	}

	store, err := redis.NewSessionStore(cfg, sessionID)
	if err != nil {
		return nil, err
	}
	log.Info().Str("module", "repository").Str("session", sessionID).Msg("using redis session store")
	return store, nil
}
