package session

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// NewStoreFromConfig builds the session store named by cfg.Backend.
func NewStoreFromConfig(cfg *config.SessionsConfig, client redis.UniversalClient, keyPrefix string) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(cfg.IdleTTL, cfg.SweepInterval), nil
	case config.BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis session store requires a redis client")
		}
		return NewRedisStore(client, keyPrefix, cfg.IdleTTL), nil
	default:
		return nil, fmt.Errorf("unknown session backend: %s", cfg.Backend)
	}
}
