package quota

import (
	"database/sql"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/kadirpekel/tollgate/pkg/config"
)

// NewStoreFromConfig picks the quota store that matches the shared store
// backend.
func NewStoreFromConfig(cfg *config.StoreConfig, client redis.UniversalClient, db *sql.DB, dialect string) (Store, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		return NewMemoryStore(), nil
	case config.BackendRedis:
		if client == nil {
			return nil, fmt.Errorf("redis quota store requires a redis client")
		}
		return NewRedisStore(client, cfg.Redis.KeyPrefix), nil
	case config.BackendSQL:
		return NewSQLStore(db, dialect)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", cfg.Backend)
	}
}

// PolicyFromConfig converts the quota section into a Policy. A disabled
// section keeps the token ceilings but drops the counters.
func PolicyFromConfig(cfg *config.QuotaConfig) Policy {
	p := Policy{
		MaxTokensPerRequest: cfg.MaxTokensPerRequest,
		MaxInputTokens:      cfg.MaxInputTokens,
	}
	if cfg.IsEnabled() {
		p.Limits = Limits{Daily: cfg.DailyLimit, Monthly: cfg.MonthlyLimit}
	}
	return p
}
