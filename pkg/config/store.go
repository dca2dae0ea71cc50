// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"fmt"
	"time"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQL    = "sql"
)

// StoreConfig selects the counter/nonce backend shared by the replay guard,
// rate limiter and quota enforcer.
//
// Example:
//
//	store:
//	  backend: redis
//	  op_timeout: 200ms
//	  redis:
//	    addr: localhost:6379
type StoreConfig struct {
	// Backend is memory, redis or sql.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=redis,enum=sql,default=memory"`

	// OpTimeout bounds every shared-store round trip.
	OpTimeout time.Duration `yaml:"op_timeout,omitempty" json:"op_timeout,omitempty" jsonschema:"type=string,default=200ms"`

	// SweepInterval controls expired-entry pruning for the memory backend.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty" jsonschema:"type=string,default=1m"`

	Redis RedisConfig `yaml:"redis,omitempty" json:"redis,omitempty"`

	// Database is required when backend is sql.
	Database *DatabaseConfig `yaml:"database,omitempty" json:"database,omitempty"`
}

// RedisConfig holds the shared Redis connection target.
type RedisConfig struct {
	Addr        string        `yaml:"addr,omitempty" json:"addr,omitempty" jsonschema:"default=localhost:6379"`
	Password    string        `yaml:"password,omitempty" json:"password,omitempty"`
	DB          int           `yaml:"db,omitempty" json:"db,omitempty"`
	DialTimeout time.Duration `yaml:"dial_timeout,omitempty" json:"dial_timeout,omitempty" jsonschema:"type=string,default=2s"`
	KeyPrefix   string        `yaml:"key_prefix,omitempty" json:"key_prefix,omitempty" jsonschema:"default=tollgate:"`
}

// SetDefaults applies default values.
func (c *StoreConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.OpTimeout == 0 {
		c.OpTimeout = 200 * time.Millisecond
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 2 * time.Second
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "tollgate:"
	}
	if c.Database != nil {
		c.Database.SetDefaults()
	}
}

// Validate checks the store configuration.
func (c *StoreConfig) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendRedis:
	case BackendSQL:
		if c.Database == nil {
			return fmt.Errorf("backend 'sql' requires a 'database' section")
		}
		if err := c.Database.Validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	default:
		return fmt.Errorf("invalid backend '%s', must be 'memory', 'redis' or 'sql'", c.Backend)
	}
	if c.OpTimeout < 0 {
		return fmt.Errorf("op_timeout must be non-negative")
	}
	return nil
}
