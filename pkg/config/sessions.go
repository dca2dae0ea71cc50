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

// SessionsConfig configures conversation history storage.
type SessionsConfig struct {
	// Backend is memory or redis.
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty" jsonschema:"enum=memory,enum=redis,default=memory"`

	// IdleTTL evicts sessions not touched for this long.
	IdleTTL time.Duration `yaml:"idle_ttl,omitempty" json:"idle_ttl,omitempty" jsonschema:"type=string,default=30m"`

	// SweepInterval is how often the memory backend scans for idle sessions.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty" json:"sweep_interval,omitempty" jsonschema:"type=string,default=1m"`
}

// SetDefaults applies default values.
func (c *SessionsConfig) SetDefaults() {
	if c.Backend == "" {
		c.Backend = BackendMemory
	}
	if c.IdleTTL == 0 {
		c.IdleTTL = 30 * time.Minute
	}
	if c.SweepInterval == 0 {
		c.SweepInterval = time.Minute
	}
}

// Validate checks the sessions configuration.
func (c *SessionsConfig) Validate() error {
	if c.Backend != BackendMemory && c.Backend != BackendRedis {
		return fmt.Errorf("invalid backend '%s', must be 'memory' or 'redis'", c.Backend)
	}
	if c.IdleTTL <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("idle_ttl and sweep_interval must be positive")
	}
	return nil
}

// UpstreamConfig points at the metered inference service.
type UpstreamConfig struct {
	// URL receives forwarded chat requests.
	URL string `yaml:"url,omitempty" json:"url,omitempty"`

	APIKey       string `yaml:"api_key,omitempty" json:"api_key,omitempty"`
	APIKeyHeader string `yaml:"api_key_header,omitempty" json:"api_key_header,omitempty" jsonschema:"default=Authorization"`

	Timeout    time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty" jsonschema:"type=string,default=60s"`
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty" jsonschema:"default=2"`

	// MaxRetryWait caps how long a throttled request is held for a retry.
	// A longer Retry-After is passed back to the caller instead.
	MaxRetryWait time.Duration `yaml:"max_retry_wait,omitempty" json:"max_retry_wait,omitempty" jsonschema:"type=string,default=10s"`

	// CACertificate is a PEM file trusted in addition to the system roots.
	CACertificate      string `yaml:"ca_certificate,omitempty" json:"ca_certificate,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty" json:"insecure_skip_verify,omitempty"`
}

// SetDefaults applies default values.
func (c *UpstreamConfig) SetDefaults() {
	if c.APIKeyHeader == "" {
		c.APIKeyHeader = "Authorization"
	}
	if c.Timeout == 0 {
		c.Timeout = 60 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 2
	}
	if c.MaxRetryWait == 0 {
		c.MaxRetryWait = 10 * time.Second
	}
}

// Validate checks the upstream configuration.
func (c *UpstreamConfig) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must be non-negative")
	}
	if c.MaxRetryWait < 0 {
		return fmt.Errorf("max_retry_wait must be non-negative")
	}
	return nil
}

// AdminConfig guards the /admin API with JWT bearer tokens.
//
// Example:
//
//	admin:
//	  enabled: true
//	  jwks_url: "https://auth.example.com/.well-known/jwks.json"
//	  issuer: "https://auth.example.com"
//	  audience: "tollgate-admin"
type AdminConfig struct {
	Enabled bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`

	// JWKSURL verifies tokens against a remote key set.
	JWKSURL string `yaml:"jwks_url,omitempty" json:"jwks_url,omitempty"`

	// HMACSecret verifies HS256 tokens when no JWKS URL is configured.
	HMACSecret string `yaml:"hmac_secret,omitempty" json:"hmac_secret,omitempty"`

	Issuer   string `yaml:"issuer,omitempty" json:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty" json:"audience,omitempty"`

	// Role is required in the token's role claim.
	Role string `yaml:"role,omitempty" json:"role,omitempty" jsonschema:"default=admin"`
}

// SetDefaults applies default values.
func (c *AdminConfig) SetDefaults() {
	if c.Role == "" {
		c.Role = "admin"
	}
}

// Validate checks the admin configuration.
func (c *AdminConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.JWKSURL == "" && c.HMACSecret == "" {
		return fmt.Errorf("jwks_url or hmac_secret is required when admin is enabled")
	}
	return nil
}
