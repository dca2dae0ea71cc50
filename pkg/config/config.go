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

// Package config provides configuration loading for tollgate.
//
// Configuration is read from a Provider (file, consul, etcd, zookeeper),
// parsed as YAML (or JSON), expanded against the environment, decoded into
// Config, defaulted and validated.
//
// Example:
//
//	server:
//	  port: 8080
//	signature:
//	  secret: ${TOLLGATE_SECRET}
//	  max_age: 5m
//	rate_limit:
//	  window: 1m
//	  max_requests: 60
//	quota:
//	  daily_limit: 1000
//	  monthly_limit: 20000
//	store:
//	  backend: redis
//	  redis:
//	    addr: localhost:6379
//	upstream:
//	  url: https://api.example.com/v1/chat/completions
//	  api_key: ${UPSTREAM_API_KEY}
package config

import "fmt"

// Config is the root configuration.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty" json:"server,omitempty"`
	Logger        LoggerConfig        `yaml:"logger,omitempty" json:"logger,omitempty"`
	Store         StoreConfig         `yaml:"store,omitempty" json:"store,omitempty"`
	Signature     SignatureConfig     `yaml:"signature,omitempty" json:"signature,omitempty"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit,omitempty" json:"rate_limit,omitempty"`
	Quota         QuotaConfig         `yaml:"quota,omitempty" json:"quota,omitempty"`
	IPFilter      IPFilterConfig      `yaml:"ip_filter,omitempty" json:"ip_filter,omitempty"`
	Sessions      SessionsConfig      `yaml:"sessions,omitempty" json:"sessions,omitempty"`
	Upstream      UpstreamConfig      `yaml:"upstream,omitempty" json:"upstream,omitempty"`
	Admin         AdminConfig         `yaml:"admin,omitempty" json:"admin,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// SetDefaults applies defaults to every section.
func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Logger.SetDefaults()
	c.Store.SetDefaults()
	c.Signature.SetDefaults()
	c.RateLimit.SetDefaults()
	c.Quota.SetDefaults()
	c.IPFilter.SetDefaults()
	c.Sessions.SetDefaults()
	c.Upstream.SetDefaults()
	c.Admin.SetDefaults()
	c.Observability.SetDefaults()
}

// Validate checks every section and prefixes errors with the section name.
func (c *Config) Validate() error {
	sections := []struct {
		name string
		v    interface{ Validate() error }
	}{
		{"server", &c.Server},
		{"logger", &c.Logger},
		{"store", &c.Store},
		{"signature", &c.Signature},
		{"rate_limit", &c.RateLimit},
		{"quota", &c.Quota},
		{"ip_filter", &c.IPFilter},
		{"sessions", &c.Sessions},
		{"upstream", &c.Upstream},
		{"admin", &c.Admin},
		{"observability", &c.Observability},
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}

// Redacted returns a copy with secrets masked, suitable for printing.
func (c *Config) Redacted() *Config {
	out := *c
	mask := func(s string) string {
		if s == "" {
			return ""
		}
		return "***"
	}
	out.Signature.Secret = mask(c.Signature.Secret)
	out.Upstream.APIKey = mask(c.Upstream.APIKey)
	out.Admin.HMACSecret = mask(c.Admin.HMACSecret)
	out.Store.Redis.Password = mask(c.Store.Redis.Password)
	if c.Store.Database != nil {
		db := *c.Store.Database
		db.Password = mask(db.Password)
		out.Store.Database = &db
	}
	return &out
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// BoolValue dereferences b, returning def when b is nil.
func BoolValue(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}
