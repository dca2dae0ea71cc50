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

// SignatureConfig configures request signing.
//
// Example:
//
//	signature:
//	  secret: ${TOLLGATE_SECRET}
//	  max_age: 5m
type SignatureConfig struct {
	// Enabled controls whether signed requests are required.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"default=true"`

	// Secret is the operator secret the AES key is derived from.
	Secret string `yaml:"secret,omitempty" json:"secret,omitempty"`

	// MaxAge is how old a signature may be.
	MaxAge time.Duration `yaml:"max_age,omitempty" json:"max_age,omitempty" jsonschema:"type=string,default=5m"`

	// NonceTTL is how long consumed nonces are remembered. It is raised
	// to MaxAge when smaller.
	NonceTTL time.Duration `yaml:"nonce_ttl,omitempty" json:"nonce_ttl,omitempty" jsonschema:"type=string"`

	QueryParam string `yaml:"query_param,omitempty" json:"query_param,omitempty" jsonschema:"default=signature"`
	BodyField  string `yaml:"body_field,omitempty" json:"body_field,omitempty" jsonschema:"default=signature"`
	Header     string `yaml:"header,omitempty" json:"header,omitempty" jsonschema:"default=X-Signature"`

	// NonceCacheSize caps the in-memory nonce set before it is cleared.
	NonceCacheSize int `yaml:"nonce_cache_size,omitempty" json:"nonce_cache_size,omitempty" jsonschema:"default=100000"`
}

// IsEnabled reports whether signatures are required.
func (c *SignatureConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SetDefaults applies default values.
func (c *SignatureConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.MaxAge == 0 {
		c.MaxAge = 5 * time.Minute
	}
	if c.NonceTTL < c.MaxAge {
		c.NonceTTL = c.MaxAge
	}
	if c.QueryParam == "" {
		c.QueryParam = "signature"
	}
	if c.BodyField == "" {
		c.BodyField = "signature"
	}
	if c.Header == "" {
		c.Header = "X-Signature"
	}
	if c.NonceCacheSize == 0 {
		c.NonceCacheSize = 100000
	}
}

// Validate checks the signature configuration.
func (c *SignatureConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.Secret == "" {
		return fmt.Errorf("secret is required when signatures are enabled")
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("max_age must be positive")
	}
	if c.NonceCacheSize < 0 {
		return fmt.Errorf("nonce_cache_size must be non-negative")
	}
	return nil
}
