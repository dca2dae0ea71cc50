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

// RateLimitConfig defines the fixed-window request ceiling applied per
// client and route.
type RateLimitConfig struct {
	// Enabled controls whether rate limiting is active.
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"default=true"`

	// Window is the fixed window size.
	Window time.Duration `yaml:"window,omitempty" json:"window,omitempty" jsonschema:"type=string,default=1m"`

	// MaxRequests is the ceiling per window.
	MaxRequests int64 `yaml:"max_requests,omitempty" json:"max_requests,omitempty" jsonschema:"minimum=1,default=60"`
}

// IsEnabled returns true if rate limiting is enabled.
func (c *RateLimitConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SetDefaults sets default values for RateLimitConfig.
func (c *RateLimitConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Window == 0 {
		c.Window = time.Minute
	}
	if c.MaxRequests == 0 {
		c.MaxRequests = 60
	}
}

// Validate validates the RateLimitConfig.
func (c *RateLimitConfig) Validate() error {
	if !c.IsEnabled() {
		return nil
	}
	if c.Window <= 0 {
		return fmt.Errorf("window must be positive")
	}
	if c.MaxRequests <= 0 {
		return fmt.Errorf("max_requests must be positive")
	}
	return nil
}

// QuotaConfig defines per-client daily and monthly ceilings and the
// per-request token ceiling.
type QuotaConfig struct {
	Enabled *bool `yaml:"enabled,omitempty" json:"enabled,omitempty" jsonschema:"default=true"`

	// DailyLimit and MonthlyLimit are request counts. Zero disables the counter.
	DailyLimit   int64 `yaml:"daily_limit,omitempty" json:"daily_limit,omitempty" jsonschema:"default=1000"`
	MonthlyLimit int64 `yaml:"monthly_limit,omitempty" json:"monthly_limit,omitempty" jsonschema:"default=20000"`

	// MaxTokensPerRequest caps the requested output tokens.
	MaxTokensPerRequest int64 `yaml:"max_tokens_per_request,omitempty" json:"max_tokens_per_request,omitempty" jsonschema:"default=4096"`

	// MaxInputTokens caps the estimated prompt size. Zero disables the check.
	MaxInputTokens int64 `yaml:"max_input_tokens,omitempty" json:"max_input_tokens,omitempty"`

	// TokenEncoding is the tiktoken encoding used for prompt estimation.
	TokenEncoding string `yaml:"token_encoding,omitempty" json:"token_encoding,omitempty" jsonschema:"default=cl100k_base"`

	// RefundOnUpstreamFailure gives the slot back when the upstream call fails.
	RefundOnUpstreamFailure bool `yaml:"refund_on_upstream_failure,omitempty" json:"refund_on_upstream_failure,omitempty"`
}

// IsEnabled reports whether quota counters are enforced.
func (c *QuotaConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

// SetDefaults sets default values for QuotaConfig.
func (c *QuotaConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.DailyLimit == 0 {
		c.DailyLimit = 1000
	}
	if c.MonthlyLimit == 0 {
		c.MonthlyLimit = 20000
	}
	if c.MaxTokensPerRequest == 0 {
		c.MaxTokensPerRequest = 4096
	}
	if c.TokenEncoding == "" {
		c.TokenEncoding = "cl100k_base"
	}
}

// Validate validates the QuotaConfig.
func (c *QuotaConfig) Validate() error {
	if c.DailyLimit < 0 || c.MonthlyLimit < 0 {
		return fmt.Errorf("daily_limit and monthly_limit must be non-negative")
	}
	if c.MaxTokensPerRequest < 0 || c.MaxInputTokens < 0 {
		return fmt.Errorf("token ceilings must be non-negative")
	}
	return nil
}
