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
	"net/netip"
	"strings"
)

// IPFilterConfig holds the allow and deny lists. Entries are single
// addresses or CIDR prefixes.
//
// Example:
//
//	ip_filter:
//	  blacklist_enabled: true
//	  blacklist: ["203.0.113.0/24"]
type IPFilterConfig struct {
	WhitelistEnabled bool     `yaml:"whitelist_enabled,omitempty" json:"whitelist_enabled,omitempty"`
	Whitelist        []string `yaml:"whitelist,omitempty" json:"whitelist,omitempty"`
	BlacklistEnabled bool     `yaml:"blacklist_enabled,omitempty" json:"blacklist_enabled,omitempty"`
	Blacklist        []string `yaml:"blacklist,omitempty" json:"blacklist,omitempty"`

	// TrustForwardedFor makes the first X-Forwarded-For entry the client IP.
	TrustForwardedFor *bool `yaml:"trust_forwarded_for,omitempty" json:"trust_forwarded_for,omitempty" jsonschema:"default=true"`

	// ClientIDHeader carries an explicit caller identifier used as the
	// rate limit and quota key.
	ClientIDHeader string `yaml:"client_id_header,omitempty" json:"client_id_header,omitempty" jsonschema:"default=X-Client-ID"`
}

// SetDefaults applies default values.
func (c *IPFilterConfig) SetDefaults() {
	if c.TrustForwardedFor == nil {
		c.TrustForwardedFor = BoolPtr(true)
	}
	if c.ClientIDHeader == "" {
		c.ClientIDHeader = "X-Client-ID"
	}
}

// Validate checks that every list entry parses.
func (c *IPFilterConfig) Validate() error {
	for _, list := range []struct {
		name    string
		entries []string
	}{{"whitelist", c.Whitelist}, {"blacklist", c.Blacklist}} {
		for i, entry := range list.entries {
			if _, err := ParsePrefix(entry); err != nil {
				return fmt.Errorf("%s[%d]: %w", list.name, i, err)
			}
		}
	}
	return nil
}

// ParsePrefix accepts "10.0.0.1" or "10.0.0.0/8".
func ParsePrefix(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q", entry)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP %q", entry)
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}
