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

// Package provider fetches raw gateway config from a local file or from a
// key in consul, etcd or zookeeper, and signals when that value changes so
// limits and IP lists can be reloaded without a restart.
package provider

import (
	"context"
	"fmt"
	"strings"
)

// Type names a config source.
type Type string

const (
	TypeFile      Type = "file"
	TypeConsul    Type = "consul"
	TypeEtcd      Type = "etcd"
	TypeZookeeper Type = "zookeeper"
)

// defaultEndpoints are the local agent addresses used when none are given.
var defaultEndpoints = map[Type]string{
	TypeConsul:    "localhost:8500",
	TypeEtcd:      "localhost:2379",
	TypeZookeeper: "localhost:2181",
}

// ParseType accepts a source name as given on the command line. "zk" is
// an alias for zookeeper and an empty name means file.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToLower(strings.TrimSpace(s))); t {
	case "", TypeFile:
		return TypeFile, nil
	case "zk":
		return TypeZookeeper, nil
	case TypeConsul, TypeEtcd, TypeZookeeper:
		return t, nil
	}
	return "", fmt.Errorf("unknown config source %q (valid: file, consul, etcd, zookeeper)", s)
}

// Remote reports whether the source lives outside the local filesystem.
func (t Type) Remote() bool {
	_, ok := defaultEndpoints[t]
	return ok
}

// Provider is a config source. Implementations are safe for concurrent use.
type Provider interface {
	Type() Type

	// Load returns the current raw config.
	Load(ctx context.Context) ([]byte, error)

	// Watch returns a channel that receives a value after the config
	// changes. The channel is closed when ctx is done or the source fails
	// permanently.
	Watch(ctx context.Context) (<-chan struct{}, error)

	Close() error
}

// ProviderConfig selects and addresses a config source.
type ProviderConfig struct {
	Type Type

	// Path is a file path for file sources and a key for remote ones.
	Path string

	// Endpoints are agent or cluster addresses. Consul uses the first one.
	Endpoints []string
}

// endpoints returns the configured endpoints, or the source's default.
func (c ProviderConfig) endpoints() []string {
	var out []string
	for _, e := range c.Endpoints {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return []string{defaultEndpoints[c.Type]}
	}
	return out
}

// New opens the source described by cfg.
func New(cfg ProviderConfig) (Provider, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("config path is required")
	}
	if cfg.Type == "" {
		cfg.Type = TypeFile
	}

	switch cfg.Type {
	case TypeFile:
		return NewFileProvider(cfg.Path)
	case TypeConsul:
		return NewConsulProvider(cfg.endpoints()[0], cfg.Path)
	case TypeEtcd:
		return NewEtcdProvider(cfg.endpoints(), cfg.Path)
	case TypeZookeeper:
		return NewZookeeperProvider(cfg.endpoints(), cfg.Path)
	}
	return nil, fmt.Errorf("unknown config source %q", cfg.Type)
}

// notify signals ch without blocking. A signal already pending covers any
// later change because receivers reload the whole value.
func notify(ch chan<- struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
