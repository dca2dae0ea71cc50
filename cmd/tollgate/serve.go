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


package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/tollgate"
	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/config/provider"
	"github.com/kadirpekel/tollgate/pkg/runtime"
)

// ServeCmd starts the gateway.
type ServeCmd struct {
	Source    string   `help:"Config source: file, consul, etcd, zookeeper." default:"file" enum:"file,consul,etcd,zookeeper"`
	Endpoints []string `help:"Endpoints for remote config sources." sep:","`
	Port      int      `help:"Override the listen port."`
	Watch     bool     `help:"Watch the config source and apply changes without restart."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	if cli.Config == "" {
		return fmt.Errorf("--config is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			slog.Info("Shutting down...")
			cancel()
		case <-ctx.Done():
		}
	}()

	cfg, loader, err := c.loadConfig(ctx, cli.Config)
	if err != nil {
		return err
	}
	defer loader.Close()

	// Config file logger settings apply only where no flag or env var was given.
	cleanup, err := initLogger(cli.LogLevel, cli.LogFile, cli.LogFormat, &cfg.Logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}

	rt, err := runtime.New(ctx, cfg, runtime.Options{})
	if err != nil {
		return fmt.Errorf("failed to create runtime: %w", err)
	}
	defer rt.Close()

	printStartup(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rt.Run(gctx)
	})
	if c.Watch {
		loader.SetOnChange(func(next *config.Config) {
			if c.Port != 0 {
				next.Server.Port = c.Port
			}
			if err := rt.Reload(next); err != nil {
				slog.Error("Rejected configuration change", "error", err)
			}
		})
		g.Go(func() error {
			if err := loader.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("config watch: %w", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (c *ServeCmd) loadConfig(ctx context.Context, path string) (*config.Config, *config.Loader, error) {
	typ, err := provider.ParseType(c.Source)
	if err != nil {
		return nil, nil, err
	}
	if !typ.Remote() {
		if err := config.LoadDotEnvForConfig(path); err != nil {
			slog.Warn("Failed to load .env next to config", "error", err)
		}
	}
	cfg, loader, err := config.LoadConfig(ctx, provider.ProviderConfig{
		Type:      typ,
		Path:      path,
		Endpoints: c.Endpoints,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if typ.Remote() {
		slog.Info("Loaded configuration", "source", typ, "key", path, "endpoints", c.Endpoints)
	} else {
		slog.Info("Loaded configuration", "source", typ, "path", path)
	}
	return cfg, loader, nil
}

func printStartup(cfg *config.Config) {
	addr := cfg.Server.Address()
	fmt.Printf("\ntollgate %s ready\n", tollgate.GetVersion().Version)
	fmt.Printf("   Chat:        http://%s/v1/chat/completions\n", addr)
	fmt.Printf("   Health:      http://%s/health\n", addr)
	fmt.Printf("   Upstream:    %s\n", cfg.Upstream.URL)
	fmt.Printf("   Store:       %s\n", cfg.Store.Backend)
	fmt.Printf("   Sessions:    %s\n", cfg.Sessions.Backend)

	var checks []string
	if cfg.Signature.IsEnabled() {
		checks = append(checks, "signature")
	}
	if cfg.RateLimit.IsEnabled() {
		checks = append(checks, fmt.Sprintf("rate_limit(%d/%s)", cfg.RateLimit.MaxRequests, cfg.RateLimit.Window))
	}
	if cfg.Quota.IsEnabled() {
		checks = append(checks, fmt.Sprintf("quota(%d/day, %d/month)", cfg.Quota.DailyLimit, cfg.Quota.MonthlyLimit))
	}
	if len(checks) == 0 {
		checks = append(checks, "none")
	}
	fmt.Printf("   Checks:      %s\n", strings.Join(checks, ", "))

	if cfg.Observability.Metrics.IsEnabled() {
		fmt.Printf("   Metrics:     http://%s%s\n", addr, cfg.Observability.Metrics.Path)
	}
	if cfg.Observability.Tracing.Enabled {
		fmt.Printf("   Tracing:     %s (%s)\n", cfg.Observability.Tracing.Exporter, cfg.Observability.Tracing.Endpoint)
	}
	if cfg.Admin.Enabled {
		fmt.Printf("   Admin:       http://%s/admin\n", addr)
	}
	fmt.Println("\nPress Ctrl+C to stop")
}
