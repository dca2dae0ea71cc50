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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/kadirpekel/tollgate/pkg/admission"
	"github.com/kadirpekel/tollgate/pkg/config"
)

// ValidateCmd validates a configuration file.
type ValidateCmd struct {
	Config string `arg:"" name:"config" help:"Configuration file path." placeholder:"PATH"`

	Format string `short:"f" help:"Output format: compact, verbose, json." default:"compact" enum:"compact,verbose,json"`

	PrintConfig bool `short:"p" name:"print-config" help:"Print the expanded configuration (defaults applied, env vars resolved, secrets masked)."`
}

// Finding is a single validation error or warning.
type Finding struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type report struct {
	Valid    bool      `json:"valid"`
	File     string    `json:"file"`
	Errors   []Finding `json:"errors,omitempty"`
	Warnings []Finding `json:"warnings,omitempty"`
}

func (c *ValidateCmd) Run() error {
	rep, cfg := validateFile(c.Config)

	if rep.Valid && c.PrintConfig {
		return printExpandedConfig(os.Stdout, c.Format, c.Config, cfg.Redacted())
	}
	rep.print(c.Format)
	if !rep.Valid {
		return fmt.Errorf("configuration is invalid")
	}
	return nil
}

func validateFile(path string) (*report, *config.Config) {
	rep := &report{File: path}
	_ = config.LoadDotEnvForConfig(path)

	cfg, loader, err := config.LoadConfigFile(context.Background(), path)
	if err != nil {
		rep.Errors = append(rep.Errors, Finding{Type: "load", Message: err.Error()})
		return rep, nil
	}
	loader.Close()

	if _, err := admission.PolicyFromConfig(cfg); err != nil {
		rep.Errors = append(rep.Errors, Finding{Type: "policy", Message: err.Error()})
		return rep, nil
	}

	rep.Valid = true
	rep.Warnings = warnings(cfg)
	return rep, cfg
}

// warnings flags settings that are valid but weaken abuse control.
func warnings(cfg *config.Config) []Finding {
	var out []Finding
	warn := func(msg string) { out = append(out, Finding{Type: "warning", Message: msg}) }

	if !cfg.Signature.IsEnabled() {
		warn("signature verification is disabled; any caller can reach the upstream")
	}
	if !cfg.RateLimit.IsEnabled() {
		warn("rate limiting is disabled")
	}
	if !cfg.Quota.IsEnabled() {
		warn("daily and monthly quotas are disabled")
	}
	if cfg.Store.Backend == config.BackendMemory {
		warn("store backend is memory; counters and nonces are per instance and lost on restart")
	}
	if config.BoolValue(cfg.IPFilter.TrustForwardedFor, true) {
		warn("X-Forwarded-For is trusted; only enable this behind a proxy that overwrites it")
	}
	if cfg.Upstream.InsecureSkipVerify {
		warn("upstream TLS verification is disabled")
	}
	return out
}

func (rep *report) print(format string) {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		}
	case "verbose":
		out := os.Stdout
		title := "Configuration Validation Successful"
		if !rep.Valid {
			out = os.Stderr
			title = "Configuration Validation Failed"
		}
		fmt.Fprintf(out, "%s\n\n", title)
		fmt.Fprintf(out, "File:     %s\n", rep.File)
		for _, f := range rep.Errors {
			fmt.Fprintf(out, "Error:    [%s] %s\n", f.Type, f.Message)
		}
		for _, f := range rep.Warnings {
			fmt.Fprintf(out, "Warning:  %s\n", f.Message)
		}
	default:
		if !rep.Valid {
			for _, f := range rep.Errors {
				fmt.Fprintf(os.Stderr, "%s: %s error: %s\n", rep.File, f.Type, f.Message)
			}
			return
		}
		fmt.Fprintf(os.Stdout, "%s: valid", rep.File)
		if n := len(rep.Warnings); n > 0 {
			fmt.Fprintf(os.Stdout, " (%d warning(s), use -f verbose)", n)
		}
		fmt.Fprintln(os.Stdout)
	}
}

func printExpandedConfig(w io.Writer, format, file string, cfg *config.Config) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("failed to encode config as JSON: %w", err)
		}
		return nil
	}

	fmt.Fprintf(w, "# Expanded configuration from %s (secrets masked)\n\n", file)
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	defer enc.Close()
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config as YAML: %w", err)
	}
	return nil
}
