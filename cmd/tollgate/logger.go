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
	"fmt"
	"os"

	"github.com/kadirpekel/tollgate/pkg/config"
	"github.com/kadirpekel/tollgate/pkg/logger"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "simple"
)

// initLogger installs the process logger.
// Priority: CLI flags and env vars > config file > defaults.
// The returned cleanup is never nil.
func initLogger(level, file, format string, cfg *config.LoggerConfig) (func(), error) {
	if cfg != nil {
		if level == "" {
			level = cfg.Level
		}
		if file == "" {
			file = cfg.File
		}
		if format == "" {
			format = cfg.Format
		}
	}
	if level == "" {
		level = defaultLogLevel
	}
	if format == "" {
		format = defaultLogFormat
	}

	lvl, err := logger.ParseLevel(level)
	if err != nil {
		return func() {}, fmt.Errorf("invalid log level: %w", err)
	}

	output := os.Stderr
	cleanup := func() {}
	if file != "" {
		f, closeFn, err := logger.OpenLogFile(file)
		if err != nil {
			return func() {}, fmt.Errorf("failed to open log file: %w", err)
		}
		output = f
		cleanup = closeFn
	}

	logger.Init(lvl, output, format)
	return cleanup, nil
}
