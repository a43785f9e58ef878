/*
Copyright 2024 NetCockpit, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package utils

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gravitational/trace"

	"github.com/netcockpit/cockpit"
)

// LogFormatText and LogFormatJSON are the supported logger output formats.
const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

// LogConfig configures the process-wide logger.
type LogConfig struct {
	// Severity is the minimum level that gets emitted: debug, info, warn or error.
	Severity string
	// Format selects the handler encoding, text or json.
	Format string
	// Output is the destination writer, stderr when unset.
	Output io.Writer
}

// InitLogger configures the default slog logger for the process and
// returns it together with the level var so severity can be adjusted
// at runtime.
func InitLogger(cfg LogConfig) (*slog.Logger, *slog.LevelVar, error) {
	level := new(slog.LevelVar)
	if err := level.UnmarshalText([]byte(parseSeverity(cfg.Severity))); err != nil {
		return nil, nil, trace.BadParameter("unsupported log severity %q", cfg.Severity)
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", LogFormatText:
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	case LogFormatJSON:
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	default:
		return nil, nil, trace.BadParameter("unsupported log format %q, supported formats are %q and %q", cfg.Format, LogFormatText, LogFormatJSON)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, level, nil
}

// InitLoggerForTests discards log output unless the debug environment
// variable is set, in which case everything down to debug is printed.
func InitLoggerForTests() {
	if os.Getenv(cockpit.DebugEnvVar) != "" {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
		return
	}
	slog.SetDefault(slog.New(slog.DiscardHandler))
}

func parseSeverity(severity string) string {
	switch strings.ToLower(severity) {
	case "":
		return "info"
	case "warning":
		return "warn"
	default:
		return strings.ToLower(severity)
	}
}
