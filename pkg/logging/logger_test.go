package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("Expected default level to be Info, got %s", cfg.Level)
	}

	if cfg.Pretty != false {
		t.Error("Expected default pretty to be false")
	}
}

func TestSetup(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		testMsg  string
		contains string
	}{
		{
			name: "info_level",
			config: Config{
				Level:  LevelInfo,
				Pretty: false,
			},
			testMsg:  "Starting study prefetch",
			contains: "Starting study prefetch",
		},
		{
			name: "debug_level",
			config: Config{
				Level:  LevelDebug,
				Pretty: false,
			},
			testMsg:  "Entry compressed",
			contains: "Entry compressed",
		},
		{
			name: "warn_level",
			config: Config{
				Level:  LevelWarn,
				Pretty: false,
			},
			testMsg:  "Failure threshold reached, circuit opened",
			contains: "circuit opened",
		},
		{
			name: "error_level",
			config: Config{
				Level:  LevelError,
				Pretty: false,
			},
			testMsg:  "Retry attempts exhausted",
			contains: "Retry attempts exhausted",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.config.Output = buf

			logger := Setup(tt.config)

			// Test that logger writes to the configured output
			switch tt.config.Level {
			case LevelDebug:
				logger.Debug().Msg(tt.testMsg)
			case LevelInfo:
				logger.Info().Msg(tt.testMsg)
			case LevelWarn:
				logger.Warn().Msg(tt.testMsg)
			case LevelError:
				logger.Error().Msg(tt.testMsg)
			}

			output := buf.String()
			if !strings.Contains(output, tt.contains) {
				t.Errorf("Expected output to contain %q, got %q", tt.contains, output)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    LogLevel
		expected zerolog.Level
	}{
		{LevelDebug, zerolog.DebugLevel},
		{LevelInfo, zerolog.InfoLevel},
		{LevelWarn, zerolog.WarnLevel},
		{LevelError, zerolog.ErrorLevel},
		{"invalid", zerolog.InfoLevel}, // Should default to Info
	}

	for _, tt := range tests {
		t.Run(string(tt.input), func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: buf,
	})

	logger := NewLogger("loader")
	logger.Info().Str("image_id", "study/s1/image/4").Msg("Load succeeded after retry")

	output := buf.String()
	if !strings.Contains(output, `"component":"loader"`) {
		t.Errorf("Expected output to contain the loader component field, got %q", output)
	}
	if !strings.Contains(output, "study/s1/image/4") {
		t.Errorf("Expected output to contain the image identifier, got %q", output)
	}
	if !strings.Contains(output, "Load succeeded after retry") {
		t.Errorf("Expected output to contain the message, got %q", output)
	}
}

func TestLogLevelFiltering(t *testing.T) {
	buf := &bytes.Buffer{}
	Setup(Config{
		Level:  LevelWarn,
		Pretty: false,
		Output: buf,
	})

	logger := NewLogger("cache")

	// These should NOT appear (below warn level)
	logger.Debug().Msg("Eviction pass complete")
	logger.Info().Msg("Study prefetch complete")

	// These SHOULD appear (warn level and above)
	logger.Warn().Msg("Decompression failed, dropping entry")
	logger.Error().Msg("Failed to create loader")

	output := buf.String()

	if strings.Contains(output, "Eviction pass complete") {
		t.Error("Debug message should be filtered out at Warn level")
	}
	if strings.Contains(output, "Study prefetch complete") {
		t.Error("Info message should be filtered out at Warn level")
	}
	if !strings.Contains(output, "Decompression failed") {
		t.Error("Warn message should be included at Warn level")
	}
	if !strings.Contains(output, "Failed to create loader") {
		t.Error("Error message should be included at Warn level")
	}
}
