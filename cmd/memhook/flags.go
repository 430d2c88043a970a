package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	Validate        bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("MEMHOOK_CONFIG", ""),
		"Path to a JSON configuration file, defaults and env only when empty (env: MEMHOOK_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("MEMHOOK_CONFIG", ""),
		"Path to a JSON configuration file (env: MEMHOOK_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("MEMHOOK_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: MEMHOOK_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("MEMHOOK_LOG_FORMAT", "json"),
		"Log format: json, text (env: MEMHOOK_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("MEMHOOK_DEBUG", false),
		"Enable debug logging (env: MEMHOOK_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("MEMHOOK_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: MEMHOOK_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs.Output(), fs) }

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}
	return nil
}

func printDetailedHelp(w io.Writer, fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `%s - emulator memory hook

Polls emulator memory through the RetroArch network command interface,
decodes it with a YAML mapper and pushes value changes to clients.

Usage: %s [options]

Options:
`, appName, fs.Name())
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(w, `
Examples:
  # Load a mapper against a local RetroArch
  MEMHOOK_MAPPER_DIR=./mappers MEMHOOK_MAPPER_ID=pokemon_red %s

  # Run with a config file and text logs
  %s --config=/etc/memhook/memhook.json --log-format=text

  # Validate configuration only
  %s --config=memhook.json --validate

Version: %s
Build: %s
`, fs.Name(), fs.Name(), fs.Name(), Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
