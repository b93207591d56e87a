// Package config loads filenotify configuration from command-line flags, environment variables
// and .env files.
package config

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/listenupapp/filenotify/internal/errors"
	"github.com/listenupapp/filenotify/internal/validation"
)

// EnvPrefix is prepended to every environment variable the loader reads.
const EnvPrefix = "FILENOTIFY_"

// Backend selections.
const (
	BackendAuto    = "auto"
	BackendPolling = "polling"
	BackendNative  = "native"
)

// Config holds the application configuration.
type Config struct {
	Watch  WatchConfig  `json:"watch"`
	Logger LoggerConfig `json:"logger"`
	Diag   DiagConfig   `json:"diag"`
}

// WatchConfig holds the watched paths and detection tuning.
type WatchConfig struct {
	// Paths are watched non-recursively (-w).
	Paths []string `json:"paths" validate:"dive,required,abspath"`
	// RecursivePaths are watched with all descendants (-r).
	RecursivePaths []string `json:"recursive_paths" validate:"dive,required,abspath"`
	// Backend is auto, polling or native. -p selects polling, -o native.
	Backend string `json:"backend" validate:"oneof=auto polling native"`
	// Native picks the OS mechanism; "fsnotify" swaps inotify for fsnotify on Linux.
	Native       string        `json:"native" validate:"oneof=default fsnotify"`
	PollInterval time.Duration `json:"poll_interval" validate:"gte=10ms"`
	BatchSize    int           `json:"batch_size" validate:"gte=0"`
	QueueSize    int           `json:"queue_size" validate:"gte=1,lte=65536"`
	// Ignore holds filepath.Match patterns for base names whose events are dropped.
	Ignore       []string `json:"ignore"`
	IgnoreHidden bool     `json:"ignore_hidden"`
}

// LoggerConfig holds logging configuration.
type LoggerConfig struct {
	Level      string `json:"level" validate:"oneof=debug info warn error"`
	Format     string `json:"format" validate:"oneof=pretty json text"`
	Verbose    bool   `json:"verbose"`
	DebugLevel int    `json:"debug_level" validate:"gte=0,lte=9"`
}

// DiagConfig holds the optional diagnostics HTTP server configuration.
type DiagConfig struct {
	// Addr is empty when the server is disabled.
	Addr string `json:"addr" validate:"omitempty,hostname_port"`
}

// Observed reports how many paths the configuration asks to watch.
func (c *Config) Observed() int {
	return len(c.Watch.Paths) + len(c.Watch.RecursivePaths)
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string { return strings.Join(*s, ",") }

func (s *stringList) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// Load loads configuration from multiple sources with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables (FILENOTIFY_*).
// 3. .env file.
// 4. Default values (lowest priority).
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("filenotify", flag.ContinueOnError)

	var watchPaths, recursivePaths stringList
	fs.Var(&watchPaths, "w", "Path to watch (repeatable)")
	fs.Var(&recursivePaths, "r", "Path to watch recursively (repeatable)")
	polling := fs.Bool("p", false, "Use the polling backend only")
	osNotify := fs.Bool("o", false, "Use OS notifications, falling back to polling per path")
	var ignore stringList
	fs.Var(&ignore, "ignore", "Base name pattern to ignore (repeatable)")
	ignoreHidden := fs.Bool("ignore-hidden", false, "Ignore dot-prefixed paths")
	verbose := fs.Bool("v", false, "Verbose output")
	debugLevel := fs.String("d", "", "Debug level (0 = off)")
	native := fs.String("native", "", "Native mechanism (default, fsnotify)")
	pollInterval := fs.String("poll-interval", "", "Polling interval (default: 1.5s)")
	batchSize := fs.String("batch-size", "", "Max entries scanned per poll tick (default: 0 = unlimited)")
	queueSize := fs.String("queue-size", "", "Per-backend delivery queue length (default: 256)")
	logLevel := fs.String("log-level", "", "Log level (debug, info, warn, error)")
	logFormat := fs.String("log-format", "", "Log format (pretty, json, text)")
	httpAddr := fs.String("http", "", "Diagnostics HTTP address, e.g. 127.0.0.1:8089")
	envFile := fs.String("env-file", ".env", "Path to .env file")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if *polling && *osNotify {
		return nil, errors.Validation("-p and -o are mutually exclusive")
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	backendFlag := ""
	switch {
	case *polling:
		backendFlag = BackendPolling
	case *osNotify:
		backendFlag = BackendNative
	}

	cfg := &Config{
		Watch: WatchConfig{
			Paths:          mergeList(watchPaths, "WATCH"),
			RecursivePaths: mergeList(recursivePaths, "WATCH_RECURSIVE"),
			Backend:        getConfigValue(backendFlag, "BACKEND", BackendAuto),
			Native:         getConfigValue(*native, "NATIVE", "default"),
			BatchSize:      getIntConfigValue(*batchSize, "BATCH_SIZE", 0),
			QueueSize:      getIntConfigValue(*queueSize, "QUEUE_SIZE", 256),
			Ignore:         mergeList(ignore, "IGNORE"),
			IgnoreHidden:   getBoolConfigValue(boolFlag(*ignoreHidden), "IGNORE_HIDDEN", false),
		},
		Logger: LoggerConfig{
			Level:      getConfigValue(*logLevel, "LOG_LEVEL", "info"),
			Format:     getConfigValue(*logFormat, "LOG_FORMAT", "pretty"),
			Verbose:    getBoolConfigValue(boolFlag(*verbose), "VERBOSE", false),
			DebugLevel: getIntConfigValue(*debugLevel, "DEBUG_LEVEL", 0),
		},
		Diag: DiagConfig{
			Addr: getConfigValue(*httpAddr, "HTTP_ADDR", ""),
		},
	}

	intervalStr := getConfigValue(*pollInterval, "POLL_INTERVAL", "1500ms")
	interval, err := time.ParseDuration(intervalStr)
	if err != nil {
		return nil, fmt.Errorf("invalid poll interval %q: %w", intervalStr, err)
	}
	cfg.Watch.PollInterval = interval

	if err := cfg.expandPaths(); err != nil {
		return nil, fmt.Errorf("invalid watch path: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that all config values are present and valid.
func (c *Config) Validate() error {
	if err := validation.New().Validate(c); err != nil {
		return err
	}
	if c.Observed() == 0 {
		return errors.ValidationWithDetails("validation failed", map[string]string{
			"paths": "at least one -w or -r path is required",
		})
	}
	return nil
}

func (c *Config) expandPaths() error {
	for i, p := range c.Watch.Paths {
		expanded, err := expandPath(p)
		if err != nil {
			return err
		}
		c.Watch.Paths[i] = expanded
	}
	for i, p := range c.Watch.RecursivePaths {
		expanded, err := expandPath(p)
		if err != nil {
			return err
		}
		c.Watch.RecursivePaths[i] = expanded
	}
	return nil
}

// expandPath expands ~ and makes the path absolute.
func expandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}

	if path == "~" || strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, strings.TrimPrefix(path[1:], "/"))
	}

	if !filepath.IsAbs(path) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return "", fmt.Errorf("failed to get absolute path: %w", err)
		}
		path = absPath
	}

	return filepath.Clean(path), nil
}

// mergeList returns the flag values, or the comma separated env value when no flag was given.
func mergeList(flagValues []string, envKey string) []string {
	if len(flagValues) > 0 {
		return append([]string(nil), flagValues...)
	}
	raw := getConfigValue("", envKey, "")
	if raw == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(raw, string(os.PathListSeparator)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func boolFlag(set bool) string {
	if set {
		return "true"
	}
	return ""
}

// getConfigValue returns the first non-empty value from flag, env var, or default.
func getConfigValue(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}

	if envValue := os.Getenv(EnvPrefix + envKey); envValue != "" {
		return envValue
	}

	return defaultValue
}

// getBoolConfigValue returns a bool from flag, env var, or default.
// Accepts: "true", "1", "yes" (case-insensitive) as true; anything else is false.
func getBoolConfigValue(flagValue, envKey string, defaultValue bool) bool {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	strValue = strings.ToLower(strValue)
	return strValue == "true" || strValue == "1" || strValue == "yes"
}

// getIntConfigValue returns an int from flag, env var, or default.
func getIntConfigValue(flagValue, envKey string, defaultValue int) int {
	strValue := getConfigValue(flagValue, envKey, "")
	if strValue == "" {
		return defaultValue
	}
	result, err := strconv.Atoi(strings.TrimSpace(strValue))
	if err != nil {
		return defaultValue
	}
	return result
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments).
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}

		key = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(key), "export "))
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		// Real environment variables win over the file.
		if os.Getenv(key) == "" {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
