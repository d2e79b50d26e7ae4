package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config holds the launcher's settings. Every field has a working default so
// `devlauncher up` runs with no config file at all.
type Config struct {
	// Registry settings
	RegistryDir        string
	PersistRegistry    bool
	RegistryStaleAfter time.Duration

	// Port settings
	ReservationTTL time.Duration
	SweepInterval  time.Duration
	JournalPath    string

	// Coordination settings
	DependencyTimeout   time.Duration
	ReadinessTimeout    time.Duration
	MaxParallelStarts   int
	RetryCount          int
	GracefulDegradation bool
	RequiredServices    []string
	OptionalServices    []string

	// Logging
	LogLevel string

	// Hooks (fallback if hook files don't exist)
	PreUpScript  string
	PostUpScript string
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		RegistryDir:         ".service_registry",
		PersistRegistry:     true,
		RegistryStaleAfter:  5 * time.Minute,
		ReservationTTL:      5 * time.Minute,
		SweepInterval:       30 * time.Second,
		DependencyTimeout:   60 * time.Second,
		ReadinessTimeout:    90 * time.Second,
		MaxParallelStarts:   1,
		RetryCount:          1,
		GracefulDegradation: true,
		RequiredServices:    []string{"postgres"},
		OptionalServices:    []string{"redis", "clickhouse"},
		LogLevel:            "info",
	}
}

// Load reads the layered config files: the global one first, then the project
// file, then local overrides. Every file is optional.
func Load() (*Config, error) {
	cfg := Defaults()

	// Load global config first (lowest priority)
	home, err := os.UserHomeDir()
	if err == nil {
		globalConfigPath := filepath.Join(home, ".devlauncher", "config")
		if _, err := os.Stat(globalConfigPath); err == nil {
			if err := loadConfigFile(globalConfigPath, cfg); err != nil {
				return nil, fmt.Errorf("failed to load global config: %w", err)
			}
		}
	}

	// Load main config
	if _, err := os.Stat(".devlauncher.config"); err == nil {
		if err := loadConfigFile(".devlauncher.config", cfg); err != nil {
			return nil, fmt.Errorf("failed to load .devlauncher.config: %w", err)
		}
	}

	// Load local overrides if they exist (highest priority)
	if _, err := os.Stat(".devlauncher.config.local"); err == nil {
		if err := loadConfigFile(".devlauncher.config.local", cfg); err != nil {
			return nil, fmt.Errorf("failed to load .devlauncher.config.local: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a single config file over the defaults.
func LoadFile(path string) (*Config, error) {
	cfg := Defaults()
	if err := loadConfigFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadConfigFile parses a bash-style config file
func loadConfigFile(filename string, cfg *Config) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = file.Close() }()

	// Regex to match KEY="value" or KEY=value
	re := regexp.MustCompile(`^([A-Z_]+)=(.*)$`)

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())

		// Skip empty lines and comments
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		matches := re.FindStringSubmatch(line)
		if matches == nil {
			continue
		}

		key := matches[1]
		value := strings.Trim(matches[2], `"'`)

		switch key {
		case "REGISTRY_DIR":
			cfg.RegistryDir = value
		case "PERSIST_REGISTRY":
			cfg.PersistRegistry = parseBool(value, cfg.PersistRegistry)
		case "REGISTRY_STALE_AFTER_SECONDS":
			cfg.RegistryStaleAfter = parseSeconds(value, cfg.RegistryStaleAfter)
		case "RESERVATION_TTL_SECONDS":
			cfg.ReservationTTL = parseSeconds(value, cfg.ReservationTTL)
		case "SWEEP_INTERVAL_SECONDS":
			cfg.SweepInterval = parseSeconds(value, cfg.SweepInterval)
		case "JOURNAL_PATH":
			cfg.JournalPath = value
		case "DEPENDENCY_TIMEOUT_SECONDS":
			cfg.DependencyTimeout = parseSeconds(value, cfg.DependencyTimeout)
		case "READINESS_TIMEOUT_SECONDS":
			cfg.ReadinessTimeout = parseSeconds(value, cfg.ReadinessTimeout)
		case "MAX_PARALLEL_STARTS":
			_, _ = fmt.Sscanf(value, "%d", &cfg.MaxParallelStarts)
		case "RETRY_COUNT":
			_, _ = fmt.Sscanf(value, "%d", &cfg.RetryCount)
		case "GRACEFUL_DEGRADATION":
			cfg.GracefulDegradation = parseBool(value, cfg.GracefulDegradation)
		case "REQUIRED_SERVICES":
			cfg.RequiredServices = splitList(value)
		case "OPTIONAL_SERVICES":
			cfg.OptionalServices = splitList(value)
		case "LOG_LEVEL":
			cfg.LogLevel = value
		case "PRE_UP_SCRIPT":
			cfg.PreUpScript = value
		case "POST_UP_SCRIPT":
			cfg.PostUpScript = value
		}
	}

	return scanner.Err()
}

func parseBool(value string, fallback bool) bool {
	switch strings.ToLower(value) {
	case "true", "yes", "1":
		return true
	case "false", "no", "0":
		return false
	default:
		return fallback
	}
}

func parseSeconds(value string, fallback time.Duration) time.Duration {
	var secs float64
	if _, err := fmt.Sscanf(value, "%g", &secs); err != nil || secs < 0 {
		return fallback
	}
	return time.Duration(secs * float64(time.Second))
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Validate checks for settings that cannot work.
func (c *Config) Validate() error {
	var problems []string
	if c.MaxParallelStarts < 1 {
		problems = append(problems, "MAX_PARALLEL_STARTS must be at least 1")
	}
	if c.RetryCount < 0 {
		problems = append(problems, "RETRY_COUNT must not be negative")
	}
	for _, req := range c.RequiredServices {
		for _, opt := range c.OptionalServices {
			if req == opt {
				problems = append(problems, fmt.Sprintf("service %q is both required and optional", req))
			}
		}
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
