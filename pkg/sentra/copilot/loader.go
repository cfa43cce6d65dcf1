// Package copilot – loader.go handles loading configuration from YAML files,
// .env files and the legacy environment variables of the bridge deployment.
package copilot

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}           - simple variable
//   - ${VAR_NAME:-default}  - default value if not set
//   - ${VAR_NAME:?error}    - error message if not set
//   - $VAR_NAME             - bare variable (no default/error support)
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// envFiles are loaded before the config is parsed. Existing variables win.
var envFiles = []string{".env", ".env.local"}

// LoadConfig loads the config file at path, or the defaults when path is
// empty. Legacy environment variables override file values in both cases.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		loadEnvFiles()
		cfg := DefaultConfig()
		applyEnvOverrides(cfg)
		resolveSecrets(cfg)
		return cfg, nil
	}
	return LoadConfigFromFile(path)
}

// LoadConfigFromFile reads and parses a YAML configuration file.
// Automatically loads .env files and expands environment variables.
// Returns an error if any ${VAR:?error} pattern has its variable unset.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config.
// Starts with defaults and overlays values from the YAML.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("mapping config: %w", err)
	}

	// Partial sections must not switch off features that default to on.
	defaults := DefaultConfig()
	if section, ok := raw["response"].(map[string]any); ok {
		if _, set := section["strict_format"]; !set {
			cfg.Response.StrictFormat = defaults.Response.StrictFormat
		}
		if _, set := section["repair"]; !set {
			cfg.Response.Repair = defaults.Response.Repair
		}
	}
	if section, ok := raw["scheduler"].(map[string]any); ok {
		if _, set := section["enabled"]; !set {
			cfg.Scheduler.Enabled = defaults.Scheduler.Enabled
		}
	}

	return cfg, nil
}

// SaveConfigToFile writes a Config as YAML to path. The API key is replaced
// with an environment reference so secrets never land on disk.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	if sanitized.API.APIKey != "" && !IsEnvReference(sanitized.API.APIKey) {
		sanitized.API.APIKey = "${SENTRA_API_KEY}"
	}

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config dir: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"sentra.yaml",
		"configs/config.yaml",
	}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".sentra", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// IsEnvReference reports whether s is an unexpanded ${VAR} or $VAR reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${") || strings.HasPrefix(s, "$")
}

// ReloadEnvFiles re-reads the .env files, overriding existing variables so
// credential edits apply on hot reload. Returns the number of variables set.
func ReloadEnvFiles() (int, error) {
	loaded := 0
	// .env.local is applied last so it takes precedence.
	for _, f := range envFiles {
		data, err := os.ReadFile(f)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return loaded, fmt.Errorf("reading %s: %w", f, err)
		}

		envMap, err := godotenv.Parse(bytes.NewReader(data))
		if err != nil {
			return loaded, fmt.Errorf("parsing %s: %w", f, err)
		}
		for key, value := range envMap {
			if err := os.Setenv(key, value); err != nil {
				return loaded, fmt.Errorf("setting %s: %w", key, err)
			}
			loaded++
		}
	}
	return loaded, nil
}

// ---------- Internal ----------

// loadEnvFiles loads .env files without overwriting existing variables.
func loadEnvFiles() {
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR
// references. Unset ${VAR:?error} references become an "ERROR:" marker that
// expandEnvVarsWithValidation turns into an error.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is like expandEnvVars but returns an error
// if any ${VAR:?error} pattern has its variable unset.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx < 0 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	colon := strings.Index(rest, ":")
	if colon == -1 {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	msg := rest[colon+1:]
	if nl := strings.IndexByte(msg, '\n'); nl >= 0 {
		msg = msg[:nl]
	}
	return "", fmt.Errorf("config error: %s - %s", rest[:colon], strings.TrimSpace(msg))
}

// applyEnvOverrides maps the legacy environment names onto the config.
// Durations in these variables are milliseconds.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WS_URL"); v != "" {
		cfg.WebSocket.URL = v
	} else if host := os.Getenv("WS_HOST"); host != "" {
		port := os.Getenv("WS_PORT")
		if port == "" {
			port = "6702"
		}
		cfg.WebSocket.URL = "ws://" + host + ":" + port
	}
	envMillis("WS_TIMEOUT", &cfg.WebSocket.Timeout)
	envMillis("WS_RECONNECT_INTERVAL_MS", &cfg.WebSocket.ReconnectInterval)
	envInt("WS_MAX_RECONNECT_ATTEMPTS", &cfg.WebSocket.MaxReconnectAttempts)

	envInt("MAX_RESPONSE_RETRIES", &cfg.Response.MaxRetries)
	envInt("MAX_RESPONSE_TOKENS", &cfg.Response.MaxTokens)
	envString("TOKEN_COUNT_MODEL", &cfg.Response.TokenCountModel)
	envBool("ENABLE_STRICT_FORMAT_CHECK", &cfg.Response.StrictFormat)
	envBool("ENABLE_FORMAT_REPAIR", &cfg.Response.Repair)
	envString("REPAIR_AI_MODEL", &cfg.Response.RepairModel)

	envMillis("BUNDLE_WINDOW_MS", &cfg.Bundle.Window)
	envMillis("BUNDLE_MAX_MS", &cfg.Bundle.MaxWait)
	envInt("MAX_CONVERSATION_PAIRS", &cfg.History.MaxConversationPairs)

	envBool("ENABLE_REPLY_INTERVENTION", &cfg.Intervention.Enabled)
	envString("REPLY_INTERVENTION_MODEL", &cfg.Intervention.Model)
	envMillis("REPLY_INTERVENTION_TIMEOUT", &cfg.Intervention.Timeout)
	envBool("REPLY_INTERVENTION_ONLY_NEAR_THRESHOLD", &cfg.Intervention.OnlyNearThreshold)
	envFloat("REPLY_INTERVENTION_DESIRE_REDUCTION", &cfg.Intervention.DesireReduction)

	envString("MAIN_AI_MODEL", &cfg.Model)
	envString("API_BASE_URL", &cfg.API.BaseURL)
	envFloat("TEMPERATURE", &cfg.Temperature)
	envInt("MAX_TOKENS", &cfg.MaxTokens)
}

func envString(name string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(name string, dst *float64) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(name string, dst *bool) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envMillis(name string, dst *time.Duration) {
	if v := strings.TrimSpace(os.Getenv(name)); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			*dst = time.Duration(ms) * time.Millisecond
		}
	}
}

// resolveSecrets fills the API key from the environment when the config
// value is empty or still a placeholder.
func resolveSecrets(cfg *Config) {
	if cfg.API.APIKey != "" && !IsEnvReference(cfg.API.APIKey) {
		return
	}
	for _, name := range []string{"SENTRA_API_KEY", "API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY"} {
		if key := os.Getenv(name); key != "" {
			cfg.API.APIKey = key
			return
		}
	}
}

// resolveRelativePaths resolves file paths against the config file's
// directory so the runtime works from any working directory.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.History.Path = resolvePathFromConfig(cfg.History.Path, dir)
	cfg.PresetFile = resolvePathFromConfig(cfg.PresetFile, dir)
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		slog.Warn("config file permissions are too open",
			"path", path,
			"mode", fmt.Sprintf("%04o", mode),
			"hint", "chmod 600 "+path,
		)
	}
}
