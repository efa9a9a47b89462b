package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

var (
	// ErrInvalid wraps every validation failure. The process must not start.
	ErrInvalid = errors.New("invalid configuration")

	// ErrMissingSecret means no usable webhook secret was configured.
	ErrMissingSecret = errors.New("webhook secret is not configured")
)

// envOverrides are the environment variables honored on top of the file.
// Empty values count as unset.
type envOverrides struct {
	Secret          string   `env:"SECRET"`
	Port            int      `env:"PORT"`
	BuildScript     string   `env:"BUILD_SCRIPT"`
	RepoURL         string   `env:"REPO_URL"`
	RepoBranch      string   `env:"REPO_BRANCH"`
	BuildCommand    string   `env:"BUILD_COMMAND"`
	SignatureHeader string   `env:"SIGNATURE_HEADER"`
	LogLevel        string   `env:"LOG_LEVEL"`
	LogFormat       string   `env:"LOG_FORMAT"`
}

// Load builds the configuration from defaults, the optional YAML file at
// configPath, the optional dotenv file at envFile, and the environment, in
// increasing order of precedence. Variables already present in the
// environment are never overwritten by envFile.
func Load(configPath, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("failed to load env file %q: %w", envFile, err)
		}
	}

	cfg := Defaults()

	if configPath != "" {
		absPath, err := ResolvePath(configPath)
		if err != nil {
			return nil, err
		}
		if err := verifyConfigHash(absPath); err != nil {
			return nil, err
		}
		if err := loadConfigFile(absPath, cfg); err != nil {
			return nil, err
		}
		cfg.SourcePath = absPath
	}

	var overrides envOverrides
	if err := env.Parse(&overrides); err != nil {
		return nil, fmt.Errorf("%w: parse environment: %v", ErrInvalid, err)
	}
	applyEnvOverrides(cfg, overrides)
	applyConfigDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ResolvePath returns the absolute config file path. A directory is
// accepted if it contains config.yaml.
func ResolvePath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}

	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// loadConfigFile parses path on top of cfg.
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	if root.Kind == 0 {
		return nil
	}

	interpolateNode(&root)

	if err := root.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

// interpolateNode expands ${VAR} inside parsed scalars, so substituted
// values are taken verbatim and never re-read as YAML syntax.
func interpolateNode(n *yaml.Node) {
	if n.Kind == yaml.ScalarNode {
		expanded := interpolateEnv(n.Value)
		if expanded == n.Value {
			return
		}
		n.Value = expanded
		// A plain scalar is re-resolved so ${VAR} can fill bool fields.
		// Null-like values stay strings.
		if n.Style == 0 && !isNullLiteral(expanded) {
			n.Tag = ""
		}
		return
	}
	for _, child := range n.Content {
		interpolateNode(child)
	}
}

func isNullLiteral(s string) bool {
	switch s {
	case "", "~", "null", "Null", "NULL":
		return true
	}
	return false
}

// verifyConfigHash checks path against .checksums in its directory.
// A missing manifest disables verification.
func verifyConfigHash(path string) error {
	dir := filepath.Dir(path)
	checksums, err := LoadChecksums(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}

	basename := filepath.Base(path)
	expectedHash, ok := checksums.Hashes[basename]
	if !ok {
		return fmt.Errorf("config file %s has no hash in checksums at %s\n"+
			"Run: hookbuild config lock --config %s", basename, dir, path)
	}

	if err := VerifyFileHash(path, expectedHash); err != nil {
		return fmt.Errorf("config verification failed for %s: %w\n"+
			"This indicates tampering or unauthorized modification.\n"+
			"If you edited this file intentionally, run: hookbuild config lock --config %s", path, err, path)
	}
	return nil
}

func applyEnvOverrides(cfg *Config, o envOverrides) {
	if o.Secret != "" {
		cfg.Webhook.Secret = o.Secret
	}
	if o.Port != 0 {
		host, _, err := net.SplitHostPort(cfg.Webhook.Listen)
		if err != nil {
			host = ""
		}
		cfg.Webhook.Listen = net.JoinHostPort(host, strconv.Itoa(o.Port))
	}
	// One build variable in the environment selects the mode over the file.
	// Both at once is left for Validate to reject.
	switch {
	case o.BuildScript != "" && o.RepoURL != "":
		cfg.Build.Script = o.BuildScript
		cfg.Build.RepoURL = o.RepoURL
	case o.BuildScript != "":
		cfg.Build.Script = o.BuildScript
		cfg.Build.RepoURL = ""
	case o.RepoURL != "":
		cfg.Build.RepoURL = o.RepoURL
		cfg.Build.Script = ""
	}
	// Split on whitespace into argv; no shell is involved.
	if fields := strings.Fields(o.BuildCommand); len(fields) > 0 {
		cfg.Build.Command = fields
	}
	if o.RepoBranch != "" {
		cfg.Build.Branch = o.RepoBranch
	}
	if o.SignatureHeader != "" {
		cfg.Webhook.SignatureHeader = o.SignatureHeader
	}
	if o.LogLevel != "" {
		cfg.Service.LogLevel = strings.ToLower(o.LogLevel)
	}
	if o.LogFormat != "" {
		cfg.Service.LogFormat = strings.ToLower(o.LogFormat)
	}
}

// applyConfigDefaults fills values the file may have blanked out.
func applyConfigDefaults(cfg *Config) {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}
	if cfg.Webhook.Listen == "" {
		cfg.Webhook.Listen = defaults.Webhook.Listen
	}
	if cfg.Webhook.Path == "" {
		cfg.Webhook.Path = defaults.Webhook.Path
	}
	if cfg.Webhook.SignatureHeader == "" {
		cfg.Webhook.SignatureHeader = defaults.Webhook.SignatureHeader
	}
	if cfg.Build.Script == "" && cfg.Build.RepoURL == "" {
		cfg.Build.Script = DefaultBuildScript
	}
	if cfg.Build.CloneMode() && len(cfg.Build.Command) == 0 {
		cfg.Build.Command = slices.Clone(DefaultBuildCommand)
	}
	if cfg.Build.WorkDir == "" {
		cfg.Build.WorkDir = defaults.Build.WorkDir
	}
	if cfg.Build.Timeout == 0 {
		cfg.Build.Timeout = defaults.Build.Timeout
	}
}

// Validate checks cfg and returns an error wrapping ErrInvalid on failure.
func Validate(cfg *Config) error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[cfg.Service.LogLevel] {
		return invalid("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return invalid("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	secret := cfg.Webhook.Secret
	if secret == "" {
		return fmt.Errorf("%w: %w: set webhook.secret or the SECRET environment variable", ErrInvalid, ErrMissingSecret)
	}
	if matches := envVarPattern.FindStringSubmatch(secret); matches != nil {
		return fmt.Errorf("%w: %w: environment variable ${%s} is not set", ErrInvalid, ErrMissingSecret, matches[1])
	}

	if _, _, err := net.SplitHostPort(cfg.Webhook.Listen); err != nil {
		return invalid("webhook.listen %q: %v", cfg.Webhook.Listen, err)
	}
	if !strings.HasPrefix(cfg.Webhook.Path, "/") {
		return invalid("webhook.path must start with / (got %q)", cfg.Webhook.Path)
	}
	if strings.TrimSpace(cfg.Webhook.SignatureHeader) == "" {
		return invalid("webhook.signature_header is required")
	}
	if _, err := ParseSize(cfg.Webhook.MaxBodySize); err != nil {
		return invalid("webhook.max_body_size %q: %v", cfg.Webhook.MaxBodySize, err)
	}

	b := cfg.Build
	switch {
	case b.Script == "" && b.RepoURL == "":
		return invalid("build: one of script or repo_url is required")
	case b.Script != "" && b.RepoURL != "":
		return invalid("build: script and repo_url are mutually exclusive")
	case b.CloneMode() && len(b.Command) == 0:
		return invalid("build.command is required when repo_url is set")
	}
	if b.Timeout <= 0 {
		return invalid("build.timeout must be positive")
	}
	for key := range b.Env {
		if key == "" || strings.ContainsAny(key, "=\x00") {
			return invalid("build.env: invalid variable name %q", key)
		}
	}

	return nil
}

// MaxBodyBytes returns the parsed body limit.
func (w WebhookConfig) MaxBodyBytes() int64 {
	n, err := ParseSize(w.MaxBodySize)
	if err != nil {
		return DefaultMaxBodySize
	}
	return n
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}

		// Left in place so validation can name the missing variable.
		return match
	})
}

// ParseSize parses size strings like "1MB", "512KB", "1048576" to bytes.
// Returns DefaultMaxBodySize if empty.
func ParseSize(size string) (int64, error) {
	if size == "" {
		return DefaultMaxBodySize, nil
	}

	upper := strings.ToUpper(strings.TrimSpace(size))
	multiplier := int64(1)

	switch {
	case strings.HasSuffix(upper, "KB"):
		multiplier = 1024
		upper = strings.TrimSuffix(upper, "KB")
	case strings.HasSuffix(upper, "MB"):
		multiplier = 1024 * 1024
		upper = strings.TrimSuffix(upper, "MB")
	case strings.HasSuffix(upper, "GB"):
		multiplier = 1024 * 1024 * 1024
		upper = strings.TrimSuffix(upper, "GB")
	}

	value, err := strconv.ParseInt(strings.TrimSpace(upper), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size value: %w", err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("size must be positive")
	}

	result := value * multiplier
	if result/multiplier != value {
		return 0, fmt.Errorf("size too large")
	}
	return result, nil
}
