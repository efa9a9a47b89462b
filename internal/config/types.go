package config

import "time"

// Config represents the complete hookbuild configuration.
type Config struct {
	Service ServiceConfig `yaml:"service"`
	Webhook WebhookConfig `yaml:"webhook"`
	Build   BuildConfig   `yaml:"build"`

	// SourcePath is the config file the values were read from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines process-level settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	PIDFile   string `yaml:"pid_file,omitempty"`
}

// WebhookConfig defines the inbound webhook listener.
type WebhookConfig struct {
	Listen string `yaml:"listen"`
	Path   string `yaml:"path"`

	// Secret is the shared HMAC key. Never logged.
	Secret string `yaml:"secret"`

	// SignatureHeader carries "sha1=<hex>".
	// GitHub: X-Hub-Signature, Gogs: X-Gogs-Signature.
	SignatureHeader string `yaml:"signature_header"`

	// MaxBodySize accepts plain bytes or a KB/MB/GB suffix (default: 1MB).
	MaxBodySize string `yaml:"max_body_size,omitempty"`
}

// BuildConfig defines the action run after a verified delivery.
// Exactly one of Script or RepoURL must be set.
type BuildConfig struct {
	Script string   `yaml:"script,omitempty"`
	Args   []string `yaml:"args,omitempty"`

	RepoURL      string   `yaml:"repo_url,omitempty"`
	Branch       string   `yaml:"branch,omitempty"`
	Command      []string `yaml:"command,omitempty"`
	WorkDir      string   `yaml:"work_dir,omitempty"`
	KeepCheckout bool     `yaml:"keep_checkout,omitempty"`

	Timeout time.Duration     `yaml:"timeout"`
	Env     map[string]string `yaml:"env,omitempty"`
}

// CloneMode reports whether the build clones a repository before running.
func (b BuildConfig) CloneMode() bool {
	return b.RepoURL != ""
}

// Default values
const (
	DefaultListen          = ":8700"
	DefaultPath            = "/"
	DefaultSignatureHeader = "X-Hub-Signature"
	DefaultMaxBodySize     = 1048576 // 1 MB
	DefaultBuildScript     = "./build.sh"
	DefaultWorkDir         = "./work"
	DefaultBuildTimeout    = 10 * time.Minute
)

// Defaults returns a Config with the built-in defaults. Secret is left empty
// on purpose: it has no safe default.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "hookbuild",
			LogLevel:  "info",
			LogFormat: "json",
		},
		Webhook: WebhookConfig{
			Listen:          DefaultListen,
			Path:            DefaultPath,
			SignatureHeader: DefaultSignatureHeader,
		},
		Build: BuildConfig{
			WorkDir: DefaultWorkDir,
			Timeout: DefaultBuildTimeout,
		},
	}
}

// DefaultBuildCommand runs in the checkout when clone mode sets no command.
var DefaultBuildCommand = []string{"make"}
