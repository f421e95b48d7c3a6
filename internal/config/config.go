// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Network  NetworkConfig  `mapstructure:"network" yaml:"network"`
	Agent    AgentConfig    `mapstructure:"agent" yaml:"agent"`
	Oracle   OracleConfig   `mapstructure:"oracle" yaml:"oracle"`
	Security SecurityConfig `mapstructure:"security" yaml:"security"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// BrowserConfig holds settings for the headless browser instances.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	Stealth         bool     `mapstructure:"stealth" yaml:"stealth"`
	DisableCache    bool     `mapstructure:"disable_cache" yaml:"disable_cache"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	Debug           bool     `mapstructure:"debug" yaml:"debug"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	Args            []string `mapstructure:"args" yaml:"args"`
	ViewportWidth   int      `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight  int      `mapstructure:"viewport_height" yaml:"viewport_height"`
}

// ProxyConfig defines the configuration for an outbound proxy.
type ProxyConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Address string `mapstructure:"address" yaml:"address"`
}

// NetworkConfig tunes navigation and page settle behavior.
type NetworkConfig struct {
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	PostLoadWait      time.Duration `mapstructure:"post_load_wait" yaml:"post_load_wait"`
	Proxy             ProxyConfig   `mapstructure:"proxy" yaml:"proxy"`
}

// AgentConfig tunes the observe/decide/act loop.
type AgentConfig struct {
	MaxSteps         int           `mapstructure:"max_steps" yaml:"max_steps"`
	MaxActionRepeats int           `mapstructure:"max_action_repeats" yaml:"max_action_repeats"`
	StepTimeout      time.Duration `mapstructure:"step_timeout" yaml:"step_timeout"`
	MaxElements      int           `mapstructure:"max_elements" yaml:"max_elements"`
	MaxExtractChars  int           `mapstructure:"max_extract_chars" yaml:"max_extract_chars"`
}

// OracleProvider defines the supported decision backends.
type OracleProvider string

const (
	ProviderGemini   OracleProvider = "gemini"
	ProviderScripted OracleProvider = "scripted"
)

// OracleConfig configures the LLM backend that drives decisions.
type OracleConfig struct {
	Provider    OracleProvider `mapstructure:"provider" yaml:"provider"`
	Model       string         `mapstructure:"model" yaml:"model"`
	APIKey      string         `mapstructure:"api_key" yaml:"-"`
	Timeout     time.Duration  `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries  int            `mapstructure:"max_retries" yaml:"max_retries"`
	Temperature float32        `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int            `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RequestsPerMinute caps outbound calls; zero disables the limiter.
	RequestsPerMinute float64 `mapstructure:"requests_per_minute" yaml:"requests_per_minute"`
}

// SecurityConfig configures the guard that filters URLs, page text and
// script payloads before they reach the browser or the oracle.
type SecurityConfig struct {
	BlockedDomains []string `mapstructure:"blocked_domains" yaml:"blocked_domains"`
	AllowedDomains []string `mapstructure:"allowed_domains" yaml:"allowed_domains"`
	BlockPrivate   bool     `mapstructure:"block_private" yaml:"block_private"`
	AllowScripts   bool     `mapstructure:"allow_scripts" yaml:"allow_scripts"`
	// InjectionFilterEnabled toggles sanitization of page-derived text.
	// When disabled the sanitizer is a no-op.
	InjectionFilterEnabled bool `mapstructure:"injection_filter_enabled" yaml:"injection_filter_enabled"`
	// InjectionPatterns are the regular expressions the sanitizer redacts.
	// Empty means the built-in default set.
	InjectionPatterns []string `mapstructure:"injection_patterns" yaml:"injection_patterns"`
	// AllowedScriptPatterns are the regular expressions an execute_script
	// payload must match. Empty means the built-in default set.
	AllowedScriptPatterns []string `mapstructure:"allowed_script_patterns" yaml:"allowed_script_patterns"`
}

// DefaultInjectionPatterns match the common prompt-injection phrasings seen
// in hostile page content.
var DefaultInjectionPatterns = []string{
	`(?i)ignore\s+previous\s+instructions`,
	`(?i)ignore\s+all\s+previous\s+instructions`,
	`(?i)you\s+are\s+now`,
	`(?i)system\s*:`,
	`<\|.*?\|>`,
	`(?i)IMPORTANT:\s*override`,
	`(?i)disregard\s+all\s+prior`,
	`(?i)forget\s+everything`,
}

// DefaultAllowedScriptPatterns whitelist the only JavaScript shapes the
// dispatcher relays to the page when arbitrary scripts are disabled.
var DefaultAllowedScriptPatterns = []string{
	`^window\.scrollBy\(`,
	`^window\.scrollTo\(`,
	`^document\.querySelector\(`,
	`^document\.querySelectorAll\(`,
	`^\(\)\s*=>`,
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "webpilot")
	v.SetDefault("logger.log_file", "webpilot.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.disable_cache", true)
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.debug", false)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)

	// -- Network --
	v.SetDefault("network.navigation_timeout", "90s")
	v.SetDefault("network.post_load_wait", "2s")
	v.SetDefault("network.proxy.enabled", false)

	// -- Agent --
	v.SetDefault("agent.max_steps", 30)
	v.SetDefault("agent.max_action_repeats", 3)
	v.SetDefault("agent.step_timeout", "2m")
	v.SetDefault("agent.max_elements", 50)
	v.SetDefault("agent.max_extract_chars", 5000)

	// -- Oracle --
	v.SetDefault("oracle.provider", "gemini")
	v.SetDefault("oracle.model", "gemini-2.5-flash")
	v.SetDefault("oracle.timeout", "30s")
	v.SetDefault("oracle.max_retries", 3)
	v.SetDefault("oracle.temperature", 0.2)
	v.SetDefault("oracle.max_tokens", 4096)
	v.SetDefault("oracle.requests_per_minute", 30.0)

	// -- Security --
	v.SetDefault("security.blocked_domains", []string{"evil.com", "malware.xyz"})
	v.SetDefault("security.allowed_domains", []string{})
	v.SetDefault("security.block_private", true)
	v.SetDefault("security.allow_scripts", false)
	v.SetDefault("security.injection_filter_enabled", true)
	v.SetDefault("security.injection_patterns", DefaultInjectionPatterns)
	v.SetDefault("security.allowed_script_patterns", DefaultAllowedScriptPatterns)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("oracle.api_key", "WEBPILOT_ORACLE_API_KEY", "GEMINI_API_KEY")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Agent.MaxSteps <= 0 {
		return fmt.Errorf("agent.max_steps must be a positive integer")
	}
	if c.Agent.MaxActionRepeats <= 0 {
		return fmt.Errorf("agent.max_action_repeats must be a positive integer")
	}
	if c.Agent.MaxElements <= 0 {
		return fmt.Errorf("agent.max_elements must be a positive integer")
	}
	if c.Network.NavigationTimeout <= 0 {
		return fmt.Errorf("network.navigation_timeout must be a positive duration")
	}
	if err := c.Oracle.Validate(); err != nil {
		return fmt.Errorf("oracle configuration invalid: %w", err)
	}
	if c.Network.Proxy.Enabled && c.Network.Proxy.Address == "" {
		return fmt.Errorf("network.proxy.address is required when the proxy is enabled")
	}
	return nil
}

// Validate checks the oracle settings.
func (o *OracleConfig) Validate() error {
	switch o.Provider {
	case ProviderGemini, ProviderScripted:
	default:
		return fmt.Errorf("unsupported oracle provider %q", o.Provider)
	}
	if o.Provider == ProviderGemini && o.Model == "" {
		return fmt.Errorf("oracle.model is required for the gemini provider")
	}
	if o.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be a positive duration")
	}
	if o.MaxRetries < 0 {
		return fmt.Errorf("oracle.max_retries cannot be negative")
	}
	return nil
}
