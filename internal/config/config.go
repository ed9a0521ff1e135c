package config

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/flowpbx/agentbridge/internal/phone"
	"github.com/flowpbx/agentbridge/internal/retell"
	"github.com/flowpbx/agentbridge/internal/routing"
	"github.com/flowpbx/agentbridge/internal/session"
)

// Routing strategies selectable with --routing-strategy.
const (
	StrategyElasticTrunk = "elastic-trunk"
	StrategyDialEndpoint = "dial-endpoint"
)

// Config holds all runtime configuration for the bridge.
// Precedence: CLI flags > env vars > defaults.
type Config struct {
	HTTPPort  int
	TLSCert   string
	TLSKey    string
	LogLevel  string
	LogFormat string // log output format: "text" or "json"

	RetellAPIKey        string
	RetellAgentID       string
	RetellBaseURL       string
	RetellSIPDomain     string // host part of the SIP URI registered calls are dialed at
	RegistrationTimeout time.Duration

	RoutingStrategy         string
	RetellTrunkName         string // trunk toward the agent backend for elastic-trunk routing
	PSTNTrunkName           string // trunk used to forward calls placed by the agent backend
	RetellSIPClientUsername string // SIP credential provisioned at the agent backend
	DefaultCountry          string // ISO alpha-2 country for E.164 normalisation

	DynamicVariables          string // "key=value,key=value"
	EndCallAfterSilence       time.Duration
	DropCallIfMachineDetected bool
	FailureMessage            string

	APISecret string  // hex-encoded 32-byte secret for admin API tokens
	RateLimit float64 // webhook requests per second per IP, 0 disables

	dynamicVariables map[string]string
}

// defaults
const (
	defaultHTTPPort            = 3000
	defaultLogLevel            = "info"
	defaultLogFormat           = "text"
	defaultRetellSIPDomain     = "5t4n6j0wnrl.sip.livekit.cloud"
	defaultRegistrationTimeout = 20 * time.Second
	defaultRateLimit           = 20
)

// envPrefix is the prefix for all environment variables.
const envPrefix = "AGENTBRIDGE_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("agentbridge", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "HTTP and WebSocket listen port")
	fs.StringVar(&cfg.TLSCert, "tls-cert", "", "path to TLS certificate file")
	fs.StringVar(&cfg.TLSKey, "tls-key", "", "path to TLS private key file")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.RetellAPIKey, "retell-api-key", "", "API key for the agent backend (required)")
	fs.StringVar(&cfg.RetellAgentID, "retell-agent-id", "", "agent identifier at the agent backend (required)")
	fs.StringVar(&cfg.RetellBaseURL, "retell-base-url", retell.DefaultBaseURL, "base URL of the agent backend API")
	fs.StringVar(&cfg.RetellSIPDomain, "retell-sip-domain", defaultRetellSIPDomain, "SIP domain registered calls are dialed at")
	fs.DurationVar(&cfg.RegistrationTimeout, "registration-timeout", defaultRegistrationTimeout, "timeout for the call registration request")
	fs.StringVar(&cfg.RoutingStrategy, "routing-strategy", StrategyElasticTrunk, "how calls reach the agent (elastic-trunk, dial-endpoint)")
	fs.StringVar(&cfg.RetellTrunkName, "retell-trunk-name", "", "name of the trunk toward the agent backend (required for elastic-trunk)")
	fs.StringVar(&cfg.PSTNTrunkName, "pstn-trunk-name", "", "name of the PSTN trunk used for calls placed by the agent")
	fs.StringVar(&cfg.RetellSIPClientUsername, "retell-sip-client-username", "", "SIP username the agent backend authenticates with")
	fs.StringVar(&cfg.DefaultCountry, "default-country", "", "ISO country code used to normalise dialed numbers to E.164")
	fs.StringVar(&cfg.DynamicVariables, "dynamic-variables", "", "comma-separated key=value pairs sent with every registration")
	fs.DurationVar(&cfg.EndCallAfterSilence, "end-call-after-silence", 0, "end agent calls after this much silence (0 uses the backend default)")
	fs.BoolVar(&cfg.DropCallIfMachineDetected, "drop-call-if-machine-detected", false, "ask the agent backend to drop calls answered by a machine")
	fs.StringVar(&cfg.FailureMessage, "failure-message", session.DefaultFailureMessage, "message spoken when the agent backend refuses a call")
	fs.StringVar(&cfg.APISecret, "api-secret", "", "hex-encoded 32-byte secret for admin API tokens (admin API disabled if empty)")
	fs.Float64Var(&cfg.RateLimit, "rate-limit", defaultRateLimit, "webhook requests per second per client IP (0 disables)")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	// Apply env var overrides for any flags not explicitly set on the command line.
	// CLI flags take precedence over env vars.
	if err := applyEnvOverrides(fs, cfg); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line. Every flag maps to the upper-cased,
// underscored flag name behind envPrefix.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config) error {
	// Track which flags were explicitly set via CLI.
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})

	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if set[f.Name] || firstErr != nil {
			return
		}
		envVar := EnvName(f.Name)
		val, ok := os.LookupEnv(envVar)
		if !ok || val == "" {
			return
		}
		// The flag value setters do the type conversion.
		if err := fs.Set(f.Name, val); err != nil {
			firstErr = fmt.Errorf("parsing %s: %w", envVar, err)
		}
	})
	return firstErr
}

// EnvName returns the environment variable that overrides flag name.
func EnvName(name string) string {
	return envPrefix + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	// TLS cert and key must both be set or both be empty.
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return fmt.Errorf("tls-cert and tls-key must both be provided or both be omitted")
	}

	if c.RetellAPIKey == "" {
		return fmt.Errorf("retell-api-key is required")
	}
	if c.RetellAgentID == "" {
		return fmt.Errorf("retell-agent-id is required")
	}
	u, err := url.Parse(c.RetellBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("retell-base-url must be an http(s) URL, got %q", c.RetellBaseURL)
	}
	c.RetellBaseURL = strings.TrimRight(c.RetellBaseURL, "/")
	if err := routing.ValidateSIPDomain(c.RetellSIPDomain); err != nil {
		return fmt.Errorf("retell-sip-domain: %w", err)
	}
	if c.RegistrationTimeout <= 0 {
		return fmt.Errorf("registration-timeout must be positive, got %s", c.RegistrationTimeout)
	}

	c.RoutingStrategy = strings.ToLower(c.RoutingStrategy)
	switch c.RoutingStrategy {
	case StrategyElasticTrunk:
		if c.RetellTrunkName == "" {
			return fmt.Errorf("retell-trunk-name is required when routing-strategy is %s", StrategyElasticTrunk)
		}
	case StrategyDialEndpoint:
	default:
		return fmt.Errorf("routing-strategy must be one of %s, %s; got %q",
			StrategyElasticTrunk, StrategyDialEndpoint, c.RoutingStrategy)
	}

	if c.DefaultCountry != "" {
		if err := phone.ValidateCountryCode(c.DefaultCountry); err != nil {
			return fmt.Errorf("default-country: %w", err)
		}
		c.DefaultCountry = strings.ToUpper(c.DefaultCountry)
	}

	vars, err := parseDynamicVariables(c.DynamicVariables)
	if err != nil {
		return fmt.Errorf("dynamic-variables: %w", err)
	}
	c.dynamicVariables = vars

	if c.EndCallAfterSilence < 0 {
		return fmt.Errorf("end-call-after-silence must not be negative, got %s", c.EndCallAfterSilence)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate-limit must not be negative, got %v", c.RateLimit)
	}
	if _, err := c.APISecretBytes(); err != nil {
		return err
	}

	return nil
}

// parseDynamicVariables parses "key=value,key=value". Values may contain
// spaces and '=' but not commas.
func parseDynamicVariables(s string) (map[string]string, error) {
	vars := make(map[string]string)
	if strings.TrimSpace(s) == "" {
		return vars, nil
	}
	for _, pair := range strings.Split(s, ",") {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("expected key=value, got %q", pair)
		}
		vars[key] = strings.TrimSpace(value)
	}
	return vars, nil
}

// TLSEnabled returns true if TLS certificates are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCert != ""
}

// APISecretBytes returns the decoded 32-byte admin API secret, or nil if no
// secret is configured.
func (c *Config) APISecretBytes() ([]byte, error) {
	if c.APISecret == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.APISecret)
	if err != nil {
		return nil, fmt.Errorf("decoding api secret: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("api secret must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DynamicVariableMap returns a copy of the parsed dynamic variables.
func (c *Config) DynamicVariableMap() map[string]string {
	vars := make(map[string]string, len(c.dynamicVariables))
	for k, v := range c.dynamicVariables {
		vars[k] = v
	}
	return vars
}

// RoutingPolicy returns the routing configuration.
func (c *Config) RoutingPolicy() routing.Policy {
	return routing.Policy{
		UseDialEndpoint:   c.RoutingStrategy == StrategyDialEndpoint,
		AgentTrunk:        c.RetellTrunkName,
		PSTNTrunk:         c.PSTNTrunkName,
		SIPClientUsername: c.RetellSIPClientUsername,
		DefaultCountry:    c.DefaultCountry,
		AgentID:           c.RetellAgentID,
		SIPDomain:         c.RetellSIPDomain,
		DynamicVariables:  c.DynamicVariableMap(),
	}
}

// RetellOptions returns the registration client options.
func (c *Config) RetellOptions() retell.Options {
	return retell.Options{
		Timeout:                   c.RegistrationTimeout,
		EndCallAfterSilence:       c.EndCallAfterSilence,
		DropCallIfMachineDetected: c.DropCallIfMachineDetected,
	}
}

// ListenAddr returns the HTTP listen address.
func (c *Config) ListenAddr() string {
	return ":" + strconv.Itoa(c.HTTPPort)
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
