package verifier

import (
	"fmt"
	"time"

	"auditor-zk/channel"
	"auditor-zk/shared"

	"github.com/joho/godotenv"
)

// DefaultAllowedServers are the balance API hosts accepted out of the box.
var DefaultAllowedServers = []string{
	".plaid.com",
	"production.plaid.com",
	"sandbox.plaid.com",
	"development.plaid.com",
	"localhost",
	"127.0.0.1",
}

type Config struct {
	Port int `json:"port"`

	MaxSentData int `json:"max_sent_data"`
	MaxRecvData int `json:"max_recv_data"`

	SetupTimeout   time.Duration `json:"setup_timeout"`
	SessionTimeout time.Duration `json:"session_timeout"`

	// Admission control
	MaxConcurrentSessions int     `json:"max_concurrent_sessions"`
	SessionRate           float64 `json:"session_rate"`
	SessionBurst          int     `json:"session_burst"`

	// Entries starting with "." match any subdomain; others match exactly.
	AllowedServers []string `json:"allowed_servers"`

	// Signing key custody: "file" or "gcp"
	KeySource        string `json:"key_source"`
	KeyPath          string `json:"key_path"`
	PubKeyPath       string `json:"pubkey_path"`
	GoogleProjectID  string `json:"google_project_id,omitempty"`
	SigningKeySecret string `json:"signing_key_secret,omitempty"`

	// Optional archive of issued attestations
	AttestationDir       string        `json:"attestation_dir,omitempty"`
	AttestationRetention time.Duration `json:"attestation_retention,omitempty"`

	// Extra CA bundle for target servers, used by tests and private deployments
	TargetCAFile string `json:"target_ca_file,omitempty"`

	Development bool `json:"development"`

	// EnvFileLoaded reports whether a .env file was found.
	EnvFileLoaded bool `json:"-"`
}

// LoadConfig reads the verifier configuration from the environment, after
// loading a .env file when one exists.
func LoadConfig() (*Config, error) {
	loaded := godotenv.Load() == nil

	cfg := &Config{
		Port:                  shared.GetEnvIntOrDefault("PORT", 7047),
		MaxSentData:           shared.GetEnvIntOrDefault("MAX_SENT_DATA", channel.DefaultMaxSentData),
		MaxRecvData:           shared.GetEnvIntOrDefault("MAX_RECV_DATA", channel.DefaultMaxRecvData),
		SetupTimeout:          shared.GetEnvDurationOrDefault("SETUP_TIMEOUT", 15*time.Second),
		SessionTimeout:        shared.GetEnvDurationOrDefault("SESSION_TIMEOUT", 2*time.Minute),
		MaxConcurrentSessions: shared.GetEnvIntOrDefault("MAX_CONCURRENT_SESSIONS", 64),
		SessionRate:           shared.GetEnvFloatOrDefault("SESSION_RATE", 10),
		SessionBurst:          shared.GetEnvIntOrDefault("SESSION_BURST", 20),
		AllowedServers:        shared.GetEnvListOrDefault("ALLOWED_SERVERS", DefaultAllowedServers),
		KeySource:             shared.GetEnvOrDefault("KEY_SOURCE", "file"),
		KeyPath:               shared.GetEnvOrDefault("KEY_PATH", "config/notary_key.hex"),
		PubKeyPath:            shared.GetEnvOrDefault("PUBKEY_PATH", "config/notary_pubkey.hex"),
		GoogleProjectID:       shared.GetEnvOrDefault("GOOGLE_PROJECT_ID", ""),
		SigningKeySecret:      shared.GetEnvOrDefault("SIGNING_KEY_SECRET", "auditor-zk-notary-key"),
		AttestationDir:        shared.GetEnvOrDefault("ATTESTATION_DIR", ""),
		AttestationRetention:  shared.GetEnvDurationOrDefault("ATTESTATION_RETENTION", 30*24*time.Hour),
		TargetCAFile:          shared.GetEnvOrDefault("TARGET_CA_FILE", ""),
		Development:           shared.GetEnvBoolOrDefault("DEVELOPMENT", false),
		EnvFileLoaded:         loaded,
	}
	return cfg, cfg.Validate()
}

// DefaultConfig returns the built-in defaults without reading the environment.
func DefaultConfig() *Config {
	return &Config{
		Port:                  7047,
		MaxSentData:           channel.DefaultMaxSentData,
		MaxRecvData:           channel.DefaultMaxRecvData,
		SetupTimeout:          15 * time.Second,
		SessionTimeout:        2 * time.Minute,
		MaxConcurrentSessions: 64,
		SessionRate:           10,
		SessionBurst:          20,
		AllowedServers:        DefaultAllowedServers,
		KeySource:             "file",
		KeyPath:               "config/notary_key.hex",
		PubKeyPath:            "config/notary_pubkey.hex",
		AttestationRetention:  30 * 24 * time.Hour,
	}
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return shared.NewConfigurationError("PORT", fmt.Sprintf("%d is not a valid port", c.Port))
	case c.MaxSentData <= 0:
		return shared.NewConfigurationError("MAX_SENT_DATA", "must be positive")
	case c.MaxRecvData <= 0:
		return shared.NewConfigurationError("MAX_RECV_DATA", "must be positive")
	case c.MaxConcurrentSessions <= 0:
		return shared.NewConfigurationError("MAX_CONCURRENT_SESSIONS", "must be positive")
	case c.SessionRate <= 0 || c.SessionBurst <= 0:
		return shared.NewConfigurationError("SESSION_RATE", "rate and burst must be positive")
	case c.KeySource != "file" && c.KeySource != "gcp":
		return shared.NewConfigurationError("KEY_SOURCE", fmt.Sprintf("unknown key source %q", c.KeySource))
	case c.KeySource == "gcp" && c.GoogleProjectID == "":
		return shared.NewConfigurationError("GOOGLE_PROJECT_ID", "required when KEY_SOURCE=gcp")
	}
	return nil
}
