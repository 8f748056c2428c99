package prover

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"auditor-zk/channel"
	"auditor-zk/shared"
	"auditor-zk/threshold"
	"auditor-zk/transcript"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config drives one orchestrated attestation.
type Config struct {
	VerifierURL string
	ProxyURL    string
	TargetURL   string

	Threshold decimal.Decimal

	// Request shape. A non-empty RequestBody turns the request into a POST.
	AuthToken   string
	RequestBody string
	Headers     map[string]string

	Policy RevealPolicy
	Limits channel.Limits

	SetupTimeout    time.Duration
	ResponseTimeout time.Duration
	RevealTimeout   time.Duration

	// Used by the CLI only.
	AttestationOut string
	MaxAttempts    int
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		VerifierURL:     "ws://localhost:7047/ws",
		Threshold:       decimal.NewFromInt(10000),
		Headers:         map[string]string{},
		Policy:          DefaultRevealPolicy(),
		Limits:          channel.Limits{MaxSentData: channel.DefaultMaxSentData, MaxRecvData: channel.DefaultMaxRecvData},
		SetupTimeout:    30 * time.Second,
		ResponseTimeout: 30 * time.Second,
		RevealTimeout:   30 * time.Second,
		AttestationOut:  "/tmp/auditor_zk_attestation.json",
		MaxAttempts:     1,
	}
}

// LoadConfig reads the prover configuration from the environment, after
// loading a .env file when one exists.
func LoadConfig() (*Config, error) {
	_ = godotenv.Load()
	cfg := DefaultConfig()

	cfg.VerifierURL = shared.GetEnvOrDefault("VERIFIER_URL", cfg.VerifierURL)
	cfg.ProxyURL = shared.GetEnvOrDefault("PROXY_URL", "")
	cfg.TargetURL = shared.GetEnvOrDefault("TARGET_URL", "")
	cfg.AuthToken = shared.GetEnvOrDefault("AUTH_TOKEN", "")
	cfg.RequestBody = shared.GetEnvOrDefault("REQUEST_BODY", "")

	t, err := threshold.ParseThreshold(shared.GetEnvOrDefault("THRESHOLD", cfg.Threshold.String()))
	if err != nil {
		return nil, err
	}
	cfg.Threshold = t

	cfg.Policy.RevealServerIdentity = shared.GetEnvBoolOrDefault("REVEAL_SERVER_IDENTITY", true)
	cfg.Policy.PrivateHeaders = append(cfg.Policy.PrivateHeaders, shared.GetEnvListOrDefault("PRIVATE_HEADERS", nil)...)
	if shared.GetEnvBoolOrDefault("REDACT_BALANCES", false) {
		cfg.Policy.PrivateJSONPaths = append([]string(nil), transcript.DefaultBalancePaths...)
	}

	cfg.Limits.MaxSentData = shared.GetEnvIntOrDefault("MAX_SENT_DATA", cfg.Limits.MaxSentData)
	cfg.Limits.MaxRecvData = shared.GetEnvIntOrDefault("MAX_RECV_DATA", cfg.Limits.MaxRecvData)
	cfg.SetupTimeout = shared.GetEnvDurationOrDefault("SETUP_TIMEOUT", cfg.SetupTimeout)
	cfg.ResponseTimeout = shared.GetEnvDurationOrDefault("RESPONSE_TIMEOUT", cfg.ResponseTimeout)
	cfg.RevealTimeout = shared.GetEnvDurationOrDefault("REVEAL_TIMEOUT", cfg.RevealTimeout)
	cfg.AttestationOut = shared.GetEnvOrDefault("ATTESTATION_OUT", cfg.AttestationOut)
	cfg.MaxAttempts = shared.GetEnvIntOrDefault("MAX_ATTEMPTS", cfg.MaxAttempts)

	return cfg, cfg.Validate()
}

// Validate checks everything that can be checked before a session starts.
// The target URL is parsed again by CreateProver.
func (c *Config) Validate() error {
	switch {
	case c.VerifierURL == "":
		return shared.NewConfigurationError("VERIFIER_URL", "must be set")
	case c.TargetURL == "":
		return shared.NewConfigurationError("TARGET_URL", "must be set")
	case c.Threshold.IsNegative():
		return shared.NewConfigurationError("THRESHOLD", "must not be negative")
	case c.Limits.MaxSentData <= 0 || c.Limits.MaxRecvData <= 0:
		return shared.NewConfigurationError("MAX_SENT_DATA", "byte limits must be positive")
	case c.SetupTimeout <= 0 || c.ResponseTimeout <= 0 || c.RevealTimeout <= 0:
		return shared.NewConfigurationError("SETUP_TIMEOUT", "timeouts must be positive")
	case c.MaxAttempts <= 0:
		return shared.NewConfigurationError("MAX_ATTEMPTS", "must be positive")
	}
	if _, err := parseTarget(c.TargetURL); err != nil {
		return err
	}
	return nil
}

// DefaultAttemptTimeout bounds a whole attempt when the caller sets no
// deadline of its own.
func (c *Config) DefaultAttemptTimeout() time.Duration {
	return c.SetupTimeout + c.ResponseTimeout + c.RevealTimeout
}

// target is the parsed TARGET_URL.
type target struct {
	url        *url.URL
	host       string
	port       int
	serverName string
}

func parseTarget(raw string) (*target, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, shared.NewConfigurationError("TARGET_URL", fmt.Sprintf("unparsable: %v", err))
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "https" && scheme != "http" {
		return nil, shared.NewConfigurationError("TARGET_URL", fmt.Sprintf("unsupported scheme %q", u.Scheme))
	}
	host := u.Hostname()
	if host == "" {
		return nil, shared.NewConfigurationError("TARGET_URL", "missing host")
	}

	port := 443
	if scheme == "http" {
		port = 80
	}
	if p := u.Port(); p != "" {
		if _, err := fmt.Sscanf(p, "%d", &port); err != nil || port <= 0 || port > 65535 {
			return nil, shared.NewConfigurationError("TARGET_URL", fmt.Sprintf("invalid port %q", p))
		}
	}
	return &target{url: u, host: host, port: port, serverName: host}, nil
}
