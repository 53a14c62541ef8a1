package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the OSCAR agent gateway service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// AWS configuration (AWS_REGION is set automatically in Lambda-like
	// environments; the default matches the original deployment region)
	AWSRegion   string `envconfig:"AWS_REGION" default:"us-east-1"`
	Environment string `envconfig:"ENVIRONMENT" default:"dev"` // dev, beta, prod

	// Bedrock agent routing. Each tier is an agent id/alias pair. Values may
	// be provided directly, or resolved at startup from the SSM parameter
	// paths below when empty.
	PrivilegedAgentID      string `envconfig:"OSCAR_PRIVILEGED_AGENT_ID"`
	PrivilegedAgentAliasID string `envconfig:"OSCAR_PRIVILEGED_AGENT_ALIAS_ID"`
	LimitedAgentID         string `envconfig:"OSCAR_LIMITED_AGENT_ID"`
	LimitedAgentAliasID    string `envconfig:"OSCAR_LIMITED_AGENT_ALIAS_ID"`

	// SSM parameter paths for agent ids/aliases. Empty paths fall back to
	// the conventional /oscar/<env>/bedrock/... layout.
	PrivilegedAgentIDParamPath    string `envconfig:"OSCAR_PRIVILEGED_AGENT_ID_PARAM_PATH"`
	PrivilegedAgentAliasParamPath string `envconfig:"OSCAR_PRIVILEGED_AGENT_ALIAS_PARAM_PATH"`
	LimitedAgentIDParamPath       string `envconfig:"OSCAR_LIMITED_AGENT_ID_PARAM_PATH"`
	LimitedAgentAliasParamPath    string `envconfig:"OSCAR_LIMITED_AGENT_ALIAS_PARAM_PATH"`

	// Agent invocation settings
	AgentTimeout       int `envconfig:"AGENT_TIMEOUT" default:"120"`        // seconds, enforced by the caller
	AgentMaxRetries    int `envconfig:"AGENT_MAX_RETRIES" default:"3"`      // advisory; applied by the service layer
	QueryPreviewLength int `envconfig:"QUERY_PREVIEW_LENGTH" default:"100"` // max query chars logged

	// Session/context storage (DynamoDB). An empty table name selects the
	// in-memory store, which does not survive restarts.
	ContextTableName string `envconfig:"CONTEXT_TABLE_NAME" default:""`
	SessionTTL       int    `envconfig:"SESSION_TTL" default:"3600"` // seconds a chat thread keeps its agent session
	DedupTTL         int    `envconfig:"DEDUP_TTL" default:"300"`    // seconds a Slack event id is remembered

	// Central environment secret (Secrets Manager). When set, Slack
	// credentials and the privileged-user list are loaded from it at startup
	// and override the values below.
	CentralSecretName string `envconfig:"CENTRAL_SECRET_NAME" default:""`

	// Slack configuration
	SlackBotToken      string   `envconfig:"SLACK_BOT_TOKEN"`
	SlackSigningSecret string   `envconfig:"SLACK_SIGNING_SECRET"`
	SlackAppToken      string   `envconfig:"SLACK_APP_TOKEN"`             // xapp- token, socket mode only
	SocketMode         bool     `envconfig:"SOCKET_MODE" default:"false"` // use Socket Mode instead of the events endpoint
	EnableDM           bool     `envconfig:"ENABLE_DM" default:"false"`   // answer direct messages, not just mentions
	PrivilegedUserIDs  []string `envconfig:"PRIVILEGED_USER_IDS"`         // Slack user ids allowed privileged routing

	// Resilience configuration
	RetryInitialBackoff        int `envconfig:"RETRY_INITIAL_BACKOFF" default:"250"`        // Initial backoff in milliseconds
	CircuitBreakerMaxFailures  int `envconfig:"CIRCUIT_BREAKER_MAX_FAILURES" default:"5"`   // Failures before opening circuit
	CircuitBreakerResetTimeout int `envconfig:"CIRCUIT_BREAKER_RESET_TIMEOUT" default:"30"` // Seconds before attempting recovery

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg.applyParamPathDefaults()

	return &cfg, nil
}

// applyParamPathDefaults fills empty SSM parameter paths with the
// conventional per-environment layout used by the deployment.
func (c *Config) applyParamPathDefaults() {
	prefix := fmt.Sprintf("/oscar/%s/bedrock", c.Environment)
	if c.PrivilegedAgentIDParamPath == "" {
		c.PrivilegedAgentIDParamPath = prefix + "/supervisor-agent-id"
	}
	if c.PrivilegedAgentAliasParamPath == "" {
		c.PrivilegedAgentAliasParamPath = prefix + "/supervisor-agent-alias"
	}
	if c.LimitedAgentIDParamPath == "" {
		c.LimitedAgentIDParamPath = prefix + "/limited-supervisor-agent-id"
	}
	if c.LimitedAgentAliasParamPath == "" {
		c.LimitedAgentAliasParamPath = prefix + "/limited-supervisor-agent-alias"
	}
}

// Validate checks that the hydrated configuration is complete enough to
// serve traffic. Call after Secrets Manager / SSM hydration so values loaded
// there count.
func (c *Config) Validate() error {
	if c.PrivilegedAgentID == "" || c.PrivilegedAgentAliasID == "" {
		return fmt.Errorf("privileged agent id/alias are not configured")
	}
	if c.LimitedAgentID == "" || c.LimitedAgentAliasID == "" {
		return fmt.Errorf("limited agent id/alias are not configured")
	}
	if c.SlackBotToken == "" {
		return fmt.Errorf("SLACK_BOT_TOKEN is required")
	}
	if c.SocketMode {
		if c.SlackAppToken == "" {
			return fmt.Errorf("SLACK_APP_TOKEN is required in socket mode")
		}
	} else if c.SlackSigningSecret == "" {
		return fmt.Errorf("SLACK_SIGNING_SECRET is required for the events endpoint")
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
