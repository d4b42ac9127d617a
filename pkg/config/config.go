package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for askviz-engine.
// Configuration can come from a YAML file (CONFIG_PATH, default config.yaml)
// or environment variables. Environment variables always override YAML values.
// Secrets (API keys, PAT secrets, passwords) must only come from environment
// variables.
type Config struct {
	// Server configuration
	BindAddr string `yaml:"bind_addr" env:"BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"PORT" env-default:"8787"`
	Env      string `yaml:"env" env:"ENVIRONMENT" env-default:"local"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL" env-default:""` // Auto-derived from Port if empty
	Version  string `yaml:"-"`                                      // Set at load time, not from config

	// Authentication configuration
	Auth AuthConfig `yaml:"auth"`

	// Database configuration (PostgreSQL, optional). When no host is set the
	// engine keeps conversations in memory.
	Database DatabaseConfig `yaml:"database"`

	// LLM provider configuration
	LLM LLMConfig `yaml:"llm"`

	// Tableau connection configuration
	Tableau TableauConfig `yaml:"tableau"`

	// Agent runtime configuration
	Agents AgentsConfig `yaml:"agents"`

	// Query result cache configuration
	Cache CacheConfig `yaml:"cache"`
}

// AuthConfig holds authentication-related configuration.
type AuthConfig struct {
	// DisableVerification turns off JWT validation, for local development
	// without an auth server. The zero value keeps verification on.
	DisableVerification bool `yaml:"disable_verification" env:"AUTH_DISABLE_VERIFICATION"`

	// JWKSURL is the JWKS endpoint used to verify bearer tokens.
	JWKSURL string `yaml:"jwks_url" env:"AUTH_JWKS_URL" env-default:""`

	// Issuer and Audience are enforced on verified tokens when non-empty.
	Issuer   string `yaml:"issuer" env:"AUTH_ISSUER" env-default:""`
	Audience string `yaml:"audience" env:"AUTH_AUDIENCE" env-default:""`
}

// VerificationEnabled reports whether bearer tokens are validated.
func (c *AuthConfig) VerificationEnabled() bool {
	return !c.DisableVerification
}

// DatabaseConfig holds PostgreSQL database configuration.
type DatabaseConfig struct {
	Host           string `yaml:"host" env:"PGHOST" env-default:""`
	Port           int    `yaml:"port" env:"PGPORT" env-default:"5432"`
	User           string `yaml:"user" env:"PGUSER" env-default:"askviz"`
	Password       string `yaml:"-" env:"PGPASSWORD"` // Secret - not in YAML
	Database       string `yaml:"database" env:"PGDATABASE" env-default:"askviz_engine"`
	MaxConnections int32  `yaml:"max_connections" env:"PGMAX_CONNECTIONS" env-default:"25"`
	SSLMode        string `yaml:"ssl_mode" env:"PGSSLMODE" env-default:"disable"`
}

// Enabled reports whether a Postgres store is configured.
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// ConnectionString returns a PostgreSQL connection string. The host is
// rewritten to host.docker.internal when the engine itself runs in a
// container and the database is on the host.
func (c *DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		ResolveHostForDocker(c.Host), c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// LLMConfig holds LLM provider configuration.
type LLMConfig struct {
	// Provider selects the client implementation: "openai" (any
	// OpenAI-compatible endpoint) or "anthropic".
	Provider string `yaml:"provider" env:"LLM_PROVIDER" env-default:"openai"`

	// BaseURL overrides the provider's default endpoint (vLLM, Ollama,
	// gateways). Empty means the provider default.
	BaseURL string `yaml:"base_url" env:"LLM_BASE_URL" env-default:""`

	APIKey      string  `yaml:"-" env:"LLM_API_KEY"` // Secret - not in YAML
	Model       string  `yaml:"model" env:"LLM_MODEL" env-default:"gpt-4o"`
	Temperature float32 `yaml:"temperature" env:"LLM_TEMPERATURE" env-default:"0.1"`
	MaxTokens   int     `yaml:"max_tokens" env:"LLM_MAX_TOKENS" env-default:"4096"`

	// RequestTimeout bounds a single chat completion call.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"LLM_REQUEST_TIMEOUT" env-default:"120s"`
}

// TableauConfig holds the Tableau server connection settings.
type TableauConfig struct {
	// ServerURL is the Tableau server base URL, e.g. https://10ax.online.tableau.com
	ServerURL string `yaml:"server_url" env:"TABLEAU_SERVER_URL" env-default:""`

	// Site is the site content URL ("" means the default site).
	Site string `yaml:"site" env:"TABLEAU_SITE" env-default:""`

	// CredentialKind selects the sign-in method: "pat" or "password".
	CredentialKind string `yaml:"credential_kind" env:"TABLEAU_CREDENTIAL_KIND" env-default:"pat"`

	PATName   string `yaml:"pat_name" env:"TABLEAU_PAT_NAME" env-default:""`
	PATSecret string `yaml:"-" env:"TABLEAU_PAT_SECRET"` // Secret - not in YAML
	Username  string `yaml:"username" env:"TABLEAU_USERNAME" env-default:""`
	Password  string `yaml:"-" env:"TABLEAU_PASSWORD"` // Secret - not in YAML

	// APIVersion is the REST API version used for sign-in.
	APIVersion string `yaml:"api_version" env:"TABLEAU_API_VERSION" env-default:"3.22"`

	// SessionTTL is how long a signed-in session token is assumed valid.
	// Tableau's default session lifetime is 240 minutes.
	SessionTTL time.Duration `yaml:"session_ttl" env:"TABLEAU_SESSION_TTL" env-default:"240m"`

	// TokenSafetyMargin refreshes the session token this long before the
	// assumed expiry.
	TokenSafetyMargin time.Duration `yaml:"token_safety_margin" env:"TABLEAU_TOKEN_SAFETY_MARGIN" env-default:"5m"`

	// RequestTimeout bounds a single VDS or REST call.
	RequestTimeout time.Duration `yaml:"request_timeout" env:"TABLEAU_REQUEST_TIMEOUT" env-default:"60s"`
}

// Configured reports whether Tableau credentials are present.
func (c *TableauConfig) Configured() bool {
	if c.ServerURL == "" {
		return false
	}
	switch c.CredentialKind {
	case "pat":
		return c.PATName != "" && c.PATSecret != ""
	case "password":
		return c.Username != "" && c.Password != ""
	}
	return false
}

// AgentsConfig holds agent runtime settings.
type AgentsConfig struct {
	// DefinitionsPath points at the YAML file listing the configured agents.
	DefinitionsPath string `yaml:"definitions_path" env:"AGENTS_DEFINITIONS_PATH" env-default:"agents.yaml"`

	// Default retry budgets, overridable per agent in the definitions file.
	MaxBuildAttempts     int `yaml:"max_build_attempts" env:"AGENTS_MAX_BUILD_ATTEMPTS" env-default:"3"`
	MaxExecutionAttempts int `yaml:"max_execution_attempts" env:"AGENTS_MAX_EXECUTION_ATTEMPTS" env-default:"2"`

	// MaxParallelism bounds concurrent agent tasks within an orchestrator wave.
	MaxParallelism int `yaml:"max_parallelism" env:"AGENTS_MAX_PARALLELISM" env-default:"4"`

	// MaxStatFields bounds how many fields get statistics queries during
	// schema enrichment.
	MaxStatFields int `yaml:"max_stat_fields" env:"AGENTS_MAX_STAT_FIELDS" env-default:"12"`
}

// CacheConfig holds query result cache settings.
type CacheConfig struct {
	Capacity int           `yaml:"capacity" env:"CACHE_CAPACITY" env-default:"256"`
	TTL      time.Duration `yaml:"ttl" env:"CACHE_TTL" env-default:"5m"`
}

// Load reads configuration from the YAML file named by CONFIG_PATH (default
// config.yaml) with environment variable overrides. A missing file is not an
// error; configuration then comes from the environment alone. The version
// parameter is injected at build time and set on the returned Config.
func Load(version string) (*Config, error) {
	cfg := &Config{
		Version: version,
	}

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	// Auto-derive BaseURL from Port if not explicitly set
	if cfg.BaseURL == "" {
		cfg.BaseURL = (&url.URL{
			Scheme: "http",
			Host:   "localhost:" + cfg.Port,
		}).String()
	}

	return cfg, nil
}

// validate rejects configurations that would fail confusingly at runtime.
func (c *Config) validate() error {
	switch c.LLM.Provider {
	case "openai", "anthropic":
	default:
		return fmt.Errorf("unknown llm provider %q (want openai or anthropic)", c.LLM.Provider)
	}

	switch c.Tableau.CredentialKind {
	case "pat", "password":
	default:
		return fmt.Errorf("unknown tableau credential kind %q (want pat or password)", c.Tableau.CredentialKind)
	}

	if c.Auth.VerificationEnabled() && c.Auth.JWKSURL == "" && c.Env != "local" {
		return fmt.Errorf("auth verification enabled but no jwks_url configured")
	}

	if c.Agents.MaxBuildAttempts < 1 {
		return fmt.Errorf("max_build_attempts must be at least 1")
	}
	if c.Agents.MaxExecutionAttempts < 1 {
		return fmt.Errorf("max_execution_attempts must be at least 1")
	}
	if c.Agents.MaxParallelism < 1 {
		return fmt.Errorf("max_parallelism must be at least 1")
	}

	return nil
}
