package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries the server configuration, loaded from the environment with
// an optional .env file for development.
type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	// ServerBaseURL is this server's own absolute base, e.g.
	// "https://foo.com/fhir". Literal references under this base are
	// internal, every other absolute reference is external.
	ServerBaseURL string `mapstructure:"SERVER_BASE_URL"`

	// LocalOrganization is the identifier of the organization operating
	// this server.
	LocalOrganization string `mapstructure:"LOCAL_ORGANIZATION"`

	// AllowedOrganizations lists the remote organization identifiers that
	// may connect, in addition to the local organization.
	AllowedOrganizations []string `mapstructure:"ALLOWED_ORGANIZATIONS"`

	// Affiliations lists parent-organization memberships as
	// "organization|parent|roleSystem|roleCode" entries.
	Affiliations []string `mapstructure:"AFFILIATIONS"`

	AuthIssuer   string `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL  string `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience string `mapstructure:"AUTH_AUDIENCE"`

	// RemoteTimeoutSeconds bounds calls to other exchange servers during
	// external reference checks.
	RemoteTimeoutSeconds int `mapstructure:"REMOTE_TIMEOUT_SECONDS"`

	MigrationsDir string `mapstructure:"MIGRATIONS_DIR"`
}

// Load reads configuration from the environment. A .env file is honored when
// present but never required.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8080")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("REMOTE_TIMEOUT_SECONDS", 30)
	v.SetDefault("MIGRATIONS_DIR", "migrations")

	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"SERVER_BASE_URL", "LOCAL_ORGANIZATION", "ALLOWED_ORGANIZATIONS",
		"AFFILIATIONS", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE",
		"REMOTE_TIMEOUT_SECONDS", "MIGRATIONS_DIR",
	} {
		v.BindEnv(key)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.AllowedOrganizations == nil {
		if orgs := v.GetString("ALLOWED_ORGANIZATIONS"); orgs != "" {
			cfg.AllowedOrganizations = strings.Split(orgs, ",")
		}
	}
	if cfg.Affiliations == nil {
		if affs := v.GetString("AFFILIATIONS"); affs != "" {
			cfg.Affiliations = strings.Split(affs, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.ServerBaseURL == "" {
		return nil, fmt.Errorf("SERVER_BASE_URL is required")
	}
	if cfg.LocalOrganization == "" {
		return nil, fmt.Errorf("LOCAL_ORGANIZATION is required")
	}
	cfg.ServerBaseURL = strings.TrimRight(cfg.ServerBaseURL, "/")

	return cfg, nil
}

// IsDev reports whether the server runs in development mode. Development mode
// accepts the X-Organization header in place of a client token.
func (c *Config) IsDev() bool {
	return c.Env == "development"
}
