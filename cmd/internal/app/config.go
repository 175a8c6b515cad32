package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names an optional YAML file read before the environment.
const ConfigFileEnv = "SCOPING_CONFIG_FILE"

// Config contains all runtime configuration.
//
// Values come from the YAML file named by SCOPING_CONFIG_FILE (if any), then
// from SCOPING_* environment variables, which win. Signing and sealing keys
// are read from the environment only (see security/token).
type Config struct {
	Env       string `yaml:"env"`
	HTTPAddr  string `yaml:"http_addr"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`

	DatabaseURL   string `yaml:"database_url"`
	DBMaxConns    int32  `yaml:"db_max_conns"`
	DBMinConns    int32  `yaml:"db_min_conns"`
	DBSchema      string `yaml:"db_schema"`
	DBApplySchema bool   `yaml:"db_apply_schema"`

	DBMaxConnLifetime time.Duration `yaml:"db_max_conn_lifetime"`

	// If true:
	// - /readyz returns 503 unless DB is configured and reachable.
	ReadinessRequireDB bool `yaml:"readiness_require_db"`

	WSOriginRequired     bool     `yaml:"ws_origin_required"`
	WSAllowedOrigins     []string `yaml:"ws_allowed_origins"`
	WSInsecureSkipVerify bool     `yaml:"ws_insecure_skip_verify"`

	CORSAllowedOrigins   []string `yaml:"cors_allowed_origins"`
	CORSAllowCredentials bool     `yaml:"cors_allow_credentials"`
	CORSMaxAgeSeconds    int      `yaml:"cors_max_age_seconds"`

	TokenTTL time.Duration `yaml:"token_ttl"`

	TeamworkEndpoint string        `yaml:"teamwork_endpoint"`
	ValidatorTimeout time.Duration `yaml:"validator_timeout"`

	// SeedUser, when set, gets a few demo sessions at startup.
	SeedUser string `yaml:"seed_user"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		Env:       "dev",
		HTTPAddr:  "0.0.0.0:8080",
		LogLevel:  "info",
		LogFormat: "json",

		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ShutdownTimeout:   10 * time.Second,

		DBMaxConns:    10,
		DBSchema:      "scoping",
		DBApplySchema: true,

		DBMaxConnLifetime: 30 * time.Minute,

		TokenTTL: 12 * time.Hour,

		TeamworkEndpoint: "https://www.teamwork.com/launchpad/v1/token.json",
		ValidatorTimeout: 10 * time.Second,
	}
}

// LoadConfig loads Config from the optional YAML file and the environment.
func LoadConfig() (Config, error) {
	cfg := DefaultConfig()

	if path := EnvString(ConfigFileEnv, ""); path != "" {
		if err := loadConfigFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}

	return applyEnv(cfg), nil
}

func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnv overlays SCOPING_* variables; unset variables keep cfg's value.
func applyEnv(cfg Config) Config {
	cfg.Env = EnvString("SCOPING_ENV", cfg.Env)
	cfg.HTTPAddr = EnvString("SCOPING_HTTP_ADDR", cfg.HTTPAddr)
	cfg.LogLevel = EnvString("SCOPING_LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = EnvString("SCOPING_LOG_FORMAT", cfg.LogFormat)

	cfg.ReadHeaderTimeout = EnvDuration("SCOPING_HTTP_READ_HEADER_TIMEOUT", cfg.ReadHeaderTimeout)
	cfg.ReadTimeout = EnvDuration("SCOPING_HTTP_READ_TIMEOUT", cfg.ReadTimeout)
	cfg.WriteTimeout = EnvDuration("SCOPING_HTTP_WRITE_TIMEOUT", cfg.WriteTimeout)
	cfg.IdleTimeout = EnvDuration("SCOPING_HTTP_IDLE_TIMEOUT", cfg.IdleTimeout)
	cfg.MaxHeaderBytes = EnvInt("SCOPING_HTTP_MAX_HEADER_BYTES", cfg.MaxHeaderBytes)
	cfg.ShutdownTimeout = EnvDuration("SCOPING_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)

	cfg.DatabaseURL = EnvString("SCOPING_DATABASE_URL", cfg.DatabaseURL)
	cfg.DBMaxConns = EnvInt32("SCOPING_DB_MAX_CONNS", cfg.DBMaxConns)
	cfg.DBMinConns = EnvInt32("SCOPING_DB_MIN_CONNS", cfg.DBMinConns)
	cfg.DBSchema = EnvString("SCOPING_DB_SCHEMA", cfg.DBSchema)
	cfg.DBApplySchema = EnvBool("SCOPING_DB_APPLY_SCHEMA", cfg.DBApplySchema)
	cfg.DBMaxConnLifetime = EnvDuration("SCOPING_DB_MAX_CONN_LIFETIME", cfg.DBMaxConnLifetime)

	cfg.ReadinessRequireDB = EnvBool("SCOPING_READINESS_REQUIRE_DB", cfg.ReadinessRequireDB)

	cfg.WSOriginRequired = EnvBool("SCOPING_WS_ORIGIN_REQUIRED", cfg.WSOriginRequired)
	cfg.WSAllowedOrigins = EnvList("SCOPING_WS_ALLOWED_ORIGINS", cfg.WSAllowedOrigins)
	cfg.WSInsecureSkipVerify = EnvBool("SCOPING_WS_INSECURE_SKIP_VERIFY", cfg.WSInsecureSkipVerify)

	cfg.CORSAllowedOrigins = EnvList("SCOPING_CORS_ALLOWED_ORIGINS", cfg.CORSAllowedOrigins)
	cfg.CORSAllowCredentials = EnvBool("SCOPING_CORS_ALLOW_CREDENTIALS", cfg.CORSAllowCredentials)
	cfg.CORSMaxAgeSeconds = EnvInt("SCOPING_CORS_MAX_AGE_SECONDS", cfg.CORSMaxAgeSeconds)

	cfg.TokenTTL = EnvDuration("SCOPING_TOKEN_TTL", cfg.TokenTTL)

	cfg.TeamworkEndpoint = EnvString("SCOPING_TEAMWORK_ENDPOINT", cfg.TeamworkEndpoint)
	cfg.ValidatorTimeout = EnvDuration("SCOPING_VALIDATOR_TIMEOUT", cfg.ValidatorTimeout)

	cfg.SeedUser = strings.TrimSpace(EnvString("SCOPING_SEED_USER", cfg.SeedUser))
	return cfg
}

// ValidateConfig enforces the startup policy. It fails fast rather than
// running with an origin policy or pool setup that cannot be right.
func ValidateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.HTTPAddr) == "" {
		return fmt.Errorf("config: http_addr is required")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogFormat)) {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown log_format %q (want json or text)", cfg.LogFormat)
	}
	if cfg.DBMaxConns > 0 && cfg.DBMinConns > cfg.DBMaxConns {
		return fmt.Errorf("config: db_min_conns=%d exceeds db_max_conns=%d", cfg.DBMinConns, cfg.DBMaxConns)
	}

	if !isProduction(cfg) {
		return nil
	}
	if cfg.WSInsecureSkipVerify {
		return fmt.Errorf("security policy: SCOPING_WS_INSECURE_SKIP_VERIFY is not allowed in production")
	}
	if !cfg.WSOriginRequired || len(cfg.WSAllowedOrigins) == 0 {
		return fmt.Errorf("security policy: production requires SCOPING_WS_ORIGIN_REQUIRED=true and SCOPING_WS_ALLOWED_ORIGINS")
	}
	if cfg.SeedUser != "" {
		return fmt.Errorf("security policy: SCOPING_SEED_USER is not allowed in production")
	}
	return nil
}

func isProduction(cfg Config) bool {
	switch strings.ToLower(strings.TrimSpace(cfg.Env)) {
	case "prod", "production":
		return true
	}
	return false
}
