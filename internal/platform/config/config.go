// Package config loads the service's configuration from environment
// variables (with an optional .env file and an optional YAML config file
// overlay), following the same layered approach as the teacher repo this
// module was derived from.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the task API HTTP server.
type ServerConfig struct {
	Host string `json:"host" env:"HOST,default=0.0.0.0"`
	Port int    `json:"port" env:"PORT,default=8080"`
	Env  string `json:"env" env:"NODE_ENV,default=development"`
}

// DatabaseConfig controls the Postgres task store.
type DatabaseConfig struct {
	URL             string `json:"url" env:"DATABASE_URL"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,default=10"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,default=5"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_s" env:"DATABASE_CONN_MAX_LIFETIME,default=300"`
	MigrateOnStart  bool   `json:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START,default=true"`
}

// RedisConfig controls the task queue's Redis backend.
type RedisConfig struct {
	URL         string `json:"url" env:"REDIS_URL,default=redis://localhost:6379/0"`
	QueueName   string `json:"queue_name" env:"QUEUE_NAME,default=verification"`
	Concurrency int    `json:"concurrency" env:"QUEUE_CONCURRENCY,default=4"`
	MaxAttempts int    `json:"max_attempts" env:"QUEUE_MAX_ATTEMPTS,default=5"`
	BackoffMS   int    `json:"backoff_delay_ms" env:"QUEUE_BACKOFF_DELAY,default=2000"`
}

// S3Config controls the blob store adapter.
type S3Config struct {
	Endpoint        string `json:"endpoint" env:"S3_ENDPOINT"`
	AccessKeyID     string `json:"access_key_id" env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `json:"secret_access_key" env:"S3_SECRET_ACCESS_KEY"`
	Bucket          string `json:"bucket" env:"S3_BUCKET"`
	Region          string `json:"region" env:"S3_REGION,default=us-east-1"`
}

// SyncConfig controls the upstream catalog reconciler (C9).
type SyncConfig struct {
	AppQueryURL       string   `json:"app_query_url" env:"METABASE_APP_QUERY"`
	ProfileQueryURL   string   `json:"profile_query_url" env:"METABASE_PROFILE_QUERY"`
	APIKey            string  `json:"api_key" env:"METABASE_API_KEY"`
	ProfileCronPattern string  `json:"profile_cron_pattern" env:"PROFILE_CRON_PATTERN,default=*/1 * * * *"`
	TasksCronPattern  string   `json:"tasks_cron_pattern" env:"TASKS_CRON_PATTERN,default=*/5 * * * *"`
	// AllowedVersions is the configurable allow-list resolving spec.md §9's
	// open question: only apps whose dstack version is in this list are
	// upserted (and, when new, enqueued for verification) by app sync.
	// Empty, the default, means "allow all".
	AllowedVersions []string `json:"allowed_versions" yaml:"allowed_versions"`
}

// VerifierConfig controls the verification pipeline's external
// dependencies and default flags.
type VerifierConfig struct {
	TDXToolPath    string `json:"tdx_tool_path" env:"TDX_TOOL_PATH,default=/usr/local/bin/tdx-quote"`
	NvidiaURL      string `json:"nvidia_url" env:"NVIDIA_ATTESTATION_URL,default=https://nras.attestation.nvidia.com/v3/attest/gpu"`
	CTLogURL       string `json:"ct_log_url" env:"CT_LOG_URL,default=https://crt.sh/"`
	BaseRPCURL     string `json:"base_rpc_url" env:"BASE_RPC_URL"`
	EthereumRPCURL string `json:"ethereum_rpc_url" env:"ETHEREUM_RPC_URL"`
	// RedpillBaseURL is the redpill.ai gateway's base URL; the RedpillVerifier
	// appends "/models/<model>" for an app's own attestation bundle and
	// "/info?model=<model>" for the gateway's system-info discovery call.
	RedpillBaseURL string `json:"redpill_base_url" env:"REDPILL_BASE_URL,default=https://api.redpill.ai"`
	DefaultFlags   string `json:"default_flags" env:"VERIFICATION_FLAGS,default=all"`
	TaskDeadlineS  int    `json:"task_deadline_s" env:"VERIFICATION_TASK_DEADLINE_S,default=600"`
	// AllowedCAAIssuer/CAAAccountURI are the expected CA and account-URI a
	// gateway's domain CAA record set must restrict issuance to (spec.md
	// §4.3 "verifyDnsCAA"). AllowedCTIssuers is a comma-separated allow-list
	// of CT-log issuers; empty means any issuer the log reports is accepted.
	AllowedCAAIssuer string `json:"allowed_caa_issuer" env:"ALLOWED_CAA_ISSUER,default=letsencrypt.org"`
	CAAAccountURI    string `json:"caa_account_uri" env:"CAA_ACCOUNT_URI"`
	AllowedCTIssuers string `json:"allowed_ct_issuers" env:"ALLOWED_CT_ISSUERS"`
}

// AuthConfig controls the task API's bearer-token auth and the cron
// endpoints' shared secret.
type AuthConfig struct {
	Tokens     []string `json:"tokens"`
	CronAPIKey string   `json:"cron_api_key" env:"CRON_API_KEY"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL,default=info"`
	Format     string `json:"format" env:"LOG_FORMAT,default=text"`
	Output     string `json:"output" env:"LOG_OUTPUT,default=stdout"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX,default=attestor"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server   ServerConfig    `json:"server"`
	Database DatabaseConfig  `json:"database"`
	Redis    RedisConfig     `json:"redis"`
	S3       S3Config        `json:"s3"`
	Sync     SyncConfig      `json:"sync"`
	Verifier VerifierConfig  `json:"verifier"`
	Auth     AuthConfig      `json:"auth"`
	Logging  LoggingConfig   `json:"logging"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Server:   ServerConfig{Host: "0.0.0.0", Port: 8080, Env: "development"},
		Database: DatabaseConfig{MaxOpenConns: 10, MaxIdleConns: 5, ConnMaxLifetime: 300, MigrateOnStart: true},
		Redis:    RedisConfig{QueueName: "verification", Concurrency: 4, MaxAttempts: 5, BackoffMS: 2000},
		S3:       S3Config{Region: "us-east-1"},
		Sync:     SyncConfig{ProfileCronPattern: "*/1 * * * *", TasksCronPattern: "*/5 * * * *"},
		Verifier: VerifierConfig{
			DefaultFlags: "all", TaskDeadlineS: 600, RedpillBaseURL: "https://api.redpill.ai",
			AllowedCAAIssuer: "letsencrypt.org",
		},
		Logging:  LoggingConfig{Level: "info", Format: "text", Output: "stdout", FilePrefix: "attestor"},
	}
}

// Load loads configuration from an optional .env file, an optional YAML
// overlay named by CONFIG_FILE, and then environment variables (which take
// precedence over the file).
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.Auth.Tokens = parseTokens(os.Getenv("API_TOKENS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces spec.md §6's "Auth" requirement that CRON_API_KEY
// is required and non-empty — the cron-trigger endpoints have no
// usable default.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Auth.CronAPIKey) == "" {
		return fmt.Errorf("CRON_API_KEY is required and must be non-empty")
	}
	return nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// AllowedCTIssuersSet parses the comma-separated AllowedCTIssuers env var
// into the set shape verify.Config expects. An empty value yields an empty
// (not nil) map, which verify/gateway.go treats as "accept any issuer".
func (v VerifierConfig) AllowedCTIssuersSet() map[string]bool {
	set := make(map[string]bool)
	for _, part := range strings.Split(v.AllowedCTIssuers, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			set[part] = true
		}
	}
	return set
}

func parseTokens(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
