package common

import (
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Lake       LakeConfig
	Database   DatabaseConfig
	Silver     SilverConfig
	Decision   DecisionConfig
	Statements StatementsConfig
	Daemon     DaemonConfig
}

// LakeConfig holds table store configuration
type LakeConfig struct {
	// Root is a local directory, a postgres:// URL or memory://.
	Root              string
	MaxCommitRetries  int
	RetryInitialDelay time.Duration
	RetryMaxDelay     time.Duration
}

// DatabaseConfig holds pool settings used when the lake root is a Postgres URL
type DatabaseConfig struct {
	MaxConns         int32
	MinConns         int32
	MaxConnLifetime  time.Duration
	MaxConnIdleTime  time.Duration
	DialTimeout      time.Duration
	StatementTimeout time.Duration
}

// SilverConfig holds canonical table settings
type SilverConfig struct {
	// ExtraKeyColumns widen the natural key used for dedup.
	ExtraKeyColumns []string
}

// DecisionConfig holds decision engine configuration
type DecisionConfig struct {
	BaseURL       string
	APIKey        string
	Flow          string
	Environment   string
	ExecutionMode string
	Timeout       time.Duration
	PollInterval  time.Duration
	PollAttempts  int
	ResendAfter   time.Duration
}

// StatementsConfig holds the statement API client configuration
type StatementsConfig struct {
	BaseURL string
	Timeout time.Duration
}

// DaemonConfig holds pipelined configuration
type DaemonConfig struct {
	GRPCAddr    string
	MetricsAddr string
	InboxDir    string
	Workers     int
	QueueSize   int
	RunTimeout  time.Duration
	Debounce    time.Duration
	Dispatch    bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_lake_root", ".")
	v.SetDefault("lake_max_commit_retries", 5)
	v.SetDefault("lake_retry_initial_delay", 50*time.Millisecond)
	v.SetDefault("lake_retry_max_delay", 2*time.Second)

	v.SetDefault("db_max_conns", 10)
	v.SetDefault("db_min_conns", 1)
	v.SetDefault("db_max_conn_lifetime", 30*time.Minute)
	v.SetDefault("db_max_conn_idle_time", 5*time.Minute)
	v.SetDefault("db_dial_timeout", 3*time.Second)
	v.SetDefault("db_statement_timeout", time.Duration(0))

	v.SetDefault("silver_extra_key_columns", "")

	v.SetDefault("decision_base_url", "https://eu-central-1.taktile-org.decide.taktile.com")
	v.SetDefault("decision_api_key", "")
	v.SetDefault("decision_flow", "underwriting")
	v.SetDefault("decision_environment", "sandbox")
	v.SetDefault("decision_execution_mode", "sync")
	v.SetDefault("decision_timeout", 30*time.Second)
	v.SetDefault("decision_poll_interval", 2*time.Second)
	v.SetDefault("decision_poll_attempts", 15)
	v.SetDefault("dispatch_resend_after", 10*time.Minute)

	v.SetDefault("statements_base_url", "http://localhost:8000/api")
	v.SetDefault("statements_timeout", 15*time.Second)

	v.SetDefault("grpc_addr", ":8080")
	v.SetDefault("metrics_addr", ":9090")
	v.SetDefault("inbox_dir", "data_lake/inbox")
	v.SetDefault("daemon_workers", 1)
	v.SetDefault("daemon_queue_size", 64)
	v.SetDefault("daemon_run_timeout", 10*time.Minute)
	v.SetDefault("daemon_debounce", 500*time.Millisecond)
	v.SetDefault("daemon_dispatch", false)
}

// LoadConfig loads configuration from defaults, an optional config.yaml under
// CONFIG_PATH, and environment variables (highest precedence).
func LoadConfig() *Config {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	// Keep the env names the hosted decision engine documents.
	_ = v.BindEnv("decision_api_key", "DECISION_API_KEY", "TAKTILE_DEMO_API_KEY")
	_ = v.BindEnv("decision_base_url", "DECISION_BASE_URL", "TAKTILE_BASE_URL")
	_ = v.BindEnv("config_path", "CONFIG_PATH")

	if path := v.GetString("config_path"); path != "" {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(path)
		if err := v.ReadInConfig(); err != nil {
			slog.Debug("config.file.skipped", "path", path, "error", err)
		} else {
			slog.Debug("config.file.loaded", "file", v.ConfigFileUsed())
		}
	}

	return fromViper(v)
}

func fromViper(v *viper.Viper) *Config {
	return &Config{
		Lake: LakeConfig{
			Root:              v.GetString("data_lake_root"),
			MaxCommitRetries:  v.GetInt("lake_max_commit_retries"),
			RetryInitialDelay: v.GetDuration("lake_retry_initial_delay"),
			RetryMaxDelay:     v.GetDuration("lake_retry_max_delay"),
		},
		Database: DatabaseConfig{
			MaxConns:         v.GetInt32("db_max_conns"),
			MinConns:         v.GetInt32("db_min_conns"),
			MaxConnLifetime:  v.GetDuration("db_max_conn_lifetime"),
			MaxConnIdleTime:  v.GetDuration("db_max_conn_idle_time"),
			DialTimeout:      v.GetDuration("db_dial_timeout"),
			StatementTimeout: v.GetDuration("db_statement_timeout"),
		},
		Silver: SilverConfig{
			ExtraKeyColumns: splitList(v.GetString("silver_extra_key_columns")),
		},
		Decision: DecisionConfig{
			BaseURL:       strings.TrimRight(v.GetString("decision_base_url"), "/"),
			APIKey:        v.GetString("decision_api_key"),
			Flow:          v.GetString("decision_flow"),
			Environment:   v.GetString("decision_environment"),
			ExecutionMode: v.GetString("decision_execution_mode"),
			Timeout:       v.GetDuration("decision_timeout"),
			PollInterval:  v.GetDuration("decision_poll_interval"),
			PollAttempts:  v.GetInt("decision_poll_attempts"),
			ResendAfter:   v.GetDuration("dispatch_resend_after"),
		},
		Statements: StatementsConfig{
			BaseURL: strings.TrimRight(v.GetString("statements_base_url"), "/"),
			Timeout: v.GetDuration("statements_timeout"),
		},
		Daemon: DaemonConfig{
			GRPCAddr:    v.GetString("grpc_addr"),
			MetricsAddr: v.GetString("metrics_addr"),
			InboxDir:    v.GetString("inbox_dir"),
			Workers:     v.GetInt("daemon_workers"),
			QueueSize:   v.GetInt("daemon_queue_size"),
			RunTimeout:  v.GetDuration("daemon_run_timeout"),
			Debounce:    v.GetDuration("daemon_debounce"),
			Dispatch:    v.GetBool("daemon_dispatch"),
		},
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the settings every binary needs
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Lake.Root) == "" {
		return NewAppError(CodeConfig, "DATA_LAKE_ROOT is required", ErrConfiguration)
	}
	if c.Lake.MaxCommitRetries < 0 {
		return NewAppError(CodeConfig, "LAKE_MAX_COMMIT_RETRIES must not be negative", ErrConfiguration)
	}
	return nil
}

// ValidateDispatch validates the settings needed to call the decision engine
func (c *Config) ValidateDispatch() error {
	if c.Decision.APIKey == "" {
		return NewAppError(CodeConfig, "DECISION_API_KEY is required", ErrConfiguration)
	}
	if c.Decision.BaseURL == "" {
		return NewAppError(CodeConfig, "DECISION_BASE_URL is required", ErrConfiguration)
	}
	if c.Decision.PollAttempts <= 0 || c.Decision.PollInterval <= 0 {
		return NewAppError(CodeConfig, "decision polling must be bounded and positive", ErrConfiguration)
	}
	v := NewValidator().
		Field("decision_flow", c.Decision.Flow, Required).
		Field("decision_environment", c.Decision.Environment, Required).
		Field("decision_execution_mode", c.Decision.ExecutionMode, OneOf("sync", "async"))
	if v.HasErrors() {
		return NewAppError(CodeConfig, "invalid decision engine settings", errors.Join(ErrConfiguration, v.Error()))
	}
	return nil
}
