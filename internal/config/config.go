package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Issuers    IssuersConfig    `yaml:"issuers" mapstructure:"issuers"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Webhook    WebhookConfig    `yaml:"webhook" mapstructure:"webhook"`
	OCR        OCRConfig        `yaml:"ocr" mapstructure:"ocr"`
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Settlement SettlementConfig `yaml:"settlement" mapstructure:"settlement"`
	Resilience ResilienceConfig `yaml:"resilience" mapstructure:"resilience"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	RulesPath  string           `yaml:"rules_path" mapstructure:"rules_path"`
}

// IssuersConfig overrides the built-in verification base URLs.
type IssuersConfig struct {
	CBE      IssuerConfig `yaml:"cbe" mapstructure:"cbe"`
	Telebirr IssuerConfig `yaml:"telebirr" mapstructure:"telebirr"`
}

// IssuerConfig configures one issuer.
type IssuerConfig struct {
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FetchConfig configures receipt document retrieval.
type FetchConfig struct {
	TimeoutSecs  int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent    string `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RatePerSec   int    `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Timeout returns the fetch timeout as a duration.
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSecs) * time.Second
}

// WebhookConfig configures the inbound event gate. An empty secret disables
// signature verification.
type WebhookConfig struct {
	Secret          string `yaml:"secret" mapstructure:"secret"`
	SignatureHeader string `yaml:"signature_header" mapstructure:"signature_header"`
	MaxBodyBytes    int64  `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
}

// OCRConfig configures PDF text extraction and image text recognition.
type OCRConfig struct {
	Provider      string `yaml:"provider" mapstructure:"provider"`
	PdfToTextPath string `yaml:"pdftotext_path" mapstructure:"pdftotext_path"`
	MistralKey    string `yaml:"mistral_api_key" mapstructure:"mistral_api_key"`
	MistralModel  string `yaml:"mistral_ocr_model" mapstructure:"mistral_ocr_model"`
}

// StoreConfig configures the ledger database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// SettlementConfig configures currency conversion and fees applied when a
// verified deposit is credited.
type SettlementConfig struct {
	OriginCurrency string  `yaml:"origin_currency" mapstructure:"origin_currency"`
	Currency       string  `yaml:"currency" mapstructure:"currency"`
	Rate           float64 `yaml:"rate" mapstructure:"rate"`
	FeePercent     float64 `yaml:"fee_percent" mapstructure:"fee_percent"`
	FixedFee       float64 `yaml:"fixed_fee" mapstructure:"fixed_fee"`

	// ReceiverAccount, when set, must match the receiving account printed on
	// every settled receipt.
	ReceiverAccount string `yaml:"receiver_account" mapstructure:"receiver_account"`
}

// ResilienceConfig configures circuit breakers and webhook processing retries.
type ResilienceConfig struct {
	CircuitFailureThreshold int `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetTimeoutSecs int `yaml:"circuit_reset_timeout_secs" mapstructure:"circuit_reset_timeout_secs"`
	RetryMaxAttempts        int `yaml:"retry_max_attempts" mapstructure:"retry_max_attempts"`
	RetryInitialBackoffMs   int `yaml:"retry_initial_backoff_ms" mapstructure:"retry_initial_backoff_ms"`
	RetryMaxBackoffMs       int `yaml:"retry_max_backoff_ms" mapstructure:"retry_max_backoff_ms"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background settlement health checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	SigningSecret        string  `yaml:"signing_secret" mapstructure:"signing_secret"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	StalePendingMins     int     `yaml:"stale_pending_mins" mapstructure:"stale_pending_mins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PAYPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("issuers.cbe.base_url", "https://apps.cbe.com.et:100/")
	v.SetDefault("issuers.telebirr.base_url", "https://transactioninfo.ethiotelecom.et/receipt/")
	v.SetDefault("fetch.timeout_secs", 10)
	v.SetDefault("fetch.user_agent", "payment-proxy/1.0")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.rate_per_sec", 5)
	v.SetDefault("webhook.secret", "")
	v.SetDefault("webhook.signature_header", "X-Signature")
	v.SetDefault("webhook.max_body_bytes", 1<<20)
	v.SetDefault("ocr.provider", "local")
	v.SetDefault("ocr.pdftotext_path", "pdftotext")
	v.SetDefault("ocr.mistral_api_key", "")
	v.SetDefault("ocr.mistral_ocr_model", "mistral-ocr-latest")
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("settlement.origin_currency", "ETB")
	v.SetDefault("settlement.currency", "ETB")
	v.SetDefault("settlement.rate", 1.0)
	v.SetDefault("settlement.fee_percent", 0.0)
	v.SetDefault("settlement.fixed_fee", 0.0)
	v.SetDefault("settlement.receiver_account", "")
	v.SetDefault("resilience.circuit_failure_threshold", 5)
	v.SetDefault("resilience.circuit_reset_timeout_secs", 30)
	v.SetDefault("resilience.retry_max_attempts", 3)
	v.SetDefault("resilience.retry_initial_backoff_ms", 500)
	v.SetDefault("resilience.retry_max_backoff_ms", 10000)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("monitoring.enabled", false)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.signing_secret", "")
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.stale_pending_mins", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks settings that would otherwise fail deep inside a request.
func (c *Config) Validate() error {
	if c.Fetch.TimeoutSecs <= 0 {
		return eris.New("config: fetch.timeout_secs must be positive")
	}
	if c.Settlement.Rate <= 0 {
		return eris.New("config: settlement.rate must be positive")
	}
	if c.Settlement.FeePercent < 0 || c.Settlement.FeePercent >= 100 {
		return eris.Errorf("config: settlement.fee_percent out of range: %v", c.Settlement.FeePercent)
	}
	if c.Settlement.FixedFee < 0 {
		return eris.New("config: settlement.fixed_fee must not be negative")
	}
	switch c.Store.Driver {
	case "postgres", "sqlite", "none":
	default:
		return eris.Errorf("config: unsupported store driver %q", c.Store.Driver)
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
