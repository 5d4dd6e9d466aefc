package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	Env          string `env:"APP_ENV" env-default:"local"`
	Log          LogConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	NATS         NATSConfig
	Storage      StorageConfig
	Gateway      GatewayConfig
	OCR          OCRConfig
	Telegram     TelegramConfig
	Metrics      MetricsConfig
	Registration RegistrationConfig
	Campaign     CampaignConfig
}

type LogConfig struct {
	Level    string `env:"LOG_LEVEL" env-default:"info"`
	Encoding string `env:"LOG_ENCODING" env-default:"json"`
}

type DatabaseConfig struct {
	PostgresURL     string        `env:"POSTGRES_URL" env-required:"true"`
	MaxOpenConns    int           `env:"POSTGRES_MAX_OPEN_CONNS" env-default:"10"`
	ConnMaxLifetime time.Duration `env:"POSTGRES_CONN_MAX_LIFETIME" env-default:"30m"`
}

// RedisConfig is optional; an empty address disables the progress cache.
type RedisConfig struct {
	Address  string        `env:"REDIS_ADDR"`
	Password string        `env:"REDIS_PASSWORD"`
	DB       int           `env:"REDIS_DB" env-default:"0"`
	TTL      time.Duration `env:"REDIS_TTL" env-default:"24h"`
}

func (r RedisConfig) Enabled() bool { return r.Address != "" }

// NATSConfig is optional; an empty URL disables the event bridge.
type NATSConfig struct {
	URL           string `env:"NATS_URL"`
	SubjectPrefix string `env:"NATS_SUBJECT_PREFIX" env-default:"bingo.campaign"`
}

type StorageConfig struct {
	Endpoint  string `env:"MINIO_ENDPOINT" env-required:"true"`
	AccessKey string `env:"MINIO_ACCESS_KEY" env-required:"true"`
	SecretKey string `env:"MINIO_SECRET_KEY" env-required:"true"`
	Bucket    string `env:"MINIO_BUCKET" env-default:"bingo-artifacts"`
	UseSSL    bool   `env:"MINIO_USE_SSL" env-default:"false"`
}

type GatewayConfig struct {
	URL         string        `env:"GATEWAY_URL" env-required:"true"`
	Token       string        `env:"GATEWAY_TOKEN"`
	Timeout     time.Duration `env:"GATEWAY_TIMEOUT" env-default:"30s"`
	CountryCode string        `env:"GATEWAY_COUNTRY_CODE" env-default:"593"`
}

type OCRConfig struct {
	URL         string        `env:"OCR_URL" env-required:"true"`
	Timeout     time.Duration `env:"OCR_TIMEOUT" env-default:"60s"`
	MinKeywords int           `env:"OCR_MIN_KEYWORDS" env-default:"1"`
}

// TelegramConfig is optional; an empty token disables admin notifications.
type TelegramConfig struct {
	Token       string `env:"TELEGRAM_TOKEN"`
	AdminChatID int64  `env:"TELEGRAM_ADMIN_CHAT_ID"`
}

func (t TelegramConfig) Enabled() bool { return t.Token != "" && t.AdminChatID != 0 }

type MetricsConfig struct {
	Address string `env:"METRICS_ADDRESS" env-default:":9090"`
}

type RegistrationConfig struct {
	OTPTTL            time.Duration `env:"OTP_TTL" env-default:"5m"`
	SendAttempts      int           `env:"OTP_SEND_ATTEMPTS" env-default:"3"`
	RetryBackoff      time.Duration `env:"OTP_RETRY_BACKOFF" env-default:"3s"`
	NotReadyBackoff   time.Duration `env:"OTP_NOT_READY_BACKOFF" env-default:"5s"`
	ArtifactDelay     time.Duration `env:"TABLE_ARTIFACT_DELAY" env-default:"8s"`
	ConfirmationDelay time.Duration `env:"CONFIRMATION_DELAY" env-default:"3s"`
	SocialDelay       time.Duration `env:"SOCIAL_DELAY" env-default:"3s"`
	ExposeOTP         bool          `env:"EXPOSE_OTP" env-default:"false"`
}

type CampaignConfig struct {
	IntervalUnit time.Duration `env:"CAMPAIGN_INTERVAL_UNIT" env-default:"1m"`
	JitterMin    time.Duration `env:"CAMPAIGN_JITTER_MIN" env-default:"5s"`
	JitterMax    time.Duration `env:"CAMPAIGN_JITTER_MAX" env-default:"10s"`
}

// Load reads the configuration from the environment. The caller is
// expected to have loaded any .env file beforehand.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	var errs []error
	if cfg.Registration.OTPTTL <= 0 {
		errs = append(errs, errors.New("OTP_TTL must be > 0"))
	}
	if cfg.Registration.SendAttempts <= 0 {
		errs = append(errs, errors.New("OTP_SEND_ATTEMPTS must be > 0"))
	}
	if cfg.Registration.SocialDelay < 0 {
		errs = append(errs, errors.New("SOCIAL_DELAY must be >= 0"))
	}
	if cfg.Campaign.IntervalUnit <= 0 {
		errs = append(errs, errors.New("CAMPAIGN_INTERVAL_UNIT must be > 0"))
	}
	if cfg.Campaign.JitterMin < 0 {
		errs = append(errs, errors.New("CAMPAIGN_JITTER_MIN must be >= 0"))
	}
	if cfg.Campaign.JitterMax < cfg.Campaign.JitterMin {
		errs = append(errs, errors.New("CAMPAIGN_JITTER_MAX must be >= CAMPAIGN_JITTER_MIN"))
	}
	if cfg.OCR.MinKeywords <= 0 {
		errs = append(errs, errors.New("OCR_MIN_KEYWORDS must be > 0"))
	}
	if cfg.Database.MaxOpenConns <= 0 {
		errs = append(errs, errors.New("POSTGRES_MAX_OPEN_CONNS must be > 0"))
	}
	return errors.Join(errs...)
}
