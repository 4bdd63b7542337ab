package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is built once at startup and handed to each component explicitly.
type Config struct {
	HTTP struct {
		Addr            string        `yaml:"addr"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	} `yaml:"http"`
	Database struct {
		URL      string `yaml:"url"`
		MaxConns int32  `yaml:"max_conns"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
	Secrets struct {
		Unsubscribe  string `yaml:"unsubscribe"`
		InboundReply string `yaml:"inbound_reply"`
		EmailWebhook string `yaml:"email_webhook"`
		Cron         string `yaml:"cron"`
		JWT          string `yaml:"jwt"`
	} `yaml:"secrets"`
	Mail struct {
		APIURL  string        `yaml:"api_url"`
		APIKey  string        `yaml:"api_key"`
		From    string        `yaml:"from"`
		ReplyTo string        `yaml:"reply_to"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"mail"`
	App struct {
		PublicURL     string `yaml:"public_url"`
		CompanyName   string `yaml:"company_name"`
		PostalAddress string `yaml:"postal_address"`
	} `yaml:"app"`
	Cadence struct {
		BatchSize    int           `yaml:"batch_size"`
		MaxAttempts  int           `yaml:"max_attempts"`
		RetryBackoff time.Duration `yaml:"retry_backoff"`
	} `yaml:"cadence"`
	Replies struct {
		AutoTriageDefault bool `yaml:"auto_triage_default"`
	} `yaml:"replies"`
}

// Load reads an optional .env file, applies defaults, the YAML file at path
// (if present), and PROSPECTFLOW_* environment overrides, then validates.
func Load(path string) (*Config, error) {
	_ = godotenv.Load() // optional
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(b, &cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when neither file nor env set a value.
func Default() Config {
	var cfg Config
	cfg.HTTP.Addr = ":8080"
	cfg.HTTP.ReadTimeout = 15 * time.Second
	cfg.HTTP.WriteTimeout = 60 * time.Second
	cfg.HTTP.ShutdownTimeout = 20 * time.Second
	cfg.HTTP.MaxBodyBytes = 10 << 20
	cfg.Database.MaxConns = 16
	cfg.Logging.Level = "info"
	cfg.Mail.APIURL = "https://api.resend.com"
	cfg.Mail.Timeout = 15 * time.Second
	cfg.App.PublicURL = "http://localhost:8080"
	cfg.Cadence.BatchSize = 50
	cfg.Cadence.MaxAttempts = 5
	cfg.Cadence.RetryBackoff = time.Hour
	return cfg
}

func applyEnvOverrides(cfg *Config) error {
	str := map[string]*string{
		"PROSPECTFLOW_HTTP_ADDR":            &cfg.HTTP.Addr,
		"DATABASE_URL":                      &cfg.Database.URL,
		"PROSPECTFLOW_LOG_LEVEL":            &cfg.Logging.Level,
		"PROSPECTFLOW_UNSUBSCRIBE_SECRET":   &cfg.Secrets.Unsubscribe,
		"PROSPECTFLOW_INBOUND_REPLY_SECRET": &cfg.Secrets.InboundReply,
		"PROSPECTFLOW_EMAIL_WEBHOOK_SECRET": &cfg.Secrets.EmailWebhook,
		"PROSPECTFLOW_CRON_SECRET":          &cfg.Secrets.Cron,
		"PROSPECTFLOW_JWT_SECRET":           &cfg.Secrets.JWT,
		"PROSPECTFLOW_MAIL_API_URL":         &cfg.Mail.APIURL,
		"PROSPECTFLOW_MAIL_API_KEY":         &cfg.Mail.APIKey,
		"PROSPECTFLOW_MAIL_FROM":            &cfg.Mail.From,
		"PROSPECTFLOW_MAIL_REPLY_TO":        &cfg.Mail.ReplyTo,
		"PROSPECTFLOW_PUBLIC_URL":           &cfg.App.PublicURL,
		"PROSPECTFLOW_COMPANY_NAME":         &cfg.App.CompanyName,
		"PROSPECTFLOW_POSTAL_ADDRESS":       &cfg.App.PostalAddress,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	if v := os.Getenv("PROSPECTFLOW_CADENCE_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PROSPECTFLOW_CADENCE_BATCH_SIZE: %w", err)
		}
		cfg.Cadence.BatchSize = n
	}
	if v := os.Getenv("PROSPECTFLOW_AUTO_TRIAGE"); v != "" {
		cfg.Replies.AutoTriageDefault = v == "1" || strings.EqualFold(v, "true")
	}
	return nil
}

// Validate reports the first missing or out-of-range setting.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return errors.New("config: database.url (DATABASE_URL) is required")
	}
	required := []struct {
		name  string
		value string
	}{
		{"secrets.unsubscribe", c.Secrets.Unsubscribe},
		{"secrets.inbound_reply", c.Secrets.InboundReply},
		{"secrets.email_webhook", c.Secrets.EmailWebhook},
		{"secrets.cron", c.Secrets.Cron},
		{"secrets.jwt", c.Secrets.JWT},
		{"mail.from", c.Mail.From},
		{"app.public_url", c.App.PublicURL},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("config: %s is required", r.name)
		}
	}
	if len(c.Secrets.Unsubscribe) < 16 {
		return errors.New("config: secrets.unsubscribe must be at least 16 characters")
	}
	if c.Cadence.BatchSize <= 0 {
		return errors.New("config: cadence.batch_size must be > 0")
	}
	if c.Cadence.MaxAttempts <= 0 {
		return errors.New("config: cadence.max_attempts must be > 0")
	}
	if c.Mail.Timeout <= 0 {
		return errors.New("config: mail.timeout must be > 0")
	}
	return nil
}
