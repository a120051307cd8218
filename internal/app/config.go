package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"

	"github.com/charlesng35/inboxd/internal/backends"
	"github.com/charlesng35/inboxd/internal/catalog"
	"github.com/charlesng35/inboxd/internal/database"
	"github.com/charlesng35/inboxd/pkg/mail"
)

// Config represents the runtime configuration for the inboxd backend.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Email      EmailConfig      `mapstructure:"email"`
	Push       PushConfig       `mapstructure:"push"`
	SMS        SMSConfig        `mapstructure:"sms"`
	Inbox      InboxConfig      `mapstructure:"inbox"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log_level"`
}

// DatabaseConfig describes connection options for the supported databases.
type DatabaseConfig struct {
	Driver   string       `mapstructure:"driver"`
	Path     string       `mapstructure:"path"`
	DSN      string       `mapstructure:"dsn"`
	Postgres DBAuthConfig `mapstructure:"postgres"`
	MySQL    DBAuthConfig `mapstructure:"mysql"`
}

// DBAuthConfig represents host based database parameters.
type DBAuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Connection maps the configured driver onto database connection options.
func (c DatabaseConfig) Connection() database.Config {
	cfg := database.Config{
		Driver: c.Driver,
		Path:   c.Path,
		DSN:    c.DSN,
	}

	switch strings.ToLower(c.Driver) {
	case "postgres", "postgresql":
		cfg.Host = c.Postgres.Host
		cfg.Port = c.Postgres.Port
		cfg.Name = c.Postgres.Database
		cfg.User = c.Postgres.Username
		cfg.Password = c.Postgres.Password
	case "mysql", "mariadb":
		cfg.Host = c.MySQL.Host
		cfg.Port = c.MySQL.Port
		cfg.Name = c.MySQL.Database
		cfg.User = c.MySQL.Username
		cfg.Password = c.MySQL.Password
	}

	return cfg
}

// MonitoringConfig enables health checks and metrics.
type MonitoringConfig struct {
	Prometheus PrometheusConfig `mapstructure:"prometheus"`
	Health     HealthConfig     `mapstructure:"health_check"`
}

// PrometheusConfig toggles metrics endpoints.
type PrometheusConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// HealthConfig toggles health endpoints.
type HealthConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// EmailConfig captures outbound email settings.
type EmailConfig struct {
	SMTP SMTPConfig `mapstructure:"smtp"`
}

// SMTPConfig defines SMTP dialer settings for sending email.
type SMTPConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Host     string        `mapstructure:"host"`
	Port     int           `mapstructure:"port"`
	Username string        `mapstructure:"username"`
	Password string        `mapstructure:"password"`
	From     string        `mapstructure:"from"`
	UseTLS   bool          `mapstructure:"use_tls"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// PushConfig captures mobile push delivery settings.
type PushConfig struct {
	FCM FCMSettings `mapstructure:"fcm"`
}

// FCMSettings configures the Firebase Cloud Messaging backend.
type FCMSettings struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsFile string `mapstructure:"credentials_file"`
	DryRun          bool   `mapstructure:"dry_run"`
}

// SMSConfig configures the outbound SMS gateway.
type SMSConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	URL     string        `mapstructure:"url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// InboxConfig holds the notification engine settings.
type InboxConfig struct {
	Groups            []catalog.GroupConfig `mapstructure:"groups"`
	TemplateDir       string                `mapstructure:"template_dir"`
	FanOutBatchSize   int                   `mapstructure:"fan_out_batch_size"`
	DispatchBatchSize int                   `mapstructure:"dispatch_batch_size"`
	FailSilently      bool                  `mapstructure:"fail_silently"`
	DisableUnreadPush bool                  `mapstructure:"disable_unread_count_push"`
	Verification      VerificationConfig    `mapstructure:"verification"`
	Retention         RetentionConfig       `mapstructure:"retention"`
	Schedules         ScheduleConfig        `mapstructure:"schedules"`
}

// VerificationConfig gates email and sms delivery behind verified identities.
type VerificationConfig struct {
	RequireEmailVerified bool `mapstructure:"require_email_verified"`
	RequirePhoneVerified bool `mapstructure:"require_phone_verified"`
}

// RetentionConfig bounds how long and how many messages each recipient keeps.
// Zero values disable the corresponding rule.
type RetentionConfig struct {
	MaxAge   time.Duration `mapstructure:"max_age"`
	MinAge   time.Duration `mapstructure:"min_age"`
	MinCount int           `mapstructure:"min_count"`
	MaxCount int           `mapstructure:"max_count"`
}

// ScheduleConfig holds cron expressions for the background jobs.
type ScheduleConfig struct {
	ProcessMessages   string `mapstructure:"process_messages"`
	ProcessDeliveries string `mapstructure:"process_deliveries"`
	Maintenance       string `mapstructure:"maintenance"`
}

// SMTPSettings maps the email section onto the mailer configuration.
func (c EmailConfig) SMTPSettings() mail.SMTPSettings {
	return mail.SMTPSettings{
		Enabled:  c.SMTP.Enabled,
		Host:     c.SMTP.Host,
		Port:     c.SMTP.Port,
		Username: c.SMTP.Username,
		Password: c.SMTP.Password,
		From:     c.SMTP.From,
		UseTLS:   c.SMTP.UseTLS,
		Timeout:  c.SMTP.Timeout,
	}
}

// FCMConfig maps the push section onto the Firebase backend configuration.
func (c PushConfig) FCMConfig() backends.FCMConfig {
	return backends.FCMConfig{
		CredentialsFile: c.FCM.CredentialsFile,
		DryRun:          c.FCM.DryRun,
	}
}

// BuildCatalog validates the configured groups into a catalog snapshot.
func (c InboxConfig) BuildCatalog() (*catalog.Catalog, error) {
	return catalog.New(c.Groups)
}

// LoadConfig initialises application configuration using Viper with sensible defaults.
func LoadConfig(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.AddConfigPath("./config")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	setDefaults(v)

	v.SetEnvPrefix("INBOXD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var cfgErr viper.ConfigFileNotFoundError
		if !errors.As(err, &cfgErr) {
			return nil, fmt.Errorf("config: read file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config, decodeHook()); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/inboxd.sqlite")

	v.SetDefault("monitoring.prometheus.enabled", true)
	v.SetDefault("monitoring.prometheus.endpoint", "/metrics")
	v.SetDefault("monitoring.health_check.enabled", true)

	v.SetDefault("email.smtp.enabled", false)
	v.SetDefault("email.smtp.host", "")
	v.SetDefault("email.smtp.port", 587)
	v.SetDefault("email.smtp.use_tls", true)
	v.SetDefault("email.smtp.timeout", "10s")

	v.SetDefault("push.fcm.enabled", false)
	v.SetDefault("push.fcm.dry_run", false)

	v.SetDefault("sms.enabled", false)
	v.SetDefault("sms.timeout", "10s")

	v.SetDefault("inbox.template_dir", "./templates/inbox")
	v.SetDefault("inbox.fan_out_batch_size", 25)
	v.SetDefault("inbox.dispatch_batch_size", 25)
	v.SetDefault("inbox.fail_silently", false)
	v.SetDefault("inbox.disable_unread_count_push", false)
	v.SetDefault("inbox.verification.require_email_verified", false)
	v.SetDefault("inbox.verification.require_phone_verified", false)
	v.SetDefault("inbox.retention.max_age", "2160h") // 90 days
	v.SetDefault("inbox.retention.min_age", "24h")
	v.SetDefault("inbox.retention.min_count", 25)
	v.SetDefault("inbox.retention.max_count", 500)
	v.SetDefault("inbox.schedules.process_messages", "@every 1m")
	v.SetDefault("inbox.schedules.process_deliveries", "@every 1m")
	v.SetDefault("inbox.schedules.maintenance", "@daily")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}
