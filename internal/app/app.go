package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tramiteline/internal/config"
	"tramiteline/internal/db"
	"tramiteline/internal/engine"
	"tramiteline/internal/mail"
	"tramiteline/internal/metrics"
	"tramiteline/internal/migrate"
	"tramiteline/internal/notify"
)

// EnvPrefix is the viper prefix for environment overrides.
const EnvPrefix = "TRAMITELINE"

// overrides maps viper keys onto config fields. Keys are read only when set.
var overrides = []struct {
	key   string
	apply func(v *viper.Viper, c *config.Config)
}{
	{"code_expiration_minutes", func(v *viper.Viper, c *config.Config) {
		c.Verification.CodeExpirationMinutes = v.GetInt("code_expiration_minutes")
	}},
	{"max_attempts", func(v *viper.Viper, c *config.Config) { c.Verification.MaxAttempts = v.GetInt("max_attempts") }},
	{"lockout_minutes", func(v *viper.Viper, c *config.Config) { c.Verification.LockoutMinutes = v.GetInt("lockout_minutes") }},
	{"mail_driver", func(v *viper.Viper, c *config.Config) { c.Mail.Driver = v.GetString("mail_driver") }},
	{"smtp_host", func(v *viper.Viper, c *config.Config) { c.Mail.SMTP.Host = v.GetString("smtp_host") }},
	{"smtp_password", func(v *viper.Viper, c *config.Config) { c.Mail.SMTP.Password = v.GetString("smtp_password") }},
	{"notification_sinks", func(v *viper.Viper, c *config.Config) {
		c.Notifications.Sinks = v.GetStringSlice("notification_sinks")
	}},
	{"redis_url", func(v *viper.Viper, c *config.Config) { c.Notifications.Redis.URL = v.GetString("redis_url") }},
	{"kafka_brokers", func(v *viper.Viper, c *config.Config) {
		c.Notifications.Kafka.Brokers = v.GetStringSlice("kafka_brokers")
	}},
	{"addr", func(v *viper.Viper, c *config.Config) { c.Server.Addr = v.GetString("addr") }},
	{"log_level", func(v *viper.Viper, c *config.Config) { c.Log.Level = v.GetString("log_level") }},
	{"log_format", func(v *viper.Viper, c *config.Config) { c.Log.Format = v.GetString("log_format") }},
}

// NewViper returns a viper instance reading TRAMITELINE_* environment variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	return v
}

// LoadConfig reads tramiteline.yml from the workspace (defaults when absent) and applies the
// overrides set in v. The result is validated.
func LoadConfig(workspace string, v *viper.Viper) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if v != nil {
		for _, o := range overrides {
			if v.IsSet(o.key) {
				o.apply(v, cfg)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// NewLogger builds the process logger from the log section.
func NewLogger(cfg config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Level != "" {
		lvl, err := zap.ParseAtomicLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("config.log.level: %w", err)
		}
		zc.Level = lvl
	}
	return zc.Build()
}

// Options configure Open.
type Options struct {
	Workspace string
	Viper     *viper.Viper
	// Logger overrides the one built from config.
	Logger *zap.Logger
}

// App is an opened workspace: database, config and the engine wired to its sinks.
type App struct {
	DB      *sql.DB
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Engine  engine.Engine

	closers []func() error
}

// Open opens the workspace database, applies migrations and assembles the engine.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.Viper)
	if err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		if logger, err = NewLogger(cfg.Log); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	a := &App{DB: conn, Config: cfg, Logger: logger, Metrics: metrics.New()}
	a.closers = append(a.closers, conn.Close)
	if _, err := migrate.MigrateContext(ctx, conn); err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	e := engine.New(conn, cfg)
	sink, closeSinks, err := notify.FromConfig(ctx, cfg.Notifications, e.Repo, logger.With(zap.String("component", "notify")))
	if err != nil {
		_ = a.Close()
		return nil, fmt.Errorf("notifications: %w", err)
	}
	a.closers = append(a.closers, closeSinks)
	e.Notifier = sink
	e.Mailer = mail.New(cfg.Mail, logger.With(zap.String("component", "mail")))
	e.Metrics = a.Metrics
	e.Logger = logger.With(zap.String("component", "engine"))
	a.Engine = e
	return a, nil
}

// Close releases sinks and the database in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
