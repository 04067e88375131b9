// Package config loads pixbatch settings from defaults, an optional config
// file and PIXBATCH_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/bnema/pixbatch/internal/domain"
	"github.com/bnema/pixbatch/internal/infrastructure/logger"
	"github.com/bnema/pixbatch/internal/scheduler"
)

const EnvPrefix = "PIXBATCH"

// EnvConfigFile names the variable that points at a config file.
const EnvConfigFile = "PIXBATCH_CONFIG"

type Config struct {
	Server     ServerConfig     `mapstructure:"server" validate:"required"`
	Storage    StorageConfig    `mapstructure:"storage" validate:"required"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler" validate:"required"`
	Batch      BatchConfig      `mapstructure:"batch" validate:"required"`
	Conversion ConversionConfig `mapstructure:"conversion" validate:"required"`
	Log        LogConfig        `mapstructure:"log" validate:"required"`
}

type ServerConfig struct {
	Port            int  `mapstructure:"port" validate:"gt=0,lt=65536"`
	MaxUploadSizeMB int  `mapstructure:"max_upload_size_mb" validate:"gt=0"`
	BehindProxy     bool `mapstructure:"behind_proxy"`
	// RetentionHours is how long finished batches stay queryable.
	RetentionHours int `mapstructure:"retention_hours" validate:"gte=0"`
}

type StorageConfig struct {
	Driver  string `mapstructure:"driver" validate:"oneof=sqlite jsonfile"`
	DataDir string `mapstructure:"data_dir" validate:"required"`
}

type SchedulerConfig struct {
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=1"`
	MaxRetries     int           `mapstructure:"max_retries" validate:"gte=0"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay" validate:"gte=0"`
	TaskTimeout    time.Duration `mapstructure:"task_timeout" validate:"gt=0"`
}

type BatchConfig struct {
	Mode      string `mapstructure:"mode" validate:"oneof=item chunk"`
	ChunkSize int    `mapstructure:"chunk_size" validate:"gte=1"`
	// RemoteURL is the base URL of a batch codec. Chunk mode requires it.
	RemoteURL string `mapstructure:"remote_url" validate:"omitempty,url"`
}

type ConversionConfig struct {
	Quality    int    `mapstructure:"quality" validate:"gte=1,lte=100"`
	MaxWidth   int    `mapstructure:"max_width" validate:"gte=0"`
	MaxHeight  int    `mapstructure:"max_height" validate:"gte=0"`
	KeepAspect bool   `mapstructure:"keep_aspect"`
	Format     string `mapstructure:"format" validate:"oneof=webp avif png jpeg jpg"`
}

type LogConfig struct {
	Level      string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"oneof=console json"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

func setDefaults(v *viper.Viper) {
	sched := scheduler.DefaultConfig()
	conv := domain.DefaultConversionOptions()

	v.SetDefault("server.port", 7890)
	v.SetDefault("server.max_upload_size_mb", 500)
	v.SetDefault("server.behind_proxy", false)
	v.SetDefault("server.retention_hours", 24)

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.data_dir", "/data")

	v.SetDefault("scheduler.concurrency", sched.Concurrency)
	v.SetDefault("scheduler.max_retries", sched.MaxRetries)
	v.SetDefault("scheduler.retry_base_delay", sched.RetryBaseDelay)
	v.SetDefault("scheduler.task_timeout", sched.TaskTimeout)

	v.SetDefault("batch.mode", "item")
	v.SetDefault("batch.chunk_size", 10)
	v.SetDefault("batch.remote_url", "")

	v.SetDefault("conversion.quality", conv.Quality)
	v.SetDefault("conversion.max_width", conv.MaxWidth)
	v.SetDefault("conversion.max_height", conv.MaxHeight)
	v.SetDefault("conversion.keep_aspect", conv.MaintainAspectRatio)
	v.SetDefault("conversion.format", string(conv.Format))

	logDefaults := logger.DefaultConfig()
	v.SetDefault("log.level", logDefaults.Level)
	v.SetDefault("log.format", logDefaults.Format)
	v.SetDefault("log.file", logDefaults.FilePath)
	v.SetDefault("log.max_size_mb", logDefaults.MaxSize)
	v.SetDefault("log.max_backups", logDefaults.MaxBackups)
	v.SetDefault("log.max_age_days", logDefaults.MaxAge)
}

// Load reads the configuration. The file named by PIXBATCH_CONFIG is used
// when set.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile reads the configuration with path as the config file. An empty
// path falls back to PIXBATCH_CONFIG, and then to defaults and environment
// only.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Batch.Mode == "chunk" && c.Batch.RemoteURL == "" {
		return errors.New("invalid config: batch.remote_url is required in chunk mode")
	}
	return nil
}

func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		Concurrency:    c.Scheduler.Concurrency,
		MaxRetries:     c.Scheduler.MaxRetries,
		RetryBaseDelay: c.Scheduler.RetryBaseDelay,
		TaskTimeout:    c.Scheduler.TaskTimeout,
	}
}

// ConversionOptions returns the configured defaults. Format was validated by
// Load, so a parse error cannot occur here.
func (c *Config) ConversionOptions() domain.ConversionOptions {
	format, _ := domain.ParseFormat(c.Conversion.Format)
	return domain.ConversionOptions{
		Quality:             c.Conversion.Quality,
		MaxWidth:            c.Conversion.MaxWidth,
		MaxHeight:           c.Conversion.MaxHeight,
		MaintainAspectRatio: c.Conversion.KeepAspect,
		Format:              format,
	}
}

// LoggerConfig writes to stdout, and also to the rotated log file when one is
// configured.
func (c *Config) LoggerConfig() logger.Config {
	output := "stdout"
	if c.Log.File != "" {
		output = "both"
	}
	return logger.Config{
		Level:      c.Log.Level,
		Format:     c.Log.Format,
		Output:     output,
		FilePath:   c.Log.File,
		MaxSize:    c.Log.MaxSizeMB,
		MaxBackups: c.Log.MaxBackups,
		MaxAge:     c.Log.MaxAgeDays,
	}
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.Server.RetentionHours) * time.Hour
}

func (c *Config) MaxUploadBytes() int64 {
	return int64(c.Server.MaxUploadSizeMB) << 20
}
