// ffbot/config/config.go
package config

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin            string        `mapstructure:"FF_BIN"`
	WorkDir          string        `mapstructure:"WORK_DIR"`
	ProgressInterval time.Duration `mapstructure:"PROGRESS_INTERVAL"`
	CancelGrace      time.Duration `mapstructure:"CANCEL_GRACE"`
	OutputTailLines  int           `mapstructure:"OUTPUT_TAIL_LINES"`
	ResultLifetime   time.Duration `mapstructure:"RESULT_LIFETIME"`
	SweepSchedule    string        `mapstructure:"SWEEP_SCHEDULE"`
	MaxConcurrency   int           `mapstructure:"MAX_CONCURRENCY"`
	MaxInputSize     int64         `mapstructure:"MAX_INPUT_SIZE"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	Port             string        `mapstructure:"PORT"`
	BaseURL          string        `mapstructure:"BASE"`
	BotToken         string        `mapstructure:"BOT_TOKEN"`
	Log              LogConfig     `mapstructure:",squash"`
}

// LogConfig controls the zap logger built by package logger.
type LogConfig struct {
	Level      string `mapstructure:"LOG_LEVEL"`
	Format     string `mapstructure:"LOG_FORMAT"` // json or text
	Output     string `mapstructure:"LOG_OUTPUT"` // stdout or file
	File       string `mapstructure:"LOG_FILE"`
	MaxSize    int    `mapstructure:"LOG_MAX_SIZE"` // megabytes
	MaxBackups int    `mapstructure:"LOG_MAX_BACKUPS"`
	MaxAge     int    `mapstructure:"LOG_MAX_AGE"` // days
	Compress   bool   `mapstructure:"LOG_COMPRESS"`
}

// stringToDurationHookFunc parses Go duration strings into time.Duration fields.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes ("200MB") into int64 fields.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a size string, let the default conversion have a go.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func Load() (*Config, error) {
	vp := viper.New()

	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("WORK_DIR", filepath.Join(os.TempDir(), "ffbot"))
	vp.SetDefault("PROGRESS_INTERVAL", "3s")
	vp.SetDefault("CANCEL_GRACE", "5s")
	vp.SetDefault("OUTPUT_TAIL_LINES", 20)
	vp.SetDefault("RESULT_LIFETIME", "1h23m")
	vp.SetDefault("SWEEP_SCHEDULE", "@every 10m")
	vp.SetDefault("MAX_CONCURRENCY", 0)
	vp.SetDefault("MAX_INPUT_SIZE", "2GB")
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", 0)
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("BOT_TOKEN", "")

	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "text")
	vp.SetDefault("LOG_OUTPUT", "stdout")
	vp.SetDefault("LOG_FILE", "logs/ffbot.log")
	vp.SetDefault("LOG_MAX_SIZE", 100)
	vp.SetDefault("LOG_MAX_BACKUPS", 3)
	vp.SetDefault("LOG_MAX_AGE", 28)
	vp.SetDefault("LOG_COMPRESS", true)

	vp.SetConfigName("ffbot_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/ffbot/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FFBOT")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that accepts the source/target pair wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}
