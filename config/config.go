// ffcompress/config/config.go
package config

import (
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	FFBin               string        `mapstructure:"FF_BIN"`
	FFProbeBin          string        `mapstructure:"FFPROBE_BIN"`
	FFExtraArgs         string        `mapstructure:"FF_EXTRA_ARGS"`
	FFTimeout           time.Duration `mapstructure:"FF_TIMEOUT"`
	FFKillTimeout       time.Duration `mapstructure:"FF_KILL_TIMEOUT"`
	ProbeTimeout        time.Duration `mapstructure:"PROBE_TIMEOUT"`
	OutputLocalLifetime time.Duration `mapstructure:"OUTPUT_LOCAL_LIFETIME"`
	MaxInputSize        int64         `mapstructure:"MAX_INPUT_SIZE"`
	MaxConcurrency      int           `mapstructure:"MAX_CONCURRENCY"`
	ThrottleEnable      bool          `mapstructure:"THROTTLE_ENABLE"`
	ThrottleCPU         float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem     int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk    int64         `mapstructure:"THROTTLE_FREEDISK"`
	AuthEnable          bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey             string        `mapstructure:"AUTH_KEY"`
	Port                string        `mapstructure:"PORT"`
	BaseURL             string        `mapstructure:"BASE"`
	OutputDir           string        `mapstructure:"OUTPUT_DIR"`
	LogLevel            string        `mapstructure:"LOG_LEVEL"`
	LogFormat           string        `mapstructure:"LOG_FORMAT"`
}

// stringToDurationHookFunc parses Go duration strings such as "1h23m".
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

// stringToByteSizeHookFunc parses human-readable sizes such as "200MB".
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
			// Not a size string, let the default decoder try.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	// Defaults are strings where a hook parses them.
	vp.SetDefault("FF_BIN", "ffmpeg")
	vp.SetDefault("FFPROBE_BIN", "ffprobe")
	vp.SetDefault("FF_EXTRA_ARGS", "")
	vp.SetDefault("FF_TIMEOUT", "12m3s")
	vp.SetDefault("FF_KILL_TIMEOUT", "5s")
	vp.SetDefault("PROBE_TIMEOUT", "30s")
	vp.SetDefault("OUTPUT_LOCAL_LIFETIME", "1h23m")
	vp.SetDefault("MAX_INPUT_SIZE", "200MB")
	vp.SetDefault("MAX_CONCURRENCY", 1)
	vp.SetDefault("THROTTLE_ENABLE", false)
	vp.SetDefault("THROTTLE_CPU", 50.0)
	vp.SetDefault("THROTTLE_FREEMEM", "200MB")
	vp.SetDefault("THROTTLE_FREEDISK", "200MB")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("OUTPUT_DIR", "")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "auto")
}

// Load reads defaults, then a config file, then FFCOMPRESS_* environment
// variables. An empty path searches for ffcompress_config.yaml in the working
// directory and /etc/ffcompress/; an explicit path must exist.
func Load(path string) (*Config, error) {
	vp := viper.New()
	setDefaults(vp)

	if path != "" {
		vp.SetConfigFile(path)
	} else {
		vp.SetConfigName("ffcompress_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/ffcompress/")
	}

	if err := vp.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	vp.SetEnvPrefix("FFCOMPRESS")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	// The first hook that converts a value wins.
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.MaxConcurrency < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENCY must be at least 1"))
	}
	if c.FFKillTimeout <= 0 {
		errs = append(errs, errors.New("FF_KILL_TIMEOUT must be positive"))
	}
	if c.AuthEnable && c.AuthKey == "" {
		errs = append(errs, errors.New("AUTH_KEY is required when AUTH_ENABLE is set"))
	}
	if c.ThrottleCPU < 0 || c.ThrottleCPU > 100 {
		errs = append(errs, errors.New("THROTTLE_CPU must be between 0 and 100"))
	}
	return errors.Join(errs...)
}
