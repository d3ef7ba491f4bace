package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration of the controller. Every key has
// a default so the binary runs without a config file (useful on first boot
// and in the simulator).
type Config struct {
	Port     string
	LogLevel string
	DBPath   string

	// Simulate replaces the GPIO/SPI hardware layer with the built-in
	// first-order plant model.
	Simulate bool

	// Control loop timing.
	TickPeriod      time.Duration
	PublishInterval time.Duration

	// Hardware pin numbers (BCM numbering).
	SSRPin  int
	DoorPin int

	// Auth.
	JWTSigningKey string

	// Autotune defaults, overridable per request.
	AutotuneStep        float64
	AutotuneNoiseBandC  float64
	AutotuneStartValue  float64
	AutotuneLookBack    time.Duration
	AutotuneMaxDuration time.Duration
}

const (
	defaultPort            = "8080"
	defaultDBPath          = "kiln.db"
	defaultTickPeriod      = 100 * time.Millisecond
	defaultPublishInterval = 2 * time.Second
	defaultSSRPin          = 15
	defaultDoorPin         = 16
	maxTickPeriod          = 500 * time.Millisecond
)

func setDefaults() {
	viper.SetDefault("port", defaultPort)
	viper.SetDefault("log.level", "info")
	viper.SetDefault("db.path", defaultDBPath)
	viper.SetDefault("simulate", false)
	viper.SetDefault("control.tick_ms", int(defaultTickPeriod.Milliseconds()))
	viper.SetDefault("control.publish_ms", int(defaultPublishInterval.Milliseconds()))
	viper.SetDefault("pins.ssr", defaultSSRPin)
	viper.SetDefault("pins.door", defaultDoorPin)
	viper.SetDefault("auth.signing_key", "")
	viper.SetDefault("autotune.step", 50.0)
	viper.SetDefault("autotune.noise_band_c", 1.0)
	viper.SetDefault("autotune.start_value", 100.0)
	viper.SetDefault("autotune.lookback_s", 20)
	viper.SetDefault("autotune.max_duration_min", 30)
}

// Load reads configs/config.yml (if present) plus KILN_* environment
// variables and returns the resolved configuration.
func Load() (Config, error) {
	setDefaults()

	viper.AddConfigPath("configs")
	viper.SetConfigName("config")
	viper.SetEnvPrefix("kiln")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine; defaults apply.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := Config{
		Port:                viper.GetString("port"),
		LogLevel:            viper.GetString("log.level"),
		DBPath:              viper.GetString("db.path"),
		Simulate:            viper.GetBool("simulate"),
		TickPeriod:          time.Duration(viper.GetInt("control.tick_ms")) * time.Millisecond,
		PublishInterval:     time.Duration(viper.GetInt("control.publish_ms")) * time.Millisecond,
		SSRPin:              viper.GetInt("pins.ssr"),
		DoorPin:             viper.GetInt("pins.door"),
		JWTSigningKey:       viper.GetString("auth.signing_key"),
		AutotuneStep:        viper.GetFloat64("autotune.step"),
		AutotuneNoiseBandC:  viper.GetFloat64("autotune.noise_band_c"),
		AutotuneStartValue:  viper.GetFloat64("autotune.start_value"),
		AutotuneLookBack:    time.Duration(viper.GetInt("autotune.lookback_s")) * time.Second,
		AutotuneMaxDuration: time.Duration(viper.GetInt("autotune.max_duration_min")) * time.Minute,
	}

	if cfg.TickPeriod <= 0 || cfg.TickPeriod > maxTickPeriod {
		return Config{}, fmt.Errorf("control.tick_ms %v outside (0, %v]: control stability requires a fast tick", cfg.TickPeriod, maxTickPeriod)
	}
	if cfg.JWTSigningKey == "" {
		return Config{}, fmt.Errorf("auth.signing_key is required (set KILN_AUTH_SIGNING_KEY or configs/config.yml)")
	}
	return cfg, nil
}
