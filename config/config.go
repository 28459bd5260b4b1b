package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	ADB       ADBConfig       `mapstructure:"adb"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Logger    LoggerConfig    `mapstructure:"logger"`
	Heartbeat HeartbeatConfig `mapstructure:"heartbeat"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Behavior  BehaviorConfig  `mapstructure:"behavior"`
	Catalog   CatalogConfig   `mapstructure:"catalog"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type ADBConfig struct {
	Path string `mapstructure:"path"`
}

type DatabaseConfig struct {
	// Path of the SQLite file. Empty keeps the ledger and scripts in memory.
	Path string `mapstructure:"path"`
}

type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

type HeartbeatConfig struct {
	Interval  time.Duration `mapstructure:"interval"`
	MaxMissed int           `mapstructure:"max_missed"`
}

type EngineConfig struct {
	CommandTimeout       time.Duration `mapstructure:"command_timeout"`
	ScreenWidth          int           `mapstructure:"screen_width"`
	ScreenHeight         int           `mapstructure:"screen_height"`
	SelectorWait         time.Duration `mapstructure:"selector_wait"`
	SelectorPollInterval time.Duration `mapstructure:"selector_poll_interval"`
	MaxActionsPerMinute  int           `mapstructure:"max_actions_per_minute"`
}

type BehaviorConfig struct {
	DelayVariance  float64 `mapstructure:"delay_variance"`
	JitterRadiusPx int     `mapstructure:"jitter_radius_px"`
	SwipePoints    int     `mapstructure:"swipe_points"`
	Seed           int64   `mapstructure:"seed"`
}

type CatalogConfig struct {
	Path  string `mapstructure:"path"`
	Watch bool   `mapstructure:"watch"`
}

type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// Default returns the configuration used when no file or env overrides a key.
func Default() Config {
	return Config{
		Server:   ServerConfig{Addr: ":8080"},
		ADB:      ADBConfig{Path: "adb"},
		Database: DatabaseConfig{Path: "./data/mobilecontrol.db"},
		Logger: LoggerConfig{
			Level:      "info",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Heartbeat: HeartbeatConfig{Interval: 5 * time.Second, MaxMissed: 3},
		Engine: EngineConfig{
			CommandTimeout:       10 * time.Second,
			ScreenWidth:          1080,
			ScreenHeight:         2400,
			SelectorWait:         3 * time.Second,
			SelectorPollInterval: 500 * time.Millisecond,
		},
		Behavior: BehaviorConfig{
			DelayVariance:  0.4,
			JitterRadiusPx: 6,
			SwipePoints:    12,
		},
		Catalog:   CatalogConfig{Path: "./catalog.yaml", Watch: true},
		Scheduler: SchedulerConfig{TickInterval: time.Second},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("adb.path", d.ADB.Path)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("logger.level", d.Logger.Level)
	v.SetDefault("logger.console", d.Logger.Console)
	v.SetDefault("logger.file", d.Logger.File)
	v.SetDefault("logger.max_size_mb", d.Logger.MaxSizeMB)
	v.SetDefault("logger.max_backups", d.Logger.MaxBackups)
	v.SetDefault("logger.max_age_days", d.Logger.MaxAgeDays)
	v.SetDefault("logger.compress", d.Logger.Compress)
	v.SetDefault("heartbeat.interval", d.Heartbeat.Interval)
	v.SetDefault("heartbeat.max_missed", d.Heartbeat.MaxMissed)
	v.SetDefault("engine.command_timeout", d.Engine.CommandTimeout)
	v.SetDefault("engine.screen_width", d.Engine.ScreenWidth)
	v.SetDefault("engine.screen_height", d.Engine.ScreenHeight)
	v.SetDefault("engine.selector_wait", d.Engine.SelectorWait)
	v.SetDefault("engine.selector_poll_interval", d.Engine.SelectorPollInterval)
	v.SetDefault("engine.max_actions_per_minute", d.Engine.MaxActionsPerMinute)
	v.SetDefault("behavior.delay_variance", d.Behavior.DelayVariance)
	v.SetDefault("behavior.jitter_radius_px", d.Behavior.JitterRadiusPx)
	v.SetDefault("behavior.swipe_points", d.Behavior.SwipePoints)
	v.SetDefault("behavior.seed", d.Behavior.Seed)
	v.SetDefault("catalog.path", d.Catalog.Path)
	v.SetDefault("catalog.watch", d.Catalog.Watch)
	v.SetDefault("scheduler.tick_interval", d.Scheduler.TickInterval)
}

// Load reads the config file (if any), then MOBILECONTROL_* environment
// variables, on top of the defaults.
func Load(v *viper.Viper, cfgFile string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("MOBILECONTROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return Config{}, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Engine.ScreenWidth <= 0 || c.Engine.ScreenHeight <= 0 {
		return fmt.Errorf("engine.screen_width and engine.screen_height must be positive")
	}
	if c.Engine.CommandTimeout <= 0 {
		return fmt.Errorf("engine.command_timeout must be positive")
	}
	if c.Heartbeat.Interval <= 0 || c.Heartbeat.MaxMissed <= 0 {
		return fmt.Errorf("heartbeat.interval and heartbeat.max_missed must be positive")
	}
	if c.Behavior.DelayVariance < 0 || c.Behavior.DelayVariance >= 1 {
		return fmt.Errorf("behavior.delay_variance must be in [0,1)")
	}
	return nil
}
