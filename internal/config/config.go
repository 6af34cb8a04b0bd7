package config

import (
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type FocusConfig struct {
	ShortMinutes  int `mapstructure:"short_minutes"`
	MediumMinutes int `mapstructure:"medium_minutes"`
	LongMinutes   int `mapstructure:"long_minutes"`
}

type Config struct {
	DatabasePath         string      `mapstructure:"database_path"`
	ProbeIntervalSeconds int         `mapstructure:"probe_interval_seconds"`
	AutoResponseMessage  string      `mapstructure:"auto_response_message"`
	Focus                FocusConfig `mapstructure:"focus"`
}

func LoadConfig(configPath string) (*Config, error) {
	if configPath != "" {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("$HOME/.config/exman")
		viper.AddConfigPath("/etc/exman/")
	}

	viper.SetEnvPrefix("EXMAN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("database_path", "exman.db")
	viper.SetDefault("probe_interval_seconds", 1)
	viper.SetDefault("auto_response_message",
		"I am currently in a focus session and will get back to you afterwards.")
	viper.SetDefault("focus.short_minutes", 25)
	viper.SetDefault("focus.medium_minutes", 60)
	viper.SetDefault("focus.long_minutes", 120)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("Config file not found, using defaults.")
		} else {
			return nil, err
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.ProbeIntervalSeconds < 1 {
		log.Println("Warning: probe_interval_seconds too low, setting to 1")
		cfg.ProbeIntervalSeconds = 1
	}
	if cfg.Focus.ShortMinutes < 1 || cfg.Focus.MediumMinutes < 1 || cfg.Focus.LongMinutes < 1 {
		log.Println("Warning: focus durations must be positive, restoring defaults")
		cfg.Focus = FocusConfig{ShortMinutes: 25, MediumMinutes: 60, LongMinutes: 120}
	}

	log.Printf("Configuration loaded: %+v", cfg)
	return &cfg, nil
}

func (c *Config) ProbeInterval() time.Duration {
	return time.Duration(c.ProbeIntervalSeconds) * time.Second
}
