package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"tradebot/internal/domain/model"
)

type Config struct {
	App struct {
		LogLevel         string `toml:"log_level"`
		StalenessSeconds int    `toml:"staleness_seconds"` // last-price cache window
	} `toml:"app"`

	Exchange struct {
		Binance struct {
			Mock      bool   `toml:"mock"` // use the in-process simulated exchange
			WsURL     string `toml:"ws_url"`
			RestURL   string `toml:"rest_url"`
			APIKey    string `toml:"api_key"`
			APISecret string `toml:"api_secret"`
		} `toml:"binance"`
	} `toml:"exchange"`

	SQLite struct {
		Enabled bool   `toml:"enabled"`
		Path    string `toml:"path"`
	} `toml:"sqlite"`

	Postgres struct {
		Enabled bool   `toml:"enabled"`
		DSN     string `toml:"dsn"`
	} `toml:"postgres"`

	Redis struct {
		Enabled    bool   `toml:"enabled"`
		Addr       string `toml:"addr"`
		Password   string `toml:"password"`
		DB         int    `toml:"db"`
		Prefix     string `toml:"prefix"`
		TTLSeconds int    `toml:"ttl_seconds"`
		StreamLen  int64  `toml:"stream_len"`
	} `toml:"redis"`

	// Streams opened at startup.
	Streams []StreamConfig `toml:"streams"`

	// Strategies started at startup.
	Strategies []model.StrategyConfig `toml:"strategies"`
}

type StreamConfig struct {
	Symbol   string `toml:"symbol"`
	Kind     string `toml:"kind"`
	Interval string `toml:"interval"`
}

func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.App.LogLevel) == "" {
		cfg.App.LogLevel = "info"
	}
	if cfg.App.StalenessSeconds <= 0 {
		cfg.App.StalenessSeconds = 30
	}
	if cfg.SQLite.Enabled && strings.TrimSpace(cfg.SQLite.Path) == "" {
		cfg.SQLite.Path = "data/tradebot.db"
	}
	if cfg.Redis.Enabled {
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			cfg.Redis.Addr = "127.0.0.1:6379"
		}
		if strings.TrimSpace(cfg.Redis.Prefix) == "" {
			cfg.Redis.Prefix = "tradebot"
		}
		if cfg.Redis.TTLSeconds <= 0 {
			cfg.Redis.TTLSeconds = 300
		}
		if cfg.Redis.StreamLen <= 0 {
			cfg.Redis.StreamLen = 10000
		}
	}
}

func validate(cfg *Config) error {
	if !cfg.Exchange.Binance.Mock {
		// 实盘模式: 下单需要 API 凭证
		if strings.TrimSpace(cfg.Exchange.Binance.APIKey) == "" || strings.TrimSpace(cfg.Exchange.Binance.APISecret) == "" {
			return errors.New("exchange.binance.api_key/api_secret empty but mock disabled")
		}
	}
	if cfg.Postgres.Enabled && strings.TrimSpace(cfg.Postgres.DSN) == "" {
		return errors.New("postgres.dsn empty but enabled")
	}

	for i := range cfg.Streams {
		s := &cfg.Streams[i]
		s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
		if s.Symbol == "" {
			return fmt.Errorf("streams[%d]: symbol is empty", i)
		}
		if !model.StreamKind(s.Kind).Valid() {
			return fmt.Errorf("streams[%d]: unknown kind %q", i, s.Kind)
		}
		if model.StreamKind(s.Kind) == model.StreamKline {
			if _, err := model.ParseInterval(s.Interval); err != nil {
				return fmt.Errorf("streams[%d]: %w", i, err)
			}
		}
	}

	for i := range cfg.Strategies {
		if err := cfg.Strategies[i].Validate(); err != nil {
			return fmt.Errorf("strategies[%d]: %w", i, err)
		}
	}
	return nil
}

// Staleness returns the last-price cache window as a duration.
func (c *Config) Staleness() time.Duration {
	return time.Duration(c.App.StalenessSeconds) * time.Second
}
