// Package config содержит логику чтения конфигурации сервиса квестборд.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config содержит параметры конфигурации сервиса квестборд.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURI       string `env:"DATABASE_URI"`
	CatalogAddress    string `env:"CATALOG_ADDRESS"`
	ReferenceTimezone string `env:"REFERENCE_TIMEZONE"`
	AuthSecret        string `env:"AUTH_SECRET"`
	LeaderboardLimit  int    `env:"LEADERBOARD_LIMIT"`
	LeaderboardMax    int    `env:"LEADERBOARD_MAX_LIMIT"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Значения из окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envCatalogAddress := cfg.CatalogAddress
	envReferenceTimezone := cfg.ReferenceTimezone
	envAuthSecret := cfg.AuthSecret
	envLeaderboardLimit := cfg.LeaderboardLimit
	envLeaderboardMax := cfg.LeaderboardMax

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI")
	flag.StringVar(&cfg.CatalogAddress, "c", "", "quest catalog service address")
	flag.StringVar(&cfg.ReferenceTimezone, "tz", "UTC", "reference timezone for quest day boundaries")
	flag.StringVar(&cfg.AuthSecret, "s", "questboard-secret", "secret key for auth token verification")
	flag.IntVar(&cfg.LeaderboardLimit, "l", 10, "default leaderboard size")
	flag.IntVar(&cfg.LeaderboardMax, "lmax", 100, "maximum leaderboard size per request")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envCatalogAddress != "" {
		cfg.CatalogAddress = envCatalogAddress
	}
	if envReferenceTimezone != "" {
		cfg.ReferenceTimezone = envReferenceTimezone
	}
	if envAuthSecret != "" {
		cfg.AuthSecret = envAuthSecret
	}
	if envLeaderboardLimit != 0 {
		cfg.LeaderboardLimit = envLeaderboardLimit
	}
	if envLeaderboardMax != 0 {
		cfg.LeaderboardMax = envLeaderboardMax
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.ReferenceTimezone == "" {
		cfg.ReferenceTimezone = "UTC"
	}
	if cfg.LeaderboardLimit <= 0 {
		cfg.LeaderboardLimit = 10
	}
	if cfg.LeaderboardMax <= 0 {
		cfg.LeaderboardMax = 100
	}
	if cfg.LeaderboardLimit > cfg.LeaderboardMax {
		cfg.LeaderboardLimit = cfg.LeaderboardMax
	}

	return cfg, nil
}

// Location загружает опорный часовой пояс из конфигурации.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReferenceTimezone)
	if err != nil {
		return nil, fmt.Errorf("load reference timezone %q: %w", c.ReferenceTimezone, err)
	}
	return loc, nil
}
