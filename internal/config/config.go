// Package config loads service settings from the environment plus an
// optional yaml tuning file for the navigation engine constants.
package config

import (
    "fmt"
    "os"
    "strconv"
    "time"

    "gopkg.in/yaml.v3"

    "delivnav/internal/feed"
    "delivnav/internal/guidance"
    "delivnav/internal/route"
    "delivnav/internal/session"
)

// Config is the full service configuration.
type Config struct {
    Addr         string
    DatabaseURL  string
    RedisURL     string
    ORSBaseURL   string
    ORSAPIKey    string
    PollInterval time.Duration
    Tuning       session.Config
}

// Tuning mirrors the yaml tuning file. Every field is optional; zero values
// fall back to the engine defaults.
type Tuning struct {
    Route struct {
        QuietPeriodMs     int     `yaml:"quietPeriodMs"`
        AdvanceThresholdM float64 `yaml:"advanceThresholdM"`
        RequestTimeoutS   int     `yaml:"requestTimeoutS"`
    } `yaml:"route"`
    Feed struct {
        MinDistanceM float64 `yaml:"minDistanceM"`
        MaxIntervalS int     `yaml:"maxIntervalS"`
        PushPerSec   float64 `yaml:"pushPerSec"`
        PushBurst    int     `yaml:"pushBurst"`
    } `yaml:"feed"`
    Guidance struct {
        Pitch           float64 `yaml:"pitch"`
        Zoom            float64 `yaml:"zoom"`
        OverviewPadding float64 `yaml:"overviewPadding"`
    } `yaml:"guidance"`
}

// FromEnv builds the configuration from environment variables. When
// NAV_TUNING names a yaml file it overrides the engine defaults.
func FromEnv() (Config, error) {
    cfg := Config{
        Addr:         ":8080",
        DatabaseURL:  os.Getenv("DATABASE_URL"),
        RedisURL:     os.Getenv("REDIS_URL"),
        ORSBaseURL:   os.Getenv("ORS_BASE_URL"),
        ORSAPIKey:    os.Getenv("ORS_API_KEY"),
        PollInterval: 5 * time.Second,
    }
    if v := os.Getenv("PORT"); v != "" {
        cfg.Addr = ":" + v
    }
    if v := os.Getenv("POLL_INTERVAL_S"); v != "" {
        n, err := strconv.Atoi(v)
        if err != nil || n <= 0 {
            return cfg, fmt.Errorf("invalid POLL_INTERVAL_S %q", v)
        }
        cfg.PollInterval = time.Duration(n) * time.Second
    }
    if path := os.Getenv("NAV_TUNING"); path != "" {
        t, err := loadTuning(path)
        if err != nil {
            return cfg, err
        }
        cfg.Tuning = t.apply()
    }
    return cfg, nil
}

func loadTuning(path string) (Tuning, error) {
    var t Tuning
    b, err := os.ReadFile(path)
    if err != nil {
        return t, fmt.Errorf("read tuning file: %w", err)
    }
    if err := yaml.Unmarshal(b, &t); err != nil {
        return t, fmt.Errorf("parse tuning file %s: %w", path, err)
    }
    return t, nil
}

func (t Tuning) apply() session.Config {
    var c session.Config
    c.Route = route.Config{
        QuietPeriod:       time.Duration(t.Route.QuietPeriodMs) * time.Millisecond,
        AdvanceThresholdM: t.Route.AdvanceThresholdM,
        RequestTimeout:    time.Duration(t.Route.RequestTimeoutS) * time.Second,
    }
    c.Feed = feed.Config{
        MinDistanceM: t.Feed.MinDistanceM,
        MaxInterval:  time.Duration(t.Feed.MaxIntervalS) * time.Second,
        PushPerSec:   t.Feed.PushPerSec,
        PushBurst:    t.Feed.PushBurst,
    }
    c.Guidance = guidance.Config{
        Pitch:           t.Guidance.Pitch,
        Zoom:            t.Guidance.Zoom,
        OverviewPadding: t.Guidance.OverviewPadding,
    }
    return c
}
