package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// HubSettings tunes the realtime hub. Zero values in a settings file fall back
// to the defaults.
type HubSettings struct {
	// StalenessWindow is how long a presence record may go without a
	// heartbeat before the sweep marks it offline.
	StalenessWindow time.Duration `yaml:"staleness_window"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	TypingTTL       time.Duration `yaml:"typing_ttl"`
	SendQueueSize   int           `yaml:"send_queue_size"`
	// RateLimit is the sustained number of inbound messages per second a
	// single connection may send, with RateBurst on top.
	RateLimit         float64       `yaml:"rate_limit"`
	RateBurst         int           `yaml:"rate_burst"`
	AuthzCacheTTL     time.Duration `yaml:"authz_cache_ttl"`
	AuthzCacheSize    int           `yaml:"authz_cache_size"`
	NotificationLimit int           `yaml:"notification_limit"`
}

func DefaultHubSettings() HubSettings {
	return HubSettings{
		StalenessWindow:   5 * time.Minute,
		SweepInterval:     time.Minute,
		TypingTTL:         3 * time.Second,
		SendQueueSize:     256,
		RateLimit:         20,
		RateBurst:         40,
		AuthzCacheTTL:     30 * time.Second,
		AuthzCacheSize:    4096,
		NotificationLimit: 50,
	}
}

func (s HubSettings) withDefaults() HubSettings {
	d := DefaultHubSettings()
	if s.StalenessWindow <= 0 {
		s.StalenessWindow = d.StalenessWindow
	}
	if s.SweepInterval <= 0 {
		s.SweepInterval = d.SweepInterval
	}
	if s.TypingTTL <= 0 {
		s.TypingTTL = d.TypingTTL
	}
	if s.SendQueueSize <= 0 {
		s.SendQueueSize = d.SendQueueSize
	}
	if s.RateLimit <= 0 {
		s.RateLimit = d.RateLimit
	}
	if s.RateBurst <= 0 {
		s.RateBurst = d.RateBurst
	}
	if s.AuthzCacheTTL <= 0 {
		s.AuthzCacheTTL = d.AuthzCacheTTL
	}
	if s.AuthzCacheSize <= 0 {
		s.AuthzCacheSize = d.AuthzCacheSize
	}
	if s.NotificationLimit <= 0 {
		s.NotificationLimit = d.NotificationLimit
	}
	return s
}

func (s HubSettings) Validate() error {
	if s.SweepInterval > s.StalenessWindow {
		return fmt.Errorf("sweep interval %s exceeds staleness window %s", s.SweepInterval, s.StalenessWindow)
	}
	return nil
}

// LoadHubSettings reads settings from a YAML file. A missing file yields the
// defaults.
func LoadHubSettings(path string) (HubSettings, error) {
	if path == "" {
		return DefaultHubSettings(), nil
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultHubSettings(), nil
	}
	if err != nil {
		return HubSettings{}, fmt.Errorf("read hub settings: %w", err)
	}

	return ParseHubSettings(data)
}

func ParseHubSettings(data []byte) (HubSettings, error) {
	var s HubSettings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return HubSettings{}, fmt.Errorf("parse hub settings: %w", err)
	}

	s = s.withDefaults()
	if err := s.Validate(); err != nil {
		return HubSettings{}, err
	}
	return s, nil
}
