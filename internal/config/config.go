package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds runtime configuration values for the chat sync engine.
type Config struct {
	AppName            string
	AppEnv             string
	AppPort            string
	APIBaseURL         string
	RealtimeURL        string
	APIToken           string
	HistoryPageSize    int
	HistoryTimeout     time.Duration
	ReconcileWindow    time.Duration
	UnreadPollInterval time.Duration
	MaxAttachmentBytes int64
	ReconnectMaxWait   time.Duration
	CachePath          string
	CacheRoomLimit     int
}

// HTTPAddress returns the address the health/metrics server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("CHATSYNC")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "ChatSync Agent")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "9090")
	v.SetDefault("history.page_size", 30)
	v.SetDefault("history.timeout", "10s")
	v.SetDefault("send.reconcile_window", "1s")
	v.SetDefault("unread.poll_interval", "30s")
	v.SetDefault("attachment.max_bytes", int64(50*1024*1024))
	v.SetDefault("reconnect.max_wait", "30s")
	v.SetDefault("cache.room_limit", 200)

	historyTimeout, err := time.ParseDuration(v.GetString("history.timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid history timeout: %w", err)
	}

	reconcileWindow, err := time.ParseDuration(v.GetString("send.reconcile_window"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid reconcile window: %w", err)
	}

	pollInterval, err := time.ParseDuration(v.GetString("unread.poll_interval"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid unread poll interval: %w", err)
	}

	maxWait, err := time.ParseDuration(v.GetString("reconnect.max_wait"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid reconnect max wait: %w", err)
	}

	cfg := Config{
		AppName:            v.GetString("app.name"),
		AppEnv:             v.GetString("app.env"),
		AppPort:            v.GetString("app.port"),
		APIBaseURL:         strings.TrimRight(v.GetString("api.base_url"), "/"),
		RealtimeURL:        v.GetString("realtime.url"),
		APIToken:           v.GetString("api.token"),
		HistoryPageSize:    v.GetInt("history.page_size"),
		HistoryTimeout:     historyTimeout,
		ReconcileWindow:    reconcileWindow,
		UnreadPollInterval: pollInterval,
		MaxAttachmentBytes: v.GetInt64("attachment.max_bytes"),
		ReconnectMaxWait:   maxWait,
		CachePath:          v.GetString("cache.path"),
		CacheRoomLimit:     v.GetInt("cache.room_limit"),
	}

	if cfg.APIBaseURL == "" {
		return Config{}, fmt.Errorf("api base url must be provided")
	}

	if cfg.RealtimeURL == "" {
		return Config{}, fmt.Errorf("realtime url must be provided")
	}

	if cfg.HistoryPageSize <= 0 {
		cfg.HistoryPageSize = 30
	}

	if cfg.CacheRoomLimit <= 0 {
		cfg.CacheRoomLimit = 200
	}

	return cfg, nil
}
