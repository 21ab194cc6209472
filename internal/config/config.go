package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix               = "ZONES"
	defaultHTTPAddress      = "0.0.0.0:3001"
	defaultDatabasePath     = "zones.db"
	defaultLogLevel         = "info"
	defaultCookieName       = "app_session"
	defaultIssuer           = "zones-auth"
	defaultTokenTTLMinutes  = 7 * 24 * 60
	defaultCORSOrigins      = "http://localhost:3000,http://127.0.0.1:3000"
	defaultLockTTLSeconds   = 120
	defaultPresenceTTL      = 600
	defaultHeartbeatSeconds = 25
	defaultRoomIdleMinutes  = 30
	defaultRoomSweepMinutes = 10
	defaultMaxMessageBytes  = 1 << 20
)

// AppConfig captures runtime configuration for the collaboration server.
type AppConfig struct {
	HTTPAddress       string
	LogLevel          string
	DatabasePath      string
	SigningSecret     string
	Issuer            string
	CookieName        string
	TokenTTL          time.Duration
	RedisURL          string
	CORSOrigins       []string
	LockTTL           time.Duration
	PresenceTTL       time.Duration
	HeartbeatInterval time.Duration
	RoomIdleTimeout   time.Duration
	RoomSweepInterval time.Duration
	MaxMessageBytes   int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("redis.url", "")
	configViper.SetDefault("cors.origins", defaultCORSOrigins)
	configViper.SetDefault("locks.ttl_seconds", defaultLockTTLSeconds)
	configViper.SetDefault("presence.ttl_seconds", defaultPresenceTTL)
	configViper.SetDefault("presence.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("rooms.idle_minutes", defaultRoomIdleMinutes)
	configViper.SetDefault("rooms.sweep_minutes", defaultRoomSweepMinutes)
	configViper.SetDefault("ws.max_message_bytes", defaultMaxMessageBytes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		LogLevel:          configViper.GetString("log.level"),
		DatabasePath:      configViper.GetString("database.path"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		Issuer:            configViper.GetString("auth.issuer"),
		CookieName:        configViper.GetString("auth.cookie_name"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		RedisURL:          strings.TrimSpace(configViper.GetString("redis.url")),
		CORSOrigins:       splitList(configViper.GetString("cors.origins")),
		LockTTL:           time.Duration(configViper.GetInt("locks.ttl_seconds")) * time.Second,
		PresenceTTL:       time.Duration(configViper.GetInt("presence.ttl_seconds")) * time.Second,
		HeartbeatInterval: time.Duration(configViper.GetInt("presence.heartbeat_seconds")) * time.Second,
		RoomIdleTimeout:   time.Duration(configViper.GetInt("rooms.idle_minutes")) * time.Minute,
		RoomSweepInterval: time.Duration(configViper.GetInt("rooms.sweep_minutes")) * time.Minute,
		MaxMessageBytes:   configViper.GetInt64("ws.max_message_bytes"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func splitList(raw string) []string {
	values := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			values = append(values, trimmed)
		}
	}
	return values
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.LockTTL <= 0 {
		return fmt.Errorf("locks.ttl_seconds must be positive")
	}
	if c.PresenceTTL <= 0 {
		return fmt.Errorf("presence.ttl_seconds must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.PresenceTTL {
		return fmt.Errorf("presence.heartbeat_seconds must be positive and shorter than presence.ttl_seconds")
	}
	if c.RoomIdleTimeout <= 0 || c.RoomSweepInterval <= 0 {
		return fmt.Errorf("rooms.idle_minutes and rooms.sweep_minutes must be positive")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("ws.max_message_bytes must be positive")
	}
	return nil
}
