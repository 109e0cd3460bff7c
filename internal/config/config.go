package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

type Mode string

const (
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

type Config struct {
	Mode     Mode
	HTTPAddr string

	DBDriver string
	DBDSN    string

	AuthHMACSecret  string
	EnableLocalAuth bool
	AdminUser       string
	AdminPassHash   string // bcrypt

	CORSOrigins []string

	RedisAddr     string // empty disables redis notifications
	RedisPassword string
	RedisDB       int

	// Session core tuning
	StorageTimeout    time.Duration
	AutosaveRetries   int
	AutosaveBackoff   time.Duration
	CountdownInterval time.Duration

	LogLevel  string
	LogPretty bool
}

// FromEnv reads an optional .env file from the working directory, then lets
// process environment variables override it.
func FromEnv() (Config, error) {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Warn().Err(err).Msg("config: reading .env failed, using environment only")
		}
	}
	return fromViper(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("MODE", string(ModeOffline))
	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DB_DRIVER", "sqlite")
	v.SetDefault("DB_DSN", "")
	v.SetDefault("AUTH_HMAC_SECRET", "supersecret-dev-key")
	v.SetDefault("ENABLE_LOCAL_AUTH", true)
	v.SetDefault("ADMIN_USER", "admin")
	v.SetDefault("ADMIN_PASS_HASH", "$2y$12$pyZAiWaTfVtM7UElIRStvOC3gNbnp70nmQU4eYopLGBfCJr1DOvji")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("STORAGE_TIMEOUT", "5s")
	v.SetDefault("AUTOSAVE_RETRIES", 3)
	v.SetDefault("AUTOSAVE_BACKOFF", "200ms")
	v.SetDefault("COUNTDOWN_INTERVAL", "1s")
	v.SetDefault("LOG_LEVEL", "info")
}

func fromViper(v *viper.Viper) (Config, error) {
	mode := Mode(strings.ToLower(v.GetString("MODE")))
	if mode != ModeOffline && mode != ModeOnline {
		return Config{}, fmt.Errorf("config: unknown MODE %q", mode)
	}
	pretty := mode == ModeOffline
	if v.IsSet("LOG_PRETTY") {
		pretty = v.GetBool("LOG_PRETTY")
	}

	cfg := Config{
		Mode:              mode,
		HTTPAddr:          v.GetString("HTTP_ADDR"),
		DBDriver:          strings.ToLower(v.GetString("DB_DRIVER")),
		DBDSN:             v.GetString("DB_DSN"),
		AuthHMACSecret:    v.GetString("AUTH_HMAC_SECRET"),
		EnableLocalAuth:   v.GetBool("ENABLE_LOCAL_AUTH"),
		AdminUser:         v.GetString("ADMIN_USER"),
		AdminPassHash:     v.GetString("ADMIN_PASS_HASH"),
		CORSOrigins:       csv(v.GetString("CORS_ORIGINS")),
		RedisAddr:         v.GetString("REDIS_ADDR"),
		RedisPassword:     v.GetString("REDIS_PASSWORD"),
		RedisDB:           v.GetInt("REDIS_DB"),
		StorageTimeout:    v.GetDuration("STORAGE_TIMEOUT"),
		AutosaveRetries:   v.GetInt("AUTOSAVE_RETRIES"),
		AutosaveBackoff:   v.GetDuration("AUTOSAVE_BACKOFF"),
		CountdownInterval: v.GetDuration("COUNTDOWN_INTERVAL"),
		LogLevel:          v.GetString("LOG_LEVEL"),
		LogPretty:         pretty,
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("config: unsupported DB_DRIVER %q", c.DBDriver)
	}
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("config: STORAGE_TIMEOUT must be positive")
	}
	if c.CountdownInterval <= 0 {
		return fmt.Errorf("config: COUNTDOWN_INTERVAL must be positive")
	}
	if c.AutosaveRetries < 0 {
		return fmt.Errorf("config: AUTOSAVE_RETRIES must not be negative")
	}
	if c.AuthHMACSecret == "" {
		return fmt.Errorf("config: AUTH_HMAC_SECRET is required")
	}
	return nil
}

func csv(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
