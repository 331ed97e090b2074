package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultPort            = "5000"
	DefaultBucket          = "photos"
	DefaultRegion          = "us-east-1"
	DefaultMaxUploadSizeMB = 16
)

var DefaultAllowedExtensions = []string{"png", "jpg", "jpeg", "gif"}

// Config is built once at startup and passed to the components that need it.
type Config struct {
	DatabaseURL string

	StorageEndpoint  string
	StorageRegion    string
	StorageAccessKey string
	StorageSecretKey string
	StorageBucket    string
	StoragePublicURL string

	SecretKey string
	TokenTTL  time.Duration

	AllowedExtensions []string
	MaxUploadSize     int64

	Host string
	Port string

	AdminUsername string
	AdminPassword string
}

func (c Config) ListenAddr() string {
	return c.Host + ":" + c.Port
}

// PublicURLBase returns the prefix that object paths are appended to when
// building public image URLs.
func (c Config) PublicURLBase() string {
	if c.StoragePublicURL != "" {
		return strings.TrimRight(c.StoragePublicURL, "/")
	}

	if c.StorageEndpoint != "" {
		return strings.TrimRight(c.StorageEndpoint, "/") + "/" + c.StorageBucket
	}

	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com", c.StorageBucket, c.StorageRegion)
}

func LoadConfig() (Config, error) {
	cfg := Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		StorageEndpoint:   os.Getenv("STORAGE_ENDPOINT"),
		StorageRegion:     os.Getenv("STORAGE_REGION"),
		StorageAccessKey:  os.Getenv("STORAGE_ACCESS_KEY"),
		StorageSecretKey:  os.Getenv("STORAGE_SECRET_KEY"),
		StorageBucket:     os.Getenv("STORAGE_BUCKET"),
		StoragePublicURL:  os.Getenv("STORAGE_PUBLIC_URL"),
		SecretKey:         os.Getenv("SECRET_KEY"),
		AllowedExtensions: splitNonEmpty(os.Getenv("ALLOWED_EXTENSIONS")),
		MaxUploadSize:     DefaultMaxUploadSizeMB << 20,
		Host:              os.Getenv("APP_HOST"),
		Port:              os.Getenv("PORT"),
		AdminUsername:     os.Getenv("ADMIN_USERNAME"),
		AdminPassword:     os.Getenv("ADMIN_PASSWORD"),
	}

	if cfg.DatabaseURL == "" {
		return Config{}, errors.New("config: DATABASE_URL is required")
	}
	if cfg.SecretKey == "" {
		return Config{}, errors.New("config: SECRET_KEY is required")
	}

	if cfg.StorageRegion == "" {
		cfg.StorageRegion = DefaultRegion
	}
	if cfg.StorageBucket == "" {
		cfg.StorageBucket = DefaultBucket
	}
	if cfg.Port == "" {
		cfg.Port = DefaultPort
	}
	if len(cfg.AllowedExtensions) == 0 {
		cfg.AllowedExtensions = DefaultAllowedExtensions
	}

	if v := os.Getenv("TOKEN_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("config: invalid TOKEN_TTL: %w", err)
		}
		if ttl < 0 {
			return Config{}, fmt.Errorf("config: TOKEN_TTL must not be negative, got %s", ttl)
		}
		cfg.TokenTTL = ttl
	}

	if v := os.Getenv("MAX_UPLOAD_SIZE_MB"); v != "" {
		size, err := strconv.Atoi(v)
		if err != nil || size <= 0 {
			return Config{}, fmt.Errorf("config: invalid MAX_UPLOAD_SIZE_MB %q", v)
		}
		cfg.MaxUploadSize = int64(size) << 20
	}

	return cfg, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}

	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		p = strings.TrimPrefix(p, ".")
		if p != "" {
			out = append(out, p)
		}
	}

	return out
}
