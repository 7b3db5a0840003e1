package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Settings are the service options read from the environment.
type Settings struct {
	Env      Environment `env:"APP_ENV" envDefault:"development"`
	Port     int         `env:"PORT" envDefault:"8080" validate:"gt=0,lte=65535"`
	LogLevel string      `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`

	StoreDriver  string `env:"STORE_DRIVER" envDefault:"memory" validate:"oneof=memory sqlite3 sqlite postgres pgx"`
	SQLitePath   string `env:"SQLITE_PATH"`
	ConfigSource string `env:"CONFIG_SOURCE" envDefault:"env" validate:"oneof=env aws"`
	EnvPrefix    string `env:"DB_ENV_PREFIX"`
	SecretName   string `env:"AWS_SECRET_NAME" validate:"required_if=ConfigSource aws"`
	MappingFile  string `env:"MAPPING_FILE"`

	CacheProvider string        `env:"CACHE_PROVIDER" envDefault:"memory" validate:"oneof=none memory redis dynamodb"`
	CacheTTL      time.Duration `env:"CACHE_TTL" envDefault:"5m" validate:"gte=0"`
	DynamoDBTable string        `env:"DYNAMODB_CACHE_TABLE"`

	LockProvider string `env:"LOCK_PROVIDER" envDefault:"memory" validate:"oneof=none memory redis"`

	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0" validate:"gte=0"`
}

// LoadSettings loads the given dotenv files, when they exist, and parses
// the settings from the environment. Variables already set win over the
// files.
func LoadSettings(files ...string) (*Settings, error) {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}
	var s Settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks option values.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ValidationError{Field: verrs[0].Field(), Message: fmt.Sprintf("failed on %q", verrs[0].Tag())}
		}
		return err
	}
	return nil
}

// UsesSQL reports whether the store driver is a SQL database.
func (s *Settings) UsesSQL() bool {
	return s.StoreDriver != "memory"
}

// UsesPostgres reports whether the store driver is a Postgres driver.
func (s *Settings) UsesPostgres() bool {
	return s.StoreDriver == "postgres" || s.StoreDriver == "pgx"
}

// Provider returns the provider database credentials are read from.
func (s *Settings) Provider(ctx context.Context) (Provider, error) {
	if s.ConfigSource == "aws" {
		return NewAWSSecretsProvider(ctx, s.SecretName)
	}
	return NewEnvProvider(s.EnvPrefix), nil
}
