// Package config reads the service configuration: database credentials
// through a Provider (environment variables or AWS Secrets Manager) and the
// remaining settings from the environment.
package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
)

// Environment is the deployment stage read from APP_ENV.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

func currentEnvironment() Environment {
	if env := os.Getenv("APP_ENV"); env != "" {
		return Environment(env)
	}
	return Development
}

// ValidationError reports the setting or credential that failed a check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Provider is a source of store credentials. Keys are the DB_* names used by
// GetDatabaseConfig.
type Provider interface {
	GetString(ctx context.Context, key string) (string, error)
	GetInt(ctx context.Context, key string) (int, error)
	GetBool(ctx context.Context, key string) (bool, error)
	// GetSecret reads a value that must not be logged.
	GetSecret(ctx context.Context, key string) (string, error)
	GetEnvironment() Environment
}

// EnvProvider reads credentials from environment variables, each key
// prefixed with prefix.
type EnvProvider struct {
	prefix      string
	environment Environment
}

// NewEnvProvider returns a Provider over the process environment.
func NewEnvProvider(prefix string) Provider {
	return &EnvProvider{prefix: prefix, environment: currentEnvironment()}
}

func (p *EnvProvider) GetEnvironment() Environment { return p.environment }

// GetString fails for unset and empty variables alike.
func (p *EnvProvider) GetString(ctx context.Context, key string) (string, error) {
	name := p.prefix + key
	if v := os.Getenv(name); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("environment variable %s not set", name)
}

func (p *EnvProvider) GetInt(ctx context.Context, key string) (int, error) {
	return getInt(ctx, p, key)
}

func (p *EnvProvider) GetBool(ctx context.Context, key string) (bool, error) {
	return getBool(ctx, p, key)
}

func (p *EnvProvider) GetSecret(ctx context.Context, key string) (string, error) {
	return p.GetString(ctx, key)
}

type stringGetter interface {
	GetString(ctx context.Context, key string) (string, error)
}

func getInt(ctx context.Context, p stringGetter, key string) (int, error) {
	s, err := p.GetString(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getBool(ctx context.Context, p stringGetter, key string) (bool, error) {
	s, err := p.GetString(ctx, key)
	if err != nil {
		return false, err
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}
