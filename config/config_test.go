package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettingsDefaults(t *testing.T) {
	for _, key := range []string{"APP_ENV", "PORT", "LOG_LEVEL", "STORE_DRIVER", "CACHE_PROVIDER", "CACHE_TTL", "LOCK_PROVIDER", "CONFIG_SOURCE"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	s, err := LoadSettings(filepath.Join(t.TempDir(), "missing.env"))
	require.NoError(t, err)
	assert.Equal(t, Development, s.Env)
	assert.Equal(t, 8080, s.Port)
	assert.Equal(t, "memory", s.StoreDriver)
	assert.Equal(t, 5*time.Minute, s.CacheTTL)
	assert.False(t, s.UsesSQL())
	assert.False(t, s.UsesPostgres())

	p, err := s.Provider(context.Background())
	require.NoError(t, err)
	assert.IsType(t, &EnvProvider{}, p)
}

func TestLoadSettingsFromFile(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("MAPPING_FILE", "")
	require.NoError(t, os.Unsetenv("MAPPING_FILE"))
	t.Setenv("STORE_DRIVER", "pgx")

	file := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(file, []byte("LOG_LEVEL=error\nMAPPING_FILE=/etc/tree/mapping.yaml\n"), 0o600))

	s, err := LoadSettings(file)
	require.NoError(t, err)
	assert.Equal(t, "debug", s.LogLevel, "variables already set win over the file")
	assert.Equal(t, "/etc/tree/mapping.yaml", s.MappingFile)
	assert.True(t, s.UsesSQL())
	assert.True(t, s.UsesPostgres())
}

func TestSettingsValidation(t *testing.T) {
	base := func() Settings {
		return Settings{
			Env: Development, Port: 8080, LogLevel: "info", StoreDriver: "memory",
			ConfigSource: "env", CacheProvider: "memory", LockProvider: "memory",
		}
	}
	tests := []struct {
		name   string
		modify func(*Settings)
		field  string
	}{
		{name: "valid", modify: func(*Settings) {}},
		{name: "port out of range", modify: func(s *Settings) { s.Port = 70000 }, field: "Port"},
		{name: "unknown store", modify: func(s *Settings) { s.StoreDriver = "oracle" }, field: "StoreDriver"},
		{name: "unknown cache", modify: func(s *Settings) { s.CacheProvider = "memcached" }, field: "CacheProvider"},
		{name: "unknown lock", modify: func(s *Settings) { s.LockProvider = "zookeeper" }, field: "LockProvider"},
		{name: "aws without secret", modify: func(s *Settings) { s.ConfigSource = "aws" }, field: "SecretName"},
		{name: "negative ttl", modify: func(s *Settings) { s.CacheTTL = -time.Second }, field: "CacheTTL"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base()
			tt.modify(&s)
			err := s.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}

	t.Setenv("STORE_DRIVER", "oracle")
	_, err := LoadSettings()
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "StoreDriver", verr.Field)
}

func TestDatabaseConfigValidate(t *testing.T) {
	valid := func() DatabaseConfig {
		return DatabaseConfig{Host: "127.0.0.1", Port: 5432, User: "tree", Password: "secret", DBName: "tree_db", SSLMode: "disable"}
	}
	tests := []struct {
		name   string
		env    Environment
		modify func(*DatabaseConfig)
		field  string
	}{
		{name: "valid", env: Development, modify: func(*DatabaseConfig) {}},
		{name: "empty host", env: Development, modify: func(c *DatabaseConfig) { c.Host = "" }, field: "Host"},
		{name: "bad port", env: Development, modify: func(c *DatabaseConfig) { c.Port = 0 }, field: "Port"},
		{name: "empty user", env: Development, modify: func(c *DatabaseConfig) { c.User = "" }, field: "User"},
		{name: "empty password", env: Development, modify: func(c *DatabaseConfig) { c.Password = "" }, field: "Password"},
		{name: "bad name", env: Development, modify: func(c *DatabaseConfig) { c.DBName = "1tree" }, field: "DBName"},
		{name: "bad ssl mode", env: Development, modify: func(c *DatabaseConfig) { c.SSLMode = "maybe" }, field: "SSLMode"},
		{name: "weak production password", env: Production, modify: func(c *DatabaseConfig) { c.SSLMode = "require" }, field: "Password"},
		{name: "production without ssl", env: Production, modify: func(c *DatabaseConfig) { c.Password = "Str0ng-Passw0rd!" }, field: "SSLMode"},
		{name: "valid production", env: Production, modify: func(c *DatabaseConfig) {
			c.Password = "Str0ng-Passw0rd!"
			c.SSLMode = "verify-full"
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.modify(&c)
			err := c.Validate(tt.env)
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}

func TestGetDatabaseConfigFromEnv(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	t.Setenv("TEST_DB_HOST", "127.0.0.1")
	t.Setenv("TEST_DB_PORT", "5433")
	t.Setenv("TEST_DB_USER", "tree")
	t.Setenv("TEST_DB_PASSWORD", "secret")
	t.Setenv("TEST_DB_NAME", "tree")
	t.Setenv("TEST_DB_SSLMODE", "")

	p := NewEnvProvider("TEST_")
	cfg, err := GetDatabaseConfig(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, 5433, cfg.Port)
	assert.Equal(t, "disable", cfg.SSLMode, "sslmode defaults to disable")

	t.Setenv("TEST_DB_PORT", "abc")
	_, err = GetDatabaseConfig(context.Background(), p)
	assert.Error(t, err)

	t.Setenv("TEST_FLAG", "true")
	b, err := p.GetBool(context.Background(), "FLAG")
	require.NoError(t, err)
	assert.True(t, b)
}

type fakeSecrets struct {
	value string
	err   error
	calls int
}

func (f *fakeSecrets) GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &secretsmanager.GetSecretValueOutput{Name: params.SecretId, SecretString: aws.String(f.value)}, nil
}

func TestAWSSecretsProvider(t *testing.T) {
	t.Setenv("APP_ENV", "development")
	client := &fakeSecrets{value: `{"DB_HOST":"127.0.0.1","DB_PORT":"5432","DB_USER":"tree","DB_PASSWORD":"secret","DB_NAME":"tree","DB_SSLMODE":"require"}`}
	p := NewAWSSecretsProviderWithClient(client, "tree/db")

	cfg, err := GetDatabaseConfig(context.Background(), p)
	require.NoError(t, err)
	assert.Equal(t, "require", cfg.SSLMode)
	assert.Equal(t, 1, client.calls, "the secret is fetched once")

	_, err = p.GetString(context.Background(), "MISSING")
	assert.Error(t, err)
}

func TestAWSSecretsProviderRejectsBadSecrets(t *testing.T) {
	tests := []struct {
		name  string
		env   string
		value string
		err   error
	}{
		{name: "fetch failure", env: "development", err: errors.New("denied")},
		{name: "not json", env: "development", value: "nope"},
		{name: "missing key", env: "development", value: `{"DB_HOST":"db"}`},
		{name: "bad port", env: "development", value: `{"DB_HOST":"db","DB_PORT":"x","DB_USER":"u","DB_PASSWORD":"p","DB_NAME":"n","DB_SSLMODE":"disable"}`},
		{name: "localhost in production", env: "production", value: `{"DB_HOST":"localhost","DB_PORT":"5432","DB_USER":"u","DB_PASSWORD":"Str0ng-Passw0rd!","DB_NAME":"n","DB_SSLMODE":"require"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("APP_ENV", tt.env)
			p := NewAWSSecretsProviderWithClient(&fakeSecrets{value: tt.value, err: tt.err}, "tree/db")
			_, err := p.GetString(context.Background(), "DB_HOST")
			assert.Error(t, err)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			}
		})
	}

	_, err := NewAWSSecretsProvider(context.Background(), "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}
