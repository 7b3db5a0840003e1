package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/ammiranda/treeext/config"
	"github.com/ammiranda/treeext/internal/app"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(append(args, "--env-file", ""))
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func setupEnv(t *testing.T) *config.Settings {
	t.Setenv("APP_ENV", "production")
	t.Setenv("LOG_LEVEL", "error")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", filepath.Join(t.TempDir(), "tree.db"))
	t.Setenv("CACHE_PROVIDER", "none")
	t.Setenv("LOCK_PROVIDER", "memory")
	t.Setenv("MAPPING_FILE", "")

	s, err := config.LoadSettings()
	require.NoError(t, err)
	return s
}

func TestMigrateCommands(t *testing.T) {
	setupEnv(t)

	out, err := run(t, "migrate", "version")
	require.NoError(t, err)
	assert.Equal(t, "schema version 0\n", out)

	out, err = run(t, "migrate", "up")
	require.NoError(t, err)
	assert.Equal(t, "schema version 1\n", out)

	out, err = run(t, "migrate", "down")
	require.NoError(t, err)
	assert.Equal(t, "schema version 0\n", out)

	_, err = run(t, "migrate", "down")
	assert.Error(t, err)
}

func TestMigrateNeedsSQLStore(t *testing.T) {
	setupEnv(t)
	t.Setenv("STORE_DRIVER", "memory")

	_, err := run(t, "migrate", "up")
	assert.ErrorContains(t, err, "has no schema")
}

func TestTreeCommands(t *testing.T) {
	s := setupEnv(t)
	ctx := context.Background()

	// Seed a small tree through the service
	svc, cleanup, err := app.Build(ctx, s)
	require.NoError(t, err)
	root, err := svc.CreateNode(ctx, "Category", app.NodeInput{Fields: map[string]any{"title": "Root"}})
	require.NoError(t, err)
	_, err = svc.CreateNode(ctx, "Category", app.NodeInput{Fields: map[string]any{"title": "Child"}, ParentID: &root.ID})
	require.NoError(t, err)
	cleanup()

	out, err := run(t, "classes")
	require.NoError(t, err)
	assert.Contains(t, out, "CLASS")
	assert.Regexp(t, `Category\s+closure\s+categories`, out)
	assert.Regexp(t, `Section\s+nested\s+sections`, out)

	out, err = run(t, "hierarchy", "Category", "--label", "title")
	require.NoError(t, err)
	assert.Equal(t, "#1 Root\n  #2 Child\n", out)

	out, err = run(t, "hierarchy", "Category", "--json")
	require.NoError(t, err)
	assert.Contains(t, out, `"title": "Child"`)

	out, err = run(t, "verify", "Category")
	require.NoError(t, err)
	assert.Equal(t, "Category: valid\n", out)

	_, err = run(t, "verify", "CategoryClosure")
	assert.Error(t, err)
}
