package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/Dhoini/credit-ledger/internal/app"
	"github.com/Dhoini/credit-ledger/internal/config"
	"github.com/Dhoini/credit-ledger/internal/middleware"
	"github.com/Dhoini/credit-ledger/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// sqliteFactory каждая команда открывает один и тот же файл базы.
func sqliteFactory(t *testing.T) appFactory {
	dsn := filepath.Join(t.TempDir(), "ledger.db")
	return func(ctx context.Context, cfg *config.Config) (*app.App, error) {
		cfg.Database.Driver = "sqlite"
		cfg.Database.DSN = dsn
		cfg.Database.AutoMigrate = true
		cfg.Database.ConnectTimeout = time.Second
		return app.New(ctx, cfg, logger.NewNop())
	}
}

func execute(t *testing.T, factory appFactory, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(factory)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--env-file", "", "--config-dir", t.TempDir()}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAccountLifecycle(t *testing.T) {
	factory := sqliteFactory(t)

	out, err := execute(t, factory, "migrate")
	require.NoError(t, err)
	assert.Contains(t, out, "applied 0 migration(s)")

	out, err = execute(t, factory, "account", "open", "acc-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "acc-cli\tbalance=30")

	// повторное открытие не начисляет бонус второй раз
	out, err = execute(t, factory, "account", "open", "acc-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "balance=30")

	out, err = execute(t, factory, "grant", "acc-cli", "50", "--ref", "support-42")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "applied:"), out)
	assert.Contains(t, out, "balance 80")

	out, err = execute(t, factory, "grant", "acc-cli", "50", "--ref", "support-42")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "already applied:"), out)

	out, err = execute(t, factory, "account", "show", "acc-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "balance:\t80")
	assert.Contains(t, out, "subscription:\tnone")

	out, err = execute(t, factory, "account", "transactions", "acc-cli")
	require.NoError(t, err)
	assert.Contains(t, out, "manual:support-42")
	assert.Contains(t, out, "account:acc-cli:signup")
}

func TestGrantRequiresReference(t *testing.T) {
	_, err := execute(t, sqliteFactory(t), "grant", "acc-cli", "50")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ref")
}

func TestCustomerLinkAndResolve(t *testing.T) {
	factory := sqliteFactory(t)

	_, err := execute(t, factory, "account", "open", "acc-link")
	require.NoError(t, err)

	out, err := execute(t, factory, "customer", "link", "Stripe", "cus_77", "acc-link")
	require.NoError(t, err)
	assert.Contains(t, out, "stripe:cus_77 -> acc-link")

	out, err = execute(t, factory, "customer", "resolve", "stripe", "cus_77")
	require.NoError(t, err)
	assert.Equal(t, "acc-link\n", out)

	_, err = execute(t, factory, "customer", "link", "stripe", "cus_78", "acc-missing")
	require.Error(t, err)
}

func TestEventsListsEmptyInbox(t *testing.T) {
	out, err := execute(t, sqliteFactory(t), "events", "--status", "")
	require.NoError(t, err)
	assert.Contains(t, out, "PROVIDER")
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("AUTH_JWTSECRET", "cli-secret")

	out, err := execute(t, sqliteFactory(t), "token", "pipeline-worker", "--scope", "pipeline")
	require.NoError(t, err)

	validator := &middleware.DefaultTokenValidator{Secret: []byte("cli-secret")}
	claims, err := validator.Validate(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "pipeline-worker", claims.Subject)
	assert.True(t, claims.HasAnyScope(middleware.ScopePipeline))
	assert.False(t, claims.HasAnyScope(middleware.ScopeAdmin))
}

func TestTokenRequiresSecret(t *testing.T) {
	t.Setenv("AUTH_JWTSECRET", "")
	_, err := execute(t, sqliteFactory(t), "token", "acc-1")
	require.Error(t, err)
}
