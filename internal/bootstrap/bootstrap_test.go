package bootstrap

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jmerrifield20/coldchain-ledger/internal/auditledger"
	"github.com/jmerrifield20/coldchain-ledger/internal/config"
	"github.com/jmerrifield20/coldchain-ledger/internal/notify"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.FromViper(config.New("none"))
	require.NoError(t, err)
	return cfg
}

func TestOpenLedger_sqlite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverSQLite
	cfg.Database.SQLitePath = filepath.Join(t.TempDir(), "audit.db")
	cfg.Ledger.HashAlgorithm = "sha3-256"

	l, closeFn, err := OpenLedger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	defer closeFn()

	assert.Equal(t, auditledger.AlgorithmSHA3, l.Hasher().Algorithm())
	_, err = l.Record(context.Background(), auditledger.Event{EventType: "billing.paid", Action: "paid"})
	require.NoError(t, err)
}

func TestOpenLedger_memory(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverMemory

	l, closeFn, err := OpenLedger(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)
	closeFn()
	assert.NotNil(t, l)
}

func TestOpenLedger_badAlgorithm(t *testing.T) {
	cfg := testConfig(t)
	cfg.Database.Driver = config.DriverMemory
	cfg.Ledger.HashAlgorithm = "md5"

	_, _, err := OpenLedger(context.Background(), cfg, zap.NewNop())
	assert.ErrorContains(t, err, "hash_algorithm")
}

func TestNotifier(t *testing.T) {
	assert.IsType(t, &notify.LogNotifier{}, Notifier(config.Notify{}, zap.NewNop()))
	assert.IsType(t, &notify.SMTPNotifier{}, Notifier(config.Notify{SMTPHost: "mail", Recipients: []string{"ops@x"}}, zap.NewNop()))
	assert.IsType(t, &notify.WebhookNotifier{}, Notifier(config.Notify{WebhookURL: "https://pager.example/hook"}, zap.NewNop()))

	both := Notifier(config.Notify{SMTPHost: "mail", WebhookURL: "https://pager.example/hook"}, zap.NewNop())
	require.IsType(t, notify.Multi{}, both)
	assert.Len(t, both.(notify.Multi), 2)
}

func TestIssuer(t *testing.T) {
	iss, err := Issuer(config.Auth{})
	require.NoError(t, err)
	assert.Nil(t, iss)

	_, err = Issuer(config.Auth{TokenSecret: "short"})
	assert.Error(t, err)

	iss, err = Issuer(config.Auth{TokenSecret: "0123456789abcdef0123456789abcdef", Issuer: "x"})
	require.NoError(t, err)
	assert.NotNil(t, iss)
}
