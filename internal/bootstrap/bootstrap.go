// Package bootstrap turns a resolved config into the ledger's runtime
// dependencies. It is shared by ledgerd and auditctl.
package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/jmerrifield20/coldchain-ledger/internal/access"
	"github.com/jmerrifield20/coldchain-ledger/internal/auditledger"
	"github.com/jmerrifield20/coldchain-ledger/internal/config"
	"github.com/jmerrifield20/coldchain-ledger/internal/notify"
)

// OpenLedger connects the configured store and builds a Ledger over it.
// The returned close function releases the store.
func OpenLedger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*auditledger.Ledger, func(), error) {
	hasher, err := auditledger.NewHasher(cfg.Ledger.HashAlgorithm)
	if err != nil {
		return nil, nil, fmt.Errorf("ledger.hash_algorithm: %w", err)
	}

	var (
		store   auditledger.Store
		closeFn = func() {}
	)
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect to postgres: %w", err)
		}
		pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := pool.Ping(pingCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		logger.Info("connected to postgres")
		store = auditledger.NewPostgresStore(pool, logger)
		closeFn = pool.Close

	case config.DriverSQLite:
		s, err := auditledger.OpenSQLiteStore(cfg.Database.SQLitePath, logger)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("opened sqlite audit store", zap.String("path", cfg.Database.SQLitePath))
		store = s
		closeFn = func() {
			if err := s.Close(); err != nil {
				logger.Warn("close sqlite audit store", zap.Error(err))
			}
		}

	case config.DriverMemory:
		logger.Warn("using in-memory audit store; records are lost on exit")
		store = auditledger.NewMemoryStore()

	default:
		return nil, nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}

	l := auditledger.New(store, logger,
		auditledger.WithHasher(hasher),
		auditledger.WithRetryPolicy(auditledger.RetryPolicy{
			MaxAttempts: cfg.Ledger.MaxRetries,
			BaseBackoff: cfg.Ledger.RetryBase,
			MaxBackoff:  cfg.Ledger.RetryMax,
		}),
	)
	return l, closeFn, nil
}

// Notifier builds the alert channels from cfg: SMTP when notify.smtp_host is
// set, a signed webhook when notify.webhook_url is set, otherwise log only.
func Notifier(cfg config.Notify, logger *zap.Logger) notify.Notifier {
	var channels notify.Multi
	if cfg.SMTPHost != "" {
		logger.Info("SMTP alert notifier configured",
			zap.String("host", cfg.SMTPHost),
			zap.Int("recipients", len(cfg.Recipients)),
		)
		channels = append(channels, notify.NewSMTPNotifier(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.FromAddress, cfg.Recipients))
	}
	if cfg.WebhookURL != "" {
		if cfg.WebhookSecret == "" {
			logger.Warn("notify.webhook_secret not set, alert webhooks are unsigned")
		}
		logger.Info("webhook alert notifier configured", zap.String("url", cfg.WebhookURL))
		channels = append(channels, notify.NewWebhookNotifier(cfg.WebhookURL, cfg.WebhookSecret, logger))
	}

	switch len(channels) {
	case 0:
		logger.Info("alert notifier: log only (set notify.smtp_host or notify.webhook_url to enable)")
		return notify.NewLogNotifier(logger)
	case 1:
		return channels[0]
	default:
		return channels
	}
}

// Issuer returns the access token issuer, or nil when auth.token_secret is
// unset.
func Issuer(cfg config.Auth) (*access.Issuer, error) {
	if cfg.TokenSecret == "" {
		return nil, nil
	}
	return access.NewIssuer([]byte(cfg.TokenSecret), cfg.Issuer, cfg.TokenTTL)
}
