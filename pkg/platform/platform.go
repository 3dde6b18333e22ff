package platform

import (
	"database/sql"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	// PostgreSQL driver registration.
	_ "github.com/lib/pq"

	"github.com/txn2/dm-dispatch/pkg/audit"
	auditpg "github.com/txn2/dm-dispatch/pkg/audit/postgres"
	"github.com/txn2/dm-dispatch/pkg/auth"
	"github.com/txn2/dm-dispatch/pkg/bot"
	"github.com/txn2/dm-dispatch/pkg/bot/instagram"
	"github.com/txn2/dm-dispatch/pkg/database/migrate"
	"github.com/txn2/dm-dispatch/pkg/dispatch"
	"github.com/txn2/dm-dispatch/pkg/health"
	"github.com/txn2/dm-dispatch/pkg/results"
	"github.com/txn2/dm-dispatch/pkg/session"
	sessionpg "github.com/txn2/dm-dispatch/pkg/session/postgres"
)

// Platform assembles every component of the dispatch service. It is
// created once per process and passed explicitly to the server; there
// are no ambient singletons.
type Platform struct {
	cfg *Config
	db  *sql.DB

	Registry      *session.Registry
	Authenticator bot.Authenticator
	Dispatcher    *dispatch.Dispatcher
	Results       *results.FileStore
	Auditor       audit.Logger
	Admin         *auth.AdminAuthenticator
	Health        *health.Checker
}

// New builds a platform from config. The returned platform owns its
// database handle and background routines; call Close on shutdown.
func New(cfg *Config) (*Platform, error) {
	p := &Platform{
		cfg:    cfg,
		Health: health.NewChecker(),
	}

	if cfg.Database.Enabled {
		db, err := sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			return nil, fmt.Errorf("opening database: %w", err)
		}
		if err := db.Ping(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("pinging database: %w", err)
		}
		if err := migrate.Run(db); err != nil {
			_ = db.Close()
			return nil, err
		}
		p.db = db
	}

	var store session.Store
	switch cfg.Session.Store {
	case "postgres":
		store = sessionpg.New(p.db)
	default:
		store = session.NewMemoryStore()
	}

	p.Registry = session.NewRegistry(session.Config{
		Store:   store,
		Timeout: cfg.SessionTimeout(),
	})
	p.Registry.StartSweepRoutine(cfg.SweepInterval())

	fileStore, err := results.NewFileStore(cfg.Results.Dir)
	if err != nil {
		_ = p.Registry.Close()
		return nil, err
	}
	p.Results = fileStore

	p.Auditor = p.buildAuditor()

	p.Authenticator = instagram.NewClient(instagram.Config{
		BaseURL:   cfg.Instagram.BaseURL,
		UserAgent: cfg.Instagram.UserAgent,
		Timeout:   time.Duration(cfg.Instagram.TimeoutSeconds) * time.Second,
	})

	p.Admin = auth.NewAdminAuthenticator(auth.AdminConfig{
		Keys:      adminKeys(cfg.Admin.Keys),
		JWTSecret: decodeSecret(cfg.Admin.JWTSecret),
	})

	p.Dispatcher = dispatch.New(p.Registry, p.Results, p.Auditor, cfg.DelayPolicy())

	slog.Info("platform: initialized",
		"session_store", cfg.Session.Store,
		"session_timeout", cfg.SessionTimeout(),
		"audit", cfg.Audit.Enabled)
	return p, nil
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config { return p.cfg }

// buildAuditor selects the audit backend: postgres when a database is
// available, structured logs otherwise, nil when disabled.
func (p *Platform) buildAuditor() audit.Logger {
	if !p.cfg.Audit.Enabled {
		return nil
	}
	if p.db != nil {
		store := auditpg.New(p.db, auditpg.Config{RetentionDays: p.cfg.Audit.RetentionDays})
		store.StartCleanupRoutine(defaultAuditCleanupInterval)
		return store
	}
	return audit.NewSlogLogger()
}

// Close tears the platform down: the registry releases every live bot
// instance, background routines stop, and the database handle closes.
func (p *Platform) Close() error {
	var firstErr error

	if p.Registry != nil {
		if err := p.Registry.Close(); err != nil {
			firstErr = err
		}
	}
	if p.Auditor != nil {
		if err := p.Auditor.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if p.db != nil {
		if err := p.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// adminKeys converts config entries to auth keys.
func adminKeys(entries []AdminKeyConfig) []auth.AdminKey {
	keys := make([]auth.AdminKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, auth.AdminKey{Name: e.Name, Hash: e.Hash})
	}
	return keys
}

// decodeSecret accepts a base64-encoded HMAC secret, falling back to
// the raw bytes for secrets that are not valid base64.
func decodeSecret(s string) []byte {
	if s == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(s); err == nil {
		return decoded
	}
	return []byte(s)
}
