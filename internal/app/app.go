// Package app wires configuration, storage, the mail provider and the
// rules engine together behind the operations the CLI exposes.
package app

import (
	"context"
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/action"
	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/rules"
	"github.com/nhle/mailsync/internal/store"
	appsync "github.com/nhle/mailsync/internal/sync"
)

// App owns the long-lived resources of one command invocation.
type App struct {
	cfg     *model.AppConfig
	log     *zap.Logger
	store   *store.SQLiteStore
	creds   *credential.Store
	metrics *metrics.Metrics
	client  provider.Client
}

// Option customizes an App.
type Option func(*App)

// WithClient uses client instead of building one from the configuration.
func WithClient(client provider.Client) Option {
	return func(a *App) { a.client = client }
}

// WithStore uses an already opened store.
func WithStore(s *store.SQLiteStore) Option {
	return func(a *App) { a.store = s }
}

// WithCredentials uses creds instead of opening the system keyring.
func WithCredentials(creds *credential.Store) Option {
	return func(a *App) { a.creds = creds }
}

// New opens the store (running pending migrations) and prepares the
// metrics registry. The provider client is built on first use.
func New(cfg *model.AppConfig, log *zap.Logger, opts ...Option) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.store == nil {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store %s: %w", cfg.Database.Path, err)
		}
		a.store = s
	}
	return a, nil
}

// Close flushes metrics and closes the store.
func (a *App) Close() error {
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.log.Warn("metrics not written", zap.Error(err))
	}
	return a.store.Close()
}

// Metrics returns the collectors updated by this App.
func (a *App) Metrics() *metrics.Metrics {
	return a.metrics
}

// Migrate applies pending schema migrations and returns the resulting
// schema version.
func (a *App) Migrate(ctx context.Context) (int, error) {
	if err := a.store.Bootstrap(ctx); err != nil {
		return 0, err
	}
	return a.store.SchemaVersion(ctx)
}

// Fetch ingests up to maxResults messages matching query.
func (a *App) Fetch(ctx context.Context, maxResults int, query string) (int, error) {
	in, err := a.ingester(ctx)
	if err != nil {
		return 0, err
	}
	return in.FetchAndStore(ctx, maxResults, query)
}

// Process runs the configured rules over the limit most recent messages.
func (a *App) Process(ctx context.Context, limit int, dryRun bool) (*appsync.RunReport, error) {
	r, err := a.runner(ctx, dryRun)
	if err != nil {
		return nil, err
	}
	return r.Run(ctx, limit)
}

// Search returns stored messages whose subject, sender or body contains
// text, oldest first.
func (a *App) Search(ctx context.Context, text string) ([]model.Message, error) {
	ids, err := a.store.FindIDsByText(ctx, text)
	if err != nil {
		return nil, err
	}
	msgs := make([]model.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := a.store.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, *msg)
	}
	return msgs, nil
}

// Watch polls the provider and runs the rules until ctx is cancelled.
func (a *App) Watch(ctx context.Context) error {
	in, err := a.ingester(ctx)
	if err != nil {
		return err
	}
	r, err := a.runner(ctx, a.cfg.Rules.DryRun)
	if err != nil {
		return err
	}

	p := appsync.NewPoller(in, r, appsync.PollConfig{
		Interval:   a.cfg.Poll.Interval,
		MaxResults: a.cfg.Ingest.MaxResults,
		Query:      a.cfg.Ingest.Query,
		RunLimit:   a.cfg.Rules.RunLimit,
	}, a.log)
	p.Start(ctx)
	a.log.Info("watching mailbox", zap.Duration("interval", a.cfg.Poll.Interval))

	for {
		select {
		case <-ctx.Done():
			p.Stop()
			return nil
		case res := <-p.Results():
			if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
				a.log.Warn("metrics not written", zap.Error(err))
			}
			if res.AuthError {
				p.Stop()
				return res.Error
			}
		}
	}
}

func (a *App) ingester(ctx context.Context) (*appsync.Ingester, error) {
	client, err := a.providerClient(ctx)
	if err != nil {
		return nil, err
	}
	return appsync.NewIngester(client, a.store, a.log.Named("ingest"), a.metrics, a.cfg.Ingest.Concurrency), nil
}

func (a *App) runner(ctx context.Context, dryRun bool) (*appsync.Runner, error) {
	client, err := a.providerClient(ctx)
	if err != nil {
		return nil, err
	}
	ruleSet := rules.Load(a.cfg.Rules.Path, a.log.Named("rules"))
	exec := action.NewExecutor(client, a.store, nil, a.log.Named("action"), dryRun)
	return appsync.NewRunner(a.store, a.store, ruleSet, exec, a.log.Named("run"), a.metrics), nil
}

func (a *App) credentials() (*credential.Store, error) {
	if a.creds != nil {
		return a.creds, nil
	}
	creds, err := credential.Open(filepath.Join(filepath.Dir(a.cfg.Database.Path), "keyring"))
	if err != nil {
		return nil, err
	}
	a.creds = creds
	return creds, nil
}
