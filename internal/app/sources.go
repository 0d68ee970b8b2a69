package app

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/provider/gmail"
	"github.com/nhle/mailsync/internal/provider/imap"
)

// providerClient builds the configured provider client, wrapped with rate
// limiting and retries. Credentials come from the keyring.
func (a *App) providerClient(ctx context.Context) (provider.Client, error) {
	if a.client != nil {
		return a.client, nil
	}

	var (
		raw provider.Client
		err error
	)
	switch a.cfg.Provider.Type {
	case model.ProviderGmail:
		raw, err = a.gmailClient(ctx)
	case model.ProviderIMAP:
		raw, err = a.imapClient()
	default:
		err = fmt.Errorf("unknown provider type %q", a.cfg.Provider.Type)
	}
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if rps := a.cfg.Remote.RPS; rps > 0 {
		limiter = rate.NewLimiter(rate.Limit(rps), rps)
	}
	a.client = provider.NewResilient(raw, limiter, retryPolicy(a.cfg.Remote.Retry), a.log.Named("provider"))
	return a.client, nil
}

func retryPolicy(cfg model.RetryConfig) provider.RetryPolicy {
	policy := provider.DefaultRetryPolicy()
	if cfg.MaxAttempts > 0 {
		policy.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialDelay > 0 {
		policy.InitialDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay > 0 {
		policy.MaxDelay = cfg.MaxDelay
	}
	return policy
}

func (a *App) gmailClient(ctx context.Context) (provider.Client, error) {
	oauthCfg, err := gmail.OAuthConfig(a.cfg.Gmail.CredentialsPath)
	if err != nil {
		return nil, err
	}

	creds, err := a.credentials()
	if err != nil {
		a.log.Warn("keyring unavailable, using token file only", zap.Error(err))
	}
	tokens := gmail.NewTokenStore(creds, a.cfg.Gmail.TokenPath, a.log.Named("auth"))

	ts, err := tokens.TokenSource(ctx, oauthCfg)
	if err != nil {
		return nil, err
	}
	client, err := gmail.NewWithTokenSource(ctx, ts)
	if err != nil {
		return nil, err
	}
	return client, nil
}

func (a *App) imapClient() (provider.Client, error) {
	port, err := strconv.Atoi(a.cfg.IMAP.Port)
	if err != nil {
		return nil, fmt.Errorf("invalid imap.port %q: %w", a.cfg.IMAP.Port, err)
	}

	creds, err := a.credentials()
	if err != nil {
		return nil, err
	}
	password, err := creds.Get(credential.KeyIMAPPassword)
	if errors.Is(err, credential.ErrNotFound) {
		return nil, &provider.AuthError{Kind: provider.KindIMAP, Message: "no stored password, run `mailsync auth`"}
	}
	if err != nil {
		return nil, err
	}

	return imap.New(imap.Config{
		Host:     a.cfg.IMAP.Host,
		Port:     port,
		Username: a.cfg.IMAP.Username,
		Password: string(password),
		TLS:      a.cfg.IMAP.TLS,
		Mailbox:  a.cfg.IMAP.Mailbox,
	}), nil
}

// Auth stores the provider credentials: the Gmail OAuth token obtained
// through the consent flow, or the IMAP password read from in.
func (a *App) Auth(ctx context.Context, in io.Reader, out io.Writer) error {
	switch a.cfg.Provider.Type {
	case model.ProviderGmail:
		oauthCfg, err := gmail.OAuthConfig(a.cfg.Gmail.CredentialsPath)
		if err != nil {
			return err
		}
		tok, err := gmail.Authorize(ctx, oauthCfg, in, out)
		if err != nil {
			return err
		}
		creds, err := a.credentials()
		if err != nil {
			a.log.Warn("keyring unavailable, saving token to file", zap.Error(err))
		}
		if err := gmail.NewTokenStore(creds, a.cfg.Gmail.TokenPath, a.log.Named("auth")).Save(tok); err != nil {
			return fmt.Errorf("saving token: %w", err)
		}
	case model.ProviderIMAP:
		fmt.Fprintf(out, "IMAP password for %s@%s: ", a.cfg.IMAP.Username, a.cfg.IMAP.Host)
		line, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading password: %w", err)
		}
		password := strings.TrimRight(line, "\r\n")
		if password == "" {
			return errors.New("empty password")
		}
		creds, err := a.credentials()
		if err != nil {
			return err
		}
		if err := creds.Set(credential.KeyIMAPPassword, []byte(password)); err != nil {
			return fmt.Errorf("saving password: %w", err)
		}
	default:
		return fmt.Errorf("unknown provider type %q", a.cfg.Provider.Type)
	}

	a.log.Info("credentials stored", zap.String("provider", a.cfg.Provider.Type))
	return nil
}
