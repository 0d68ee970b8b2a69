package gmail

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/nhle/mailsync/internal/credential"
	"github.com/nhle/mailsync/internal/provider"
)

// OAuthConfig reads the installed-app client secret downloaded from the
// Google Cloud console. Rules mutate labels, so the modify scope is
// requested.
func OAuthConfig(credentialsPath string) (*oauth2.Config, error) {
	b, err := os.ReadFile(credentialsPath)
	if err != nil {
		return nil, fmt.Errorf("reading client secret file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, gmailapi.GmailModifyScope)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret file: %w", err)
	}
	return cfg, nil
}

// TokenStore persists the OAuth token in the keyring. When the keyring is
// unavailable the token file is used instead.
type TokenStore struct {
	creds *credential.Store
	path  string
	log   *zap.Logger
}

// NewTokenStore returns a TokenStore. creds may be nil, in which case only
// the token file is used.
func NewTokenStore(creds *credential.Store, path string, log *zap.Logger) *TokenStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &TokenStore{creds: creds, path: path, log: log}
}

// Load returns the stored token.
func (s *TokenStore) Load() (*oauth2.Token, error) {
	if s.creds != nil {
		data, err := s.creds.Get(credential.KeyGmailToken)
		if err == nil {
			return decodeToken(data)
		}
		if !errors.Is(err, credential.ErrNotFound) {
			s.log.Warn("reading token from keyring failed, trying token file", zap.Error(err))
		}
	}

	if s.path == "" {
		return nil, &provider.AuthError{Kind: provider.KindGmail, Message: "no stored token, run `mailsync auth`"}
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, &provider.AuthError{Kind: provider.KindGmail, Message: "no stored token, run `mailsync auth`"}
	}
	if err != nil {
		return nil, fmt.Errorf("reading token file: %w", err)
	}
	return decodeToken(data)
}

// Save stores tok.
func (s *TokenStore) Save(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}

	if s.creds != nil {
		err := s.creds.Set(credential.KeyGmailToken, data)
		if err == nil {
			return nil
		}
		s.log.Warn("storing token in keyring failed, using token file", zap.Error(err))
	}

	if s.path == "" {
		return errors.New("no token file configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("writing token file: %w", err)
	}
	return nil
}

func decodeToken(data []byte) (*oauth2.Token, error) {
	tok := &oauth2.Token{}
	if err := json.Unmarshal(data, tok); err != nil {
		return nil, fmt.Errorf("decoding token: %w", err)
	}
	return tok, nil
}

// TokenSource returns a token source seeded with the stored token that
// saves every refreshed token back to s.
func (s *TokenStore) TokenSource(ctx context.Context, cfg *oauth2.Config) (oauth2.TokenSource, error) {
	tok, err := s.Load()
	if err != nil {
		return nil, err
	}
	return &persistingSource{
		base:  cfg.TokenSource(ctx, tok),
		last:  tok.AccessToken,
		store: s,
	}, nil
}

type persistingSource struct {
	mu    sync.Mutex
	base  oauth2.TokenSource
	last  string
	store *TokenStore
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.Save(tok); err != nil {
			p.store.log.Warn("persisting refreshed token failed", zap.Error(err))
		}
	}
	return tok, nil
}

// Authorize runs the installed-app consent flow: it prints the consent URL
// to out, reads the authorization code from in and exchanges it.
func Authorize(ctx context.Context, cfg *oauth2.Config, in io.Reader, out io.Writer) (*oauth2.Token, error) {
	authURL := cfg.AuthCodeURL("state-token", oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	fmt.Fprintf(out, "Go to the following link in your browser, then paste the authorization code:\n%s\n> ", authURL)

	code, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading authorization code: %w", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, errors.New("empty authorization code")
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, &provider.AuthError{Kind: provider.KindGmail, Message: fmt.Sprintf("exchanging code: %v", err)}
	}
	return tok, nil
}
