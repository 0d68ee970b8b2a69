// Package imap implements provider.Client for plain IMAP servers. Labels
// are mailboxes, and the UNREAD and STARRED system labels map to the
// \Seen and \Flagged flags.
package imap

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/nhle/mailsync/internal/provider"
)

const uidPrefix = "uid:"

// Config holds the connection settings for one account.
type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	TLS      bool
	Mailbox  string
}

// Client speaks IMAP, opening one authenticated session per call.
type Client struct {
	cfg Config

	// located remembers which mailbox a message was moved to, so later
	// actions in the same process still find it.
	mu      sync.Mutex
	located map[string]string
}

var _ provider.Client = (*Client)(nil)

// New creates a Client. The mailbox defaults to INBOX.
func New(cfg Config) *Client {
	if cfg.Mailbox == "" {
		cfg.Mailbox = provider.LabelInbox
	}
	if cfg.Port == 0 {
		cfg.Port = 993
	}
	return &Client{cfg: cfg, located: map[string]string{}}
}

// connect establishes a connection to the IMAP server and authenticates.
// The caller must Logout the returned client.
func (c *Client) connect(ctx context.Context) (*imapclient.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := c.cfg.Host + ":" + strconv.Itoa(c.cfg.Port)

	var (
		client *imapclient.Client
		err    error
	)
	if c.cfg.TLS {
		client, err = imapclient.DialTLS(addr, nil)
	} else {
		client, err = imapclient.DialStartTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("connecting to IMAP %s: %w", addr, err)
	}

	if err := client.Login(c.cfg.Username, c.cfg.Password).Wait(); err != nil {
		_ = client.Logout().Wait()
		return nil, &provider.AuthError{
			Kind:    provider.KindIMAP,
			Message: fmt.Sprintf("authentication failed for %s: %v", c.cfg.Username, err),
		}
	}

	return client, nil
}

// session runs fn with mailbox selected.
func (c *Client) session(ctx context.Context, mailbox string, fn func(*imapclient.Client) error) error {
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = client.Logout().Wait() }()

	if mailbox != "" {
		if _, err := client.Select(mailbox, nil).Wait(); err != nil {
			return fmt.Errorf("selecting %s: %w", mailbox, err)
		}
	}
	return fn(client)
}

// ListMessageIDs searches the configured mailbox and returns the ids of the
// max most recent matches. Ids are Message-ID headers, or uid:<n> for
// messages without one.
func (c *Client) ListMessageIDs(ctx context.Context, max int, query string) ([]string, error) {
	criteria, err := ParseQuery(query)
	if err != nil {
		return nil, &provider.RemoteCallError{Op: "list messages", Err: err}
	}

	var ids []string
	err = c.session(ctx, c.cfg.Mailbox, func(client *imapclient.Client) error {
		searchData, err := client.UIDSearch(criteria, nil).Wait()
		if err != nil {
			return fmt.Errorf("searching messages: %w", err)
		}

		uids := searchData.AllUIDs()
		if len(uids) == 0 {
			return nil
		}
		// Take the most recent.
		if max > 0 && len(uids) > max {
			uids = uids[len(uids)-max:]
		}

		fetchCmd := client.Fetch(imap.UIDSetNum(uids...), &imap.FetchOptions{
			Envelope: true,
			UID:      true,
		})
		defer fetchCmd.Close()

		for {
			msg := fetchCmd.Next()
			if msg == nil {
				break
			}
			buf, err := msg.Collect()
			if err != nil {
				return fmt.Errorf("collecting envelope: %w", err)
			}
			ids = append(ids, messageID(buf))
		}

		if err := fetchCmd.Close(); err != nil {
			return fmt.Errorf("fetching envelopes: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, provider.Wrap("list messages", "", err)
	}

	// Newest first, like the Gmail listing.
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
	return ids, nil
}

// GetMessage fetches the full RFC 822 source of one message without
// setting \Seen.
func (c *Client) GetMessage(ctx context.Context, id string) (*provider.RawMessage, error) {
	mailbox := c.mailboxOf(id)

	var raw *provider.RawMessage
	err := c.session(ctx, mailbox, func(client *imapclient.Client) error {
		uid, err := locate(client, id)
		if err != nil {
			return err
		}

		section := &imap.FetchItemBodySection{Peek: true}
		fetchCmd := client.Fetch(imap.UIDSetNum(uid), &imap.FetchOptions{
			Flags:       true,
			UID:         true,
			BodySection: []*imap.FetchItemBodySection{section},
		})
		defer fetchCmd.Close()

		msg := fetchCmd.Next()
		if msg == nil {
			return fmt.Errorf("message UID %d not found", uid)
		}
		buf, err := msg.Collect()
		if err != nil {
			return fmt.Errorf("collecting message data: %w", err)
		}

		raw = &provider.RawMessage{
			ID:       id,
			LabelIDs: labelsFor(mailbox, buf.Flags),
			RFC822:   buf.FindBodySection(section),
		}
		return fetchCmd.Close()
	})
	if err != nil {
		return nil, provider.Wrap("get message", id, err)
	}
	return raw, nil
}

// ListLabels lists every selectable mailbox.
func (c *Client) ListLabels(ctx context.Context) ([]provider.Label, error) {
	var labels []provider.Label
	err := c.session(ctx, "", func(client *imapclient.Client) error {
		mailboxes, err := client.List("", "*", nil).Collect()
		if err != nil {
			return fmt.Errorf("listing mailboxes: %w", err)
		}
		for _, mb := range mailboxes {
			if hasAttr(mb.Attrs, imap.MailboxAttrNoSelect) {
				continue
			}
			labels = append(labels, provider.Label{ID: mb.Mailbox, Name: mb.Mailbox})
		}
		return nil
	})
	if err != nil {
		return nil, provider.Wrap("list labels", "", err)
	}
	return labels, nil
}

// CreateLabel creates a mailbox.
func (c *Client) CreateLabel(ctx context.Context, name string) (provider.Label, error) {
	err := c.session(ctx, "", func(client *imapclient.Client) error {
		return client.Create(name, nil).Wait()
	})
	if err != nil {
		return provider.Label{}, provider.Wrap("create label", name, err)
	}
	return provider.Label{ID: name, Name: name}, nil
}

// ModifyMessage applies label changes. Flag labels become STORE commands.
// Mailbox labels become a MOVE when the current mailbox is removed and a
// COPY otherwise.
func (c *Client) ModifyMessage(ctx context.Context, id string, add, remove []string) error {
	mailbox := c.mailboxOf(id)
	plan, err := planModify(mailbox, add, remove)
	if err != nil {
		return &provider.RemoteCallError{Op: "modify message", ID: id, Err: err}
	}

	err = c.session(ctx, mailbox, func(client *imapclient.Client) error {
		uid, err := locate(client, id)
		if err != nil {
			return err
		}
		uidSet := imap.UIDSetNum(uid)

		if len(plan.addFlags) > 0 {
			if err := storeFlags(client, uidSet, imap.StoreFlagsAdd, plan.addFlags); err != nil {
				return err
			}
		}
		if len(plan.removeFlags) > 0 {
			if err := storeFlags(client, uidSet, imap.StoreFlagsDel, plan.removeFlags); err != nil {
				return err
			}
		}
		for _, target := range plan.copyTo {
			if _, err := client.Copy(uidSet, target).Wait(); err != nil {
				return fmt.Errorf("copying to %s: %w", target, err)
			}
		}
		if plan.moveTo != "" {
			if _, err := client.Move(uidSet, plan.moveTo).Wait(); err != nil {
				return fmt.Errorf("moving to %s: %w", plan.moveTo, err)
			}
		}
		return nil
	})
	if err != nil {
		return provider.Wrap("modify message", id, err)
	}

	if plan.moveTo != "" {
		c.mu.Lock()
		c.located[id] = plan.moveTo
		c.mu.Unlock()
	}
	return nil
}

func (c *Client) mailboxOf(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if mb, ok := c.located[id]; ok {
		return mb
	}
	return c.cfg.Mailbox
}

func storeFlags(client *imapclient.Client, uidSet imap.UIDSet, op imap.StoreFlagsOp, flags []imap.Flag) error {
	cmd := client.Store(uidSet, &imap.StoreFlags{
		Op:     op,
		Silent: true,
		Flags:  flags,
	}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("storing flags %v: %w", flags, err)
	}
	return nil
}

// locate resolves a message id to a UID in the selected mailbox.
func locate(client *imapclient.Client, id string) (imap.UID, error) {
	if strings.HasPrefix(id, uidPrefix) {
		n, err := strconv.ParseUint(strings.TrimPrefix(id, uidPrefix), 10, 32)
		if err != nil {
			return 0, fmt.Errorf("invalid message id %q: %w", id, err)
		}
		return imap.UID(n), nil
	}

	criteria := &imap.SearchCriteria{
		Header: []imap.SearchCriteriaHeaderField{{Key: "Message-ID", Value: id}},
	}
	searchData, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return 0, fmt.Errorf("searching for %s: %w", id, err)
	}
	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return 0, fmt.Errorf("message %s not found", id)
	}
	return uids[len(uids)-1], nil
}

func messageID(buf *imapclient.FetchMessageBuffer) string {
	if buf.Envelope != nil && buf.Envelope.MessageID != "" {
		return buf.Envelope.MessageID
	}
	return uidPrefix + strconv.FormatUint(uint64(buf.UID), 10)
}

// labelsFor derives provider label ids from the mailbox and flags.
func labelsFor(mailbox string, flags []imap.Flag) []string {
	labels := []string{mailbox}
	if strings.EqualFold(mailbox, provider.LabelInbox) {
		labels[0] = provider.LabelInbox
	}

	seen := false
	for _, f := range flags {
		switch f {
		case imap.FlagSeen:
			seen = true
		case imap.FlagFlagged:
			labels = append(labels, provider.LabelStarred)
		}
	}
	if !seen {
		labels = append(labels, provider.LabelUnread)
	}
	return labels
}

func hasAttr(attrs []imap.MailboxAttr, want imap.MailboxAttr) bool {
	for _, a := range attrs {
		if a == want {
			return true
		}
	}
	return false
}
