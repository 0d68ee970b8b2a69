package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind identifies the remote mail service behind a Client.
type Kind string

const (
	KindGmail Kind = "gmail"
	KindIMAP  Kind = "imap"
)

// System label ids understood by every provider. Providers without a
// native notion of them translate (IMAP maps UNREAD to the absence of
// \Seen and INBOX to the INBOX mailbox).
const (
	LabelInbox     = "INBOX"
	LabelUnread    = "UNREAD"
	LabelStarred   = "STARRED"
	LabelImportant = "IMPORTANT"
	LabelSpam      = "SPAM"
	LabelTrash     = "TRASH"
	LabelSent      = "SENT"
	LabelDraft     = "DRAFT"
)

// SystemLabels lists the ids above. They are never created or looked up.
var SystemLabels = []string{
	LabelInbox, LabelUnread, LabelStarred, LabelImportant,
	LabelSpam, LabelTrash, LabelSent, LabelDraft,
}

// IsSystemLabel reports whether name is one of SystemLabels, ignoring case.
func IsSystemLabel(name string) bool {
	for _, l := range SystemLabels {
		if strings.EqualFold(l, name) {
			return true
		}
	}
	return false
}

// Label is a provider-side classification tag.
type Label struct {
	ID   string
	Name string
}

// Header is one raw message header.
type Header struct {
	Name  string
	Value string
}

// Part is a node of a provider-decoded MIME tree. Data holds the
// base64url-encoded body of leaf parts.
type Part struct {
	MimeType string
	Filename string
	Headers  []Header
	Data     string
	Parts    []*Part
}

// RawMessage is a message as returned by GetMessage. Providers fill either
// Payload (an already split MIME tree) or RFC822 (the full source).
type RawMessage struct {
	ID       string
	LabelIDs []string
	Payload  *Part
	RFC822   []byte
}

// HasLabel reports whether the message carries the given label id.
func (m *RawMessage) HasLabel(id string) bool {
	for _, l := range m.LabelIDs {
		if l == id {
			return true
		}
	}
	return false
}

// Client is the narrow surface the sync engine needs from a remote mail
// provider. Authentication and token refresh are encapsulated by the
// implementation.
type Client interface {
	// ListMessageIDs returns up to max message ids matching query.
	ListMessageIDs(ctx context.Context, max int, query string) ([]string, error)

	// GetMessage retrieves the full content of one message.
	GetMessage(ctx context.Context, id string) (*RawMessage, error)

	// ListLabels returns every label known to the account.
	ListLabels(ctx context.Context) ([]Label, error)

	// CreateLabel creates a label with the given display name.
	CreateLabel(ctx context.Context, name string) (Label, error)

	// ModifyMessage adds and removes label ids on one message.
	ModifyMessage(ctx context.Context, id string, add, remove []string) error
}

// RemoteCallError reports a failed call to the remote provider.
type RemoteCallError struct {
	Op  string
	ID  string
	Err error
}

func (e *RemoteCallError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("remote %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("remote %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

// IsRemoteCallError reports whether err (or any error in its chain) is a
// RemoteCallError.
func IsRemoteCallError(err error) bool {
	var remoteErr *RemoteCallError
	return errors.As(err, &remoteErr)
}

// AuthError indicates that authentication has failed or expired for a
// provider. It is never retried.
type AuthError struct {
	Kind    Kind
	Message string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("auth error (%s): %s", e.Kind, e.Message)
}

// IsAuthError reports whether err (or any error in its chain) is an AuthError.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
