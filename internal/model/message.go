package model

import "time"

// DefaultLabel is the local label assigned to newly ingested messages.
const DefaultLabel = "inbox"

// ReceivedAtLayout is the fixed layout used to persist ReceivedAt.
const ReceivedAtLayout = "2006-01-02 15:04:05"

// Message is the canonical representation of an ingested email. It is
// produced by the decoder and shared unchanged by the store, the rule
// evaluator and the action executor.
type Message struct {
	// ID is the store-assigned primary key. Zero until the message has
	// been persisted.
	ID int64 `json:"id"`

	// ProviderID is the stable identifier of the message in the remote
	// provider: the Gmail message id, or the IMAP Message-ID header falling
	// back to uid:N.
	ProviderID string `json:"provider_id"`

	// From is the raw sender header value.
	From string `json:"from"`

	// To is the raw recipient header value. May be empty.
	To string `json:"to"`

	// Subject is the decoded subject line.
	Subject string `json:"subject"`

	// Body is the decoded plain-text body.
	Body string `json:"body"`

	// ReceivedAt is parsed from the Date header and stored in UTC.
	ReceivedAt time.Time `json:"received_at"`

	// IsRead reports whether the message is read in the local mirror.
	IsRead bool `json:"is_read"`

	// Label is the lower-cased current classification.
	Label string `json:"label"`
}
