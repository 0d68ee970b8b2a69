package testutil

import (
	"encoding/base64"
	"time"

	"github.com/nhle/mailsync/internal/provider"
)

// RawMessage builds an unread Gmail-style message with a single
// text/plain body.
func RawMessage(id, from, subject string, date time.Time, body string) *provider.RawMessage {
	return &provider.RawMessage{
		ID:       id,
		LabelIDs: []string{provider.LabelInbox, provider.LabelUnread},
		Payload: &provider.Part{
			MimeType: "text/plain",
			Headers: []provider.Header{
				{Name: "From", Value: from},
				{Name: "To", Value: "me@example.com"},
				{Name: "Subject", Value: subject},
				{Name: "Date", Value: date.Format(time.RFC1123Z)},
			},
			Data: base64.URLEncoding.EncodeToString([]byte(body)),
		},
	}
}
