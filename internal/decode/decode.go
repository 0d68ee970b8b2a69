// Package decode turns raw provider messages into model.Message values.
// It is the only place where provider payloads are converted.
package decode

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
)

// Error reports a raw message that cannot be turned into a Message.
type Error struct {
	ID     string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decoding message %s: %s: %v", e.ID, e.Reason, e.Err)
	}
	return fmt.Sprintf("decoding message %s: %s", e.ID, e.Reason)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsDecodeError reports whether err (or any error in its chain) is an Error.
func IsDecodeError(err error) bool {
	var decodeErr *Error
	return errors.As(err, &decodeErr)
}

var requiredHeaders = []string{"Subject", "From", "Date"}

// Parse decodes raw. Subject, From and Date headers are required. The body
// is the first text/plain part, falling back to the first text/html part
// reduced to text.
func Parse(raw *provider.RawMessage) (model.Message, error) {
	if raw == nil {
		return model.Message{}, &Error{Reason: "nil message"}
	}
	if raw.ID == "" {
		return model.Message{}, &Error{Reason: "message has no id"}
	}

	var (
		h    mail.Header
		body string
		err  error
	)
	switch {
	case raw.Payload != nil:
		h = headerOf(raw.Payload)
		body, err = payloadBody(raw.Payload)
	case len(raw.RFC822) > 0:
		h, body, err = parseRFC822(raw.RFC822)
	default:
		return model.Message{}, &Error{ID: raw.ID, Reason: "message has no content"}
	}
	if err != nil {
		return model.Message{}, &Error{ID: raw.ID, Reason: "reading body", Err: err}
	}

	for _, name := range requiredHeaders {
		if !h.Has(name) {
			return model.Message{}, &Error{ID: raw.ID, Reason: "missing " + name + " header"}
		}
	}

	subject, err := h.Subject()
	if err != nil {
		subject = h.Get("Subject")
	}
	from, err := h.Text("From")
	if err != nil {
		from = h.Get("From")
	}
	to, err := h.Text("To")
	if err != nil {
		to = h.Get("To")
	}

	receivedAt, err := parseDate(h.Get("Date"))
	if err != nil {
		return model.Message{}, &Error{ID: raw.ID, Reason: "invalid Date header", Err: err}
	}

	return model.Message{
		ProviderID: raw.ID,
		From:       from,
		To:         to,
		Subject:    subject,
		Body:       body,
		ReceivedAt: receivedAt,
		IsRead:     !raw.HasLabel(provider.LabelUnread),
		Label:      model.DefaultLabel,
	}, nil
}

func headerOf(p *provider.Part) mail.Header {
	var h mail.Header
	for _, hd := range p.Headers {
		h.Add(hd.Name, hd.Value)
	}
	return h
}

// payloadBody walks a provider-split MIME tree.
func payloadBody(root *provider.Part) (string, error) {
	if p := findPart(root, "text/plain"); p != nil {
		return decodePart(p)
	}
	if p := findPart(root, "text/html"); p != nil {
		html, err := decodePart(p)
		if err != nil {
			return "", err
		}
		return stripHTML(html), nil
	}
	// Single-part messages of other types, or parts without a type.
	if root.Data != "" {
		return decodePart(root)
	}
	for _, p := range root.Parts {
		if p.Data != "" && p.Filename == "" {
			return decodePart(p)
		}
	}
	return "", nil
}

func findPart(p *provider.Part, mimeType string) *provider.Part {
	if p == nil {
		return nil
	}
	if strings.EqualFold(p.MimeType, mimeType) && p.Filename == "" && p.Data != "" {
		return p
	}
	for _, child := range p.Parts {
		mt := strings.ToLower(child.MimeType)
		if strings.HasPrefix(mt, "text/") || strings.HasPrefix(mt, "multipart/") {
			if found := findPart(child, mimeType); found != nil {
				return found
			}
		}
	}
	return nil
}

// decodePart decodes the base64url body of p and converts it to UTF-8
// according to the part's declared charset.
func decodePart(p *provider.Part) (string, error) {
	data, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(p.Data, "="))
	if err != nil {
		return "", fmt.Errorf("decoding base64url body: %w", err)
	}

	charsetLabel := ""
	for _, hd := range p.Headers {
		if strings.EqualFold(hd.Name, "Content-Type") {
			if _, params, err := mime.ParseMediaType(hd.Value); err == nil {
				charsetLabel = params["charset"]
			}
			break
		}
	}
	if charsetLabel == "" || strings.EqualFold(charsetLabel, "utf-8") || strings.EqualFold(charsetLabel, "us-ascii") {
		return string(data), nil
	}

	r, err := charset.Reader(charsetLabel, bytes.NewReader(data))
	if err != nil {
		// Unknown charset: keep the bytes as they are.
		return string(data), nil
	}
	converted, err := io.ReadAll(r)
	if err != nil {
		return "", fmt.Errorf("converting %s body: %w", charsetLabel, err)
	}
	return string(converted), nil
}

// parseRFC822 parses a full message source with go-message.
func parseRFC822(raw []byte) (mail.Header, string, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && mr == nil {
		return mail.Header{}, "", fmt.Errorf("parsing message: %w", err)
	}
	defer mr.Close()

	var textBody, htmlBody string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return mail.Header{}, "", fmt.Errorf("reading part: %w", err)
		}

		h, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := h.ContentType()
		body, err := io.ReadAll(part.Body)
		if err != nil {
			return mail.Header{}, "", fmt.Errorf("reading %s part: %w", contentType, err)
		}

		switch {
		case strings.HasPrefix(contentType, "text/plain") && textBody == "":
			textBody = string(body)
		case strings.HasPrefix(contentType, "text/html") && htmlBody == "":
			htmlBody = string(body)
		}
	}

	if textBody == "" && htmlBody != "" {
		textBody = stripHTML(htmlBody)
	}
	return mr.Header, textBody, nil
}

// dateLayouts are tried when net/mail rejects a Date header.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2 Jan 2006 15:04:05 -0700",
	time.RFC822Z,
	time.RFC822,
}

func parseDate(value string) (time.Time, error) {
	var h mail.Header
	h.Set("Date", value)
	if t, err := h.Date(); err == nil {
		return t.UTC(), nil
	}

	// Drop a trailing comment such as " (UTC)".
	cleaned := value
	if open := strings.LastIndex(cleaned, " ("); open != -1 {
		if closing := strings.LastIndex(cleaned, ")"); closing > open {
			cleaned = cleaned[:open] + cleaned[closing+1:]
		}
	}
	cleaned = strings.TrimSpace(cleaned)

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, cleaned); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}
