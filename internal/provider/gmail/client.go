// Package gmail implements provider.Client on top of the Gmail REST API.
package gmail

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"golang.org/x/oauth2"
	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/nhle/mailsync/internal/provider"
)

const (
	user = "me"

	// maxPageSize is the largest page users.messages.list accepts.
	maxPageSize = 500
)

// Client adapts *gmail.Service to provider.Client.
type Client struct {
	svc *gmailapi.Service
}

var _ provider.Client = (*Client)(nil)

// New wraps an existing Gmail service.
func New(svc *gmailapi.Service) *Client {
	return &Client{svc: svc}
}

// NewWithTokenSource builds a Gmail service that authenticates with ts.
func NewWithTokenSource(ctx context.Context, ts oauth2.TokenSource, opts ...option.ClientOption) (*Client, error) {
	opts = append([]option.ClientOption{option.WithTokenSource(ts)}, opts...)
	svc, err := gmailapi.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating gmail service: %w", err)
	}
	return New(svc), nil
}

// ListMessageIDs pages through users.messages.list until max ids are
// collected or the listing is exhausted.
func (c *Client) ListMessageIDs(ctx context.Context, max int, query string) ([]string, error) {
	var (
		ids       []string
		pageToken string
	)
	for max <= 0 || len(ids) < max {
		pageSize := maxPageSize
		if max > 0 && max-len(ids) < pageSize {
			pageSize = max - len(ids)
		}

		call := c.svc.Users.Messages.List(user).MaxResults(int64(pageSize))
		if query != "" {
			call = call.Q(query)
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		res, err := call.Context(ctx).Do()
		if err != nil {
			return nil, classify("list messages", "", err)
		}
		for _, m := range res.Messages {
			ids = append(ids, m.Id)
		}

		if res.NextPageToken == "" || len(res.Messages) == 0 {
			break
		}
		pageToken = res.NextPageToken
	}

	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return ids, nil
}

// GetMessage fetches one message in full format.
func (c *Client) GetMessage(ctx context.Context, id string) (*provider.RawMessage, error) {
	msg, err := c.svc.Users.Messages.Get(user, id).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classify("get message", id, err)
	}
	return &provider.RawMessage{
		ID:       msg.Id,
		LabelIDs: msg.LabelIds,
		Payload:  convertPart(msg.Payload),
	}, nil
}

// ListLabels returns every label of the mailbox, system labels included.
func (c *Client) ListLabels(ctx context.Context) ([]provider.Label, error) {
	res, err := c.svc.Users.Labels.List(user).Context(ctx).Do()
	if err != nil {
		return nil, classify("list labels", "", err)
	}
	labels := make([]provider.Label, 0, len(res.Labels))
	for _, l := range res.Labels {
		labels = append(labels, provider.Label{ID: l.Id, Name: l.Name})
	}
	return labels, nil
}

// CreateLabel creates a label visible in both the label and message lists.
func (c *Client) CreateLabel(ctx context.Context, name string) (provider.Label, error) {
	created, err := c.svc.Users.Labels.Create(user, &gmailapi.Label{
		Name:                  name,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}).Context(ctx).Do()
	if err != nil {
		return provider.Label{}, classify("create label", name, err)
	}
	return provider.Label{ID: created.Id, Name: created.Name}, nil
}

// ModifyMessage adds and removes label ids on one message.
func (c *Client) ModifyMessage(ctx context.Context, id string, add, remove []string) error {
	req := &gmailapi.ModifyMessageRequest{
		AddLabelIds:    add,
		RemoveLabelIds: remove,
	}
	if _, err := c.svc.Users.Messages.Modify(user, id, req).Context(ctx).Do(); err != nil {
		return classify("modify message", id, err)
	}
	return nil
}

func convertPart(p *gmailapi.MessagePart) *provider.Part {
	if p == nil {
		return nil
	}
	part := &provider.Part{
		MimeType: p.MimeType,
		Filename: p.Filename,
	}
	for _, h := range p.Headers {
		part.Headers = append(part.Headers, provider.Header{Name: h.Name, Value: h.Value})
	}
	if p.Body != nil {
		part.Data = p.Body.Data
	}
	for _, child := range p.Parts {
		part.Parts = append(part.Parts, convertPart(child))
	}
	return part
}

// classify turns API failures into the provider error taxonomy.
func classify(op, id string, err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && apiErr.Code == http.StatusUnauthorized {
		return &provider.RemoteCallError{Op: op, ID: id, Err: &provider.AuthError{
			Kind:    provider.KindGmail,
			Message: apiErr.Message,
		}}
	}
	var retrieveErr *oauth2.RetrieveError
	if errors.As(err, &retrieveErr) {
		return &provider.RemoteCallError{Op: op, ID: id, Err: &provider.AuthError{
			Kind:    provider.KindGmail,
			Message: fmt.Sprintf("refreshing token: %s", retrieveErr.ErrorCode),
		}}
	}
	return &provider.RemoteCallError{Op: op, ID: id, Err: err}
}
