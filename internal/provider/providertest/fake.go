// Package providertest provides an in-memory provider.Client for tests.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nhle/mailsync/internal/provider"
)

// ModifyCall records one ModifyMessage invocation.
type ModifyCall struct {
	ID     string
	Add    []string
	Remove []string
}

// Fake is a concurrency-safe in-memory Client. Failure hooks return the
// configured error for every call to the matching method.
type Fake struct {
	mu sync.Mutex

	IDs      []string
	Messages map[string]*provider.RawMessage
	Labels   []provider.Label

	ListErr    error
	GetErr     map[string]error
	LabelsErr  error
	CreateErr  error
	ModifyErr  error
	ModifyErrs map[string]error // per message id

	ListQueries []string
	GetCalls    []string
	Created     []string
	Modified    []ModifyCall
	LabelCalls  int
}

var _ provider.Client = (*Fake)(nil)

// NewFake returns a Fake with no messages and no user labels.
func NewFake() *Fake {
	return &Fake{
		Messages:   map[string]*provider.RawMessage{},
		GetErr:     map[string]error{},
		ModifyErrs: map[string]error{},
	}
}

// AddMessage registers raw under its id, in listing order.
func (f *Fake) AddMessage(raw *provider.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.IDs = append(f.IDs, raw.ID)
	f.Messages[raw.ID] = raw
}

// ListMessageIDs implements provider.Client.
func (f *Fake) ListMessageIDs(_ context.Context, max int, query string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ListQueries = append(f.ListQueries, query)
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	ids := f.IDs
	if max > 0 && len(ids) > max {
		ids = ids[:max]
	}
	return append([]string(nil), ids...), nil
}

// GetMessage implements provider.Client.
func (f *Fake) GetMessage(_ context.Context, id string) (*provider.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.GetCalls = append(f.GetCalls, id)
	if err := f.GetErr[id]; err != nil {
		return nil, err
	}
	raw, ok := f.Messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s not found", id)
	}
	return raw, nil
}

// ListLabels implements provider.Client.
func (f *Fake) ListLabels(context.Context) ([]provider.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.LabelCalls++
	if f.LabelsErr != nil {
		return nil, f.LabelsErr
	}
	return append([]provider.Label(nil), f.Labels...), nil
}

// CreateLabel implements provider.Client.
func (f *Fake) CreateLabel(_ context.Context, name string) (provider.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return provider.Label{}, f.CreateErr
	}
	l := provider.Label{ID: "Label_" + strings.ToLower(name), Name: name}
	f.Labels = append(f.Labels, l)
	f.Created = append(f.Created, name)
	return l, nil
}

// ModifyMessage implements provider.Client.
func (f *Fake) ModifyMessage(_ context.Context, id string, add, remove []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ModifyErr != nil {
		return f.ModifyErr
	}
	if err := f.ModifyErrs[id]; err != nil {
		return err
	}
	f.Modified = append(f.Modified, ModifyCall{
		ID:     id,
		Add:    append([]string(nil), add...),
		Remove: append([]string(nil), remove...),
	})
	return nil
}

// Modifications returns a copy of the recorded ModifyMessage calls.
func (f *Fake) Modifications() []ModifyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ModifyCall(nil), f.Modified...)
}
