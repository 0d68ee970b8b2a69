package action

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/provider"
)

// LabelResolver maps label names to provider label ids. Lookups are
// case-insensitive, missing labels are created in upper case, and system
// labels resolve to themselves without a remote call. Results are cached
// for the lifetime of the resolver.
type LabelResolver struct {
	client provider.Client
	log    *zap.Logger

	mu     sync.Mutex
	loaded bool
	byName map[string]string
}

// NewLabelResolver creates a resolver backed by client.
func NewLabelResolver(client provider.Client, log *zap.Logger) *LabelResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &LabelResolver{
		client: client,
		log:    log,
		byName: make(map[string]string),
	}
}

// Resolve returns the provider id for name, creating the label when the
// provider does not have it yet.
func (r *LabelResolver) Resolve(ctx context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if provider.IsSystemLabel(name) {
		return strings.ToUpper(name), nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	key := strings.ToLower(name)
	if id, ok := r.byName[key]; ok {
		return id, nil
	}

	if !r.loaded {
		labels, err := r.client.ListLabels(ctx)
		if err != nil {
			return "", provider.Wrap("list labels", "", err)
		}
		for _, l := range labels {
			r.byName[strings.ToLower(l.Name)] = l.ID
		}
		r.loaded = true

		if id, ok := r.byName[key]; ok {
			return id, nil
		}
	}

	created, err := r.client.CreateLabel(ctx, strings.ToUpper(name))
	if err != nil {
		return "", provider.Wrap("create label", name, err)
	}
	r.log.Info("label created",
		zap.String("label", created.Name),
		zap.String("label_id", created.ID),
	)
	r.byName[key] = created.ID
	return created.ID, nil
}
