// Package sync pulls messages from the provider into the local store and
// runs the classification rules over them.
package sync

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nhle/mailsync/internal/decode"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// Ingester fetches messages from a provider and stores them.
type Ingester struct {
	client      provider.Client
	store       store.MessageStore
	log         *zap.Logger
	metrics     *metrics.Metrics
	concurrency int
}

// NewIngester creates an Ingester that fetches up to concurrency messages
// at a time. m may be nil.
func NewIngester(client provider.Client, st store.MessageStore, log *zap.Logger, m *metrics.Metrics, concurrency int) *Ingester {
	if log == nil {
		log = zap.NewNop()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Ingester{
		client:      client,
		store:       st,
		log:         log,
		metrics:     m,
		concurrency: concurrency,
	}
}

// FetchAndStore lists up to maxResults message ids matching query, fetches
// and decodes each one, and stores the batch in a single upsert. It
// returns the number of newly inserted messages. Any list, fetch or decode
// failure aborts the call before anything is written.
func (in *Ingester) FetchAndStore(ctx context.Context, maxResults int, query string) (int, error) {
	ids, err := in.client.ListMessageIDs(ctx, maxResults, query)
	if err != nil {
		return 0, fmt.Errorf("listing messages: %w", provider.Wrap("list", "", err))
	}
	in.log.Debug("messages listed", zap.Int("count", len(ids)), zap.String("query", query))
	if len(ids) == 0 {
		return 0, nil
	}

	msgs := make([]model.Message, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(in.concurrency)
	for i, id := range ids {
		g.Go(func() error {
			raw, err := in.client.GetMessage(gctx, id)
			if err != nil {
				return fmt.Errorf("fetching message %s: %w", id, provider.Wrap("get", id, err))
			}
			msg, err := decode.Parse(raw)
			if err != nil {
				return err
			}
			msgs[i] = msg
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		in.log.Error("ingestion aborted", zap.Int("listed", len(ids)), zap.Error(err))
		return 0, err
	}

	inserted, err := in.store.Upsert(ctx, msgs)
	if err != nil {
		return 0, fmt.Errorf("storing messages: %w", err)
	}

	skipped := len(msgs) - inserted
	in.metrics.Ingested(inserted, skipped)
	in.log.Info("messages ingested",
		zap.Int("listed", len(ids)),
		zap.Int("inserted", inserted),
		zap.Int("skipped", skipped),
	)
	return inserted, nil
}
