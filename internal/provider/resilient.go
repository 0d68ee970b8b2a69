package provider

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/googleapis/gax-go/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/api/googleapi"
)

// RetryPolicy bounds the retries of one remote call.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// Resilient decorates a Client with client-side rate limiting and bounded
// retries of transient failures. Every error it returns is a
// *RemoteCallError.
type Resilient struct {
	next    Client
	limiter *rate.Limiter
	policy  RetryPolicy
	log     *zap.Logger

	// sleep is swapped in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

var _ Client = (*Resilient)(nil)

// NewResilient wraps next. A nil limiter disables rate limiting.
func NewResilient(next Client, limiter *rate.Limiter, policy RetryPolicy, log *zap.Logger) *Resilient {
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = DefaultRetryPolicy().InitialDelay
	}
	if policy.MaxDelay < policy.InitialDelay {
		policy.MaxDelay = policy.InitialDelay
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resilient{
		next:    next,
		limiter: limiter,
		policy:  policy,
		log:     log,
		sleep:   gax.Sleep,
	}
}

// ListMessageIDs implements Client.
func (r *Resilient) ListMessageIDs(ctx context.Context, max int, query string) ([]string, error) {
	var ids []string
	err := r.do(ctx, "list messages", "", func(ctx context.Context) error {
		var err error
		ids, err = r.next.ListMessageIDs(ctx, max, query)
		return err
	})
	return ids, err
}

// GetMessage implements Client.
func (r *Resilient) GetMessage(ctx context.Context, id string) (*RawMessage, error) {
	var msg *RawMessage
	err := r.do(ctx, "get message", id, func(ctx context.Context) error {
		var err error
		msg, err = r.next.GetMessage(ctx, id)
		return err
	})
	return msg, err
}

// ListLabels implements Client.
func (r *Resilient) ListLabels(ctx context.Context) ([]Label, error) {
	var labels []Label
	err := r.do(ctx, "list labels", "", func(ctx context.Context) error {
		var err error
		labels, err = r.next.ListLabels(ctx)
		return err
	})
	return labels, err
}

// CreateLabel implements Client.
func (r *Resilient) CreateLabel(ctx context.Context, name string) (Label, error) {
	var label Label
	err := r.do(ctx, "create label", name, func(ctx context.Context) error {
		var err error
		label, err = r.next.CreateLabel(ctx, name)
		return err
	})
	return label, err
}

// ModifyMessage implements Client. Label modification is idempotent, so a
// retry after an ambiguous failure is safe.
func (r *Resilient) ModifyMessage(ctx context.Context, id string, add, remove []string) error {
	return r.do(ctx, "modify message", id, func(ctx context.Context) error {
		return r.next.ModifyMessage(ctx, id, add, remove)
	})
}

func (r *Resilient) do(ctx context.Context, op, id string, fn func(context.Context) error) error {
	backoff := gax.Backoff{
		Initial:    r.policy.InitialDelay,
		Max:        r.policy.MaxDelay,
		Multiplier: 2,
	}

	var err error
	for attempt := 1; ; attempt++ {
		if r.limiter != nil {
			if werr := r.limiter.Wait(ctx); werr != nil {
				return Wrap(op, id, werr)
			}
		}

		err = fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.policy.MaxAttempts || !IsTransient(err) || ctx.Err() != nil {
			break
		}

		pause := backoff.Pause()
		r.log.Warn("transient remote failure, retrying",
			zap.String("op", op),
			zap.String("id", id),
			zap.Int("attempt", attempt),
			zap.Duration("pause", pause),
			zap.Error(err),
		)
		if serr := r.sleep(ctx, pause); serr != nil {
			break
		}
	}
	return Wrap(op, id, err)
}

// Wrap returns err as a *RemoteCallError, leaving errors that already are
// one untouched.
func Wrap(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var remoteErr *RemoteCallError
	if errors.As(err, &remoteErr) {
		return err
	}
	return &RemoteCallError{Op: op, ID: id, Err: err}
}

// IsTransient reports whether err is worth retrying: rate limiting, server
// side failures, timeouts and dropped connections. Auth errors never are.
func IsTransient(err error) bool {
	if err == nil || IsAuthError(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= http.StatusInternalServerError
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	return errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF)
}
