package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/api/googleapi"
)

// flakyClient fails calls with the queued errors before succeeding.
type flakyClient struct {
	errs  []error
	calls int
}

func (f *flakyClient) ListMessageIDs(context.Context, int, string) ([]string, error) {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return nil, err
	}
	return []string{"a", "b"}, nil
}

func (f *flakyClient) GetMessage(context.Context, string) (*RawMessage, error) {
	return nil, errors.New("not used")
}

func (f *flakyClient) ListLabels(context.Context) ([]Label, error) {
	return nil, nil
}

func (f *flakyClient) CreateLabel(context.Context, string) (Label, error) {
	return Label{}, nil
}

func (f *flakyClient) ModifyMessage(context.Context, string, []string, []string) error {
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func newTestResilient(t *testing.T, next Client, attempts int) (*Resilient, *[]time.Duration) {
	t.Helper()
	r := NewResilient(next, nil, RetryPolicy{
		MaxAttempts:  attempts,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     40 * time.Millisecond,
	}, zaptest.NewLogger(t))

	var pauses []time.Duration
	r.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}
	return r, &pauses
}

func TestResilient_RetriesTransientFailures(t *testing.T) {
	next := &flakyClient{errs: []error{
		&googleapi.Error{Code: http.StatusServiceUnavailable},
		&googleapi.Error{Code: http.StatusTooManyRequests},
	}}
	r, pauses := newTestResilient(t, next, 3)

	err := r.ModifyMessage(context.Background(), "m1", []string{"X"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, next.calls)
	assert.Len(t, *pauses, 2)
}

func TestResilient_GivesUpAfterMaxAttempts(t *testing.T) {
	next := &flakyClient{errs: []error{
		&googleapi.Error{Code: http.StatusBadGateway},
		&googleapi.Error{Code: http.StatusBadGateway},
		&googleapi.Error{Code: http.StatusBadGateway},
	}}
	r, _ := newTestResilient(t, next, 2)

	err := r.ModifyMessage(context.Background(), "m1", nil, []string{"UNREAD"})
	require.Error(t, err)
	assert.Equal(t, 2, next.calls)

	var remoteErr *RemoteCallError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "modify message", remoteErr.Op)
	assert.Equal(t, "m1", remoteErr.ID)
}

func TestResilient_DoesNotRetryPermanentFailures(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{name: "not found", err: &googleapi.Error{Code: http.StatusNotFound}},
		{name: "auth", err: &AuthError{Kind: KindGmail, Message: "token expired"}},
		{name: "plain", err: errors.New("bad request")},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			next := &flakyClient{errs: []error{tc.err}}
			r, pauses := newTestResilient(t, next, 5)

			_, err := r.ListMessageIDs(context.Background(), 10, "")
			require.Error(t, err)
			assert.Equal(t, 1, next.calls)
			assert.Empty(t, *pauses)
			assert.True(t, IsRemoteCallError(err))
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestResilient_StopsWhenContextCancelled(t *testing.T) {
	next := &flakyClient{errs: []error{&googleapi.Error{Code: http.StatusInternalServerError}}}
	r, _ := newTestResilient(t, next, 5)
	r.sleep = func(ctx context.Context, _ time.Duration) error {
		return context.Canceled
	}

	err := r.ModifyMessage(context.Background(), "m1", nil, nil)
	require.Error(t, err)
	assert.Equal(t, 1, next.calls)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("wrapped: %w", &googleapi.Error{Code: 500})))
	assert.True(t, IsTransient(&googleapi.Error{Code: 429}))
	assert.False(t, IsTransient(&googleapi.Error{Code: 403}))
	assert.False(t, IsTransient(nil))
	assert.False(t, IsTransient(context.Canceled))
	assert.False(t, IsTransient(&AuthError{Kind: KindIMAP}))
}

func TestWrap_KeepsExistingRemoteCallError(t *testing.T) {
	inner := &RemoteCallError{Op: "get message", ID: "x", Err: errors.New("boom")}
	assert.Same(t, inner, Wrap("other", "y", inner))
	assert.Nil(t, Wrap("op", "id", nil))
}

func TestIsSystemLabel(t *testing.T) {
	assert.True(t, IsSystemLabel("inbox"))
	assert.True(t, IsSystemLabel("UNREAD"))
	assert.False(t, IsSystemLabel("billing"))
}
