// Package action applies rule actions to messages, first on the remote
// provider and then in the local store.
package action

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/provider"
	"github.com/nhle/mailsync/internal/store"
)

// InvalidActionError reports an action that cannot be applied at all. No
// remote call is made for it.
type InvalidActionError struct {
	Action model.Action
	Reason string
}

func (e *InvalidActionError) Error() string {
	return fmt.Sprintf("invalid action %s %q: %s", e.Action.Type, e.Action.Value, e.Reason)
}

// IsInvalidActionError reports whether err (or any error in its chain) is
// an InvalidActionError.
func IsInvalidActionError(err error) bool {
	var invalid *InvalidActionError
	return errors.As(err, &invalid)
}

// DivergenceError reports an action that the provider applied but the
// local store did not record. The remote side is ahead of the mirror.
type DivergenceError struct {
	MessageID  int64
	ProviderID string
	Action     model.Action
	Err        error
}

func (e *DivergenceError) Error() string {
	return fmt.Sprintf("message %d (%s): %s %q applied remotely but not locally: %v",
		e.MessageID, e.ProviderID, e.Action.Type, e.Action.Value, e.Err)
}

func (e *DivergenceError) Unwrap() error {
	return e.Err
}

// IsDivergenceError reports whether err (or any error in its chain) is a
// DivergenceError.
func IsDivergenceError(err error) bool {
	var div *DivergenceError
	return errors.As(err, &div)
}

// Executor applies actions. The remote change always happens first and the
// local change only after it succeeded.
type Executor struct {
	client provider.Client
	store  store.MessageStore
	labels *LabelResolver
	log    *zap.Logger
	dryRun bool
}

// NewExecutor creates an Executor. A nil labels resolver gets a fresh one
// backed by client. In dry-run mode nothing is written anywhere.
func NewExecutor(client provider.Client, st store.MessageStore, labels *LabelResolver, log *zap.Logger, dryRun bool) *Executor {
	if log == nil {
		log = zap.NewNop()
	}
	if labels == nil {
		labels = NewLabelResolver(client, log)
	}
	return &Executor{
		client: client,
		store:  st,
		labels: labels,
		log:    log,
		dryRun: dryRun,
	}
}

// DryRun reports whether the executor skips all writes.
func (e *Executor) DryRun() bool {
	return e.dryRun
}

// Apply performs act on msg. Errors are *InvalidActionError before any
// call, *provider.RemoteCallError when the provider rejected the change
// (local state untouched) and *DivergenceError when only the local write
// failed.
func (e *Executor) Apply(ctx context.Context, msg model.Message, act model.Action) error {
	if msg.ProviderID == "" {
		return &InvalidActionError{Action: act, Reason: "message has no provider id"}
	}

	log := e.log.With(
		zap.Int64("message_id", msg.ID),
		zap.String("provider_id", msg.ProviderID),
		zap.String("action", string(act.Type)),
		zap.String("value", act.Value),
	)

	switch act.Type {
	case model.ActionMove:
		return e.move(ctx, log, msg, act)
	case model.ActionMarkAs:
		return e.markAs(ctx, log, msg, act)
	default:
		return &InvalidActionError{Action: act, Reason: "unknown action type"}
	}
}

func (e *Executor) move(ctx context.Context, log *zap.Logger, msg model.Message, act model.Action) error {
	target := strings.TrimSpace(act.Value)
	if target == "" {
		return &InvalidActionError{Action: act, Reason: "move needs a target label"}
	}

	if e.dryRun {
		log.Info("dry run: would move message")
		return nil
	}

	labelID, err := e.labels.Resolve(ctx, target)
	if err != nil {
		return err
	}

	var remove []string
	if labelID != provider.LabelInbox {
		remove = []string{provider.LabelInbox}
	}
	if err := e.client.ModifyMessage(ctx, msg.ProviderID, []string{labelID}, remove); err != nil {
		return provider.Wrap("modify", msg.ProviderID, err)
	}

	return e.commit(ctx, log, msg, act, store.SetLabel(strings.ToLower(target)))
}

func (e *Executor) markAs(ctx context.Context, log *zap.Logger, msg model.Message, act model.Action) error {
	var (
		add, remove []string
		read        bool
	)
	switch strings.ToLower(strings.TrimSpace(act.Value)) {
	case model.MarkRead:
		remove = []string{provider.LabelUnread}
		read = true
	case model.MarkUnread:
		add = []string{provider.LabelUnread}
	default:
		return &InvalidActionError{Action: act, Reason: "mark_as value must be read or unread"}
	}

	if e.dryRun {
		log.Info("dry run: would mark message")
		return nil
	}

	if err := e.client.ModifyMessage(ctx, msg.ProviderID, add, remove); err != nil {
		return provider.Wrap("modify", msg.ProviderID, err)
	}

	return e.commit(ctx, log, msg, act, store.SetRead(read))
}

func (e *Executor) commit(ctx context.Context, log *zap.Logger, msg model.Message, act model.Action, upd store.MessageUpdate) error {
	if err := e.store.UpdateFields(ctx, []int64{msg.ID}, upd); err != nil {
		log.Error("remote change applied but local update failed", zap.Error(err))
		return &DivergenceError{
			MessageID:  msg.ID,
			ProviderID: msg.ProviderID,
			Action:     act,
			Err:        err,
		}
	}
	log.Info("action applied")
	return nil
}
