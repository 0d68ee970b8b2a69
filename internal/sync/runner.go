package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/action"
	"github.com/nhle/mailsync/internal/metrics"
	"github.com/nhle/mailsync/internal/model"
	"github.com/nhle/mailsync/internal/rules"
	"github.com/nhle/mailsync/internal/store"
)

// Failure stages.
const (
	StageEvaluate = "evaluate"
	StageAction   = "action"
)

// Failure records one per-message problem during a rule run. Action is
// zero for evaluation failures.
type Failure struct {
	MessageID int64
	Rule      string
	Stage     string
	Action    model.Action
	Err       error
}

// RunReport summarizes a rule run.
type RunReport struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	DryRun         bool
	Messages       int
	Evaluations    int
	Matches        int
	ActionsApplied int
	Failures       []Failure
}

// Runner applies the configured rules to the most recent messages.
type Runner struct {
	store    store.MessageStore
	recorder store.RunRecorder
	rules    []model.Rule
	exec     *action.Executor
	log      *zap.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
}

// NewRunner creates a Runner. recorder and m may be nil.
func NewRunner(st store.MessageStore, recorder store.RunRecorder, ruleSet []model.Rule, exec *action.Executor, log *zap.Logger, m *metrics.Metrics) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{
		store:    st,
		recorder: recorder,
		rules:    ruleSet,
		exec:     exec,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Run evaluates every rule, in order, against each of the limit most
// recent messages and applies the actions of every matching rule.
// Evaluation and action failures are collected in the report and never
// stop the run. Only a failure to load the messages is returned as an
// error, or the context's error if it is cancelled mid-run.
func (r *Runner) Run(ctx context.Context, limit int) (*RunReport, error) {
	report := &RunReport{
		RunID:     uuid.NewString(),
		StartedAt: r.now(),
		DryRun:    r.exec.DryRun(),
	}
	log := r.log.With(zap.String("run_id", report.RunID))

	msgs, err := r.store.MostRecent(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("loading messages for rule run: %w", err)
	}
	report.Messages = len(msgs)
	log.Info("rule run started",
		zap.Int("messages", len(msgs)),
		zap.Int("rules", len(r.rules)),
		zap.Bool("dry_run", report.DryRun),
	)

	now := report.StartedAt
	var runErr error
	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		r.processMessage(ctx, log, report, msg, now)
	}

	report.FinishedAt = r.now()
	r.metrics.RunFinished(report.FinishedAt.Sub(report.StartedAt), len(report.Failures))
	r.record(ctx, log, report)

	log.Info("rule run finished",
		zap.Int("evaluations", report.Evaluations),
		zap.Int("matches", report.Matches),
		zap.Int("actions_applied", report.ActionsApplied),
		zap.Int("failures", len(report.Failures)),
	)
	return report, runErr
}

func (r *Runner) processMessage(ctx context.Context, log *zap.Logger, report *RunReport, msg model.Message, now time.Time) {
	for _, rule := range r.rules {
		report.Evaluations++

		matched, err := rules.Matches(msg, rule, now)
		if err != nil {
			log.Warn("rule evaluation failed",
				zap.Int64("message_id", msg.ID),
				zap.String("rule", rule.Name),
				zap.Error(err),
			)
			report.Failures = append(report.Failures, Failure{
				MessageID: msg.ID,
				Rule:      rule.Name,
				Stage:     StageEvaluate,
				Err:       err,
			})
			continue
		}
		if !matched {
			continue
		}

		report.Matches++
		r.metrics.Matched(rule.Name)
		log.Debug("rule matched", zap.Int64("message_id", msg.ID), zap.String("rule", rule.Name))

		for _, act := range rule.Actions {
			err := r.exec.Apply(ctx, msg, act)
			r.metrics.Action(string(act.Type), r.outcome(err))
			if err != nil {
				log.Warn("action failed",
					zap.Int64("message_id", msg.ID),
					zap.String("rule", rule.Name),
					zap.String("action", string(act.Type)),
					zap.Error(err),
				)
				report.Failures = append(report.Failures, Failure{
					MessageID: msg.ID,
					Rule:      rule.Name,
					Stage:     StageAction,
					Action:    act,
					Err:       err,
				})
				continue
			}
			report.ActionsApplied++
		}
	}
}

func (r *Runner) outcome(err error) string {
	switch {
	case err == nil && r.exec.DryRun():
		return metrics.OutcomeDryRun
	case err == nil:
		return metrics.OutcomeApplied
	case action.IsDivergenceError(err):
		return metrics.OutcomeDiverged
	case action.IsInvalidActionError(err):
		return metrics.OutcomeInvalid
	default:
		return metrics.OutcomeFailed
	}
}

func (r *Runner) record(ctx context.Context, log *zap.Logger, report *RunReport) {
	if r.recorder == nil {
		return
	}
	err := r.recorder.RecordRun(ctx, store.RunRecord{
		ID:             report.RunID,
		StartedAt:      report.StartedAt,
		FinishedAt:     report.FinishedAt,
		Messages:       report.Messages,
		Matches:        report.Matches,
		ActionsApplied: report.ActionsApplied,
		Failures:       len(report.Failures),
		DryRun:         report.DryRun,
	})
	if err != nil {
		log.Error("recording rule run failed", zap.Error(err))
	}
}
