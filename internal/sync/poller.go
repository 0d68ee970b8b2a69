package sync

import (
	"context"
	"fmt"
	gosync "sync"
	"time"

	"go.uber.org/zap"

	"github.com/nhle/mailsync/internal/provider"
)

// State is the current state of the poller.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Status is a snapshot of the poller.
type Status struct {
	State      State
	LastCycle  time.Time
	Error      error
	Cycles     int
	Inserted   int
	LastReport *RunReport
}

// CycleResult is sent on the Results channel after every cycle.
type CycleResult struct {
	Inserted  int
	Report    *RunReport
	Error     error
	AuthError bool
}

// PollConfig controls what each cycle does.
type PollConfig struct {
	Interval   time.Duration
	MaxResults int
	Query      string
	RunLimit   int
	// CycleTimeout bounds one ingest plus rule run. Zero means
	// defaultCycleTimeout.
	CycleTimeout time.Duration
}

const (
	defaultInterval     = 5 * time.Minute
	defaultCycleTimeout = 2 * time.Minute
)

// Poller repeatedly ingests new mail and runs the rules over it. Cycles
// never overlap, so store writes stay serialized.
type Poller struct {
	ingester *Ingester
	runner   *Runner
	cfg      PollConfig
	log      *zap.Logger

	resultCh  chan CycleResult
	triggerCh chan struct{}
	stopCh    chan struct{}
	done      chan struct{}

	mu      gosync.Mutex
	status  Status
	running bool
}

// NewPoller creates a Poller. It does nothing until Start is called.
func NewPoller(in *Ingester, r *Runner, cfg PollConfig, log *zap.Logger) *Poller {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.CycleTimeout <= 0 {
		cfg.CycleTimeout = defaultCycleTimeout
	}
	return &Poller{
		ingester:  in,
		runner:    r,
		cfg:       cfg,
		log:       log,
		resultCh:  make(chan CycleResult, 16),
		triggerCh: make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// Start launches the polling goroutine. The first cycle runs immediately.
// The loop ends when ctx is cancelled or Stop is called. A stopped poller
// can be started again.
func (p *Poller) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	finished := isClosed(p.done)
	if p.running && !finished {
		return
	}
	if finished {
		p.stopCh = make(chan struct{})
		p.done = make(chan struct{})
	}
	p.running = true

	go p.loop(ctx, p.stopCh, p.done)
}

// Stop halts the polling goroutine and waits for an in-flight cycle to
// finish.
func (p *Poller) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stopCh)
	done := p.done
	p.mu.Unlock()

	<-done
}

// Done is closed once the current polling goroutine has exited.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Trigger asks for a cycle as soon as the current one (if any) is done.
func (p *Poller) Trigger() {
	select {
	case p.triggerCh <- struct{}{}:
	default:
		// a cycle is already pending
	}
}

// Results delivers the outcome of each cycle. Results are dropped when
// nobody keeps up with the channel.
func (p *Poller) Results() <-chan CycleResult {
	return p.resultCh
}

// Status returns the current poller status.
func (p *Poller) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *Poller) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.cycle(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			p.cycle(ctx)
		case <-p.triggerCh:
			p.cycle(ctx)
		}
	}
}

// cycle ingests new mail, then runs the rules if ingestion succeeded.
func (p *Poller) cycle(parent context.Context) {
	p.setState(StateRunning)

	ctx, cancel := context.WithTimeout(parent, p.cfg.CycleTimeout)
	defer cancel()

	inserted, err := p.ingester.FetchAndStore(ctx, p.cfg.MaxResults, p.cfg.Query)
	if err != nil {
		p.fail(err)
		return
	}

	report, err := p.runner.Run(ctx, p.cfg.RunLimit)
	if err != nil {
		p.fail(err)
		return
	}

	p.mu.Lock()
	p.status.State = StateIdle
	p.status.Error = nil
	p.status.LastCycle = time.Now()
	p.status.Cycles++
	p.status.Inserted += inserted
	p.status.LastReport = report
	p.mu.Unlock()

	p.sendResult(CycleResult{Inserted: inserted, Report: report})
}

func (p *Poller) fail(err error) {
	p.mu.Lock()
	p.status.State = StateError
	p.status.Error = err
	p.status.Cycles++
	p.mu.Unlock()

	if provider.IsAuthError(err) {
		p.log.Error("provider authentication failed; run `mailsync auth`", zap.Error(err))
		p.sendResult(CycleResult{Error: err, AuthError: true})
		return
	}
	p.log.Error("poll cycle failed", zap.Error(err))
	p.sendResult(CycleResult{Error: err})
}

func (p *Poller) setState(s State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status.State = s
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func (p *Poller) sendResult(res CycleResult) {
	select {
	case p.resultCh <- res:
	default:
	}
}
