// Package poller drives periodic fetches for the target the consumer is
// watching. All poll state lives in one goroutine; callers talk to it through
// events and read snapshots.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Fimeg/systemsdashboard/internal/errs"
)

// Options tunes the scheduler. Zero values take the defaults.
type Options struct {
	Interval    time.Duration // requested tick period
	MinInterval time.Duration // floor for the tick period and spacing between fetch starts
	Debounce    time.Duration // delay between a target selection and the first fetch
	MaxRetries  int           // retryable failures before automatic ticks stop
	UpdateQueue int
}

func (o *Options) defaults() {
	if o.MinInterval <= 0 {
		o.MinInterval = 2 * time.Second
	}
	if o.Interval < o.MinInterval {
		o.Interval = o.MinInterval
	}
	if o.Debounce <= 0 {
		o.Debounce = 500 * time.Millisecond
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.UpdateQueue <= 0 {
		o.UpdateQueue = 16
	}
}

// Update is published whenever the displayed data or the announced error
// changes.
type Update struct {
	Target      Target
	Generation  uint64
	Data        map[string]any
	Err         error
	Placeholder bool
}

// State is a snapshot of the poll state for the active target.
type State struct {
	Target           Target
	Generation       uint64
	InFlight         bool
	LastRequestAt    time.Time
	LastSuccessAt    time.Time
	RetryCount       int
	Data             map[string]any
	Err              error
	Halted           bool
	NeedsReconfigure bool
}

type eventKind int

const (
	eventSelect eventKind = iota
	eventResume
)

type event struct {
	kind   eventKind
	target Target
}

type result struct {
	seq  uint64
	data map[string]any
	err  error
}

// Scheduler polls one target at a time.
type Scheduler struct {
	fetcher Fetcher
	opts    Options
	logger  *slog.Logger

	events  chan event
	results chan result
	updates chan Update

	mu       sync.RWMutex
	snapshot State

	runMu   sync.Mutex
	running bool

	// Owned by the Run goroutine.
	state         State
	seq           uint64
	cancel        context.CancelFunc
	lastAnnounced string
}

// New creates a scheduler around fetcher.
func New(logger *slog.Logger, fetcher Fetcher, opts Options) *Scheduler {
	opts.defaults()
	return &Scheduler{
		fetcher: fetcher,
		opts:    opts,
		logger:  logger.With("component", "poller"),
		events:  make(chan event),
		results: make(chan result),
		updates: make(chan Update, opts.UpdateQueue),
	}
}

// Select makes t the active target. It blocks until the loop accepts the
// event or ctx ends.
func (s *Scheduler) Select(ctx context.Context, t Target) error {
	return s.send(ctx, event{kind: eventSelect, target: t})
}

// Resume clears a halted or needs-reconfiguration state and schedules a
// fetch.
func (s *Scheduler) Resume(ctx context.Context) error {
	return s.send(ctx, event{kind: eventResume})
}

func (s *Scheduler) send(ctx context.Context, ev event) error {
	select {
	case s.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Updates delivers published updates. Updates are dropped when the reader
// falls behind by more than the queue size.
func (s *Scheduler) Updates() <-chan Update {
	return s.updates
}

// State returns the latest poll state.
func (s *Scheduler) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// Run starts the scheduler and blocks until ctx is cancelled
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.runMu.Unlock()
	defer func() {
		s.runMu.Lock()
		s.running = false
		s.runMu.Unlock()
	}()

	s.logger.Info("starting poller",
		"interval", s.opts.Interval,
		"debounce", s.opts.Debounce,
		"max_retries", s.opts.MaxRetries,
	)

	debounce := time.NewTimer(s.opts.Debounce)
	stopTimer(debounce)
	var (
		ticker *time.Ticker
		tickC  <-chan time.Time
	)
	stopTicker := func() {
		if ticker != nil {
			ticker.Stop()
			ticker, tickC = nil, nil
		}
	}
	defer stopTicker()

	for {
		select {
		case <-ctx.Done():
			s.abort()
			stopTimer(debounce)
			s.logger.Info("poller context cancelled, shutting down")
			return ctx.Err()

		case ev := <-s.events:
			switch ev.kind {
			case eventSelect:
				stopTimer(debounce)
				stopTicker()
				if s.selectTarget(ev.target) {
					debounce.Reset(s.opts.Debounce)
					ticker = time.NewTicker(s.opts.Interval)
					tickC = ticker.C
				}
			case eventResume:
				if s.resume() {
					stopTimer(debounce)
					debounce.Reset(s.opts.Debounce)
				}
			}

		case <-debounce.C:
			if !s.state.InFlight {
				s.fetch(ctx)
			}

		case <-tickC:
			s.tick(ctx)

		case res := <-s.results:
			s.complete(res)
		}
	}
}

// selectTarget resets all poll state for t. It reports whether t should be
// polled.
func (s *Scheduler) selectTarget(t Target) bool {
	s.abort()
	gen := s.state.Generation + 1
	s.state = State{Target: t, Generation: gen}
	s.lastAnnounced = ""

	if t.IsZero() {
		s.publish()
		return false
	}
	if t.AwaitsNode() {
		s.state.Data = Placeholder(t, time.Now())
		s.publish()
		s.emit(Update{Target: t, Generation: gen, Data: s.state.Data, Placeholder: true})
		s.logger.Debug("Cluster selected without node, waiting", "id", t.Device.ID)
		return false
	}

	s.publish()
	s.logger.Debug("Target selected", "id", t.Device.ID, "type", t.Device.Type, "node", t.Node, "generation", gen)
	return true
}

func (s *Scheduler) resume() bool {
	if s.state.Target.IsZero() || s.state.Target.AwaitsNode() {
		return false
	}
	s.state.Halted = false
	s.state.NeedsReconfigure = false
	s.state.RetryCount = 0
	s.publish()
	s.logger.Info("Polling resumed", "id", s.state.Target.Device.ID)
	return true
}

// tick fetches when polling is active, nothing is in flight and the minimum
// spacing since the last fetch start has passed. Ticks may be delivered
// slightly early relative to that start, hence the slack.
func (s *Scheduler) tick(ctx context.Context) {
	if s.state.Halted || s.state.InFlight {
		return
	}
	slack := s.opts.MinInterval / 20
	if !s.state.LastRequestAt.IsZero() && time.Since(s.state.LastRequestAt) < s.opts.MinInterval-slack {
		return
	}
	s.fetch(ctx)
}

// fetch starts a request tagged with a fresh sequence number.
func (s *Scheduler) fetch(ctx context.Context) {
	s.abort()

	s.seq++
	seq := s.seq
	fctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.state.InFlight = true
	s.state.LastRequestAt = time.Now()
	s.publish()

	target := s.state.Target
	go func() {
		data, err := s.fetcher.Fetch(fctx, target)
		select {
		case s.results <- result{seq: seq, data: data, err: err}:
		case <-ctx.Done():
		}
	}()
}

// abort cancels the in-flight request, if any. Its result will be discarded.
func (s *Scheduler) abort() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.state.InFlight = false
}

func (s *Scheduler) complete(res result) {
	if res.seq != s.seq || !s.state.InFlight {
		s.logger.Debug("Discarding stale response", "seq", res.seq, "current", s.seq)
		return
	}
	s.cancel()
	s.cancel = nil
	s.state.InFlight = false

	if res.err != nil {
		s.handleFailure(res.err)
		return
	}
	s.handleSuccess(res.data)
}

// handleSuccess stores the envelope and clears the error and retry state
func (s *Scheduler) handleSuccess(data map[string]any) {
	s.state.Data = data
	s.state.Err = nil
	s.state.RetryCount = 0
	s.state.LastSuccessAt = time.Now()
	s.lastAnnounced = ""
	s.publish()
	s.emit(Update{Target: s.state.Target, Generation: s.state.Generation, Data: data})
}

// handleFailure records err and decides whether automatic ticks continue
func (s *Scheduler) handleFailure(err error) {
	s.state.Err = err
	logger := s.logger.With("id", s.state.Target.Device.ID)

	switch kind := errs.KindOf(err); kind {
	case errs.KindExhausted, errs.KindConnectivity:
		s.state.RetryCount++
		if s.state.RetryCount >= s.opts.MaxRetries {
			s.state.Halted = true
			logger.Warn("Polling halted after repeated failures", "retries", s.state.RetryCount, "error", err)
		}
	case errs.KindAuthentication, errs.KindValidation:
		s.state.Halted = true
		s.state.NeedsReconfigure = true
		logger.Warn("Polling halted, device needs reconfiguration", "kind", kind, "error", err)
	}
	s.publish()

	msg := err.Error()
	if msg == s.lastAnnounced {
		return
	}
	s.lastAnnounced = msg
	logger.Warn("Fetch failed", "error", err, "retries", s.state.RetryCount)
	s.emit(Update{Target: s.state.Target, Generation: s.state.Generation, Data: s.state.Data, Err: err})
}

func (s *Scheduler) publish() {
	s.mu.Lock()
	s.snapshot = s.state
	s.mu.Unlock()
}

func (s *Scheduler) emit(u Update) {
	select {
	case s.updates <- u:
	default:
		s.logger.Warn("failed to publish update: channel full", "id", u.Target.Device.ID)
	}
}

func stopTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
}
