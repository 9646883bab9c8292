// Package syncer periodically pulls each configured calendar feed and merges
// it into the busy-interval store on a small pool of workers.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"agentcal/internal/ingest"
	appLog "agentcal/internal/log"
	"agentcal/internal/model"
)

// ErrUnknownTarget is returned by SyncNow for an agent with no configured feed.
var ErrUnknownTarget = errors.New("no sync target for agent")

// Feeds retrieves a raw calendar feed.
type Feeds interface {
	Fetch(ctx context.Context, uri string) ([]byte, error)
}

// Merger reconciles a raw feed into the store.
type Merger interface {
	Merge(ctx context.Context, clientID, agentID string, raw []byte) (*ingest.Result, error)
}

// Options tunes the scheduler. Zero values fall back to defaults.
type Options struct {
	// Dispatch is a robfig/cron spec for the dispatch tick.
	Dispatch string
	// Interval is the minimum time between syncs of one target.
	Interval  time.Duration
	Workers   int
	PollWait  time.Duration
	QueueSize int
}

func (o *Options) normalize() {
	if o.Dispatch == "" {
		o.Dispatch = "@every 1m"
	}
	if o.Interval <= 0 {
		o.Interval = 2 * time.Hour
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.PollWait <= 0 {
		o.PollWait = 5 * time.Second
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 64
	}
}

type task struct {
	runID     string
	clientID  string
	agentID   string
	sourceURI string
}

// Scheduler owns the sync targets and their LastSync state.
type Scheduler struct {
	feeds  Feeds
	merger Merger
	opts   Options
	now    func() time.Time

	mu      sync.Mutex
	targets []*model.SyncTarget
	running bool

	ctx    context.Context
	cron   *cron.Cron
	queue  chan task
	stopCh chan struct{}
	group  *errgroup.Group
}

// New creates a Scheduler for targets. Targets are copied.
func New(feeds Feeds, merger Merger, targets []model.SyncTarget, opts Options) *Scheduler {
	opts.normalize()
	list := make([]*model.SyncTarget, 0, len(targets))
	for i := range targets {
		t := targets[i]
		list = append(list, &t)
	}
	return &Scheduler{
		feeds:   feeds,
		merger:  merger,
		opts:    opts,
		now:     time.Now,
		targets: list,
	}
}

// Start runs one dispatch immediately, then on every cron tick, and starts
// the worker pool. Work started here is not cancelled by ctx; use Stop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}

	c := cron.New(
		cron.WithChain(cron.SkipIfStillRunning(appLog.CronLogger{})),
		cron.WithLogger(appLog.CronLogger{}),
	)
	if _, err := c.AddFunc(s.opts.Dispatch, s.dispatch); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("invalid dispatch spec %q: %w", s.opts.Dispatch, err)
	}

	s.ctx = context.WithoutCancel(ctx)
	s.cron = c
	s.queue = make(chan task, s.opts.QueueSize)
	s.stopCh = make(chan struct{})
	s.group = &errgroup.Group{}
	s.running = true
	s.mu.Unlock()

	for i := 0; i < s.opts.Workers; i++ {
		id := i
		s.group.Go(func() error {
			s.work(id)
			return nil
		})
	}

	s.dispatch()
	c.Start()

	appLog.Info("sync scheduler started",
		"targets", len(s.targets),
		"workers", s.opts.Workers,
		"dispatch", s.opts.Dispatch,
		"interval", s.opts.Interval.String(),
	)
	return nil
}

// Stop halts dispatching, lets workers drain the queue, and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	close(s.stopCh)
	_ = s.group.Wait()
	appLog.Info("sync scheduler stopped")
}

// Targets returns a snapshot of the targets and their LastSync.
func (s *Scheduler) Targets() []model.SyncTarget {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.SyncTarget, 0, len(s.targets))
	for _, t := range s.targets {
		out = append(out, *t)
	}
	return out
}

// dispatch claims every due target and enqueues it. A target is claimed by
// advancing LastSync before it is queued, so a slow sync is not queued twice.
func (s *Scheduler) dispatch() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	queued := 0
	for _, t := range s.targets {
		if !t.LastSync.IsZero() && now.Sub(t.LastSync) < s.opts.Interval {
			continue
		}
		prev := t.LastSync
		t.LastSync = now

		tk := task{
			runID:     uuid.NewString(),
			clientID:  t.ClientID,
			agentID:   t.AgentID,
			sourceURI: t.SourceURI,
		}
		select {
		case s.queue <- tk:
			queued++
		default:
			t.LastSync = prev
			appLog.Warn("sync queue full, target deferred",
				"client_id", t.ClientID,
				"agent_id", t.AgentID,
			)
		}
	}
	if queued > 0 {
		appLog.Debug("sync dispatch", "queued", queued)
	}
}

func (s *Scheduler) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// work consumes tasks until the scheduler is stopped and the queue is empty.
func (s *Scheduler) work(id int) {
	for {
		// Observe stop before the queue: once stopCh is closed nothing else
		// is enqueued, so an empty queue afterwards means drained.
		done := s.stopped()
		select {
		case tk := <-s.queue:
			s.run(tk, id)
			continue
		default:
		}
		if done {
			return
		}

		select {
		case tk := <-s.queue:
			s.run(tk, id)
		case <-s.stopCh:
		case <-time.After(s.opts.PollWait):
		}
	}
}

func (s *Scheduler) run(tk task, worker int) {
	appLog.Info("sync started",
		"run_id", tk.runID,
		"client_id", tk.clientID,
		"agent_id", tk.agentID,
		"worker", worker,
	)
	res, err := s.syncOnce(s.ctx, tk.clientID, tk.agentID, tk.sourceURI)
	if err != nil {
		appLog.Error("sync failed", err,
			"run_id", tk.runID,
			"client_id", tk.clientID,
			"agent_id", tk.agentID,
		)
		return
	}
	appLog.Info("sync finished",
		"run_id", tk.runID,
		"client_id", tk.clientID,
		"agent_id", tk.agentID,
		"events", res.EventsFound,
		"deleted", res.Deleted,
		"took", res.Duration.String(),
	)
}

func (s *Scheduler) syncOnce(ctx context.Context, clientID, agentID, uri string) (*ingest.Result, error) {
	raw, err := s.feeds.Fetch(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	return s.merger.Merge(ctx, clientID, agentID, raw)
}

// SyncNow fetches and merges one agent's feed synchronously and marks it as
// synced so the next dispatch does not repeat the work.
func (s *Scheduler) SyncNow(ctx context.Context, clientID, agentID string) (*ingest.Result, error) {
	s.mu.Lock()
	var target *model.SyncTarget
	for _, t := range s.targets {
		if t.ClientID == clientID && t.AgentID == agentID {
			target = t
			break
		}
	}
	if target == nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownTarget, model.AgentKey(clientID, agentID))
	}
	uri := target.SourceURI
	s.mu.Unlock()

	runID := uuid.NewString()
	appLog.Info("manual sync started", "run_id", runID, "client_id", clientID, "agent_id", agentID)
	res, err := s.syncOnce(ctx, clientID, agentID, uri)
	if err != nil {
		appLog.Error("manual sync failed", err, "run_id", runID, "client_id", clientID, "agent_id", agentID)
		return nil, err
	}

	s.mu.Lock()
	target.LastSync = s.now()
	s.mu.Unlock()
	return res, nil
}

// SyncAll runs every target once, in order, without the worker pool. Errors
// are collected; one failing target does not stop the rest.
func (s *Scheduler) SyncAll(ctx context.Context) error {
	var errs []error
	for _, t := range s.Targets() {
		if _, err := s.SyncNow(ctx, t.ClientID, t.AgentID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Key(), err))
		}
	}
	return errors.Join(errs...)
}
