// Package scheduler runs jobs on a fixed pool of workers. Every status
// change goes through the repository's compare-and-set, so a worker that
// loses a race simply moves on.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/use-agent/scrapeflow/artifact"
	"github.com/use-agent/scrapeflow/metrics"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/scraper"
	"github.com/use-agent/scrapeflow/store"
)

// persistTimeout bounds repository and artifact writes that must complete
// even after the worker's context is gone.
const persistTimeout = 15 * time.Second

// Messages stored in error_message.
const (
	MsgDeadline    = "render exceeded deadline"
	MsgInterrupted = "render interrupted by shutdown"
)

// Publisher receives every persisted transition.
type Publisher interface {
	Publish(ev models.StatusEvent)
}

// Config holds the worker pool policy.
type Config struct {
	Workers         int
	JobTimeout      time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
	InlineTextLimit int
}

// Scheduler owns the work queue and the worker goroutines.
type Scheduler struct {
	cfg       Config
	repo      store.Repository
	renderer  scraper.Renderer
	artifacts artifact.Store
	pub       Publisher
	metrics   *metrics.Metrics

	queue *Queue
	busy  atomic.Int32
	wg    sync.WaitGroup

	mu        sync.Mutex
	retries   map[*time.Timer]struct{}
	stopped   bool
	cancelRun context.CancelFunc
}

// New wires a scheduler. Call Start to launch the workers.
func New(cfg Config, repo store.Repository, renderer scraper.Renderer, artifacts artifact.Store, pub Publisher, m *metrics.Metrics) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 120 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	s := &Scheduler{
		cfg:       cfg,
		repo:      repo,
		renderer:  renderer,
		artifacts: artifacts,
		pub:       pub,
		metrics:   m,
		queue:     NewQueue(),
		retries:   make(map[*time.Timer]struct{}),
	}
	m.RegisterQueueDepth(s.QueueDepth)
	return s
}

// Start launches the workers. They run until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelRun = cancel
	s.mu.Unlock()

	for i := 1; i <= s.cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, i)
	}
	slog.Info("scheduler started",
		"workers", s.cfg.Workers,
		"job_timeout", s.cfg.JobTimeout,
		"max_retries", s.cfg.MaxRetries,
	)
}

// Enqueue adds jobID to the back of the queue. It never blocks.
func (s *Scheduler) Enqueue(jobID string) error {
	if err := s.queue.Push(jobID); err != nil {
		return fmt.Errorf("enqueue %s: %w", jobID, err)
	}
	slog.Debug("job enqueued", "job_id", jobID, "queue_depth", s.queue.Len())
	return nil
}

// Stop closes the queue and waits for in-flight renders. When ctx expires
// first, running renders are aborted and their jobs marked failed.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for t := range s.retries {
		t.Stop()
	}
	s.retries = nil
	cancel := s.cancelRun
	s.mu.Unlock()

	s.queue.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("scheduler drained")
		return nil
	case <-ctx.Done():
		if cancel != nil {
			cancel()
		}
		<-done
		return ctx.Err()
	}
}

// QueueDepth is the number of jobs waiting for a worker.
func (s *Scheduler) QueueDepth() int { return s.queue.Len() }

// BusyWorkers is the number of workers holding a job.
func (s *Scheduler) BusyWorkers() int { return int(s.busy.Load()) }

// Workers is the fixed pool size.
func (s *Scheduler) Workers() int { return s.cfg.Workers }

func (s *Scheduler) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	for {
		jobID, err := s.queue.Pop(ctx)
		if err != nil {
			slog.Debug("worker exiting", "worker_id", workerID, "reason", err)
			return
		}
		s.process(ctx, workerID, jobID)
	}
}

// process runs one dequeued job through pending -> running -> outcome.
func (s *Scheduler) process(ctx context.Context, workerID int, jobID string) {
	log := slog.With("worker_id", workerID, "job_id", jobID)

	job, err := s.repo.Get(ctx, jobID)
	if err != nil {
		log.Warn("dequeued job could not be loaded", "error", err)
		return
	}
	if job.Status != models.StatusPending {
		// Canceled or already claimed; the CAS below would fail anyway.
		log.Debug("skipping job that is no longer pending", "status", job.Status)
		return
	}

	// started_at records the first dispatch; retries keep it.
	var claim store.Update
	if job.StartedAt == nil {
		startedAt := time.Now().UTC()
		claim.StartedAt = &startedAt
	}
	if !s.transition(ctx, log, job.ID, models.StatusPending, models.StatusRunning, claim, "") {
		return
	}

	s.busy.Add(1)
	s.metrics.WorkerBusy(1)
	defer func() {
		s.busy.Add(-1)
		s.metrics.WorkerBusy(-1)
	}()

	log.Info("job dispatched", "event", "job_running", "attempt", job.RetryCount+1, "url", job.URL)

	start := time.Now()
	res, deadline, renderErr := s.render(ctx, job)
	elapsed := time.Since(start)

	// From here on the job must leave running even if ctx is gone.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	switch {
	case deadline:
		s.metrics.RenderObserved("timeout", elapsed)
		log.Warn("render exceeded deadline", "event", "job_timeout", "elapsed", elapsed)
		s.finish(pctx, log, job.ID, models.StatusTimeout, MsgDeadline)

	case renderErr != nil && ctx.Err() != nil:
		s.metrics.RenderObserved("interrupted", elapsed)
		log.Warn("render interrupted by shutdown", "error", renderErr)
		s.finish(pctx, log, job.ID, models.StatusFailed, MsgInterrupted)

	case renderErr != nil:
		s.metrics.RenderObserved("error", elapsed)
		s.handleFailure(pctx, log, job, renderErr)

	default:
		s.metrics.RenderObserved("success", elapsed)
		update, err := s.persistArtifacts(pctx, job, res)
		if err != nil {
			s.handleFailure(pctx, log, job, err)
			return
		}
		if s.transition(pctx, log, job.ID, models.StatusRunning, models.StatusCompleted, update, "") {
			log.Info("job completed", "event", "job_completed", "elapsed", elapsed, "http_status", res.StatusCode)
		}
	}
}

type renderOutcome struct {
	res *scraper.Result
	err error
}

// render calls the renderer under the job deadline. The renderer runs in
// its own goroutine so a render that ignores its context cannot hold the
// worker past the deadline. deadline reports whether the job timed out.
func (s *Scheduler) render(ctx context.Context, job *models.Job) (*scraper.Result, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	done := make(chan renderOutcome, 1)
	go func() {
		res, err := s.renderer.Render(rctx, scraper.RequestFor(job))
		done <- renderOutcome{res: res, err: err}
	}()

	timedOut := func() bool {
		return errors.Is(rctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	}

	select {
	case out := <-done:
		if out.err != nil && timedOut() {
			return nil, true, out.err
		}
		return out.res, false, out.err
	case <-rctx.Done():
		// cancel (deferred) aborts the render session; the goroutine's
		// send lands in the buffered channel.
		if timedOut() {
			return nil, true, rctx.Err()
		}
		return nil, false, ctx.Err()
	}
}

// handleFailure retries recoverable errors within budget and otherwise
// moves the job to its terminal status.
func (s *Scheduler) handleFailure(ctx context.Context, log *slog.Logger, job *models.Job, err error) {
	msg := errorMessage(err)

	if models.IsCode(err, models.ErrCodeSelectorTimeout) {
		log.Info("selector never appeared", "event", "job_timeout", "error", err)
		s.finish(ctx, log, job.ID, models.StatusTimeout, msg)
		return
	}

	if models.IsRecoverable(err) && job.RetryCount < s.cfg.MaxRetries {
		next := job.RetryCount + 1
		if s.transition(ctx, log, job.ID, models.StatusRunning, models.StatusPending, store.Update{RetryCount: &next}, "retrying: "+msg) {
			log.Warn("render failed, retrying",
				"event", "job_retry",
				"retry_count", next,
				"max_retries", s.cfg.MaxRetries,
				"error", err,
			)
			s.scheduleRetry(job.ID)
		}
		return
	}

	log.Warn("render failed", "event", "job_failed", "retry_count", job.RetryCount, "error", err)
	s.finish(ctx, log, job.ID, models.StatusFailed, msg)
}

// finish moves a running job to a terminal failure status.
func (s *Scheduler) finish(ctx context.Context, log *slog.Logger, jobID string, status models.Status, msg string) {
	now := time.Now().UTC()
	s.transition(ctx, log, jobID, models.StatusRunning, status, store.Update{
		ErrorMessage: &msg,
		CompletedAt:  &now,
	}, msg)
}

// scheduleRetry puts jobID at the back of the queue after the backoff.
func (s *Scheduler) scheduleRetry(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(s.cfg.RetryBackoff, func() {
		s.mu.Lock()
		if s.retries != nil {
			delete(s.retries, t)
		}
		s.mu.Unlock()
		if err := s.Enqueue(jobID); err != nil {
			slog.Warn("retry enqueue failed, job stays pending", "job_id", jobID, "error", err)
		}
	})
	s.retries[t] = struct{}{}
}

// transition applies one compare-and-set and publishes the event only when
// this caller won it.
func (s *Scheduler) transition(ctx context.Context, log *slog.Logger, jobID string, from, to models.Status, upd store.Update, msg string) bool {
	ok, err := s.repo.CompareAndSetStatus(ctx, jobID, from, to, upd)
	if err != nil {
		log.Error("status transition failed", "from", from, "to", to, "error", err)
		return false
	}
	if !ok {
		s.metrics.CASConflict()
		log.Info("status transition lost to a concurrent actor", "from", from, "to", to)
		return false
	}
	s.metrics.Transition(to)
	s.pub.Publish(models.StatusEvent{
		JobID:     jobID,
		Status:    to,
		Message:   msg,
		Timestamp: time.Now().UTC(),
	})
	return true
}

// persistArtifacts writes the requested outputs and returns the completion
// update. Nothing is written for flags the job did not set.
func (s *Scheduler) persistArtifacts(ctx context.Context, job *models.Job, res *scraper.Result) (store.Update, error) {
	now := time.Now().UTC()
	upd := store.Update{
		CompletedAt: &now,
		PageTitle:   &res.Title,
		FinalURL:    &res.FinalURL,
		HTTPStatus:  &res.StatusCode,
	}

	put := func(kind artifact.Kind, data []byte) (*string, error) {
		key := artifact.Key(job.ID, kind)
		if err := s.artifacts.Put(ctx, key, data, kind.ContentType()); err != nil {
			if _, ok := models.AsScrapeError(err); ok {
				return nil, err
			}
			return nil, models.NewScrapeError(models.ErrCodeStorage, "write "+string(kind)+" artifact", err)
		}
		return &key, nil
	}

	var err error
	if job.ExtractHTML {
		if upd.HTMLPath, err = put(artifact.KindHTML, []byte(res.HTML)); err != nil {
			return upd, err
		}
	}
	if job.CaptureScreenshot {
		if upd.ScreenshotPath, err = put(artifact.KindScreenshot, res.Screenshot); err != nil {
			return upd, err
		}
	}
	if job.ExtractText {
		if upd.TextPath, err = put(artifact.KindText, []byte(res.Text)); err != nil {
			return upd, err
		}
		inline := truncateUTF8(res.Text, s.cfg.InlineTextLimit)
		upd.TextContent = &inline
	}
	return upd, nil
}

// truncateUTF8 cuts s to at most limit bytes without splitting a rune.
// A non-positive limit keeps s whole.
func truncateUTF8(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

// errorMessage renders err for error_message.
func errorMessage(err error) string {
	if se, ok := models.AsScrapeError(err); ok {
		if se.Err != nil {
			return se.Message + ": " + se.Err.Error()
		}
		return se.Message
	}
	return err.Error()
}
