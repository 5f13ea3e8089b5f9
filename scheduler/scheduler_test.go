package scheduler

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/use-agent/scrapeflow/artifact"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/scraper"
	"github.com/use-agent/scrapeflow/store"
)

// stubRenderer delegates to fn and counts calls per URL.
type stubRenderer struct {
	fn    func(ctx context.Context, req scraper.Request) (*scraper.Result, error)
	mu    sync.Mutex
	calls map[string]int
}

func newStub(fn func(ctx context.Context, req scraper.Request) (*scraper.Result, error)) *stubRenderer {
	return &stubRenderer{fn: fn, calls: make(map[string]int)}
}

func (r *stubRenderer) Render(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	r.mu.Lock()
	r.calls[req.URL]++
	r.mu.Unlock()
	return r.fn(ctx, req)
}

func (r *stubRenderer) Stats() models.PoolStats { return models.PoolStats{Renderer: "stub"} }
func (r *stubRenderer) Close()                  {}

func (r *stubRenderer) count(url string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[url]
}

func pageResult(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	res := &scraper.Result{FinalURL: req.URL, StatusCode: 200, Title: "Example"}
	if req.ExtractHTML {
		res.HTML = "<html><title>Example</title><body>hello</body></html>"
	}
	if req.ExtractText {
		res.Text = "hello"
	}
	if req.CaptureScreenshot {
		res.Screenshot = []byte("\x89PNG")
	}
	return res, nil
}

// recorder is a Publisher that keeps every event.
type recorder struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (r *recorder) Publish(ev models.StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) statuses(jobID string) []models.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Status
	for _, ev := range r.events {
		if ev.JobID == jobID {
			out = append(out, ev.Status)
		}
	}
	return out
}

// flakyArtifacts fails the first n Puts.
type flakyArtifacts struct {
	artifact.Store
	failures atomic.Int32
}

func (f *flakyArtifacts) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if f.failures.Add(-1) >= 0 {
		return errors.New("disk full")
	}
	return f.Store.Put(ctx, key, data, contentType)
}

type harness struct {
	repo      store.Repository
	artifacts artifact.Store
	dir       string
	events    *recorder
	sched     *Scheduler
}

func testConfig() Config {
	return Config{
		Workers:         2,
		JobTimeout:      time.Second,
		MaxRetries:      2,
		RetryBackoff:    time.Millisecond,
		InlineTextLimit: 1024,
	}
}

func newHarness(t *testing.T, cfg Config, r scraper.Renderer, wrap func(artifact.Store) artifact.Store) *harness {
	t.Helper()
	dir := t.TempDir()
	fs, err := artifact.NewFSStore(dir)
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	var arts artifact.Store = fs
	if wrap != nil {
		arts = wrap(fs)
	}

	h := &harness{
		repo:      store.NewMemoryStore(100),
		artifacts: arts,
		dir:       dir,
		events:    &recorder{},
	}
	h.sched = New(cfg, h.repo, r, arts, h.events, nil)
	h.sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.sched.Stop(ctx)
	})
	return h
}

func (h *harness) submit(t *testing.T, spec models.JobSpec) *models.Job {
	t.Helper()
	job, err := h.repo.Create(context.Background(), spec)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := h.sched.Enqueue(job.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return job
}

// waitTerminal polls until the job reaches a terminal status.
func (h *harness) waitTerminal(t *testing.T, id string) *models.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := h.repo.Get(context.Background(), id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if job.Status.IsTerminal() {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not reach a terminal status", id)
	return nil
}

func fullSpec(url string) models.JobSpec {
	return models.JobSpec{
		URL:               url,
		RenderStrategy:    models.StrategyAuto,
		ExtractText:       true,
		ExtractHTML:       true,
		CaptureScreenshot: true,
	}
}

func TestSchedulerCompletesJob(t *testing.T) {
	r := newStub(pageResult)
	h := newHarness(t, testConfig(), r, nil)

	job := h.submit(t, fullSpec("https://example.com/a"))
	got := h.waitTerminal(t, job.ID)

	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed (error: %v)", got.Status, got.ErrorMessage)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("started_at and completed_at must be set")
	}
	if got.CompletedAt.Before(*got.StartedAt) {
		t.Errorf("completed_at %v before started_at %v", got.CompletedAt, got.StartedAt)
	}
	if got.CompletedAt.Before(got.CreatedAt) {
		t.Errorf("completed_at %v before created_at %v", got.CompletedAt, got.CreatedAt)
	}
	if got.PageTitle == nil || *got.PageTitle != "Example" {
		t.Errorf("page_title = %v, want Example", got.PageTitle)
	}
	if got.HTTPStatus == nil || *got.HTTPStatus != 200 {
		t.Errorf("http_status = %v, want 200", got.HTTPStatus)
	}
	if got.TextContent == nil || *got.TextContent != "hello" {
		t.Errorf("text_content = %v, want hello", got.TextContent)
	}

	for kind, p := range map[artifact.Kind]*string{
		artifact.KindHTML:       got.HTMLPath,
		artifact.KindText:       got.TextPath,
		artifact.KindScreenshot: got.ScreenshotPath,
	} {
		if p == nil {
			t.Errorf("%s path not recorded", kind)
			continue
		}
		if _, err := os.Stat(filepath.Join(h.dir, *p)); err != nil {
			t.Errorf("%s artifact missing on disk: %v", kind, err)
		}
	}

	want := []models.Status{models.StatusRunning, models.StatusCompleted}
	if got := h.events.statuses(job.ID); !equalStatuses(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestSchedulerZeroArtifactJob(t *testing.T) {
	r := newStub(pageResult)
	h := newHarness(t, testConfig(), r, nil)

	job := h.submit(t, models.JobSpec{URL: "https://example.com/bare", RenderStrategy: models.StrategyAuto})
	got := h.waitTerminal(t, job.ID)

	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.HTMLPath != nil || got.TextPath != nil || got.ScreenshotPath != nil || got.TextContent != nil {
		t.Error("no artifact fields may be set when nothing was requested")
	}
}

func TestSchedulerRetryBound(t *testing.T) {
	r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		return nil, models.NewScrapeError(models.ErrCodeNavigation, "connection refused", nil)
	})
	cfg := testConfig()
	h := newHarness(t, cfg, r, nil)

	job := h.submit(t, fullSpec("https://example.com/down"))
	got := h.waitTerminal(t, job.ID)

	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.RetryCount != cfg.MaxRetries {
		t.Errorf("retry_count = %d, want %d", got.RetryCount, cfg.MaxRetries)
	}
	if n := r.count(job.URL); n != cfg.MaxRetries+1 {
		t.Errorf("render attempts = %d, want %d", n, cfg.MaxRetries+1)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage == "" {
		t.Error("error_message must be set on failure")
	}
}

func TestSchedulerRetryKeepsStartedAt(t *testing.T) {
	var (
		h         *harness
		firstSeen *time.Time
		attempts  atomic.Int32
	)
	r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		if attempts.Add(1) == 1 {
			running, err := h.repo.ListByStatus(ctx, models.StatusRunning)
			if err == nil && len(running) == 1 {
				firstSeen = running[0].StartedAt
			}
			time.Sleep(5 * time.Millisecond)
			return nil, models.NewScrapeError(models.ErrCodeNavigation, "connection reset", nil)
		}
		return pageResult(ctx, req)
	})
	h = newHarness(t, testConfig(), r, nil)

	job := h.submit(t, fullSpec("https://example.com/flaky"))
	got := h.waitTerminal(t, job.ID)

	if got.Status != models.StatusCompleted || got.RetryCount != 1 {
		t.Fatalf("status=%s retry_count=%d, want completed after one retry", got.Status, got.RetryCount)
	}
	if firstSeen == nil || got.StartedAt == nil {
		t.Fatal("started_at not set on first dispatch")
	}
	if !got.StartedAt.Equal(*firstSeen) {
		t.Errorf("started_at = %v, want first dispatch time %v", got.StartedAt, firstSeen)
	}
}

func TestSchedulerDispatchOrder(t *testing.T) {
	var (
		mu    sync.Mutex
		order []string
	)
	gate := make(chan struct{})
	entered := make(chan struct{})
	var first atomic.Bool

	r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		mu.Lock()
		order = append(order, req.URL)
		mu.Unlock()
		if req.URL == "https://example.com/a" && first.CompareAndSwap(false, true) {
			close(entered)
			<-gate
			return nil, models.NewScrapeError(models.ErrCodeNavigation, "connection refused", nil)
		}
		return pageResult(ctx, req)
	})
	cfg := testConfig()
	cfg.Workers = 1
	h := newHarness(t, cfg, r, nil)

	a := h.submit(t, fullSpec("https://example.com/a"))
	<-entered
	b := h.submit(t, fullSpec("https://example.com/b"))
	c := h.submit(t, fullSpec("https://example.com/c"))
	close(gate)

	for _, j := range []*models.Job{a, b, c} {
		if got := h.waitTerminal(t, j.ID); got.Status != models.StatusCompleted {
			t.Fatalf("%s: status = %s, want completed", j.URL, got.Status)
		}
	}

	want := []string{
		"https://example.com/a",
		"https://example.com/b",
		"https://example.com/c",
		"https://example.com/a",
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != len(want) {
		t.Fatalf("render order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("render order = %v, want %v", order, want)
		}
	}
}

func TestSchedulerStorageFailureIsRetried(t *testing.T) {
	r := newStub(pageResult)
	h := newHarness(t, testConfig(), r, func(s artifact.Store) artifact.Store {
		f := &flakyArtifacts{Store: s}
		f.failures.Store(1)
		return f
	})

	job := h.submit(t, fullSpec("https://example.com/flaky"))
	got := h.waitTerminal(t, job.ID)

	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("retry_count = %d, want 1", got.RetryCount)
	}
}

func TestSchedulerTerminalFailures(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status models.Status
	}{
		{"selector timeout", models.NewScrapeError(models.ErrCodeSelectorTimeout, "selector #app did not appear", nil), models.StatusTimeout},
		{"internal error", models.NewScrapeError(models.ErrCodeInternal, "boom", nil), models.StatusFailed},
		{"untyped error", errors.New("unexpected"), models.StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
				return nil, tt.err
			})
			h := newHarness(t, testConfig(), r, nil)

			job := h.submit(t, fullSpec("https://example.com/x"))
			got := h.waitTerminal(t, job.ID)

			if got.Status != tt.status {
				t.Errorf("status = %s, want %s", got.Status, tt.status)
			}
			if n := r.count(job.URL); n != 1 {
				t.Errorf("render attempts = %d, want 1", n)
			}
			if got.RetryCount != 0 {
				t.Errorf("retry_count = %d, want 0", got.RetryCount)
			}
		})
	}
}

func TestSchedulerDeadline(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	// Ignores ctx on purpose: the scheduler must not wait for it.
	r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		<-release
		return nil, errors.New("released")
	})
	cfg := testConfig()
	cfg.JobTimeout = 50 * time.Millisecond
	h := newHarness(t, cfg, r, nil)

	start := time.Now()
	job := h.submit(t, fullSpec("https://example.com/hang"))
	got := h.waitTerminal(t, job.ID)

	if got.Status != models.StatusTimeout {
		t.Fatalf("status = %s, want timeout", got.Status)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != MsgDeadline {
		t.Errorf("error_message = %v, want %q", got.ErrorMessage, MsgDeadline)
	}
	if n := r.count(job.URL); n != 1 {
		t.Errorf("render attempts = %d, want 1 (timeouts are not retried)", n)
	}
}

func TestSchedulerDuplicateEnqueueRendersOnce(t *testing.T) {
	r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return pageResult(ctx, req)
	})
	cfg := testConfig()
	cfg.Workers = 4
	h := newHarness(t, cfg, r, nil)

	job := h.submit(t, fullSpec("https://example.com/dup"))
	for i := 0; i < 4; i++ {
		if err := h.sched.Enqueue(job.ID); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	h.waitTerminal(t, job.ID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.sched.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if n := r.count(job.URL); n != 1 {
		t.Errorf("render attempts = %d, want exactly 1", n)
	}
}

func TestSchedulerSkipsCanceledJob(t *testing.T) {
	r := newStub(pageResult)
	cfg := testConfig()
	cfg.Workers = 1
	h := newHarness(t, cfg, r, nil)

	ctx := context.Background()
	canceled, err := h.repo.Create(ctx, fullSpec("https://example.com/canceled"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	msg := "canceled by user"
	ok, err := h.repo.CompareAndSetStatus(ctx, canceled.ID, models.StatusPending, models.StatusFailed, store.Update{ErrorMessage: &msg})
	if err != nil || !ok {
		t.Fatalf("cancel CAS = %v, %v", ok, err)
	}
	if err := h.sched.Enqueue(canceled.ID); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// Single worker, FIFO: once this one finishes the canceled id was seen.
	after := h.submit(t, fullSpec("https://example.com/after"))
	h.waitTerminal(t, after.ID)

	if n := r.count(canceled.URL); n != 0 {
		t.Errorf("canceled job rendered %d times, want 0", n)
	}
	if got := h.events.statuses(canceled.ID); len(got) != 0 {
		t.Errorf("canceled job produced events %v", got)
	}
}

func TestSchedulerStopAbortsInFlight(t *testing.T) {
	started := make(chan struct{}, 1)
	r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.JobTimeout = time.Minute
	h := newHarness(t, cfg, r, nil)

	job := h.submit(t, fullSpec("https://example.com/slow"))
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("render never started")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := h.sched.Stop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Stop = %v, want deadline exceeded", err)
	}

	got, err := h.repo.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != MsgInterrupted {
		t.Errorf("error_message = %v, want %q", got.ErrorMessage, MsgInterrupted)
	}
	if err := h.sched.Enqueue("late"); err == nil {
		t.Error("Enqueue after Stop must fail")
	}
}

func TestSchedulerTruncatesInlineText(t *testing.T) {
	long := "héllo wörld, this text is longer than the inline limit"
	r := newStub(func(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
		return &scraper.Result{FinalURL: req.URL, StatusCode: 200, Text: long}, nil
	})
	cfg := testConfig()
	cfg.InlineTextLimit = 2
	h := newHarness(t, cfg, r, nil)

	job := h.submit(t, models.JobSpec{URL: "https://example.com/long", RenderStrategy: models.StrategyAuto, ExtractText: true})
	got := h.waitTerminal(t, job.ID)

	if got.TextContent == nil || *got.TextContent != "h" {
		t.Errorf("text_content = %v, want %q", got.TextContent, "h")
	}

	rc, err := h.artifacts.Get(context.Background(), *got.TextPath)
	if err != nil {
		t.Fatalf("Get text artifact: %v", err)
	}
	defer rc.Close()
	full, _ := io.ReadAll(rc)
	if string(full) != long {
		t.Errorf("text artifact = %q, want the untruncated text", full)
	}
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		in    string
		limit int
		want  string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"hello", 0, "hello"},
		{"日本語", 4, "日"},
		{"日本語", 6, "日本"},
		{"aé", 2, "a"},
	}
	for _, tt := range tests {
		got := truncateUTF8(tt.in, tt.limit)
		if got != tt.want {
			t.Errorf("truncateUTF8(%q, %d) = %q, want %q", tt.in, tt.limit, got, tt.want)
		}
		if !utf8.ValidString(got) {
			t.Errorf("truncateUTF8(%q, %d) produced invalid UTF-8", tt.in, tt.limit)
		}
	}
}

func equalStatuses(a, b []models.Status) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
