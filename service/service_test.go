package service

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/use-agent/scrapeflow/artifact"
	"github.com/use-agent/scrapeflow/config"
	"github.com/use-agent/scrapeflow/models"
	"github.com/use-agent/scrapeflow/scheduler"
	"github.com/use-agent/scrapeflow/scraper"
	"github.com/use-agent/scrapeflow/store"
)

type fakeQueue struct {
	mu  sync.Mutex
	ids []string
	err error
}

func (q *fakeQueue) Enqueue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.ids = append(q.ids, id)
	return nil
}

func (q *fakeQueue) enqueued() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.ids...)
}

type recorder struct {
	mu     sync.Mutex
	events []models.StatusEvent
}

func (r *recorder) Publish(ev models.StatusEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recorder) last() models.StatusEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return models.StatusEvent{}
	}
	return r.events[len(r.events)-1]
}

type fixture struct {
	svc       *Service
	repo      store.Repository
	queue     *fakeQueue
	events    *recorder
	artifacts artifact.Store
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	arts, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	f := &fixture{
		repo:      store.NewMemoryStore(100),
		queue:     &fakeQueue{},
		events:    &recorder{},
		artifacts: arts,
	}
	f.svc = New(f.repo, f.queue, f.events, arts, opts)
	return f
}

func exampleSpec() models.JobSpec {
	return models.JobSpec{
		URL:               "https://example.com",
		RenderStrategy:    models.StrategyAuto,
		ExtractText:       true,
		ExtractHTML:       true,
		CaptureScreenshot: true,
	}
}

// complete drives a job to completed with the given artifacts stored.
func (f *fixture) complete(t *testing.T, job *models.Job, html, text string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()
	if ok, err := f.repo.CompareAndSetStatus(ctx, job.ID, models.StatusPending, models.StatusRunning, store.Update{StartedAt: &now}); !ok || err != nil {
		t.Fatalf("pending->running = %v, %v", ok, err)
	}

	upd := store.Update{CompletedAt: &now}
	if html != "" {
		key := artifact.Key(job.ID, artifact.KindHTML)
		if err := f.artifacts.Put(ctx, key, []byte(html), artifact.KindHTML.ContentType()); err != nil {
			t.Fatalf("Put html: %v", err)
		}
		upd.HTMLPath = &key
	}
	if text != "" {
		upd.TextContent = &text
	}
	if ok, err := f.repo.CompareAndSetStatus(ctx, job.ID, models.StatusRunning, models.StatusCompleted, upd); !ok || err != nil {
		t.Fatalf("running->completed = %v, %v", ok, err)
	}
}

func TestSubmit(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	a, err := f.svc.Submit(ctx, exampleSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	b, err := f.svc.Submit(ctx, exampleSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if a.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", a.Status)
	}
	if a.ID == b.ID {
		t.Error("two submissions share an id")
	}
	if got := f.queue.enqueued(); len(got) != 2 || got[0] != a.ID || got[1] != b.ID {
		t.Errorf("enqueued = %v, want [%s %s]", got, a.ID, b.ID)
	}
	if ev := f.events.last(); ev.JobID != b.ID || ev.Status != models.StatusPending {
		t.Errorf("last event = %+v, want pending for %s", ev, b.ID)
	}
}

func TestSubmitRejectsInvalidSpec(t *testing.T) {
	tests := []struct {
		name string
		opts Options
		spec models.JobSpec
	}{
		{
			name: "wait_for_element without selector",
			spec: models.JobSpec{URL: "https://example.com", RenderStrategy: models.StrategyWaitForElement},
		},
		{
			name: "bad scheme",
			spec: models.JobSpec{URL: "ftp://example.com"},
		},
		{
			name: "private host",
			opts: Options{Policy: NewHostPolicy(config.PolicyConfig{})},
			spec: models.JobSpec{URL: "http://127.0.0.1:9000/"},
		},
		{
			name: "screenshot unsupported",
			opts: Options{ScreenshotUnsupported: true},
			spec: exampleSpec(),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			ctx := context.Background()

			_, err := f.svc.Submit(ctx, tt.spec)
			if !models.IsCode(err, models.ErrCodeValidation) {
				t.Fatalf("Submit = %v, want validation error", err)
			}
			_, total, err := f.repo.List(ctx, store.ListQuery{Page: 1, Limit: 10})
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if total != 0 {
				t.Errorf("%d jobs created, want 0", total)
			}
			if len(f.queue.enqueued()) != 0 {
				t.Error("nothing may be enqueued for a rejected spec")
			}
		})
	}
}

func TestSubmitSurvivesEnqueueFailure(t *testing.T) {
	f := newFixture(t, Options{})
	f.queue.err = errors.New("queue closed")

	job, err := f.svc.Submit(context.Background(), exampleSpec())
	if err != nil {
		t.Fatalf("Submit = %v, want the job despite the enqueue failure", err)
	}
	got, err := f.svc.Get(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending", got.Status)
	}
}

func TestCancel(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, exampleSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	got, err := f.svc.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "canceled") {
		t.Errorf("error_message = %v, want a cancellation message", got.ErrorMessage)
	}
	if got.CompletedAt == nil || got.CompletedAt.Before(got.CreatedAt) {
		t.Errorf("completed_at = %v, want >= created_at %v", got.CompletedAt, got.CreatedAt)
	}
	if ev := f.events.last(); ev.Status != models.StatusFailed || ev.JobID != job.ID {
		t.Errorf("last event = %+v, want failed for %s", ev, job.ID)
	}

	if _, err := f.svc.Cancel(ctx, job.ID); !models.IsCode(err, models.ErrCodeInvalidState) {
		t.Errorf("second Cancel = %v, want invalid state", err)
	}
	if _, err := f.svc.Cancel(ctx, "missing"); !models.IsCode(err, models.ErrCodeNotFound) {
		t.Errorf("Cancel(missing) = %v, want not found", err)
	}
}

func TestCancelRunningJobIsRejected(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, exampleSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	now := time.Now().UTC()
	if ok, err := f.repo.CompareAndSetStatus(ctx, job.ID, models.StatusPending, models.StatusRunning, store.Update{StartedAt: &now}); !ok || err != nil {
		t.Fatalf("pending->running = %v, %v", ok, err)
	}

	if _, err := f.svc.Cancel(ctx, job.ID); !models.IsCode(err, models.ErrCodeInvalidState) {
		t.Fatalf("Cancel(running) = %v, want invalid state", err)
	}
	got, _ := f.svc.Get(ctx, job.ID)
	if got.Status != models.StatusRunning || got.ErrorMessage != nil {
		t.Errorf("running job was mutated: status=%s error=%v", got.Status, got.ErrorMessage)
	}
}

func TestConcurrentCancelSingleWinner(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	for round := 0; round < 20; round++ {
		job, err := f.svc.Submit(ctx, exampleSpec())
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i := range errs {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = f.svc.Cancel(ctx, job.ID)
			}(i)
		}
		close(start)
		wg.Wait()

		var wins, invalid int
		for _, err := range errs {
			switch {
			case err == nil:
				wins++
			case models.IsCode(err, models.ErrCodeInvalidState):
				invalid++
			default:
				t.Fatalf("Cancel: unexpected error %v", err)
			}
		}
		if wins != 1 || invalid != 1 {
			t.Fatalf("round %d: wins=%d invalid=%d, want 1 and 1", round, wins, invalid)
		}
	}
}

// blockingRenderer holds every render until release is closed.
type blockingRenderer struct {
	mu      sync.Mutex
	urls    []string
	started chan struct{}
	release chan struct{}
}

func (r *blockingRenderer) Render(ctx context.Context, req scraper.Request) (*scraper.Result, error) {
	r.mu.Lock()
	r.urls = append(r.urls, req.URL)
	r.mu.Unlock()
	select {
	case r.started <- struct{}{}:
	default:
	}
	select {
	case <-r.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return &scraper.Result{FinalURL: req.URL, StatusCode: 200, Title: "ok"}, nil
}

func (r *blockingRenderer) Stats() models.PoolStats { return models.PoolStats{} }
func (r *blockingRenderer) Close()                  {}

func (r *blockingRenderer) rendered(url string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.urls {
		if u == url {
			return true
		}
	}
	return false
}

func TestCancelBeforeDispatchNeverRenders(t *testing.T) {
	arts, err := artifact.NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFSStore: %v", err)
	}
	repo := store.NewMemoryStore(100)
	events := &recorder{}
	r := &blockingRenderer{started: make(chan struct{}, 1), release: make(chan struct{})}

	sched := scheduler.New(scheduler.Config{
		Workers:      1,
		JobTimeout:   5 * time.Second,
		RetryBackoff: time.Millisecond,
	}, repo, r, arts, events, nil)
	sched.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = sched.Stop(ctx)
	})

	svc := New(repo, sched, events, arts, Options{})
	ctx := context.Background()

	busy, err := svc.Submit(ctx, models.JobSpec{URL: "https://example.com/busy"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	<-r.started

	queued, err := svc.Submit(ctx, models.JobSpec{URL: "https://example.com/queued"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := svc.Cancel(ctx, queued.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	close(r.release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		got, _ := svc.Get(ctx, busy.ID)
		if got.Status.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("busy job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// The single worker is FIFO, so the canceled id has been dequeued
	// once a third job finishes.
	probe, err := svc.Submit(ctx, models.JobSpec{URL: "https://example.com/probe"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for {
		got, _ := svc.Get(ctx, probe.ID)
		if got.Status.IsTerminal() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("probe job never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}

	got, _ := svc.Get(ctx, queued.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if r.rendered(queued.URL) {
		t.Error("canceled job was rendered")
	}
}

func TestList(t *testing.T) {
	f := newFixture(t, Options{MaxPageSize: 10})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := f.svc.Submit(ctx, exampleSpec()); err != nil {
			t.Fatalf("Submit: %v", err)
		}
	}

	tests := []struct {
		name      string
		q         store.ListQuery
		wantItems int
		wantPages int
		wantLimit int
	}{
		{"first page", store.ListQuery{Page: 1, Limit: 2}, 2, 3, 2},
		{"last page", store.ListQuery{Page: 3, Limit: 2}, 1, 3, 2},
		{"past the end", store.ListQuery{Page: 9, Limit: 2}, 0, 3, 2},
		{"clamped limit", store.ListQuery{Page: 1, Limit: 500}, 5, 1, 10},
		{"status filter", store.ListQuery{Page: 1, Limit: 10, Status: models.StatusCompleted}, 0, 1, 10},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			page, err := f.svc.List(ctx, tt.q)
			if err != nil {
				t.Fatalf("List: %v", err)
			}
			if len(page.Items) != tt.wantItems {
				t.Errorf("items = %d, want %d", len(page.Items), tt.wantItems)
			}
			if page.Items == nil {
				t.Error("items must be an empty slice, not nil")
			}
			if page.Pages != tt.wantPages {
				t.Errorf("pages = %d, want %d", page.Pages, tt.wantPages)
			}
			if page.Limit != tt.wantLimit {
				t.Errorf("limit = %d, want %d", page.Limit, tt.wantLimit)
			}
		})
	}

	if _, err := f.svc.List(ctx, store.ListQuery{Page: 0, Limit: 10}); !models.IsCode(err, models.ErrCodeValidation) {
		t.Errorf("List(page=0) = %v, want validation error", err)
	}
}

func TestOpenArtifact(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, exampleSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := f.svc.OpenArtifact(ctx, job.ID, artifact.KindHTML); !models.IsCode(err, models.ErrCodeNotFound) {
		t.Errorf("OpenArtifact(pending) = %v, want not found", err)
	}

	f.complete(t, job, "<html><body><h1>Hi</h1></body></html>", "Hi")

	a, err := f.svc.OpenArtifact(ctx, job.ID, artifact.KindHTML)
	if err != nil {
		t.Fatalf("OpenArtifact(html): %v", err)
	}
	body, _ := io.ReadAll(a.Body)
	a.Body.Close()
	if !strings.Contains(string(body), "<h1>Hi</h1>") {
		t.Errorf("html body = %q", body)
	}
	if a.FileName != "job_"+job.ID+"_page.html" {
		t.Errorf("file name = %q", a.FileName)
	}

	if _, err := f.svc.OpenArtifact(ctx, job.ID, artifact.KindScreenshot); !models.IsCode(err, models.ErrCodeNotFound) {
		t.Errorf("OpenArtifact(screenshot) = %v, want not found", err)
	}
	if _, err := f.svc.OpenArtifact(ctx, "missing", artifact.KindHTML); !models.IsCode(err, models.ErrCodeNotFound) {
		t.Errorf("OpenArtifact(missing job) = %v, want not found", err)
	}
}

func TestPreview(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	job, err := f.svc.Submit(ctx, exampleSpec())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	f.complete(t, job, "<html><body><h1>Title</h1><p>Body text</p></body></html>", "Title Body text")

	tests := []struct {
		typ         string
		contentType string
		contains    string
	}{
		{"html", "text/html; charset=utf-8", "<h1>Title</h1>"},
		{"text", "text/plain; charset=utf-8", "Title Body text"},
		{"markdown", "text/markdown; charset=utf-8", "# Title"},
	}
	for _, tt := range tests {
		t.Run(tt.typ, func(t *testing.T) {
			p, err := f.svc.Preview(ctx, job.ID, tt.typ)
			if err != nil {
				t.Fatalf("Preview: %v", err)
			}
			if p.ContentType != tt.contentType {
				t.Errorf("content type = %q, want %q", p.ContentType, tt.contentType)
			}
			if !strings.Contains(string(p.Body), tt.contains) {
				t.Errorf("body = %q, want it to contain %q", p.Body, tt.contains)
			}
		})
	}

	if _, err := f.svc.Preview(ctx, job.ID, "pdf"); !models.IsCode(err, models.ErrCodeValidation) {
		t.Errorf("Preview(pdf) = %v, want validation error", err)
	}
}

func TestReconcile(t *testing.T) {
	f := newFixture(t, Options{})
	ctx := context.Background()

	stuck, _ := f.repo.Create(ctx, exampleSpec())
	waiting, _ := f.repo.Create(ctx, exampleSpec())
	now := time.Now().UTC()
	if ok, err := f.repo.CompareAndSetStatus(ctx, stuck.ID, models.StatusPending, models.StatusRunning, store.Update{StartedAt: &now}); !ok || err != nil {
		t.Fatalf("pending->running = %v, %v", ok, err)
	}

	if err := f.svc.Reconcile(ctx); err != nil {
		t.Fatalf("Reconcile: %v", err)
	}

	got, _ := f.repo.Get(ctx, stuck.ID)
	if got.Status != models.StatusFailed {
		t.Errorf("stuck job status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || *got.ErrorMessage != MsgInterrupted {
		t.Errorf("error_message = %v, want %q", got.ErrorMessage, MsgInterrupted)
	}
	if ids := f.queue.enqueued(); len(ids) != 1 || ids[0] != waiting.ID {
		t.Errorf("requeued = %v, want [%s]", ids, waiting.ID)
	}
}
