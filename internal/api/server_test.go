package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/david/opportunity-sync/internal/auth"
	"github.com/david/opportunity-sync/internal/db"
	"github.com/david/opportunity-sync/internal/ingest"
	"github.com/david/opportunity-sync/internal/models"
)

const testSecret = "s3cret"

type fakeReader struct {
	opps  map[string]models.OpportunitySummary
	runs  []models.SyncRun
	limit int
}

func (f *fakeReader) GetOpportunity(ctx context.Context, id string) (*models.OpportunitySummary, error) {
	o, ok := f.opps[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return &o, nil
}

func (f *fakeReader) ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error) {
	f.limit = limit
	return f.runs, nil
}

func (f *fakeReader) Stats(ctx context.Context) (models.StoreStats, error) {
	return models.StoreStats{Opportunities: len(f.opps), Runs: len(f.runs)}, nil
}

type fakeRunner struct {
	mu      sync.Mutex
	calls   []models.SyncMode
	release chan struct{}
	err     error
}

func (f *fakeRunner) record(ctx context.Context, mode models.SyncMode) (models.SyncRun, error) {
	f.mu.Lock()
	f.calls = append(f.calls, mode)
	f.mu.Unlock()
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return models.SyncRun{ID: "run", Mode: mode, Status: models.RunAborted}, ctx.Err()
		}
	}
	status := models.RunCompleted
	if f.err != nil {
		status = models.RunFailed
	}
	return models.SyncRun{ID: "run", Mode: mode, Status: status, Counts: models.RunCounts{Inserted: 2}}, f.err
}

func (f *fakeRunner) FullResync(ctx context.Context, opts ingest.FullResyncOptions) (models.SyncRun, error) {
	if !opts.Confirm {
		return models.SyncRun{}, ingest.ErrFullResyncNotConfirmed
	}
	return f.record(ctx, models.ModeFull)
}

func (f *fakeRunner) Backfill(ctx context.Context) (models.SyncRun, error) {
	return f.record(ctx, models.ModeBackfill)
}

func (f *fakeRunner) IncrementalResync(ctx context.Context) (models.SyncRun, error) {
	return f.record(ctx, models.ModeIncremental)
}

func (f *fakeRunner) modes() []models.SyncMode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.SyncMode(nil), f.calls...)
}

func newTestServer(t *testing.T, reader Reader, runner Runner) *Server {
	t.Helper()
	t.Setenv("ADMIN_SECRET", testSecret)
	guard, err := auth.NewAdminGuard("")
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	return NewServer(reader, runner, guard, time.Minute)
}

func do(s *Server, method, target string, admin bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, nil)
	if admin {
		req.Header.Set(auth.AdminHeader, testSecret)
	}
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	return rec
}

func waitForJob(t *testing.T, s *Server) *backgroundJob {
	t.Helper()
	s.jobMu.Lock()
	job := s.runningJob
	s.jobMu.Unlock()
	if job == nil {
		t.Fatalf("expected a job")
	}
	select {
	case <-job.done:
	case <-time.After(5 * time.Second):
		t.Fatalf("job did not finish")
	}
	return job
}

func TestReadEndpoints(t *testing.T) {
	name := "Tower"
	reader := &fakeReader{
		opps: map[string]models.OpportunitySummary{"opp-1": {ID: "opp-1", Name: &name, SyncRevision: 3}},
		runs: []models.SyncRun{{ID: "run-1", Mode: models.ModeIncremental, Status: models.RunCompleted}},
	}
	s := newTestServer(t, reader, &fakeRunner{})

	tests := []struct {
		name   string
		target string
		status int
	}{
		{"health", "/health", http.StatusOK},
		{"known opportunity", "/api/v1/opportunities/opp-1", http.StatusOK},
		{"unknown opportunity", "/api/v1/opportunities/nope", http.StatusNotFound},
		{"stats", "/api/v1/stats", http.StatusOK},
		{"runs", "/api/v1/runs?limit=5", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(s, http.MethodGet, tt.target, false)
			if rec.Code != tt.status {
				t.Fatalf("expected %d, got %d: %s", tt.status, rec.Code, rec.Body.String())
			}
		})
	}

	if reader.limit != 5 {
		t.Fatalf("expected limit 5 to reach the store, got %d", reader.limit)
	}

	rec := do(s, http.MethodGet, "/api/v1/opportunities/opp-1", false)
	var got models.OpportunitySummary
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.SyncRevision != 3 || got.Name == nil || *got.Name != "Tower" {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestSyncRequiresAdminSecret(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, &fakeReader{}, runner)

	rec := do(s, http.MethodPost, "/api/v1/sync/incremental", false)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/sync/incremental", nil)
	req.Header.Set("Authorization", "Bearer "+testSecret)
	rec = httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected bearer secret to be accepted, got %d", rec.Code)
	}
	waitForJob(t, s)
}

func TestFullSyncNeedsConfirmation(t *testing.T) {
	runner := &fakeRunner{}
	s := newTestServer(t, &fakeReader{}, runner)

	rec := do(s, http.MethodPost, "/api/v1/sync/full", true)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without confirm, got %d", rec.Code)
	}
	if len(runner.modes()) != 0 {
		t.Fatalf("expected no run without confirm, got %v", runner.modes())
	}

	rec = do(s, http.MethodPost, "/api/v1/sync/full?confirm=true", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	job := waitForJob(t, s)
	if job.Status != "completed" || job.Result == nil || job.Result.Mode != models.ModeFull {
		t.Fatalf("expected completed full job, got %+v", job)
	}
}

func TestOneJobAtATime(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := newTestServer(t, &fakeReader{}, runner)

	rec := do(s, http.MethodPost, "/api/v1/sync/backfill", true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var started map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &started); err != nil {
		t.Fatalf("decode: %v", err)
	}

	rec = do(s, http.MethodPost, "/api/v1/sync/incremental", true)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 while a job runs, got %d", rec.Code)
	}

	close(runner.release)
	waitForJob(t, s)

	rec = do(s, http.MethodGet, "/api/v1/admin/job/"+started["job_id"].(string), true)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected job status, got %d", rec.Code)
	}
	var status map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status["status"] != "completed" {
		t.Fatalf("expected completed, got %v", status["status"])
	}

	if rec := do(s, http.MethodGet, "/api/v1/admin/job/unknown", true); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestFailedJobReportsError(t *testing.T) {
	runner := &fakeRunner{err: errors.New("upstream returned 500")}
	s := newTestServer(t, &fakeReader{}, runner)

	if rec := do(s, http.MethodPost, "/api/v1/sync/incremental", true); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	job := waitForJob(t, s)
	if job.Status != "failed" || job.Error == "" {
		t.Fatalf("expected failed job with error, got %+v", job)
	}
}

func TestShutdownCancelsRunningJob(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{})}
	s := newTestServer(t, &fakeReader{}, runner)

	if rec := do(s, http.MethodPost, "/api/v1/sync/incremental", true); rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.Shutdown(ctx)

	job := waitForJob(t, s)
	if job.Status != "failed" {
		t.Fatalf("expected cancelled job to be failed, got %s", job.Status)
	}
}
