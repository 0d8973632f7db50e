package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/david/opportunity-sync/internal/auth"
	"github.com/david/opportunity-sync/internal/db"
	"github.com/david/opportunity-sync/internal/ingest"
	"github.com/david/opportunity-sync/internal/models"
)

// Reader is the read side of the store served over HTTP.
type Reader interface {
	GetOpportunity(ctx context.Context, id string) (*models.OpportunitySummary, error)
	ListRuns(ctx context.Context, limit int) ([]models.SyncRun, error)
	Stats(ctx context.Context) (models.StoreStats, error)
}

// Runner starts sync runs.
type Runner interface {
	FullResync(ctx context.Context, opts ingest.FullResyncOptions) (models.SyncRun, error)
	Backfill(ctx context.Context) (models.SyncRun, error)
	IncrementalResync(ctx context.Context) (models.SyncRun, error)
}

type Server struct {
	Store  Reader
	Runner Runner
	Guard  *auth.AdminGuard
	Echo   *echo.Echo

	// jobTimeout bounds a background run on top of the pipeline's own timeout.
	jobTimeout time.Duration

	// Background job tracking
	jobMu      sync.Mutex
	runningJob *backgroundJob
}

type backgroundJob struct {
	ID        string             `json:"id"`
	Mode      models.SyncMode    `json:"mode"`
	Status    string             `json:"status"` // running, completed, failed
	StartedAt time.Time          `json:"started_at"`
	EndedAt   time.Time          `json:"ended_at,omitempty"`
	Result    *models.SyncRun    `json:"result,omitempty"`
	Error     string             `json:"error,omitempty"`
	Cancel    context.CancelFunc `json:"-"`
	done      chan struct{}
}

func NewServer(store Reader, runner Runner, guard *auth.AdminGuard, jobTimeout time.Duration) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		for _, o := range strings.Split(extra, ",") {
			o = strings.TrimSpace(o)
			if o != "" {
				allowedOrigins = append(allowedOrigins, o)
			}
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, auth.AdminHeader},
	}))

	if jobTimeout <= 0 {
		jobTimeout = time.Hour
	}
	s := &Server{
		Store:      store,
		Runner:     runner,
		Guard:      guard,
		Echo:       e,
		jobTimeout: jobTimeout,
	}

	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/opportunities/:id", s.handleGetOpportunity)
	api.GET("/stats", s.handleGetStats)
	api.GET("/runs", s.handleListRuns)

	admin := api.Group("")
	admin.Use(s.Guard.Middleware)
	admin.POST("/sync/incremental", s.handleSyncIncremental)
	admin.POST("/sync/backfill", s.handleSyncBackfill)
	admin.POST("/sync/full", s.handleSyncFull)
	admin.GET("/admin/job/:id", s.handleJobStatus)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleGetOpportunity(c echo.Context) error {
	opp, err := s.Store.GetOpportunity(c.Request().Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Not found"})
	}
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, opp)
}

func (s *Server) handleGetStats(c echo.Context) error {
	stats, err := s.Store.Stats(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, stats)
}

func (s *Server) handleListRuns(c echo.Context) error {
	limit := 20
	if raw := strings.TrimSpace(c.QueryParam("limit")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 && parsed <= 500 {
			limit = parsed
		}
	}
	runs, err := s.Store.ListRuns(c.Request().Context(), limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if runs == nil {
		runs = []models.SyncRun{}
	}
	return c.JSON(http.StatusOK, runs)
}

func (s *Server) handleSyncIncremental(c echo.Context) error {
	return s.startJob(c, models.ModeIncremental, s.Runner.IncrementalResync)
}

func (s *Server) handleSyncBackfill(c echo.Context) error {
	return s.startJob(c, models.ModeBackfill, s.Runner.Backfill)
}

func (s *Server) handleSyncFull(c echo.Context) error {
	confirm, _ := strconv.ParseBool(c.QueryParam("confirm"))
	if !confirm {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "full resync drops all synced data; repeat with ?confirm=true",
		})
	}
	return s.startJob(c, models.ModeFull, func(ctx context.Context) (models.SyncRun, error) {
		return s.Runner.FullResync(ctx, ingest.FullResyncOptions{Confirm: true})
	})
}

// startJob runs fn in the background and returns 202 immediately. One job at
// a time; a second request while one is running gets 409 and the running id.
func (s *Server) startJob(c echo.Context, mode models.SyncMode, fn func(context.Context) (models.SyncRun, error)) error {
	s.jobMu.Lock()
	if s.runningJob != nil && s.runningJob.Status == "running" {
		job := s.runningJob
		s.jobMu.Unlock()
		return c.JSON(http.StatusConflict, map[string]interface{}{
			"error":  "A sync job is already running",
			"job_id": job.ID,
			"mode":   job.Mode,
		})
	}

	// context.WithoutCancel detaches from HTTP lifecycle but preserves
	// request values. We add our own timeout for safety.
	jobCtx, jobCancel := context.WithTimeout(
		context.WithoutCancel(c.Request().Context()), s.jobTimeout,
	)

	jobID := uuid.New().String()[:8]
	job := &backgroundJob{
		ID:        jobID,
		Mode:      mode,
		Status:    "running",
		StartedAt: time.Now(),
		Cancel:    jobCancel,
		done:      make(chan struct{}),
	}
	s.runningJob = job
	s.jobMu.Unlock()

	go func() {
		defer close(job.done)
		defer jobCancel()

		run, err := fn(jobCtx)

		s.jobMu.Lock()
		job.EndedAt = time.Now()
		if run.ID != "" {
			job.Result = &run
		}
		if err != nil {
			job.Status = "failed"
			job.Error = err.Error()
		} else {
			job.Status = "completed"
		}
		s.jobMu.Unlock()

		if err != nil {
			log.Printf("[sync-job %s] %s failed (%s): %v", jobID, mode, ingest.Classify(err), err)
			return
		}
		log.Printf("[sync-job %s] %s completed: inserted=%d updated=%d skipped=%d failed=%d",
			jobID, mode, run.Counts.Inserted, run.Counts.Updated, run.Counts.Skipped, run.Counts.Failed)
	}()

	return c.JSON(http.StatusAccepted, map[string]interface{}{
		"message": fmt.Sprintf("%s sync started", mode),
		"job_id":  jobID,
		"poll":    fmt.Sprintf("/api/v1/admin/job/%s", jobID),
	})
}

func (s *Server) handleJobStatus(c echo.Context) error {
	queried := c.Param("id")

	s.jobMu.Lock()
	defer s.jobMu.Unlock()

	job := s.runningJob
	if job == nil || job.ID != queried {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "job not found"})
	}

	resp := map[string]interface{}{
		"id":         job.ID,
		"mode":       job.Mode,
		"status":     job.Status,
		"started_at": job.StartedAt,
	}
	if !job.EndedAt.IsZero() {
		resp["ended_at"] = job.EndedAt
		resp["duration"] = job.EndedAt.Sub(job.StartedAt).String()
	}
	if job.Result != nil {
		resp["result"] = job.Result
	}
	if job.Error != "" {
		resp["error"] = job.Error
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

// Shutdown stops accepting requests, cancels a running job and waits for it to
// record its outcome.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.Echo.Shutdown(ctx)

	s.jobMu.Lock()
	job := s.runningJob
	s.jobMu.Unlock()
	if job != nil {
		job.Cancel()
		select {
		case <-job.done:
		case <-ctx.Done():
		}
	}
	return err
}
