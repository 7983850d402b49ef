package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/speedwagon-io/tankwatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/tankwatch/internal/model"
)

type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
)

type ComponentHealth struct {
	Name    string `json:"name"`
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status     Status            `json:"status"`
	Components []ComponentHealth `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

type HealthChecker interface {
	Name() string
	Check(ctx context.Context) (Status, string)
}

// ReportSource exposes the most recent analysis report.
type ReportSource interface {
	Latest() *model.Report
	CheckReadiness(ctx context.Context) error
}

type Server struct {
	log      *slog.Logger
	address  string
	reports  ReportSource
	server   *http.Server
	checkers []HealthChecker
	mu       sync.RWMutex
}

func NewServer(log *slog.Logger, address string, reports ReportSource) *Server {
	return &Server{
		log:      log,
		address:  address,
		reports:  reports,
		checkers: make([]HealthChecker, 0),
	}
}

func (s *Server) AddChecker(checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers = append(s.checkers, checker)
}

// Handler returns the router serving every HTTP endpoint.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/live", s.handleLive)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/report", s.handleReport)
		r.Get("/report.txt", s.handleReportText)
	})

	return r
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.address,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.log.Info("starting health server", slog.String("address", s.address))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("health server error", sl.Err(err))
		}
	}()

	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	checkers := make([]HealthChecker, len(s.checkers))
	copy(checkers, s.checkers)
	s.mu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	response := HealthResponse{
		Status:     StatusHealthy,
		Components: make([]ComponentHealth, 0, len(checkers)),
		Timestamp:  time.Now().UTC(),
	}

	for _, checker := range checkers {
		status, message := checker.Check(ctx)
		response.Components = append(response.Components, ComponentHealth{
			Name:    checker.Name(),
			Status:  status,
			Message: message,
		})

		if status == StatusUnhealthy {
			response.Status = StatusUnhealthy
		} else if status == StatusDegraded && response.Status == StatusHealthy {
			response.Status = StatusDegraded
		}
	}

	statusCode := http.StatusOK
	if response.Status == StatusUnhealthy {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, response)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.reports.CheckReadiness(r.Context()); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report := s.reports.Latest()
	if report == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "no report available yet"})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleReportText(w http.ResponseWriter, r *http.Request) {
	report := s.reports.Latest()
	if report == nil {
		http.Error(w, "no report available yet", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(report.Render()))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type SenderHealthChecker struct {
	healthFunc func(ctx context.Context) error
}

func NewSenderHealthChecker(healthFunc func(ctx context.Context) error) *SenderHealthChecker {
	return &SenderHealthChecker{healthFunc: healthFunc}
}

func (c *SenderHealthChecker) Name() string {
	return "sender"
}

func (c *SenderHealthChecker) Check(ctx context.Context) (Status, string) {
	if err := c.healthFunc(ctx); err != nil {
		return StatusDegraded, err.Error()
	}
	return StatusHealthy, ""
}

// bufferHighWater is the backlog size that marks the buffer as degraded.
const bufferHighWater = 1000

type BufferHealthChecker struct {
	countFunc func(ctx context.Context) (int64, error)
}

func NewBufferHealthChecker(countFunc func(ctx context.Context) (int64, error)) *BufferHealthChecker {
	return &BufferHealthChecker{countFunc: countFunc}
}

func (c *BufferHealthChecker) Name() string {
	return "buffer"
}

func (c *BufferHealthChecker) Check(ctx context.Context) (Status, string) {
	count, err := c.countFunc(ctx)
	if err != nil {
		return StatusUnhealthy, err.Error()
	}

	if count > bufferHighWater {
		return StatusDegraded, "high buffer count"
	}

	return StatusHealthy, ""
}

// CycleHealthChecker degrades when no report has been produced within
// maxAge, which usually means the polling loop is stuck.
type CycleHealthChecker struct {
	reports ReportSource
	maxAge  time.Duration
	clock   clockwork.Clock
}

func NewCycleHealthChecker(reports ReportSource, maxAge time.Duration, clock clockwork.Clock) *CycleHealthChecker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &CycleHealthChecker{reports: reports, maxAge: maxAge, clock: clock}
}

func (c *CycleHealthChecker) Name() string {
	return "analyser"
}

func (c *CycleHealthChecker) Check(_ context.Context) (Status, string) {
	report := c.reports.Latest()
	if report == nil {
		return StatusDegraded, "no cycle completed yet"
	}

	if age := c.clock.Since(report.Timestamp); age > c.maxAge {
		return StatusDegraded, fmt.Sprintf("last report is %s old", age.Round(time.Second))
	}

	for _, level := range report.Tanks {
		if level.Quality != model.QualityGood {
			return StatusDegraded, fmt.Sprintf("tank %s reading is %s", level.Tag, level.Quality)
		}
	}

	return StatusHealthy, ""
}
