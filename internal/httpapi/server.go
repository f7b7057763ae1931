// Package httpapi exposes the presence engine and the core-time monitor over
// HTTP for badge readers and operators.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"presence/internal/auth"
	"presence/internal/clock"
	"presence/internal/coretime"
	"presence/internal/httpmiddleware"
	"presence/internal/ledger"
	"presence/internal/metrics"
	"presence/internal/presence"
	"presence/internal/scan"
)

// Presence is the engine surface used by the handlers.
type Presence interface {
	Toggle(ctx context.Context, memberID string) (presence.Result, error)
	IsPresent(ctx context.Context, memberID string) (bool, error)
	Present(ctx context.Context) ([]ledger.Session, error)
	ResetAll(ctx context.Context) ([]presence.Result, error)
}

// CoreTime is the monitor surface used by the handlers.
type CoreTime interface {
	Sweep(ctx context.Context, slot, day int, date time.Time) ([]coretime.Violation, error)
	SweepNow(ctx context.Context, slot int) ([]coretime.Violation, error)
}

// HealthCheck is one named dependency check for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Config carries the auth and rate-limit settings.
type Config struct {
	SigningKey      string
	Issuer          string
	EnrollmentKey   string
	AccessTTL       time.Duration
	RateLimitPerMin int
}

// Deps are the collaborators behind the routes. Debouncer, Clock, Metrics,
// Gatherer and Logger are optional.
type Deps struct {
	Presence  Presence
	CoreTime  CoreTime
	Debouncer scan.Debouncer
	Health    []HealthCheck
	Clock     clock.Clock
	Metrics   *metrics.Metrics
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
}

// Server holds the gin handlers.
type Server struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New fills defaults for the optional deps.
func New(cfg Config, deps Deps) *Server {
	if deps.Debouncer == nil {
		deps.Debouncer = scan.Off{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = 12 * time.Hour
	}
	return &Server{cfg: cfg, deps: deps, log: deps.Logger}
}

// Router builds the gin engine with every route registered.
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{})))
	r.GET("/healthz", s.healthz)
	r.POST("/v1/tokens", s.issueToken)

	limiter := httpmiddleware.NewTokenBucket(s.cfg.RateLimitPerMin, s.cfg.RateLimitPerMin, s.deps.Clock)
	authed := func(roles ...string) gin.HandlerFunc {
		return auth.RequireRole(s.cfg.SigningKey, s.cfg.Issuer, roles...)
	}

	scanner := r.Group("/v1", authed(auth.RoleScanner), limiter.GinMiddleware())
	scanner.POST("/scans", s.scan)

	reader := r.Group("/v1", authed(auth.RoleScanner, auth.RoleOperator), limiter.GinMiddleware())
	reader.GET("/members/:id/presence", s.memberPresence)

	ops := r.Group("/v1", authed(auth.RoleOperator), limiter.GinMiddleware())
	ops.GET("/presence", s.presentMembers)
	ops.POST("/presence/reset", s.reset)
	ops.POST("/core-time/sweeps", s.sweep)

	return r
}

func (s *Server) healthz(c *gin.Context) {
	status := http.StatusOK
	checks := gin.H{}
	for _, h := range s.deps.Health {
		if err := h.Check(c.Request.Context()); err != nil {
			checks[h.Name] = false
			status = http.StatusServiceUnavailable
			continue
		}
		checks[h.Name] = true
	}
	body := gin.H{"status": "ok", "checks": checks}
	if status != http.StatusOK {
		body["status"] = "degraded"
	}
	c.JSON(status, body)
}

func (s *Server) issueToken(c *gin.Context) {
	var req struct {
		Subject       string `json:"subject" binding:"required"`
		Role          string `json:"role" binding:"required"`
		EnrollmentKey string `json:"enrollment_key" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if subtle.ConstantTimeCompare([]byte(req.EnrollmentKey), []byte(s.cfg.EnrollmentKey)) != 1 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid enrollment key"})
		return
	}
	tok, err := auth.Issue(req.Subject, req.Role, s.cfg.Issuer, s.cfg.SigningKey, s.cfg.AccessTTL, s.deps.Clock.Now())
	if errors.Is(err, auth.ErrUnknownRole) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}
	c.JSON(http.StatusCreated, tok)
}

func (s *Server) scan(c *gin.Context) {
	var req struct {
		MemberID string `json:"member_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	memberID := strings.TrimSpace(req.MemberID)
	if memberID == "" {
		s.fail(c, presence.ErrInvalidMemberID)
		return
	}

	allowed, err := s.deps.Debouncer.Allow(c.Request.Context(), memberID)
	if err != nil {
		s.log.Warn("scan debounce unavailable", "member_id", memberID, "error", err)
	}
	if !allowed {
		s.deps.Metrics.IncDebounced()
		c.JSON(http.StatusAccepted, gin.H{"member_id": memberID, "ignored": true})
		return
	}

	res, err := s.deps.Presence.Toggle(c.Request.Context(), memberID)
	if err != nil {
		// The scan did not count; let the reader retry inside the window.
		if rerr := s.deps.Debouncer.Release(context.WithoutCancel(c.Request.Context()), memberID); rerr != nil {
			s.log.Warn("scan debounce not released", "member_id", memberID, "error", rerr)
		}
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) memberPresence(c *gin.Context) {
	id := c.Param("id")
	present, err := s.deps.Presence.IsPresent(c.Request.Context(), id)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"member_id": id, "present": present})
}

func (s *Server) presentMembers(c *gin.Context) {
	sessions, err := s.deps.Presence.Present(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	members := make([]gin.H, 0, len(sessions))
	for _, sess := range sessions {
		members = append(members, gin.H{"member_id": sess.MemberID, "entered_at": sess.EnteredAt})
	}
	c.JSON(http.StatusOK, gin.H{"count": len(members), "members": members})
}

func (s *Server) reset(c *gin.Context) {
	reset, err := s.deps.Presence.ResetAll(c.Request.Context())
	if err != nil {
		s.failWith(c, err, gin.H{"reset": reset})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(reset), "reset": reset})
}

func (s *Server) sweep(c *gin.Context) {
	var req struct {
		Slot int    `json:"slot" binding:"required"`
		Day  *int   `json:"day"`
		Date string `json:"date"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var (
		violations []coretime.Violation
		err        error
	)
	switch {
	case req.Date == "" && req.Day == nil:
		violations, err = s.deps.CoreTime.SweepNow(c.Request.Context(), req.Slot)
	case req.Date == "":
		c.JSON(http.StatusBadRequest, gin.H{"error": "date is required when day is given"})
		return
	default:
		date, perr := time.Parse(time.DateOnly, req.Date)
		if perr != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		day := coretime.WeekdayNumber(date.Weekday())
		if req.Day != nil {
			day = *req.Day
		}
		violations, err = s.deps.CoreTime.Sweep(c.Request.Context(), req.Slot, day, date)
	}
	if violations == nil {
		violations = []coretime.Violation{}
	}
	if err != nil {
		s.failWith(c, err, gin.H{"violations": violations})
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": len(violations), "violations": violations})
}

func (s *Server) fail(c *gin.Context, err error) {
	s.failWith(c, err, nil)
}

// failWith writes the mapped status; extra carries partial results.
func (s *Server) failWith(c *gin.Context, err error, extra gin.H) {
	status := StatusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", c.FullPath(), "error", err)
	}
	body := gin.H{"error": err.Error()}
	for k, v := range extra {
		body[k] = v
	}
	c.JSON(status, body)
}

// StatusFor maps domain errors to HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrMemberNotFound):
		return http.StatusNotFound
	case errors.Is(err, presence.ErrInvalidMemberID), errors.Is(err, coretime.ErrInvalidSlot):
		return http.StatusBadRequest
	case ledger.IsStorage(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}
		c.Next()
	}
}
