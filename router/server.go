package router

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// InferenceRequest is the inbound routing request body.
type InferenceRequest struct {
	Service    string          `json:"service" binding:"required"`
	Inputs     json.RawMessage `json:"inputs"`
	Profile    ResourceProfile `json:"profile"`
	DeadlineMS int64           `json:"deadline_ms"`
}

// Server is the REST front of the engine. Route surface follows the
// original coordinator agent (/infer, /models, /health, /status, /metrics)
// plus /targets and /policy/reload.
type Server struct {
	engine     *gin.Engine
	dispatcher *Dispatcher
	registry   *Registry
	catalog    *Catalog
	policies   *Store
	policyPath string
	startTime  time.Time

	// defaultDeadline bounds requests that do not carry deadline_ms.
	defaultDeadline time.Duration
}

func NewServer(dispatcher *Dispatcher, registry *Registry, catalog *Catalog, policies *Store, policyPath string, defaultDeadline time.Duration) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:          gin.New(),
		dispatcher:      dispatcher,
		registry:        registry,
		catalog:         catalog,
		policies:        policies,
		policyPath:      policyPath,
		startTime:       time.Now(),
		defaultDeadline: defaultDeadline,
	}
	s.engine.Use(gin.Recovery())
	s.engine.POST("/infer", s.infer)
	s.engine.GET("/models", s.models)
	s.engine.GET("/targets", s.targets)
	s.engine.GET("/health", s.health)
	s.engine.GET("/status", s.health)
	s.engine.POST("/policy/reload", s.reload)
	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return s
}

// Handler exposes the underlying http.Handler for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.engine}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logrus.Warnf("server: shutdown: %v", err)
		}
	}()
	logrus.Infof("server: listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) infer(c *gin.Context) {
	var req InferenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	deadline := time.Now().Add(s.defaultDeadline)
	if req.DeadlineMS > 0 {
		deadline = time.Now().Add(time.Duration(req.DeadlineMS) * time.Millisecond)
	}

	result, err := s.dispatcher.Execute(c.Request.Context(), req.Service, req.Profile, req.Inputs, deadline)
	if err != nil {
		s.routeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"request_id":      result.RequestID,
		"target":          result.Target,
		"outputs":         result.Outputs,
		"metadata":        result.Metadata,
		"attempts":        result.Attempts,
		"elapsed_ms":      result.Elapsed.Milliseconds(),
	})
}

func (s *Server) routeError(c *gin.Context, err error) {
	var noTarget *NoAdmissibleTarget
	if errors.As(err, &noTarget) {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":     "no admissible target",
			"service":   noTarget.Service,
			"evaluated": noTarget.Evaluated,
		})
		return
	}
	var exhausted *RoutingExhausted
	if errors.As(err, &exhausted) {
		c.JSON(http.StatusBadGateway, gin.H{
			"error":    "routing exhausted",
			"service":  exhausted.Service,
			"attempts": exhausted.Attempts,
		})
		return
	}
	var cancelled *Cancelled
	if errors.As(err, &cancelled) {
		// Client went away; 499 in the nginx tradition.
		c.JSON(499, gin.H{"error": "request cancelled", "attempts": cancelled.Attempts})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

func (s *Server) models(c *gin.Context) {
	out := make(map[string][]Capability)
	for name := range s.registry.Snapshot() {
		out[name] = s.catalog.Models(name)
	}
	c.JSON(http.StatusOK, gin.H{"targets": out})
}

func (s *Server) targets(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"targets": s.registry.Snapshot()})
}

func (s *Server) health(c *gin.Context) {
	snap := s.policies.Current()
	version := int64(0)
	if snap != nil {
		version = snap.Version
	}
	c.JSON(http.StatusOK, gin.H{
		"status":         "healthy",
		"uptime_seconds": time.Since(s.startTime).Seconds(),
		"policy_version": version,
		"targets":        len(s.registry.Snapshot()),
	})
}

// reload re-reads the policy file and atomically swaps the snapshot.
// Validation failure leaves the previous snapshot active and returns 422.
func (s *Server) reload(c *gin.Context) {
	doc, err := LoadPolicyDocument(s.policyPath)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	snap, err := s.policies.Load(doc)
	if err != nil {
		var verr *PolicyValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "policy validation failed", "problems": verr.Problems})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, t := range snap.Targets {
		s.registry.Upsert(t)
	}
	c.JSON(http.StatusOK, gin.H{"policy_version": snap.Version})
}
