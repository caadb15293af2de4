// Package control serves the local HTTP surface used by UI and CLI layers: send a command,
// inspect submissions and connection state, trigger an update check, scrape metrics.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/danmuck/hostbridge/internal/auth"
	"github.com/danmuck/hostbridge/internal/client"
	"github.com/danmuck/hostbridge/internal/logging"
	"github.com/danmuck/hostbridge/internal/observability"
	"github.com/danmuck/hostbridge/internal/orchestrator"
	"github.com/danmuck/hostbridge/internal/queue"
	"github.com/danmuck/hostbridge/internal/update"
)

// Bridge is the runtime surface the control API exposes.
type Bridge interface {
	SendCommand(text string) (orchestrator.Submission, error)
	Submission(id string) (orchestrator.Submission, bool)
	Submissions() []orchestrator.Submission
	ConnectionStatus() client.State
	TriggerUpdateCheck() error
}

// UpdateInfo reports update controller state. Optional.
type UpdateInfo interface {
	State() update.State
	Marker() string
	Reloads() uint64
	LastError() error
	LastCheck() time.Time
}

type Config struct {
	ID          string
	Addr        string
	CORSOrigins []string
	// Token, when set, is required as a bearer token on mutating routes.
	Token string
}

type Server struct {
	cfg      Config
	bridge   Bridge
	updates  UpdateInfo
	router   *gin.Engine
	gatherer prometheus.Gatherer
	started  time.Time
}

// CommandRequest accepts either raw command text or a name with parameters.
type CommandRequest struct {
	Text       string         `json:"text"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters"`
}

func New(cfg Config, bridge Bridge, updates UpdateInfo, collectors ...prometheus.Collector) *Server {
	if strings.TrimSpace(cfg.ID) == "" {
		cfg.ID = "hostbridge"
	}
	observability.RegisterMetrics()
	reg := prometheus.NewRegistry()
	for _, c := range collectors {
		reg.MustRegister(c)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(observability.InitLogger(cfg.ID)))
	r.Use(observability.RequestMetricsMiddleware(cfg.ID))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	s := &Server{
		cfg:      cfg,
		bridge:   bridge,
		updates:  updates,
		router:   r,
		gatherer: prometheus.Gatherers{prometheus.DefaultGatherer, reg},
		started:  time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"uptime":  time.Since(s.started).Round(time.Millisecond).String(),
			"service": s.cfg.ID,
		})
	})

	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))

	s.router.GET("/status", func(c *gin.Context) {
		body := gin.H{"connection": s.bridge.ConnectionStatus()}
		if s.updates != nil {
			upd := gin.H{
				"state":   s.updates.State(),
				"marker":  s.updates.Marker(),
				"reloads": s.updates.Reloads(),
			}
			if at := s.updates.LastCheck(); !at.IsZero() {
				upd["last_check"] = at
			}
			if err := s.updates.LastError(); err != nil {
				upd["last_error"] = err.Error()
			}
			body["update"] = upd
		}
		c.JSON(http.StatusOK, body)
	})

	s.router.POST("/commands", s.requireToken(), s.handleSendCommand)

	s.router.GET("/commands", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"submissions": s.bridge.Submissions()})
	})

	s.router.GET("/commands/:id", func(c *gin.Context) {
		sub, ok := s.bridge.Submission(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": orchestrator.ErrSubmissionNotFound.Error()})
			return
		}
		c.JSON(http.StatusOK, sub)
	})

	s.router.POST("/update/check", s.requireToken(), func(c *gin.Context) {
		if err := s.bridge.TriggerUpdateCheck(); err != nil {
			c.JSON(statusFor(err), gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
	})
}

func (s *Server) requireToken() gin.HandlerFunc {
	if strings.TrimSpace(s.cfg.Token) == "" {
		return func(c *gin.Context) { c.Next() }
	}
	v := auth.StaticToken{Token: strings.TrimSpace(s.cfg.Token)}
	return func(c *gin.Context) {
		if err := auth.Check(v, c.GetHeader("Authorization")); err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			return
		}
		c.Next()
	}
}

func (s *Server) handleSendCommand(c *gin.Context) {
	var req CommandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	text, err := req.commandText()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sub, err := s.bridge.SendCommand(text)
	if err != nil {
		logging.Warnf("control.Server.sendCommand rejected err=%v", err)
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, sub)
}

func (r CommandRequest) commandText() (string, error) {
	if text := strings.TrimSpace(r.Text); text != "" {
		return text, nil
	}
	name := strings.TrimSpace(r.Name)
	if name == "" {
		return "", errors.New("text or name required")
	}
	if len(r.Parameters) == 0 {
		return name, nil
	}
	params, err := json.Marshal(r.Parameters)
	if err != nil {
		return "", err
	}
	return name + " " + string(params), nil
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidCommandText), errors.Is(err, queue.ErrInvalidAction):
		return http.StatusBadRequest
	case errors.Is(err, queue.ErrCapacity),
		errors.Is(err, orchestrator.ErrTornDown),
		errors.Is(err, orchestrator.ErrNotStarted):
		return http.StatusServiceUnavailable
	case errors.Is(err, orchestrator.ErrUpdatesDisabled):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// Serve listens on Addr until ctx ends, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logging.Infof("control.Server.Serve listening addr=%q", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		logging.Infof("control.Server.Serve shutdown addr=%q", s.cfg.Addr)
		return err
	}
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
