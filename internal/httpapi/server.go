// Package httpapi exposes the notification run, manual sends and the audit
// log over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"contractwatch/internal/contract"
	"contractwatch/internal/notify"
	"contractwatch/internal/storage"
	logx "contractwatch/pkg/logx"
)

type Config struct {
	Addr            string
	JWTSecret       string
	RunRoles        []string
	TriggerToken    string
	RunTimeout      time.Duration
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	// Pprof mounts the runtime profiles under /debug/pprof, behind auth.
	Pprof bool
}

// Runner is the part of notify.Service the API drives.
type Runner interface {
	Run(ctx context.Context, trigger string) (notify.Summary, error)
	SendOne(ctx context.Context, id string) (notify.Summary, error)
	LastRun() (notify.Summary, bool)
}

// ContractStore reads contracts and the audit trail and records review
// decisions.
type ContractStore interface {
	GetContract(ctx context.Context, id string) (contract.Contract, error)
	ListNotificationLogs(ctx context.Context, contractID string, limit int) ([]contract.NotificationLog, error)
	UpdateContractStatus(ctx context.Context, id string, from, to contract.Status) (bool, error)
}

// Registrar mounts extra unauthenticated routes such as the mail relay.
type Registrar interface {
	Register(r gin.IRoutes)
}

type Server struct {
	cfg    Config
	runner Runner
	logs   ContractStore
	health func() gin.H
	log    logx.Logger
	engine *gin.Engine
}

// New builds the router. health may be nil.
func New(cfg Config, runner Runner, logs ContractStore, health func() gin.H, log logx.Logger, extra ...Registrar) *Server {
	if len(cfg.RunRoles) == 0 {
		cfg.RunRoles = []string{"DHI_Admin", "DHI_PowerUser"}
	}
	s := &Server{cfg: cfg, runner: runner, logs: logs, health: health, log: log}

	r := gin.New()
	r.Use(requestID(), recovery(log), accessLog(log))
	r.GET("/healthz", s.healthz)
	for _, e := range extra {
		e.Register(r)
	}

	authed := r.Group("", auth(cfg.JWTSecret, cfg.TriggerToken, cfg.RunRoles))
	authed.PUT("/scheduler/expiryCheck", s.runCheck)
	api := authed.Group("/api")
	api.POST("/contracts/:id/notify", s.notifyOne)
	api.GET("/contracts/:id/notifications", s.listLogs)
	api.POST("/contracts/:id/approve", s.decide(contract.DecisionApprove))
	api.POST("/contracts/:id/reject", s.decide(contract.DecisionReject))
	api.GET("/runs/last", s.lastRun)
	if cfg.Pprof {
		registerPprof(authed)
	}

	s.engine = r
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Serve listens on cfg.Addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.serveListener(ctx, ln)
}

func (s *Server) serveListener(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.log.Info("http server listening", logx.String("addr", ln.Addr().String()))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	timeout := s.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.Info("http server stopped")
	return nil
}

func (s *Server) healthz(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.health != nil {
		for k, v := range s.health() {
			body[k] = v
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) runCheck(c *gin.Context) {
	// The run outlives a client that hangs up.
	ctx := context.WithoutCancel(c.Request.Context())
	if s.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RunTimeout)
		defer cancel()
	}
	sum, err := s.runner.Run(ctx, notify.TriggerAPI)
	switch {
	case errors.Is(err, notify.ErrRunInProgress):
		c.JSON(http.StatusConflict, gin.H{"success": false, "error": err.Error()})
	case err != nil:
		s.log.Error("expiry check failed", logx.String("request_id", getRequestID(c)), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": true, "result": sum})
	}
}

func (s *Server) notifyOne(c *gin.Context) {
	sum, err := s.runner.SendOne(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Contract not found"})
	case errors.Is(err, notify.ErrNoEndDate):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Contract has no end date set"})
	case errors.Is(err, notify.ErrAlreadyExpired):
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "Contract has already expired"})
	case err != nil:
		s.log.Error("manual notification failed", logx.String("request_id", getRequestID(c)), logx.Err(err))
		c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
	default:
		c.JSON(http.StatusOK, gin.H{"success": sum.Sent > 0, "result": sum})
	}
}

func (s *Server) listLogs(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	ctx := c.Request.Context()
	ct, err := s.logs.GetContract(ctx, c.Param("id"))
	if errors.Is(err, storage.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Contract not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	rows, err := s.logs.ListNotificationLogs(ctx, ct.ID, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if rows == nil {
		rows = []contract.NotificationLog{}
	}
	c.JSON(http.StatusOK, gin.H{"contractId": ct.DisplayID(), "notifications": rows})
}

type decisionRequest struct {
	Reason string `json:"reason"`
}

// decide moves a Submitted contract to Approved or Rejected. An approved
// contract is picked up by the next run's auto-advance rule.
func (s *Server) decide(d contract.Decision) gin.HandlerFunc {
	from, to, err := d.Transition()
	if err != nil {
		panic(err)
	}
	return func(c *gin.Context) {
		var req decisionRequest
		if c.Request.ContentLength != 0 {
			if err := c.ShouldBindJSON(&req); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "invalid JSON body"})
				return
			}
		}
		ctx := c.Request.Context()
		ct, err := s.logs.GetContract(ctx, c.Param("id"))
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "Contract not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		changed, err := s.logs.UpdateContractStatus(ctx, ct.ID, from, to)
		if err != nil {
			s.log.Error("contract decision failed", logx.String("request_id", getRequestID(c)), logx.String("contract_id", ct.DisplayID()), logx.Err(err))
			c.JSON(http.StatusInternalServerError, gin.H{"success": false, "error": err.Error()})
			return
		}
		if !changed {
			c.JSON(http.StatusConflict, gin.H{
				"success": false,
				"error":   fmt.Sprintf("contract is %s, expected %s", ct.Status, from),
			})
			return
		}
		s.log.Info("contract decision recorded",
			logx.String("decision", string(d)),
			logx.String("contract_id", ct.DisplayID()),
			logx.String("by", c.GetString(ctxSubject)),
			logx.String("reason", req.Reason),
		)
		c.JSON(http.StatusOK, gin.H{"success": true, "contractId": ct.DisplayID(), "status": to})
	}
}

func (s *Server) lastRun(c *gin.Context) {
	sum, ok := s.runner.LastRun()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no run has finished yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": sum})
}
