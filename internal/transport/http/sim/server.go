package simhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradesim/internal/portfolio"
	"tradesim/internal/records"
	"tradesim/internal/simulation"
)

// RunStarter 异步启动某个已配置会话的一次运行。
type RunStarter interface {
	StartSession(ctx context.Context, session string) (records.RunRecord, error)
}

type HeartbeatView interface {
	Latest(session string) (simulation.Heartbeat, bool)
}

type PortfolioView interface {
	Snapshots() []portfolio.Snapshot
}

// SignalIngest 接收外部 POST 的入站信号。
type SignalIngest interface {
	PublishRaw(raw []byte) error
}

// RunStarter 返回的哨兵错误：未知会话 404，会话运行中 409，并发已满 429。
var (
	ErrUnknownSession = errors.New("unknown session")
	ErrSessionRunning = errors.New("session is already running")
	ErrRunnerBusy     = errors.New("runner is at max_concurrent")
)

// Config 描述 HTTP Server 的依赖，除 Store 外均可为空。
type Config struct {
	Addr       string
	Store      records.RunStore
	Runner     RunStarter
	Heartbeats HeartbeatView
	Portfolio  PortfolioView
	Signals    SignalIngest
	SignalsWS  http.Handler
	Gatherer   prometheus.Gatherer
}

// Server 提供运行查询与控制的 HTTP API。
type Server struct {
	cfg    Config
	router *gin.Engine
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("run store is required")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	s := &Server{cfg: cfg, router: router}
	s.registerRoutes()
	return s, nil
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) registerRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.cfg.Gatherer, promhttp.HandlerOpts{})))

	api := s.router.Group("/api")
	api.GET("/runs", s.handleRunList)
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/records", s.handleRunRecords)
	api.GET("/heartbeat/:session", s.handleHeartbeat)
	api.GET("/portfolio", s.handlePortfolio)
	api.POST("/signals", s.handleSignal)
	if s.cfg.SignalsWS != nil {
		s.router.GET("/ws/signals", gin.WrapH(s.cfg.SignalsWS))
	}
}

func (s *Server) handleRunList(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.cfg.Store.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]runView, 0, len(runs))
	for _, r := range runs {
		out = append(out, newRunView(r))
	}
	c.JSON(http.StatusOK, gin.H{"runs": out})
}

func (s *Server) handleRunStart(c *gin.Context) {
	if s.cfg.Runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "runner not enabled"})
		return
	}
	var req struct {
		Session string `json:"session" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.cfg.Runner.StartSession(c.Request.Context(), req.Session)
	if err != nil {
		status := http.StatusBadRequest
		switch {
		case errors.Is(err, ErrUnknownSession):
			status = http.StatusNotFound
		case errors.Is(err, ErrSessionRunning):
			status = http.StatusConflict
		case errors.Is(err, ErrRunnerBusy):
			status = http.StatusTooManyRequests
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": newRunView(run)})
}

func (s *Server) handleRunDetail(c *gin.Context) {
	run, err := s.cfg.Store.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, records.ErrRunNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": newRunView(run)})
}

func (s *Server) handleRunRecords(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	recs, err := s.cfg.Store.ListRecords(c.Request.Context(), c.Param("id"), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": recs})
}

func (s *Server) handleHeartbeat(c *gin.Context) {
	if s.cfg.Heartbeats == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "heartbeat tracking not enabled"})
		return
	}
	hb, ok := s.cfg.Heartbeats.Latest(c.Param("session"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no heartbeat yet"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"heartbeat": hb})
}

func (s *Server) handlePortfolio(c *gin.Context) {
	if s.cfg.Portfolio == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "portfolio not enabled"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": s.cfg.Portfolio.Snapshots()})
}

func (s *Server) handleSignal(c *gin.Context) {
	if s.cfg.Signals == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "signals not enabled"})
		return
	}
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.cfg.Signals.PublishRaw(raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "queued"})
}

// runView 把 Summary 以内嵌 JSON 而不是 base64 输出。
type runView struct {
	records.RunRecord
	Summary json.RawMessage `json:"summary,omitempty"`
}

func newRunView(r records.RunRecord) runView {
	v := runView{RunRecord: r}
	if json.Valid(r.Summary) {
		v.Summary = json.RawMessage(r.Summary)
	}
	return v
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.cfg.Addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
