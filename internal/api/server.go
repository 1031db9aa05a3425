package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"swap-grid-bot-go/internal/controller"
	"swap-grid-bot-go/internal/grid"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Admin 是管理接口依赖的控制器能力
type Admin interface {
	Snapshots() []models.GridSnapshot
	Snapshot(gridID string) (models.GridSnapshot, bool)
	CreateGrid(ctx context.Context, params models.GridParams) (*models.GridConfig, error)
	UpdateGridRange(ctx context.Context, gridID string, edit grid.RangeEdit) (models.GridSnapshot, error)
	DeleteGrid(ctx context.Context, gridID string) error
	Counters(ctx context.Context, gridID string) (*models.Counters, error)
	TradeRecords(ctx context.Context, gridID string, limit int) ([]*models.TradeRecord, error)
	Stats() controller.Stats
}

// Server 网格管理 HTTP 接口
type Server struct {
	router     *gin.Engine
	admin      Admin
	addr       string
	httpServer *http.Server
	logger     *zap.Logger
}

// GridView 是单个网格的接口表示
type GridView struct {
	models.GridSnapshot
	Counters *models.Counters `json:"counters,omitempty"`
}

// NewServer 创建管理接口服务
func NewServer(admin Admin, addr string, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger))

	s := &Server{
		router: router,
		admin:  admin,
		addr:   addr,
		logger: logger,
	}
	s.setupRoutes()
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/stats", s.handleStats)

		api.GET("/grids", s.handleListGrids)
		api.POST("/grids", s.handleCreateGrid)
		api.GET("/grids/:id", s.handleGetGrid)
		api.PUT("/grids/:id/range", s.handleUpdateRange)
		api.DELETE("/grids/:id", s.handleDeleteGrid)
		api.GET("/grids/:id/trades", s.handleListTrades)
	}
}

// Handler 返回底层路由，供测试与嵌入使用
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start 启动HTTP服务，阻塞直到 Shutdown
func (s *Server) Start() error {
	s.logger.Info("管理接口已启动", zap.String("addr", s.addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown 优雅关闭HTTP服务
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("api request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"grids":  len(s.admin.Snapshots()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.admin.Stats())
}

func (s *Server) handleListGrids(c *gin.Context) {
	snaps := s.admin.Snapshots()
	out := make([]GridView, 0, len(snaps))
	for _, snap := range snaps {
		view := GridView{GridSnapshot: snap}
		if counters, err := s.admin.Counters(c.Request.Context(), snap.Config.ID); err == nil {
			view.Counters = counters
		} else {
			s.logger.Warn("读取计数器失败", zap.String("grid_id", snap.Config.ID), zap.Error(err))
		}
		out = append(out, view)
	}
	c.JSON(http.StatusOK, gin.H{"grids": out})
}

func (s *Server) handleGetGrid(c *gin.Context) {
	id := c.Param("id")
	snap, ok := s.admin.Snapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "grid not found"})
		return
	}
	view := GridView{GridSnapshot: snap}
	counters, err := s.admin.Counters(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	view.Counters = counters
	c.JSON(http.StatusOK, view)
}

func (s *Server) handleCreateGrid(c *gin.Context) {
	var params models.GridParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	cfg, err := s.admin.CreateGrid(c.Request.Context(), params)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, cfg)
}

func (s *Server) handleUpdateRange(c *gin.Context) {
	var edit grid.RangeEdit
	if err := c.ShouldBindJSON(&edit); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	snap, err := s.admin.UpdateGridRange(c.Request.Context(), c.Param("id"), edit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (s *Server) handleDeleteGrid(c *gin.Context) {
	if err := s.admin.DeleteGrid(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListTrades(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	id := c.Param("id")
	if _, ok := s.admin.Snapshot(id); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "grid not found"})
		return
	}
	records, err := s.admin.TradeRecords(c.Request.Context(), id, limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if records == nil {
		records = []*models.TradeRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"trades": records})
}

// writeError 把领域错误映射为HTTP状态码
func (s *Server) writeError(c *gin.Context, err error) {
	var ce *models.ConfigError
	switch {
	case errors.As(err, &ce):
		c.JSON(http.StatusBadRequest, gin.H{"error": ce.Error(), "field": ce.Field})
	case errors.Is(err, statemanager.ErrGridNotFound), errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "grid not found"})
	case errors.Is(err, controller.ErrGridExists):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		s.logger.Error("管理接口请求失败", zap.String("path", c.FullPath()), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
