package ops

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/betbot/gohedge/internal/domain"
	"github.com/betbot/gohedge/internal/gateway"
	"github.com/betbot/gohedge/internal/hedge"
	"github.com/betbot/gohedge/internal/reconcile"
	"github.com/betbot/gohedge/internal/risk"
	"github.com/betbot/gohedge/internal/settle"
	"github.com/betbot/gohedge/internal/store"
	"github.com/betbot/gohedge/pkg/logger"
)

// Server 运维/管理 HTTP 服务
//
// 提供对冲提交入口和手动触发对账/结算的端点。定时触发由 Sweeper 负责，
// 这里的手动端点共用同一套幂等逻辑，重复触发无副作用。
type Server struct {
	store      *store.Store
	hedgeSvc   *hedge.Service
	reconciler *reconcile.Reconciler
	settler    *settle.Workflow
	breakers   *risk.Registry
	gw         gateway.OrderGateway
}

// New 创建运维服务。
func New(st *store.Store, hedgeSvc *hedge.Service, r *reconcile.Reconciler, w *settle.Workflow, breakers *risk.Registry, gw gateway.OrderGateway) *Server {
	return &Server{store: st, hedgeSvc: hedgeSvc, reconciler: r, settler: w, breakers: breakers, gw: gw}
}

// Router 构建路由。
func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	api := r.Group("/api")

	hedges := api.Group("/hedge")
	hedges.POST("/", s.handleHedgeSubmit)
	hedges.GET("/stats", s.handleHedgeStats)

	events := api.Group("/events")
	events.POST("/", s.handleEventUpsert)
	events.GET("/:eventID", s.handleEventGet)
	events.GET("/:eventID/exposure/:outcomeID", s.handleExposureGet)

	jobs := api.Group("/jobs")
	jobs.POST("/reconcile", s.handleReconcileNow)
	jobs.POST("/settle", s.handleSettleNow)

	brk := api.Group("/breakers")
	brk.GET("/", s.handleBreakersList)
	brk.POST("/:name/reset", s.handleBreakerReset)

	venue := api.Group("/venue")
	venue.GET("/open-orders", s.handleVenueOpenOrders)
	venue.POST("/orders/:orderID/cancel", s.handleVenueCancelOrder)

	return r
}

// StartAsync 启动 HTTP 服务（非阻塞），ctx 取消时优雅关闭。
func (s *Server) StartAsync(ctx context.Context, listenAddr string) *http.Server {
	srv := &http.Server{Addr: listenAddr, Handler: s.Router()}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("[ops] HTTP 服务异常退出: %v", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Infof("[ops] HTTP 服务已启动: %s", listenAddr)
	return srv
}

type hedgeSubmitRequest struct {
	EventID     string  `json:"event_id" binding:"required"`
	OutcomeID   string  `json:"outcome_id" binding:"required"`
	MarketID    string  `json:"market_id" binding:"required"`
	ConditionID string  `json:"condition_id"`
	TokenID     string  `json:"token_id" binding:"required"`
	Side        string  `json:"side" binding:"required"`
	Size        float64 `json:"size" binding:"required"`
	UserOrderID string  `json:"user_order_id"`
	HedgePrice  float64 `json:"hedge_price"`
}

func (s *Server) handleHedgeSubmit(c *gin.Context) {
	var req hedgeSubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	orderID, err := s.hedgeSvc.Submit(c.Request.Context(), &domain.HedgeRequest{
		EventID:     req.EventID,
		OutcomeID:   req.OutcomeID,
		MarketID:    req.MarketID,
		ConditionID: req.ConditionID,
		TokenID:     req.TokenID,
		Side:        domain.Side(req.Side),
		Size:        req.Size,
		UserOrderID: req.UserOrderID,
		HedgePrice:  req.HedgePrice,
	})
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, risk.ErrCircuitBreakerOpen) {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"success": false, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "order_id": orderID})
}

func (s *Server) handleHedgeStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.hedgeSvc.QueueStats())
}

type eventUpsertRequest struct {
	EventID        string `json:"event_id" binding:"required"`
	Status         string `json:"status"`
	WinningOutcome string `json:"winning_outcome"`
	ResolutionAt   string `json:"resolution_at"` // RFC3339，可选
}

func (s *Server) handleEventUpsert(c *gin.Context) {
	var req eventUpsertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ev := &domain.Event{
		ID:             req.EventID,
		Status:         domain.EventStatus(req.Status),
		WinningOutcome: req.WinningOutcome,
	}
	if req.ResolutionAt != "" {
		t, err := time.Parse(time.RFC3339, req.ResolutionAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "resolution_at 必须是 RFC3339"})
			return
		}
		ev.ResolutionAt = &t
	}
	if err := s.store.UpsertEvent(c.Request.Context(), ev); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleEventGet(c *gin.Context) {
	ev, err := s.store.GetEvent(c.Request.Context(), c.Param("eventID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if ev == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
		return
	}
	c.JSON(http.StatusOK, ev)
}

func (s *Server) handleExposureGet(c *gin.Context) {
	p, err := s.store.GetExposure(c.Request.Context(), c.Param("eventID"), c.Param("outcomeID"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if p == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no exposure"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleReconcileNow(c *gin.Context) {
	sum, err := s.reconciler.Run(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, sum)
}

type settleRequest struct {
	EventID        string `json:"event_id" binding:"required"`
	WinningOutcome string `json:"winning_outcome" binding:"required"`
}

func (s *Server) handleSettleNow(c *gin.Context) {
	var req settleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// 记下裁决结果，sweeper 重跑时也能看到
	if err := s.store.SetEventWinningOutcome(c.Request.Context(), req.EventID, req.WinningOutcome); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	res, err := s.settler.ProcessSettlement(c.Request.Context(), req.EventID, req.WinningOutcome)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"settled": res.Settled, "total_pnl": res.TotalPnl, "failed": res.Failed})
}

func (s *Server) handleBreakersList(c *gin.Context) {
	c.JSON(http.StatusOK, s.breakers.AllStats())
}

// handleVenueOpenOrders 透传场所侧的未结订单列表（排障用）。
func (s *Server) handleVenueOpenOrders(c *gin.Context) {
	if !s.gw.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "venue integration disabled"})
		return
	}
	orders, err := s.gw.GetOpenOrders(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// handleVenueCancelOrder 人工撤掉一张场所订单；镜像状态等下一轮对账收敛。
func (s *Server) handleVenueCancelOrder(c *gin.Context) {
	if !s.gw.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "venue integration disabled"})
		return
	}
	orderID := c.Param("orderID")
	if err := s.gw.CancelOrder(c.Request.Context(), orderID); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	logger.Warnf("[ops] 场所订单被手动撤销: %s", orderID)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) handleBreakerReset(c *gin.Context) {
	name := c.Param("name")
	br, ok := s.breakers.Lookup(name)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown breaker: " + name})
		return
	}
	br.Reset()
	logger.Warnf("[ops] 断路器被手动复位: %s", name)
	c.JSON(http.StatusOK, gin.H{"ok": true, "state": string(br.State())})
}
