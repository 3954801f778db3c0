package handlers

import (
	"net/http"
	"strconv"

	"fieldcrm/internal/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AutomationHandler 管理自动化规则、执行记录与触发账本
type AutomationHandler struct {
	rules    *services.AutomationRuleService
	engine   *services.AutomationEngine
	recorder *services.ExecutionRecorder
	ledger   services.LedgerStore
	feed     *services.ExecutionFeed
	logger   *logrus.Logger
}

func NewAutomationHandler(
	rules *services.AutomationRuleService,
	engine *services.AutomationEngine,
	recorder *services.ExecutionRecorder,
	ledger services.LedgerStore,
	feed *services.ExecutionFeed,
	logger *logrus.Logger,
) *AutomationHandler {
	if logger == nil {
		logger = logrus.New()
	}
	return &AutomationHandler{
		rules:    rules,
		engine:   engine,
		recorder: recorder,
		ledger:   ledger,
		feed:     feed,
		logger:   logger,
	}
}

// ListRules 获取规则列表
func (h *AutomationHandler) ListRules(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	page, size := pagination(c)
	q := services.RuleListQuery{TriggerEvent: c.Query("trigger_event"), Page: page, PageSize: size}
	if v := c.Query("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid is_active", Message: err.Error()})
			return
		}
		q.IsActive = &active
	}

	rules, total, err := h.rules.ListRules(c.Request.Context(), tenant, q)
	if err != nil {
		respondError(c, "Failed to list rules", err)
		return
	}
	c.JSON(http.StatusOK, paginated(rules, total, page, size))
}

// CreateRule 创建规则
func (h *AutomationHandler) CreateRule(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}

	rule, err := h.rules.CreateRule(c.Request.Context(), tenant, &req)
	if err != nil {
		respondError(c, "Failed to create rule", err)
		return
	}
	c.JSON(http.StatusCreated, rule)
}

func (h *AutomationHandler) GetRule(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.rules.GetRule(c.Request.Context(), tenant, id)
	if err != nil {
		respondError(c, "Failed to get rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// UpdateRule 全量更新规则定义
func (h *AutomationHandler) UpdateRule(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	var req services.AutomationRuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	rule, err := h.rules.UpdateRule(c.Request.Context(), tenant, id, &req)
	if err != nil {
		respondError(c, "Failed to update rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// DeleteRule 删除规则；账本与执行记录保留
func (h *AutomationHandler) DeleteRule(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	if err := h.rules.DeleteRule(c.Request.Context(), tenant, id); err != nil {
		respondError(c, "Failed to delete rule", err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "deleted"})
}

func (h *AutomationHandler) ToggleRule(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	rule, err := h.rules.ToggleRule(c.Request.Context(), tenant, id)
	if err != nil {
		respondError(c, "Failed to toggle rule", err)
		return
	}
	c.JSON(http.StatusOK, rule)
}

// TestRule 用样例事件试运行规则（强制测试模式，不写账本，不落库）
func (h *AutomationHandler) TestRule(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	var in services.InboundEvent
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	evt := services.Event{
		ID:         in.ID,
		Name:       in.Name,
		EntityType: in.EntityType,
		EntityID:   in.EntityID,
		Fields:     in.Fields,
		Previous:   in.Previous,
	}
	if in.OccurredAt != nil {
		evt.OccurredAt = in.OccurredAt.UTC()
	}

	rec, err := h.engine.DryRun(c.Request.Context(), tenant, id, evt)
	if err != nil {
		respondError(c, "Failed to test rule", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListExecutions 分页查询执行记录
func (h *AutomationHandler) ListExecutions(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	page, size := pagination(c)
	q := services.ExecutionQuery{
		TenantID: tenant,
		EntityID: c.Query("entity_id"),
		EventID:  c.Query("event_id"),
		Outcome:  services.Outcome(c.Query("outcome")),
		Page:     page,
		PageSize: size,
	}
	if v := c.Query("rule_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule_id", Message: err.Error()})
			return
		}
		q.RuleID = uint(id)
	}
	if v := c.Query("is_test_mode"); v != "" {
		testMode, err := strconv.ParseBool(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid is_test_mode", Message: err.Error()})
			return
		}
		q.IsTestMode = &testMode
	}

	records, total, err := h.recorder.List(c.Request.Context(), q)
	if err != nil {
		respondError(c, "Failed to list executions", err)
		return
	}
	c.JSON(http.StatusOK, paginated(records, total, page, size))
}

func (h *AutomationHandler) GetExecution(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	rec, err := h.recorder.Get(c.Request.Context(), tenant, c.Param("id"))
	if err != nil {
		respondError(c, "Failed to get execution", err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

// ListLedger 查询触发账本
func (h *AutomationHandler) ListLedger(c *gin.Context) {
	tenant, ok := requireTenant(c)
	if !ok {
		return
	}
	page, size := pagination(c)
	q := services.LedgerQuery{
		TenantID: tenant,
		EntityID: c.Query("entity_id"),
		Scope:    services.LedgerScope(c.Query("scope")),
		Page:     page,
		PageSize: size,
	}
	if v := c.Query("rule_id"); v != "" {
		id, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid rule_id", Message: err.Error()})
			return
		}
		q.RuleID = uint(id)
	}
	entries, total, err := h.ledger.List(c.Request.Context(), q)
	if err != nil {
		respondError(c, "Failed to list ledger", err)
		return
	}
	c.JSON(http.StatusOK, paginated(entries, total, page, size))
}

// Feed 升级为 websocket，推送本租户的执行记录
func (h *AutomationHandler) Feed(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)
	if tenant == "" {
		// 浏览器 websocket 无法自定义请求头
		tenant = c.Query("tenant_id")
	}
	if tenant == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing tenant", Message: TenantHeader + " header or tenant_id query is required"})
		return
	}
	if h.feed == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "Feed disabled", Message: "execution feed is not running"})
		return
	}
	if err := h.feed.ServeWS(c.Writer, c.Request, tenant); err != nil {
		h.logger.Warnf("feed: upgrade failed: %v", err)
	}
}

// RegisterAutomationRoutes 注册路由
func RegisterAutomationRoutes(r *gin.RouterGroup, handler *AutomationHandler) {
	auto := r.Group("/automations")
	{
		auto.GET("/rules", handler.ListRules)
		auto.POST("/rules", handler.CreateRule)
		auto.GET("/rules/:id", handler.GetRule)
		auto.PUT("/rules/:id", handler.UpdateRule)
		auto.DELETE("/rules/:id", handler.DeleteRule)
		auto.POST("/rules/:id/toggle", handler.ToggleRule)
		auto.POST("/rules/:id/test", handler.TestRule)
		auto.GET("/executions", handler.ListExecutions)
		auto.GET("/executions/:id", handler.GetExecution)
		auto.GET("/ledger", handler.ListLedger)
		auto.GET("/feed", handler.Feed)
	}
}
