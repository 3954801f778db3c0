package handlers

import (
	"net/http"

	"fieldcrm/internal/services"

	"github.com/gin-gonic/gin"
)

// EventHandler 接收 CRM 通过 HTTP 投递的领域事件
type EventHandler struct {
	ingestor *services.EventIngestor
}

func NewEventHandler(ingestor *services.EventIngestor) *EventHandler {
	return &EventHandler{ingestor: ingestor}
}

// EventResponse lists the evaluations produced by one event.
type EventResponse struct {
	Evaluated  int                        `json:"evaluated"`
	Executions []services.ExecutionRecord `json:"executions"`
}

// Ingest 同步评估事件并返回执行记录。租户可来自请求体或请求头，请求头优先
func (h *EventHandler) Ingest(c *gin.Context) {
	var in services.InboundEvent
	if err := c.ShouldBindJSON(&in); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request", Message: err.Error()})
		return
	}
	if tenant := c.GetHeader(TenantHeader); tenant != "" {
		in.TenantID = tenant
	}

	records, err := h.ingestor.Ingest(c.Request.Context(), "http", in)
	if err != nil {
		respondError(c, "Failed to ingest event", err)
		return
	}
	if records == nil {
		records = []services.ExecutionRecord{}
	}
	c.JSON(http.StatusAccepted, EventResponse{Evaluated: len(records), Executions: records})
}

func RegisterEventRoutes(r *gin.RouterGroup, handler *EventHandler) {
	r.POST("/events", handler.Ingest)
}
