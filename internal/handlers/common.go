package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"fieldcrm/internal/services"

	"github.com/gin-gonic/gin"
)

// TenantHeader 租户标识请求头
const TenantHeader = "X-Tenant-ID"

// ErrorResponse 错误响应结构
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Data     interface{} `json:"data"`
	Total    int64       `json:"total"`
	Page     int         `json:"page"`
	PageSize int         `json:"page_size"`
	Pages    int         `json:"pages"`
}

// SuccessResponse 成功响应结构
type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// requireTenant reads the tenant header and aborts with 400 when it is absent.
func requireTenant(c *gin.Context) (string, bool) {
	tenant := strings.TrimSpace(c.GetHeader(TenantHeader))
	if tenant == "" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Missing tenant", Message: TenantHeader + " header is required"})
		return "", false
	}
	return tenant, true
}

func parseID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid id", Message: "id must be a positive integer"})
		return 0, false
	}
	return uint(id), true
}

// pagination 读取 page / page_size 查询参数
func pagination(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	size, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	if page <= 0 {
		page = 1
	}
	if size <= 0 {
		size = 20
	}
	if size > 200 {
		size = 200
	}
	return page, size
}

func paginated(data interface{}, total int64, page, size int) PaginatedResponse {
	pages := 0
	if size > 0 {
		pages = int((total + int64(size) - 1) / int64(size))
	}
	return PaginatedResponse{Data: data, Total: total, Page: page, PageSize: size, Pages: pages}
}

// statusFor maps service errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, services.ErrMalformedEvent), errors.Is(err, services.ErrInvalidRule):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrRuleNotFound), errors.Is(err, services.ErrExecutionNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrLedgerConflict):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func respondError(c *gin.Context, title string, err error) {
	status := statusFor(err)
	c.JSON(status, ErrorResponse{Error: title, Message: err.Error(), Code: status})
}
