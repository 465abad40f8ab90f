package handler

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/service"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/sse"
	"go.uber.org/zap"
)

// Handlers 处理器集合
type Handlers struct {
	Quote *QuoteHandler
	Sync  *SyncHandler
	Agent *AgentHandler
	SSE   *SSEHandler
}

// NewHandlers 创建处理器集合
func NewHandlers(svc *service.Services, hub *sse.Hub, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{
		Quote: NewQuoteHandler(svc.Quote, svc.Revision),
		Sync:  NewSyncHandler(svc.Sync, logger),
		Agent: NewAgentHandler(svc.Sync),
		SSE:   NewSSEHandler(hub, svc.Quote),
	}
}

// Register 注册 /api/v1 下的路由。agentMiddleware 只作用于 Agent 接口
func (h *Handlers) Register(api *gin.RouterGroup, agentMiddleware ...gin.HandlerFunc) {
	quotes := api.Group("/quotes")
	{
		quotes.POST("", h.Quote.Create)
		quotes.GET("", h.Quote.List)
		quotes.GET("/next-reference", h.Quote.NextReference)
		quotes.GET("/:id", h.Quote.Get)
		quotes.PUT("/:id", h.Quote.Update)
		quotes.GET("/:id/history", h.Quote.History)
		quotes.GET("/:id/export", h.Quote.Export)
		quotes.POST("/:id/emit", h.Quote.Emit)
		quotes.POST("/:id/accept", h.Quote.Accept)
		quotes.POST("/:id/revise", h.Quote.Revise)
		quotes.POST("/:id/duplicate", h.Quote.Duplicate)

		// 计算同步
		quotes.POST("/:id/generate-excel", h.Sync.Submit)
		quotes.POST("/:id/revise-trigger", h.Sync.Submit)
		quotes.GET("/:id/download-result", h.Sync.Download)
		quotes.POST("/:id/reintegrate-excel", h.Sync.Reintegrate)
		quotes.GET("/:id/jobs", h.Sync.Jobs)
	}

	agent := api.Group("/agent", agentMiddleware...)
	{
		agent.GET("/jobs", h.Agent.ListJobs)
		agent.POST("/jobs/:quoteId/result", h.Agent.ReportResult)
	}

	api.GET("/sse/events", h.SSE.Stream)
}

// Response 通用响应结构。失败时 Error 为稳定的错误码，Details 为附加信息
type Response struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
	Data    interface{}    `json:"data,omitempty"`
}

// ListResponse 列表响应结构
type ListResponse struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// Pagination 分页信息
type Pagination struct {
	Page       int `json:"page"`
	PageSize   int `json:"page_size"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// Success 成功响应
func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Created 创建成功响应
func Created(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, Response{
		Code:    0,
		Message: "success",
		Data:    data,
	})
}

// Accepted 已受理，结果异步产生
func Accepted(c *gin.Context, data interface{}) {
	c.JSON(http.StatusAccepted, Response{
		Code:    0,
		Message: "accepted",
		Data:    data,
	})
}

// Error 错误响应
func Error(c *gin.Context, code int, message string) {
	statusCode := code / 100
	if statusCode < 100 || statusCode > 599 {
		statusCode = 500
	}
	c.JSON(statusCode, Response{
		Code:    code,
		Message: message,
	})
}

// BadRequest 参数错误响应
func BadRequest(c *gin.Context, message string) {
	Fail(c, apperr.New(apperr.CodeArgumentInvalid, message))
}

// NotFound 资源不存在响应
func NotFound(c *gin.Context, message string) {
	Fail(c, apperr.New(apperr.CodeNotFound, message))
}

// InternalError 服务器错误响应
func InternalError(c *gin.Context, message string) {
	Error(c, 50000, message)
}

// Fail 按错误码输出错误响应
func Fail(c *gin.Context, err error) {
	var ae *apperr.AppError
	if !errors.As(err, &ae) {
		ae = apperr.Wrap(err, apperr.CodeInternal, "internal error")
	}
	status := apperr.HTTPStatus(ae.Code)
	if status >= http.StatusInternalServerError {
		c.Error(err)
	}
	c.JSON(status, Response{
		Code:    status * 100,
		Message: ae.Message,
		Error:   string(ae.Code),
		Details: ae.Meta,
	})
}

// GetOperatorID 从上下文获取操作人
func GetOperatorID(c *gin.Context) string {
	return c.GetString("operator_id")
}

// GetPagination 从请求获取分页参数
func GetPagination(c *gin.Context) (page, pageSize int) {
	page = 1
	pageSize = 20

	if p := c.Query("page"); p != "" {
		if v, err := strconv.Atoi(p); err == nil && v > 0 {
			page = v
		}
	}

	if ps := c.Query("page_size"); ps != "" {
		if v, err := strconv.Atoi(ps); err == nil && v > 0 && v <= 100 {
			pageSize = v
		}
	}

	return page, pageSize
}

// bindOptionalJSON 允许空请求体
func bindOptionalJSON(c *gin.Context, dst interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
