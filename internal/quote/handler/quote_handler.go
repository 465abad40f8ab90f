package handler

import (
	"fmt"
	"net/url"

	"github.com/gin-gonic/gin"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/service"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/workbook"
)

// QuoteHandler 报价的增改查、发出、修订
type QuoteHandler struct {
	svc      *service.QuoteService
	revision *service.RevisionService
}

func NewQuoteHandler(svc *service.QuoteService, revision *service.RevisionService) *QuoteHandler {
	return &QuoteHandler{svc: svc, revision: revision}
}

// Create POST /quotes
func (h *QuoteHandler) Create(c *gin.Context) {
	var req service.CreateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	q, err := h.svc.Create(c.Request.Context(), &req, GetOperatorID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, q)
}

// List GET /quotes?project_id=xxx
func (h *QuoteHandler) List(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		BadRequest(c, "project_id 不能为空")
		return
	}
	quotes, err := h.svc.ListByProject(c.Request.Context(), projectID)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"items": quotes, "total": len(quotes)})
}

// NextReference GET /quotes/next-reference?project_id=xxx
func (h *QuoteHandler) NextReference(c *gin.Context) {
	projectID := c.Query("project_id")
	if projectID == "" {
		BadRequest(c, "project_id 不能为空")
		return
	}
	res, err := h.svc.PreviewNextReference(c.Request.Context(), projectID)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, res)
}

// Get GET /quotes/:id
func (h *QuoteHandler) Get(c *gin.Context) {
	q, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, q)
}

// Update PUT /quotes/:id
func (h *QuoteHandler) Update(c *gin.Context) {
	var req service.UpdateQuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	q, err := h.svc.Update(c.Request.Context(), c.Param("id"), &req, GetOperatorID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, q)
}

// Emit POST /quotes/:id/emit
func (h *QuoteHandler) Emit(c *gin.Context) {
	var req service.EmitRequest
	if err := bindOptionalJSON(c, &req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	q, err := h.svc.Emit(c.Request.Context(), c.Param("id"), &req, GetOperatorID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, q)
}

// Accept POST /quotes/:id/accept
func (h *QuoteHandler) Accept(c *gin.Context) {
	q, err := h.svc.Accept(c.Request.Context(), c.Param("id"), GetOperatorID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, q)
}

// History GET /quotes/:id/history
func (h *QuoteHandler) History(c *gin.Context) {
	page, pageSize := GetPagination(c)
	logs, total, err := h.svc.History(c.Request.Context(), c.Param("id"), page, pageSize)
	if err != nil {
		Fail(c, err)
		return
	}
	totalPages := int(total) / pageSize
	if int(total)%pageSize > 0 {
		totalPages++
	}
	Success(c, ListResponse{
		Items: logs,
		Pagination: &Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      int(total),
			TotalPages: totalPages,
		},
	})
}

// Revise POST /quotes/:id/revise，请求体为可选的商务条款覆盖
func (h *QuoteHandler) Revise(c *gin.Context) {
	var overrides service.CommercialFields
	if err := bindOptionalJSON(c, &overrides); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	q, err := h.revision.CreateRevision(c.Request.Context(), c.Param("id"), &overrides, GetOperatorID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, q)
}

// Duplicate POST /quotes/:id/duplicate
func (h *QuoteHandler) Duplicate(c *gin.Context) {
	var req service.DuplicateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	q, err := h.revision.DuplicateForClient(c.Request.Context(), c.Param("id"), &req, GetOperatorID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Created(c, q)
}

// Export GET /quotes/:id/export 导出当前明细为Excel
func (h *QuoteHandler) Export(c *gin.Context) {
	q, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}

	fields := []workbook.Field{
		{Name: "Reference", Value: q.Reference},
		{Name: "Status", Value: string(q.Status)},
		{Name: "Sync status", Value: string(q.SyncStatus)},
		{Name: "Client", Value: q.ClientID},
	}
	if q.Currency != nil {
		fields = append(fields, workbook.Field{Name: "Currency", Value: *q.Currency})
	}
	f, err := workbook.Render(fields, service.RowsFromItems(q.Items))
	if err != nil {
		InternalError(c, "生成Excel失败: "+err.Error())
		return
	}
	defer f.Close()

	filename := fmt.Sprintf("%s.xlsx", q.Reference)
	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", filename, url.PathEscape(filename)))
	if err := f.Write(c.Writer); err != nil {
		c.Error(err)
	}
}
