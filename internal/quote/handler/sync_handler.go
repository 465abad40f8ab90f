package handler

import (
	"fmt"
	"io"
	"net/url"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/service"
	"go.uber.org/zap"
)

// SyncHandler 用户侧的计算同步操作
type SyncHandler struct {
	svc    *service.SyncService
	logger *zap.Logger
}

func NewSyncHandler(svc *service.SyncService, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{svc: svc, logger: logger}
}

// Submit POST /quotes/:id/generate-excel?force=true
// 返回 202，计算结果由 Agent 异步回报
func (h *SyncHandler) Submit(c *gin.Context) {
	var req struct {
		Force bool `json:"force"`
	}
	if err := bindOptionalJSON(c, &req); err != nil {
		BadRequest(c, "参数错误: "+err.Error())
		return
	}
	if v := c.Query("force"); v != "" {
		force, err := strconv.ParseBool(v)
		if err != nil {
			BadRequest(c, "force 必须为 true 或 false")
			return
		}
		req.Force = force
	}

	ticket, err := h.svc.SubmitJob(c.Request.Context(), c.Param("id"), service.SubmitOptions{
		Force:      req.Force,
		OperatorID: GetOperatorID(c),
	})
	if err != nil {
		Fail(c, err)
		return
	}
	Accepted(c, ticket)
}

// Download GET /quotes/:id/download-result
// 文件完整发送后才确认下载（CALCULATED_AGENT -> SYNCED）
func (h *SyncHandler) Download(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	art, err := h.svc.FetchResultArtifact(ctx, id)
	if err != nil {
		Fail(c, err)
		return
	}
	defer art.Body.Close()

	c.Header("Content-Type", art.ContentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", art.Filename, url.PathEscape(art.Filename)))
	if art.Size > 0 {
		c.Header("Content-Length", strconv.FormatInt(art.Size, 10))
	}
	c.Status(200)
	if _, err := io.Copy(c.Writer, art.Body); err != nil {
		h.logger.Warn("download interrupted", zap.String("quote_id", id), zap.Error(err))
		return
	}

	if _, err := h.svc.ConfirmDownload(ctx, id, art.Quote.JobAttempt, GetOperatorID(c)); err != nil {
		h.logger.Error("confirm download failed", zap.String("quote_id", id), zap.Error(err))
		c.Error(err)
	}
}

// Reintegrate POST /quotes/:id/reintegrate-excel (multipart, 字段 file)
func (h *SyncHandler) Reintegrate(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		BadRequest(c, "请上传Excel文件")
		return
	}
	file, err := fh.Open()
	if err != nil {
		BadRequest(c, "无法读取上传文件: "+err.Error())
		return
	}
	defer file.Close()

	q, err := h.svc.Reintegrate(c.Request.Context(), c.Param("id"), file, fh.Filename, GetOperatorID(c))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, q)
}

// Jobs GET /quotes/:id/jobs
func (h *SyncHandler) Jobs(c *gin.Context) {
	jobs, err := h.svc.JobHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"items": jobs})
}
