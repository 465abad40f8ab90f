package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/service"
)

// AgentHandler 外部计算Agent使用的接口
type AgentHandler struct {
	svc *service.SyncService
}

func NewAgentHandler(svc *service.SyncService) *AgentHandler {
	return &AgentHandler{svc: svc}
}

// ListJobs GET /agent/jobs 在途任务
func (h *AgentHandler) ListJobs(c *gin.Context) {
	jobs, err := h.svc.ListPendingJobs(c.Request.Context())
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, gin.H{"items": jobs, "total": len(jobs)})
}

type resultBody struct {
	Attempt     int                 `json:"attempt"`
	LeaseToken  string              `json:"lease_token"`
	Success     bool                `json:"success"`
	Items       []service.ItemInput `json:"items"`
	ErrorReason string              `json:"error_reason"`
}

// ReportResult POST /agent/jobs/:quoteId/result
// 支持 JSON，或 multipart（attempt|lease_token, success, items, error_reason, file）
func (h *AgentHandler) ReportResult(c *gin.Context) {
	rep := &service.ResultReport{QuoteID: c.Param("quoteId")}

	if strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := fillFromForm(c, rep); err != nil {
			BadRequest(c, err.Error())
			return
		}
		if fh, err := c.FormFile("file"); err == nil {
			file, err := fh.Open()
			if err != nil {
				BadRequest(c, "无法读取上传文件: "+err.Error())
				return
			}
			defer file.Close()
			rep.Artifact = file
			rep.ArtifactName = fh.Filename
		}
	} else {
		var body resultBody
		if err := c.ShouldBindJSON(&body); err != nil {
			BadRequest(c, "参数错误: "+err.Error())
			return
		}
		rep.Attempt = body.Attempt
		rep.LeaseToken = body.LeaseToken
		rep.Success = body.Success
		rep.Items = body.Items
		rep.ErrorReason = body.ErrorReason
	}
	if rep.LeaseToken == "" {
		rep.LeaseToken = strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
	}

	q, err := h.svc.ReportResult(c.Request.Context(), rep)
	if err != nil {
		Fail(c, err)
		return
	}
	Success(c, q)
}

func fillFromForm(c *gin.Context, rep *service.ResultReport) error {
	if v := c.PostForm("attempt"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.New("attempt 必须为整数")
		}
		rep.Attempt = n
	}
	rep.LeaseToken = c.PostForm("lease_token")
	if v := c.PostForm("success"); v != "" {
		ok, err := strconv.ParseBool(v)
		if err != nil {
			return errors.New("success 必须为 true 或 false")
		}
		rep.Success = ok
	}
	rep.ErrorReason = c.PostForm("error_reason")
	if v := c.PostForm("items"); v != "" {
		if err := json.NewDecoder(strings.NewReader(v)).Decode(&rep.Items); err != nil && err != io.EOF {
			return fmt.Errorf("items 不是合法的JSON: %w", err)
		}
	}
	return nil
}
