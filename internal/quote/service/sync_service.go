package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/artifact"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/ledger"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/repository"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/workbook"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// DefaultFailureReason Agent 回报失败但没有给出原因时使用
const DefaultFailureReason = "agent reported failure without a reason"

var errLedger = errors.New("agent ledger")

// SyncService 与外部计算Agent的同步
type SyncService struct {
	*core
}

// SubmitOptions 提交计算任务的选项
type SubmitOptions struct {
	// Force 允许在已有在途任务时重新提交，旧任务作废
	Force      bool
	OperatorID string
}

// JobTicket 提交任务后返回给调用方
type JobTicket struct {
	QuoteID     string            `json:"quote_id"`
	Reference   string            `json:"reference"`
	Attempt     int               `json:"attempt"`
	LeaseToken  string            `json:"lease_token,omitempty"`
	SyncStatus  entity.SyncStatus `json:"sync_status"`
	RequestedAt time.Time         `json:"requested_at"`
}

// ResultReport Agent 回报的结果。Attempt 与 LeaseToken 至少提供一个
type ResultReport struct {
	QuoteID     string
	Attempt     int
	LeaseToken  string
	Success     bool
	Items       []ItemInput
	ErrorReason string

	// Artifact 计算生成的工作簿，可为空
	Artifact     io.Reader
	ArtifactName string
}

// Artifact 可下载的结果文件。调用方负责关闭 Body
type Artifact struct {
	Body        io.ReadCloser
	Filename    string
	ContentType string
	Size        int64
	Quote       *entity.Quote
}

// SubmitJob 把报价交给Agent计算。
// 状态切到 PENDING、尝试次数加一、任务写入账本，三者同时生效或同时失败
func (s *SyncService) SubmitJob(ctx context.Context, quoteID string, opts SubmitOptions) (*JobTicket, error) {
	q, err := s.loadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if !q.Status.IsDraft() {
		return nil, apperr.Newf(apperr.CodeQuoteLocked, "quote %s is %s, only drafts are recalculated", q.Reference, q.Status).
			WithMeta("status", string(q.Status))
	}
	if q.SyncStatus.InFlight() && !opts.Force {
		return nil, inFlight(q)
	}
	project, err := s.loadProject(ctx, q.ProjectID)
	if err != nil {
		return nil, err
	}

	from := q.SyncStatus
	current := q.JobAttempt
	next := current + 1
	now := s.Now()

	fromSync := entity.SyncStatusesFrom(entity.SyncStatusPending)
	if opts.Force {
		fromSync = append(fromSync, entity.SyncStatusPending)
	}

	var token string
	if s.Lease != nil {
		if token, err = s.Lease.Sign(q.ID, next, now); err != nil {
			return nil, apperr.Wrap(err, apperr.CodeInternal, "sign lease")
		}
	}

	inputs := jobInputs(project, q)
	payload, err := json.Marshal(inputs)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "encode job payload")
	}
	desc := &ledger.Descriptor{
		QuoteID:     q.ID,
		Reference:   q.Reference,
		Attempt:     next,
		LeaseToken:  token,
		RequestedAt: now,
		ResultURL:   s.resultURL(q.ID),
		Inputs:      inputs,
	}

	err = s.Quotes.Apply(ctx, &repository.Transition{
		QuoteID:    q.ID,
		FromStatus: entity.QuoteStatusDraft,
		FromSync:   fromSync,
		Attempt:    &current,
		Updates: map[string]interface{}{
			"sync_status": string(entity.SyncStatusPending),
			"job_attempt": next,
			"sync_error":  nil,
			// 上一次的结果不再代表当前明细，历史键保留在任务与日志里
			"artifact_key": nil,
		},
		SupersedePending: true,
		NewJob: &entity.AgentJob{
			Attempt:     next,
			Status:      entity.JobStatusPending,
			Payload:     datatypes.JSON(payload),
			RequestedBy: opts.OperatorID,
			RequestedAt: now,
		},
		Log: &entity.ActivityLog{
			EntityCode: q.Reference,
			Action:     entity.ActionSubmitJob,
			FromStatus: string(from),
			ToStatus:   string(entity.SyncStatusPending),
			OperatorID: opts.OperatorID,
			Metadata:   datatypes.JSONMap{"attempt": next, "force": opts.Force},
		},
		BeforeCommit: func(ctx context.Context) error {
			if err := s.Ledger.Publish(ctx, desc); err != nil {
				return fmt.Errorf("%w: %v", errLedger, err)
			}
			return nil
		},
	})
	if errors.Is(err, errLedger) {
		s.Logger.Error("publish job failed", zap.String("quote_id", q.ID), zap.Int("attempt", next), zap.Error(err))
		return nil, apperr.Wrap(err, apperr.CodeInternal, "agent ledger unavailable, quote left unchanged")
	}
	if err != nil {
		return nil, s.explainConflict(ctx, q.ID, err)
	}

	q.SyncStatus, q.JobAttempt = entity.SyncStatusPending, next
	s.logTransition("calculation job submitted", q, from, entity.SyncStatusPending, zap.Bool("force", opts.Force))
	s.publish(EventQuoteSync, entity.ActionSubmitJob, q)

	return &JobTicket{
		QuoteID:     q.ID,
		Reference:   q.Reference,
		Attempt:     next,
		LeaseToken:  token,
		SyncStatus:  entity.SyncStatusPending,
		RequestedAt: now,
	}, nil
}

// ReportResult 接收Agent回报。只接受当前在途的那一次尝试，其余一律视为过期
func (s *SyncService) ReportResult(ctx context.Context, rep *ResultReport) (*entity.Quote, error) {
	attempt, err := s.resolveAttempt(rep)
	if err != nil {
		return nil, err
	}
	q, err := s.loadQuote(ctx, rep.QuoteID)
	if err != nil {
		return nil, err
	}
	if !q.SyncStatus.InFlight() || q.JobAttempt != attempt {
		return nil, stale(q, attempt)
	}

	t := &repository.Transition{
		QuoteID:  q.ID,
		FromSync: []entity.SyncStatus{entity.SyncStatusPending},
		Attempt:  &attempt,
		Log: &entity.ActivityLog{
			EntityCode: q.Reference,
			Action:     entity.ActionAgentReport,
			FromStatus: string(entity.SyncStatusPending),
			Metadata:   datatypes.JSONMap{"attempt": attempt, "success": rep.Success},
		},
	}
	to := entity.SyncStatusCalculated
	var stored string

	if rep.Success {
		updates := map[string]interface{}{
			"sync_status": string(to),
			"sync_error":  nil,
		}
		var data []byte
		if rep.Artifact != nil {
			if data, err = io.ReadAll(rep.Artifact); err != nil {
				return nil, apperr.Wrap(err, apperr.CodeArgumentInvalid, "read result artifact")
			}
		}

		switch {
		case len(rep.Items) > 0:
			items, err := itemsFromInputs(rep.Items)
			if err != nil {
				return nil, err
			}
			t.ReplaceItems, t.Items = true, items
		case len(data) > 0:
			rows, err := workbook.ParseItems(bytes.NewReader(data))
			if err != nil {
				return nil, workbookError(err)
			}
			t.ReplaceItems, t.Items = true, itemsFromRows(rows)
		}

		name := rep.ArtifactName
		if len(data) == 0 && s.Artifacts != nil {
			// 没有附带工作簿时按结果明细生成一份，保证结果总能下载
			items := q.Items
			if t.ReplaceItems {
				items = t.Items
			}
			if data, err = renderResult(q, attempt, items); err != nil {
				return nil, err
			}
			name = q.Reference + ".xlsx"
			t.Log.Metadata["generated"] = true
		}
		if len(data) > 0 {
			key := artifact.ResultKey(q.ID, attempt, name)
			if err := s.putArtifact(ctx, key, data); err != nil {
				return nil, err
			}
			stored = key
			updates["artifact_key"] = key
			t.Log.Metadata["artifact_key"] = key
		}
		t.Updates = updates
		t.CompleteJob = &repository.JobCompletion{Attempt: attempt, Status: entity.JobStatusSucceeded}
		t.Log.Metadata["items"] = len(t.Items)
	} else {
		to = entity.SyncStatusError
		reason := strings.TrimSpace(rep.ErrorReason)
		if reason == "" {
			reason = DefaultFailureReason
		}
		t.Updates = map[string]interface{}{
			"sync_status": string(to),
			"sync_error":  reason,
		}
		t.CompleteJob = &repository.JobCompletion{Attempt: attempt, Status: entity.JobStatusFailed, Reason: reason}
		t.Log.Content = reason
	}
	t.Log.ToStatus = string(to)

	if err := s.Quotes.Apply(ctx, t); err != nil {
		cur, loadErr := s.loadQuote(ctx, q.ID)
		// 同一尝试的重复回报会写到同一个键，已被采纳的文件不能删
		if loadErr == nil && (cur.ArtifactKey == nil || *cur.ArtifactKey != stored) {
			s.discardArtifact(ctx, stored)
		}
		if errors.Is(err, repository.ErrConflict) {
			if loadErr == nil {
				return nil, stale(cur, attempt)
			}
			return nil, stale(q, attempt)
		}
		return nil, apperr.Wrap(err, apperr.CodeInternal, "record agent result")
	}

	if err := s.Ledger.Withdraw(ctx, q.ID, attempt); err != nil {
		s.Logger.Warn("withdraw job failed", zap.String("quote_id", q.ID), zap.Int("attempt", attempt), zap.Error(err))
	}
	q.SyncStatus = to
	s.logTransition("agent result recorded", q, entity.SyncStatusPending, to, zap.Bool("success", rep.Success))
	s.publish(EventQuoteSync, entity.ActionAgentReport, q)
	return s.loadQuote(ctx, q.ID)
}

// FetchResultArtifact 打开最近一次的结果文件
func (s *SyncService) FetchResultArtifact(ctx context.Context, quoteID string) (*Artifact, error) {
	q, err := s.loadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q.ArtifactKey == nil || *q.ArtifactKey == "" || s.Artifacts == nil {
		return nil, artifactMissing(q)
	}
	body, info, err := s.Artifacts.Get(ctx, *q.ArtifactKey)
	if errors.Is(err, artifact.ErrNotFound) {
		return nil, artifactMissing(q)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "open artifact")
	}
	return &Artifact{
		Body:        body,
		Filename:    q.Reference + path.Ext(info.Key),
		ContentType: info.ContentType,
		Size:        info.Size,
		Quote:       q,
	}, nil
}

// ConfirmDownload 结果被下载后 CALCULATED_AGENT -> SYNCED，其它状态不变。
// attempt 是被下载文件所属的尝试，期间若已重新提交则不确认
func (s *SyncService) ConfirmDownload(ctx context.Context, quoteID string, attempt int, operatorID string) (*entity.Quote, error) {
	q, err := s.loadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if q.SyncStatus != entity.SyncStatusCalculated || q.JobAttempt != attempt {
		return q, nil
	}

	err = s.Quotes.Apply(ctx, &repository.Transition{
		QuoteID:  q.ID,
		FromSync: []entity.SyncStatus{entity.SyncStatusCalculated},
		Attempt:  &attempt,
		Updates:  map[string]interface{}{"sync_status": string(entity.SyncStatusSynced)},
		Log: &entity.ActivityLog{
			EntityCode: q.Reference,
			Action:     entity.ActionDownload,
			FromStatus: string(entity.SyncStatusCalculated),
			ToStatus:   string(entity.SyncStatusSynced),
			OperatorID: operatorID,
			Metadata:   datatypes.JSONMap{"attempt": attempt},
		},
	})
	if errors.Is(err, repository.ErrConflict) {
		// 并发的下载或重新提交已改变状态
		return s.loadQuote(ctx, q.ID)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "confirm download")
	}

	q.SyncStatus = entity.SyncStatusSynced
	s.logTransition("result downloaded", q, entity.SyncStatusCalculated, entity.SyncStatusSynced)
	s.publish(EventQuoteSync, entity.ActionDownload, q)
	return s.loadQuote(ctx, q.ID)
}

// Reintegrate 导入用户编辑过的工作簿，替换明细并置为 SYNCED
func (s *SyncService) Reintegrate(ctx context.Context, quoteID string, r io.Reader, filename, operatorID string) (*entity.Quote, error) {
	q, err := s.loadQuote(ctx, quoteID)
	if err != nil {
		return nil, err
	}
	if err := editable(q); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeArgumentInvalid, "read workbook")
	}
	rows, err := workbook.ParseItems(bytes.NewReader(data))
	if err != nil {
		return nil, workbookError(err)
	}
	if len(rows) == 0 {
		return nil, apperr.New(apperr.CodeArgumentInvalid, "workbook contains no item rows")
	}

	from := q.SyncStatus
	attempt := q.JobAttempt
	updates := map[string]interface{}{
		"sync_status": string(entity.SyncStatusSynced),
		"sync_error":  nil,
	}
	meta := datatypes.JSONMap{"items": len(rows), "filename": filename}
	var stored string
	if s.Artifacts != nil {
		key := artifact.ReintegrationKey(q.ID, s.Now().UnixNano(), filename)
		if err := s.putArtifact(ctx, key, data); err != nil {
			return nil, err
		}
		stored = key
		updates["artifact_key"] = key
		meta["artifact_key"] = key
	}

	err = s.Quotes.Apply(ctx, &repository.Transition{
		QuoteID:      q.ID,
		FromStatus:   entity.QuoteStatusDraft,
		FromSync:     entity.SyncStatusesFrom(entity.SyncStatusSynced),
		Attempt:      &attempt,
		Updates:      updates,
		ReplaceItems: true,
		Items:        itemsFromRows(rows),
		Log: &entity.ActivityLog{
			EntityCode: q.Reference,
			Action:     entity.ActionReintegrate,
			FromStatus: string(from),
			ToStatus:   string(entity.SyncStatusSynced),
			OperatorID: operatorID,
			Metadata:   meta,
		},
	})
	if err != nil {
		s.discardArtifact(ctx, stored)
		return nil, s.explainConflict(ctx, q.ID, err)
	}

	q.SyncStatus = entity.SyncStatusSynced
	s.logTransition("workbook reintegrated", q, from, entity.SyncStatusSynced, zap.Int("items", len(rows)))
	s.publish(EventQuoteSync, entity.ActionReintegrate, q)
	return s.loadQuote(ctx, q.ID)
}

// ListPendingJobs 所有在途任务，供Agent轮询
func (s *SyncService) ListPendingJobs(ctx context.Context) ([]entity.AgentJob, error) {
	jobs, err := s.Jobs.FindPending(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list pending jobs")
	}
	return jobs, nil
}

// JobHistory 报价的全部提交记录
func (s *SyncService) JobHistory(ctx context.Context, quoteID string) ([]entity.AgentJob, error) {
	if _, err := s.loadQuote(ctx, quoteID); err != nil {
		return nil, err
	}
	jobs, err := s.Jobs.FindByQuote(ctx, quoteID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list jobs")
	}
	return jobs, nil
}

func (s *SyncService) resolveAttempt(rep *ResultReport) (int, error) {
	if rep.LeaseToken == "" {
		if rep.Attempt <= 0 {
			return 0, apperr.New(apperr.CodeArgumentInvalid, "attempt or lease_token is required")
		}
		return rep.Attempt, nil
	}
	if s.Lease == nil {
		return 0, apperr.New(apperr.CodeArgumentInvalid, "lease tokens are not enabled")
	}
	claims, err := s.Lease.Verify(rep.LeaseToken)
	if err != nil {
		// 过期或伪造的租约都不再对应在途任务
		return 0, apperr.Wrap(err, apperr.CodeStaleWriteReporting, "lease token rejected")
	}
	if claims.QuoteID != rep.QuoteID {
		return 0, apperr.New(apperr.CodeArgumentInvalid, "lease token belongs to another quote")
	}
	if rep.Attempt != 0 && rep.Attempt != claims.Attempt {
		return 0, apperr.Newf(apperr.CodeArgumentInvalid,
			"attempt %d does not match lease attempt %d", rep.Attempt, claims.Attempt)
	}
	return claims.Attempt, nil
}

func (s *SyncService) putArtifact(ctx context.Context, key string, data []byte) error {
	if s.Artifacts == nil {
		return apperr.New(apperr.CodeInternal, "artifact storage is not configured")
	}
	if err := s.Artifacts.Put(ctx, key, bytes.NewReader(data), int64(len(data)), artifact.ContentTypeFor(key)); err != nil {
		return apperr.Wrap(err, apperr.CodeInternal, "store artifact")
	}
	return nil
}

// discardArtifact 删除未被任何报价引用的对象，失败只记日志
func (s *SyncService) discardArtifact(ctx context.Context, key string) {
	if key == "" || s.Artifacts == nil {
		return
	}
	if err := s.Artifacts.Delete(ctx, key); err != nil {
		s.Logger.Warn("discard artifact failed", zap.String("key", key), zap.Error(err))
	}
}

func renderResult(q *entity.Quote, attempt int, items []entity.QuoteItem) ([]byte, error) {
	f, err := workbook.Render([]workbook.Field{
		{Name: "Reference", Value: q.Reference},
		{Name: "Attempt", Value: attempt},
	}, RowsFromItems(items))
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "render result workbook")
	}
	defer f.Close()
	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "render result workbook")
	}
	return buf.Bytes(), nil
}

func (s *SyncService) resultURL(quoteID string) string {
	if s.ResultBaseURL == "" {
		return ""
	}
	return strings.TrimRight(s.ResultBaseURL, "/") + "/api/v1/agent/jobs/" + quoteID + "/result"
}

func jobInputs(project *entity.Project, q *entity.Quote) ledger.Inputs {
	items := make([]ledger.ItemInput, 0, len(q.Items))
	for _, it := range q.Items {
		items = append(items, ledger.ItemInput{
			Position:    it.Position,
			Description: it.Description,
			Length:      it.Length,
			Width:       it.Width,
			Thickness:   it.Thickness,
			Quantity:    it.Quantity,
		})
	}
	return ledger.Inputs{
		ProjectReference: project.Reference,
		ClientID:         q.ClientID,
		MaterialID:       q.MaterialID,
		Currency:         q.Currency,
		ExchangeRate:     q.ExchangeRate,
		Items:            items,
	}
}

func stale(q *entity.Quote, reported int) error {
	return apperr.Newf(apperr.CodeStaleWriteReporting,
		"result for attempt %d of quote %s is stale (current attempt %d, %s)",
		reported, q.Reference, q.JobAttempt, q.SyncStatus).
		WithMeta("attempt", reported).
		WithMeta("current_attempt", q.JobAttempt).
		WithMeta("sync_status", string(q.SyncStatus))
}

func artifactMissing(q *entity.Quote) error {
	return apperr.Newf(apperr.CodeArtifactNotFound, "quote %s has no result workbook", q.Reference).
		WithMeta("sync_status", string(q.SyncStatus))
}

func workbookError(err error) error {
	ae := apperr.Wrap(err, apperr.CodeArgumentInvalid, "workbook could not be read")
	var ce *workbook.CellError
	if errors.As(err, &ce) {
		ae.WithMeta("row", ce.Row).WithMeta("column", ce.Column)
	}
	return ae
}
