package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/reference"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/repository"
	"github.com/thomasldk/granite-erp-sub001/internal/shared/notify"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// 事件类型
const (
	EventQuoteCreated = "quote_created"
	EventQuoteUpdated = "quote_updated"
	EventQuoteStatus  = "quote_status"
	EventQuoteSync    = "quote_sync"
)

// QuoteService 报价生命周期：创建、修改、发出、接受
type QuoteService struct {
	*core
}

// CreateQuoteRequest 新建报价
type CreateQuoteRequest struct {
	ProjectID string  `json:"project_id"`
	ClientID  string  `json:"client_id"`
	ContactID *string `json:"contact_id"`
	CommercialFields
	Items []ItemInput `json:"items"`
}

// UpdateQuoteRequest 修改草稿。Items 为 nil 时不改明细
type UpdateQuoteRequest struct {
	ContactID Optional[string] `json:"contact_id"`
	CommercialFields
	Items *[]ItemInput `json:"items"`
}

// EmitRequest 发出报价
type EmitRequest struct {
	Subject string `json:"subject"`
	Message string `json:"message"`
}

// Create 新建报价。客户默认取项目客户，商务条款以客户默认值为初值
func (s *QuoteService) Create(ctx context.Context, req *CreateQuoteRequest, operatorID string) (*entity.Quote, error) {
	if strings.TrimSpace(req.ProjectID) == "" {
		return nil, apperr.New(apperr.CodeArgumentInvalid, "project_id is required").WithMeta("field", "project_id")
	}
	if err := req.CommercialFields.Validate(); err != nil {
		return nil, err
	}
	project, err := s.loadProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}

	clientID := req.ClientID
	if clientID == "" && project.ClientID != nil {
		clientID = *project.ClientID
	}
	if clientID == "" {
		return nil, apperr.New(apperr.CodeArgumentInvalid, "client_id is required").WithMeta("field", "client_id")
	}
	client, err := s.loadParty(ctx, clientID, req.ContactID)
	if err != nil {
		return nil, err
	}
	items, err := itemsFromInputs(req.Items)
	if err != nil {
		return nil, err
	}

	q := &entity.Quote{
		ProjectID:  project.ID,
		ClientID:   client.ID,
		ContactID:  req.ContactID,
		Status:     entity.QuoteStatusDraft,
		SyncStatus: entity.SyncStatusNone,
		CreatedBy:  operatorID,
		Items:      items,
	}
	seedFromClient(q, client)
	req.CommercialFields.ApplyTo(q)

	log := &entity.ActivityLog{
		Action:     entity.ActionCreate,
		ToStatus:   string(entity.QuoteStatusDraft),
		Content:    "created quote",
		OperatorID: operatorID,
	}
	if err := s.insertNumbered(ctx, q, log); err != nil {
		return nil, err
	}

	s.Logger.Info("quote created",
		zap.String("quote_id", q.ID),
		zap.String("reference", q.Reference),
		zap.String("project_id", q.ProjectID))
	s.publish(EventQuoteCreated, entity.ActionCreate, q)
	return s.loadQuote(ctx, q.ID)
}

// Get 报价详情
func (s *QuoteService) Get(ctx context.Context, id string) (*entity.Quote, error) {
	return s.loadQuote(ctx, id)
}

// ListByProject 项目下全部报价
func (s *QuoteService) ListByProject(ctx context.Context, projectID string) ([]entity.Quote, error) {
	if _, err := s.loadProject(ctx, projectID); err != nil {
		return nil, err
	}
	quotes, err := s.Quotes.ListByProject(ctx, projectID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "list quotes")
	}
	return quotes, nil
}

// PreviewNextReference 下一个报价编号，只是预览，不保留
func (s *QuoteService) PreviewNextReference(ctx context.Context, projectID string) (*reference.Result, error) {
	res, err := s.refs.NextReference(ctx, projectID)
	if err != nil {
		return nil, lookupError(err, "project", projectID)
	}
	return res, nil
}

// Update 修改草稿的商务条款、联系人或明细
func (s *QuoteService) Update(ctx context.Context, id string, req *UpdateQuoteRequest, operatorID string) (*entity.Quote, error) {
	q, err := s.loadQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := editable(q); err != nil {
		return nil, err
	}
	if err := req.CommercialFields.Validate(); err != nil {
		return nil, err
	}
	if req.ContactID.Set {
		if _, err := s.loadParty(ctx, q.ClientID, req.ContactID.Value); err != nil {
			return nil, err
		}
	}

	req.CommercialFields.ApplyTo(q)
	req.ContactID.applyTo(&q.ContactID)
	updates := commercialColumns(q)
	updates["contact_id"] = q.ContactID

	attempt := q.JobAttempt
	t := &repository.Transition{
		QuoteID:    q.ID,
		FromStatus: entity.QuoteStatusDraft,
		FromSync:   entity.SettledSyncStatuses,
		Attempt:    &attempt,
		Updates:    updates,
		Log: &entity.ActivityLog{
			EntityCode: q.Reference,
			Action:     entity.ActionUpdate,
			Content:    "updated quote",
			OperatorID: operatorID,
		},
	}
	if req.Items != nil {
		items, err := itemsFromInputs(*req.Items)
		if err != nil {
			return nil, err
		}
		t.ReplaceItems = true
		t.Items = items
		t.Log.Metadata = datatypes.JSONMap{"items": len(items)}
	}
	if err := s.Quotes.Apply(ctx, t); err != nil {
		return nil, s.explainConflict(ctx, id, err)
	}

	s.publish(EventQuoteUpdated, entity.ActionUpdate, q)
	return s.loadQuote(ctx, id)
}

// Emit 发出报价 Draft -> Sent。计算任务在途时不允许
func (s *QuoteService) Emit(ctx context.Context, id string, req *EmitRequest, operatorID string) (*entity.Quote, error) {
	q, err := s.loadQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(q, entity.QuoteStatusSent); err != nil {
		return nil, err
	}
	if q.SyncStatus.InFlight() {
		return nil, inFlight(q)
	}

	now := s.Now()
	err = s.Quotes.Apply(ctx, &repository.Transition{
		QuoteID:    q.ID,
		FromStatus: entity.QuoteStatusDraft,
		FromSync:   entity.SettledSyncStatuses,
		Updates: map[string]interface{}{
			"status":           string(entity.QuoteStatusSent),
			"emitted_at":       now,
			"emission_subject": req.Subject,
			"emission_message": req.Message,
		},
		Log: &entity.ActivityLog{
			EntityCode: q.Reference,
			Action:     entity.ActionEmit,
			FromStatus: string(entity.QuoteStatusDraft),
			ToStatus:   string(entity.QuoteStatusSent),
			Content:    req.Subject,
			OperatorID: operatorID,
		},
	})
	if err != nil {
		return nil, s.explainConflict(ctx, id, err)
	}
	q.Status = entity.QuoteStatusSent

	s.Logger.Info("quote emitted", zap.String("quote_id", q.ID), zap.String("reference", q.Reference))
	s.publish(EventQuoteStatus, entity.ActionEmit, q)
	s.notify(ctx, q, fmt.Sprintf("Quote %s sent", q.Reference), req.Subject)
	return s.loadQuote(ctx, id)
}

// Accept 客户接受 Sent -> Accepted
func (s *QuoteService) Accept(ctx context.Context, id, operatorID string) (*entity.Quote, error) {
	q, err := s.loadQuote(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.checkStatus(q, entity.QuoteStatusAccepted); err != nil {
		return nil, err
	}

	err = s.Quotes.Apply(ctx, &repository.Transition{
		QuoteID:    q.ID,
		FromStatus: entity.QuoteStatusSent,
		Updates:    map[string]interface{}{"status": string(entity.QuoteStatusAccepted)},
		Log: &entity.ActivityLog{
			EntityCode: q.Reference,
			Action:     entity.ActionAccept,
			FromStatus: string(entity.QuoteStatusSent),
			ToStatus:   string(entity.QuoteStatusAccepted),
			OperatorID: operatorID,
		},
	})
	if errors.Is(err, repository.ErrConflict) {
		return nil, apperr.Newf(apperr.CodeInvalidTransition, "quote %s is no longer Sent", q.Reference)
	}
	if err != nil {
		return nil, apperr.Wrap(err, apperr.CodeInternal, "accept quote")
	}
	q.Status = entity.QuoteStatusAccepted

	s.Logger.Info("quote accepted", zap.String("quote_id", q.ID), zap.String("reference", q.Reference))
	s.publish(EventQuoteStatus, entity.ActionAccept, q)
	s.notify(ctx, q, fmt.Sprintf("Quote %s accepted", q.Reference), "")
	return s.loadQuote(ctx, id)
}

// History 报价操作日志，按时间正序
func (s *QuoteService) History(ctx context.Context, id string, page, pageSize int) ([]entity.ActivityLog, int64, error) {
	if _, err := s.loadQuote(ctx, id); err != nil {
		return nil, 0, err
	}
	logs, total, err := s.Activity.FindByEntity(ctx, "quote", id, page, pageSize)
	if err != nil {
		return nil, 0, apperr.Wrap(err, apperr.CodeInternal, "load history")
	}
	return logs, total, nil
}

func (s *QuoteService) checkStatus(q *entity.Quote, next entity.QuoteStatus) error {
	if !q.Status.CanTransitionTo(next) {
		return apperr.Newf(apperr.CodeInvalidTransition,
			"quote %s cannot move from %s to %s", q.Reference, q.Status, next).
			WithMeta("status", string(q.Status))
	}
	return nil
}

// notify 通知失败只记日志，不影响已提交的状态
func (s *QuoteService) notify(ctx context.Context, q *entity.Quote, title, text string) {
	if s.Notifier == nil {
		return
	}
	msg := &notify.Message{
		Title: title,
		Text:  text,
		Fields: map[string]string{
			"reference": q.Reference,
			"status":    string(q.Status),
			"client_id": q.ClientID,
		},
	}
	if err := s.Notifier.Send(ctx, msg); err != nil {
		s.Logger.Warn("notification failed", zap.String("quote_id", q.ID), zap.Error(err))
	}
}

// explainConflict 条件更新失败后重新读取，给出具体原因
func (c *core) explainConflict(ctx context.Context, id string, err error) error {
	if !errors.Is(err, repository.ErrConflict) {
		return apperr.Wrap(err, apperr.CodeInternal, "update quote")
	}
	q, loadErr := c.loadQuote(ctx, id)
	if loadErr != nil {
		return loadErr
	}
	if e := editable(q); e != nil {
		return e
	}
	return apperr.Newf(apperr.CodeStaleWriteReporting, "quote %s was modified concurrently", q.Reference)
}

// editable 草稿且没有在途任务
func editable(q *entity.Quote) error {
	if !q.Status.IsDraft() {
		return apperr.Newf(apperr.CodeQuoteLocked, "quote %s is %s and can no longer be edited", q.Reference, q.Status).
			WithMeta("status", string(q.Status))
	}
	if q.SyncStatus.InFlight() {
		return inFlight(q)
	}
	return nil
}

func inFlight(q *entity.Quote) error {
	return apperr.Newf(apperr.CodeJobAlreadyInFlight,
		"quote %s has a calculation in flight (attempt %d)", q.Reference, q.JobAttempt).
		WithMeta("attempt", q.JobAttempt)
}
