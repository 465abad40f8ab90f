package service

import (
	"context"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// RevisionService 修订与跨客户复制
type RevisionService struct {
	*core
}

// DuplicateRequest 复制到另一个客户。ProjectID 为空时沿用原报价的项目
type DuplicateRequest struct {
	ClientID  string  `json:"client_id"`
	ContactID *string `json:"contact_id"`
	ProjectID string  `json:"project_id"`
	CommercialFields
}

// CreateRevision 基于已有报价创建修订版：
// 同一项目、同一客户和联系人，复制商务条款，不复制明细，指向原报价
func (s *RevisionService) CreateRevision(ctx context.Context, sourceID string, overrides *CommercialFields, operatorID string) (*entity.Quote, error) {
	if overrides == nil {
		overrides = &CommercialFields{}
	}
	if err := overrides.Validate(); err != nil {
		return nil, err
	}
	src, err := s.loadQuote(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	q := derive(src, src.ProjectID, src.ClientID, cloneID(src.ContactID), operatorID)
	predecessor := src.ID
	q.PredecessorID = &predecessor
	overrides.ApplyTo(q)

	log := &entity.ActivityLog{
		Action:     entity.ActionRevise,
		ToStatus:   string(entity.QuoteStatusDraft),
		Content:    "revision of " + src.Reference,
		OperatorID: operatorID,
		Metadata:   datatypes.JSONMap{"source_id": src.ID, "source_reference": src.Reference},
	}
	if err := s.insertNumbered(ctx, q, log); err != nil {
		return nil, err
	}

	s.Logger.Info("quote revised",
		zap.String("quote_id", q.ID),
		zap.String("reference", q.Reference),
		zap.String("source_reference", src.Reference))
	s.publish(EventQuoteCreated, entity.ActionRevise, q)
	return s.loadQuote(ctx, q.ID)
}

// DuplicateForClient 把报价复制给另一个客户。新报价没有前序报价
func (s *RevisionService) DuplicateForClient(ctx context.Context, sourceID string, req *DuplicateRequest, operatorID string) (*entity.Quote, error) {
	if req.ClientID == "" {
		return nil, apperr.New(apperr.CodeArgumentInvalid, "client_id is required").WithMeta("field", "client_id")
	}
	if err := req.CommercialFields.Validate(); err != nil {
		return nil, err
	}
	src, err := s.loadQuote(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	client, err := s.loadParty(ctx, req.ClientID, req.ContactID)
	if err != nil {
		return nil, err
	}
	projectID := src.ProjectID
	if req.ProjectID != "" {
		if _, err := s.loadProject(ctx, req.ProjectID); err != nil {
			return nil, err
		}
		projectID = req.ProjectID
	}

	q := derive(src, projectID, client.ID, cloneID(req.ContactID), operatorID)
	req.CommercialFields.ApplyTo(q)

	log := &entity.ActivityLog{
		Action:     entity.ActionDuplicate,
		ToStatus:   string(entity.QuoteStatusDraft),
		Content:    "duplicated from " + src.Reference,
		OperatorID: operatorID,
		Metadata:   datatypes.JSONMap{"source_id": src.ID, "source_reference": src.Reference, "client_id": client.ID},
	}
	if err := s.insertNumbered(ctx, q, log); err != nil {
		return nil, err
	}

	s.Logger.Info("quote duplicated",
		zap.String("quote_id", q.ID),
		zap.String("reference", q.Reference),
		zap.String("source_reference", src.Reference),
		zap.String("client_id", client.ID))
	s.publish(EventQuoteCreated, entity.ActionDuplicate, q)
	return s.loadQuote(ctx, q.ID)
}

// derive 新草稿：复制商务条款，状态和同步状态重置，没有明细
func derive(src *entity.Quote, projectID, clientID string, contactID *string, operatorID string) *entity.Quote {
	q := &entity.Quote{
		ProjectID:  projectID,
		ClientID:   clientID,
		ContactID:  contactID,
		Status:     entity.QuoteStatusDraft,
		SyncStatus: entity.SyncStatusNone,
		CreatedBy:  operatorID,
	}
	q.CopyCommercialFrom(src)
	return q
}

func cloneID(id *string) *string {
	if id == nil {
		return nil
	}
	v := *id
	return &v
}
