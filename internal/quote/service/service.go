package service

import (
	"context"
	"errors"
	"time"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/apperr"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/artifact"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/ledger"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/reference"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/repository"
	"github.com/thomasldk/granite-erp-sub001/internal/quote/sse"
	"github.com/thomasldk/granite-erp-sub001/internal/shared/notify"
	"go.uber.org/zap"
)

// ProjectStore 项目读取
type ProjectStore interface {
	FindByID(ctx context.Context, id string) (*entity.Project, error)
}

// PartyStore 客户与联系人读取
type PartyStore interface {
	FindClient(ctx context.Context, id string) (*entity.Client, error)
	FindContact(ctx context.Context, id string) (*entity.Contact, error)
}

// QuoteStore 报价持久化
type QuoteStore interface {
	FindByID(ctx context.Context, id string) (*entity.Quote, error)
	ListByProject(ctx context.Context, projectID string) ([]entity.Quote, error)
	References(ctx context.Context, projectID string) ([]string, error)
	Create(ctx context.Context, q *entity.Quote, log *entity.ActivityLog) error
	Apply(ctx context.Context, t *repository.Transition) error
}

// JobStore Agent任务账本读取
type JobStore interface {
	FindPending(ctx context.Context) ([]entity.AgentJob, error)
	FindByQuote(ctx context.Context, quoteID string) ([]entity.AgentJob, error)
}

// ActivityStore 操作日志读取
type ActivityStore interface {
	FindByEntity(ctx context.Context, entityType, entityID string, page, pageSize int) ([]entity.ActivityLog, int64, error)
}

// EventPublisher 推送报价变化
type EventPublisher interface {
	Publish(eventType string, payload sse.QuoteEvent)
}

// Notifier 发送业务通知
type Notifier interface {
	Send(ctx context.Context, msg *notify.Message) error
}

// Deps 服务依赖，由 cmd 层构造一次后注入
type Deps struct {
	Projects ProjectStore
	Parties  PartyStore
	Quotes   QuoteStore
	Jobs     JobStore
	Activity ActivityStore

	Ledger    ledger.Ledger
	Lease     *ledger.LeaseSigner
	Artifacts artifact.Store

	Events   EventPublisher
	Notifier Notifier
	Logger   *zap.Logger

	// ResultBaseURL 写入任务描述，Agent 回报结果的地址前缀
	ResultBaseURL string
	Now           func() time.Time
}

// FromRepositories 用 gorm 仓库填充存储依赖
func (d Deps) FromRepositories(repos *repository.Repositories) Deps {
	d.Projects = repos.Project
	d.Parties = repos.Party
	d.Quotes = repos.Quote
	d.Jobs = repos.Job
	d.Activity = repos.ActivityLog
	return d
}

// Services 服务集合
type Services struct {
	Quote    *QuoteService
	Sync     *SyncService
	Revision *RevisionService
}

// NewServices 创建服务集合
func NewServices(d Deps) *Services {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Ledger == nil {
		d.Ledger = ledger.Noop{}
	}
	if d.Events == nil {
		d.Events = noopPublisher{}
	}
	if d.Now == nil {
		d.Now = time.Now
	}
	c := &core{Deps: d, refs: reference.NewGenerator(d.Projects, d.Quotes)}
	return &Services{
		Quote:    &QuoteService{core: c},
		Sync:     &SyncService{core: c},
		Revision: &RevisionService{core: c},
	}
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, sse.QuoteEvent) {}

// core 各服务共享的依赖和辅助方法
type core struct {
	Deps
	refs *reference.Generator
}

func (c *core) loadQuote(ctx context.Context, id string) (*entity.Quote, error) {
	q, err := c.Quotes.FindByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "quote", id)
	}
	return q, nil
}

func (c *core) loadProject(ctx context.Context, id string) (*entity.Project, error) {
	p, err := c.Projects.FindByID(ctx, id)
	if err != nil {
		return nil, lookupError(err, "project", id)
	}
	return p, nil
}

// loadParty 校验客户存在，且联系人（如有）属于该客户
func (c *core) loadParty(ctx context.Context, clientID string, contactID *string) (*entity.Client, error) {
	client, err := c.Parties.FindClient(ctx, clientID)
	if err != nil {
		return nil, lookupError(err, "client", clientID)
	}
	if contactID == nil {
		return client, nil
	}
	contact, err := c.Parties.FindContact(ctx, *contactID)
	if err != nil {
		return nil, lookupError(err, "contact", *contactID)
	}
	if contact.ClientID != client.ID {
		return nil, apperr.Newf(apperr.CodeInvalidContactAssociation,
			"contact %s does not belong to client %s", contact.ID, client.ID).
			WithMeta("contact_id", contact.ID).
			WithMeta("client_id", client.ID)
	}
	return client, nil
}

// insertNumbered 计算编号并插入。唯一约束冲突时重新计算并重试一次，
// 第二次冲突返回 ReferenceConflict
func (c *core) insertNumbered(ctx context.Context, q *entity.Quote, log *entity.ActivityLog) error {
	if q.ID == "" {
		q.ID = repository.NewID()
	}
	for try := 0; ; try++ {
		next, err := c.refs.NextReference(ctx, q.ProjectID)
		if err != nil {
			return lookupError(err, "project", q.ProjectID)
		}
		q.Reference, q.Revision = next.Reference, next.Revision
		log.ID = ""
		log.EntityCode = q.Reference

		err = c.Quotes.Create(ctx, q, log)
		if err == nil {
			return nil
		}
		if !errors.Is(err, repository.ErrDuplicate) {
			return apperr.Wrap(err, apperr.CodeInternal, "persist quote")
		}
		if try >= 1 {
			return apperr.Newf(apperr.CodeReferenceConflict,
				"reference %s was taken concurrently, retry the request", q.Reference).
				WithMeta("reference", q.Reference)
		}
		c.Logger.Info("reference conflict, recomputing",
			zap.String("project_id", q.ProjectID),
			zap.String("reference", q.Reference))
	}
}

func (c *core) publish(eventType, action string, q *entity.Quote) {
	c.Events.Publish(eventType, sse.QuoteEvent{
		QuoteID:    q.ID,
		Reference:  q.Reference,
		Status:     string(q.Status),
		SyncStatus: string(q.SyncStatus),
		Attempt:    q.JobAttempt,
		Action:     action,
	})
}

func (c *core) logTransition(msg string, q *entity.Quote, from, to entity.SyncStatus, fields ...zap.Field) {
	c.Logger.Info(msg, append([]zap.Field{
		zap.String("quote_id", q.ID),
		zap.String("reference", q.Reference),
		zap.Int("attempt", q.JobAttempt),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
	}, fields...)...)
}

func lookupError(err error, what, id string) error {
	var ae *apperr.AppError
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.Newf(apperr.CodeNotFound, "%s %s not found", what, id).WithMeta(what+"_id", id)
	}
	return apperr.Wrap(err, apperr.CodeInternal, "load "+what)
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
