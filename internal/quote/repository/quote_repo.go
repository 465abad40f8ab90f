package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// QuoteRepository 报价仓库
type QuoteRepository struct {
	db *gorm.DB
}

func NewQuoteRepository(db *gorm.DB) *QuoteRepository {
	return &QuoteRepository{db: db}
}

func orderedItems(db *gorm.DB) *gorm.DB {
	return db.Order(clause.OrderByColumn{Column: clause.Column{Name: "position"}})
}

// FindByID 根据ID查找报价（含按序号排列的明细）
func (r *QuoteRepository) FindByID(ctx context.Context, id string) (*entity.Quote, error) {
	var q entity.Quote
	err := r.db.WithContext(ctx).
		Preload("Items", orderedItems).
		Where("id = ?", id).
		First(&q).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// ListByProject 项目下的全部报价，按修订号排序
func (r *QuoteRepository) ListByProject(ctx context.Context, projectID string) ([]entity.Quote, error) {
	var quotes []entity.Quote
	err := r.db.WithContext(ctx).
		Preload("Items", orderedItems).
		Where("project_id = ?", projectID).
		Order("revision ASC").
		Find(&quotes).Error
	return quotes, err
}

// References 项目下已使用的报价编号
func (r *QuoteRepository) References(ctx context.Context, projectID string) ([]string, error) {
	var refs []string
	err := r.db.WithContext(ctx).
		Model(&entity.Quote{}).
		Where("project_id = ?", projectID).
		Pluck("reference", &refs).Error
	return refs, err
}

// Create 在一个事务内插入报价（及明细）和操作日志。
// 编号或修订号冲突时返回 ErrDuplicate，不写入任何数据
func (r *QuoteRepository) Create(ctx context.Context, q *entity.Quote, log *entity.ActivityLog) error {
	if q.ID == "" {
		q.ID = NewID()
	}
	prepareItems(q.ID, q.Items)

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(q).Error; err != nil {
			return err
		}
		if log != nil {
			if log.EntityID == "" {
				log.EntityID = q.ID
			}
			if log.EntityCode == "" {
				log.EntityCode = q.Reference
			}
			return createLog(tx, log)
		}
		return nil
	})
	if IsDuplicateKey(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// JobCompletion 结束一个在途任务
type JobCompletion struct {
	Attempt int
	Status  entity.JobStatus
	Reason  string
}

// Transition 报价的一次条件更新。所有字段在同一事务中生效：
// 条件不满足（状态或尝试次数已被并发修改）时返回 ErrConflict，整个事务回滚
type Transition struct {
	QuoteID string

	// 前置条件，零值表示不限制
	FromStatus entity.QuoteStatus
	FromSync   []entity.SyncStatus
	Attempt    *int

	Updates map[string]interface{}

	// ReplaceItems 为 true 时整体替换明细（Items 可为空）
	ReplaceItems bool
	Items        []entity.QuoteItem

	SupersedePending bool
	NewJob           *entity.AgentJob
	CompleteJob      *JobCompletion

	Log *entity.ActivityLog

	// BeforeCommit 在提交前最后执行，返回错误则回滚
	BeforeCommit func(ctx context.Context) error
}

// Apply 执行条件更新
func (r *QuoteRepository) Apply(ctx context.Context, t *Transition) error {
	now := time.Now()
	updates := make(map[string]interface{}, len(t.Updates)+1)
	for k, v := range t.Updates {
		updates[k] = v
	}
	updates["updated_at"] = now

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&entity.Quote{}).Where("id = ?", t.QuoteID)
		if t.FromStatus != "" {
			query = query.Where("status = ?", string(t.FromStatus))
		}
		if len(t.FromSync) > 0 {
			query = query.Where("sync_status IN ?", syncStrings(t.FromSync))
		}
		if t.Attempt != nil {
			query = query.Where("job_attempt = ?", *t.Attempt)
		}
		res := query.Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConflict
		}

		if t.ReplaceItems {
			if err := tx.Where("quote_id = ?", t.QuoteID).Delete(&entity.QuoteItem{}).Error; err != nil {
				return fmt.Errorf("delete items: %w", err)
			}
			if len(t.Items) > 0 {
				prepareItems(t.QuoteID, t.Items)
				if err := tx.Create(&t.Items).Error; err != nil {
					return fmt.Errorf("insert items: %w", err)
				}
			}
		}

		if t.SupersedePending {
			err := tx.Model(&entity.AgentJob{}).
				Where("quote_id = ? AND status = ?", t.QuoteID, string(entity.JobStatusPending)).
				Updates(map[string]interface{}{"status": string(entity.JobStatusSuperseded), "completed_at": now}).Error
			if err != nil {
				return fmt.Errorf("supersede jobs: %w", err)
			}
		}
		if t.NewJob != nil {
			if t.NewJob.ID == "" {
				t.NewJob.ID = NewID()
			}
			t.NewJob.QuoteID = t.QuoteID
			if err := tx.Create(t.NewJob).Error; err != nil {
				if IsDuplicateKey(err) {
					return ErrConflict
				}
				return fmt.Errorf("insert job: %w", err)
			}
		}
		if c := t.CompleteJob; c != nil {
			err := tx.Model(&entity.AgentJob{}).
				Where("quote_id = ? AND attempt = ?", t.QuoteID, c.Attempt).
				Updates(map[string]interface{}{
					"status":       string(c.Status),
					"error_reason": c.Reason,
					"completed_at": now,
				}).Error
			if err != nil {
				return fmt.Errorf("complete job: %w", err)
			}
		}

		if t.Log != nil {
			t.Log.EntityID = t.QuoteID
			if err := createLog(tx, t.Log); err != nil {
				return fmt.Errorf("activity log: %w", err)
			}
		}

		if t.BeforeCommit != nil {
			return t.BeforeCommit(ctx)
		}
		return nil
	})
}

func prepareItems(quoteID string, items []entity.QuoteItem) {
	for i := range items {
		if items[i].ID == "" {
			items[i].ID = NewID()
		}
		items[i].QuoteID = quoteID
	}
}

func syncStrings(statuses []entity.SyncStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
