package repository

import (
	"context"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"gorm.io/gorm"
)

// JobRepository Agent任务账本
type JobRepository struct {
	db *gorm.DB
}

func NewJobRepository(db *gorm.DB) *JobRepository {
	return &JobRepository{db: db}
}

// FindPending 所有在途任务，按提交时间排序
func (r *JobRepository) FindPending(ctx context.Context) ([]entity.AgentJob, error) {
	var jobs []entity.AgentJob
	err := r.db.WithContext(ctx).
		Where("status = ?", string(entity.JobStatusPending)).
		Order("requested_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// FindByQuote 报价的全部任务记录
func (r *JobRepository) FindByQuote(ctx context.Context, quoteID string) ([]entity.AgentJob, error) {
	var jobs []entity.AgentJob
	err := r.db.WithContext(ctx).
		Where("quote_id = ?", quoteID).
		Order("attempt ASC").
		Find(&jobs).Error
	return jobs, err
}

// FindAttempt 查找某一次提交
func (r *JobRepository) FindAttempt(ctx context.Context, quoteID string, attempt int) (*entity.AgentJob, error) {
	var job entity.AgentJob
	err := r.db.WithContext(ctx).
		Where("quote_id = ? AND attempt = ?", quoteID, attempt).
		First(&job).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}
