package repository

import (
	"context"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"gorm.io/gorm"
)

// ActivityLogRepository 操作日志仓库
type ActivityLogRepository struct {
	db *gorm.DB
}

func NewActivityLogRepository(db *gorm.DB) *ActivityLogRepository {
	return &ActivityLogRepository{db: db}
}

// Create 创建操作日志
func (r *ActivityLogRepository) Create(ctx context.Context, log *entity.ActivityLog) error {
	return createLog(r.db.WithContext(ctx), log)
}

// FindByEntity 查询某实体的操作日志，按时间正序
func (r *ActivityLogRepository) FindByEntity(ctx context.Context, entityType, entityID string, page, pageSize int) ([]entity.ActivityLog, int64, error) {
	var items []entity.ActivityLog
	var total int64

	query := r.db.WithContext(ctx).Model(&entity.ActivityLog{}).
		Where("entity_type = ? AND entity_id = ?", entityType, entityID)

	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	offset := (page - 1) * pageSize
	err := query.
		Order("created_at ASC").
		Order("id ASC").
		Offset(offset).
		Limit(pageSize).
		Find(&items).Error

	return items, total, err
}

func createLog(tx *gorm.DB, log *entity.ActivityLog) error {
	if log.ID == "" {
		log.ID = NewID()
	}
	if log.EntityType == "" {
		log.EntityType = "quote"
	}
	return tx.Create(log).Error
}
