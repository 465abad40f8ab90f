package repository

import (
	"context"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"gorm.io/gorm"
)

// ProjectRepository 项目仓库
type ProjectRepository struct {
	db *gorm.DB
}

func NewProjectRepository(db *gorm.DB) *ProjectRepository {
	return &ProjectRepository{db: db}
}

// FindByID 根据ID查找项目
func (r *ProjectRepository) FindByID(ctx context.Context, id string) (*entity.Project, error) {
	var project entity.Project
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&project).Error; err != nil {
		return nil, notFound(err)
	}
	return &project, nil
}

// FindByReference 根据项目编号查找
func (r *ProjectRepository) FindByReference(ctx context.Context, reference string) (*entity.Project, error) {
	var project entity.Project
	if err := r.db.WithContext(ctx).Where("reference = ?", reference).First(&project).Error; err != nil {
		return nil, notFound(err)
	}
	return &project, nil
}

// Create 创建项目
func (r *ProjectRepository) Create(ctx context.Context, project *entity.Project) error {
	if project.ID == "" {
		project.ID = NewID()
	}
	if err := r.db.WithContext(ctx).Create(project).Error; err != nil {
		if IsDuplicateKey(err) {
			return ErrDuplicate
		}
		return err
	}
	return nil
}

// Delete 删除项目，报价随外键级联删除
func (r *ProjectRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&entity.Project{}).Error
}
