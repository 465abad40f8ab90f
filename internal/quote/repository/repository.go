package repository

import (
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("record not found")
	// ErrDuplicate 违反唯一约束（编号或修订号已被并发写入占用）
	ErrDuplicate = errors.New("duplicate key")
	// ErrConflict 条件更新没有命中任何行，说明并发写入者先完成了
	ErrConflict = errors.New("concurrent update")
)

// Repositories 报价仓库集合
type Repositories struct {
	Project     *ProjectRepository
	Party       *PartyRepository
	Quote       *QuoteRepository
	Job         *JobRepository
	ActivityLog *ActivityLogRepository
}

// NewRepositories 创建报价仓库集合
func NewRepositories(db *gorm.DB) *Repositories {
	return &Repositories{
		Project:     NewProjectRepository(db),
		Party:       NewPartyRepository(db),
		Quote:       NewQuoteRepository(db),
		Job:         NewJobRepository(db),
		ActivityLog: NewActivityLogRepository(db),
	}
}

// NewID 生成32位主键
func NewID() string {
	return uuid.New().String()[:32]
}

// IsDuplicateKey 判断是否违反唯一约束，兼容 postgres 和 sqlite
func IsDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || errors.Is(err, ErrDuplicate) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unique constraint") || strings.Contains(msg, "duplicate key")
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
