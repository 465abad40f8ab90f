// Package backup writes point-in-time JSON snapshots of the quote tables.
package backup

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/thomasldk/granite-erp-sub001/internal/quote/entity"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const filePrefix = "backup-"

// Metadata 备份文件头
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

// Data 备份的全部表
type Data struct {
	Projects     []entity.Project     `json:"projects"`
	Clients      []entity.Client      `json:"clients"`
	Contacts     []entity.Contact     `json:"contacts"`
	Quotes       []entity.Quote       `json:"quotes"`
	QuoteItems   []entity.QuoteItem   `json:"quote_items"`
	AgentJobs    []entity.AgentJob    `json:"agent_jobs"`
	ActivityLogs []entity.ActivityLog `json:"activity_logs"`
}

// Snapshot 一个备份文件的内容
type Snapshot struct {
	Metadata Metadata `json:"metadata"`
	Data     Data     `json:"data"`
}

// Sweeper 定期导出快照并清理过旧的文件
type Sweeper struct {
	db      *gorm.DB
	dir     string
	version string
	retain  int
	logger  *zap.Logger

	// TxOptions 快照事务选项；postgres 默认只读 + 可重复读，其它数据库用驱动默认
	TxOptions *sql.TxOptions
	Now       func() time.Time
}

func NewSweeper(db *gorm.DB, dir, version string, retain int, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{
		db:      db,
		dir:     dir,
		version: version,
		retain:  retain,
		logger:  logger.Named("backup"),
		Now:     time.Now,
	}
	if db.Dialector.Name() == "postgres" {
		s.TxOptions = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}
	return s
}

// Snapshot 在一个只读事务内读取所有表，不加锁
func (s *Sweeper) Snapshot(ctx context.Context) (*Snapshot, error) {
	snap := &Snapshot{Metadata: Metadata{Timestamp: s.Now().UTC(), Version: s.version}}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		d := &snap.Data
		steps := []struct {
			name string
			dst  interface{}
		}{
			{"projects", &d.Projects},
			{"clients", &d.Clients},
			{"contacts", &d.Contacts},
			{"quotes", &d.Quotes},
			{"quote_items", &d.QuoteItems},
			{"agent_jobs", &d.AgentJobs},
			{"activity_logs", &d.ActivityLogs},
		}
		for _, step := range steps {
			if err := tx.Order("id").Find(step.dst).Error; err != nil {
				return fmt.Errorf("read %s: %w", step.name, err)
			}
		}
		return nil
	}, s.TxOptions)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// Sweep 写入一个新备份并删除超出保留数量的旧备份，返回新文件路径
func (s *Sweeper) Sweep(ctx context.Context) (string, error) {
	snap, err := s.Snapshot(ctx)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	body, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode snapshot: %w", err)
	}
	name := filePrefix + snap.Metadata.Timestamp.Format("20060102T150405.000Z") + ".json"
	path := filepath.Join(s.dir, name)

	tmp, err := os.CreateTemp(s.dir, ".backup-*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", err
	}

	removed, err := s.prune()
	if err != nil {
		s.logger.Warn("prune backups failed", zap.Error(err))
	}
	s.logger.Info("backup written",
		zap.String("path", path),
		zap.Int("quotes", len(snap.Data.Quotes)),
		zap.Int("pruned", removed))
	return path, nil
}

// prune 按文件名（即时间）保留最新的 retain 个
func (s *Sweeper) prune() (int, error) {
	if s.retain <= 0 {
		return 0, nil
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), filePrefix) && strings.HasSuffix(e.Name(), ".json") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	removed := 0
	for len(names)-removed > s.retain {
		if err := os.Remove(filepath.Join(s.dir, names[removed])); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
