package backup

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

// TypeBackupSweep asynq 任务类型
const TypeBackupSweep = "backup:sweep"

// SweepPayload 任务负载
type SweepPayload struct {
	Reason string `json:"reason"`
}

// NewSweepTask 创建备份任务
func NewSweepTask(reason string) (*asynq.Task, error) {
	payload, err := json.Marshal(SweepPayload{Reason: reason})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypeBackupSweep, payload, asynq.MaxRetry(2)), nil
}

// HandleSweepTask asynq 处理函数
func (s *Sweeper) HandleSweepTask(ctx context.Context, t *asynq.Task) error {
	var p SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &p); err != nil {
			s.logger.Error("invalid backup task payload", zap.Error(err))
			return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	s.logger.Info("handling backup task", zap.String("reason", p.Reason))
	if _, err := s.Sweep(ctx); err != nil {
		s.logger.Error("backup failed", zap.Error(err))
		return err
	}
	return nil
}
