package entity

import (
	"time"

	"gorm.io/datatypes"
)

// 操作日志动作
const (
	ActionCreate      = "create"
	ActionUpdate      = "update"
	ActionRevise      = "revise"
	ActionDuplicate   = "duplicate"
	ActionSubmitJob   = "submit_job"
	ActionAgentReport = "agent_report"
	ActionDownload    = "download"
	ActionReintegrate = "reintegrate"
	ActionEmit        = "emit"
	ActionAccept      = "accept"
)

// ActivityLog 报价操作日志，与状态变更在同一事务内写入
type ActivityLog struct {
	ID         string `json:"id" gorm:"primaryKey;size:32"`
	EntityType string `json:"entity_type" gorm:"size:50;not null;index:idx_activity_entity"`
	EntityID   string `json:"entity_id" gorm:"size:32;not null;index:idx_activity_entity"`
	EntityCode string `json:"entity_code" gorm:"size:64"`

	Action     string `json:"action" gorm:"size:50;not null"`
	FromStatus string `json:"from_status" gorm:"size:20"`
	ToStatus   string `json:"to_status" gorm:"size:20"`

	Content  string            `json:"content" gorm:"type:text"`
	Metadata datatypes.JSONMap `json:"metadata" gorm:"type:jsonb"`

	OperatorID string    `json:"operator_id" gorm:"size:32"`
	CreatedAt  time.Time `json:"created_at"`
}

func (ActivityLog) TableName() string {
	return "quote_activity_logs"
}

// All 返回需要迁移的全部实体，顺序满足外键依赖
func All() []interface{} {
	return []interface{}{
		&Client{},
		&Contact{},
		&Project{},
		&Quote{},
		&QuoteItem{},
		&AgentJob{},
		&ActivityLog{},
	}
}
