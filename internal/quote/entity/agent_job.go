package entity

import (
	"time"

	"gorm.io/datatypes"
)

// JobStatus Agent任务状态
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusSucceeded  JobStatus = "succeeded"
	JobStatusFailed     JobStatus = "failed"
	JobStatusSuperseded JobStatus = "superseded"
)

// AgentJob 共享任务账本中的一条记录。Attempt 在同一报价内单调递增，
// Agent 回报时必须携带，用于拒绝过期回报
type AgentJob struct {
	ID          string         `json:"id" gorm:"primaryKey;size:32"`
	QuoteID     string         `json:"quote_id" gorm:"size:32;not null;uniqueIndex:idx_agent_job_attempt"`
	Attempt     int            `json:"attempt" gorm:"not null;uniqueIndex:idx_agent_job_attempt"`
	Status      JobStatus      `json:"status" gorm:"size:20;not null;index"`
	Payload     datatypes.JSON `json:"payload"`
	ErrorReason string         `json:"error_reason,omitempty" gorm:"type:text"`
	RequestedBy string         `json:"requested_by" gorm:"size:32"`
	RequestedAt time.Time      `json:"requested_at"`
	CompletedAt *time.Time     `json:"completed_at"`
}

func (AgentJob) TableName() string {
	return "agent_jobs"
}
