package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// QuoteStatus 报价商务状态，只能前进
type QuoteStatus string

const (
	QuoteStatusDraft    QuoteStatus = "Draft"
	QuoteStatusSent     QuoteStatus = "Sent"
	QuoteStatusAccepted QuoteStatus = "Accepted"
)

// ValidQuoteTransitions 合法的报价状态流转
var ValidQuoteTransitions = map[QuoteStatus][]QuoteStatus{
	QuoteStatusDraft: {QuoteStatusSent},
	QuoteStatusSent:  {QuoteStatusAccepted},
}

func (s QuoteStatus) Valid() bool {
	switch s {
	case QuoteStatusDraft, QuoteStatusSent, QuoteStatusAccepted:
		return true
	}
	return false
}

// IsDraft 只有草稿可以修改商务内容
func (s QuoteStatus) IsDraft() bool { return s == QuoteStatusDraft }

func (s QuoteStatus) CanTransitionTo(next QuoteStatus) bool {
	for _, allowed := range ValidQuoteTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SyncStatus 与外部计算Agent的同步状态
type SyncStatus string

const (
	SyncStatusNone       SyncStatus = "NONE"
	SyncStatusPending    SyncStatus = "PENDING"
	SyncStatusCalculated SyncStatus = "CALCULATED_AGENT"
	SyncStatusSynced     SyncStatus = "SYNCED"
	SyncStatusError      SyncStatus = "ERROR_AGENT"
)

// ValidSyncTransitions 合法的同步状态流转。
// PENDING -> PENDING 只能通过强制重提交，不在表中。
var ValidSyncTransitions = map[SyncStatus][]SyncStatus{
	SyncStatusNone:       {SyncStatusPending, SyncStatusSynced},
	SyncStatusPending:    {SyncStatusCalculated, SyncStatusError},
	SyncStatusCalculated: {SyncStatusPending, SyncStatusSynced},
	SyncStatusSynced:     {SyncStatusPending, SyncStatusSynced},
	SyncStatusError:      {SyncStatusPending, SyncStatusSynced},
}

// SettledSyncStatuses 没有在途计算任务的状态
var SettledSyncStatuses = []SyncStatus{
	SyncStatusNone, SyncStatusCalculated, SyncStatusSynced, SyncStatusError,
}

func (s SyncStatus) Valid() bool {
	_, ok := ValidSyncTransitions[s]
	return ok
}

func (s SyncStatus) CanTransitionTo(next SyncStatus) bool {
	for _, allowed := range ValidSyncTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// InFlight 是否有未完成的Agent任务
func (s SyncStatus) InFlight() bool { return s == SyncStatusPending }

// SyncStatusesFrom 返回所有可以到达 next 的状态
func SyncStatusesFrom(next SyncStatus) []SyncStatus {
	var out []SyncStatus
	for _, from := range []SyncStatus{SyncStatusNone, SyncStatusPending, SyncStatusCalculated, SyncStatusSynced, SyncStatusError} {
		if from.CanTransitionTo(next) {
			out = append(out, from)
		}
	}
	return out
}

// Quote 报价。每个修订版都是独立的一行，通过 PredecessorID 串成链
type Quote struct {
	ID            string  `json:"id" gorm:"primaryKey;size:32"`
	ProjectID     string  `json:"project_id" gorm:"size:32;not null;uniqueIndex:idx_quote_project_revision"`
	Revision      int     `json:"revision" gorm:"not null;uniqueIndex:idx_quote_project_revision"`
	Reference     string  `json:"reference" gorm:"size:64;not null;uniqueIndex"`
	PredecessorID *string `json:"predecessor_id" gorm:"size:32;index"`
	ClientID      string  `json:"client_id" gorm:"size:32;not null;index"`
	ContactID     *string `json:"contact_id" gorm:"size:32"`

	Status     QuoteStatus `json:"status" gorm:"size:20;not null;default:Draft"`
	SyncStatus SyncStatus  `json:"sync_status" gorm:"size:20;not null;default:NONE;index"`
	SyncError  *string     `json:"sync_error" gorm:"type:text"`
	JobAttempt int         `json:"job_attempt" gorm:"not null;default:0"`

	// 商务条款，可为空
	MaterialID    *string             `json:"material_id" gorm:"size:32"`
	PaymentTermID *string             `json:"payment_term_id" gorm:"size:32"`
	IncotermID    *string             `json:"incoterm_id" gorm:"size:32"`
	Currency      *string             `json:"currency" gorm:"size:3"`
	ExchangeRate  decimal.NullDecimal `json:"exchange_rate" gorm:"type:numeric(18,6)"`
	PalletTerms   *string             `json:"pallet_terms" gorm:"size:100"`
	ValidityDays  *int                `json:"validity_days"`
	Notes         *string             `json:"notes" gorm:"type:text"`

	ArtifactKey *string `json:"artifact_key" gorm:"size:255"`

	EmissionSubject string     `json:"emission_subject,omitempty" gorm:"size:255"`
	EmissionMessage string     `json:"emission_message,omitempty" gorm:"type:text"`
	EmittedAt       *time.Time `json:"emitted_at"`

	CreatedBy string    `json:"created_by" gorm:"size:32"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	Items []QuoteItem `json:"items" gorm:"foreignKey:QuoteID;constraint:OnDelete:CASCADE"`
}

func (Quote) TableName() string {
	return "quotes"
}

// IsEditable 商务内容可修改：草稿且没有在途任务
func (q *Quote) IsEditable() bool {
	return q.Status.IsDraft() && !q.SyncStatus.InFlight()
}

// CopyCommercialFrom 复制商务条款（不含身份、编号、状态和明细）
func (q *Quote) CopyCommercialFrom(src *Quote) {
	q.MaterialID = cloneString(src.MaterialID)
	q.PaymentTermID = cloneString(src.PaymentTermID)
	q.IncotermID = cloneString(src.IncotermID)
	q.Currency = cloneString(src.Currency)
	q.ExchangeRate = src.ExchangeRate
	q.PalletTerms = cloneString(src.PalletTerms)
	q.Notes = cloneString(src.Notes)
	if src.ValidityDays != nil {
		v := *src.ValidityDays
		q.ValidityDays = &v
	} else {
		q.ValidityDays = nil
	}
}

// QuoteItem 报价明细行。尺寸为输入，面积/重量/成本/价格由Agent计算
type QuoteItem struct {
	ID          string  `json:"id" gorm:"primaryKey;size:32"`
	QuoteID     string  `json:"quote_id" gorm:"size:32;not null;index"`
	Position    int     `json:"position" gorm:"not null"`
	Description string  `json:"description" gorm:"size:500"`
	Length      float64 `json:"length"`
	Width       float64 `json:"width"`
	Thickness   float64 `json:"thickness"`
	Quantity    float64 `json:"quantity"`

	NetArea       float64         `json:"net_area"`
	GrossArea     float64         `json:"gross_area"`
	Weight        float64         `json:"weight"`
	InternalCost  decimal.Decimal `json:"internal_cost" gorm:"type:numeric(18,4)"`
	ExternalPrice decimal.Decimal `json:"external_price" gorm:"type:numeric(18,4)"`

	CreatedAt time.Time `json:"created_at"`
}

func (QuoteItem) TableName() string {
	return "quote_items"
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
