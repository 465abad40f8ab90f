package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Project 项目。报价编号以项目编号为前缀
type Project struct {
	ID                    string    `json:"id" gorm:"primaryKey;size:32"`
	Reference             string    `json:"reference" gorm:"size:50;uniqueIndex;not null"`
	Name                  string    `json:"name" gorm:"size:200;not null"`
	Location              string    `json:"location" gorm:"size:200"`
	EstimatedDurationDays int       `json:"estimated_duration_days"`
	ExpectedLineCount     int       `json:"expected_line_count"`
	ClientID              *string   `json:"client_id" gorm:"size:32;index"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`

	Quotes []Quote `json:"-" gorm:"foreignKey:ProjectID;constraint:OnDelete:CASCADE"`
}

func (Project) TableName() string {
	return "projects"
}

// Client 客户（第三方）。默认商务条款在新建报价时作为初始值
type Client struct {
	ID                   string              `json:"id" gorm:"primaryKey;size:32"`
	Code                 string              `json:"code" gorm:"size:32;uniqueIndex;not null"`
	Name                 string              `json:"name" gorm:"size:200;not null"`
	DefaultCurrency      *string             `json:"default_currency" gorm:"size:3"`
	DefaultExchangeRate  decimal.NullDecimal `json:"default_exchange_rate" gorm:"type:numeric(18,6)"`
	DefaultPaymentTermID *string             `json:"default_payment_term_id" gorm:"size:32"`
	DefaultIncotermID    *string             `json:"default_incoterm_id" gorm:"size:32"`
	DefaultPalletTerms   *string             `json:"default_pallet_terms" gorm:"size:100"`
	DefaultValidityDays  *int                `json:"default_validity_days"`
	CreatedAt            time.Time           `json:"created_at"`
	UpdatedAt            time.Time           `json:"updated_at"`

	Contacts []Contact `json:"contacts,omitempty" gorm:"foreignKey:ClientID"`
}

func (Client) TableName() string {
	return "clients"
}

// Contact 客户联系人，只属于一个客户
type Contact struct {
	ID        string    `json:"id" gorm:"primaryKey;size:32"`
	ClientID  string    `json:"client_id" gorm:"size:32;not null;index"`
	Name      string    `json:"name" gorm:"size:100;not null"`
	Email     string    `json:"email" gorm:"size:200"`
	CreatedAt time.Time `json:"created_at"`
}

func (Contact) TableName() string {
	return "contacts"
}
