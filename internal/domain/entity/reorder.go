package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type ReorderStatus string

const (
	ReorderStatusPending   ReorderStatus = "pending"
	ReorderStatusConfirmed ReorderStatus = "confirmed"
	ReorderStatusPaid      ReorderStatus = "paid"
	ReorderStatusRejected  ReorderStatus = "rejected"
	ReorderStatusCanceled  ReorderStatus = "canceled"
)

// ReorderRequest is a repeat-prescription request. confirmed is transient and
// must resolve to paid or canceled; paid requires a settled Order.
type ReorderRequest struct {
	ID           int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	PatientID    PatientIdentity `gorm:"type:varchar(64);not null;index" json:"patient_id"`
	ProductCode  string          `gorm:"type:varchar(64);not null" json:"product_code"`
	Status       ReorderStatus   `gorm:"type:varchar(16);not null;default:'pending';index" json:"status"`
	LedgerRowRef string          `gorm:"type:varchar(64)" json:"ledger_row_ref,omitempty"`
	Version      int             `gorm:"not null;default:1" json:"version"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	UpdatedAt    time.Time       `gorm:"autoUpdateTime" json:"updated_at"`
}

func (ReorderRequest) TableName() string {
	return "reorders"
}

// Order is a settlement record written by the payment flow. The engine only
// checks for its existence.
type Order struct {
	ID           string          `gorm:"type:varchar(64);primaryKey" json:"id"`
	PatientID    PatientIdentity `gorm:"type:varchar(64);not null;index" json:"patient_id"`
	ProductCode  string          `gorm:"type:varchar(64);not null" json:"product_code"`
	Amount       decimal.Decimal `gorm:"type:decimal(10,2);not null" json:"amount"`
	PaidAt       *time.Time      `json:"paid_at,omitempty"`
	ShippingDate *string         `gorm:"type:varchar(10)" json:"shipping_date,omitempty"`
	CreatedAt    time.Time       `gorm:"autoCreateTime" json:"created_at"`
}

func (Order) TableName() string {
	return "orders"
}

// IsSettled reports whether payment completed.
func (o *Order) IsSettled() bool {
	return o.PaidAt != nil && !o.PaidAt.IsZero()
}
