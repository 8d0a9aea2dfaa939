package model

import (
	"github.com/shopspring/decimal"
)

// PaymentMethod of an order. Only these three are legal.
type PaymentMethod string

const (
	PaymentMethodCash  PaymentMethod = "cash"
	PaymentMethodSumUp PaymentMethod = "sumup"
	PaymentMethodTag   PaymentMethod = "tag"
)

// Tax rate keys as they appear on line items.
const (
	TaxRateUST         = "ust"
	TaxRateEUST        = "eust"
	TaxRateNone        = "none"
	TaxRateTransparent = "transparent"
)

// Order is read-only from the multiplexer's point of view; rows are written
// by the order workflow, we only join against them.
type Order struct {
	ID            uint64        `gorm:"primaryKey"`
	TillID        int64         `gorm:"column:till_id;index;not null"`
	PaymentMethod PaymentMethod `gorm:"size:16;not null"`

	LineItems []LineItem `gorm:"foreignKey:OrderID"`
}

func (Order) TableName() string { return "ordr" }

// LineItem is one position on an order.
type LineItem struct {
	ID         int64           `gorm:"autoIncrement;primaryKey"`
	OrderID    uint64          `gorm:"index;not null"`
	TotalPrice decimal.Decimal `gorm:"type:numeric(10,2);not null"`
	TaxRateKey string          `gorm:"size:16;not null"`
}

func (LineItem) TableName() string { return "line_item" }
