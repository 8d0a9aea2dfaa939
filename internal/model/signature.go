package model

import "time"

// SignatureStatus is the lifecycle state of one signing request.
type SignatureStatus string

const (
	SignatureStatusTodo    SignatureStatus = "todo"
	SignatureStatusPending SignatureStatus = "pending"
	SignatureStatusDone    SignatureStatus = "done"
	SignatureStatusFailure SignatureStatus = "failure"
)

// TSESignature is one row of the signing queue. The primary key is shared
// with the order the signature belongs to. Request fields are filled at claim
// time, result fields at completion.
type TSESignature struct {
	OrderID                uint64          `gorm:"primaryKey"`
	Status                 SignatureStatus `gorm:"size:16;not null;default:todo;index"`
	TSEID                  *uint64         `gorm:"column:tse_id"`
	TransactionProcessType *string         `gorm:"size:64"`
	TransactionProcessData *string         `gorm:"type:text"`
	TSETransaction         *uint64         `gorm:"column:tse_transaction"`
	TSESignatureNr         *uint64         `gorm:"column:tse_signaturenr"`
	TSEStart               *string         `gorm:"column:tse_start;size:64"`
	TSEEnd                 *string         `gorm:"column:tse_end;size:64"`
	TSESignature           *string         `gorm:"column:tse_signature;type:text"` // base64
	ResultMessage          *string         `gorm:"type:text"`
	CreatedAt              time.Time       `gorm:"not null"`
	UpdatedAt              time.Time       `gorm:"not null"`
}

func (TSESignature) TableName() string { return "tse_signature" }
