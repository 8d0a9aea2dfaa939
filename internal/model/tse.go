package model

import "time"

// TSEStatus is the lifecycle state of a signing device.
type TSEStatus string

const (
	TSEStatusNew      TSEStatus = "new"
	TSEStatusActive   TSEStatus = "active"
	TSEStatusDisabled TSEStatus = "disabled"
	TSEStatusFailed   TSEStatus = "failed"
)

// TSE represents one hardware signing device. Master data fields are
// populated on the first successful handshake and never change afterwards.
type TSE struct {
	ID                  uint64    `gorm:"primaryKey"`
	Name                string    `gorm:"uniqueIndex;size:128;not null"`
	Status              TSEStatus `gorm:"size:16;not null;default:new"`
	Serial              string    `gorm:"size:128"`
	HashAlgo            string    `gorm:"size:64"`
	TimeFormat          string    `gorm:"size:64"`
	PublicKey           string    `gorm:"type:text"` // base64
	Certificate         string    `gorm:"type:text"` // base64, may be chunked
	ProcessDataEncoding string    `gorm:"size:16"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (TSE) TableName() string { return "tse" }
