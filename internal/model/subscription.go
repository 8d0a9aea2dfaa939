package model

import "time"

// OperatorSubscription holds a browser push subscription of an operator who
// wants to be alerted about device failures and backlog.
type OperatorSubscription struct {
	Endpoint  string    `gorm:"primaryKey"`
	P256DH    string    `gorm:"column:p256dh;not null"`
	Auth      string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
}

func (OperatorSubscription) TableName() string { return "operator_subscription" }
