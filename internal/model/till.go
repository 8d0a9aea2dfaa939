package model

import "time"

// Till is a POS terminal. Its name doubles as the TSE client ID. A till with
// a nil TSEID awaits assignment by the reassignment task.
type Till struct {
	ID        int64     `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:30;not null"`
	TSEID     *uint64   `gorm:"column:tse_id;index"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (Till) TableName() string { return "till" }

const (
	HistoryRegister   = "register"
	HistoryDeregister = "deregister"
)

// TillTSEHistory is the append-only audit log of client registrations.
type TillTSEHistory struct {
	ID       int64     `gorm:"autoIncrement;primaryKey"`
	TillName string    `gorm:"size:30;not null;index"`
	TSEID    uint64    `gorm:"column:tse_id;not null"`
	What     string    `gorm:"size:16;not null"`
	Ts       time.Time `gorm:"not null"`
}

func (TillTSEHistory) TableName() string { return "till_tse_history" }
