package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// WithdrawalRecord 提取记录表
// 每条记录只扣减一个存入批次，只追加，不修改，不删除
//
// 非分配存管的一次提取可能跨多个批次，此时每条记录的编号为
// 请求编号加序号后缀（如 W100-1、W100-2），RequestNumber 保存原始请求编号
type WithdrawalRecord struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	WithdrawalNumber string          `gorm:"type:varchar(64);uniqueIndex;not null" json:"withdrawal_number"`
	RequestNumber    string          `gorm:"type:varchar(50);uniqueIndex:idx_request_seq,priority:1;not null" json:"request_number"`
	Sequence         int             `gorm:"uniqueIndex:idx_request_seq,priority:2;not null" json:"sequence"`
	AccountID        string          `gorm:"type:varchar(36);index;not null" json:"account_id"`
	DepositLotID     *int64          `gorm:"index" json:"deposit_lot_id"`
	MetalType        MetalType       `gorm:"type:varchar(20);not null" json:"metal_type"`
	StorageMode      StorageMode     `gorm:"type:varchar(20);not null" json:"storage_mode"`
	Quantity         decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"quantity"`
	BarSerial        *string         `gorm:"type:varchar(100)" json:"bar_serial,omitempty"`
	WithdrawnAt      time.Time       `gorm:"not null;index" json:"withdrawn_at"`
}

func (WithdrawalRecord) TableName() string {
	return "withdrawal_record"
}
