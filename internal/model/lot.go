package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// MetalType 金属种类（封闭枚举）
type MetalType string

const (
	MetalGold     MetalType = "Gold"
	MetalSilver   MetalType = "Silver"
	MetalPlatinum MetalType = "Platinum"
)

// MetalTypes 所有支持的金属，按展示顺序
var MetalTypes = []MetalType{MetalGold, MetalSilver, MetalPlatinum}

func (m MetalType) Valid() bool {
	switch m {
	case MetalGold, MetalSilver, MetalPlatinum:
		return true
	}
	return false
}

// ParseMetalType 解析金属种类，未知种类返回 ErrValidation
func ParseMetalType(s string) (MetalType, error) {
	m := MetalType(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown metal type %q", ErrValidation, s)
	}
	return m, nil
}

func (m *MetalType) UnmarshalText(text []byte) error {
	v, err := ParseMetalType(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// StorageMode 存管方式
type StorageMode string

const (
	StorageAllocated   StorageMode = "ALLOCATED"   // 分配存管：每个批次对应一根有编号的金条
	StorageUnallocated StorageMode = "UNALLOCATED" // 非分配存管：池化、可替代的数量
)

func (s StorageMode) Valid() bool {
	return s == StorageAllocated || s == StorageUnallocated
}

func ParseStorageMode(s string) (StorageMode, error) {
	m := StorageMode(s)
	if !m.Valid() {
		return "", fmt.Errorf("%w: unknown storage mode %q", ErrValidation, s)
	}
	return m, nil
}

func (s *StorageMode) UnmarshalText(text []byte) error {
	v, err := ParseStorageMode(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// DepositLot 存入批次表
// 记录一次入库的金属，是提取分配引擎的核心数据
//
// 不变量：
// 1. 0 <= RemainingQuantity <= Quantity，剩余数量只会因提取而单调减少
// 2. ALLOCATED 批次必须有金条编号，UNALLOCATED 批次不得有
// 3. ActiveBarSerial 在剩余数量 > 0 时等于 BarSerial，归零后置空；唯一索引保证在库金条编号不重复
// 4. 批次永不删除，剩余为 0 时作为审计记录保留
type DepositLot struct {
	ID                int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	DepositNumber     string          `gorm:"type:varchar(50);uniqueIndex;not null" json:"deposit_number"`
	AccountID         string          `gorm:"type:varchar(36);index:idx_lot_lookup,priority:1;not null" json:"account_id"`
	MetalType         MetalType       `gorm:"type:varchar(20);index:idx_lot_lookup,priority:2;not null" json:"metal_type"`
	StorageMode       StorageMode     `gorm:"type:varchar(20);index:idx_lot_lookup,priority:3;not null" json:"storage_mode"`
	Quantity          decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"quantity"`           // 原始数量（千克）
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(20,6);not null" json:"remaining_quantity"` // 剩余数量（千克）
	BarSerial         *string         `gorm:"type:varchar(100)" json:"bar_serial,omitempty"`
	ActiveBarSerial   *string         `gorm:"type:varchar(100);uniqueIndex" json:"-"`
	DepositedAt       time.Time       `gorm:"not null;index" json:"deposited_at"`
}

func (DepositLot) TableName() string {
	return "deposit_lot"
}

// Active 批次是否仍有剩余
func (l *DepositLot) Active() bool {
	return l.RemainingQuantity.IsPositive()
}

// Serial 返回金条编号，非分配批次返回空串
func (l *DepositLot) Serial() string {
	if l.BarSerial == nil {
		return ""
	}
	return *l.BarSerial
}
