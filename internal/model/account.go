package model

import (
	"fmt"
	"time"
)

// ClientType 客户类别，决定账户可以使用的存管方式
type ClientType string

const (
	ClientTypeRetail        ClientType = "RETAIL"        // 零售客户，只能使用非分配存管
	ClientTypeInstitutional ClientType = "INSTITUTIONAL" // 机构客户，只能使用分配存管
)

// Valid 判断是否为已知的客户类别
func (c ClientType) Valid() bool {
	return c == ClientTypeRetail || c == ClientTypeInstitutional
}

// UnmarshalText 解码时拒绝未知的客户类别
func (c *ClientType) UnmarshalText(text []byte) error {
	v := ClientType(text)
	if !v.Valid() {
		return fmt.Errorf("%w: unknown client type %q", ErrValidation, string(text))
	}
	*c = v
	return nil
}

// AllowedStorageMode 返回该客户类别唯一允许的存管方式
func (c ClientType) AllowedStorageMode() StorageMode {
	if c == ClientTypeInstitutional {
		return StorageAllocated
	}
	return StorageUnallocated
}

// Account 托管账户表
// 创建后只允许修改名称和联系方式；存在存入或提取记录时不可删除
type Account struct {
	ID         string     `gorm:"type:varchar(36);primaryKey" json:"id"`
	Name       string     `gorm:"type:varchar(255);not null" json:"name"`
	Email      string     `gorm:"type:varchar(255);uniqueIndex;not null" json:"email"`
	ClientType ClientType `gorm:"type:varchar(20);not null" json:"client_type"`
	CreatedAt  time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt  time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Account) TableName() string {
	return "account"
}
