// Package policy 在任何写操作之前执行的业务规则校验。
//
// 所有检查只读不写，并且在随后写操作所在的同一事务中执行。
// 唯一性预检查之外，存储层的唯一索引是最终保障。
package policy

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"custody/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

const (
	MaxNumberLength    = 50
	MaxBarSerialLength = 100
	// MaxQuantityScale 数量最多 6 位小数，与 decimal(20,6) 列一致
	MaxQuantityScale = 6
)

// UniquenessKind 需要唯一的标识种类
type UniquenessKind string

const (
	KindDepositNumber    UniquenessKind = "deposit number"
	KindWithdrawalNumber UniquenessKind = "withdrawal number"
	KindActiveBarSerial  UniquenessKind = "bar serial"
)

// LotLookup 存入批次唯一性查询
type LotLookup interface {
	ExistsByDepositNumber(ctx context.Context, tx *gorm.DB, number string) (bool, error)
	ExistsActiveBarSerial(ctx context.Context, tx *gorm.DB, serial string) (bool, error)
}

// WithdrawalLookup 提取编号唯一性查询
type WithdrawalLookup interface {
	ExistsByNumber(ctx context.Context, tx *gorm.DB, number string) (bool, error)
}

type Guard struct {
	lots        LotLookup
	withdrawals WithdrawalLookup
	maxQuantity decimal.Decimal
}

func NewGuard(lots LotLookup, withdrawals WithdrawalLookup, maxQuantity decimal.Decimal) *Guard {
	return &Guard{
		lots:        lots,
		withdrawals: withdrawals,
		maxQuantity: maxQuantity,
	}
}

// ValidateStorageCompatibility 零售客户只能使用非分配存管，机构客户只能使用分配存管
func (g *Guard) ValidateStorageCompatibility(clientType model.ClientType, mode model.StorageMode) error {
	if !mode.Valid() {
		return fmt.Errorf("%w: unknown storage mode %q", model.ErrValidation, mode)
	}
	if clientType.AllowedStorageMode() != mode {
		return fmt.Errorf("%w: %s clients can only use %s storage",
			model.ErrPolicyViolation, clientType, clientType.AllowedStorageMode())
	}
	return nil
}

// ValidateBarSerialPresence 存入时的金条编号形态：ALLOCATED 必填，UNALLOCATED 不得提供
func (g *Guard) ValidateBarSerialPresence(mode model.StorageMode, barSerial string) error {
	serial := strings.TrimSpace(barSerial)
	switch mode {
	case model.StorageAllocated:
		if serial == "" {
			return fmt.Errorf("%w: bar serial is required for ALLOCATED storage", model.ErrValidation)
		}
		return validateSerialLength(serial)
	case model.StorageUnallocated:
		if barSerial != "" {
			return fmt.Errorf("%w: bar serial must not be provided for UNALLOCATED storage", model.ErrValidation)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown storage mode %q", model.ErrValidation, mode)
}

// ValidateWithdrawalBarSerial 提取时的金条编号形态：ALLOCATED 可选（不填则系统选择），UNALLOCATED 不得提供
func (g *Guard) ValidateWithdrawalBarSerial(mode model.StorageMode, barSerial string) error {
	barSerial = strings.TrimSpace(barSerial)
	switch mode {
	case model.StorageAllocated:
		if barSerial == "" {
			return nil
		}
		return validateSerialLength(barSerial)
	case model.StorageUnallocated:
		if barSerial != "" {
			return fmt.Errorf("%w: bar serial must not be provided for UNALLOCATED storage", model.ErrValidation)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown storage mode %q", model.ErrValidation, mode)
}

// ValidateQuantity 数量必须大于 0、不超过上限且最多 6 位小数
func (g *Guard) ValidateQuantity(quantity decimal.Decimal) error {
	if !quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be greater than 0", model.ErrValidation)
	}
	if !quantity.Equal(quantity.Truncate(MaxQuantityScale)) {
		return fmt.Errorf("%w: quantity cannot have more than %d decimal places", model.ErrValidation, MaxQuantityScale)
	}
	if g.maxQuantity.IsPositive() && quantity.GreaterThan(g.maxQuantity) {
		return fmt.Errorf("%w: quantity cannot exceed %s kg", model.ErrValidation, g.maxQuantity.String())
	}
	return nil
}

// ValidateNumber 存入/提取编号：非空且不超过 50 个字符
func (g *Guard) ValidateNumber(kind UniquenessKind, number string) error {
	if strings.TrimSpace(number) == "" {
		return fmt.Errorf("%w: %s is required", model.ErrValidation, kind)
	}
	if utf8.RuneCountInString(number) > MaxNumberLength {
		return fmt.Errorf("%w: %s cannot exceed %d characters", model.ErrValidation, kind, MaxNumberLength)
	}
	return nil
}

// ValidateUniqueness 标识已被在用记录占用时返回 ErrConflict
func (g *Guard) ValidateUniqueness(ctx context.Context, tx *gorm.DB, kind UniquenessKind, identifier string) error {
	var (
		exists bool
		err    error
	)

	switch kind {
	case KindDepositNumber:
		exists, err = g.lots.ExistsByDepositNumber(ctx, tx, identifier)
	case KindWithdrawalNumber:
		exists, err = g.withdrawals.ExistsByNumber(ctx, tx, identifier)
	case KindActiveBarSerial:
		exists, err = g.lots.ExistsActiveBarSerial(ctx, tx, identifier)
	default:
		return fmt.Errorf("%w: unknown uniqueness kind %q", model.ErrValidation, kind)
	}

	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s %s already exists", model.ErrConflict, kind, identifier)
	}
	return nil
}

func validateSerialLength(serial string) error {
	if utf8.RuneCountInString(serial) > MaxBarSerialLength {
		return fmt.Errorf("%w: bar serial cannot exceed %d characters", model.ErrValidation, MaxBarSerialLength)
	}
	return nil
}
