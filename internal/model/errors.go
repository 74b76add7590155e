package model

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ============================================================================
// 错误分类
// ============================================================================
//
// 所有错误原样返回给调用方，不做静默恢复。
// 上层通过 errors.Is 判断类别，由 pkg/response 转换为 HTTP 状态码与业务码。
//
// ============================================================================

var (
	ErrNotFound             = errors.New("not found")
	ErrPolicyViolation      = errors.New("policy violation")
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("conflict")
	ErrInsufficientQuantity = errors.New("insufficient quantity")
	ErrTransaction          = errors.New("transaction failed")
	ErrPriceUnavailable     = errors.New("price unavailable")
)

// InsufficientQuantityError 可用数量不足，携带请求数量与可用数量
type InsufficientQuantityError struct {
	Requested decimal.Decimal
	Available decimal.Decimal
}

func (e *InsufficientQuantityError) Error() string {
	return fmt.Sprintf("insufficient quantity: available %skg, requested %skg",
		e.Available.String(), e.Requested.String())
}

func (e *InsufficientQuantityError) Is(target error) bool {
	return target == ErrInsufficientQuantity
}

// TransactionError 存储层提交或超时失败
// Retryable 为 true 时（超时、死锁、锁等待超时），调用方可在编号尚未被占用时整体重试
type TransactionError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *TransactionError) Error() string {
	if e.Retryable {
		return fmt.Sprintf("transaction failed (retryable) during %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transaction failed during %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error {
	return e.Err
}

func (e *TransactionError) Is(target error) bool {
	return target == ErrTransaction
}

// IsDomainError 判断是否为业务层已分类的错误（非存储层故障）
func IsDomainError(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrPolicyViolation) ||
		errors.Is(err, ErrValidation) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientQuantity) ||
		errors.Is(err, ErrTransaction) ||
		errors.Is(err, ErrPriceUnavailable)
}
