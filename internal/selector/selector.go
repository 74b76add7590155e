// Package selector 决定一次提取从哪些存入批次扣减。
//
// 纯函数，不访问存储：候选批次由调用方在事务内查询后传入。
// 批次按存入时间升序（FIFO）消耗，存入时间相同时按 ID 升序。
package selector

import (
	"fmt"
	"sort"

	"custody/internal/model"

	"github.com/shopspring/decimal"
)

// Request 提取请求中与选批相关的部分
type Request struct {
	AccountID   string
	MetalType   model.MetalType
	StorageMode model.StorageMode
	Quantity    decimal.Decimal
	BarSerial   string // 仅 ALLOCATED 可指定
}

// Debit 扣减计划中的一项：从 Lot 扣减 Amount
type Debit struct {
	Lot    *model.DepositLot
	Amount decimal.Decimal
}

// Plan 生成扣减计划，各项金额之和等于请求数量
func Plan(candidates []*model.DepositLot, req Request) ([]Debit, error) {
	if !req.Quantity.IsPositive() {
		return nil, fmt.Errorf("%w: quantity must be greater than 0", model.ErrValidation)
	}

	lots := eligible(candidates, req)
	if len(lots) == 0 {
		return nil, fmt.Errorf("%w: no %s deposits found for account %s", model.ErrNotFound, req.MetalType, req.AccountID)
	}

	switch req.StorageMode {
	case model.StorageAllocated:
		return planAllocated(lots, req)
	case model.StorageUnallocated:
		return planUnallocated(lots, req)
	default:
		return nil, fmt.Errorf("%w: unknown storage mode %q", model.ErrValidation, req.StorageMode)
	}
}

// eligible 过滤出属于该账户、金属、存管方式且仍有剩余的批次，并按 FIFO 排序
func eligible(candidates []*model.DepositLot, req Request) []*model.DepositLot {
	lots := make([]*model.DepositLot, 0, len(candidates))
	for _, lot := range candidates {
		if lot == nil || !lot.Active() {
			continue
		}
		if lot.AccountID != req.AccountID || lot.MetalType != req.MetalType || lot.StorageMode != req.StorageMode {
			continue
		}
		lots = append(lots, lot)
	}

	sort.SliceStable(lots, func(i, j int) bool {
		if !lots[i].DepositedAt.Equal(lots[j].DepositedAt) {
			return lots[i].DepositedAt.Before(lots[j].DepositedAt)
		}
		return lots[i].ID < lots[j].ID
	})
	return lots
}

// planAllocated 分配存管：只选一根金条
// 指定编号时选择该金条，否则选择最早存入的一根
func planAllocated(lots []*model.DepositLot, req Request) ([]Debit, error) {
	selected := lots[0]
	if req.BarSerial != "" {
		selected = nil
		for _, lot := range lots {
			if lot.Serial() == req.BarSerial {
				selected = lot
				break
			}
		}
		if selected == nil {
			return nil, fmt.Errorf("%w: bar serial %s not found or already withdrawn", model.ErrNotFound, req.BarSerial)
		}
	}

	if req.Quantity.GreaterThan(selected.RemainingQuantity) {
		return nil, &model.InsufficientQuantityError{
			Requested: req.Quantity,
			Available: selected.RemainingQuantity,
		}
	}

	return []Debit{{Lot: selected, Amount: req.Quantity}}, nil
}

// planUnallocated 非分配存管：按 FIFO 跨批次扣减
func planUnallocated(lots []*model.DepositLot, req Request) ([]Debit, error) {
	total := decimal.Zero
	for _, lot := range lots {
		total = total.Add(lot.RemainingQuantity)
	}
	if req.Quantity.GreaterThan(total) {
		return nil, &model.InsufficientQuantityError{
			Requested: req.Quantity,
			Available: total,
		}
	}

	left := req.Quantity
	plan := make([]Debit, 0, len(lots))
	for _, lot := range lots {
		if !left.IsPositive() {
			break
		}
		amount := decimal.Min(left, lot.RemainingQuantity)
		plan = append(plan, Debit{Lot: lot, Amount: amount})
		left = left.Sub(amount)
	}
	return plan, nil
}
