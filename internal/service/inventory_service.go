package service

import (
	"context"
	"fmt"
	"time"

	"custody/internal/model"
	"custody/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// InventoryService 库存视图与审计记录，只读
type InventoryService struct {
	store          *repository.Store
	accountRepo    *repository.AccountRepository
	lotRepo        *repository.LotRepository
	withdrawalRepo *repository.WithdrawalRepository
}

func NewInventoryService(store *repository.Store) *InventoryService {
	db := store.DB()
	return &InventoryService{
		store:          store,
		accountRepo:    repository.NewAccountRepository(db),
		lotRepo:        repository.NewLotRepository(db),
		withdrawalRepo: repository.NewWithdrawalRepository(db),
	}
}

// StorageTotals 某种存管方式的汇总；分配存管时 Lots 即金条数
type StorageTotals struct {
	Quantity     decimal.Decimal `json:"quantity"`
	Lots         int             `json:"lots"`
	AccountCount int             `json:"account_count"`
}

type MetalInventory struct {
	MetalType     model.MetalType `json:"metal_type"`
	Allocated     StorageTotals   `json:"allocated"`
	Unallocated   StorageTotals   `json:"unallocated"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
}

type InventorySummary struct {
	Metals        []MetalInventory `json:"metals"`
	TotalLots     int              `json:"total_lots"`
	TotalAccounts int              `json:"total_accounts"`
}

// Holding 账户持有的某种金属
type Holding struct {
	MetalType     model.MetalType     `json:"metal_type"`
	TotalQuantity decimal.Decimal     `json:"total_quantity"`
	Allocated     decimal.Decimal     `json:"allocated"`
	Unallocated   decimal.Decimal     `json:"unallocated"`
	Lots          []*model.DepositLot `json:"lots"`
}

type AccountInventory struct {
	Account   *model.Account `json:"account"`
	Holdings  []Holding      `json:"holdings"`
	TotalLots int            `json:"total_lots"`
}

type MetalDetail struct {
	MetalType        model.MetalType     `json:"metal_type"`
	TotalQuantity    decimal.Decimal     `json:"total_quantity"`
	AllocatedBars    []*model.DepositLot `json:"allocated_bars"`
	AllocatedTotal   decimal.Decimal     `json:"allocated_total"`
	UnallocatedLots  []*model.DepositLot `json:"unallocated_lots"`
	UnallocatedTotal decimal.Decimal     `json:"unallocated_total"`
}

// PoolSummary 非分配存管池
type PoolSummary struct {
	MetalType     model.MetalType `json:"metal_type"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	LotCount      int             `json:"lot_count"`
	AccountCount  int             `json:"account_count"`
}

// AuditFilter 审计查询条件，零值字段不参与过滤
type AuditFilter struct {
	AccountID string
	MetalType model.MetalType
	From      *time.Time
	To        *time.Time
}

const (
	AuditDeposit    = "DEPOSIT"
	AuditWithdrawal = "WITHDRAWAL"
)

// AuditEntry 一条存入或提取记录
type AuditEntry struct {
	Type              string            `json:"type"`
	ID                int64             `json:"id"`
	Number            string            `json:"number"`
	AccountID         string            `json:"account_id"`
	AccountName       string            `json:"account_name"`
	MetalType         model.MetalType   `json:"metal_type"`
	StorageMode       model.StorageMode `json:"storage_mode"`
	Quantity          decimal.Decimal   `json:"quantity"`
	RemainingQuantity *decimal.Decimal  `json:"remaining_quantity,omitempty"`
	DepositLotID      *int64            `json:"deposit_lot_id,omitempty"`
	BarSerial         *string           `json:"bar_serial,omitempty"`
	Date              time.Time         `json:"date"`
}

type AuditTrail struct {
	Deposits    []AuditEntry `json:"deposits"`
	Withdrawals []AuditEntry `json:"withdrawals"`
}

// Summary 平台库存总览，只统计在库批次
func (s *InventoryService) Summary(ctx context.Context) (*InventorySummary, error) {
	lots, err := s.lotRepo.Find(ctx, nil, repository.LotFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	type storageAcc struct {
		totals   StorageTotals
		accounts map[string]struct{}
	}
	newAcc := func() *storageAcc {
		return &storageAcc{totals: StorageTotals{Quantity: decimal.Zero}, accounts: make(map[string]struct{})}
	}

	byMetal := make(map[model.MetalType]map[model.StorageMode]*storageAcc)
	accounts := make(map[string]struct{})
	for _, lot := range lots {
		modes, ok := byMetal[lot.MetalType]
		if !ok {
			modes = map[model.StorageMode]*storageAcc{
				model.StorageAllocated:   newAcc(),
				model.StorageUnallocated: newAcc(),
			}
			byMetal[lot.MetalType] = modes
		}
		a, ok := modes[lot.StorageMode]
		if !ok {
			continue
		}
		a.totals.Quantity = a.totals.Quantity.Add(lot.RemainingQuantity)
		a.totals.Lots++
		a.accounts[lot.AccountID] = struct{}{}
		accounts[lot.AccountID] = struct{}{}
	}

	out := &InventorySummary{Metals: []MetalInventory{}, TotalLots: len(lots), TotalAccounts: len(accounts)}
	for _, metal := range model.MetalTypes {
		modes, ok := byMetal[metal]
		if !ok {
			continue
		}
		allocated, unallocated := modes[model.StorageAllocated], modes[model.StorageUnallocated]
		allocated.totals.AccountCount = len(allocated.accounts)
		unallocated.totals.AccountCount = len(unallocated.accounts)

		out.Metals = append(out.Metals, MetalInventory{
			MetalType:     metal,
			Allocated:     allocated.totals,
			Unallocated:   unallocated.totals,
			TotalQuantity: allocated.totals.Quantity.Add(unallocated.totals.Quantity),
		})
	}
	return out, nil
}

// AccountInventory 账户按金属分组的在库批次
func (s *InventoryService) AccountInventory(ctx context.Context, accountID string) (*AccountInventory, error) {
	var (
		account *model.Account
		lots    []*model.DepositLot
	)
	err := s.store.Snapshot(ctx, "account inventory", func(tx *gorm.DB) error {
		var err error
		if account, err = s.accountRepo.GetByID(ctx, tx, accountID); err != nil {
			return err
		}
		lots, err = s.lotRepo.Find(ctx, tx, repository.LotFilter{AccountID: accountID, ActiveOnly: true})
		return err
	})
	if err != nil {
		return nil, err
	}

	holdings := make(map[model.MetalType]*Holding)
	for _, lot := range lots {
		h, ok := holdings[lot.MetalType]
		if !ok {
			h = &Holding{
				MetalType:     lot.MetalType,
				TotalQuantity: decimal.Zero,
				Allocated:     decimal.Zero,
				Unallocated:   decimal.Zero,
			}
			holdings[lot.MetalType] = h
		}
		h.TotalQuantity = h.TotalQuantity.Add(lot.RemainingQuantity)
		if lot.StorageMode == model.StorageAllocated {
			h.Allocated = h.Allocated.Add(lot.RemainingQuantity)
		} else {
			h.Unallocated = h.Unallocated.Add(lot.RemainingQuantity)
		}
		h.Lots = append(h.Lots, lot)
	}

	out := &AccountInventory{Account: account, Holdings: []Holding{}, TotalLots: len(lots)}
	for _, metal := range model.MetalTypes {
		if h, ok := holdings[metal]; ok {
			out.Holdings = append(out.Holdings, *h)
		}
	}
	return out, nil
}

// ByMetal 某种金属的分配金条与非分配批次
func (s *InventoryService) ByMetal(ctx context.Context, metal model.MetalType) (*MetalDetail, error) {
	if !metal.Valid() {
		return nil, fmt.Errorf("%w: unknown metal type %q", model.ErrValidation, metal)
	}
	lots, err := s.lotRepo.Find(ctx, nil, repository.LotFilter{MetalType: metal, ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	out := &MetalDetail{
		MetalType:        metal,
		TotalQuantity:    decimal.Zero,
		AllocatedBars:    []*model.DepositLot{},
		AllocatedTotal:   decimal.Zero,
		UnallocatedLots:  []*model.DepositLot{},
		UnallocatedTotal: decimal.Zero,
	}
	for _, lot := range lots {
		out.TotalQuantity = out.TotalQuantity.Add(lot.RemainingQuantity)
		if lot.StorageMode == model.StorageAllocated {
			out.AllocatedBars = append(out.AllocatedBars, lot)
			out.AllocatedTotal = out.AllocatedTotal.Add(lot.RemainingQuantity)
		} else {
			out.UnallocatedLots = append(out.UnallocatedLots, lot)
			out.UnallocatedTotal = out.UnallocatedTotal.Add(lot.RemainingQuantity)
		}
	}
	return out, nil
}

// AllocatedBars 在库金条，最新存入的在前；metal 为空时返回全部金属
func (s *InventoryService) AllocatedBars(ctx context.Context, metal model.MetalType) ([]*model.DepositLot, error) {
	if metal != "" && !metal.Valid() {
		return nil, fmt.Errorf("%w: unknown metal type %q", model.ErrValidation, metal)
	}
	return s.lotRepo.Find(ctx, nil, repository.LotFilter{
		MetalType:   metal,
		StorageMode: model.StorageAllocated,
		ActiveOnly:  true,
		NewestFirst: true,
	})
}

// UnallocatedPool 非分配存管池按金属汇总；metal 为空时返回全部金属
func (s *InventoryService) UnallocatedPool(ctx context.Context, metal model.MetalType) ([]PoolSummary, error) {
	if metal != "" && !metal.Valid() {
		return nil, fmt.Errorf("%w: unknown metal type %q", model.ErrValidation, metal)
	}
	lots, err := s.lotRepo.Find(ctx, nil, repository.LotFilter{
		MetalType:   metal,
		StorageMode: model.StorageUnallocated,
		ActiveOnly:  true,
	})
	if err != nil {
		return nil, err
	}

	pools := make(map[model.MetalType]*PoolSummary)
	accounts := make(map[model.MetalType]map[string]struct{})
	for _, lot := range lots {
		p, ok := pools[lot.MetalType]
		if !ok {
			p = &PoolSummary{MetalType: lot.MetalType, TotalQuantity: decimal.Zero}
			pools[lot.MetalType] = p
			accounts[lot.MetalType] = make(map[string]struct{})
		}
		p.TotalQuantity = p.TotalQuantity.Add(lot.RemainingQuantity)
		p.LotCount++
		accounts[lot.MetalType][lot.AccountID] = struct{}{}
	}

	out := []PoolSummary{}
	for _, m := range model.MetalTypes {
		if p, ok := pools[m]; ok {
			p.AccountCount = len(accounts[m])
			out = append(out, *p)
		}
	}
	return out, nil
}

// AuditTrail 存入与提取记录，包含已提空的批次，最新的在前
func (s *InventoryService) AuditTrail(ctx context.Context, f AuditFilter) (*AuditTrail, error) {
	if f.MetalType != "" && !f.MetalType.Valid() {
		return nil, fmt.Errorf("%w: unknown metal type %q", model.ErrValidation, f.MetalType)
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return nil, fmt.Errorf("%w: from must not be after to", model.ErrValidation)
	}

	var (
		accounts    []*model.Account
		lots        []*model.DepositLot
		withdrawals []*model.WithdrawalRecord
	)
	err := s.store.Snapshot(ctx, "audit trail", func(tx *gorm.DB) error {
		var err error
		if accounts, err = s.accountRepo.List(ctx, tx); err != nil {
			return err
		}
		lots, err = s.lotRepo.Find(ctx, tx, repository.LotFilter{
			AccountID:   f.AccountID,
			MetalType:   f.MetalType,
			From:        f.From,
			To:          f.To,
			NewestFirst: true,
		})
		if err != nil {
			return err
		}
		withdrawals, err = s.withdrawalRepo.Find(ctx, tx, repository.WithdrawalFilter{
			AccountID: f.AccountID,
			MetalType: f.MetalType,
			From:      f.From,
			To:        f.To,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(accounts))
	for _, a := range accounts {
		names[a.ID] = a.Name
	}

	out := &AuditTrail{
		Deposits:    make([]AuditEntry, 0, len(lots)),
		Withdrawals: make([]AuditEntry, 0, len(withdrawals)),
	}
	for _, lot := range lots {
		remaining := lot.RemainingQuantity
		out.Deposits = append(out.Deposits, AuditEntry{
			Type:              AuditDeposit,
			ID:                lot.ID,
			Number:            lot.DepositNumber,
			AccountID:         lot.AccountID,
			AccountName:       names[lot.AccountID],
			MetalType:         lot.MetalType,
			StorageMode:       lot.StorageMode,
			Quantity:          lot.Quantity,
			RemainingQuantity: &remaining,
			BarSerial:         lot.BarSerial,
			Date:              lot.DepositedAt,
		})
	}
	for _, rec := range withdrawals {
		out.Withdrawals = append(out.Withdrawals, AuditEntry{
			Type:         AuditWithdrawal,
			ID:           rec.ID,
			Number:       rec.WithdrawalNumber,
			AccountID:    rec.AccountID,
			AccountName:  names[rec.AccountID],
			MetalType:    rec.MetalType,
			StorageMode:  rec.StorageMode,
			Quantity:     rec.Quantity,
			DepositLotID: rec.DepositLotID,
			BarSerial:    rec.BarSerial,
			Date:         rec.WithdrawnAt,
		})
	}

	return out, nil
}
