package service

import (
	"context"

	"custody/internal/model"
	"custody/internal/pricing"
	"custody/internal/repository"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ValuationService 按当前价格对在库批次估值，只读
type ValuationService struct {
	store       *repository.Store
	prices      pricing.Source
	accountRepo *repository.AccountRepository
	lotRepo     *repository.LotRepository
}

func NewValuationService(store *repository.Store, prices pricing.Source) *ValuationService {
	db := store.DB()
	return &ValuationService{
		store:       store,
		prices:      prices,
		accountRepo: repository.NewAccountRepository(db),
		lotRepo:     repository.NewLotRepository(db),
	}
}

// LotValuation 单个批次的估值
type LotValuation struct {
	LotID         int64             `json:"lot_id"`
	DepositNumber string            `json:"deposit_number"`
	MetalType     model.MetalType   `json:"metal_type"`
	StorageMode   model.StorageMode `json:"storage_mode"`
	Quantity      decimal.Decimal   `json:"quantity"`
	PricePerKg    decimal.Decimal   `json:"price_per_kg"`
	Value         decimal.Decimal   `json:"value"`
	BarSerial     *string           `json:"bar_serial,omitempty"`
}

// MetalHolding 某种金属的汇总
type MetalHolding struct {
	Quantity decimal.Decimal `json:"quantity"`
	Value    decimal.Decimal `json:"value"`
	Lots     int             `json:"lots"`
}

type AccountValuation struct {
	AccountID   string                            `json:"account_id"`
	AccountName string                            `json:"account_name"`
	ClientType  model.ClientType                  `json:"client_type"`
	Lots        []LotValuation                    `json:"lots"`
	Summary     map[model.MetalType]*MetalHolding `json:"summary"`
	TotalValue  decimal.Decimal                   `json:"total_value"`
}

type PlatformValuation struct {
	Accounts     []*AccountValuation `json:"accounts"`
	AccountCount int                 `json:"account_count"`
	GrandTotal   decimal.Decimal     `json:"grand_total"`
}

type MetalValuationLine struct {
	MetalType     model.MetalType `json:"metal_type"`
	TotalQuantity decimal.Decimal `json:"total_quantity"`
	PricePerKg    decimal.Decimal `json:"price_per_kg"`
	TotalValue    decimal.Decimal `json:"total_value"`
	LotCount      int             `json:"lot_count"`
	AccountCount  int             `json:"account_count"`
}

type MetalValuation struct {
	Metals     []MetalValuationLine `json:"metals"`
	GrandTotal decimal.Decimal      `json:"grand_total"`
}

func (s *ValuationService) AccountValuation(ctx context.Context, accountID string) (*AccountValuation, error) {
	var (
		account *model.Account
		lots    []*model.DepositLot
	)
	err := s.store.Snapshot(ctx, "account valuation", func(tx *gorm.DB) error {
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
	return s.valueAccount(ctx, account, lots)
}

// PlatformValuation 所有账户的估值，没有在库批次的账户总值为 0
func (s *ValuationService) PlatformValuation(ctx context.Context) (*PlatformValuation, error) {
	var (
		accounts []*model.Account
		lots     []*model.DepositLot
	)
	err := s.store.Snapshot(ctx, "platform valuation", func(tx *gorm.DB) error {
		var err error
		if accounts, err = s.accountRepo.List(ctx, tx); err != nil {
			return err
		}
		lots, err = s.lotRepo.Find(ctx, tx, repository.LotFilter{ActiveOnly: true})
		return err
	})
	if err != nil {
		return nil, err
	}

	byAccount := make(map[string][]*model.DepositLot)
	for _, lot := range lots {
		byAccount[lot.AccountID] = append(byAccount[lot.AccountID], lot)
	}

	out := &PlatformValuation{
		Accounts:   make([]*AccountValuation, 0, len(accounts)),
		GrandTotal: decimal.Zero,
	}
	for _, account := range accounts {
		v, err := s.valueAccount(ctx, account, byAccount[account.ID])
		if err != nil {
			return nil, err
		}
		out.Accounts = append(out.Accounts, v)
		out.GrandTotal = out.GrandTotal.Add(v.TotalValue)
	}
	out.AccountCount = len(out.Accounts)
	return out, nil
}

// MetalValuation 按金属汇总，没有在库批次的金属不出现
func (s *ValuationService) MetalValuation(ctx context.Context) (*MetalValuation, error) {
	lots, err := s.lotRepo.Find(ctx, nil, repository.LotFilter{ActiveOnly: true})
	if err != nil {
		return nil, err
	}

	type acc struct {
		quantity decimal.Decimal
		lots     int
		accounts map[string]struct{}
	}
	totals := make(map[model.MetalType]*acc)
	for _, lot := range lots {
		a, ok := totals[lot.MetalType]
		if !ok {
			a = &acc{quantity: decimal.Zero, accounts: make(map[string]struct{})}
			totals[lot.MetalType] = a
		}
		a.quantity = a.quantity.Add(lot.RemainingQuantity)
		a.lots++
		a.accounts[lot.AccountID] = struct{}{}
	}

	out := &MetalValuation{Metals: []MetalValuationLine{}, GrandTotal: decimal.Zero}
	for _, metal := range model.MetalTypes {
		a, ok := totals[metal]
		if !ok {
			continue
		}
		price, err := s.prices.Price(ctx, metal)
		if err != nil {
			return nil, err
		}
		value := a.quantity.Mul(price)
		out.Metals = append(out.Metals, MetalValuationLine{
			MetalType:     metal,
			TotalQuantity: a.quantity,
			PricePerKg:    price,
			TotalValue:    value,
			LotCount:      a.lots,
			AccountCount:  len(a.accounts),
		})
		out.GrandTotal = out.GrandTotal.Add(value)
	}
	return out, nil
}

// Prices 当前价格表
func (s *ValuationService) Prices(ctx context.Context) (map[model.MetalType]decimal.Decimal, error) {
	return s.prices.Prices(ctx)
}

func (s *ValuationService) valueAccount(ctx context.Context, account *model.Account, lots []*model.DepositLot) (*AccountValuation, error) {
	out := &AccountValuation{
		AccountID:   account.ID,
		AccountName: account.Name,
		ClientType:  account.ClientType,
		Lots:        make([]LotValuation, 0, len(lots)),
		Summary:     make(map[model.MetalType]*MetalHolding),
		TotalValue:  decimal.Zero,
	}

	for _, lot := range lots {
		if !lot.Active() {
			continue
		}
		price, err := s.prices.Price(ctx, lot.MetalType)
		if err != nil {
			return nil, err
		}
		value := lot.RemainingQuantity.Mul(price)

		out.Lots = append(out.Lots, LotValuation{
			LotID:         lot.ID,
			DepositNumber: lot.DepositNumber,
			MetalType:     lot.MetalType,
			StorageMode:   lot.StorageMode,
			Quantity:      lot.RemainingQuantity,
			PricePerKg:    price,
			Value:         value,
			BarSerial:     lot.BarSerial,
		})

		h, ok := out.Summary[lot.MetalType]
		if !ok {
			h = &MetalHolding{Quantity: decimal.Zero, Value: decimal.Zero}
			out.Summary[lot.MetalType] = h
		}
		h.Quantity = h.Quantity.Add(lot.RemainingQuantity)
		h.Value = h.Value.Add(value)
		h.Lots++

		out.TotalValue = out.TotalValue.Add(value)
	}
	return out, nil
}
