package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LotFilter 存入批次查询条件，零值字段不参与过滤
type LotFilter struct {
	AccountID   string
	MetalType   model.MetalType
	StorageMode model.StorageMode
	ActiveOnly  bool // 只查询剩余数量 > 0 的批次
	From        *time.Time
	To          *time.Time
	NewestFirst bool // 默认按存入时间升序（FIFO）
}

type LotRepository struct {
	db *gorm.DB
}

func NewLotRepository(db *gorm.DB) *LotRepository {
	return &LotRepository{db: db}
}

func (r *LotRepository) Create(ctx context.Context, tx *gorm.DB, lot *model.DepositLot) error {
	err := conn(ctx, tx, r.db).Create(lot).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: deposit number %s or bar serial already in custody", model.ErrConflict, lot.DepositNumber)
	}
	return err
}

func (r *LotRepository) GetByID(ctx context.Context, tx *gorm.DB, id int64) (*model.DepositLot, error) {
	var lot model.DepositLot
	err := conn(ctx, tx, r.db).Where("id = ?", id).First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: deposit lot %d", model.ErrNotFound, id)
		}
		return nil, err
	}
	return &lot, nil
}

func (r *LotRepository) ExistsByDepositNumber(ctx context.Context, tx *gorm.DB, number string) (bool, error) {
	var count int64
	err := conn(ctx, tx, r.db).
		Model(&model.DepositLot{}).
		Where("deposit_number = ?", number).
		Count(&count).Error
	return count > 0, err
}

// ExistsActiveBarSerial 金条编号是否仍在库（剩余数量 > 0）
func (r *LotRepository) ExistsActiveBarSerial(ctx context.Context, tx *gorm.DB, serial string) (bool, error) {
	var count int64
	err := conn(ctx, tx, r.db).
		Model(&model.DepositLot{}).
		Where("active_bar_serial = ?", serial).
		Count(&count).Error
	return count > 0, err
}

// Find 按条件查询批次，默认按存入时间升序、ID 升序
func (r *LotRepository) Find(ctx context.Context, tx *gorm.DB, f LotFilter) ([]*model.DepositLot, error) {
	query := conn(ctx, tx, r.db).Model(&model.DepositLot{})

	if f.AccountID != "" {
		query = query.Where("account_id = ?", f.AccountID)
	}
	if f.MetalType != "" {
		query = query.Where("metal_type = ?", f.MetalType)
	}
	if f.StorageMode != "" {
		query = query.Where("storage_mode = ?", f.StorageMode)
	}
	if f.ActiveOnly {
		query = query.Where("remaining_quantity > ?", decimal.Zero)
	}
	if f.From != nil {
		query = query.Where("deposited_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("deposited_at <= ?", *f.To)
	}

	if f.NewestFirst {
		query = query.Order("deposited_at DESC").Order("id DESC")
	} else {
		query = query.Order("deposited_at ASC").Order("id ASC")
	}

	var lots []*model.DepositLot
	err := query.Find(&lots).Error
	return lots, err
}

// FindActive 查询可提取的候选批次（FIFO 顺序）
func (r *LotRepository) FindActive(ctx context.Context, tx *gorm.DB, accountID string, metal model.MetalType, mode model.StorageMode) ([]*model.DepositLot, error) {
	return r.Find(ctx, tx, LotFilter{
		AccountID:   accountID,
		MetalType:   metal,
		StorageMode: mode,
		ActiveOnly:  true,
	})
}

// DecrementRemaining 扣减批次剩余数量
//
// 先锁定批次行，新剩余数量在内存中用 decimal 精确计算后写回；
// 更新条件带上读到的旧值，批次在此期间被改动时不会覆盖。
// 批次归零时清空 active_bar_serial，释放在库金条编号的唯一约束。
func (r *LotRepository) DecrementRemaining(ctx context.Context, tx *gorm.DB, lotID int64, amount decimal.Decimal) error {
	db := conn(ctx, tx, r.db)

	var lot model.DepositLot
	err := db.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", lotID).First(&lot).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: deposit lot %d", model.ErrNotFound, lotID)
		}
		return err
	}

	remaining := lot.RemainingQuantity.Sub(amount)
	if remaining.IsNegative() {
		return &model.InsufficientQuantityError{
			Requested: amount,
			Available: lot.RemainingQuantity,
		}
	}

	updates := map[string]interface{}{"remaining_quantity": remaining}
	if remaining.IsZero() {
		updates["active_bar_serial"] = nil
	}

	result := db.Model(&model.DepositLot{}).
		Where("id = ? AND remaining_quantity = ?", lotID, lot.RemainingQuantity).
		Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: deposit lot %d changed during withdrawal", model.ErrConflict, lotID)
	}
	return nil
}
