package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"custody/internal/model"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// WithdrawalFilter 提取记录查询条件，零值字段不参与过滤
type WithdrawalFilter struct {
	AccountID     string
	RequestNumber string // 精确匹配原始请求编号
	NumberPrefix  string // 提取编号前缀
	MetalType     model.MetalType
	DepositLotID  *int64
	From          *time.Time
	To            *time.Time
}

type WithdrawalRepository struct {
	db *gorm.DB
}

func NewWithdrawalRepository(db *gorm.DB) *WithdrawalRepository {
	return &WithdrawalRepository{db: db}
}

func (r *WithdrawalRepository) Create(ctx context.Context, tx *gorm.DB, rec *model.WithdrawalRecord) error {
	err := conn(ctx, tx, r.db).Create(rec).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: withdrawal number %s already exists", model.ErrConflict, rec.WithdrawalNumber)
	}
	return err
}

// ExistsByNumber 编号是否已被使用（作为提取编号或原始请求编号）
func (r *WithdrawalRepository) ExistsByNumber(ctx context.Context, tx *gorm.DB, number string) (bool, error) {
	var count int64
	err := conn(ctx, tx, r.db).
		Model(&model.WithdrawalRecord{}).
		Where("withdrawal_number = ? OR request_number = ?", number, number).
		Count(&count).Error
	return count > 0, err
}

func (r *WithdrawalRepository) GetByID(ctx context.Context, id int64) (*model.WithdrawalRecord, error) {
	var rec model.WithdrawalRecord
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: withdrawal %d", model.ErrNotFound, id)
		}
		return nil, err
	}
	return &rec, nil
}

// Find 按条件查询提取记录，最新的在前；同一请求内按序号升序
func (r *WithdrawalRepository) Find(ctx context.Context, tx *gorm.DB, f WithdrawalFilter) ([]*model.WithdrawalRecord, error) {
	query := conn(ctx, tx, r.db).Model(&model.WithdrawalRecord{})

	if f.AccountID != "" {
		query = query.Where("account_id = ?", f.AccountID)
	}
	if f.RequestNumber != "" {
		query = query.Where("request_number = ?", f.RequestNumber)
	}
	if f.NumberPrefix != "" {
		query = query.Where("withdrawal_number LIKE ? ESCAPE '!'", likePrefix(f.NumberPrefix))
	}
	if f.MetalType != "" {
		query = query.Where("metal_type = ?", f.MetalType)
	}
	if f.DepositLotID != nil {
		query = query.Where("deposit_lot_id = ?", *f.DepositLotID)
	}
	if f.From != nil {
		query = query.Where("withdrawn_at >= ?", *f.From)
	}
	if f.To != nil {
		query = query.Where("withdrawn_at <= ?", *f.To)
	}

	var records []*model.WithdrawalRecord
	err := query.
		Order("withdrawn_at DESC").
		Order("request_number ASC").
		Order("sequence ASC").
		Find(&records).Error
	return records, err
}

// SumByLot 按批次汇总已提取数量，用于对账
func (r *WithdrawalRepository) SumByLot(ctx context.Context, tx *gorm.DB) (map[int64]decimal.Decimal, error) {
	var rows []struct {
		DepositLotID *int64
		Quantity     decimal.Decimal
	}
	err := conn(ctx, tx, r.db).
		Model(&model.WithdrawalRecord{}).
		Select("deposit_lot_id", "quantity").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	sums := make(map[int64]decimal.Decimal)
	for _, row := range rows {
		if row.DepositLotID == nil {
			continue
		}
		sums[*row.DepositLotID] = sums[*row.DepositLotID].Add(row.Quantity)
	}
	return sums, nil
}
