package repository

import (
	"context"
	"errors"
	"fmt"

	"custody/internal/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type AccountRepository struct {
	db *gorm.DB
}

func NewAccountRepository(db *gorm.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) Create(ctx context.Context, tx *gorm.DB, account *model.Account) error {
	err := conn(ctx, tx, r.db).Create(account).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: email %s already registered", model.ErrConflict, account.Email)
	}
	return err
}

func (r *AccountRepository) GetByID(ctx context.Context, tx *gorm.DB, id string) (*model.Account, error) {
	var account model.Account
	err := conn(ctx, tx, r.db).Where("id = ?", id).First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
		}
		return nil, err
	}
	return &account, nil
}

// GetByIDForUpdate 在事务中锁定账户行
//
// 存入、提取与删除都先锁账户，删除时的历史检查不会与并发存入交错。
func (r *AccountRepository) GetByIDForUpdate(ctx context.Context, tx *gorm.DB, id string) (*model.Account, error) {
	var account model.Account
	err := conn(ctx, tx, r.db).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ?", id).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: account %s", model.ErrNotFound, id)
		}
		return nil, err
	}
	return &account, nil
}

func (r *AccountRepository) List(ctx context.Context, tx *gorm.DB) ([]*model.Account, error) {
	var accounts []*model.Account
	err := conn(ctx, tx, r.db).Order("created_at DESC").Find(&accounts).Error
	return accounts, err
}

// UpdateProfile 只允许修改名称和邮箱
func (r *AccountRepository) UpdateProfile(ctx context.Context, tx *gorm.DB, id string, name, email *string) error {
	updates := map[string]interface{}{}
	if name != nil {
		updates["name"] = *name
	}
	if email != nil {
		updates["email"] = *email
	}

	// MySQL 在值未变化时 RowsAffected 为 0，存在性由调用方在同一事务中先行确认
	err := conn(ctx, tx, r.db).
		Model(&model.Account{}).
		Where("id = ?", id).
		Updates(updates).Error
	if isDuplicateKey(err) {
		return fmt.Errorf("%w: email already registered", model.ErrConflict)
	}
	return err
}

// HasHistory 账户是否存在任何存入批次或提取记录
func (r *AccountRepository) HasHistory(ctx context.Context, tx *gorm.DB, id string) (bool, error) {
	db := conn(ctx, tx, r.db)

	var lots int64
	if err := db.Model(&model.DepositLot{}).Where("account_id = ?", id).Count(&lots).Error; err != nil {
		return false, err
	}
	if lots > 0 {
		return true, nil
	}

	var withdrawals int64
	if err := db.Model(&model.WithdrawalRecord{}).Where("account_id = ?", id).Count(&withdrawals).Error; err != nil {
		return false, err
	}
	return withdrawals > 0, nil
}

func (r *AccountRepository) Delete(ctx context.Context, tx *gorm.DB, id string) error {
	result := conn(ctx, tx, r.db).Where("id = ?", id).Delete(&model.Account{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: account %s", model.ErrNotFound, id)
	}
	return nil
}
