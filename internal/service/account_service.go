package service

import (
	"context"
	"fmt"
	"strings"

	"custody/internal/model"
	"custody/internal/repository"
	"custody/pkg/logger"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type AccountService struct {
	store          *repository.Store
	log            *zap.Logger
	validate       *validator.Validate
	accountRepo    *repository.AccountRepository
	lotRepo        *repository.LotRepository
	withdrawalRepo *repository.WithdrawalRepository
}

func NewAccountService(store *repository.Store, log *zap.Logger) *AccountService {
	db := store.DB()
	return &AccountService{
		store:          store,
		log:            logger.OrNop(log),
		validate:       validator.New(),
		accountRepo:    repository.NewAccountRepository(db),
		lotRepo:        repository.NewLotRepository(db),
		withdrawalRepo: repository.NewWithdrawalRepository(db),
	}
}

type CreateAccountRequest struct {
	Name       string           `json:"name" binding:"required,max=255"`
	Email      string           `json:"email" binding:"required,email,max=255"`
	ClientType model.ClientType `json:"client_type" binding:"required"`
}

// UpdateAccountRequest 只允许修改名称和邮箱，至少提供一项
type UpdateAccountRequest struct {
	Name  *string `json:"name" binding:"omitempty,max=255"`
	Email *string `json:"email" binding:"omitempty,email,max=255"`
}

// AccountDetail 账户及其在库批次、提取记录
type AccountDetail struct {
	*model.Account
	ActiveLots  []*model.DepositLot       `json:"active_lots"`
	Withdrawals []*model.WithdrawalRecord `json:"withdrawals"`
}

func (s *AccountService) CreateAccount(ctx context.Context, req *CreateAccountRequest) (*model.Account, error) {
	name, err := s.checkName(req.Name)
	if err != nil {
		return nil, err
	}
	email, err := s.checkEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if !req.ClientType.Valid() {
		return nil, fmt.Errorf("%w: unknown client type %q", model.ErrValidation, req.ClientType)
	}

	account := &model.Account{
		ID:         uuid.NewString(),
		Name:       name,
		Email:      email,
		ClientType: req.ClientType,
	}
	if err := s.accountRepo.Create(ctx, nil, account); err != nil {
		return nil, err
	}

	s.log.Info("account created",
		zap.String("account_id", account.ID),
		zap.String("client_type", string(account.ClientType)))
	return account, nil
}

func (s *AccountService) GetAccount(ctx context.Context, id string) (*AccountDetail, error) {
	detail := &AccountDetail{}
	err := s.store.Snapshot(ctx, "get account", func(tx *gorm.DB) error {
		var err error
		if detail.Account, err = s.accountRepo.GetByID(ctx, tx, id); err != nil {
			return err
		}
		if detail.ActiveLots, err = s.lotRepo.Find(ctx, tx, repository.LotFilter{AccountID: id, ActiveOnly: true}); err != nil {
			return err
		}
		detail.Withdrawals, err = s.withdrawalRepo.Find(ctx, tx, repository.WithdrawalFilter{AccountID: id})
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

func (s *AccountService) ListAccounts(ctx context.Context) ([]*model.Account, error) {
	return s.accountRepo.List(ctx, nil)
}

// UpdateAccount 客户类别创建后不可修改
func (s *AccountService) UpdateAccount(ctx context.Context, id string, req *UpdateAccountRequest) (*model.Account, error) {
	if req.Name == nil && req.Email == nil {
		return nil, fmt.Errorf("%w: at least one of name or email is required", model.ErrValidation)
	}

	var name, email *string
	if req.Name != nil {
		v, err := s.checkName(*req.Name)
		if err != nil {
			return nil, err
		}
		name = &v
	}
	if req.Email != nil {
		v, err := s.checkEmail(*req.Email)
		if err != nil {
			return nil, err
		}
		email = &v
	}

	var account *model.Account
	err := s.store.Transaction(ctx, "update account", func(tx *gorm.DB) error {
		if _, err := s.accountRepo.GetByIDForUpdate(ctx, tx, id); err != nil {
			return err
		}
		if err := s.accountRepo.UpdateProfile(ctx, tx, id, name, email); err != nil {
			return err
		}
		var err error
		account, err = s.accountRepo.GetByID(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// DeleteAccount 账户存在任何存入或提取记录时拒绝删除
func (s *AccountService) DeleteAccount(ctx context.Context, id string) error {
	err := s.store.Transaction(ctx, "delete account", func(tx *gorm.DB) error {
		// 与存入、提取争用同一行锁，历史检查之后不会再有新批次写入
		if _, err := s.accountRepo.GetByIDForUpdate(ctx, tx, id); err != nil {
			return err
		}
		hasHistory, err := s.accountRepo.HasHistory(ctx, tx, id)
		if err != nil {
			return err
		}
		if hasHistory {
			return fmt.Errorf("%w: account %s has deposit or withdrawal history", model.ErrPolicyViolation, id)
		}
		return s.accountRepo.Delete(ctx, tx, id)
	})
	if err != nil {
		return err
	}

	s.log.Info("account deleted", zap.String("account_id", id))
	return nil
}

func (s *AccountService) checkName(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("%w: name is required", model.ErrValidation)
	}
	if err := s.validate.Var(name, "max=255"); err != nil {
		return "", fmt.Errorf("%w: name cannot exceed 255 characters", model.ErrValidation)
	}
	return name, nil
}

func (s *AccountService) checkEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if err := s.validate.Var(email, "required,email,max=255"); err != nil {
		return "", fmt.Errorf("%w: invalid email %q", model.ErrValidation, email)
	}
	return email, nil
}
