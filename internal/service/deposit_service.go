package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"custody/internal/config"
	"custody/internal/model"
	"custody/internal/policy"
	"custody/internal/repository"
	"custody/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type DepositService struct {
	store          *repository.Store
	cfg            *config.Config
	log            *zap.Logger
	locker         *numberLocker
	guard          *policy.Guard
	accountRepo    *repository.AccountRepository
	lotRepo        *repository.LotRepository
	withdrawalRepo *repository.WithdrawalRepository
	outboxRepo     *repository.OutboxRepository
	now            func() time.Time
}

// NewDepositService redisClient 可为 nil，此时不加编号锁
func NewDepositService(store *repository.Store, redisClient *redis.Client, cfg *config.Config, log *zap.Logger) *DepositService {
	db := store.DB()
	log = logger.OrNop(log)
	lotRepo := repository.NewLotRepository(db)
	withdrawalRepo := repository.NewWithdrawalRepository(db)

	return &DepositService{
		store:          store,
		cfg:            cfg,
		log:            log,
		locker:         &numberLocker{client: redisClient, ttl: lockTTL(cfg), log: log},
		guard:          policy.NewGuard(lotRepo, withdrawalRepo, decimal.NewFromFloat(cfg.Business.MaxQuantity)),
		accountRepo:    repository.NewAccountRepository(db),
		lotRepo:        lotRepo,
		withdrawalRepo: withdrawalRepo,
		outboxRepo:     repository.NewOutboxRepository(db),
		now:            time.Now,
	}
}

type CreateDepositRequest struct {
	DepositNumber string            `json:"deposit_number" binding:"required,max=50"`
	AccountID     string            `json:"account_id" binding:"required"`
	MetalType     model.MetalType   `json:"metal_type" binding:"required"`
	StorageMode   model.StorageMode `json:"storage_mode" binding:"required"`
	Quantity      decimal.Decimal   `json:"quantity"`
	BarSerial     string            `json:"bar_serial"`
}

// DepositDetail 存入批次及其提取历史
type DepositDetail struct {
	Lot         *model.DepositLot         `json:"lot"`
	Withdrawals []*model.WithdrawalRecord `json:"withdrawals"`
}

// CreateDeposit 登记一次入库，新批次的剩余数量等于原始数量
func (s *DepositService) CreateDeposit(ctx context.Context, req *CreateDepositRequest) (*model.DepositLot, error) {
	if err := s.guard.ValidateNumber(policy.KindDepositNumber, req.DepositNumber); err != nil {
		return nil, err
	}
	if !req.MetalType.Valid() {
		return nil, fmt.Errorf("%w: unknown metal type %q", model.ErrValidation, req.MetalType)
	}
	if err := s.guard.ValidateQuantity(req.Quantity); err != nil {
		return nil, err
	}
	serial := strings.TrimSpace(req.BarSerial)
	if err := s.guard.ValidateBarSerialPresence(req.StorageMode, serial); err != nil {
		return nil, err
	}

	release, err := s.locker.acquire(ctx, "deposit", req.DepositNumber)
	if err != nil {
		return nil, err
	}
	defer release()

	lot := &model.DepositLot{
		DepositNumber:     req.DepositNumber,
		AccountID:         req.AccountID,
		MetalType:         req.MetalType,
		StorageMode:       req.StorageMode,
		Quantity:          req.Quantity,
		RemainingQuantity: req.Quantity,
	}
	if req.StorageMode == model.StorageAllocated {
		lot.BarSerial = &serial
		lot.ActiveBarSerial = &serial
	}

	err = s.store.Transaction(ctx, "create deposit", func(tx *gorm.DB) error {
		account, err := s.accountRepo.GetByIDForUpdate(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if err := s.guard.ValidateStorageCompatibility(account.ClientType, req.StorageMode); err != nil {
			return err
		}
		if err := s.guard.ValidateUniqueness(ctx, tx, policy.KindDepositNumber, req.DepositNumber); err != nil {
			return err
		}
		if lot.BarSerial != nil {
			if err := s.guard.ValidateUniqueness(ctx, tx, policy.KindActiveBarSerial, *lot.BarSerial); err != nil {
				return err
			}
		}

		lot.ID = 0
		lot.DepositedAt = s.now().UTC()
		if err := s.lotRepo.Create(ctx, tx, lot); err != nil {
			return err
		}

		payload := map[string]interface{}{
			"deposit_lot_id": lot.ID,
			"deposit_number": lot.DepositNumber,
			"account_id":     lot.AccountID,
			"metal_type":     lot.MetalType,
			"storage_mode":   lot.StorageMode,
			"quantity":       lot.Quantity.String(),
			"deposited_at":   lot.DepositedAt.Format(time.RFC3339),
		}
		if lot.BarSerial != nil {
			payload["bar_serial"] = *lot.BarSerial
		}
		return writeEvent(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.LedgerEvents,
			model.EventDepositCreated, lot.DepositNumber, payload)
	})
	if err != nil {
		s.log.Warn("deposit rejected",
			zap.String("deposit_number", req.DepositNumber),
			zap.String("account_id", req.AccountID),
			zap.Error(err))
		return nil, err
	}

	s.log.Info("deposit created",
		zap.Int64("lot_id", lot.ID),
		zap.String("deposit_number", lot.DepositNumber),
		zap.String("account_id", lot.AccountID),
		zap.String("metal_type", string(lot.MetalType)),
		zap.String("quantity", lot.Quantity.String()))

	return lot, nil
}

func (s *DepositService) GetDeposit(ctx context.Context, id int64) (*DepositDetail, error) {
	detail := &DepositDetail{}
	err := s.store.Snapshot(ctx, "get deposit", func(tx *gorm.DB) error {
		var err error
		if detail.Lot, err = s.lotRepo.GetByID(ctx, tx, id); err != nil {
			return err
		}
		detail.Withdrawals, err = s.withdrawalRepo.Find(ctx, tx, repository.WithdrawalFilter{DepositLotID: &id})
		return err
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// ListDeposits 最新存入的在前
func (s *DepositService) ListDeposits(ctx context.Context, f repository.LotFilter) ([]*model.DepositLot, error) {
	f.NewestFirst = true
	return s.lotRepo.Find(ctx, nil, f)
}
