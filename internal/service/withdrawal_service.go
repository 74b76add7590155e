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
	"custody/internal/selector"
	"custody/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 提取分配引擎
// ============================================================================
//
// 一次提取在单个事务内完成：
//   1. 校验账户存在、客户类别与存管方式匹配、提取编号未被使用
//   2. 查询候选批次，由 selector 生成扣减计划
//   3. 逐批条件扣减剩余数量，每个批次写一条提取记录
//   4. 写入发件箱事件
//
// 任意一步失败整体回滚，不会留下部分扣减。
// 非分配存管的记录编号一律为 <请求编号>-<序号>，序号从 1 开始。
//
// ============================================================================

type WithdrawalService struct {
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

// NewWithdrawalService redisClient 可为 nil，此时不加编号锁
func NewWithdrawalService(store *repository.Store, redisClient *redis.Client, cfg *config.Config, log *zap.Logger) *WithdrawalService {
	db := store.DB()
	log = logger.OrNop(log)
	lotRepo := repository.NewLotRepository(db)
	withdrawalRepo := repository.NewWithdrawalRepository(db)

	return &WithdrawalService{
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

type CreateWithdrawalRequest struct {
	WithdrawalNumber string            `json:"withdrawal_number" binding:"required,max=50"`
	AccountID        string            `json:"account_id" binding:"required"`
	MetalType        model.MetalType   `json:"metal_type" binding:"required"`
	StorageMode      model.StorageMode `json:"storage_mode" binding:"required"`
	Quantity         decimal.Decimal   `json:"quantity"`
	BarSerial        string            `json:"bar_serial"`
}

// WithdrawalResult 一次提取请求的结果，Records 按序号升序
type WithdrawalResult struct {
	RequestNumber string                    `json:"request_number"`
	AccountID     string                    `json:"account_id"`
	MetalType     model.MetalType           `json:"metal_type"`
	StorageMode   model.StorageMode         `json:"storage_mode"`
	Quantity      decimal.Decimal           `json:"quantity"`
	Records       []*model.WithdrawalRecord `json:"records"`
}

// CreateWithdrawal 执行一次提取，返回生成的全部提取记录
func (s *WithdrawalService) CreateWithdrawal(ctx context.Context, req *CreateWithdrawalRequest) (*WithdrawalResult, error) {
	// 不依赖存储的形态校验先做，失败时不必加锁
	if err := s.guard.ValidateNumber(policy.KindWithdrawalNumber, req.WithdrawalNumber); err != nil {
		return nil, err
	}
	if !req.MetalType.Valid() {
		return nil, fmt.Errorf("%w: unknown metal type %q", model.ErrValidation, req.MetalType)
	}
	if err := s.guard.ValidateQuantity(req.Quantity); err != nil {
		return nil, err
	}
	serial := strings.TrimSpace(req.BarSerial)
	if err := s.guard.ValidateWithdrawalBarSerial(req.StorageMode, serial); err != nil {
		return nil, err
	}

	release, err := s.locker.acquire(ctx, "withdrawal", req.WithdrawalNumber)
	if err != nil {
		return nil, err
	}
	defer release()

	var records []*model.WithdrawalRecord
	err = s.store.Transaction(ctx, "create withdrawal", func(tx *gorm.DB) error {
		records = nil

		account, err := s.accountRepo.GetByIDForUpdate(ctx, tx, req.AccountID)
		if err != nil {
			return err
		}
		if err := s.guard.ValidateStorageCompatibility(account.ClientType, req.StorageMode); err != nil {
			return err
		}
		if err := s.guard.ValidateUniqueness(ctx, tx, policy.KindWithdrawalNumber, req.WithdrawalNumber); err != nil {
			return err
		}

		candidates, err := s.lotRepo.FindActive(ctx, tx, req.AccountID, req.MetalType, req.StorageMode)
		if err != nil {
			return err
		}
		plan, err := selector.Plan(candidates, selector.Request{
			AccountID:   req.AccountID,
			MetalType:   req.MetalType,
			StorageMode: req.StorageMode,
			Quantity:    req.Quantity,
			BarSerial:   serial,
		})
		if err != nil {
			return err
		}

		withdrawnAt := s.now().UTC()
		for i, debit := range plan {
			if err := s.lotRepo.DecrementRemaining(ctx, tx, debit.Lot.ID, debit.Amount); err != nil {
				return err
			}

			lotID := debit.Lot.ID
			rec := &model.WithdrawalRecord{
				WithdrawalNumber: recordNumber(req.WithdrawalNumber, req.StorageMode, i+1),
				RequestNumber:    req.WithdrawalNumber,
				Sequence:         i + 1,
				AccountID:        req.AccountID,
				DepositLotID:     &lotID,
				MetalType:        req.MetalType,
				StorageMode:      req.StorageMode,
				Quantity:         debit.Amount,
				BarSerial:        debit.Lot.BarSerial,
				WithdrawnAt:      withdrawnAt,
			}
			if err := s.withdrawalRepo.Create(ctx, tx, rec); err != nil {
				return err
			}
			records = append(records, rec)
		}

		return writeEvent(ctx, tx, s.outboxRepo, s.cfg.Kafka.Topic.LedgerEvents,
			model.EventWithdrawalCreated, req.WithdrawalNumber, withdrawalPayload(req, records))
	})
	if err != nil {
		s.log.Warn("withdrawal rejected",
			zap.String("withdrawal_number", req.WithdrawalNumber),
			zap.String("account_id", req.AccountID),
			zap.Error(err))
		return nil, err
	}

	s.log.Info("withdrawal created",
		zap.String("withdrawal_number", req.WithdrawalNumber),
		zap.String("account_id", req.AccountID),
		zap.String("metal_type", string(req.MetalType)),
		zap.String("quantity", req.Quantity.String()),
		zap.Int("lots", len(records)))

	return &WithdrawalResult{
		RequestNumber: req.WithdrawalNumber,
		AccountID:     req.AccountID,
		MetalType:     req.MetalType,
		StorageMode:   req.StorageMode,
		Quantity:      req.Quantity,
		Records:       records,
	}, nil
}

func (s *WithdrawalService) GetWithdrawal(ctx context.Context, id int64) (*model.WithdrawalRecord, error) {
	return s.withdrawalRepo.GetByID(ctx, id)
}

func (s *WithdrawalService) ListWithdrawals(ctx context.Context, f repository.WithdrawalFilter) ([]*model.WithdrawalRecord, error) {
	return s.withdrawalRepo.Find(ctx, nil, f)
}

// recordNumber 分配存管沿用请求编号，非分配存管追加序号
func recordNumber(requestNumber string, mode model.StorageMode, seq int) string {
	if mode == model.StorageAllocated {
		return requestNumber
	}
	return fmt.Sprintf("%s-%d", requestNumber, seq)
}

func withdrawalPayload(req *CreateWithdrawalRequest, records []*model.WithdrawalRecord) map[string]interface{} {
	lines := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		line := map[string]interface{}{
			"withdrawal_number": rec.WithdrawalNumber,
			"deposit_lot_id":    rec.DepositLotID,
			"quantity":          rec.Quantity.String(),
		}
		if rec.BarSerial != nil {
			line["bar_serial"] = *rec.BarSerial
		}
		lines = append(lines, line)
	}

	payload := map[string]interface{}{
		"request_number": req.WithdrawalNumber,
		"account_id":     req.AccountID,
		"metal_type":     req.MetalType,
		"storage_mode":   req.StorageMode,
		"quantity":       req.Quantity.String(),
		"records":        lines,
	}
	if len(records) > 0 {
		payload["withdrawn_at"] = records[0].WithdrawnAt.Format(time.RFC3339)
	}
	return payload
}

func lockTTL(cfg *config.Config) time.Duration {
	if cfg.Business.LockTTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(cfg.Business.LockTTLSeconds) * time.Second
}
