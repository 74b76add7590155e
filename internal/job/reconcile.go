package job

import (
	"context"
	"sync"
	"time"

	"custody/internal/model"
	"custody/internal/repository"
	"custody/pkg/logger"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ============================================================================
// 对账任务
// ============================================================================
//
// 逐批次核对：
//   remaining == quantity - Σ 该批次的提取数量
//   0 <= remaining <= quantity
//
// 并按金属汇总 存入总量 - 提取总量 == 剩余总量。
// 只读，发现偏差只记录日志，不做任何修正。
//
// ============================================================================

// Drift 一个批次的账实偏差
type Drift struct {
	LotID         int64           `json:"lot_id"`
	DepositNumber string          `json:"deposit_number"`
	Quantity      decimal.Decimal `json:"quantity"`
	Remaining     decimal.Decimal `json:"remaining"`
	Withdrawn     decimal.Decimal `json:"withdrawn"`
	Reason        string          `json:"reason"`
}

// MetalTotals 某种金属的全局汇总
type MetalTotals struct {
	Deposited decimal.Decimal `json:"deposited"`
	Withdrawn decimal.Decimal `json:"withdrawn"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Balanced 存入 - 提取 == 剩余
func (t MetalTotals) Balanced() bool {
	return t.Deposited.Sub(t.Withdrawn).Equal(t.Remaining)
}

type ReconcileReport struct {
	Lots   int                              `json:"lots"`
	Drifts []Drift                          `json:"drifts"`
	Totals map[model.MetalType]*MetalTotals `json:"totals"`
}

type ReconcileJob struct {
	store          *repository.Store
	lotRepo        *repository.LotRepository
	withdrawalRepo *repository.WithdrawalRepository
	log            *zap.Logger
	stopCh         chan struct{}
	stopOnce       sync.Once
	interval       time.Duration
}

func NewReconcileJob(store *repository.Store, interval time.Duration, log *zap.Logger) *ReconcileJob {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	db := store.DB()
	return &ReconcileJob{
		store:          store,
		lotRepo:        repository.NewLotRepository(db),
		withdrawalRepo: repository.NewWithdrawalRepository(db),
		log:            logger.OrNop(log),
		stopCh:         make(chan struct{}),
		interval:       interval,
	}
}

func (j *ReconcileJob) Start(ctx context.Context) {
	j.log.Info("reconcile job started", zap.Duration("interval", j.interval))

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			j.log.Info("reconcile job exiting on context cancel")
			return
		case <-j.stopCh:
			j.log.Info("reconcile job stopped")
			return
		case <-ticker.C:
			if _, err := j.RunOnce(ctx); err != nil {
				j.log.Error("reconcile failed", zap.Error(err))
			}
		}
	}
}

func (j *ReconcileJob) Stop() {
	j.stopOnce.Do(func() { close(j.stopCh) })
}

// RunOnce 执行一次对账
func (j *ReconcileJob) RunOnce(ctx context.Context) (*ReconcileReport, error) {
	// 批次与提取汇总必须来自同一快照，否则中间提交的提取会被误报为偏差
	var (
		lots      []*model.DepositLot
		withdrawn map[int64]decimal.Decimal
	)
	err := j.store.Snapshot(ctx, "reconcile", func(tx *gorm.DB) error {
		var err error
		if lots, err = j.lotRepo.Find(ctx, tx, repository.LotFilter{}); err != nil {
			return err
		}
		withdrawn, err = j.withdrawalRepo.SumByLot(ctx, tx)
		return err
	})
	if err != nil {
		return nil, err
	}

	report := &ReconcileReport{
		Lots:   len(lots),
		Drifts: []Drift{},
		Totals: make(map[model.MetalType]*MetalTotals),
	}

	for _, lot := range lots {
		out := withdrawn[lot.ID]

		totals, ok := report.Totals[lot.MetalType]
		if !ok {
			totals = &MetalTotals{Deposited: decimal.Zero, Withdrawn: decimal.Zero, Remaining: decimal.Zero}
			report.Totals[lot.MetalType] = totals
		}
		totals.Deposited = totals.Deposited.Add(lot.Quantity)
		totals.Withdrawn = totals.Withdrawn.Add(out)
		totals.Remaining = totals.Remaining.Add(lot.RemainingQuantity)

		reason := ""
		switch {
		case lot.RemainingQuantity.IsNegative():
			reason = "remaining below zero"
		case lot.RemainingQuantity.GreaterThan(lot.Quantity):
			reason = "remaining exceeds original quantity"
		case !lot.Quantity.Sub(out).Equal(lot.RemainingQuantity):
			reason = "remaining does not match withdrawals"
		}
		if reason == "" {
			continue
		}

		drift := Drift{
			LotID:         lot.ID,
			DepositNumber: lot.DepositNumber,
			Quantity:      lot.Quantity,
			Remaining:     lot.RemainingQuantity,
			Withdrawn:     out,
			Reason:        reason,
		}
		report.Drifts = append(report.Drifts, drift)
		j.log.Error("ledger drift detected",
			zap.Int64("lot_id", drift.LotID),
			zap.String("deposit_number", drift.DepositNumber),
			zap.String("quantity", drift.Quantity.String()),
			zap.String("remaining", drift.Remaining.String()),
			zap.String("withdrawn", drift.Withdrawn.String()),
			zap.String("reason", drift.Reason))
	}

	for _, metal := range model.MetalTypes {
		totals, ok := report.Totals[metal]
		if !ok {
			continue
		}
		fields := []zap.Field{
			zap.String("metal_type", string(metal)),
			zap.String("deposited", totals.Deposited.String()),
			zap.String("withdrawn", totals.Withdrawn.String()),
			zap.String("remaining", totals.Remaining.String()),
		}
		if totals.Balanced() {
			j.log.Info("metal totals", fields...)
		} else {
			j.log.Error("metal totals out of balance", fields...)
		}
	}

	return report, nil
}
