package handler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"custody/internal/config"
	"custody/internal/model"
	"custody/internal/pricing"
	"custody/internal/repository"
	"custody/internal/service"
	"custody/pkg/logger"
	"custody/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PriceSetter 可写的价格来源
type PriceSetter interface {
	SetPrice(ctx context.Context, metal model.MetalType, price decimal.Decimal) error
}

// Handler 统一处理器，包含所有服务依赖
type Handler struct {
	accountService    *service.AccountService
	depositService    *service.DepositService
	withdrawalService *service.WithdrawalService
	valuationService  *service.ValuationService
	inventoryService  *service.InventoryService
	priceSetter       PriceSetter // 为 nil 时不开放价格写入
}

// NewHandler 创建处理器实例，rdb 可为 nil
func NewHandler(store *repository.Store, rdb *redis.Client, prices pricing.Source, cfg *config.Config, log *zap.Logger) *Handler {
	log = logger.OrNop(log)
	h := &Handler{
		accountService:    service.NewAccountService(store, log.Named("account")),
		depositService:    service.NewDepositService(store, rdb, cfg, log.Named("deposit")),
		withdrawalService: service.NewWithdrawalService(store, rdb, cfg, log.Named("withdrawal")),
		valuationService:  service.NewValuationService(store, prices),
		inventoryService:  service.NewInventoryService(store),
	}
	if setter, ok := prices.(PriceSetter); ok {
		h.priceSetter = setter
	}
	return h
}

// ============================================================
// 账户相关接口
// ============================================================

// CreateAccount 开户
// POST /api/v1/accounts
func (h *Handler) CreateAccount(c *gin.Context) {
	var req service.CreateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	account, err := h.accountService.CreateAccount(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, account)
}

// ListAccounts GET /api/v1/accounts
func (h *Handler) ListAccounts(c *gin.Context) {
	accounts, err := h.accountService.ListAccounts(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, accounts)
}

// GetAccount 账户详情，包含在库批次与提取记录
// GET /api/v1/accounts/:id
func (h *Handler) GetAccount(c *gin.Context) {
	detail, err := h.accountService.GetAccount(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, detail)
}

// UpdateAccount PATCH /api/v1/accounts/:id
func (h *Handler) UpdateAccount(c *gin.Context) {
	var req service.UpdateAccountRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	account, err := h.accountService.UpdateAccount(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, account)
}

// DeleteAccount DELETE /api/v1/accounts/:id
func (h *Handler) DeleteAccount(c *gin.Context) {
	if err := h.accountService.DeleteAccount(c.Request.Context(), c.Param("id")); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"id": c.Param("id")})
}

// ============================================================
// 存入相关接口
// ============================================================

// CreateDeposit 登记入库
// POST /api/v1/deposits
func (h *Handler) CreateDeposit(c *gin.Context) {
	var req service.CreateDepositRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	lot, err := h.depositService.CreateDeposit(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, lot)
}

// ListDeposits GET /api/v1/deposits?account_id=&metal_type=&storage_mode=&active=
func (h *Handler) ListDeposits(c *gin.Context) {
	var f repository.LotFilter
	f.AccountID = c.Query("account_id")

	var err error
	if f.MetalType, err = queryMetal(c); err != nil {
		response.FromError(c, err)
		return
	}
	if v := c.Query("storage_mode"); v != "" {
		if f.StorageMode, err = model.ParseStorageMode(v); err != nil {
			response.FromError(c, err)
			return
		}
	}
	if v := c.Query("active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			response.ParamError(c, "active must be a boolean")
			return
		}
		f.ActiveOnly = active
	}

	lots, err := h.depositService.ListDeposits(c.Request.Context(), f)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, lots)
}

// GetDeposit 批次详情及其提取记录
// GET /api/v1/deposits/:id
func (h *Handler) GetDeposit(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	detail, err := h.depositService.GetDeposit(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, detail)
}

// ============================================================
// 提取相关接口
// ============================================================

// CreateWithdrawal 提取
// POST /api/v1/withdrawals
//
// 成功时返回本次提取生成的全部记录；任何失败都不会留下部分扣减
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	var req service.CreateWithdrawalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	result, err := h.withdrawalService.CreateWithdrawal(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Created(c, result)
}

// ListWithdrawals GET /api/v1/withdrawals?account_id=&number_prefix=&metal_type=
func (h *Handler) ListWithdrawals(c *gin.Context) {
	metal, err := queryMetal(c)
	if err != nil {
		response.FromError(c, err)
		return
	}

	records, err := h.withdrawalService.ListWithdrawals(c.Request.Context(), repository.WithdrawalFilter{
		AccountID:    c.Query("account_id"),
		NumberPrefix: c.Query("number_prefix"),
		MetalType:    metal,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, records)
}

// GetWithdrawal GET /api/v1/withdrawals/:id
func (h *Handler) GetWithdrawal(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}

	rec, err := h.withdrawalService.GetWithdrawal(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, rec)
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.ParamError(c, "id must be a positive integer")
		return 0, false
	}
	return id, true
}

// queryMetal 解析可选的 metal_type 查询参数
func queryMetal(c *gin.Context) (model.MetalType, error) {
	v := c.Query("metal_type")
	if v == "" {
		return "", nil
	}
	return model.ParseMetalType(v)
}

// queryTime 支持 RFC3339 与 2006-01-02 两种格式
func queryTime(c *gin.Context, key string) (*time.Time, error) {
	v := c.Query(key)
	if v == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return &t, nil
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339 or YYYY-MM-DD", model.ErrValidation, key)
	}
	return &t, nil
}
