package handler

import (
	"net/http"

	"custody/internal/config"
	"custody/internal/pricing"
	"custody/internal/repository"
	"custody/pkg/logger"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// SetupRouter 配置路由，rdb 可为 nil
func SetupRouter(store *repository.Store, rdb *redis.Client, prices pricing.Source, cfg *config.Config, log *zap.Logger) *gin.Engine {
	log = logger.OrNop(log)

	// 非开发模式下使用发布模式（减少日志输出）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// 注册中间件
	r.Use(RecoveryMiddleware(log))
	r.Use(LoggerMiddleware(log.Named("http")))
	r.Use(CORSMiddleware())

	// 创建处理器
	h := NewHandler(store, rdb, prices, cfg, log)

	// API 路由组
	api := r.Group("/api/v1")
	{
		// 账户
		accounts := api.Group("/accounts")
		{
			accounts.POST("", h.CreateAccount)
			accounts.GET("", h.ListAccounts)
			accounts.GET("/:id", h.GetAccount)
			accounts.PATCH("/:id", h.UpdateAccount)
			accounts.DELETE("/:id", h.DeleteAccount)
		}

		// 存入
		deposits := api.Group("/deposits")
		{
			deposits.POST("", h.CreateDeposit)
			deposits.GET("", h.ListDeposits)
			deposits.GET("/:id", h.GetDeposit)
		}

		// 提取
		withdrawals := api.Group("/withdrawals")
		{
			withdrawals.POST("", h.CreateWithdrawal)
			withdrawals.GET("", h.ListWithdrawals)
			withdrawals.GET("/:id", h.GetWithdrawal)
		}

		// 估值
		valuation := api.Group("/valuation")
		{
			valuation.GET("", h.PlatformValuation)
			valuation.GET("/metals", h.MetalValuation)
			valuation.GET("/accounts/:id", h.AccountValuation)
		}

		// 库存
		inventory := api.Group("/inventory")
		{
			inventory.GET("", h.InventorySummary)
			inventory.GET("/accounts/:id", h.AccountInventory)
			inventory.GET("/metals/:metal", h.MetalInventory)
			inventory.GET("/bars", h.AllocatedBars)
			inventory.GET("/pool", h.UnallocatedPool)
		}

		api.GET("/audit", h.AuditTrail)

		// 价格
		api.GET("/prices", h.Prices)
		if h.priceSetter != nil {
			api.PUT("/prices/:metal", h.SetPrice)
		}
	}

	// 健康检查
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}
