package handler

import (
	"custody/internal/model"
	"custody/internal/service"
	"custody/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

// ============================================================
// 估值接口
// ============================================================

// PlatformValuation GET /api/v1/valuation
func (h *Handler) PlatformValuation(c *gin.Context) {
	v, err := h.valuationService.PlatformValuation(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, v)
}

// MetalValuation GET /api/v1/valuation/metals
func (h *Handler) MetalValuation(c *gin.Context) {
	v, err := h.valuationService.MetalValuation(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, v)
}

// AccountValuation GET /api/v1/valuation/accounts/:id
func (h *Handler) AccountValuation(c *gin.Context) {
	v, err := h.valuationService.AccountValuation(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, v)
}

// ============================================================
// 库存接口
// ============================================================

// InventorySummary GET /api/v1/inventory
func (h *Handler) InventorySummary(c *gin.Context) {
	summary, err := h.inventoryService.Summary(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, summary)
}

// AccountInventory GET /api/v1/inventory/accounts/:id
func (h *Handler) AccountInventory(c *gin.Context) {
	inv, err := h.inventoryService.AccountInventory(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, inv)
}

// MetalInventory GET /api/v1/inventory/metals/:metal
func (h *Handler) MetalInventory(c *gin.Context) {
	metal, err := model.ParseMetalType(c.Param("metal"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	detail, err := h.inventoryService.ByMetal(c.Request.Context(), metal)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, detail)
}

// AllocatedBars GET /api/v1/inventory/bars?metal_type=
func (h *Handler) AllocatedBars(c *gin.Context) {
	metal, err := queryMetal(c)
	if err != nil {
		response.FromError(c, err)
		return
	}

	bars, err := h.inventoryService.AllocatedBars(c.Request.Context(), metal)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, bars)
}

// UnallocatedPool GET /api/v1/inventory/pool?metal_type=
func (h *Handler) UnallocatedPool(c *gin.Context) {
	metal, err := queryMetal(c)
	if err != nil {
		response.FromError(c, err)
		return
	}

	pools, err := h.inventoryService.UnallocatedPool(c.Request.Context(), metal)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, pools)
}

// AuditTrail GET /api/v1/audit?account_id=&metal_type=&from=&to=
func (h *Handler) AuditTrail(c *gin.Context) {
	f := service.AuditFilter{AccountID: c.Query("account_id")}

	var err error
	if f.MetalType, err = queryMetal(c); err != nil {
		response.FromError(c, err)
		return
	}
	if f.From, err = queryTime(c, "from"); err != nil {
		response.FromError(c, err)
		return
	}
	if f.To, err = queryTime(c, "to"); err != nil {
		response.FromError(c, err)
		return
	}

	trail, err := h.inventoryService.AuditTrail(c.Request.Context(), f)
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, trail)
}

// ============================================================
// 价格接口
// ============================================================

// Prices GET /api/v1/prices
func (h *Handler) Prices(c *gin.Context) {
	prices, err := h.valuationService.Prices(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, prices)
}

type setPriceRequest struct {
	PricePerKg decimal.Decimal `json:"price_per_kg"`
}

// SetPrice 写入价格覆盖，只在启用 Redis 价格来源时注册
// PUT /api/v1/prices/:metal
func (h *Handler) SetPrice(c *gin.Context) {
	metal, err := model.ParseMetalType(c.Param("metal"))
	if err != nil {
		response.FromError(c, err)
		return
	}

	var req setPriceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BindError(c, err)
		return
	}

	if err := h.priceSetter.SetPrice(c.Request.Context(), metal, req.PricePerKg); err != nil {
		response.FromError(c, err)
		return
	}
	response.Success(c, gin.H{"metal_type": metal, "price_per_kg": req.PricePerKg})
}
