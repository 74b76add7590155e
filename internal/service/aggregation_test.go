package service

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	"custody/internal/model"
	"custody/internal/pricing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

// seedHoldings 零售账户 5kg+10kg 黄金（已提 12kg）与 100kg 白银；机构账户两根金条
func seedHoldings(t *testing.T, f *fixture) (retail, inst *model.Account) {
	t.Helper()
	retail = f.account(t, "alice", model.ClientTypeRetail)
	inst = f.account(t, "vault", model.ClientTypeInstitutional)

	f.depositPool(t, retail.ID, "D1", model.MetalGold, "5")
	f.depositPool(t, retail.ID, "D2", model.MetalGold, "10")
	f.depositPool(t, retail.ID, "D3", model.MetalSilver, "100")
	f.depositBar(t, inst.ID, "D4", "BAR-A", model.MetalGold, "12.5")
	f.depositBar(t, inst.ID, "D5", "BAR-B", model.MetalGold, "12.5")

	_, err := f.withdrawPool(retail.ID, "W1", model.MetalGold, "12")
	require.NoError(t, err)
	return retail, inst
}

func TestAccountValuation(t *testing.T) {
	f := newFixture(t)
	retail, _ := seedHoldings(t, f)

	v, err := f.valuation.AccountValuation(f.ctx, retail.ID)
	require.NoError(t, err)

	// 3kg 黄金 * 60000 + 100kg 白银 * 800
	assert.True(t, v.TotalValue.Equal(decimal.NewFromInt(260000)), "total %s", v.TotalValue)
	assert.Len(t, v.Lots, 2, "exhausted lot excluded")

	gold := v.Summary[model.MetalGold]
	require.NotNil(t, gold)
	assert.True(t, gold.Quantity.Equal(kg("3")))
	assert.True(t, gold.Value.Equal(decimal.NewFromInt(180000)))
	assert.Equal(t, 1, gold.Lots)

	_, err = f.valuation.AccountValuation(f.ctx, "missing")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestPlatformAndMetalValuation(t *testing.T) {
	f := newFixture(t)
	seedHoldings(t, f)
	f.account(t, "empty", model.ClientTypeRetail)

	platform, err := f.valuation.PlatformValuation(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, platform.AccountCount)
	// 260000 + 25kg 黄金 * 60000
	assert.True(t, platform.GrandTotal.Equal(decimal.NewFromInt(1760000)), "grand total %s", platform.GrandTotal)

	metals, err := f.valuation.MetalValuation(f.ctx)
	require.NoError(t, err)
	require.Len(t, metals.Metals, 2)
	assert.True(t, metals.GrandTotal.Equal(platform.GrandTotal))

	gold := metals.Metals[0]
	assert.Equal(t, model.MetalGold, gold.MetalType)
	assert.True(t, gold.TotalQuantity.Equal(kg("28")))
	assert.Equal(t, 3, gold.LotCount)
	assert.Equal(t, 2, gold.AccountCount)
}

func TestPlatformValuation_ReadsOneTransaction(t *testing.T) {
	f := newFixture(t)
	seedHoldings(t, f)

	var pools []gorm.ConnPool
	require.NoError(t, f.db.Callback().Query().Before("gorm:query").Register("test:conn_pool", func(d *gorm.DB) {
		pools = append(pools, d.Statement.ConnPool)
	}))

	_, err := f.valuation.PlatformValuation(f.ctx)
	require.NoError(t, err)

	require.Len(t, pools, 2, "accounts and lots")
	_, inTx := pools[0].(*sql.Tx)
	assert.True(t, inTx)
	assert.Same(t, pools[0], pools[1])
}

func TestValuation_PriceUnavailable(t *testing.T) {
	f := newFixture(t)
	retail, _ := seedHoldings(t, f)
	f.valuation.prices = pricing.NewStaticSource(map[model.MetalType]decimal.Decimal{
		model.MetalGold: decimal.NewFromInt(60000),
	})

	_, err := f.valuation.AccountValuation(f.ctx, retail.ID)
	assert.True(t, errors.Is(err, model.ErrPriceUnavailable))

	_, err = f.valuation.MetalValuation(f.ctx)
	assert.True(t, errors.Is(err, model.ErrPriceUnavailable))
}

func TestInventorySummary(t *testing.T) {
	f := newFixture(t)
	seedHoldings(t, f)

	summary, err := f.inventory.Summary(f.ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.TotalLots)
	assert.Equal(t, 2, summary.TotalAccounts)
	require.Len(t, summary.Metals, 2)

	gold := summary.Metals[0]
	assert.Equal(t, model.MetalGold, gold.MetalType)
	assert.True(t, gold.Allocated.Quantity.Equal(kg("25")))
	assert.Equal(t, 2, gold.Allocated.Lots)
	assert.Equal(t, 1, gold.Allocated.AccountCount)
	assert.True(t, gold.Unallocated.Quantity.Equal(kg("3")))
	assert.Equal(t, 1, gold.Unallocated.Lots)
	assert.True(t, gold.TotalQuantity.Equal(kg("28")))

	silver := summary.Metals[1]
	assert.Equal(t, model.MetalSilver, silver.MetalType)
	assert.True(t, silver.Allocated.Quantity.IsZero())
}

func TestAccountInventoryAndByMetal(t *testing.T) {
	f := newFixture(t)
	retail, _ := seedHoldings(t, f)

	inv, err := f.inventory.AccountInventory(f.ctx, retail.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.TotalLots)
	require.Len(t, inv.Holdings, 2)
	assert.Equal(t, model.MetalGold, inv.Holdings[0].MetalType)
	assert.True(t, inv.Holdings[0].Unallocated.Equal(kg("3")))
	assert.True(t, inv.Holdings[0].Allocated.IsZero())

	detail, err := f.inventory.ByMetal(f.ctx, model.MetalGold)
	require.NoError(t, err)
	assert.Len(t, detail.AllocatedBars, 2)
	assert.Len(t, detail.UnallocatedLots, 1)
	assert.True(t, detail.TotalQuantity.Equal(kg("28")))

	_, err = f.inventory.ByMetal(f.ctx, "Copper")
	assert.True(t, errors.Is(err, model.ErrValidation))
}

func TestAllocatedBarsAndPool(t *testing.T) {
	f := newFixture(t)
	seedHoldings(t, f)

	bars, err := f.inventory.AllocatedBars(f.ctx, model.MetalGold)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, "BAR-B", bars[0].Serial(), "newest first")

	bars, err = f.inventory.AllocatedBars(f.ctx, model.MetalSilver)
	require.NoError(t, err)
	assert.Empty(t, bars)

	pools, err := f.inventory.UnallocatedPool(f.ctx, "")
	require.NoError(t, err)
	require.Len(t, pools, 2)
	assert.Equal(t, model.MetalGold, pools[0].MetalType)
	assert.True(t, pools[0].TotalQuantity.Equal(kg("3")))
	assert.Equal(t, 1, pools[0].LotCount)
	assert.True(t, pools[1].TotalQuantity.Equal(kg("100")))
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	retail, _ := seedHoldings(t, f)

	trail, err := f.inventory.AuditTrail(f.ctx, AuditFilter{AccountID: retail.ID})
	require.NoError(t, err)
	require.Len(t, trail.Deposits, 3, "exhausted lots are kept")
	require.Len(t, trail.Withdrawals, 2)

	assert.Equal(t, "D3", trail.Deposits[0].Number, "newest first")
	assert.Equal(t, "alice", trail.Deposits[0].AccountName)
	assert.Equal(t, AuditWithdrawal, trail.Withdrawals[0].Type)
	assert.Equal(t, "W1-1", trail.Withdrawals[0].Number)

	exhausted := trail.Deposits[2]
	assert.Equal(t, "D1", exhausted.Number)
	require.NotNil(t, exhausted.RemainingQuantity)
	assert.True(t, exhausted.RemainingQuantity.IsZero())

	gold, err := f.inventory.AuditTrail(f.ctx, AuditFilter{MetalType: model.MetalSilver})
	require.NoError(t, err)
	assert.Len(t, gold.Deposits, 1)
	assert.Empty(t, gold.Withdrawals)

	future := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	none, err := f.inventory.AuditTrail(f.ctx, AuditFilter{From: &future})
	require.NoError(t, err)
	assert.Empty(t, none.Deposits)
	assert.Empty(t, none.Withdrawals)

	past := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err = f.inventory.AuditTrail(f.ctx, AuditFilter{From: &future, To: &past})
	assert.True(t, errors.Is(err, model.ErrValidation))
}
