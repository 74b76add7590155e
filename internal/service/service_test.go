package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"custody/internal/model"
	"custody/internal/pricing"
	"custody/internal/repository"
	"custody/internal/testutil"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// stepClock 每次调用前进一分钟，保证存入顺序确定
type stepClock struct {
	mu  sync.Mutex
	cur time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur = c.cur.Add(time.Minute)
	return c.cur
}

type fixture struct {
	ctx         context.Context
	db          *gorm.DB
	accounts    *AccountService
	deposits    *DepositService
	withdrawals *WithdrawalService
	valuation   *ValuationService
	inventory   *InventoryService
	lots        *repository.LotRepository
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithRedis(t, nil)
}

func newFixtureWithRedis(t *testing.T, rdb *redis.Client) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	store := repository.NewStore(db, 5*time.Second)
	cfg := testutil.Config()
	clock := &stepClock{cur: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}

	f := &fixture{
		ctx:         context.Background(),
		db:          db,
		accounts:    NewAccountService(store, nil),
		deposits:    NewDepositService(store, rdb, cfg, nil),
		withdrawals: NewWithdrawalService(store, rdb, cfg, nil),
		valuation:   NewValuationService(store, pricing.NewStaticSourceFromConfig(cfg.Prices)),
		inventory:   NewInventoryService(store),
		lots:        repository.NewLotRepository(db),
	}
	f.deposits.now = clock.Now
	f.withdrawals.now = clock.Now
	return f
}

func kg(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func (f *fixture) account(t *testing.T, name string, clientType model.ClientType) *model.Account {
	t.Helper()
	a, err := f.accounts.CreateAccount(f.ctx, &CreateAccountRequest{
		Name:       name,
		Email:      name + "@custody.test",
		ClientType: clientType,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) depositPool(t *testing.T, accountID, number string, metal model.MetalType, qty string) *model.DepositLot {
	t.Helper()
	lot, err := f.deposits.CreateDeposit(f.ctx, &CreateDepositRequest{
		DepositNumber: number,
		AccountID:     accountID,
		MetalType:     metal,
		StorageMode:   model.StorageUnallocated,
		Quantity:      kg(qty),
	})
	require.NoError(t, err)
	return lot
}

func (f *fixture) depositBar(t *testing.T, accountID, number, serial string, metal model.MetalType, qty string) *model.DepositLot {
	t.Helper()
	lot, err := f.deposits.CreateDeposit(f.ctx, &CreateDepositRequest{
		DepositNumber: number,
		AccountID:     accountID,
		MetalType:     metal,
		StorageMode:   model.StorageAllocated,
		Quantity:      kg(qty),
		BarSerial:     serial,
	})
	require.NoError(t, err)
	return lot
}

func (f *fixture) withdrawPool(accountID, number string, metal model.MetalType, qty string) (*WithdrawalResult, error) {
	return f.withdrawals.CreateWithdrawal(f.ctx, &CreateWithdrawalRequest{
		WithdrawalNumber: number,
		AccountID:        accountID,
		MetalType:        metal,
		StorageMode:      model.StorageUnallocated,
		Quantity:         kg(qty),
	})
}

func (f *fixture) withdrawBar(accountID, number, serial string, metal model.MetalType, qty string) (*WithdrawalResult, error) {
	return f.withdrawals.CreateWithdrawal(f.ctx, &CreateWithdrawalRequest{
		WithdrawalNumber: number,
		AccountID:        accountID,
		MetalType:        metal,
		StorageMode:      model.StorageAllocated,
		Quantity:         kg(qty),
		BarSerial:        serial,
	})
}

func (f *fixture) lot(t *testing.T, id int64) *model.DepositLot {
	t.Helper()
	lot, err := f.lots.GetByID(f.ctx, nil, id)
	require.NoError(t, err)
	return lot
}

func (f *fixture) count(t *testing.T, m interface{}, where ...interface{}) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(m)
	if len(where) > 0 {
		q = q.Where(where[0], where[1:]...)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

// lockingReads 记录带 FOR UPDATE 的查询所访问的表
func (f *fixture) lockingReads(t *testing.T) *[]string {
	t.Helper()
	var tables []string
	err := f.db.Callback().Query().Before("gorm:query").Register("test:locking_reads", func(d *gorm.DB) {
		c, ok := d.Statement.Clauses["FOR"]
		if !ok {
			return
		}
		if l, ok := c.Expression.(clause.Locking); ok && l.Strength == "UPDATE" {
			tables = append(tables, d.Statement.Table)
		}
	})
	require.NoError(t, err)
	return &tables
}
