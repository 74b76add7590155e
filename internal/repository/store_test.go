package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"custody/internal/model"
	"custody/internal/testutil"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

func TestStore_TransactionPassesDomainErrors(t *testing.T) {
	store := NewStore(testutil.NewDB(t), time.Second)

	domainErr := fmt.Errorf("%w: account x", model.ErrNotFound)
	err := store.Transaction(context.Background(), "test", func(tx *gorm.DB) error {
		return domainErr
	})
	assert.Same(t, domainErr, err)

	var txErr *model.TransactionError
	assert.False(t, errors.As(err, &txErr))
}

func TestStore_TransactionWrapsStoreErrors(t *testing.T) {
	store := NewStore(testutil.NewDB(t), time.Second)

	cause := errors.New("disk I/O error")
	err := store.Transaction(context.Background(), "create deposit", func(tx *gorm.DB) error {
		return cause
	})

	var txErr *model.TransactionError
	require.True(t, errors.As(err, &txErr))
	assert.Equal(t, "create deposit", txErr.Op)
	assert.False(t, txErr.Retryable)
	assert.True(t, errors.Is(err, model.ErrTransaction))
	assert.True(t, errors.Is(err, cause))
}

func TestStore_TransactionRollsBack(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	store := NewStore(db, 0)
	accounts := NewAccountRepository(db)

	err := store.Transaction(ctx, "test", func(tx *gorm.DB) error {
		if err := accounts.Create(ctx, tx, &model.Account{ID: "a1", Name: "A", Email: "a@x.io", ClientType: model.ClientTypeRetail}); err != nil {
			return err
		}
		return errors.New("abort")
	})
	require.Error(t, err)

	_, err = accounts.GetByID(ctx, nil, "a1")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestIsRetryable(t *testing.T) {
	ctx := context.Background()

	assert.True(t, isRetryable(ctx, context.DeadlineExceeded))
	assert.True(t, isRetryable(ctx, &mysql.MySQLError{Number: mysqlDeadlock}))
	assert.True(t, isRetryable(ctx, &mysql.MySQLError{Number: mysqlLockWaitTimeout}))
	assert.True(t, isRetryable(ctx, errors.New("database is locked")))
	assert.False(t, isRetryable(ctx, &mysql.MySQLError{Number: mysqlDuplicateEntry}))
	assert.False(t, isRetryable(ctx, errors.New("syntax error")))
}

func TestIsDuplicateKey(t *testing.T) {
	assert.True(t, isDuplicateKey(gorm.ErrDuplicatedKey))
	assert.True(t, isDuplicateKey(fmt.Errorf("wrap: %w", &mysql.MySQLError{Number: mysqlDuplicateEntry})))
	assert.True(t, isDuplicateKey(errors.New("UNIQUE constraint failed: deposit_lot.deposit_number")))
	assert.False(t, isDuplicateKey(nil))
	assert.False(t, isDuplicateKey(errors.New("other")))
}

func TestLikePrefix(t *testing.T) {
	assert.Equal(t, "W100%", likePrefix("W100"))
	assert.Equal(t, "W!_1!%!!%", likePrefix("W_1%!"))
}

func TestWithdrawalRepository_FindAndExists(t *testing.T) {
	ctx := context.Background()
	repo := NewWithdrawalRepository(testutil.NewDB(t))

	lotID := int64(1)
	for i, number := range []string{"W_1-1", "W_1-2", "WX1-1"} {
		request := number[:len(number)-2]
		require.NoError(t, repo.Create(ctx, nil, &model.WithdrawalRecord{
			WithdrawalNumber: number,
			RequestNumber:    request,
			Sequence:         i + 1,
			AccountID:        "acc-1",
			DepositLotID:     &lotID,
			MetalType:        model.MetalGold,
			StorageMode:      model.StorageUnallocated,
			Quantity:         decimal.NewFromInt(1),
			WithdrawnAt:      baseTime,
		}))
	}

	// 下划线按字面匹配，不是通配符
	records, err := repo.Find(ctx, nil, WithdrawalFilter{NumberPrefix: "W_1"})
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "W_1-1", records[0].WithdrawalNumber)
	assert.Equal(t, "W_1-2", records[1].WithdrawalNumber)

	exists, err := repo.ExistsByNumber(ctx, nil, "W_1")
	require.NoError(t, err)
	assert.True(t, exists, "request number counts as used")

	exists, err = repo.ExistsByNumber(ctx, nil, "WX1-1")
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = repo.ExistsByNumber(ctx, nil, "W2")
	require.NoError(t, err)
	assert.False(t, exists)

	sums, err := repo.SumByLot(ctx, nil)
	require.NoError(t, err)
	assert.True(t, sums[lotID].Equal(decimal.NewFromInt(3)))
}

func TestWithdrawalRepository_DuplicateNumber(t *testing.T) {
	ctx := context.Background()
	repo := NewWithdrawalRepository(testutil.NewDB(t))

	rec := func() *model.WithdrawalRecord {
		return &model.WithdrawalRecord{
			WithdrawalNumber: "W1", RequestNumber: "W1", Sequence: 1, AccountID: "acc-1",
			MetalType: model.MetalGold, StorageMode: model.StorageAllocated,
			Quantity: decimal.NewFromInt(1), WithdrawnAt: baseTime,
		}
	}
	require.NoError(t, repo.Create(ctx, nil, rec()))
	assert.True(t, errors.Is(repo.Create(ctx, nil, rec()), model.ErrConflict))
}

func TestAccountRepository_HistoryAndDelete(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	accounts := NewAccountRepository(db)
	lots := NewLotRepository(db)

	require.NoError(t, accounts.Create(ctx, nil, &model.Account{ID: "a1", Name: "A", Email: "a@x.io", ClientType: model.ClientTypeRetail}))
	require.NoError(t, accounts.Create(ctx, nil, &model.Account{ID: "a2", Name: "B", Email: "b@x.io", ClientType: model.ClientTypeRetail}))
	assert.True(t, errors.Is(
		accounts.Create(ctx, nil, &model.Account{ID: "a3", Name: "C", Email: "a@x.io", ClientType: model.ClientTypeRetail}),
		model.ErrConflict))

	seedLot(t, lots, "D1", "a1", model.StorageUnallocated, 5, baseTime, "")

	has, err := accounts.HasHistory(ctx, nil, "a1")
	require.NoError(t, err)
	assert.True(t, has)

	has, err = accounts.HasHistory(ctx, nil, "a2")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, accounts.Delete(ctx, nil, "a2"))
	assert.True(t, errors.Is(accounts.Delete(ctx, nil, "a2"), model.ErrNotFound))
}

func TestOutboxRepository_Lifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewOutboxRepository(testutil.NewDB(t))

	msg := &model.OutboxMessage{EventNo: "EVT1", EventType: model.EventDepositCreated, MessageKey: "D1", Topic: "t", Payload: "{}", Status: model.OutboxStatusPending}
	require.NoError(t, repo.Create(ctx, nil, msg))

	pending, err := repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, repo.IncrementRetryCount(ctx, msg.ID))
	require.NoError(t, repo.MarkAsFailed(ctx, msg.ID))

	pending, err = repo.GetPendingMessages(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// recordLockingReads 记录带 FOR UPDATE 的查询所访问的表；SQLite 不输出该子句，但语句上仍保留
func recordLockingReads(t *testing.T, db *gorm.DB) *[]string {
	t.Helper()
	var tables []string
	err := db.Callback().Query().Before("gorm:query").Register("test:record_locking", func(d *gorm.DB) {
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

func TestAccountRepository_GetByIDForUpdate(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	accounts := NewAccountRepository(db)
	require.NoError(t, accounts.Create(ctx, nil, &model.Account{ID: "a1", Name: "A", Email: "a@x.io", ClientType: model.ClientTypeRetail}))

	locked := recordLockingReads(t, db)
	err := NewStore(db, time.Second).Transaction(ctx, "test", func(tx *gorm.DB) error {
		account, err := accounts.GetByIDForUpdate(ctx, tx, "a1")
		if err != nil {
			return err
		}
		assert.Equal(t, "A", account.Name)

		_, err = accounts.GetByIDForUpdate(ctx, tx, "missing")
		assert.True(t, errors.Is(err, model.ErrNotFound))
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"account", "account"}, *locked)
}

func TestStore_RepositoriesKeepTransactionDeadline(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	lots := NewLotRepository(db)

	var withDeadline []bool
	require.NoError(t, db.Callback().Query().Before("gorm:query").Register("test:deadline", func(d *gorm.DB) {
		_, ok := d.Statement.Context.Deadline()
		withDeadline = append(withDeadline, ok)
	}))

	err := NewStore(db, time.Minute).Transaction(ctx, "test", func(tx *gorm.DB) error {
		_, err := lots.Find(context.Background(), tx, LotFilter{})
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []bool{true}, withDeadline)

	// 事务外使用调用方的 ctx
	withDeadline = nil
	_, err = lots.Find(ctx, nil, LotFilter{})
	require.NoError(t, err)
	assert.Equal(t, []bool{false}, withDeadline)
}

func TestStore_Snapshot(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	store := NewStore(db, time.Second)
	accounts := NewAccountRepository(db)
	require.NoError(t, accounts.Create(ctx, nil, &model.Account{ID: "a1", Name: "A", Email: "a@x.io", ClientType: model.ClientTypeRetail}))

	var listed []*model.Account
	err := store.Snapshot(ctx, "read", func(tx *gorm.DB) error {
		var err error
		listed, err = accounts.List(ctx, tx)
		return err
	})
	require.NoError(t, err)
	assert.Len(t, listed, 1)

	err = store.Snapshot(ctx, "read", func(tx *gorm.DB) error {
		_, err := accounts.GetByID(ctx, tx, "missing")
		return err
	})
	assert.True(t, errors.Is(err, model.ErrNotFound))

	err = store.Snapshot(ctx, "read", func(tx *gorm.DB) error {
		return errors.New("io")
	})
	var txErr *model.TransactionError
	assert.True(t, errors.As(err, &txErr))
}
