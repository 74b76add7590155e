package repository

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"strings"
	"time"

	"custody/internal/model"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"
)

// MySQL 错误码
const (
	mysqlDuplicateEntry  = 1062
	mysqlLockWaitTimeout = 1205
	mysqlDeadlock        = 1213
)

// Store 账本存储，事务是唯一的并发边界
type Store struct {
	db        *gorm.DB
	txTimeout time.Duration
}

func NewStore(db *gorm.DB, txTimeout time.Duration) *Store {
	return &Store{db: db, txTimeout: txTimeout}
}

// DB 返回底层连接，只用于只读查询
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Transaction 在单个事务中执行 fn，任意一步返回错误都会整体回滚
//
// 业务错误原样返回；其他存储层错误统一包装为 TransactionError，
// 超时、死锁、锁等待超时标记为可重试。
func (s *Store) Transaction(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	err := s.db.WithContext(ctx).Transaction(fn)
	if err == nil {
		return nil
	}
	if model.IsDomainError(err) {
		return err
	}
	return &model.TransactionError{
		Op:        op,
		Retryable: isRetryable(ctx, err),
		Err:       err,
	}
}

// Snapshot 在只读事务中执行多次查询，保证读到同一时刻的一致数据
//
// MySQL 使用可重复读一致性快照；SQLite 的事务本身可串行化，不传隔离级别。
func (s *Store) Snapshot(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	var opts *sql.TxOptions
	if s.db.Dialector.Name() == "mysql" {
		opts = &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}
	}

	err := s.db.WithContext(ctx).Transaction(fn, opts)
	if err == nil || model.IsDomainError(err) {
		return err
	}
	return &model.TransactionError{
		Op:        op,
		Retryable: isRetryable(ctx, err),
		Err:       err,
	}
}

func isRetryable(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlLockWaitTimeout || myErr.Number == mysqlDeadlock
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// isDuplicateKey 判断是否违反唯一索引
func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == mysqlDuplicateEntry
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// likePrefix 构造前缀匹配参数，转义通配符，配合 ESCAPE '!' 使用
func likePrefix(prefix string) string {
	return strings.NewReplacer("!", "!!", "%", "!%", "_", "!_").Replace(prefix) + "%"
}

// conn 事务内直接使用 tx，保留 Transaction 设置的超时上下文；否则使用 ctx
func conn(ctx context.Context, tx, db *gorm.DB) *gorm.DB {
	if tx == nil {
		return db.WithContext(ctx)
	}
	return tx
}
