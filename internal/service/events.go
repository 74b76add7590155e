package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"custody/internal/infrastructure/lock"
	"custody/internal/model"
	"custody/internal/repository"
	"custody/pkg/idgen"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// writeEvent 在当前事务中写入发件箱消息，随账本变更一起提交或回滚
func writeEvent(ctx context.Context, tx *gorm.DB, outboxRepo *repository.OutboxRepository, topic, eventType, key string, payload interface{}) error {
	eventNo := idgen.GenerateEventNo()

	body, err := json.Marshal(map[string]interface{}{
		"event_no":   eventNo,
		"event_type": eventType,
		"data":       payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", eventType, err)
	}

	return outboxRepo.Create(ctx, tx, &model.OutboxMessage{
		EventNo:    eventNo,
		EventType:  eventType,
		MessageKey: key,
		Topic:      topic,
		Payload:    string(body),
		Status:     model.OutboxStatusPending,
	})
}

// numberLocker 按业务编号加 Redis 锁，让同一编号的并发请求尽早失败
// client 为 nil 时不加锁；Redis 故障时记录告警并继续，正确性由数据库约束保证
type numberLocker struct {
	client *redis.Client
	ttl    time.Duration
	log    *zap.Logger
}

func (l *numberLocker) acquire(ctx context.Context, kind, number string) (func(), error) {
	noop := func() {}
	if l == nil || l.client == nil {
		return noop, nil
	}

	numberLock := lock.NewNumberLock(l.client, kind, number, uuid.NewString(), l.ttl)
	ok, err := numberLock.TryLock(ctx)
	if err != nil {
		l.log.Warn("number lock unavailable, relying on store constraints",
			zap.String("kind", kind), zap.String("number", number), zap.Error(err))
		return noop, nil
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s %s is being processed by another request", model.ErrConflict, kind, number)
	}

	return func() {
		// 请求可能已被取消，释放锁使用独立的上下文
		unlockCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := numberLock.Unlock(unlockCtx); err != nil {
			l.log.Warn("release number lock failed", zap.String("kind", kind), zap.String("number", number), zap.Error(err))
		}
	}, nil
}
