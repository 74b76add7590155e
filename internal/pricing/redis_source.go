package pricing

import (
	"context"
	"errors"
	"fmt"

	"custody/internal/model"
	"custody/pkg/logger"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RedisSource 从 Redis 哈希读取价格覆盖（field 为金属名称，value 为每千克价格），
// 哈希中没有的金属或 Redis 不可用时回退到 fallback
type RedisSource struct {
	client   *redis.Client
	key      string
	fallback Source
	log      *zap.Logger
}

func NewRedisSource(client *redis.Client, key string, fallback Source, log *zap.Logger) *RedisSource {
	return &RedisSource{client: client, key: key, fallback: fallback, log: logger.OrNop(log)}
}

func (s *RedisSource) Price(ctx context.Context, metal model.MetalType) (decimal.Decimal, error) {
	raw, err := s.client.HGet(ctx, s.key, string(metal)).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.log.Warn("redis price read failed, using fallback", zap.String("metal", string(metal)), zap.Error(err))
		}
		return s.fromFallback(ctx, metal)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil || !price.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: invalid stored price %q for %s", model.ErrPriceUnavailable, raw, metal)
	}
	return price, nil
}

func (s *RedisSource) Prices(ctx context.Context) (map[model.MetalType]decimal.Decimal, error) {
	out := make(map[model.MetalType]decimal.Decimal)
	if s.fallback != nil {
		base, err := s.fallback.Prices(ctx)
		if err != nil {
			return nil, err
		}
		for metal, price := range base {
			out[metal] = price
		}
	}

	stored, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		s.log.Warn("redis prices read failed, using fallback", zap.Error(err))
		return out, nil
	}
	for name, raw := range stored {
		metal, err := model.ParseMetalType(name)
		if err != nil {
			continue
		}
		price, err := decimal.NewFromString(raw)
		if err != nil || !price.IsPositive() {
			continue
		}
		out[metal] = price
	}
	return out, nil
}

// SetPrice 写入价格覆盖
func (s *RedisSource) SetPrice(ctx context.Context, metal model.MetalType, price decimal.Decimal) error {
	if !metal.Valid() {
		return fmt.Errorf("%w: unknown metal type %q", model.ErrValidation, metal)
	}
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be greater than 0", model.ErrValidation)
	}
	return s.client.HSet(ctx, s.key, string(metal), price.String()).Err()
}

func (s *RedisSource) fromFallback(ctx context.Context, metal model.MetalType) (decimal.Decimal, error) {
	if s.fallback == nil {
		return decimal.Zero, unavailable(metal)
	}
	return s.fallback.Price(ctx, metal)
}
