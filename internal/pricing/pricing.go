// Package pricing 提供每千克价格。估值只依赖 Source 接口，价格来源可以替换。
package pricing

import (
	"context"
	"fmt"
	"strings"

	"custody/internal/model"

	"github.com/shopspring/decimal"
)

// Source 价格来源
type Source interface {
	// Price 返回每千克价格，未知金属返回 ErrPriceUnavailable
	Price(ctx context.Context, metal model.MetalType) (decimal.Decimal, error)
	// Prices 返回所有可用价格
	Prices(ctx context.Context) (map[model.MetalType]decimal.Decimal, error)
}

// StaticSource 固定价格表
type StaticSource struct {
	prices map[model.MetalType]decimal.Decimal
}

func NewStaticSource(prices map[model.MetalType]decimal.Decimal) *StaticSource {
	table := make(map[model.MetalType]decimal.Decimal, len(prices))
	for metal, price := range prices {
		table[metal] = price
	}
	return &StaticSource{prices: table}
}

// NewStaticSourceFromConfig 由配置构建价格表
// viper 会把 map 的 key 转成小写，因此按不区分大小写匹配金属名称；未知金属忽略
func NewStaticSourceFromConfig(prices map[string]float64) *StaticSource {
	table := make(map[model.MetalType]decimal.Decimal, len(prices))
	for name, price := range prices {
		for _, metal := range model.MetalTypes {
			if strings.EqualFold(name, string(metal)) {
				table[metal] = decimal.NewFromFloat(price)
			}
		}
	}
	return &StaticSource{prices: table}
}

func (s *StaticSource) Price(_ context.Context, metal model.MetalType) (decimal.Decimal, error) {
	price, ok := s.prices[metal]
	if !ok || !price.IsPositive() {
		return decimal.Zero, unavailable(metal)
	}
	return price, nil
}

func (s *StaticSource) Prices(_ context.Context) (map[model.MetalType]decimal.Decimal, error) {
	out := make(map[model.MetalType]decimal.Decimal, len(s.prices))
	for metal, price := range s.prices {
		out[metal] = price
	}
	return out, nil
}

func unavailable(metal model.MetalType) error {
	return fmt.Errorf("%w: price not available for metal type %s", model.ErrPriceUnavailable, metal)
}
