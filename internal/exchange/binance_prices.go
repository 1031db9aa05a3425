package exchange

import (
	"context"
	"fmt"
	"strconv"
	"swap-grid-bot-go/internal/models"

	"github.com/adshao/go-binance/v2"
	"go.uber.org/zap"
)

// BinancePriceSource 通过币安 REST 行情获取代币价格，统一以 quoteAsset 计价。
// 代币 X 的价格取 X+quoteAsset 交易对的最新价，quoteAsset 自身为 1。
type BinancePriceSource struct {
	quoteAsset string
	listPrices func(ctx context.Context) ([]*binance.SymbolPrice, error)
	logger     *zap.Logger
}

// NewBinancePriceSource 创建一个新的 BinancePriceSource。公共行情接口不需要API Key。
func NewBinancePriceSource(baseURL, quoteAsset string, logger *zap.Logger) *BinancePriceSource {
	client := binance.NewClient("", "")
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinancePriceSource{
		quoteAsset: quoteAsset,
		listPrices: func(ctx context.Context) ([]*binance.SymbolPrice, error) {
			return client.NewListPricesService().Do(ctx)
		},
		logger: logger,
	}
}

// GetPrices 实现 PriceSource 接口。
func (s *BinancePriceSource) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(tokenIDs))
	wanted := make(map[string]string, len(tokenIDs)) // symbol -> token
	for _, id := range tokenIDs {
		if id == s.quoteAsset {
			out[id] = 1
			continue
		}
		wanted[id+s.quoteAsset] = id
	}
	if len(wanted) == 0 {
		return out, nil
	}

	prices, err := s.listPrices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	for _, p := range prices {
		token, ok := wanted[p.Symbol]
		if !ok {
			continue
		}
		price, err := strconv.ParseFloat(p.Price, 64)
		if err != nil || !models.ValidPrice(price) {
			s.logger.Warn("忽略无法解析的价格", zap.String("symbol", p.Symbol), zap.String("price", p.Price))
			continue
		}
		out[token] = price
	}
	return out, nil
}
