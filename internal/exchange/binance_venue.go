package exchange

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"swap-grid-bot-go/internal/models"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// errSymbolNotListed 交易所没有该交易对
var errSymbolNotListed = errors.New("symbol not listed")

// Binance 错误码
const (
	codeInsufficientBalance = -2010 // 包括余额不足在内的新订单被拒绝
	codeUnknownSymbol       = -1121
)

type symbolFilters struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

type bookQuote struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

type orderRequest struct {
	Symbol   string
	Side     binance.SideType
	Quantity decimal.Decimal
	Price    decimal.Decimal
	ClientID string
}

type orderFill struct {
	OrderID     int64
	ExecutedQty decimal.Decimal
	QuoteQty    decimal.Decimal
}

// spotAPI 是 BinanceVenue 所需的最小现货接口
type spotAPI interface {
	symbolFilters(ctx context.Context, symbol string) (*symbolFilters, error)
	bookTicker(ctx context.Context, symbol string) (*bookQuote, error)
	placeIOC(ctx context.Context, req orderRequest) (*orderFill, error)
}

// BinanceVenue 通过币安现货 LIMIT IOC 订单执行兑换。
// 限价为盘口价加减滑点容忍度，因此成交价不会劣于容忍范围。
type BinanceVenue struct {
	api    spotAPI
	client *binance.Client
	logger *zap.Logger

	mu      sync.Mutex
	filters map[string]*symbolFilters
}

// NewBinanceVenue 创建一个新的 BinanceVenue 实例。baseURL 为空时使用库的默认地址。
func NewBinanceVenue(apiKey, secretKey, baseURL string, logger *zap.Logger) *BinanceVenue {
	client := binance.NewClient(apiKey, secretKey)
	if baseURL != "" {
		client.BaseURL = baseURL
	}
	return &BinanceVenue{
		api:     &clientAPI{client: client},
		client:  client,
		logger:  logger,
		filters: make(map[string]*symbolFilters),
	}
}

func newBinanceVenueWithAPI(api spotAPI, logger *zap.Logger) *BinanceVenue {
	return &BinanceVenue{api: api, logger: logger, filters: make(map[string]*symbolFilters)}
}

// SyncTime 与币安服务器同步时间，之后的签名请求会带上偏移。
func (v *BinanceVenue) SyncTime(ctx context.Context) (int64, error) {
	if v.client == nil {
		return 0, nil
	}
	offset, err := v.client.NewSetServerTimeService().Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("sync server time: %w", err)
	}
	v.logger.Info("与币安服务器时间同步完成", zap.Int64("timeOffset (ms)", offset))
	return offset, nil
}

// Execute 实现 Venue 接口。
func (v *BinanceVenue) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	symbol, side, filters, err := v.resolveMarket(ctx, req.InputToken, req.OutputToken)
	if err != nil {
		return nil, err
	}

	quote, err := v.api.bookTicker(ctx, symbol)
	if err != nil {
		return nil, classifyAPIError(fmt.Errorf("book ticker %s: %w", symbol, err))
	}

	amount := decimal.NewFromFloat(req.InputAmount)
	tolerance := decimal.New(int64(req.SlippageBps), -4) // bps -> 比例

	order := orderRequest{Symbol: symbol, Side: side, ClientID: req.ClientID}
	switch side {
	case binance.SideTypeBuy:
		if !quote.ask.IsPositive() {
			return nil, models.NewExecutionFailure(models.ExecQuoteRejected, fmt.Errorf("%s has no ask", symbol))
		}
		order.Price = roundDown(quote.ask.Mul(decimal.NewFromInt(1).Add(tolerance)), filters.tickSize)
		// 按限价计算数量，保证最坏情况下花费不超过输入量
		order.Quantity = roundDown(amount.Div(order.Price), filters.stepSize)
	case binance.SideTypeSell:
		if !quote.bid.IsPositive() {
			return nil, models.NewExecutionFailure(models.ExecQuoteRejected, fmt.Errorf("%s has no bid", symbol))
		}
		order.Price = roundUp(quote.bid.Mul(decimal.NewFromInt(1).Sub(tolerance)), filters.tickSize)
		order.Quantity = roundDown(amount, filters.stepSize)
	}
	if !order.Quantity.IsPositive() || !order.Price.IsPositive() {
		return nil, models.NewExecutionFailure(models.ExecQuoteRejected,
			fmt.Errorf("%s %s amount %s rounds to zero quantity", side, symbol, amount))
	}

	v.logger.Debug("Placing IOC order",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.String("quantity", order.Quantity.String()),
		zap.String("price", order.Price.String()),
		zap.Float64("reference_price", req.ReferencePrice),
		zap.String("client_id", req.ClientID))

	fill, err := v.api.placeIOC(ctx, order)
	if err != nil {
		return nil, classifyAPIError(fmt.Errorf("place %s %s: %w", side, symbol, err))
	}
	if !fill.ExecutedQty.IsPositive() {
		return nil, models.NewExecutionFailure(models.ExecNotFilled,
			fmt.Errorf("order %d on %s expired without fill at %s", fill.OrderID, symbol, order.Price))
	}

	res := &ExecutionResult{TxRef: strconv.FormatInt(fill.OrderID, 10), ExecutedAt: time.Now().UTC()}
	if side == binance.SideTypeBuy {
		res.InputAmount = fill.QuoteQty.InexactFloat64()
		res.OutputAmount = fill.ExecutedQty.InexactFloat64()
	} else {
		res.InputAmount = fill.ExecutedQty.InexactFloat64()
		res.OutputAmount = fill.QuoteQty.InexactFloat64()
	}
	return res, nil
}

// resolveMarket 根据币安上实际存在的交易对决定方向:
// INPUT+OUTPUT 存在则卖出 INPUT，OUTPUT+INPUT 存在则用 INPUT 买入 OUTPUT。
func (v *BinanceVenue) resolveMarket(ctx context.Context, in, out models.Token) (string, binance.SideType, *symbolFilters, error) {
	sellSymbol := in.ID + out.ID
	f, err := v.cachedFilters(ctx, sellSymbol)
	if err == nil {
		return sellSymbol, binance.SideTypeSell, f, nil
	}
	if !errors.Is(err, errSymbolNotListed) {
		return "", "", nil, classifyAPIError(err)
	}

	buySymbol := out.ID + in.ID
	f, err = v.cachedFilters(ctx, buySymbol)
	if err == nil {
		return buySymbol, binance.SideTypeBuy, f, nil
	}
	if errors.Is(err, errSymbolNotListed) {
		return "", "", nil, models.NewExecutionFailure(models.ExecQuoteRejected,
			fmt.Errorf("no market for %s/%s", in.Symbol, out.Symbol))
	}
	return "", "", nil, classifyAPIError(err)
}

func (v *BinanceVenue) cachedFilters(ctx context.Context, symbol string) (*symbolFilters, error) {
	v.mu.Lock()
	f, ok := v.filters[symbol]
	v.mu.Unlock()
	if ok {
		return f, nil
	}

	f, err := v.api.symbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}
	v.mu.Lock()
	v.filters[symbol] = f
	v.mu.Unlock()
	return f, nil
}

// classifyAPIError 把币安错误映射为执行失败类型
func classifyAPIError(err error) error {
	var ef *models.ExecutionFailure
	if errors.As(err, &ef) {
		return err
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeInsufficientBalance {
			return models.NewExecutionFailure(models.ExecInsufficientBalance, err)
		}
		return models.NewExecutionFailure(models.ExecQuoteRejected, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// 订单可能已经发出，结果未知
		return models.NewExecutionFailure(models.ExecConfirmFailed, err)
	}
	return models.NewExecutionFailure(models.ExecNetwork, err)
}

// roundDown 将数值向下取整到步长的整数倍
func roundDown(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// roundUp 将数值向上取整到步长的整数倍
func roundUp(value, step decimal.Decimal) decimal.Decimal {
	if !step.IsPositive() {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// clientAPI 基于 go-binance 客户端的 spotAPI 实现
type clientAPI struct {
	client *binance.Client
}

func (c *clientAPI) symbolFilters(ctx context.Context, symbol string) (*symbolFilters, error) {
	info, err := c.client.NewExchangeInfoService().Symbol(symbol).Do(ctx)
	if err != nil {
		var apiErr *common.APIError
		if errors.As(err, &apiErr) && apiErr.Code == codeUnknownSymbol {
			return nil, errSymbolNotListed
		}
		return nil, fmt.Errorf("exchange info %s: %w", symbol, err)
	}
	for i := range info.Symbols {
		s := &info.Symbols[i]
		if s.Symbol != symbol {
			continue
		}
		f := &symbolFilters{}
		if lot := s.LotSizeFilter(); lot != nil {
			f.stepSize, _ = decimal.NewFromString(lot.StepSize)
		}
		if pf := s.PriceFilter(); pf != nil {
			f.tickSize, _ = decimal.NewFromString(pf.TickSize)
		}
		return f, nil
	}
	return nil, errSymbolNotListed
}

func (c *clientAPI) bookTicker(ctx context.Context, symbol string) (*bookQuote, error) {
	tickers, err := c.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
	if err != nil {
		return nil, err
	}
	for _, t := range tickers {
		if t.Symbol != symbol {
			continue
		}
		bid, err := decimal.NewFromString(t.BidPrice)
		if err != nil {
			return nil, fmt.Errorf("parse bid %q: %w", t.BidPrice, err)
		}
		ask, err := decimal.NewFromString(t.AskPrice)
		if err != nil {
			return nil, fmt.Errorf("parse ask %q: %w", t.AskPrice, err)
		}
		return &bookQuote{bid: bid, ask: ask}, nil
	}
	return nil, fmt.Errorf("no book ticker for %s", symbol)
}

func (c *clientAPI) placeIOC(ctx context.Context, req orderRequest) (*orderFill, error) {
	res, err := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(req.Side).
		Type(binance.OrderTypeLimit).
		TimeInForce(binance.TimeInForceTypeIOC).
		Quantity(req.Quantity.String()).
		Price(req.Price.String()).
		NewClientOrderID(req.ClientID).
		Do(ctx)
	if err != nil {
		return nil, err
	}

	executed, err := decimal.NewFromString(res.ExecutedQuantity)
	if err != nil {
		return nil, models.NewExecutionFailure(models.ExecConfirmFailed, fmt.Errorf("parse executed qty %q: %w", res.ExecutedQuantity, err))
	}
	quote, err := decimal.NewFromString(res.CummulativeQuoteQuantity)
	if err != nil {
		return nil, models.NewExecutionFailure(models.ExecConfirmFailed, fmt.Errorf("parse quote qty %q: %w", res.CummulativeQuoteQuantity, err))
	}
	return &orderFill{OrderID: res.OrderID, ExecutedQty: executed, QuoteQty: quote}, nil
}
