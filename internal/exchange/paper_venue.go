package exchange

import (
	"context"
	"fmt"
	"swap-grid-bot-go/internal/models"
	"sync"
	"time"
)

// PaperFill 记录一笔模拟成交
type PaperFill struct {
	TxRef        string
	InputToken   string
	OutputToken  string
	InputAmount  float64
	OutputAmount float64
	Fee          float64 // 以输出代币计
	ExecutedAt   time.Time
}

// PaperVenue 实现了 Venue 与 PriceSource 接口，用于模拟撮合与回测。
// 价格以统一计价单位给出，兑换按两侧价格之比成交。
type PaperVenue struct {
	InitialBalances map[string]float64
	Balances        map[string]float64
	TradeLog        []PaperFill
	EquityCurve     []float64
	TotalFees       map[string]float64 // 按代币累积的手续费
	CurrentTime     time.Time

	// 模拟撮合配置
	FeeRate      float64 // 手续费率
	SlippageRate float64 // 滑点率

	prices      map[string]float64
	nextOrderID int64
	mu          sync.Mutex
}

// NewPaperVenue 创建一个新的 PaperVenue 实例。
func NewPaperVenue(cfg models.PaperConfig) *PaperVenue {
	e := &PaperVenue{
		InitialBalances: make(map[string]float64),
		Balances:        make(map[string]float64),
		TradeLog:        make([]PaperFill, 0),
		EquityCurve:     make([]float64, 0, 10000),
		TotalFees:       make(map[string]float64),
		FeeRate:         cfg.FeeRate,
		SlippageRate:    cfg.SlippageRate,
		prices:          make(map[string]float64),
		nextOrderID:     1,
	}
	for token, amount := range cfg.InitialBalances {
		e.InitialBalances[token] = amount
		e.Balances[token] = amount
	}
	return e
}

// SetPrice 设置代币的当前价格，并记录一次权益。
func (e *PaperVenue) SetPrice(tokenID string, price float64, timestamp time.Time) {
	e.SetPrices(map[string]float64{tokenID: price}, timestamp)
}

// SetPrices 一次设置多个价格，只记录一次权益。
func (e *PaperVenue) SetPrices(prices map[string]float64, timestamp time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for id, p := range prices {
		if p > 0 {
			e.prices[id] = p
		} else {
			delete(e.prices, id)
		}
	}
	e.CurrentTime = timestamp
	e.updateEquity()
}

// updateEquity 计算并记录当前权益。必须在持有锁的情况下调用。
func (e *PaperVenue) updateEquity() {
	e.EquityCurve = append(e.EquityCurve, e.equityLocked())
}

func (e *PaperVenue) equityLocked() float64 {
	equity := 0.0
	for token, amount := range e.Balances {
		equity += amount * e.prices[token]
	}
	return equity
}

// Equity 返回按当前价格计算的总权益。
func (e *PaperVenue) Equity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.equityLocked()
}

// InitialEquity 返回按当前价格计算的初始余额价值。
func (e *PaperVenue) InitialEquity() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	equity := 0.0
	for token, amount := range e.InitialBalances {
		equity += amount * e.prices[token]
	}
	return equity
}

// Balance 返回代币余额。
func (e *PaperVenue) Balance(tokenID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.Balances[tokenID]
}

// Price 返回代币当前价格，未设置时返回 0。
func (e *PaperVenue) Price(tokenID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prices[tokenID]
}

// --- PriceSource 接口实现 ---

func (e *PaperVenue) GetPrices(_ context.Context, tokenIDs []string) (map[string]float64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make(map[string]float64, len(tokenIDs))
	for _, id := range tokenIDs {
		if p, ok := e.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// --- Venue 接口实现 ---

// Execute 以当前价格立即成交。滑点超过请求的容忍度时拒绝，余额不足时拒绝。
func (e *PaperVenue) Execute(_ context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if req.InputAmount <= 0 {
		return nil, models.NewExecutionFailure(models.ExecQuoteRejected, fmt.Errorf("input amount must be positive, got %v", req.InputAmount))
	}
	inPrice, okIn := e.prices[req.InputToken.ID]
	outPrice, okOut := e.prices[req.OutputToken.ID]
	if !okIn || !okOut {
		return nil, models.NewExecutionFailure(models.ExecQuoteRejected, fmt.Errorf("no quote for %s -> %s", req.InputToken.Symbol, req.OutputToken.Symbol))
	}
	if e.SlippageRate*10000 > float64(req.SlippageBps) {
		return nil, models.NewExecutionFailure(models.ExecSimulationFailed,
			fmt.Errorf("simulated slippage %.0f bps exceeds tolerance %d bps", e.SlippageRate*10000, req.SlippageBps))
	}
	if e.Balances[req.InputToken.ID] < req.InputAmount {
		return nil, models.NewExecutionFailure(models.ExecInsufficientBalance,
			fmt.Errorf("%s balance %.8f < %.8f", req.InputToken.Symbol, e.Balances[req.InputToken.ID], req.InputAmount))
	}

	// --- 1. 计算包含滑点的成交量 ---
	gross := req.InputAmount * inPrice / outPrice * (1 - e.SlippageRate)
	// --- 2. 扣除手续费 ---
	fee := gross * e.FeeRate
	output := gross - fee

	e.Balances[req.InputToken.ID] -= req.InputAmount
	e.Balances[req.OutputToken.ID] += output
	e.TotalFees[req.OutputToken.ID] += fee

	txRef := fmt.Sprintf("paper-%d", e.nextOrderID)
	e.nextOrderID++
	executedAt := e.CurrentTime
	if executedAt.IsZero() {
		executedAt = time.Now().UTC()
	}

	e.TradeLog = append(e.TradeLog, PaperFill{
		TxRef:        txRef,
		InputToken:   req.InputToken.ID,
		OutputToken:  req.OutputToken.ID,
		InputAmount:  req.InputAmount,
		OutputAmount: output,
		Fee:          fee,
		ExecutedAt:   executedAt,
	})

	return &ExecutionResult{
		InputAmount:  req.InputAmount,
		OutputAmount: output,
		TxRef:        txRef,
		ExecutedAt:   executedAt,
	}, nil
}

// mirroredPrices 把外部价格源的每次报价同步给模拟场所
type mirroredPrices struct {
	src   PriceSource
	venue *PaperVenue
	now   func() time.Time
}

// MirrorPrices 返回一个包装了 src 的价格源。live 模式使用 paper 场所时，
// 模拟成交按真实行情撮合。
func (e *PaperVenue) MirrorPrices(src PriceSource) PriceSource {
	return &mirroredPrices{src: src, venue: e, now: func() time.Time { return time.Now().UTC() }}
}

func (m *mirroredPrices) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	prices, err := m.src.GetPrices(ctx, tokenIDs)
	if err != nil {
		return nil, err
	}
	if len(prices) > 0 {
		m.venue.SetPrices(prices, m.now())
	}
	return prices, nil
}
