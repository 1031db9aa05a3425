package models

import (
	"math"
	"time"
)

// Direction 定义了一次穿越所对应的交易方向
type Direction string

const (
	Buy  Direction = "BUY"
	Sell Direction = "SELL"
)

// ValidPrice 报告价格是否可用: 有限的正数。NaN、Inf 和非正数都视为缺失。
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 0) && !math.IsNaN(p)
}

// UnsetLevel 表示网格尚未观察到任何价格
const UnsetLevel = -1

// GridPhase 网格的生命周期阶段
type GridPhase string

const (
	PhaseUninitialized GridPhase = "UNINITIALIZED"
	PhaseTracking      GridPhase = "TRACKING"
)

// Token 代表交易对中的一侧资产
type Token struct {
	ID     string `json:"id"`     // 价格源/执行场所使用的标识 (交易所资产名或链上 mint 地址)
	Symbol string `json:"symbol"` // 可读符号, e.g., "BNB"
}

// GridParams 是创建网格时的输入参数
type GridParams struct {
	ID            string    `json:"id,omitempty"`
	SourceToken   Token     `json:"source_token"`
	TargetToken   Token     `json:"target_token"`
	LowerLimit    float64   `json:"lower_limit"`
	UpperLimit    float64   `json:"upper_limit"`
	LevelCount    int       `json:"level_count"`
	TotalQuantity float64   `json:"total_quantity"`         // 以目标代币计的总投入
	SlippageBps   int       `json:"slippage_bps,omitempty"` // 为0时使用全局默认值
	LevelTable    []float64 `json:"level_table,omitempty"`  // 可选: 自定义的严格递增价格表
}

// GridConfig 定义了一个网格。创建后只能通过区间编辑整体替换。
type GridConfig struct {
	ID               string    `json:"id"`
	SourceToken      Token     `json:"source_token"`
	TargetToken      Token     `json:"target_token"`
	LowerLimit       float64   `json:"lower_limit"`
	UpperLimit       float64   `json:"upper_limit"`
	LevelCount       int       `json:"level_count"`
	LevelTable       []float64 `json:"level_table"` // 索引 0..LevelCount 的边界价格
	QuantityPerLevel float64   `json:"quantity_per_level"`
	TotalQuantity    float64   `json:"total_quantity"`
	SlippageBps      int       `json:"slippage_bps"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Pair 返回 "SOURCE/TARGET" 形式的交易对名称
func (c *GridConfig) Pair() string {
	return c.SourceToken.Symbol + "/" + c.TargetToken.Symbol
}

// Clone 返回配置的深拷贝
func (c *GridConfig) Clone() *GridConfig {
	if c == nil {
		return nil
	}
	cp := *c
	cp.LevelTable = append([]float64(nil), c.LevelTable...)
	return &cp
}

// GridState 是单个网格在内存中的可变状态，只由控制器修改。
type GridState struct {
	GridID            string    `json:"grid_id"`
	CurrentLevel      int       `json:"current_level"`       // UnsetLevel 表示尚未初始化
	LastObservedPrice float64   `json:"last_observed_price"` // 0 表示尚未观察到价格
	SourceInventory   float64   `json:"source_inventory"`
	TargetInventory   float64   `json:"target_inventory"`
	TotalBuys         int       `json:"total_buys"`
	TotalSells        int       `json:"total_sells"`
	RealizedProfit    float64   `json:"realized_profit"`
	LastTickAt        time.Time `json:"last_tick_at"`
}

// NewGridState 返回一个未初始化的网格状态
func NewGridState(gridID string) *GridState {
	return &GridState{GridID: gridID, CurrentLevel: UnsetLevel}
}

// Phase 根据当前层级推导网格阶段
func (s *GridState) Phase() GridPhase {
	if s.CurrentLevel == UnsetLevel {
		return PhaseUninitialized
	}
	return PhaseTracking
}

// CrossingEvent 一次层级穿越
type CrossingEvent struct {
	GridID    string    `json:"grid_id"`
	Level     int       `json:"level"`
	Direction Direction `json:"direction"`
}

// TradeIntent 是一次穿越对应的待执行兑换
type TradeIntent struct {
	Key            string    `json:"key"` // 由 (grid, level, direction, amount) 推导的确定性标识
	GridID         string    `json:"grid_id"`
	Direction      Direction `json:"direction"`
	Level          int       `json:"level"`
	LevelPrice     float64   `json:"level_price"`
	InputToken     Token     `json:"input_token"`
	OutputToken    Token     `json:"output_token"`
	InputAmount    float64   `json:"input_amount"`
	ExpectedOutput float64   `json:"expected_output"`
	ExpectedProfit *float64  `json:"expected_profit,omitempty"` // 仅 SELL
	SlippageBps    int       `json:"slippage_bps"`
}

// TradeRecord 是一笔已执行兑换的只追加记录
type TradeRecord struct {
	ID           string    `json:"id"`
	GridID       string    `json:"grid_id"`
	Direction    Direction `json:"direction"`
	Level        int       `json:"level"`
	LevelPrice   float64   `json:"level_price"`
	InputToken   string    `json:"input_token"`
	OutputToken  string    `json:"output_token"`
	InputAmount  float64   `json:"input_amount"`
	OutputAmount float64   `json:"output_amount"`
	Profit       *float64  `json:"profit,omitempty"` // BUY 永远为空
	TxRef        string    `json:"tx_ref"`
	ExecutedAt   time.Time `json:"executed_at"`
}

// Checkpoint 是网格状态的持久化镜像
type Checkpoint struct {
	GridID          string    `json:"grid_id"`
	Level           int       `json:"level"`
	Price           float64   `json:"price"`
	SourceInventory float64   `json:"source_inventory"`
	TargetInventory float64   `json:"target_inventory"`
	TotalBuys       int       `json:"total_buys"`
	TotalSells      int       `json:"total_sells"`
	RealizedProfit  float64   `json:"realized_profit"`
	LowerLimit      float64   `json:"lower_limit"` // 以下三个字段标识计算 Level 时所用的价格表
	UpperLimit      float64   `json:"upper_limit"`
	LevelCount      int       `json:"level_count"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// NewCheckpoint 从配置和状态生成检查点
func NewCheckpoint(cfg *GridConfig, st *GridState, now time.Time) *Checkpoint {
	return &Checkpoint{
		GridID:          st.GridID,
		Level:           st.CurrentLevel,
		Price:           st.LastObservedPrice,
		SourceInventory: st.SourceInventory,
		TargetInventory: st.TargetInventory,
		TotalBuys:       st.TotalBuys,
		TotalSells:      st.TotalSells,
		RealizedProfit:  st.RealizedProfit,
		LowerLimit:      cfg.LowerLimit,
		UpperLimit:      cfg.UpperLimit,
		LevelCount:      cfg.LevelCount,
		UpdatedAt:       now,
	}
}

// MatchesTable 判断检查点是否基于给定配置的价格表
func (c *Checkpoint) MatchesTable(cfg *GridConfig) bool {
	return c.LowerLimit == cfg.LowerLimit && c.UpperLimit == cfg.UpperLimit && c.LevelCount == cfg.LevelCount
}

// Counters 网格的累计成交计数
type Counters struct {
	GridID     string    `json:"grid_id"`
	TotalBuys  int       `json:"total_buys"`
	TotalSells int       `json:"total_sells"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// GridSnapshot 是供外部读取的只读快照
type GridSnapshot struct {
	Config GridConfig `json:"config"`
	State  GridState  `json:"state"`
	Phase  GridPhase  `json:"phase"`
}
