// Package grid 实现网格的纯计算部分: 价格定位、穿越解析、价格表重算与交易意图构建。
package grid

import (
	"fmt"
	"math"
	"sort"
	"swap-grid-bot-go/internal/models"

	"github.com/shopspring/decimal"
)

// MinLevelCount 网格至少需要的层级数
const MinLevelCount = 2

// BuildLevelTable 生成 [lower, upper] 区间内等距的 levelCount+1 个边界价格。
// 中间值用 decimal 计算，避免浮点累加误差让边界落在错误的一侧。
func BuildLevelTable(lower, upper float64, levelCount int) ([]float64, error) {
	if err := validateRange("", lower, upper, levelCount); err != nil {
		return nil, err
	}

	lo := decimal.NewFromFloat(lower)
	step := decimal.NewFromFloat(upper).Sub(lo).Div(decimal.NewFromInt(int64(levelCount)))

	table := make([]float64, levelCount+1)
	for i := 0; i < levelCount; i++ {
		table[i] = lo.Add(step.Mul(decimal.NewFromInt(int64(i)))).InexactFloat64()
	}
	table[levelCount] = upper
	return table, nil
}

func validateRange(gridID string, lower, upper float64, levelCount int) error {
	if levelCount < MinLevelCount {
		return models.NewConfigError(gridID, "level_count", fmt.Sprintf("must be >= %d, got %d", MinLevelCount, levelCount))
	}
	if !isPositiveFinite(lower) || !isPositiveFinite(upper) {
		return models.NewConfigError(gridID, "range", fmt.Sprintf("limits must be positive, got [%v, %v]", lower, upper))
	}
	if upper <= lower {
		return models.NewConfigError(gridID, "range", fmt.Sprintf("upper limit %v must be greater than lower limit %v", upper, lower))
	}
	return nil
}

// ValidateLevelTable 检查价格表是否严格递增且至少包含两个层级
func ValidateLevelTable(gridID string, table []float64) error {
	if len(table) < MinLevelCount+1 {
		return models.NewConfigError(gridID, "level_table", fmt.Sprintf("need at least %d boundaries, got %d", MinLevelCount+1, len(table)))
	}
	for i, p := range table {
		if !isPositiveFinite(p) {
			return models.NewConfigError(gridID, "level_table", fmt.Sprintf("boundary %d is not a positive price: %v", i, p))
		}
		if i > 0 && p <= table[i-1] {
			return models.NewConfigError(gridID, "level_table", fmt.Sprintf("not strictly increasing at index %d (%v <= %v)", i, p, table[i-1]))
		}
	}
	return nil
}

// ValidateConfig 检查一个完整的网格配置
func ValidateConfig(cfg *models.GridConfig) error {
	if cfg.SourceToken.ID == "" || cfg.TargetToken.ID == "" {
		return models.NewConfigError(cfg.ID, "tokens", "source and target token ids are required")
	}
	if cfg.SourceToken.ID == cfg.TargetToken.ID {
		return models.NewConfigError(cfg.ID, "tokens", "source and target token must differ")
	}
	if err := validateRange(cfg.ID, cfg.LowerLimit, cfg.UpperLimit, cfg.LevelCount); err != nil {
		return err
	}
	if len(cfg.LevelTable) != cfg.LevelCount+1 {
		return models.NewConfigError(cfg.ID, "level_table", fmt.Sprintf("expected %d boundaries, got %d", cfg.LevelCount+1, len(cfg.LevelTable)))
	}
	if err := ValidateLevelTable(cfg.ID, cfg.LevelTable); err != nil {
		return err
	}
	if cfg.LevelTable[0] != cfg.LowerLimit || cfg.LevelTable[cfg.LevelCount] != cfg.UpperLimit {
		return models.NewConfigError(cfg.ID, "level_table", "first and last boundaries must equal the grid limits")
	}
	if !isPositiveFinite(cfg.QuantityPerLevel) {
		return models.NewConfigError(cfg.ID, "quantity_per_level", fmt.Sprintf("must be positive, got %v", cfg.QuantityPerLevel))
	}
	if cfg.SlippageBps < 0 || cfg.SlippageBps > 10000 {
		return models.NewConfigError(cfg.ID, "slippage_bps", fmt.Sprintf("must be within [0, 10000], got %d", cfg.SlippageBps))
	}
	return nil
}

// Locate 返回价格所在的层级。区间为左闭右开 [table[i], table[i+1])，
// 恰好等于 table[i] 的价格属于层级 i; 超出范围时钳制到 0 或 levelCount。
// NaN 与 Inf 不属于任何层级，返回 ErrPriceUnavailable。
func Locate(table []float64, price float64) (int, error) {
	if err := ValidateLevelTable("", table); err != nil {
		return 0, err
	}
	if math.IsNaN(price) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: non-finite price %v", models.ErrPriceUnavailable, price)
	}
	n := len(table) - 1
	if price <= table[0] {
		return 0, nil
	}
	if price >= table[n] {
		return n, nil
	}
	// 第一个严格大于 price 的边界的前一个即为所在层级
	idx := sort.Search(len(table), func(i int) bool { return table[i] > price })
	return idx - 1, nil
}

func isPositiveFinite(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}
