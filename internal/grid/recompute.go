package grid

import (
	"swap-grid-bot-go/internal/models"
	"time"
)

// RangeEdit 描述一次区间编辑。LevelCount 为 0 时沿用原层级数。
type RangeEdit struct {
	LowerLimit float64 `json:"lower_limit"`
	UpperLimit float64 `json:"upper_limit"`
	LevelCount int     `json:"level_count,omitempty"`
}

// Recompute 按新的区间重建等距价格表，并用最后观察到的价格把当前层级投影到新表上。
// 任何校验失败都不会产生部分更新; 原配置不会被修改。
// 库存不会自动再平衡，由调用方记录。
func Recompute(old *models.GridConfig, state *models.GridState, edit RangeEdit, now time.Time) (*models.GridConfig, int, error) {
	levelCount := edit.LevelCount
	if levelCount == 0 {
		levelCount = old.LevelCount
	}

	table, err := BuildLevelTable(edit.LowerLimit, edit.UpperLimit, levelCount)
	if err != nil {
		return nil, models.UnsetLevel, withGridID(err, old.ID)
	}

	next := old.Clone()
	next.LowerLimit = edit.LowerLimit
	next.UpperLimit = edit.UpperLimit
	next.LevelCount = levelCount
	next.LevelTable = table
	next.QuantityPerLevel = next.TotalQuantity / float64(levelCount)
	next.UpdatedAt = now

	if err := ValidateConfig(next); err != nil {
		return nil, models.UnsetLevel, err
	}

	if state == nil || state.CurrentLevel == models.UnsetLevel || state.LastObservedPrice <= 0 {
		return next, models.UnsetLevel, nil
	}
	level, err := Locate(table, state.LastObservedPrice)
	if err != nil {
		return nil, models.UnsetLevel, withGridID(err, old.ID)
	}
	return next, level, nil
}
