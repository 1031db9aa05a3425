package grid

import (
	"swap-grid-bot-go/internal/models"
	"time"
)

// NewGridConfig 根据创建参数生成并校验网格配置。
// 提供自定义价格表时，上下限与层级数以价格表为准。
func NewGridConfig(params models.GridParams, defaultSlippageBps int, now time.Time) (*models.GridConfig, error) {
	cfg := &models.GridConfig{
		ID:            params.ID,
		SourceToken:   params.SourceToken,
		TargetToken:   params.TargetToken,
		LowerLimit:    params.LowerLimit,
		UpperLimit:    params.UpperLimit,
		LevelCount:    params.LevelCount,
		TotalQuantity: params.TotalQuantity,
		SlippageBps:   params.SlippageBps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if cfg.SlippageBps == 0 {
		cfg.SlippageBps = defaultSlippageBps
	}

	if len(params.LevelTable) > 0 {
		if err := ValidateLevelTable(params.ID, params.LevelTable); err != nil {
			return nil, err
		}
		cfg.LevelTable = append([]float64(nil), params.LevelTable...)
		cfg.LevelCount = len(cfg.LevelTable) - 1
		cfg.LowerLimit = cfg.LevelTable[0]
		cfg.UpperLimit = cfg.LevelTable[cfg.LevelCount]
	} else {
		table, err := BuildLevelTable(cfg.LowerLimit, cfg.UpperLimit, cfg.LevelCount)
		if err != nil {
			return nil, withGridID(err, params.ID)
		}
		cfg.LevelTable = table
	}

	if params.TotalQuantity <= 0 {
		return nil, models.NewConfigError(params.ID, "total_quantity", "must be positive")
	}
	cfg.QuantityPerLevel = params.TotalQuantity / float64(cfg.LevelCount)

	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func withGridID(err error, gridID string) error {
	if ce, ok := err.(*models.ConfigError); ok && ce.GridID == "" {
		ce.GridID = gridID
	}
	return err
}
