package grid

import (
	"crypto/sha256"
	"fmt"
	"strconv"
	"swap-grid-bot-go/internal/models"

	"github.com/jxskiss/base62"
)

// BuildIntent 将一次穿越转换为完整的兑换意图。相同输入总是得到相同的意图。
//
// BUY 花费目标代币买入源代币，输入量为 quantityPerLevel。
// SELL 卖出源代币，输入量为 quantityPerLevel / 层级价格，利润按
// (层级价格 - 下一层级价格) * 输入量 估算。这是近似值，不做逐笔配对。
func BuildIntent(cfg *models.GridConfig, event models.CrossingEvent) (*models.TradeIntent, error) {
	if event.Level < 0 || event.Level > cfg.LevelCount || event.Level >= len(cfg.LevelTable) {
		return nil, models.NewConfigError(cfg.ID, "level", fmt.Sprintf("level %d outside table of %d levels", event.Level, cfg.LevelCount))
	}
	levelPrice := cfg.LevelTable[event.Level]

	intent := &models.TradeIntent{
		GridID:      cfg.ID,
		Direction:   event.Direction,
		Level:       event.Level,
		LevelPrice:  levelPrice,
		SlippageBps: cfg.SlippageBps,
	}

	switch event.Direction {
	case models.Buy:
		intent.InputToken = cfg.TargetToken
		intent.OutputToken = cfg.SourceToken
		intent.InputAmount = cfg.QuantityPerLevel
		intent.ExpectedOutput = cfg.QuantityPerLevel / levelPrice
	case models.Sell:
		intent.InputToken = cfg.SourceToken
		intent.OutputToken = cfg.TargetToken
		intent.InputAmount = cfg.QuantityPerLevel / levelPrice
		intent.ExpectedOutput = cfg.QuantityPerLevel
		profit := (levelPrice - referenceBuyPrice(cfg, event.Level)) * intent.InputAmount
		intent.ExpectedProfit = &profit
	default:
		return nil, fmt.Errorf("unknown crossing direction %q", event.Direction)
	}

	intent.Key = IntentKey(intent.GridID, intent.Level, intent.Direction, intent.InputAmount)
	return intent, nil
}

// referenceBuyPrice 返回卖出层级下方一个层级的边界价格，越界时使用下限
func referenceBuyPrice(cfg *models.GridConfig, level int) float64 {
	if level-1 < 0 {
		return cfg.LowerLimit
	}
	return cfg.LevelTable[level-1]
}

// IntentKey 由意图的决定性字段生成 base62 标识，可作为执行场所的客户端订单ID前缀
func IntentKey(gridID string, level int, direction models.Direction, inputAmount float64) string {
	raw := gridID + "|" + strconv.Itoa(level) + "|" + string(direction) + "|" + strconv.FormatFloat(inputAmount, 'g', -1, 64)
	sum := sha256.Sum256([]byte(raw))
	return base62.EncodeToString(sum[:12])
}
