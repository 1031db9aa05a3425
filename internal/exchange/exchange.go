package exchange

import (
	"context"
	"encoding/binary"
	"swap-grid-bot-go/internal/models"
	"time"

	"github.com/jxskiss/base62"
)

// ExecutionRequest 描述一次兑换: 用 InputAmount 个 InputToken 换取 OutputToken
type ExecutionRequest struct {
	ClientID       string // 客户端订单ID，由意图标识派生
	InputToken     models.Token
	OutputToken    models.Token
	InputAmount    float64
	SlippageBps    int
	ReferencePrice float64 // 层级价格 (目标代币/源代币)，仅用于日志
}

// ExecutionResult 兑换结果
type ExecutionResult struct {
	InputAmount  float64 // 实际消耗的输入数量
	OutputAmount float64 // 实际得到的输出数量
	TxRef        string
	ExecutedAt   time.Time
}

// Venue 定义了执行场所的接口。失败时返回 *models.ExecutionFailure。
type Venue interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// PriceSource 定义了价格源的接口。
// 整体失败返回 error; 单个代币缺失时不出现在结果中，绝不以0代替。
type PriceSource interface {
	GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error)
}

// ClientOrderID 将意图标识与时间戳组合为交易所可接受的客户端订单ID (<= 36 字符)
func ClientOrderID(intentKey string, now time.Time) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(now.UnixMilli()))
	id := "g" + intentKey + "-" + base62.EncodeToString(buf[:])
	if len(id) > 36 {
		id = id[:36]
	}
	return id
}
