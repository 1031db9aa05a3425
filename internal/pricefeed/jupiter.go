package pricefeed

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"swap-grid-bot-go/internal/models"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/sugawarayuuta/sonnet"
	"go.uber.org/zap"
)

// jupiterMaxIDs 单次请求最多查询的 mint 数量
const jupiterMaxIDs = 100

// JupiterPriceSource 通过 Jupiter 价格接口获取以 USD 计价的 Solana 代币价格。
// 代币ID即 mint 地址。
type JupiterPriceSource struct {
	baseURL string
	client  *http.Client
	logger  *zap.Logger
}

// NewJupiterPriceSource 创建一个新的 JupiterPriceSource
func NewJupiterPriceSource(baseURL string, timeout time.Duration, logger *zap.Logger) *JupiterPriceSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JupiterPriceSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type jupiterResponse struct {
	Data map[string]*jupiterPrice `json:"data"`
}

type jupiterPrice struct {
	ID    string      `json:"id"`
	Price stringFloat `json:"price"`
}

// stringFloat 兼容字符串和数字两种价格格式
type stringFloat float64

func (f *stringFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return err
	}
	*f = stringFloat(v)
	return nil
}

// ValidateMint 检查 mint 地址是否为 32 字节的 base58 公钥
func ValidateMint(mint string) error {
	raw, err := base58.Decode(mint)
	if err != nil {
		return fmt.Errorf("mint %q is not base58: %w", mint, err)
	}
	if len(raw) != 32 {
		return fmt.Errorf("mint %q decodes to %d bytes, want 32", mint, len(raw))
	}
	return nil
}

// IsOnCurve 报告 mint 是否位于 ed25519 曲线上。程序派生地址 (PDA) 不在曲线上。
func IsOnCurve(mint string) bool {
	raw, err := base58.Decode(mint)
	if err != nil || len(raw) != 32 {
		return false
	}
	_, err = new(edwards25519.Point).SetBytes(raw)
	return err == nil
}

// GetPrices 实现 PriceSource 接口。非法 mint 与接口返回 null 的代币不出现在结果中。
func (j *JupiterPriceSource) GetPrices(ctx context.Context, tokenIDs []string) (map[string]float64, error) {
	ids := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if err := ValidateMint(id); err != nil {
			j.logger.Warn("跳过非法的 mint 地址", zap.String("mint", id), zap.Error(err))
			continue
		}
		if !IsOnCurve(id) {
			j.logger.Debug("mint 为程序派生地址", zap.String("mint", id))
		}
		ids = append(ids, id)
	}

	out := make(map[string]float64, len(ids))
	for start := 0; start < len(ids); start += jupiterMaxIDs {
		end := min(start+jupiterMaxIDs, len(ids))
		if err := j.fetch(ctx, ids[start:end], out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (j *JupiterPriceSource) fetch(ctx context.Context, ids []string, out map[string]float64) error {
	u := j.baseURL + "?ids=" + url.QueryEscape(strings.Join(ids, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("build jupiter request: %w", err)
	}
	resp, err := j.client.Do(req)
	if err != nil {
		return fmt.Errorf("jupiter price request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read jupiter response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("jupiter price API returned %d: %s", resp.StatusCode, truncate(string(body), 200))
	}

	var parsed jupiterResponse
	if err := sonnet.Unmarshal(body, &parsed); err != nil {
		return fmt.Errorf("decode jupiter response: %w", err)
	}
	for _, id := range ids {
		p := parsed.Data[id]
		if p == nil || !models.ValidPrice(float64(p.Price)) {
			continue
		}
		out[id] = float64(p.Price)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
