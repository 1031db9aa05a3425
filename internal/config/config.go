package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"swap-grid-bot-go/internal/models"
)

// 默认值
const (
	DefaultLiveAPIURL      = "https://api.binance.com"
	DefaultLiveWSURL       = "wss://stream.binance.com:9443"
	DefaultTestnetAPIURL   = "https://testnet.binance.vision"
	DefaultTestnetWSURL    = "wss://testnet.binance.vision"
	DefaultJupiterPriceURL = "https://api.jup.ag/price/v2"
)

// 支持的执行场所与价格源
const (
	VenueBinance = "binance"
	VenuePaper   = "paper"

	PriceSourceBinance   = "binance"
	PriceSourceBinanceWS = "binance_ws"
	PriceSourceJupiter   = "jupiter"
)

// LoadConfig 从指定路径加载JSON配置文件，补全默认值并校验
func LoadConfig(path string) (*models.Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	cfg := &models.Config{}
	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件 %s 失败: %w", path, err)
	}

	if dsn := os.Getenv("POSTGRES_DSN"); dsn != "" {
		cfg.PostgresDSN = dsn
	}
	SetDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ResolveEndpoints(cfg)
	return cfg, nil
}

// SetDefaults 为未设置的字段填充默认值
func SetDefaults(cfg *models.Config) {
	setString(&cfg.DBPath, "data/gridbot.db")
	setString(&cfg.CheckpointPath, "data/checkpoints")
	setString(&cfg.Venue, VenuePaper)
	setString(&cfg.PriceSource, PriceSourceBinance)
	setString(&cfg.QuoteAsset, "USDT")
	setString(&cfg.LiveAPIURL, DefaultLiveAPIURL)
	setString(&cfg.LiveWSURL, DefaultLiveWSURL)
	setString(&cfg.TestnetAPIURL, DefaultTestnetAPIURL)
	setString(&cfg.TestnetWSURL, DefaultTestnetWSURL)
	setString(&cfg.JupiterPriceURL, DefaultJupiterPriceURL)

	setInt(&cfg.TickIntervalSec, 10)
	setInt(&cfg.MaxParallelGrids, 4)
	setInt(&cfg.ExecutionTimeoutSec, 60)
	setInt(&cfg.DefaultSlippageBps, 50)
	setInt(&cfg.PriceStaleSec, 30)
	setInt(&cfg.PriceFailureAlertTicks, 3)
	setInt(&cfg.WebSocketPongTimeoutSec, 60)
	setInt(&cfg.WebSocketPingIntervalSec, cfg.WebSocketPongTimeoutSec*9/10)

	setString(&cfg.LogConfig.Level, "info")
	setString(&cfg.LogConfig.Output, "console")
	setString(&cfg.LogConfig.File, "logs/gridbot.log")
	setInt(&cfg.LogConfig.MaxSize, 100)
	setInt(&cfg.LogConfig.MaxBackups, 5)
	setInt(&cfg.LogConfig.MaxAge, 30)
}

// Validate 校验全局配置。网格本身的参数在创建时由 grid 包校验。
func Validate(cfg *models.Config) error {
	var errs []error
	switch cfg.Venue {
	case VenueBinance, VenuePaper:
	default:
		errs = append(errs, fmt.Errorf("venue 必须是 %q 或 %q, 当前为 %q", VenueBinance, VenuePaper, cfg.Venue))
	}
	switch cfg.PriceSource {
	case PriceSourceBinance, PriceSourceBinanceWS, PriceSourceJupiter:
	default:
		errs = append(errs, fmt.Errorf("未知的价格源 %q", cfg.PriceSource))
	}
	if cfg.TickIntervalSec <= 0 {
		errs = append(errs, errors.New("tick_interval_sec 必须为正数"))
	}
	if cfg.MaxParallelGrids <= 0 {
		errs = append(errs, errors.New("max_parallel_grids 必须为正数"))
	}
	if cfg.ExecutionTimeoutSec <= 0 {
		errs = append(errs, errors.New("execution_timeout_sec 必须为正数"))
	}
	if cfg.DefaultSlippageBps <= 0 || cfg.DefaultSlippageBps > 10000 {
		errs = append(errs, fmt.Errorf("default_slippage_bps 必须在 1..10000 之间, 当前为 %d", cfg.DefaultSlippageBps))
	}
	if cfg.WebSocketPingIntervalSec >= cfg.WebSocketPongTimeoutSec {
		errs = append(errs, errors.New("websocket_ping_interval_sec 必须小于 websocket_pong_timeout_sec"))
	}
	if cfg.Paper.FeeRate < 0 || cfg.Paper.FeeRate >= 1 {
		errs = append(errs, fmt.Errorf("paper.fee_rate 必须在 [0,1) 之间, 当前为 %v", cfg.Paper.FeeRate))
	}
	if cfg.Paper.SlippageRate < 0 || cfg.Paper.SlippageRate >= 1 {
		errs = append(errs, fmt.Errorf("paper.slippage_rate 必须在 [0,1) 之间, 当前为 %v", cfg.Paper.SlippageRate))
	}

	seen := make(map[string]bool)
	for i, g := range cfg.Grids {
		if g.ID == "" {
			continue
		}
		if seen[g.ID] {
			errs = append(errs, fmt.Errorf("grids[%d]: 重复的网格ID %q", i, g.ID))
		}
		seen[g.ID] = true
	}
	return errors.Join(errs...)
}

// ResolveEndpoints 根据是否使用测试网设置 BaseURL 与 WSBaseURL
func ResolveEndpoints(cfg *models.Config) {
	if cfg.IsTestnet {
		cfg.BaseURL = cfg.TestnetAPIURL
		cfg.WSBaseURL = cfg.TestnetWSURL
		return
	}
	cfg.BaseURL = cfg.LiveAPIURL
	cfg.WSBaseURL = cfg.LiveWSURL
}

func setString(field *string, def string) {
	if *field == "" {
		*field = def
	}
}

func setInt(field *int, def int) {
	if *field == 0 {
		*field = def
	}
}
