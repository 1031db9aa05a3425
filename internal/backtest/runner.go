package backtest

import (
	"context"
	"errors"
	"fmt"
	"swap-grid-bot-go/internal/controller"
	"swap-grid-bot-go/internal/exchange"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/persistence"
	"swap-grid-bot-go/internal/reporter"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage/memory"
	"time"

	"go.uber.org/zap"
)

// Runner 用历史K线驱动真实的控制器，执行场所和价格源都是 PaperVenue
type Runner struct {
	opts   controller.Options
	paper  models.PaperConfig
	logger *zap.Logger
}

// Result 一次回测的结果
type Result struct {
	Metrics      *reporter.Metrics
	Records      []*models.TradeRecord
	Snapshots    []models.GridSnapshot
	Ticks        int
	StoppedEarly bool
}

// NewRunner 创建回测器。回测不受周期间隔影响，每根K线就是一个周期。
func NewRunner(cfg *models.Config, logger *zap.Logger) *Runner {
	return &Runner{
		opts:   controller.OptionsFromConfig(cfg),
		paper:  cfg.Paper,
		logger: logger,
	}
}

// Run 在同一组K线上回测所有网格。所有网格必须是同一交易对。
func (r *Runner) Run(ctx context.Context, klines []Kline, params []models.GridParams) (*Result, error) {
	if len(klines) == 0 {
		return nil, errors.New("没有可回测的K线")
	}
	if len(params) == 0 {
		return nil, errors.New("没有可回测的网格")
	}
	source, target := params[0].SourceToken, params[0].TargetToken
	for _, p := range params[1:] {
		if p.SourceToken.ID != source.ID || p.TargetToken.ID != target.ID {
			return nil, fmt.Errorf("回测的网格必须使用同一交易对, %s/%s 与 %s/%s 不一致",
				source.Symbol, target.Symbol, p.SourceToken.Symbol, p.TargetToken.Symbol)
		}
	}

	venue := exchange.NewPaperVenue(r.fundedPaperConfig(target.ID, params))
	store := memory.NewStore()
	checkpoints, err := persistence.NewBadgerRepository("")
	if err != nil {
		return nil, err
	}
	defer checkpoints.Close()

	now := klines[0].OpenTime
	ctrl := controller.New(r.opts, statemanager.NewStateManager(r.logger), venue, venue, store, checkpoints, r.logger)
	ctrl.SetClock(func() time.Time { return now })

	venue.SetPrices(map[string]float64{source.ID: klines[0].Close, target.ID: 1}, now)
	if err := ctrl.SeedGrids(ctx, params); err != nil {
		return nil, err
	}
	if len(ctrl.Snapshots()) == 0 {
		return nil, errors.New("所有网格配置均非法, 无法回测")
	}

	r.logger.Info("开始回测...",
		zap.Int("klines", len(klines)),
		zap.Int("grids", len(ctrl.Snapshots())),
		zap.String("pair", source.Symbol+"/"+target.Symbol))

	result := &Result{}
	for _, k := range klines {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		now = k.OpenTime
		venue.SetPrices(map[string]float64{source.ID: k.Close, target.ID: 1}, now)
		ctrl.ProcessTick(ctx)
		result.Ticks++

		if exhausted(venue, ctrl.Snapshots()) {
			r.logger.Warn("所有网格的余额都已耗尽，提前终止回测循环。", zap.Time("at", now))
			result.StoppedEarly = true
			break
		}
	}
	r.logger.Info("回测结束。", zap.Int("ticks", result.Ticks))

	result.Records = store.AllTradeRecords()
	result.Snapshots = ctrl.Snapshots()
	result.Metrics = reporter.CalculateMetrics(venue, result.Records)
	result.Metrics.StartTime = klines[0].OpenTime
	result.Metrics.EndTime = now
	return result, nil
}

// fundedPaperConfig 没有配置初始余额时，用所有网格的总投入作为目标代币余额
func (r *Runner) fundedPaperConfig(targetID string, params []models.GridParams) models.PaperConfig {
	cfg := r.paper
	if len(cfg.InitialBalances) > 0 {
		return cfg
	}
	total := 0.0
	for _, p := range params {
		total += p.TotalQuantity
	}
	cfg.InitialBalances = map[string]float64{targetID: total}
	return cfg
}

// exhausted 当每个网格都既买不起一个层级、也卖不出一个层级时返回 true
func exhausted(venue *exchange.PaperVenue, snaps []models.GridSnapshot) bool {
	if len(snaps) == 0 {
		return true
	}
	for _, s := range snaps {
		cfg := s.Config
		if s.Phase == models.PhaseUninitialized {
			return false
		}
		canBuy := venue.Balance(cfg.TargetToken.ID) >= cfg.QuantityPerLevel
		canSell := venue.Balance(cfg.SourceToken.ID) >= cfg.QuantityPerLevel/cfg.UpperLimit
		if canBuy || canSell {
			return false
		}
	}
	return true
}
