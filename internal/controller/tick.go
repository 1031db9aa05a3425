package controller

import (
	"context"
	"errors"
	"fmt"
	"swap-grid-bot-go/internal/exchange"
	"swap-grid-bot-go/internal/grid"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/statemanager"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickReport 汇总一个周期的处理结果
type TickReport struct {
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration"`
	Overlapped          bool          `json:"overlapped"`         // 上一个周期仍在运行，本周期被跳过
	PriceFetchFailed    bool          `json:"price_fetch_failed"` // 整批取价失败，没有网格被更新
	Processed           int           `json:"processed"`
	SkippedNoPrice      int           `json:"skipped_no_price"`
	Initialized         int           `json:"initialized"`
	Trades              int           `json:"trades"`
	ExecutionFailures   int           `json:"execution_failures"`
	PersistenceFailures int           `json:"persistence_failures"`
}

// gridOutcome 单个网格在一个周期内的结果
type gridOutcome struct {
	processed           bool
	skipped             bool
	initialized         bool
	trades              int
	executionFailures   int
	persistenceFailures int
}

func (r *TickReport) add(o gridOutcome) {
	if o.processed {
		r.Processed++
	}
	if o.skipped {
		r.SkippedNoPrice++
	}
	if o.initialized {
		r.Initialized++
	}
	r.Trades += o.trades
	r.ExecutionFailures += o.executionFailures
	r.PersistenceFailures += o.persistenceFailures
}

// ProcessTick 执行一个完整周期。与正在运行的周期重叠时直接跳过。
// 单个网格的错误只影响该网格，不会中断其他网格。
func (c *Controller) ProcessTick(ctx context.Context) (report TickReport) {
	if !c.ticking.CompareAndSwap(false, true) {
		c.logger.Warn("上一个周期仍在运行，跳过本周期")
		c.statsMu.Lock()
		c.stats.OverlappedTicks++
		c.statsMu.Unlock()
		return TickReport{StartedAt: c.now(), Overlapped: true}
	}
	defer c.ticking.Store(false)

	began := time.Now()
	report = TickReport{StartedAt: c.now()}
	defer func() {
		report.Duration = time.Since(began)
		c.finishTick(report)
	}()

	if c.stopping.Load() {
		return report
	}
	ids := c.states.IDs()
	if len(ids) == 0 {
		return report
	}

	prices, err := c.prices.GetPrices(ctx, c.trackedTokens())
	if err != nil {
		report.PriceFetchFailed = true
		c.recordPriceFailure(err)
		return report
	}
	c.resetPriceFailures()

	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		sem = make(chan struct{}, c.opts.MaxParallelGrids)
	)
	for _, id := range ids {
		if c.stopping.Load() {
			break
		}
		sem <- struct{}{}
		wg.Add(1)
		go func(gridID string) {
			defer wg.Done()
			defer func() { <-sem }()
			outcome := c.processGrid(ctx, gridID, prices)
			mu.Lock()
			report.add(outcome)
			mu.Unlock()
		}(id)
	}
	wg.Wait()
	return report
}

func (c *Controller) finishTick(report TickReport) {
	c.statsMu.Lock()
	c.stats.Ticks++
	c.stats.TradesExecuted += int64(report.Trades)
	c.stats.ExecutionFailures += int64(report.ExecutionFailures)
	c.stats.PersistenceFailures += int64(report.PersistenceFailures)
	c.stats.LastTick = report
	c.statsMu.Unlock()

	fields := []zap.Field{
		zap.Int("processed", report.Processed),
		zap.Int("skipped_no_price", report.SkippedNoPrice),
		zap.Int("initialized", report.Initialized),
		zap.Int("trades", report.Trades),
		zap.Int("execution_failures", report.ExecutionFailures),
		zap.Int("persistence_failures", report.PersistenceFailures),
		zap.Duration("duration", report.Duration),
	}
	if report.Trades > 0 || report.ExecutionFailures > 0 || report.PersistenceFailures > 0 {
		c.logger.Info("周期完成", fields...)
	} else {
		c.logger.Debug("周期完成", fields...)
	}
}

// processGrid 在网格锁内完成一次 读取-穿越重放-写回
func (c *Controller) processGrid(ctx context.Context, gridID string, prices map[string]float64) gridOutcome {
	var out gridOutcome
	err := c.states.WithGrid(gridID, func(h *statemanager.GridHandle) error {
		cfg, st := h.Config, h.State

		price, err := gridPrice(cfg, prices)
		if err != nil {
			c.logger.Debug("价格不可用，跳过网格", zap.String("grid_id", cfg.ID), zap.Error(err))
			out.skipped = true
			return nil
		}
		newLevel, err := grid.Locate(cfg.LevelTable, price)
		if err != nil {
			return err
		}
		out.processed = true
		now := c.now()

		if st.CurrentLevel == models.UnsetLevel {
			st.CurrentLevel = newLevel
			st.LastObservedPrice = price
			st.LastTickAt = now
			out.initialized = true
			c.logger.Info("网格首次观察到价格，记录层级，不交易",
				zap.String("grid_id", cfg.ID),
				zap.String("pair", cfg.Pair()),
				zap.Float64("price", price),
				zap.Int("level", newLevel))
			out.persistenceFailures += c.saveCheckpoint(cfg, st, now)
			return nil
		}

		events := grid.Resolve(cfg.ID, st.CurrentLevel, newLevel)
		st.LastObservedPrice = price
		st.LastTickAt = now

		buys, sells := 0, 0
		for i, ev := range events {
			if c.stopping.Load() {
				c.logger.Info("正在停止，剩余穿越留待下次运行",
					zap.String("grid_id", cfg.ID),
					zap.Int("level", st.CurrentLevel),
					zap.Int("remaining", len(events)-i))
				break
			}
			rec, err := c.executeCrossing(ctx, cfg, st, ev)
			if err != nil {
				out.executionFailures++
				c.logger.Warn("穿越执行失败，本周期停止该网格",
					zap.String("grid_id", cfg.ID),
					zap.Int("attempted_level", ev.Level),
					zap.String("direction", string(ev.Direction)),
					zap.String("failure_kind", string(models.ExecutionKindOf(err))),
					zap.Int("current_level", st.CurrentLevel),
					zap.Int("remaining", len(events)-i),
					zap.Error(err))
				break
			}
			h.Publish()
			out.trades++
			if ev.Direction == models.Buy {
				buys++
			} else {
				sells++
			}
			if err := c.persist(ctx, func(pctx context.Context) error { return c.store.AppendTradeRecord(pctx, rec) }); err != nil {
				out.persistenceFailures++
				c.logPersistenceFailure(&models.PersistenceFailure{Op: "append_trade_record", GridID: cfg.ID, Err: err})
			}
		}

		out.persistenceFailures += c.saveCheckpoint(cfg, st, now)
		if buys+sells > 0 {
			if err := c.persist(ctx, func(pctx context.Context) error {
				return c.store.IncrementCounters(pctx, cfg.ID, buys, sells)
			}); err != nil {
				out.persistenceFailures++
				c.logPersistenceFailure(&models.PersistenceFailure{Op: "increment_counters", GridID: cfg.ID, Err: err})
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, statemanager.ErrGridNotFound) {
		c.logger.Error("网格处理失败", zap.String("grid_id", gridID), zap.Error(err))
	}
	return out
}

// executeCrossing 构建并执行一次穿越。成功时更新状态并返回成交记录。
func (c *Controller) executeCrossing(ctx context.Context, cfg *models.GridConfig, st *models.GridState, ev models.CrossingEvent) (*models.TradeRecord, error) {
	intent, err := grid.BuildIntent(cfg, ev)
	if err != nil {
		return nil, err
	}

	// 已发出的兑换不随上层取消而中断，只受执行超时约束
	execCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.ExecutionTimeout)
	defer cancel()
	res, err := c.venue.Execute(execCtx, exchange.ExecutionRequest{
		ClientID:       exchange.ClientOrderID(intent.Key, c.now()),
		InputToken:     intent.InputToken,
		OutputToken:    intent.OutputToken,
		InputAmount:    intent.InputAmount,
		SlippageBps:    intent.SlippageBps,
		ReferencePrice: intent.LevelPrice,
	})
	if err != nil {
		return nil, err
	}

	applyFill(st, intent, res)

	rec := &models.TradeRecord{
		ID:           c.newID(),
		GridID:       cfg.ID,
		Direction:    intent.Direction,
		Level:        intent.Level,
		LevelPrice:   intent.LevelPrice,
		InputToken:   intent.InputToken.ID,
		OutputToken:  intent.OutputToken.ID,
		InputAmount:  res.InputAmount,
		OutputAmount: res.OutputAmount,
		TxRef:        res.TxRef,
		ExecutedAt:   res.ExecutedAt,
	}
	if intent.ExpectedProfit != nil {
		profit := *intent.ExpectedProfit
		rec.Profit = &profit
	}
	if rec.ExecutedAt.IsZero() {
		rec.ExecutedAt = c.now()
	}

	c.logger.Info("穿越已成交",
		zap.String("grid_id", cfg.ID),
		zap.String("direction", string(intent.Direction)),
		zap.Int("level", intent.Level),
		zap.Float64("level_price", intent.LevelPrice),
		zap.Float64("input", res.InputAmount),
		zap.Float64("output", res.OutputAmount),
		zap.String("tx_ref", res.TxRef))
	return rec, nil
}

// applyFill 把成交结果写入网格状态，并把层级指针推进到该穿越
func applyFill(st *models.GridState, intent *models.TradeIntent, res *exchange.ExecutionResult) {
	switch intent.Direction {
	case models.Buy:
		st.TargetInventory -= res.InputAmount
		st.SourceInventory += res.OutputAmount
		st.TotalBuys++
	case models.Sell:
		st.SourceInventory -= res.InputAmount
		st.TargetInventory += res.OutputAmount
		st.TotalSells++
		if intent.ExpectedProfit != nil {
			st.RealizedProfit += *intent.ExpectedProfit
		}
	}
	st.CurrentLevel = intent.Level
}

// gridPrice 返回以目标代币计价的源代币价格
func gridPrice(cfg *models.GridConfig, prices map[string]float64) (float64, error) {
	src, ok := prices[cfg.SourceToken.ID]
	if !ok || !models.ValidPrice(src) {
		return 0, fmt.Errorf("%w: %s", models.ErrPriceUnavailable, cfg.SourceToken.Symbol)
	}
	tgt, ok := prices[cfg.TargetToken.ID]
	if !ok || !models.ValidPrice(tgt) {
		return 0, fmt.Errorf("%w: %s", models.ErrPriceUnavailable, cfg.TargetToken.Symbol)
	}
	price := src / tgt
	if !models.ValidPrice(price) {
		return 0, fmt.Errorf("%w: %s/%s = %v", models.ErrPriceUnavailable, cfg.SourceToken.Symbol, cfg.TargetToken.Symbol, price)
	}
	return price, nil
}

// persist 在不可取消的上下文中执行一次持久化写入
func (c *Controller) persist(ctx context.Context, fn func(ctx context.Context) error) error {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.PersistTimeout)
	defer cancel()
	return fn(pctx)
}

// saveCheckpoint 写入检查点，失败时返回 1 用于计数
func (c *Controller) saveCheckpoint(cfg *models.GridConfig, st *models.GridState, now time.Time) int {
	if err := c.checkpoints.SaveCheckpoint(models.NewCheckpoint(cfg, st, now)); err != nil {
		c.logPersistenceFailure(&models.PersistenceFailure{Op: "save_checkpoint", GridID: cfg.ID, Err: err})
		return 1
	}
	return 0
}

func (c *Controller) logPersistenceFailure(pf *models.PersistenceFailure) {
	c.logger.Error("CRITICAL: 持久化失败，内存状态仍为权威数据，重启后可能重放已成交的穿越",
		zap.String("grid_id", pf.GridID),
		zap.String("op", pf.Op),
		zap.Error(pf))
}

func (c *Controller) recordPriceFailure(err error) {
	c.statsMu.Lock()
	c.stats.PriceFailures++
	c.stats.PriceFailureStreak++
	streak := c.stats.PriceFailureStreak
	c.statsMu.Unlock()

	if streak >= c.opts.PriceFailureAlertTicks {
		c.logger.Error("CRITICAL: 价格源连续失败，所有网格暂停交易",
			zap.Int("consecutive_failures", streak), zap.Error(err))
		return
	}
	c.logger.Warn("取价失败，本周期不更新任何网格",
		zap.Int("consecutive_failures", streak), zap.Error(err))
}

func (c *Controller) resetPriceFailures() {
	c.statsMu.Lock()
	streak := c.stats.PriceFailureStreak
	c.stats.PriceFailureStreak = 0
	c.statsMu.Unlock()
	if streak > 0 {
		c.logger.Info("价格源已恢复", zap.Int("failed_ticks", streak))
	}
}
