package controller

import (
	"context"
	"errors"
	"fmt"
	"swap-grid-bot-go/internal/grid"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage"

	"go.uber.org/zap"
)

// ErrGridExists 创建的网格ID已被使用
var ErrGridExists = errors.New("grid already exists")

// CreateGrid 校验参数、保存配置并开始跟踪新网格。参数非法时同步返回 ConfigError。
func (c *Controller) CreateGrid(ctx context.Context, params models.GridParams) (*models.GridConfig, error) {
	if params.ID == "" {
		params.ID = c.newID()
	}
	cfg, err := grid.NewGridConfig(params, c.opts.DefaultSlippageBps, c.now())
	if err != nil {
		return nil, err
	}

	c.createMu.Lock()
	defer c.createMu.Unlock()
	if _, ok := c.states.Snapshot(cfg.ID); ok {
		return nil, fmt.Errorf("%w: %s", ErrGridExists, cfg.ID)
	}

	if err := c.store.SaveGridConfig(ctx, cfg); err != nil {
		return nil, fmt.Errorf("save grid config %s: %w", cfg.ID, err)
	}
	if err := c.states.Track(cfg, newGridState(cfg)); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrGridExists, cfg.ID)
	}

	c.logger.Info("网格已创建",
		zap.String("grid_id", cfg.ID),
		zap.String("pair", cfg.Pair()),
		zap.Float64("lower", cfg.LowerLimit),
		zap.Float64("upper", cfg.UpperLimit),
		zap.Int("levels", cfg.LevelCount),
		zap.Float64("quantity_per_level", cfg.QuantityPerLevel))
	return cfg.Clone(), nil
}

// UpdateGridRange 重建价格表并在同一把锁内把当前层级投影到新表上。
// 校验失败时不做任何修改。库存不会自动再平衡。
func (c *Controller) UpdateGridRange(ctx context.Context, gridID string, edit grid.RangeEdit) (models.GridSnapshot, error) {
	var persistFailures int
	err := c.states.WithGrid(gridID, func(h *statemanager.GridHandle) error {
		now := c.now()
		next, level, err := grid.Recompute(h.Config, h.State, edit, now)
		if err != nil {
			return err
		}
		if err := c.store.SaveGridConfig(ctx, next); err != nil {
			return fmt.Errorf("save grid config %s: %w", gridID, err)
		}

		oldLevel := h.State.CurrentLevel
		h.Config = next
		h.State.CurrentLevel = level
		c.logger.Warn("网格区间已更新，库存未自动再平衡",
			zap.String("grid_id", gridID),
			zap.Float64("lower", next.LowerLimit),
			zap.Float64("upper", next.UpperLimit),
			zap.Int("levels", next.LevelCount),
			zap.Int("old_level", oldLevel),
			zap.Int("reprojected_level", level),
			zap.Float64("source_inventory", h.State.SourceInventory),
			zap.Float64("target_inventory", h.State.TargetInventory))

		persistFailures = c.saveCheckpoint(next, h.State, now)
		return nil
	})
	if persistFailures > 0 {
		c.statsMu.Lock()
		c.stats.PersistenceFailures += int64(persistFailures)
		c.statsMu.Unlock()
	}
	if err != nil {
		return models.GridSnapshot{}, err
	}
	snap, _ := c.states.Snapshot(gridID)
	return snap, nil
}

// DeleteGrid 停止跟踪网格并删除其配置与检查点。成交记录保留。
func (c *Controller) DeleteGrid(ctx context.Context, gridID string) error {
	if err := c.states.Untrack(gridID); err != nil {
		if !errors.Is(err, statemanager.ErrGridNotFound) {
			return err
		}
		// 未被跟踪 (例如配置非法) 的网格仍可从存储中删除
		if _, err := c.store.LoadGridConfig(ctx, gridID); err != nil {
			return err
		}
	}
	if err := c.store.DeleteGridConfig(ctx, gridID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("delete grid config %s: %w", gridID, err)
	}
	if err := c.checkpoints.DeleteCheckpoint(gridID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", gridID, err)
	}
	c.logger.Info("网格已删除", zap.String("grid_id", gridID))
	return nil
}

// Counters 返回网格的累计成交计数
func (c *Controller) Counters(ctx context.Context, gridID string) (*models.Counters, error) {
	return c.store.GetCounters(ctx, gridID)
}

// TradeRecords 返回网格最近的成交记录，limit <= 0 表示全部
func (c *Controller) TradeRecords(ctx context.Context, gridID string, limit int) ([]*models.TradeRecord, error) {
	return c.store.ListTradeRecords(ctx, gridID, limit)
}
