package controller

import (
	"context"
	"errors"
	"fmt"
	"swap-grid-bot-go/internal/grid"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/storage"

	"go.uber.org/zap"
)

// Reconcile 在第一个周期之前从持久化层恢复所有网格。
// 有检查点的网格从检查点的层级和价格继续，不会重放历史穿越;
// 没有检查点的网格从未初始化状态开始。配置非法的网格不被跟踪。
func (c *Controller) Reconcile(ctx context.Context) error {
	configs, err := c.store.LoadGridConfigs(ctx)
	if err != nil {
		return fmt.Errorf("load grid configs: %w", err)
	}
	checkpoints, err := c.checkpoints.LoadAll()
	if err != nil {
		return fmt.Errorf("load checkpoints: %w", err)
	}

	restored, fresh := 0, 0
	for _, cfg := range configs {
		if err := grid.ValidateConfig(cfg); err != nil {
			c.logger.Error("网格配置非法，不跟踪该网格", zap.String("grid_id", cfg.ID), zap.Error(err))
			continue
		}
		cp := checkpoints[cfg.ID]
		st := c.stateFromCheckpoint(cfg, cp)
		if err := c.states.Track(cfg, st); err != nil {
			c.logger.Warn("跟踪网格失败", zap.String("grid_id", cfg.ID), zap.Error(err))
			continue
		}
		if cp != nil {
			restored++
		} else {
			fresh++
		}
	}

	c.logger.Info("状态恢复完成",
		zap.Int("configs", len(configs)),
		zap.Int("restored_from_checkpoint", restored),
		zap.Int("uninitialized", fresh))
	return nil
}

// stateFromCheckpoint 用检查点重建网格状态。检查点基于的价格表与当前配置不一致时，
// 用检查点中的价格在当前价格表上重新定位层级。
func (c *Controller) stateFromCheckpoint(cfg *models.GridConfig, cp *models.Checkpoint) *models.GridState {
	if cp == nil {
		return newGridState(cfg)
	}

	st := &models.GridState{
		GridID:            cfg.ID,
		CurrentLevel:      cp.Level,
		LastObservedPrice: cp.Price,
		SourceInventory:   cp.SourceInventory,
		TargetInventory:   cp.TargetInventory,
		TotalBuys:         cp.TotalBuys,
		TotalSells:        cp.TotalSells,
		RealizedProfit:    cp.RealizedProfit,
		LastTickAt:        cp.UpdatedAt,
	}
	if st.CurrentLevel == models.UnsetLevel {
		return st
	}

	outOfRange := st.CurrentLevel < 0 || st.CurrentLevel > cfg.LevelCount
	if cp.MatchesTable(cfg) && !outOfRange {
		return st
	}
	if !models.ValidPrice(cp.Price) {
		c.logger.Warn("检查点与价格表不一致且没有可用价格，网格重新初始化", zap.String("grid_id", cfg.ID))
		st.CurrentLevel = models.UnsetLevel
		return st
	}

	level, err := grid.Locate(cfg.LevelTable, cp.Price)
	if err != nil {
		// ValidateConfig 已通过，不应发生
		st.CurrentLevel = models.UnsetLevel
		return st
	}
	c.logger.Warn("检查点基于旧的价格表，已按最后价格重新定位层级",
		zap.String("grid_id", cfg.ID),
		zap.Int("checkpoint_level", cp.Level),
		zap.Int("reprojected_level", level),
		zap.Float64("price", cp.Price))
	st.CurrentLevel = level
	return st
}

// SeedGrids 把配置文件中的网格写入存储。已存在的ID被跳过，非法配置只记录错误。
func (c *Controller) SeedGrids(ctx context.Context, params []models.GridParams) error {
	for _, p := range params {
		if p.ID != "" {
			if _, ok := c.states.Snapshot(p.ID); ok {
				continue
			}
			_, err := c.store.LoadGridConfig(ctx, p.ID)
			if err == nil {
				continue
			}
			if !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("load grid config %s: %w", p.ID, err)
			}
		}
		cfg, err := c.CreateGrid(ctx, p)
		if err != nil {
			if models.IsConfigError(err) {
				c.logger.Error("配置文件中的网格非法，已跳过", zap.String("grid_id", p.ID), zap.Error(err))
				continue
			}
			return err
		}
		c.logger.Info("已从配置文件创建网格", zap.String("grid_id", cfg.ID), zap.String("pair", cfg.Pair()))
	}
	return nil
}
