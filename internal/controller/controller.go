package controller

import (
	"context"
	"sort"
	"swap-grid-bot-go/internal/exchange"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/persistence"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options 控制器的运行参数
type Options struct {
	TickInterval           time.Duration
	MaxParallelGrids       int
	ExecutionTimeout       time.Duration
	PersistTimeout         time.Duration
	DefaultSlippageBps     int
	PriceFailureAlertTicks int
}

// OptionsFromConfig 从全局配置构造控制器参数
func OptionsFromConfig(cfg *models.Config) Options {
	return Options{
		TickInterval:           time.Duration(cfg.TickIntervalSec) * time.Second,
		MaxParallelGrids:       cfg.MaxParallelGrids,
		ExecutionTimeout:       time.Duration(cfg.ExecutionTimeoutSec) * time.Second,
		DefaultSlippageBps:     cfg.DefaultSlippageBps,
		PriceFailureAlertTicks: cfg.PriceFailureAlertTicks,
	}
}

func (o *Options) setDefaults() {
	if o.TickInterval <= 0 {
		o.TickInterval = 10 * time.Second
	}
	if o.MaxParallelGrids <= 0 {
		o.MaxParallelGrids = 4
	}
	if o.ExecutionTimeout <= 0 {
		o.ExecutionTimeout = 60 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 10 * time.Second
	}
	if o.DefaultSlippageBps <= 0 {
		o.DefaultSlippageBps = 50
	}
	if o.PriceFailureAlertTicks <= 0 {
		o.PriceFailureAlertTicks = 3
	}
}

// Stats 控制器的累计运行统计
type Stats struct {
	TrackedGrids        int        `json:"tracked_grids"`
	Ticks               int64      `json:"ticks"`
	OverlappedTicks     int64      `json:"overlapped_ticks"`
	TradesExecuted      int64      `json:"trades_executed"`
	ExecutionFailures   int64      `json:"execution_failures"`
	PersistenceFailures int64      `json:"persistence_failures"`
	PriceFailures       int64      `json:"price_failures"`
	PriceFailureStreak  int        `json:"price_failure_streak"`
	LastTick            TickReport `json:"last_tick"`
}

// Controller 是网格的调度器与状态机。每个周期取一次价格，
// 对每个网格按顺序重放所有穿越，并把结果写回状态与持久化层。
type Controller struct {
	opts        Options
	states      *statemanager.StateManager
	prices      exchange.PriceSource
	venue       exchange.Venue
	store       storage.Store
	checkpoints persistence.CheckpointRepository
	logger      *zap.Logger

	now   func() time.Time
	newID func() string

	ticking  atomic.Bool
	stopping atomic.Bool
	stopCh   chan struct{}
	loopWG   sync.WaitGroup

	createMu sync.Mutex // 串行化 CreateGrid 的 检查-保存-跟踪

	startOnce sync.Once
	stopOnce  sync.Once

	statsMu sync.Mutex
	stats   Stats
}

// New 创建一个新的控制器。调用 Reconcile 恢复状态后再 Start。
func New(opts Options, states *statemanager.StateManager, prices exchange.PriceSource, venue exchange.Venue,
	store storage.Store, checkpoints persistence.CheckpointRepository, logger *zap.Logger) *Controller {
	opts.setDefaults()
	return &Controller{
		opts:        opts,
		states:      states,
		prices:      prices,
		venue:       venue,
		store:       store,
		checkpoints: checkpoints,
		logger:      logger,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       uuid.NewString,
		stopCh:      make(chan struct{}),
	}
}

// SetClock 替换控制器使用的时钟，回测用历史时间驱动
func (c *Controller) SetClock(now func() time.Time) {
	c.now = now
}

// Start 启动周期调度。立即执行一次，然后每个 TickInterval 执行一次。
func (c *Controller) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		c.loopWG.Add(1)
		go c.tickLoop(ctx)
		c.logger.Info("网格控制器已启动",
			zap.Duration("tick_interval", c.opts.TickInterval),
			zap.Int("grids", c.states.Len()))
	})
}

func (c *Controller) tickLoop(ctx context.Context) {
	defer c.loopWG.Done()
	ticker := time.NewTicker(c.opts.TickInterval)
	defer ticker.Stop()

	c.ProcessTick(ctx)
	for {
		select {
		case <-c.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.ProcessTick(ctx)
		}
	}
}

// Stop 停止调度并等待正在进行的周期结束。已发出的兑换会等待确认，
// 但不会再开始新的穿越。
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		c.stopping.Store(true)
		close(c.stopCh)
		c.loopWG.Wait()
		c.logger.Info("网格控制器已停止")
	})
}

// Stats 返回累计统计的副本
func (c *Controller) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	s := c.stats
	s.TrackedGrids = c.states.Len()
	return s
}

// Snapshots 返回所有网格的只读快照
func (c *Controller) Snapshots() []models.GridSnapshot {
	return c.states.Snapshots()
}

// Snapshot 返回单个网格的只读快照
func (c *Controller) Snapshot(gridID string) (models.GridSnapshot, bool) {
	return c.states.Snapshot(gridID)
}

// trackedTokens 返回所有被跟踪网格涉及的代币ID
func (c *Controller) trackedTokens() []string {
	seen := make(map[string]struct{})
	for _, snap := range c.states.Snapshots() {
		seen[snap.Config.SourceToken.ID] = struct{}{}
		seen[snap.Config.TargetToken.ID] = struct{}{}
	}
	tokens := make([]string, 0, len(seen))
	for id := range seen {
		tokens = append(tokens, id)
	}
	sort.Strings(tokens)
	return tokens
}

// newGridState 新网格从全部目标代币投入、零源代币开始
func newGridState(cfg *models.GridConfig) *models.GridState {
	st := models.NewGridState(cfg.ID)
	st.TargetInventory = cfg.TotalQuantity
	return st
}
