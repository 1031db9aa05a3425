package controller

import (
	"context"
	"errors"
	"math"
	"swap-grid-bot-go/internal/grid"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstTickInitializesWithoutTrading(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	assert.Equal(t, models.PhaseUninitialized, env.ctrl.Snapshots()[0].Phase)

	env.prices.set("SOL", 106)
	report := env.ctrl.ProcessTick(ctx)

	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Initialized)
	assert.Equal(t, 0, report.Trades)
	assert.Empty(t, env.venue.snapshot())

	st := env.state(t, "g1")
	assert.Equal(t, 1, st.CurrentLevel)
	assert.Equal(t, 106.0, st.LastObservedPrice)
	snap, _ := env.ctrl.Snapshot("g1")
	assert.Equal(t, models.PhaseTracking, snap.Phase)

	cp, ok := env.checkpoints.get("g1")
	require.True(t, ok)
	assert.Equal(t, 1, cp.Level)
	assert.Equal(t, 106.0, cp.Price)
}

func TestRiseEmitsAscendingSells(t *testing.T) {
	cases := []struct {
		name      string
		price     float64
		wantPrice []float64
		wantLevel int
	}{
		{"to upper limit", 120, []float64{110, 115, 120}, 4},
		{"half-open boundary below upper", 118, []float64{110, 115}, 3},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
			require.NoError(t, err)

			env.prices.set("SOL", 106)
			env.ctrl.ProcessTick(ctx)

			env.prices.set("SOL", tc.price)
			report := env.ctrl.ProcessTick(ctx)
			assert.Equal(t, len(tc.wantPrice), report.Trades)

			reqs := env.venue.snapshot()
			assert.Equal(t, tc.wantPrice, levelsOf(reqs))
			for _, r := range reqs {
				assert.Equal(t, "SOL", r.InputToken.ID)
				assert.Equal(t, "USDC", r.OutputToken.ID)
				assert.InDelta(t, 100/r.ReferencePrice, r.InputAmount, 1e-12)
				assert.Equal(t, 50, r.SlippageBps)
			}

			st := env.state(t, "g1")
			assert.Equal(t, tc.wantLevel, st.CurrentLevel)
			assert.Equal(t, len(tc.wantPrice), st.TotalSells)
			assert.InDelta(t, 400+100*float64(len(tc.wantPrice)), st.TargetInventory, 1e-9)
			assert.Less(t, st.SourceInventory, 0.0, "sells draw down source inventory")

			records, err := env.store.ListTradeRecords(ctx, "g1", 0)
			require.NoError(t, err)
			require.Len(t, records, len(tc.wantPrice))
			for i, rec := range records {
				assert.Equal(t, models.Sell, rec.Direction)
				assert.Equal(t, tc.wantLevel-len(tc.wantPrice)+i+1, rec.Level)
				require.NotNil(t, rec.Profit)
				assert.InDelta(t, 5*100/rec.LevelPrice, *rec.Profit, 1e-9)
			}

			counters, err := env.store.GetCounters(ctx, "g1")
			require.NoError(t, err)
			assert.Equal(t, 0, counters.TotalBuys)
			assert.Equal(t, len(tc.wantPrice), counters.TotalSells)
		})
	}
}

func TestFallEmitsDescendingBuys(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)

	env.prices.set("SOL", 117)
	env.ctrl.ProcessTick(ctx)
	require.Equal(t, 3, env.state(t, "g1").CurrentLevel)

	env.prices.set("SOL", 101)
	report := env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 3, report.Trades)

	reqs := env.venue.snapshot()
	assert.Equal(t, []float64{110, 105, 100}, levelsOf(reqs))
	for _, r := range reqs {
		assert.Equal(t, "USDC", r.InputToken.ID)
		assert.Equal(t, 100.0, r.InputAmount)
	}

	st := env.state(t, "g1")
	assert.Equal(t, 0, st.CurrentLevel)
	assert.Equal(t, 3, st.TotalBuys)
	assert.InDelta(t, 100.0, st.TargetInventory, 1e-9)
	assert.Zero(t, st.RealizedProfit)

	records, err := env.store.ListTradeRecords(ctx, "g1", 0)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for _, rec := range records {
		assert.Nil(t, rec.Profit, "buys never carry profit")
	}
	counters, err := env.store.GetCounters(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 3, counters.TotalBuys)
}

func TestPartialFailureReplaysRemainingCrossings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	params := solGridParams("g1")
	params.UpperLimit = 150
	params.LevelCount = 5 // [100,110,120,130,140,150]
	_, err := env.ctrl.CreateGrid(ctx, params)
	require.NoError(t, err)

	env.prices.set("SOL", 100)
	env.ctrl.ProcessTick(ctx)
	require.Equal(t, 0, env.state(t, "g1").CurrentLevel)

	env.venue.failCall[3] = models.NewExecutionFailure(models.ExecNetwork, errTransient)
	env.prices.set("SOL", 150)
	report := env.ctrl.ProcessTick(ctx)

	assert.Equal(t, 2, report.Trades)
	assert.Equal(t, 1, report.ExecutionFailures)
	assert.Equal(t, []float64{110, 120, 130}, levelsOf(env.venue.snapshot()))
	assert.Equal(t, 2, env.state(t, "g1").CurrentLevel)

	cp, ok := env.checkpoints.get("g1")
	require.True(t, ok)
	assert.Equal(t, 2, cp.Level, "checkpoint keeps partial progress")

	failLogs := env.logs.FilterField(zapString("failure_kind", "network"))
	require.Equal(t, 1, failLogs.Len())

	env.venue.reset()
	report = env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 3, report.Trades)
	assert.Equal(t, []float64{130, 140, 150}, levelsOf(env.venue.snapshot()))
	assert.Equal(t, 5, env.state(t, "g1").CurrentLevel)
	assert.Equal(t, 5, env.state(t, "g1").TotalSells)

	counters, err := env.store.GetCounters(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 5, counters.TotalSells)
}

func TestMissingPriceSkipsGrid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)
	env.ctrl.ProcessTick(ctx)

	env.prices.remove("SOL")
	report := env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 1, report.SkippedNoPrice)
	assert.Equal(t, 0, report.Processed)

	st := env.state(t, "g1")
	assert.Equal(t, 1, st.CurrentLevel)
	assert.Equal(t, 106.0, st.LastObservedPrice)
	assert.Empty(t, env.venue.snapshot())
}

func TestBatchPriceFailureIsCountedAndEscalated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)

	env.prices.setErr(errors.New("rate limited"))
	for i := 0; i < 3; i++ {
		report := env.ctrl.ProcessTick(ctx)
		assert.True(t, report.PriceFetchFailed)
		assert.Equal(t, 0, report.Processed)
	}
	stats := env.ctrl.Stats()
	assert.Equal(t, 3, stats.PriceFailureStreak)
	assert.EqualValues(t, 3, stats.PriceFailures)
	assert.Equal(t, 1, env.logs.FilterMessageSnippet("CRITICAL: 价格源").Len())
	assert.Equal(t, models.UnsetLevel, env.state(t, "g1").CurrentLevel)

	env.prices.setErr(nil)
	env.prices.set("SOL", 106)
	report := env.ctrl.ProcessTick(ctx)
	assert.False(t, report.PriceFetchFailed)
	assert.Equal(t, 0, env.ctrl.Stats().PriceFailureStreak)
}

func TestGridsAreIsolated(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("sol-grid"))
	require.NoError(t, err)
	ethParams := solGridParams("eth-grid")
	ethParams.SourceToken = eth
	ethParams.LowerLimit, ethParams.UpperLimit = 3000, 3400
	_, err = env.ctrl.CreateGrid(ctx, ethParams)
	require.NoError(t, err)

	env.prices.set("SOL", 106)
	env.prices.set("ETH", 3050)
	env.ctrl.ProcessTick(ctx)

	env.venue.failFor["SOL"] = models.NewExecutionFailure(models.ExecSimulationFailed, errors.New("slippage"))
	env.prices.set("SOL", 120)
	env.prices.set("ETH", 3400)
	report := env.ctrl.ProcessTick(ctx)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.ExecutionFailures)
	assert.Equal(t, 4, report.Trades)
	assert.Equal(t, 1, env.state(t, "sol-grid").CurrentLevel)
	assert.Equal(t, 4, env.state(t, "eth-grid").CurrentLevel)
}

func TestOverlappingTickIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)

	block := make(chan struct{})
	entered := make(chan struct{})
	env.prices.mu.Lock()
	env.prices.block, env.prices.entered = block, entered
	env.prices.mu.Unlock()

	done := make(chan TickReport)
	go func() { done <- env.ctrl.ProcessTick(ctx) }()
	<-entered

	env.prices.mu.Lock()
	env.prices.block = nil
	env.prices.mu.Unlock()

	second := env.ctrl.ProcessTick(ctx)
	assert.True(t, second.Overlapped)

	close(block)
	first := <-done
	assert.False(t, first.Overlapped)
	assert.Equal(t, 1, first.Initialized)
	assert.EqualValues(t, 1, env.ctrl.Stats().OverlappedTicks)
}

func TestPersistenceFailureKeepsMemoryAuthoritative(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)
	env.ctrl.ProcessTick(ctx)

	env.checkpoints.mu.Lock()
	env.checkpoints.saveErr = errors.New("disk full")
	env.checkpoints.mu.Unlock()

	env.prices.set("SOL", 112)
	report := env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 1, report.Trades)
	assert.Equal(t, 1, report.PersistenceFailures)
	assert.Equal(t, 2, env.state(t, "g1").CurrentLevel)
	assert.Equal(t, 1, env.logs.FilterMessageSnippet("CRITICAL: 持久化失败").Len())
	assert.EqualValues(t, 1, env.ctrl.Stats().PersistenceFailures)

	cp, _ := env.checkpoints.get("g1")
	assert.Equal(t, 1, cp.Level, "stale checkpoint left in place")
}

func TestReconcileRestoresFromCheckpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cfg, err := grid.NewGridConfig(solGridParams("g1"), 50, testNow)
	require.NoError(t, err)
	require.NoError(t, env.store.SaveGridConfig(ctx, cfg))
	st := &models.GridState{GridID: "g1", CurrentLevel: 3, LastObservedPrice: 117, SourceInventory: 1.5, TargetInventory: 250, TotalSells: 2}
	require.NoError(t, env.checkpoints.SaveCheckpoint(models.NewCheckpoint(cfg, st, testNow)))

	fresh, err := grid.NewGridConfig(solGridParams("g2"), 50, testNow)
	require.NoError(t, err)
	require.NoError(t, env.store.SaveGridConfig(ctx, fresh))

	broken := cfg.Clone()
	broken.ID = "bad"
	broken.LevelTable = []float64{100, 110, 105, 115, 120}
	require.NoError(t, env.store.SaveGridConfig(ctx, broken))

	require.NoError(t, env.ctrl.Reconcile(ctx))

	restored := env.state(t, "g1")
	assert.Equal(t, 3, restored.CurrentLevel)
	assert.Equal(t, 1.5, restored.SourceInventory)
	assert.Equal(t, 2, restored.TotalSells)
	assert.Equal(t, models.UnsetLevel, env.state(t, "g2").CurrentLevel)
	_, tracked := env.ctrl.Snapshot("bad")
	assert.False(t, tracked)
	assert.Equal(t, 1, env.logs.FilterMessageSnippet("网格配置非法").Len())

	// 价格未变: 不重放历史穿越
	env.prices.set("SOL", 117)
	report := env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 0, report.Trades)
	assert.Equal(t, 1, report.Initialized, "only the grid without checkpoint initializes")
}

func TestReconcileReprojectsWhenTableChanged(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	cfg, err := grid.NewGridConfig(solGridParams("g1"), 50, testNow)
	require.NoError(t, err)
	require.NoError(t, env.store.SaveGridConfig(ctx, cfg))
	require.NoError(t, env.checkpoints.SaveCheckpoint(&models.Checkpoint{
		GridID: "g1", Level: 0, Price: 106, LowerLimit: 90, UpperLimit: 130, LevelCount: 4,
	}))

	require.NoError(t, env.ctrl.Reconcile(ctx))
	assert.Equal(t, 1, env.state(t, "g1").CurrentLevel)
}

func TestUpdateGridRangeReprojectsLevel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)
	env.ctrl.ProcessTick(ctx)

	snap, err := env.ctrl.UpdateGridRange(ctx, "g1", grid.RangeEdit{LowerLimit: 90, UpperLimit: 130})
	require.NoError(t, err)
	assert.Equal(t, []float64{90, 100, 110, 120, 130}, snap.Config.LevelTable)
	want, err := grid.Locate(snap.Config.LevelTable, 106)
	require.NoError(t, err)
	assert.Equal(t, want, snap.State.CurrentLevel)
	assert.Equal(t, 1, snap.State.CurrentLevel)

	stored, err := env.store.LoadGridConfig(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 90.0, stored.LowerLimit)
	cp, _ := env.checkpoints.get("g1")
	assert.True(t, cp.MatchesTable(&snap.Config))
	assert.Equal(t, 1, env.logs.FilterMessageSnippet("库存未自动再平衡").Len())

	env.prices.set("SOL", 106.2)
	report := env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 0, report.Trades, "no spurious crossings after reprojection")
}

func TestUpdateGridRangeRejectsBadRange(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)

	_, err = env.ctrl.UpdateGridRange(ctx, "g1", grid.RangeEdit{LowerLimit: 130, UpperLimit: 90})
	assert.True(t, models.IsConfigError(err))
	_, err = env.ctrl.UpdateGridRange(ctx, "g1", grid.RangeEdit{LowerLimit: 90, UpperLimit: 130, LevelCount: 1})
	assert.True(t, models.IsConfigError(err))

	snap, _ := env.ctrl.Snapshot("g1")
	assert.Equal(t, []float64{100, 105, 110, 115, 120}, snap.Config.LevelTable)

	_, err = env.ctrl.UpdateGridRange(ctx, "missing", grid.RangeEdit{LowerLimit: 90, UpperLimit: 130})
	assert.ErrorIs(t, err, statemanager.ErrGridNotFound)
}

func TestCreateGridValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	bad := solGridParams("g1")
	bad.LevelCount = 1
	_, err := env.ctrl.CreateGrid(ctx, bad)
	assert.True(t, models.IsConfigError(err))
	assert.Equal(t, 0, env.ctrl.states.Len())

	_, err = env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	_, err = env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	assert.ErrorIs(t, err, ErrGridExists)

	cfg, err := env.ctrl.CreateGrid(ctx, solGridParams(""))
	require.NoError(t, err)
	assert.NotEmpty(t, cfg.ID)
}

func TestDeleteGrid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)
	env.ctrl.ProcessTick(ctx)

	require.NoError(t, env.ctrl.DeleteGrid(ctx, "g1"))
	_, ok := env.ctrl.Snapshot("g1")
	assert.False(t, ok)
	_, err = env.store.LoadGridConfig(ctx, "g1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, ok = env.checkpoints.get("g1")
	assert.False(t, ok)

	assert.ErrorIs(t, env.ctrl.DeleteGrid(ctx, "g1"), storage.ErrNotFound)
}

func TestSeedGridsSkipsExisting(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)

	bad := solGridParams("g3")
	bad.TotalQuantity = 0
	require.NoError(t, env.ctrl.SeedGrids(ctx, []models.GridParams{solGridParams("g1"), solGridParams("g2"), bad}))
	assert.Equal(t, []string{"g1", "g2"}, env.ctrl.states.IDs())
}

func TestStartStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)

	env.ctrl.Start(ctx)
	require.Eventually(t, func() bool {
		return env.state(t, "g1").CurrentLevel == 1
	}, 2*time.Second, 10*time.Millisecond)
	env.ctrl.Stop()

	env.prices.set("SOL", 120)
	report := env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 0, report.Processed, "no crossings start after shutdown")
	assert.Empty(t, env.venue.snapshot())
}

func TestNonFinitePriceSkipsGrid(t *testing.T) {
	for _, bad := range []float64{math.NaN(), math.Inf(1)} {
		env := newTestEnv(t)
		ctx := context.Background()
		_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
		require.NoError(t, err)
		env.prices.set("SOL", 106)
		env.ctrl.ProcessTick(ctx)

		env.prices.set("SOL", bad)
		report := env.ctrl.ProcessTick(ctx)
		assert.Equal(t, 1, report.SkippedNoPrice, "price %v", bad)
		assert.Equal(t, 0, report.Trades)
		assert.Empty(t, env.venue.snapshot())

		st := env.state(t, "g1")
		assert.Equal(t, 1, st.CurrentLevel)
		assert.Equal(t, 106.0, st.LastObservedPrice)
		cp, ok := env.checkpoints.get("g1")
		require.True(t, ok)
		assert.Equal(t, 106.0, cp.Price)
	}
}

func TestNonFiniteQuoteTokenSkipsGrid(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)
	env.ctrl.ProcessTick(ctx)

	env.prices.set("SOL", 120)
	env.prices.set("USDC", math.NaN())
	report := env.ctrl.ProcessTick(ctx)
	assert.Equal(t, 1, report.SkippedNoPrice)
	assert.Equal(t, 1, env.state(t, "g1").CurrentLevel)
	assert.Empty(t, env.venue.snapshot())
}

// TestStopDuringCrossingLetsItFinish 在第一笔兑换进行中取消上下文并停止控制器:
// 已发出的兑换不被取消，其余穿越不再开始。
func TestStopDuringCrossingLetsItFinish(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)
	env.ctrl.ProcessTick(ctx)
	require.Equal(t, 1, env.state(t, "g1").CurrentLevel)

	entered, release := env.venue.blockOn(1)
	env.prices.set("SOL", 120) // 需要穿越层级 2, 3, 4
	env.ctrl.Start(ctx)
	<-entered

	cancel()
	stopped := make(chan struct{})
	go func() {
		env.ctrl.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a crossing was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the crossing finished")
	}

	assert.Equal(t, []error{nil}, env.venue.observedCtxErrs(), "in-flight execution must not see cancellation")
	assert.Len(t, env.venue.snapshot(), 1)
	st := env.state(t, "g1")
	assert.Equal(t, 2, st.CurrentLevel)
	assert.Equal(t, 1, st.TotalSells)
	assert.EqualValues(t, 1, env.ctrl.Stats().TradesExecuted)

	cp, ok := env.checkpoints.get("g1")
	require.True(t, ok)
	assert.Equal(t, 2, cp.Level)
}

func TestReadersSeeProgressDuringReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	_, err := env.ctrl.CreateGrid(ctx, solGridParams("g1"))
	require.NoError(t, err)
	env.prices.set("SOL", 106)
	env.ctrl.ProcessTick(ctx)

	entered, release := env.venue.blockOn(2)
	env.prices.set("SOL", 120)
	done := make(chan TickReport, 1)
	go func() { done <- env.ctrl.ProcessTick(ctx) }()
	<-entered

	st := env.state(t, "g1")
	assert.Equal(t, 2, st.CurrentLevel, "first fill is published before the replay ends")
	assert.Equal(t, 1, st.TotalSells)

	close(release)
	report := <-done
	assert.Equal(t, 3, report.Trades)
	assert.Equal(t, 4, env.state(t, "g1").CurrentLevel)
}

func TestConcurrentCreateWithSameID(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	const n = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []*models.GridConfig
		dupes   int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := solGridParams("same")
			params.TotalQuantity = float64(400 + i*40)
			cfg, err := env.ctrl.CreateGrid(ctx, params)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				assert.ErrorIs(t, err, ErrGridExists)
				dupes++
				return
			}
			winners = append(winners, cfg)
		}(i)
	}
	wg.Wait()

	require.Len(t, winners, 1)
	assert.Equal(t, n-1, dupes)
	stored, err := env.store.LoadGridConfig(ctx, "same")
	require.NoError(t, err)
	assert.Equal(t, winners[0].TotalQuantity, stored.TotalQuantity, "losing creates must not overwrite the stored config")
	snap, ok := env.ctrl.Snapshot("same")
	require.True(t, ok)
	assert.Equal(t, winners[0].TotalQuantity, snap.Config.TotalQuantity)
}
