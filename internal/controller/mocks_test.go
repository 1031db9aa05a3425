package controller

import (
	"context"
	"errors"
	"fmt"
	"swap-grid-bot-go/internal/exchange"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage/memory"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	sol  = models.Token{ID: "SOL", Symbol: "SOL"}
	eth  = models.Token{ID: "ETH", Symbol: "ETH"}
	usdc = models.Token{ID: "USDC", Symbol: "USDC"}

	testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
)

// mockPriceSource 是一个可控的价格源
type mockPriceSource struct {
	mu     sync.Mutex
	prices map[string]float64
	err    error
	calls  int

	block   chan struct{} // 非空时 GetPrices 阻塞直到关闭
	entered chan struct{}
}

func newMockPriceSource() *mockPriceSource {
	return &mockPriceSource{prices: map[string]float64{"USDC": 1}}
}

func (m *mockPriceSource) set(token string, price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[token] = price
}

func (m *mockPriceSource) remove(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.prices, token)
}

func (m *mockPriceSource) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *mockPriceSource) GetPrices(_ context.Context, tokenIDs []string) (map[string]float64, error) {
	m.mu.Lock()
	block, entered := m.block, m.entered
	m.mu.Unlock()
	if block != nil {
		close(entered)
		<-block
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	out := make(map[string]float64)
	for _, id := range tokenIDs {
		if p, ok := m.prices[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

// mockVenue 按参考价成交，可按调用序号或代币注入失败
type mockVenue struct {
	mu       sync.Mutex
	requests []exchange.ExecutionRequest
	failCall map[int]error    // 从 1 开始的调用序号
	failFor  map[string]error // 按输入或输出代币ID

	blockCall int           // 非零时第 blockCall 次调用阻塞直到 release 关闭
	entered   chan struct{} // 阻塞的调用开始时关闭
	release   chan struct{}
	ctxErrs   []error // 阻塞调用放行后观察到的 ctx.Err()
}

func newMockVenue() *mockVenue {
	return &mockVenue{failCall: make(map[int]error), failFor: make(map[string]error)}
}

// blockOn 让第 call 次 Execute 阻塞，返回 (已进入, 放行) 两个通道
func (m *mockVenue) blockOn(call int) (entered <-chan struct{}, release chan<- struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blockCall = call
	m.entered = make(chan struct{})
	m.release = make(chan struct{})
	return m.entered, m.release
}

func (m *mockVenue) observedCtxErrs() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.ctxErrs...)
}

func (m *mockVenue) Execute(ctx context.Context, req exchange.ExecutionRequest) (*exchange.ExecutionResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	n := len(m.requests)
	if m.blockCall != 0 && n == m.blockCall {
		entered, release := m.entered, m.release
		m.mu.Unlock()
		close(entered)
		<-release
		m.mu.Lock()
		m.ctxErrs = append(m.ctxErrs, ctx.Err())
	}
	defer m.mu.Unlock()
	if err, ok := m.failCall[n]; ok {
		return nil, err
	}
	if err, ok := m.failFor[req.InputToken.ID]; ok {
		return nil, err
	}
	if err, ok := m.failFor[req.OutputToken.ID]; ok {
		return nil, err
	}

	out := req.InputAmount * req.ReferencePrice // SELL: 源 -> 目标
	if req.OutputToken.ID == "SOL" || req.OutputToken.ID == "ETH" {
		out = req.InputAmount / req.ReferencePrice // BUY: 目标 -> 源
	}
	return &exchange.ExecutionResult{
		InputAmount:  req.InputAmount,
		OutputAmount: out,
		TxRef:        fmt.Sprintf("tx-%d", n),
		ExecutedAt:   testNow,
	}, nil
}

func (m *mockVenue) snapshot() []exchange.ExecutionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]exchange.ExecutionRequest(nil), m.requests...)
}

func (m *mockVenue) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = nil
	m.failCall = make(map[int]error)
}

// mockCheckpoints 是内存中的检查点仓库
type mockCheckpoints struct {
	mu      sync.Mutex
	data    map[string]models.Checkpoint
	saveErr error
	saves   int
}

func newMockCheckpoints() *mockCheckpoints {
	return &mockCheckpoints{data: make(map[string]models.Checkpoint)}
}

func (m *mockCheckpoints) SaveCheckpoint(cp *models.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.data[cp.GridID] = *cp
	return nil
}

func (m *mockCheckpoints) LoadCheckpoint(gridID string) (*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.data[gridID]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *mockCheckpoints) LoadAll() (map[string]*models.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*models.Checkpoint, len(m.data))
	for id, cp := range m.data {
		cp := cp
		out[id] = &cp
	}
	return out, nil
}

func (m *mockCheckpoints) DeleteCheckpoint(gridID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, gridID)
	return nil
}

func (m *mockCheckpoints) Close() error { return nil }

func (m *mockCheckpoints) get(gridID string) (models.Checkpoint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.data[gridID]
	return cp, ok
}

var errTransient = errors.New("connection reset")

type testEnv struct {
	ctrl        *Controller
	prices      *mockPriceSource
	venue       *mockVenue
	store       *memory.Store
	checkpoints *mockCheckpoints
	logs        *observer.ObservedLogs
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	core, logs := observer.New(zap.DebugLevel)
	logger := zap.New(core)

	env := &testEnv{
		prices:      newMockPriceSource(),
		venue:       newMockVenue(),
		store:       memory.NewStore(),
		checkpoints: newMockCheckpoints(),
		logs:        logs,
	}
	env.ctrl = New(Options{TickInterval: time.Hour, MaxParallelGrids: 2}, statemanager.NewStateManager(logger),
		env.prices, env.venue, env.store, env.checkpoints, logger)
	env.ctrl.now = func() time.Time { return testNow }
	var seq int
	var seqMu sync.Mutex
	env.ctrl.newID = func() string {
		seqMu.Lock()
		defer seqMu.Unlock()
		seq++
		return fmt.Sprintf("id-%d", seq)
	}
	return env
}

// solGridParams 价格表 [100,105,110,115,120]
func solGridParams(id string) models.GridParams {
	return models.GridParams{
		ID:            id,
		SourceToken:   sol,
		TargetToken:   usdc,
		LowerLimit:    100,
		UpperLimit:    120,
		LevelCount:    4,
		TotalQuantity: 400,
		SlippageBps:   50,
	}
}

func (e *testEnv) state(t *testing.T, gridID string) models.GridState {
	t.Helper()
	snap, ok := e.ctrl.Snapshot(gridID)
	if !ok {
		t.Fatalf("grid %s not tracked", gridID)
	}
	return snap.State
}

func levelsOf(reqs []exchange.ExecutionRequest) []float64 {
	out := make([]float64, len(reqs))
	for i, r := range reqs {
		out[i] = r.ReferencePrice
	}
	return out
}

func zapString(key, val string) zap.Field {
	return zap.String(key, val)
}
