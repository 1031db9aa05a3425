package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"swap-grid-bot-go/internal/controller"
	"swap-grid-bot-go/internal/grid"
	"swap-grid-bot-go/internal/models"
	"swap-grid-bot-go/internal/statemanager"
	"swap-grid-bot-go/internal/storage"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeAdmin 是 Admin 的内存实现
type fakeAdmin struct {
	mu       sync.Mutex
	grids    map[string]models.GridSnapshot
	trades   map[string][]*models.TradeRecord
	lastEdit grid.RangeEdit
	failWith error
}

func newFakeAdmin() *fakeAdmin {
	return &fakeAdmin{
		grids: map[string]models.GridSnapshot{
			"g1": {
				Config: models.GridConfig{ID: "g1", LowerLimit: 100, UpperLimit: 120, LevelCount: 4, LevelTable: []float64{100, 105, 110, 115, 120}},
				State:  models.GridState{GridID: "g1", CurrentLevel: 2, LastObservedPrice: 111},
				Phase:  models.PhaseTracking,
			},
		},
		trades: map[string][]*models.TradeRecord{
			"g1": {{ID: "r1", GridID: "g1", Direction: models.Buy, Level: 2}},
		},
	}
}

func (f *fakeAdmin) Snapshots() []models.GridSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.GridSnapshot, 0, len(f.grids))
	for _, s := range f.grids {
		out = append(out, s)
	}
	return out
}

func (f *fakeAdmin) Snapshot(id string) (models.GridSnapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.grids[id]
	return s, ok
}

func (f *fakeAdmin) CreateGrid(_ context.Context, p models.GridParams) (*models.GridConfig, error) {
	if p.LevelCount < 2 {
		return nil, models.NewConfigError(p.ID, "level_count", "must be at least 2")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.grids[p.ID]; ok {
		return nil, controller.ErrGridExists
	}
	cfg := models.GridConfig{ID: p.ID, LowerLimit: p.LowerLimit, UpperLimit: p.UpperLimit, LevelCount: p.LevelCount}
	f.grids[p.ID] = models.GridSnapshot{Config: cfg, State: *models.NewGridState(p.ID), Phase: models.PhaseUninitialized}
	return &cfg, nil
}

func (f *fakeAdmin) UpdateGridRange(_ context.Context, id string, edit grid.RangeEdit) (models.GridSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastEdit = edit
	s, ok := f.grids[id]
	if !ok {
		return models.GridSnapshot{}, statemanager.ErrGridNotFound
	}
	if edit.UpperLimit <= edit.LowerLimit {
		return models.GridSnapshot{}, models.NewConfigError(id, "upper_limit", "must be greater than lower_limit")
	}
	s.Config.LowerLimit, s.Config.UpperLimit = edit.LowerLimit, edit.UpperLimit
	f.grids[id] = s
	return s, nil
}

func (f *fakeAdmin) DeleteGrid(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.grids[id]; !ok {
		return storage.ErrNotFound
	}
	delete(f.grids, id)
	return nil
}

func (f *fakeAdmin) Counters(_ context.Context, id string) (*models.Counters, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	return &models.Counters{GridID: id, TotalBuys: 1}, nil
}

func (f *fakeAdmin) TradeRecords(_ context.Context, id string, limit int) ([]*models.TradeRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades[id], nil
}

func (f *fakeAdmin) Stats() controller.Stats {
	return controller.Stats{TrackedGrids: len(f.grids), Ticks: 7}
}

func doRequest(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthAndStats(t *testing.T) {
	h := NewServer(newFakeAdmin(), ":0", zap.NewNop()).Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = doRequest(t, h, http.MethodGet, "/api/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var stats controller.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.EqualValues(t, 7, stats.Ticks)
}

func TestListAndGetGrid(t *testing.T) {
	h := NewServer(newFakeAdmin(), ":0", zap.NewNop()).Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/grids", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Grids []GridView `json:"grids"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Grids, 1)
	assert.Equal(t, 2, list.Grids[0].State.CurrentLevel)
	require.NotNil(t, list.Grids[0].Counters)
	assert.Equal(t, 1, list.Grids[0].Counters.TotalBuys)

	rec = doRequest(t, h, http.MethodGet, "/api/grids/g1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var view GridView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, models.PhaseTracking, view.Phase)
	assert.Equal(t, []float64{100, 105, 110, 115, 120}, view.Config.LevelTable)

	rec = doRequest(t, h, http.MethodGet, "/api/grids/nope", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateGrid(t *testing.T) {
	admin := newFakeAdmin()
	h := NewServer(admin, ":0", zap.NewNop()).Handler()

	rec := doRequest(t, h, http.MethodPost, "/api/grids", `{"id":"g2","lower_limit":1,"upper_limit":2,"level_count":4,"total_quantity":10}`)
	assert.Equal(t, http.StatusCreated, rec.Code)
	_, ok := admin.Snapshot("g2")
	assert.True(t, ok)

	rec = doRequest(t, h, http.MethodPost, "/api/grids", `{"id":"g3","lower_limit":1,"upper_limit":2,"level_count":1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"level_count"`)

	rec = doRequest(t, h, http.MethodPost, "/api/grids", `{"id":"g1","lower_limit":1,"upper_limit":2,"level_count":4}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doRequest(t, h, http.MethodPost, "/api/grids", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateRange(t *testing.T) {
	admin := newFakeAdmin()
	h := NewServer(admin, ":0", zap.NewNop()).Handler()

	rec := doRequest(t, h, http.MethodPut, "/api/grids/g1/range", `{"lower_limit":90,"upper_limit":130}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, grid.RangeEdit{LowerLimit: 90, UpperLimit: 130}, admin.lastEdit)

	rec = doRequest(t, h, http.MethodPut, "/api/grids/g1/range", `{"lower_limit":130,"upper_limit":90}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodPut, "/api/grids/zz/range", `{"lower_limit":90,"upper_limit":130}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteGridAndTrades(t *testing.T) {
	admin := newFakeAdmin()
	h := NewServer(admin, ":0", zap.NewNop()).Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/grids/g1/trades?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"id":"r1"`)

	rec = doRequest(t, h, http.MethodGet, "/api/grids/g1/trades?limit=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h, http.MethodDelete, "/api/grids/g1", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = doRequest(t, h, http.MethodDelete, "/api/grids/g1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = doRequest(t, h, http.MethodGet, "/api/grids/g1/trades", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInternalErrorIsMasked(t *testing.T) {
	admin := newFakeAdmin()
	admin.failWith = errors.New("db exploded")
	h := NewServer(admin, ":0", zap.NewNop()).Handler()

	rec := doRequest(t, h, http.MethodGet, "/api/grids/g1", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "exploded")
}
