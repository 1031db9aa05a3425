package statemanager

import (
	"errors"
	"fmt"
	"sort"
	"swap-grid-bot-go/internal/models"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrGridNotFound is returned when the requested grid is not tracked.
var ErrGridNotFound = errors.New("grid not tracked")

// GridHandle gives a mutation callback access to one grid's config and state.
// Replacing Config swaps the level table for the grid.
type GridHandle struct {
	Config *models.GridConfig
	State  *models.GridState
	entry  *gridEntry
}

// Publish makes the current config/state visible to readers before the callback returns.
func (h *GridHandle) Publish() {
	h.entry.publish(h.Config, h.State)
}

type gridEntry struct {
	mu       sync.Mutex // held for the whole read-modify-write of one grid
	config   *models.GridConfig
	state    *models.GridState
	removed  bool
	snapshot atomic.Pointer[models.GridSnapshot]
}

func (e *gridEntry) publish(cfg *models.GridConfig, st *models.GridState) {
	e.snapshot.Store(deepCopy(cfg, st))
}

// StateManager is the single owner of every grid's in-memory state.
// Mutations for one grid are serialized by that grid's lock; readers only
// ever see the deep-copied snapshot published after the last mutation.
type StateManager struct {
	mu     sync.RWMutex
	grids  map[string]*gridEntry
	logger *zap.Logger
}

// NewStateManager creates an empty registry.
func NewStateManager(logger *zap.Logger) *StateManager {
	return &StateManager{
		grids:  make(map[string]*gridEntry),
		logger: logger,
	}
}

// Track registers a grid with its initial state.
func (sm *StateManager) Track(cfg *models.GridConfig, st *models.GridState) error {
	if cfg == nil || st == nil {
		return fmt.Errorf("track grid: config and state are required")
	}
	if cfg.ID != st.GridID {
		return fmt.Errorf("track grid: state %s does not belong to config %s", st.GridID, cfg.ID)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.grids[cfg.ID]; ok {
		return fmt.Errorf("track grid: %s is already tracked", cfg.ID)
	}
	entry := &gridEntry{config: cfg.Clone(), state: cloneState(st)}
	entry.publish(entry.config, entry.state)
	sm.grids[cfg.ID] = entry

	sm.logger.Sugar().Infof("Grid %s (%s) tracked in phase %s.", cfg.ID, cfg.Pair(), st.Phase())
	return nil
}

// Untrack removes a grid. It waits for any in-flight mutation of that grid to finish.
func (sm *StateManager) Untrack(gridID string) error {
	sm.mu.Lock()
	entry, ok := sm.grids[gridID]
	if ok {
		delete(sm.grids, gridID)
	}
	sm.mu.Unlock()
	if !ok {
		return ErrGridNotFound
	}

	entry.mu.Lock()
	entry.removed = true
	entry.mu.Unlock()

	sm.logger.Sugar().Infof("Grid %s untracked.", gridID)
	return nil
}

// IDs returns the tracked grid IDs in a stable order.
func (sm *StateManager) IDs() []string {
	sm.mu.RLock()
	ids := make([]string, 0, len(sm.grids))
	for id := range sm.grids {
		ids = append(ids, id)
	}
	sm.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of tracked grids.
func (sm *StateManager) Len() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.grids)
}

// WithGrid runs fn while holding the grid's lock. Whatever the handle holds when
// fn returns, error or not, becomes the grid's state and is published to readers.
func (sm *StateManager) WithGrid(gridID string, fn func(h *GridHandle) error) error {
	sm.mu.RLock()
	entry, ok := sm.grids[gridID]
	sm.mu.RUnlock()
	if !ok {
		return ErrGridNotFound
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.removed {
		return ErrGridNotFound
	}

	h := &GridHandle{Config: entry.config, State: entry.state, entry: entry}
	err := fn(h)
	if h.Config != nil {
		entry.config = h.Config
	}
	if h.State != nil {
		entry.state = h.State
	}
	entry.publish(entry.config, entry.state)
	return err
}

// Snapshot returns the last published copy of one grid. It never blocks on an in-flight tick.
func (sm *StateManager) Snapshot(gridID string) (models.GridSnapshot, bool) {
	sm.mu.RLock()
	entry, ok := sm.grids[gridID]
	sm.mu.RUnlock()
	if !ok {
		return models.GridSnapshot{}, false
	}
	return copySnapshot(entry.snapshot.Load()), true
}

// Snapshots returns copies of all grids ordered by ID.
func (sm *StateManager) Snapshots() []models.GridSnapshot {
	sm.mu.RLock()
	out := make([]models.GridSnapshot, 0, len(sm.grids))
	for _, entry := range sm.grids {
		out = append(out, copySnapshot(entry.snapshot.Load()))
	}
	sm.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Config.ID < out[j].Config.ID })
	return out
}

// deepCopy builds a reader-owned snapshot so that readers and the controller never share slices.
func deepCopy(cfg *models.GridConfig, st *models.GridState) *models.GridSnapshot {
	return &models.GridSnapshot{
		Config: *cfg.Clone(),
		State:  *cloneState(st),
		Phase:  st.Phase(),
	}
}

func copySnapshot(s *models.GridSnapshot) models.GridSnapshot {
	if s == nil {
		return models.GridSnapshot{}
	}
	out := *s
	out.Config.LevelTable = append([]float64(nil), s.Config.LevelTable...)
	return out
}

func cloneState(st *models.GridState) *models.GridState {
	cp := *st
	return &cp
}
