package persistence

import "swap-grid-bot-go/internal/models"

// CheckpointRepository defines the interface for persisting per-grid checkpoints.
// Saving the same checkpoint twice must leave the store unchanged.
type CheckpointRepository interface {
	// SaveCheckpoint overwrites the checkpoint stored for the grid.
	SaveCheckpoint(cp *models.Checkpoint) error
	// LoadCheckpoint returns (nil, nil) when the grid has no checkpoint yet.
	LoadCheckpoint(gridID string) (*models.Checkpoint, error)
	// LoadAll returns every stored checkpoint keyed by grid ID.
	LoadAll() (map[string]*models.Checkpoint, error)
	DeleteCheckpoint(gridID string) error
	Close() error
}
