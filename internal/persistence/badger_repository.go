package persistence

import (
	"encoding/json"
	"errors"
	"fmt"
	"swap-grid-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
)

const checkpointPrefix = "checkpoint/"

// badgerRepository is the BadgerDB implementation of the CheckpointRepository.
type badgerRepository struct {
	db *badger.DB
}

// NewBadgerRepository opens a BadgerDB at dbPath. An empty path opens an in-memory
// database, which is what backtests use.
func NewBadgerRepository(dbPath string) (CheckpointRepository, error) {
	opts := badger.DefaultOptions(dbPath)
	if dbPath == "" {
		opts = opts.WithInMemory(true)
	}
	// Badger's own logging is noisy; errors are still returned from DB operations.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", dbPath, err)
	}
	return &badgerRepository{db: db}, nil
}

func checkpointKey(gridID string) []byte {
	return []byte(checkpointPrefix + gridID)
}

// SaveCheckpoint marshals the checkpoint to JSON and overwrites the grid's key.
func (r *badgerRepository) SaveCheckpoint(cp *models.Checkpoint) error {
	if cp == nil || cp.GridID == "" {
		return errors.New("checkpoint requires a grid id")
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint %s: %w", cp.GridID, err)
	}

	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(cp.GridID), data)
	})
}

// LoadCheckpoint loads one grid's checkpoint.
// If the key is not found, it returns (nil, nil) to indicate the grid starts fresh.
func (r *badgerRepository) LoadCheckpoint(gridID string) (*models.Checkpoint, error) {
	var cp models.Checkpoint

	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(gridID))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) == 0 {
				return errors.New("checkpoint value is empty in database")
			}
			return json.Unmarshal(val, &cp)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", gridID, err)
	}
	return &cp, nil
}

// LoadAll iterates over the checkpoint prefix.
func (r *badgerRepository) LoadAll() (map[string]*models.Checkpoint, error) {
	out := make(map[string]*models.Checkpoint)
	prefix := []byte(checkpointPrefix)

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			err := item.Value(func(val []byte) error {
				var cp models.Checkpoint
				if err := json.Unmarshal(val, &cp); err != nil {
					return fmt.Errorf("decode %s: %w", item.Key(), err)
				}
				out[cp.GridID] = &cp
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load checkpoints: %w", err)
	}
	return out, nil
}

// DeleteCheckpoint removes a grid's checkpoint. Deleting a missing key is not an error.
func (r *badgerRepository) DeleteCheckpoint(gridID string) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(gridID))
	})
}

// Close gracefully closes the connection to the database.
func (r *badgerRepository) Close() error {
	return r.db.Close()
}
