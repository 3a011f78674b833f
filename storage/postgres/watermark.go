package postgres

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jmcleod/ironca/storage"
)

// Watermarks implements storage.Watermarks backed by PostgreSQL.
//
// It uses a write-through cache: reads come from an in-memory map,
// writes persist to PostgreSQL and update the in-memory map atomically.
// This mirrors the BBolt Watermarks in storage/bbolt.
type Watermarks struct {
	pool  *pgxpool.Pool
	mu    sync.RWMutex
	cache map[string]uint64
}

var _ storage.Watermarks = (*Watermarks)(nil)

// NewWatermarks returns a persistent watermark set backed by PostgreSQL.
// It loads all existing entries into memory on initialisation.
func NewWatermarks(ctx context.Context, pool *pgxpool.Pool) (*Watermarks, error) {
	w := &Watermarks{
		pool:  pool,
		cache: make(map[string]uint64),
	}

	rows, err := pool.Query(ctx, `SELECT ca_id, counter, value FROM watermarks`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var caID, counter string
		var value uint64
		if err := rows.Scan(&caID, &counter, &value); err != nil {
			return nil, err
		}
		w.cache[caID+"/"+counter] = value
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return w, nil
}

// Seen returns the highest value observed for a counter.
func (w *Watermarks) Seen(caID, counter string) uint64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.cache[caID+"/"+counter]
}

// Advance persists a new high-water mark. It returns a storage.RollbackError
// if value is below the currently stored mark.
func (w *Watermarks) Advance(caID, counter string, value uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	k := caID + "/" + counter
	if value < w.cache[k] {
		return storage.RollbackError{CAID: caID, Counter: counter, Seen: w.cache[k], Got: value}
	}

	_, err := w.pool.Exec(context.Background(),
		`INSERT INTO watermarks (ca_id, counter, value) VALUES ($1, $2, $3)
		 ON CONFLICT (ca_id, counter) DO UPDATE SET value = GREATEST(watermarks.value, $3)`,
		caID, counter, value)
	if err != nil {
		return err
	}

	w.cache[k] = value
	return nil
}
