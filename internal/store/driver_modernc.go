//go:build !sqlite_vec

package store

import (
	"context"

	_ "modernc.org/sqlite"
)

// driverName selects the pure-Go sqlite driver so the default build needs
// no cgo toolchain.
const driverName = "sqlite"

func (s *Store) searchChunks(ctx context.Context, query []float32, topK int, threshold float64) ([]SearchHit, error) {
	return s.scanSearchChunks(ctx, query, topK, threshold)
}
