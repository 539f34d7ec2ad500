package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"time"
)

// AdvisoryLocker uses PostgreSQL session advisory locks. The connection is
// pinned for the lifetime of the lock since advisory locks are per session.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

func advisoryID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (l *AdvisoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to pin connection for lock %s: %w", key, err)
	}

	id := advisoryID(key)
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", id); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to acquire advisory lock %s: %w", key, err)
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		conn.ExecContext(releaseCtx, "SELECT pg_advisory_unlock($1)", id)
		conn.Close()
	}, nil
}
