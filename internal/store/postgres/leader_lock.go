package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// leaderLockKey namespaces the advisory lock so unrelated services sharing
// the database do not collide.
const leaderLockKey int64 = 0x6d67_6c6f_636b // "mglock"

// LeaderLock holds a Postgres session-level advisory lock for the lifetime of
// one dedicated connection. The confirmation and fallback pollers assume a
// single active instance; the lock turns that assumption into an enforced
// invariant instead of a deployment convention.
type LeaderLock struct {
	conn *sql.Conn
}

// AcquireLeaderLock takes the advisory lock, returning (nil, false, nil) when
// another instance already holds it. The lock is released by Release or when
// the underlying connection dies.
func AcquireLeaderLock(ctx context.Context, db *DB) (*LeaderLock, bool, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, leaderLockKey).Scan(&acquired); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return nil, false, nil
	}
	return &LeaderLock{conn: conn}, true, nil
}

func (l *LeaderLock) Release(ctx context.Context) error {
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, leaderLockKey)
	closeErr := l.conn.Close()
	l.conn = nil
	if err != nil {
		return fmt.Errorf("advisory unlock: %w", err)
	}
	return closeErr
}
