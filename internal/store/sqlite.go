package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db         *sql.DB
	identityMu sync.Mutex // serializes identity writes to avoid SQLITE_BUSY
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS devices (
		device_id TEXT PRIMARY KEY,
		label TEXT NOT NULL,
		last_seen_at INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_devices_last_seen ON devices(last_seen_at);

	CREATE TABLE IF NOT EXISTS agent_identities (
		device_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		thread_id TEXT NOT NULL DEFAULT '',
		resource_id TEXT NOT NULL DEFAULT '',
		version INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL,
		PRIMARY KEY (device_id, agent_id)
	);
	CREATE INDEX IF NOT EXISTS idx_agent_identities_updated ON agent_identities(updated_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// GetDevice retrieves a device by its device ID.
func (s *SQLiteStore) GetDevice(ctx context.Context, deviceID string) (*domain.Device, error) {
	query := `
		SELECT device_id, label, last_seen_at, created_at, updated_at
		FROM devices WHERE device_id = ?`

	var device domain.Device
	var lastSeen, createdAt, updatedAt int64

	err := s.db.QueryRowContext(ctx, query, deviceID).Scan(
		&device.DeviceID, &device.Label, &lastSeen, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan device row: %w", err)
	}

	device.LastSeenAt = time.Unix(lastSeen, 0)
	device.CreatedAt = time.Unix(createdAt, 0)
	device.UpdatedAt = time.Unix(updatedAt, 0)

	return &device, nil
}

// UpsertDevice creates or updates a device record.
func (s *SQLiteStore) UpsertDevice(ctx context.Context, device *domain.Device) error {
	query := `
	INSERT INTO devices (device_id, label, last_seen_at, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(device_id) DO UPDATE SET
		label = excluded.label,
		last_seen_at = excluded.last_seen_at,
		updated_at = excluded.updated_at`

	_, err := s.db.ExecContext(ctx, query,
		device.DeviceID, device.Label,
		device.LastSeenAt.Unix(), device.CreatedAt.Unix(), device.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert device: %w", err)
	}
	return nil
}

// UpdateLastSeen updates the last_seen_at timestamp for a device.
func (s *SQLiteStore) UpdateLastSeen(ctx context.Context, deviceID string, lastSeen time.Time) error {
	query := `UPDATE devices SET last_seen_at = ?, updated_at = ? WHERE device_id = ?`
	result, err := s.db.ExecContext(ctx, query, lastSeen.Unix(), time.Now().Unix(), deviceID)
	if err != nil {
		return fmt.Errorf("update last_seen: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if rows == 0 {
		slog.Warn("UpdateLastSeen affected 0 rows", "device_id", deviceID)
	}

	return nil
}

// GetIdentity returns the identity stored for one agent of a device.
func (s *SQLiteStore) GetIdentity(ctx context.Context, deviceID, agentID string, ttl time.Duration) (domain.SessionIdentity, bool, error) {
	query := `
		SELECT thread_id, resource_id FROM agent_identities
		WHERE device_id = ? AND agent_id = ? AND updated_at >= ?`

	var identity domain.SessionIdentity
	err := s.db.QueryRowContext(ctx, query, deviceID, agentID, expiryThreshold(ttl)).Scan(
		&identity.ThreadID, &identity.ResourceID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionIdentity{}, false, nil
	}
	if err != nil {
		return domain.SessionIdentity{}, false, fmt.Errorf("scan identity row: %w", err)
	}
	return identity, true, nil
}

// PutIdentity stores the identity of a single agent.
func (s *SQLiteStore) PutIdentity(ctx context.Context, deviceID, agentID string, identity domain.SessionIdentity) error {
	return s.withRetry(ctx, "put identity", deviceID, func() error {
		s.identityMu.Lock()
		defer s.identityMu.Unlock()
		return s.putIdentity(ctx, s.db, deviceID, agentID, identity)
	})
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLiteStore) putIdentity(ctx context.Context, db execer, deviceID, agentID string, identity domain.SessionIdentity) error {
	query := `
	INSERT INTO agent_identities (device_id, agent_id, thread_id, resource_id, version, updated_at)
	VALUES (?, ?, ?, ?, 1, ?)
	ON CONFLICT(device_id, agent_id) DO UPDATE SET
		thread_id = excluded.thread_id,
		resource_id = excluded.resource_id,
		version = agent_identities.version + 1,
		updated_at = excluded.updated_at`

	if _, err := db.ExecContext(ctx, query,
		deviceID, agentID, identity.ThreadID, identity.ResourceID, time.Now().Unix(),
	); err != nil {
		return fmt.Errorf("upsert identity: %w", err)
	}
	return nil
}

// ClaimIdentity stores candidate only when no valid identity exists.
func (s *SQLiteStore) ClaimIdentity(ctx context.Context, deviceID, agentID string, candidate domain.SessionIdentity, ttl time.Duration) (domain.SessionIdentity, error) {
	var winner domain.SessionIdentity
	err := s.withRetry(ctx, "claim identity", deviceID, func() error {
		s.identityMu.Lock()
		defer s.identityMu.Unlock()

		query := `
		INSERT INTO agent_identities (device_id, agent_id, thread_id, resource_id, version, updated_at)
		VALUES (?, ?, ?, ?, 1, ?)
		ON CONFLICT(device_id, agent_id) DO UPDATE SET
			thread_id = excluded.thread_id,
			resource_id = excluded.resource_id,
			version = agent_identities.version + 1,
			updated_at = excluded.updated_at
		WHERE agent_identities.thread_id = ''
		   OR agent_identities.resource_id = ''
		   OR agent_identities.updated_at < ?`

		now := time.Now().Unix()
		if _, err := s.db.ExecContext(ctx, query,
			deviceID, agentID, candidate.ThreadID, candidate.ResourceID, now, expiryThreshold(ttl),
		); err != nil {
			return fmt.Errorf("claim identity: %w", err)
		}

		row := s.db.QueryRowContext(ctx,
			`SELECT thread_id, resource_id FROM agent_identities WHERE device_id = ? AND agent_id = ?`,
			deviceID, agentID)
		if err := row.Scan(&winner.ThreadID, &winner.ResourceID); err != nil {
			return fmt.Errorf("read claimed identity: %w", err)
		}
		return nil
	})
	if err != nil {
		return domain.SessionIdentity{}, err
	}
	return winner, nil
}

// ResetIdentities writes an empty identity for every listed agent.
func (s *SQLiteStore) ResetIdentities(ctx context.Context, deviceID string, agentIDs []string) error {
	return s.withRetry(ctx, "reset identities", deviceID, func() error {
		s.identityMu.Lock()
		defer s.identityMu.Unlock()

		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin reset: %w", err)
		}
		for _, agentID := range agentIDs {
			if err := s.putIdentity(ctx, tx, deviceID, agentID, domain.SessionIdentity{}); err != nil {
				if rbErr := tx.Rollback(); rbErr != nil {
					slog.Warn("failed to rollback identity reset", "error", rbErr, "device_id", deviceID)
				}
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit reset: %w", err)
		}
		return nil
	})
}

// ListIdentities returns the unexpired identity table of a device.
func (s *SQLiteStore) ListIdentities(ctx context.Context, deviceID string, ttl time.Duration) (domain.IdentityTable, error) {
	query := `
		SELECT agent_id, thread_id, resource_id FROM agent_identities
		WHERE device_id = ? AND updated_at >= ?`

	rows, err := s.db.QueryContext(ctx, query, deviceID, expiryThreshold(ttl))
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close identity rows", "error", closeErr)
		}
	}()

	table := domain.IdentityTable{}
	for rows.Next() {
		var agentID string
		var identity domain.SessionIdentity
		if err := rows.Scan(&agentID, &identity.ThreadID, &identity.ResourceID); err != nil {
			return nil, fmt.Errorf("scan identity row: %w", err)
		}
		table[agentID] = identity
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return table, nil
}

// CleanupExpiredIdentities removes identity rows older than ttl.
func (s *SQLiteStore) CleanupExpiredIdentities(ctx context.Context, ttl time.Duration) (int64, error) {
	s.identityMu.Lock()
	defer s.identityMu.Unlock()

	result, err := s.db.ExecContext(ctx, `DELETE FROM agent_identities WHERE updated_at < ?`, expiryThreshold(ttl))
	if err != nil {
		return 0, fmt.Errorf("cleanup expired identities: %w", err)
	}
	return result.RowsAffected()
}

func expiryThreshold(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return time.Now().Add(-ttl).Unix()
}
