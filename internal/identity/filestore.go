package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
)

// DefaultBlobName is the file name of the persisted identity table.
const DefaultBlobName = "agentMemory.json"

const maxWriteAttempts = 3

// ErrConcurrentUpdate is returned when the blob kept changing underneath a
// write on every attempt.
var ErrConcurrentUpdate = errors.New("identity table changed concurrently")

// FileStore persists the whole identity table as one JSON blob. The blob
// expires with its modification time: once older than the TTL it reads as
// absent. Writes compare the blob fingerprint taken at read time and retry
// if another process replaced it in between.
type FileStore struct {
	path   string
	ttl    time.Duration
	now    func() time.Time
	mu     sync.Mutex
	logger *slog.Logger
}

type fingerprint struct {
	exists  bool
	modTime time.Time
	size    int64
}

// NewFileStore creates the blob's directory and returns a store for path.
func NewFileStore(path string, ttl time.Duration, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create identity directory: %w", err)
	}
	return &FileStore{
		path:   path,
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
	}, nil
}

// Path returns the blob location.
func (s *FileStore) Path() string {
	return s.path
}

// Get returns the identity stored for agentID.
func (s *FileStore) Get(_ context.Context, agentID string) (domain.SessionIdentity, bool) {
	table, _ := s.read()
	identity, ok := table[agentID]
	return identity, ok
}

// Table returns a copy of the persisted table, empty when absent or expired.
func (s *FileStore) Table() domain.IdentityTable {
	table, _ := s.read()
	return table
}

// Set merges identity into the persisted table and renews its expiry.
func (s *FileStore) Set(_ context.Context, agentID string, identity domain.SessionIdentity) error {
	return s.modify(func(table domain.IdentityTable) domain.IdentityTable {
		table[agentID] = identity
		return table
	})
}

// ResetAll replaces the table with empty identities for every agent.
func (s *FileStore) ResetAll(_ context.Context, agentIDs []string) error {
	return s.modify(func(domain.IdentityTable) domain.IdentityTable {
		return domain.EmptyTable(agentIDs)
	})
}

// Claim stores candidate unless a valid identity for agentID already exists.
func (s *FileStore) Claim(_ context.Context, agentID string, candidate domain.SessionIdentity) (domain.SessionIdentity, error) {
	var winner domain.SessionIdentity
	err := s.modify(func(table domain.IdentityTable) domain.IdentityTable {
		if current, ok := table[agentID]; ok && current.Valid() {
			winner = current
			return nil
		}
		table[agentID] = candidate
		winner = candidate
		return table
	})
	if err != nil {
		return domain.SessionIdentity{}, err
	}
	return winner, nil
}

// read loads the table. Missing, expired and malformed blobs read as empty.
func (s *FileStore) read() (domain.IdentityTable, fingerprint) {
	info, err := os.Stat(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("identity blob stat failed", "path", s.path, "error", err)
		}
		return domain.IdentityTable{}, fingerprint{}
	}
	fp := fingerprint{exists: true, modTime: info.ModTime(), size: info.Size()}

	if s.now().Sub(info.ModTime()) > s.ttl {
		s.logger.Debug("identity blob expired", "path", s.path, "mod_time", info.ModTime())
		return domain.IdentityTable{}, fp
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		s.logger.Warn("identity blob read failed", "path", s.path, "error", err)
		return domain.IdentityTable{}, fp
	}

	var table domain.IdentityTable
	if err := json.Unmarshal(data, &table); err != nil || table == nil {
		s.logger.Warn("identity blob malformed, treating as empty", "path", s.path, "error", err)
		return domain.IdentityTable{}, fp
	}
	return table, fp
}

func (f fingerprint) same(o fingerprint) bool {
	return f.exists == o.exists && f.size == o.size && f.modTime.Equal(o.modTime)
}

func (s *FileStore) stat() fingerprint {
	info, err := os.Stat(s.path)
	if err != nil {
		return fingerprint{}
	}
	return fingerprint{exists: true, modTime: info.ModTime(), size: info.Size()}
}

// modify runs a read-modify-write cycle. fn returning nil means no write.
func (s *FileStore) modify(fn func(domain.IdentityTable) domain.IdentityTable) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		table, before := s.read()
		next := fn(table)
		if next == nil {
			return nil
		}

		if current := s.stat(); !current.same(before) {
			s.logger.Debug("identity blob changed during update, retrying", "path", s.path, "attempt", attempt)
			continue
		}
		return s.write(next)
	}
	return fmt.Errorf("write %s: %w", s.path, ErrConcurrentUpdate)
}

func (s *FileStore) write(table domain.IdentityTable) error {
	data, err := json.Marshal(table)
	if err != nil {
		return fmt.Errorf("encode identity table: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".agentMemory-*")
	if err != nil {
		return fmt.Errorf("create temp identity blob: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, statErr := os.Stat(tmpName); statErr == nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp identity blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp identity blob: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace identity blob: %w", err)
	}
	return nil
}
