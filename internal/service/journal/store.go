// Package journal keeps an append-only SQLite record of transcript activity.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/zhouzirui/chatmirror/backend/internal/logging"
	"github.com/zhouzirui/chatmirror/backend/internal/model/chat"
	chatservice "github.com/zhouzirui/chatmirror/backend/internal/service/chat"
)

// Entry kinds.
const (
	KindTurn  = "turn"
	KindClear = "clear"
)

const (
	writeTimeout = 5 * time.Second
	queueSize    = 256
)

// Entry is one journal row. Role, Origin and Content are empty for clears.
type Entry struct {
	ID        string
	ClientID  string
	Kind      string
	Origin    chatservice.Origin
	Role      chat.Role
	Content   string
	CreatedAt time.Time
}

// Store records transcript mutations. It implements chatservice.Observer.
// Rows are written by a background goroutine so the transcript owner never
// waits on the disk; write failures and overflow are logged, never returned.
type Store struct {
	db       *sql.DB
	clientID string
	logger   *zap.Logger
	now      func() time.Time
	exec     func(ctx context.Context, entry Entry) error

	mu      sync.RWMutex
	closed  bool
	queue   chan request
	done    chan struct{}
	dropped atomic.Uint64
}

// request is a row to write, or a barrier when flushed is set.
type request struct {
	entry   Entry
	flushed chan struct{}
}

var _ chatservice.Observer = (*Store)(nil)

// Open creates or reopens the journal at path.
func Open(path, clientID string, logger *zap.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create journal directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	db.SetMaxOpenConns(1)

	store := &Store{
		db:       db,
		clientID: clientID,
		logger:   logging.OrNop(logger).Named("journal"),
		now:      time.Now,
		queue:    make(chan request, queueSize),
		done:     make(chan struct{}),
	}
	store.exec = store.insert
	if err := store.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	go store.writeLoop()
	return store, nil
}

func (s *Store) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS journal (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		client_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		origin TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_journal_client ON journal(client_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create journal table: %w", err)
	}
	return nil
}

func (s *Store) TurnAppended(turn chat.Turn, origin chatservice.Origin) {
	s.enqueue(Entry{
		Kind:    KindTurn,
		Origin:  origin,
		Role:    turn.Role,
		Content: turn.Content,
	})
}

func (s *Store) Cleared() {
	s.enqueue(Entry{Kind: KindClear})
}

// Dropped counts rows discarded because the write queue was full.
func (s *Store) Dropped() uint64 {
	return s.dropped.Load()
}

// Flush waits until every row recorded before the call has been written.
func (s *Store) Flush(ctx context.Context) error {
	flushed := make(chan struct{})

	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil
	}
	select {
	case s.queue <- request{flushed: flushed}:
	case <-ctx.Done():
		s.mu.RUnlock()
		return ctx.Err()
	}
	s.mu.RUnlock()

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) enqueue(entry Entry) {
	entry.ID = uuid.NewString()
	entry.ClientID = s.clientID
	entry.CreatedAt = s.now().UTC()

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.queue <- request{entry: entry}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("journal queue full, dropping row", zap.String("kind", entry.Kind))
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for req := range s.queue {
		if req.flushed != nil {
			close(req.flushed)
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		if err := s.exec(ctx, req.entry); err != nil {
			s.logger.Error("journal write failed", zap.String("kind", req.entry.Kind), zap.Error(err))
		}
		cancel()
	}
}

// Recent returns up to n of the latest entries, oldest first. Rows recorded
// before the call are included.
func (s *Store) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}
	if err := s.Flush(ctx); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, client_id, kind, origin, role, content, created_at
		FROM journal ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			entry     Entry
			origin    string
			role      string
			createdAt string
		)
		if err := rows.Scan(&entry.ID, &entry.ClientID, &entry.Kind, &origin, &role, &entry.Content, &createdAt); err != nil {
			return nil, fmt.Errorf("scan journal row: %w", err)
		}
		entry.Origin = chatservice.Origin(origin)
		entry.Role = chat.Role(role)
		if entry.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("parse journal timestamp %q: %w", createdAt, err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// Close writes the queued rows and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.queue)
	}
	s.mu.Unlock()

	<-s.done
	return s.db.Close()
}

func (s *Store) insert(ctx context.Context, entry Entry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO journal (id, client_id, kind, origin, role, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ClientID, entry.Kind, string(entry.Origin), string(entry.Role), entry.Content,
		entry.CreatedAt.Format(time.RFC3339Nano))
	return err
}
