package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"loom/internal/logging"

	"github.com/google/uuid"
)

// Buffer legs. The mask bits double as the buffer columns.
const (
	LegContextA = 1 << 0
	LegContextB = 1 << 1

	maskBothReady = LegContextA | LegContextB
)

// Buffer is a transient holding row for the two parallel raw-context
// extraction results.
type Buffer struct {
	ID        string
	CreatedAt time.Time

	ContextAUnrefined *string
	ContextBUnrefined *string
	ReadyMask         int
	JoinedAt          *time.Time
}

// Ready reports whether both legs have committed.
func (b *Buffer) Ready() bool {
	return b.ReadyMask&maskBothReady == maskBothReady
}

const bufferSelect = `id, created_at, context_a_unrefined, context_b_unrefined, ready_mask, joined_at`

func scanBuffer(row interface{ Scan(...interface{}) error }) (*Buffer, error) {
	var b Buffer
	err := row.Scan(&b.ID, &b.CreatedAt, &b.ContextAUnrefined, &b.ContextBUnrefined, &b.ReadyMask, &b.JoinedAt)
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// CreateBuffer inserts a fresh unrefined buffer row.
func (s *Store) CreateBuffer(ctx context.Context) (*Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO unrefined_buffers (id, created_at) VALUES (?, ?)`, id, now)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer: %w", err)
	}

	logging.Refine("Created unrefined buffer %s", id)
	return &Buffer{ID: id, CreatedAt: now}, nil
}

// GetBuffer fetches a buffer by id.
func (s *Store) GetBuffer(ctx context.Context, id string) (*Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+bufferSelect+` FROM unrefined_buffers WHERE id = ?`, id)
	buf, err := scanBuffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrBufferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch buffer %s: %w", id, err)
	}
	return buf, nil
}

// LatestBuffer returns the most recently created buffer, joined or not.
func (s *Store) LatestBuffer(ctx context.Context) (*Buffer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT `+bufferSelect+` FROM unrefined_buffers ORDER BY created_at DESC, id DESC LIMIT 1`)
	buf, err := scanBuffer(row)
	if err == sql.ErrNoRows {
		return nil, ErrBufferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch latest buffer: %w", err)
	}
	return buf, nil
}

// CommitBufferLeg writes one leg's unrefined context and flips its ready bit
// in the same statement. It returns the new mask and whether this commit was
// the transition to "both ready", which is the single point where the join fires.
// Committing a leg twice returns ErrFieldAlreadySet.
func (s *Store) CommitBufferLeg(ctx context.Context, id string, leg int, content string) (mask int, becameReady bool, err error) {
	var column string
	switch leg {
	case LegContextA:
		column = "context_a_unrefined"
	case LegContextB:
		column = "context_b_unrefined"
	default:
		return 0, false, fmt.Errorf("unknown buffer leg %d", leg)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx, fmt.Sprintf(`
		UPDATE unrefined_buffers
		SET %s = ?, ready_mask = ready_mask | ?
		WHERE id = ? AND %s IS NULL
		RETURNING ready_mask`, column, column),
		content, leg, id)

	if err := row.Scan(&mask); err != nil {
		if err == sql.ErrNoRows {
			var exists int
			if qerr := s.db.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM unrefined_buffers WHERE id = ?`, id).Scan(&exists); qerr != nil {
				return 0, false, qerr
			}
			if exists == 0 {
				return 0, false, ErrBufferNotFound
			}
			return 0, false, fmt.Errorf("%w: %s on buffer %s", ErrFieldAlreadySet, column, id)
		}
		return 0, false, fmt.Errorf("failed to commit %s on buffer %s: %w", column, id, err)
	}

	becameReady = mask == maskBothReady
	logging.Refine("Buffer %s: %s committed, mask=%d ready=%v", id, column, mask, becameReady)
	return mask, becameReady, nil
}

// MarkBufferJoined stamps the buffer as consumed by the refiners. The
// joined_at guard keeps a duplicate join trigger from refining twice.
func (s *Store) MarkBufferJoined(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE unrefined_buffers SET joined_at = ? WHERE id = ? AND joined_at IS NULL`,
		time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("failed to mark buffer %s joined: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
