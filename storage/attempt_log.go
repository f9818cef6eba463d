package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"rollcall/models"
)

// SetAttemptRetention configures the automatic attempt log pruning horizon.
func (s *Store) SetAttemptRetention(retention time.Duration) {
	if retention <= 0 {
		retention = DefaultAttemptRetention
	}
	s.attemptRetention = retention
}

// LogAttempt appends one attempt result to the audit log and applies retention pruning.
// A pruning failure is logged and does not fail the insert.
func (s *Store) LogAttempt(ctx context.Context, result models.AttemptResult) error {
	if result.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if err := validateOutcome(result.Outcome); err != nil {
		return err
	}

	started := result.Started
	if started.IsZero() {
		started = time.Now()
	}

	var nonce *int64
	if result.HasNonce {
		v := int64(result.Nonce)
		nonce = &v
	}
	var remote *string
	if identity := strings.TrimSpace(result.RemoteIdentity); identity != "" {
		remote = &identity
	}
	errText := ""
	if result.Err != nil {
		errText = result.Err.Error()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attempt_log (
			peer_id,
			outcome,
			nonce,
			remote_identity,
			error,
			started_at,
			duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		string(result.PeerID),
		string(result.Outcome),
		nullInt64(nonce),
		nullString(remote),
		errText,
		started.UnixMilli(),
		result.Duration().Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("insert attempt for %q: %w", result.PeerID, err)
	}

	if s.attemptRetention > 0 {
		cutoff := time.Now().Add(-s.attemptRetention).UnixMilli()
		if _, err := s.PruneAttempts(ctx, cutoff); err != nil {
			// The attempt is already stored; a failed prune is retried on the next insert.
			log.Warn().Str("component", "storage").Err(err).Msg("prune attempts failed")
		}
	}

	return nil
}

// GetAttempts returns recent attempts with optional filtering, newest first.
func (s *Store) GetAttempts(ctx context.Context, filter AttemptFilter) ([]AttemptEntry, error) {
	if filter.Outcome != "" {
		if err := validateOutcome(filter.Outcome); err != nil {
			return nil, err
		}
	}
	limit, offset := clampPage(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(`SELECT
		id,
		peer_id,
		outcome,
		nonce,
		remote_identity,
		error,
		started_at,
		duration_ms
	FROM attempt_log`)

	where := make([]string, 0, 3)
	args := make([]any, 0, 5)

	if filter.PeerID != "" {
		where = append(where, "peer_id = ?")
		args = append(args, string(filter.PeerID))
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	if filter.FromTimestamp != nil {
		where = append(where, "started_at >= ?")
		args = append(args, *filter.FromTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("get attempts: %w", err)
	}
	defer rows.Close()

	entries := make([]AttemptEntry, 0)
	for rows.Next() {
		entry, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt row: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempt rows: %w", err)
	}

	return entries, nil
}

// PruneAttempts removes attempts started before cutoffTimestamp.
func (s *Store) PruneAttempts(ctx context.Context, cutoffTimestamp int64) (int64, error) {
	if cutoffTimestamp <= 0 {
		return 0, errors.New("cutoff timestamp must be > 0")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM attempt_log WHERE started_at < ?`, cutoffTimestamp)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read rows affected for attempt prune: %w", err)
	}

	return rowsAffected, nil
}

func scanAttempt(row scanner) (*AttemptEntry, error) {
	var (
		entry   AttemptEntry
		peerID  string
		outcome string
		nonce   sql.NullInt64
		remote  sql.NullString
	)
	if err := row.Scan(
		&entry.ID,
		&peerID,
		&outcome,
		&nonce,
		&remote,
		&entry.Error,
		&entry.StartedAt,
		&entry.DurationMillis,
	); err != nil {
		return nil, err
	}

	entry.PeerID = models.PeerID(peerID)
	entry.Outcome = models.Outcome(outcome)
	entry.Nonce = int64Ptr(nonce)
	entry.RemoteIdentity = stringPtr(remote)
	return &entry, nil
}
