package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"rollcall/models"
)

// RecordConvened stores the convener's record of a successful handshake.
func (s *Store) RecordConvened(ctx context.Context, record models.ConvenedAttendance) error {
	if strings.TrimSpace(record.ConvenerID) == "" {
		return errors.New("convener_id is required")
	}
	if strings.TrimSpace(record.ResponderID) == "" {
		return errors.New("responder_id is required")
	}
	if record.PeerID == "" {
		return errors.New("peer_id is required")
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO convener_attendance (
			convener_id,
			responder_id,
			peer_id,
			nonce,
			timestamp
		) VALUES (?, ?, ?, ?, ?)`,
		record.ConvenerID,
		record.ResponderID,
		string(record.PeerID),
		record.Nonce,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert convener attendance for %q: %w", record.ResponderID, err)
	}

	return nil
}

// RecordResponded stores the responder's record of a received convener line.
// Nonces are not unique: every valid line is kept, including a reused nonce.
func (s *Store) RecordResponded(ctx context.Context, record models.RespondedAttendance) error {
	if strings.TrimSpace(record.ResponderID) == "" {
		return errors.New("responder_id is required")
	}
	if strings.TrimSpace(record.ConvenerID) == "" {
		return errors.New("convener_id is required")
	}
	if record.Timestamp == 0 {
		record.Timestamp = nowUnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO responder_attendance (
			responder_id,
			convener_id,
			nonce,
			timestamp
		) VALUES (?, ?, ?, ?)`,
		record.ResponderID,
		record.ConvenerID,
		record.Nonce,
		record.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert responder attendance for %q: %w", record.ConvenerID, err)
	}

	return nil
}

// ListConvened returns convener-side attendance, newest first.
func (s *Store) ListConvened(ctx context.Context, filter AttendanceFilter) ([]ConvenedRow, error) {
	query, args := attendanceQuery(`SELECT
		id,
		convener_id,
		responder_id,
		peer_id,
		nonce,
		timestamp
	FROM convener_attendance`, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list convener attendance: %w", err)
	}
	defer rows.Close()

	out := make([]ConvenedRow, 0)
	for rows.Next() {
		var (
			row    ConvenedRow
			peerID string
		)
		if err := rows.Scan(&row.ID, &row.ConvenerID, &row.ResponderID, &peerID, &row.Nonce, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("scan convener attendance row: %w", err)
		}
		row.PeerID = models.PeerID(peerID)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate convener attendance rows: %w", err)
	}

	return out, nil
}

// ListResponded returns responder-side attendance, newest first.
func (s *Store) ListResponded(ctx context.Context, filter AttendanceFilter) ([]RespondedRow, error) {
	query, args := attendanceQuery(`SELECT
		id,
		responder_id,
		convener_id,
		nonce,
		timestamp
	FROM responder_attendance`, filter)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list responder attendance: %w", err)
	}
	defer rows.Close()

	out := make([]RespondedRow, 0)
	for rows.Next() {
		var row RespondedRow
		if err := rows.Scan(&row.ID, &row.ResponderID, &row.ConvenerID, &row.Nonce, &row.Timestamp); err != nil {
			return nil, fmt.Errorf("scan responder attendance row: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate responder attendance rows: %w", err)
	}

	return out, nil
}

func attendanceQuery(base string, filter AttendanceFilter) (string, []any) {
	limit, offset := clampPage(filter.Limit, filter.Offset)

	query := strings.Builder{}
	query.WriteString(base)

	where := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if filter.ConvenerID != "" {
		where = append(where, "convener_id = ?")
		args = append(args, filter.ConvenerID)
	}
	if filter.ResponderID != "" {
		where = append(where, "responder_id = ?")
		args = append(args, filter.ResponderID)
	}
	if filter.FromTimestamp != nil {
		where = append(where, "timestamp >= ?")
		args = append(args, *filter.FromTimestamp)
	}
	if filter.ToTimestamp != nil {
		where = append(where, "timestamp <= ?")
		args = append(args, *filter.ToTimestamp)
	}

	if len(where) > 0 {
		query.WriteString(" WHERE ")
		query.WriteString(strings.Join(where, " AND "))
	}
	query.WriteString(" ORDER BY timestamp DESC, id DESC LIMIT ? OFFSET ?")
	args = append(args, limit, offset)

	return query.String(), args
}
