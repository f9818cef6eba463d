package storage

import (
	"database/sql"
	"fmt"
	"time"

	"rollcall/models"
)

// ConvenedRow is one stored convener-side attendance record.
type ConvenedRow struct {
	ID int64
	models.ConvenedAttendance
}

// RespondedRow is one stored responder-side attendance record.
type RespondedRow struct {
	ID int64
	models.RespondedAttendance
}

// AttemptEntry is one audited connection attempt.
type AttemptEntry struct {
	ID             int64
	PeerID         models.PeerID
	Outcome        models.Outcome
	Nonce          *int64
	RemoteIdentity *string
	Error          string
	StartedAt      int64
	DurationMillis int64
}

// AttendanceFilter narrows ListConvened and ListResponded results.
type AttendanceFilter struct {
	ConvenerID    string
	ResponderID   string
	FromTimestamp *int64
	ToTimestamp   *int64
	Limit         int
	Offset        int
}

// AttemptFilter narrows GetAttempts results.
type AttemptFilter struct {
	PeerID        models.PeerID
	Outcome       models.Outcome
	FromTimestamp *int64
	Limit         int
	Offset        int
}

type scanner interface {
	Scan(dest ...any) error
}

func validateOutcome(outcome models.Outcome) error {
	for _, known := range models.Outcomes {
		if outcome == known {
			return nil
		}
	}
	return fmt.Errorf("invalid attempt outcome %q", outcome)
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func nullInt64(ptr *int64) sql.NullInt64 {
	if ptr == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func int64Ptr(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	v := ni.Int64
	return &v
}

func nowUnixMilli() int64 {
	return time.Now().UnixMilli()
}
