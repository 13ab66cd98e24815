package batch

import (
	"database/sql"
	"time"

	"github.com/storyscan-io/storyscan/errors"
)

// Event types recorded in the batch log.
const (
	EventSubmitted      = "submitted"
	EventStarted        = "started"
	EventProfileSuccess = "profile_success"
	EventProfileFailure = "profile_failure"
	EventPaused         = "paused"
	EventResumed        = "resumed"
	EventStopped        = "stopped"
	EventCompleted      = "completed"
)

// LogEntry is one timestamped event in a batch's history.
type LogEntry struct {
	ID        int64     `json:"id"`
	BatchID   string    `json:"batch_id"`
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Message   string    `json:"message"`
	ProfileID string    `json:"profile_id,omitempty"`
	ProxyID   string    `json:"proxy_id,omitempty"`
}

// LogFilter narrows a log listing. Zero values mean unfiltered.
type LogFilter struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

// LogStore persists per-batch event logs.
type LogStore struct {
	db *sql.DB
}

// NewLogStore creates a log store.
func NewLogStore(db *sql.DB) *LogStore {
	return &LogStore{db: db}
}

// Append records one event for a batch.
func (s *LogStore) Append(entry LogEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	query := `
		INSERT INTO batch_logs (batch_id, timestamp, event_type, message, profile_id, proxy_id)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.Exec(query,
		entry.BatchID, entry.Timestamp, entry.EventType, entry.Message,
		nullableString(entry.ProfileID), nullableString(entry.ProxyID),
	)
	if err != nil {
		return errors.Wrap(err, "failed to append batch log")
	}
	return nil
}

// List returns a batch's log entries oldest first, applying the filter.
func (s *LogStore) List(batchID string, filter LogFilter) ([]LogEntry, error) {
	query := `
		SELECT id, batch_id, timestamp, event_type, message, profile_id, proxy_id
		FROM batch_logs
		WHERE batch_id = ?
	`
	args := []interface{}{batchID}

	if !filter.From.IsZero() {
		query += ` AND timestamp >= ?`
		args = append(args, filter.From)
	}
	if !filter.To.IsZero() {
		query += ` AND timestamp <= ?`
		args = append(args, filter.To)
	}

	query += ` ORDER BY timestamp ASC, id ASC`

	// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	} else if filter.Offset > 0 {
		query += ` LIMIT -1`
	}
	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batch logs")
	}
	defer rows.Close()

	var entries []LogEntry
	for rows.Next() {
		var e LogEntry
		var profileID, proxyID sql.NullString
		if err := rows.Scan(&e.ID, &e.BatchID, &e.Timestamp, &e.EventType, &e.Message, &profileID, &proxyID); err != nil {
			return nil, errors.Wrap(err, "failed to scan batch log")
		}
		e.ProfileID = profileID.String
		e.ProxyID = proxyID.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating batch logs")
	}
	return entries, nil
}

// DeleteForBatch removes every log entry belonging to a batch.
func (s *LogStore) DeleteForBatch(batchID string) error {
	if _, err := s.db.Exec(`DELETE FROM batch_logs WHERE batch_id = ?`, batchID); err != nil {
		return errors.Wrap(err, "failed to delete batch logs")
	}
	return nil
}

func nullableString(v string) sql.NullString {
	if v == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: v, Valid: true}
}
