package batch

import (
	"database/sql"
	"encoding/json"

	"github.com/storyscan-io/storyscan/errors"
)

// Store handles persistence of batch records.
type Store struct {
	db *sql.DB
}

// NewStore creates a batch store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateBatch inserts a new batch.
func (s *Store) CreateBatch(b *Batch) error {
	profileIDs, stories, err := marshalBatchColumns(b)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO batches (
			id, niche_id, profile_ids, status, queue_position,
			total_profiles, completed_profiles, successful_checks, failed_checks,
			profiles_with_stories,
			created_at, started_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.Exec(query,
		b.ID, b.NicheID, profileIDs, b.Status, nullablePosition(b),
		b.TotalProfiles, b.CompletedProfiles, b.SuccessfulChecks, b.FailedChecks,
		stories,
		b.CreatedAt, b.StartedAt, b.CompletedAt, b.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create batch")
	}
	return nil
}

// UpdateBatch rewrites an existing batch row.
func (s *Store) UpdateBatch(b *Batch) error {
	profileIDs, stories, err := marshalBatchColumns(b)
	if err != nil {
		return err
	}

	query := `
		UPDATE batches
		SET niche_id = ?,
		    profile_ids = ?,
		    status = ?,
		    queue_position = ?,
		    total_profiles = ?,
		    completed_profiles = ?,
		    successful_checks = ?,
		    failed_checks = ?,
		    profiles_with_stories = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
	`

	_, err = s.db.Exec(query,
		b.NicheID, profileIDs, b.Status, nullablePosition(b),
		b.TotalProfiles, b.CompletedProfiles, b.SuccessfulChecks, b.FailedChecks,
		stories,
		b.StartedAt, b.CompletedAt, b.UpdatedAt,
		b.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update batch")
	}
	return nil
}

// DeleteBatch removes a batch row. Log rows are owned by the LogStore and
// removed separately.
func (s *Store) DeleteBatch(id string) error {
	result, err := s.db.Exec(`DELETE FROM batches WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete batch")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("batch not found: %s", id)
	}
	return nil
}

// ListBatches returns all batch records in creation order.
func (s *Store) ListBatches() ([]*Batch, error) {
	query := `
		SELECT id, niche_id, profile_ids, status, queue_position,
		       total_profiles, completed_profiles, successful_checks, failed_checks,
		       profiles_with_stories,
		       created_at, started_at, completed_at, updated_at
		FROM batches
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list batches")
	}
	defer rows.Close()

	var batches []*Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		batches = append(batches, b)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating batches")
	}
	return batches, nil
}

func nullablePosition(b *Batch) sql.NullInt64 {
	if b.QueuePosition == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*b.QueuePosition), Valid: true}
}

func marshalBatchColumns(b *Batch) (profileIDs, stories string, err error) {
	raw, err := json.Marshal(b.ProfileIDs)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal profile ids")
	}
	profileIDs = string(raw)

	raw, err = json.Marshal(b.ProfilesWithStories)
	if err != nil {
		return "", "", errors.Wrap(err, "failed to marshal profiles with stories")
	}
	stories = string(raw)

	return profileIDs, stories, nil
}

func scanBatch(rows *sql.Rows) (*Batch, error) {
	var b Batch
	var profileIDs, stories string
	var position sql.NullInt64

	err := rows.Scan(
		&b.ID, &b.NicheID, &profileIDs, &b.Status, &position,
		&b.TotalProfiles, &b.CompletedProfiles, &b.SuccessfulChecks, &b.FailedChecks,
		&stories,
		&b.CreatedAt, &b.StartedAt, &b.CompletedAt, &b.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan batch")
	}

	if position.Valid {
		pos := int(position.Int64)
		b.QueuePosition = &pos
	}
	if err := json.Unmarshal([]byte(profileIDs), &b.ProfileIDs); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal profile ids")
	}
	if err := json.Unmarshal([]byte(stories), &b.ProfilesWithStories); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal profiles with stories")
	}
	return &b, nil
}
