package proxypool

import (
	"database/sql"
	"encoding/json"

	"github.com/storyscan-io/storyscan/errors"
)

// Store handles persistence of proxy records. Sessions, health history, and
// metrics are stored as JSON columns.
type Store struct {
	db *sql.DB
}

// NewStore creates a proxy store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateProxy inserts a new proxy.
func (s *Store) CreateProxy(p *Proxy) error {
	sessions, health, history, metrics, err := marshalProxyColumns(p)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO proxies (
			id, host, port, username, password,
			sessions, health, health_history, metrics,
			created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	username := sql.NullString{String: p.Username, Valid: p.Username != ""}
	password := sql.NullString{String: p.Password, Valid: p.Password != ""}

	_, err = s.db.Exec(query,
		p.ID, p.Host, p.Port, username, password,
		sessions, health, history, metrics,
		p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		return errors.Wrap(err, "failed to create proxy")
	}
	return nil
}

// UpdateProxy rewrites an existing proxy row.
func (s *Store) UpdateProxy(p *Proxy) error {
	sessions, health, history, metrics, err := marshalProxyColumns(p)
	if err != nil {
		return err
	}

	query := `
		UPDATE proxies
		SET host = ?,
		    port = ?,
		    username = ?,
		    password = ?,
		    sessions = ?,
		    health = ?,
		    health_history = ?,
		    metrics = ?,
		    updated_at = ?
		WHERE id = ?
	`

	username := sql.NullString{String: p.Username, Valid: p.Username != ""}
	password := sql.NullString{String: p.Password, Valid: p.Password != ""}

	_, err = s.db.Exec(query,
		p.Host, p.Port, username, password,
		sessions, health, history, metrics,
		p.UpdatedAt, p.ID,
	)
	if err != nil {
		return errors.Wrap(err, "failed to update proxy")
	}
	return nil
}

// DeleteProxy removes a proxy row.
func (s *Store) DeleteProxy(id string) error {
	result, err := s.db.Exec(`DELETE FROM proxies WHERE id = ?`, id)
	if err != nil {
		return errors.Wrap(err, "failed to delete proxy")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("proxy not found: %s", id)
	}
	return nil
}

// ListProxies returns all proxy records.
func (s *Store) ListProxies() ([]*Proxy, error) {
	query := `
		SELECT id, host, port, username, password,
		       sessions, health, health_history, metrics,
		       created_at, updated_at
		FROM proxies
		ORDER BY created_at ASC
	`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list proxies")
	}
	defer rows.Close()

	var proxies []*Proxy
	for rows.Next() {
		p, err := scanProxy(rows)
		if err != nil {
			return nil, err
		}
		proxies = append(proxies, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating proxies")
	}
	return proxies, nil
}

func marshalProxyColumns(p *Proxy) (sessions, health, history, metrics string, err error) {
	b, err := json.Marshal(p.Sessions)
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "failed to marshal sessions")
	}
	sessions = string(b)

	b, err = json.Marshal(p.Health)
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "failed to marshal health")
	}
	health = string(b)

	b, err = json.Marshal(p.HealthHistory)
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "failed to marshal health history")
	}
	history = string(b)

	b, err = json.Marshal(p.Metrics)
	if err != nil {
		return "", "", "", "", errors.Wrap(err, "failed to marshal metrics")
	}
	metrics = string(b)

	return sessions, health, history, metrics, nil
}

func scanProxy(rows *sql.Rows) (*Proxy, error) {
	var p Proxy
	var username, password, health, metrics sql.NullString
	var sessions, history string

	err := rows.Scan(
		&p.ID, &p.Host, &p.Port, &username, &password,
		&sessions, &health, &history, &metrics,
		&p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to scan proxy")
	}

	p.Username = username.String
	p.Password = password.String

	if err := json.Unmarshal([]byte(sessions), &p.Sessions); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal sessions")
	}
	if health.Valid && health.String != "" {
		if err := json.Unmarshal([]byte(health.String), &p.Health); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal health")
		}
	} else {
		p.Health = Health{Status: HealthUnknown}
	}
	if err := json.Unmarshal([]byte(history), &p.HealthHistory); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal health history")
	}
	if metrics.Valid && metrics.String != "" {
		if err := json.Unmarshal([]byte(metrics.String), &p.Metrics); err != nil {
			return nil, errors.Wrap(err, "failed to unmarshal metrics")
		}
	}
	return &p, nil
}
