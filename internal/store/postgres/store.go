// Package postgres implements the ledger store contract on PostgreSQL.
// Gate flips and spend increments are single statements, so atomicity holds
// across independent worker processes sharing the database.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
)

type Store struct {
	db *sqlx.DB
}

// New wraps an open sqlx connection.
func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (name, contact, may_query)
		VALUES ($1, $2, TRUE)
	`
	_, err := s.db.ExecContext(ctx, query, user.Name, user.Contact)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create user")
	}
	for i := range user.Grants {
		g := &user.Grants[i]
		if err := s.GrantAccess(ctx, user.Name, g.Dataset, g.Initial()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) CreateDataset(ctx context.Context, dataset *domain.Dataset) error {
	meta, err := json.Marshal(dataset.Metadata)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to encode metadata")
	}
	query := `
		INSERT INTO datasets (name, access_type, access_path, credentials_ref, metadata)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err = s.db.ExecContext(ctx, query,
		dataset.Name, dataset.Access.Type, dataset.Access.Path, dataset.Access.CredentialsRef, meta,
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create dataset")
	}
	return nil
}

func (s *Store) GrantAccess(ctx context.Context, user, dataset string, initial domain.Budget) error {
	query := `
		INSERT INTO grants (user_name, dataset, initial_epsilon, initial_delta, spent_epsilon, spent_delta)
		VALUES ($1, $2, $3, $4, 0, 0)
	`
	_, err := s.db.ExecContext(ctx, query, user, dataset, initial.Epsilon, initial.Delta)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to create grant")
	}
	return nil
}

func (s *Store) UserExists(ctx context.Context, user string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM users WHERE name = $1)`, user)
	return exists, err
}

func (s *Store) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM datasets WHERE name = $1)`, dataset)
	return exists, err
}

func (s *Store) HasAccess(ctx context.Context, user, dataset string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM grants WHERE user_name = $1 AND dataset = $2)`, user, dataset)
	return exists, err
}

type datasetRow struct {
	Name           string          `db:"name"`
	AccessType     string          `db:"access_type"`
	AccessPath     string          `db:"access_path"`
	CredentialsRef string          `db:"credentials_ref"`
	Metadata       json.RawMessage `db:"metadata"`
}

func (s *Store) GetDataset(ctx context.Context, dataset string) (*domain.Dataset, error) {
	var row datasetRow
	err := s.db.GetContext(ctx, &row,
		`SELECT name, access_type, access_path, credentials_ref, metadata FROM datasets WHERE name = $1`, dataset)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrDatasetNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch dataset")
	}

	ds := &domain.Dataset{
		Name: row.Name,
		Access: domain.AccessInfo{
			Type:           row.AccessType,
			Path:           row.AccessPath,
			CredentialsRef: row.CredentialsRef,
		},
	}
	if err := json.Unmarshal(row.Metadata, &ds.Metadata); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode metadata")
	}
	return ds, nil
}

func (s *Store) GetGrant(ctx context.Context, user, dataset string) (*domain.DatasetGrant, error) {
	var grant domain.DatasetGrant
	err := s.db.GetContext(ctx, &grant, `
		SELECT dataset, initial_epsilon, initial_delta, spent_epsilon, spent_delta
		FROM grants WHERE user_name = $1 AND dataset = $2
	`, user, dataset)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrNoAccess
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch grant")
	}
	return &grant, nil
}

// GetAndSetMayQuery takes a row lock on the user, so the prior value it
// returns and the flip it performs are one atomic read-modify-write even
// across processes.
func (s *Store) GetAndSetMayQuery(ctx context.Context, user string, value bool) (bool, error) {
	var prev bool
	err := s.db.GetContext(ctx, &prev, `
		WITH prev AS (
			SELECT may_query FROM users WHERE name = $1 FOR UPDATE
		)
		UPDATE users SET may_query = $2
		FROM prev
		WHERE users.name = $1
		RETURNING prev.may_query
	`, user, value)
	if err == sql.ErrNoRows {
		return false, pkgerrors.ErrUserNotFound
	}
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to flip gate")
	}
	return prev, nil
}

func (s *Store) SetMayQuery(ctx context.Context, user string, value bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE users SET may_query = $2 WHERE name = $1`, user, value)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to set gate")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrUserNotFound
	}
	return nil
}

// CommitSpend pushes the increment into the database as a single UPDATE
// touching both columns, never one without the other.
func (s *Store) CommitSpend(ctx context.Context, user, dataset string, cost domain.Budget) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE grants
		SET spent_epsilon = spent_epsilon + $3,
		    spent_delta   = spent_delta + $4
		WHERE user_name = $1 AND dataset = $2
	`, user, dataset, cost.Epsilon, cost.Delta)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to commit spend")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNoAccess
	}
	return nil
}

// CommitQuery writes the spend increment and the archive row in one
// transaction. If the archive insert fails (a duplicate request id from a
// redelivered task, say) the spend rolls back with it.
func (s *Store) CommitQuery(ctx context.Context, user, dataset string, cost domain.Budget, entry *domain.QueryArchiveEntry) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to begin commit")
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE grants
		SET spent_epsilon = spent_epsilon + $3,
		    spent_delta   = spent_delta + $4
		WHERE user_name = $1 AND dataset = $2
	`, user, dataset, cost.Epsilon, cost.Delta)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to commit spend")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return pkgerrors.ErrNoAccess
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO query_archive (
			id, request_id, user_name, dataset, library,
			request, response, error, epsilon, delta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, entry.ID, entry.RequestID, entry.User, entry.Dataset, entry.Library,
		[]byte(entry.Request), nullableJSON(entry.Response), entry.Error,
		entry.Epsilon, entry.Delta, entry.CreatedAt,
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to record query")
	}
	return tx.Commit()
}

func (s *Store) AppendArchive(ctx context.Context, entry *domain.QueryArchiveEntry) error {
	query := `
		INSERT INTO query_archive (
			id, request_id, user_name, dataset, library,
			request, response, error, epsilon, delta, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		entry.ID, entry.RequestID, entry.User, entry.Dataset, entry.Library,
		[]byte(entry.Request), nullableJSON(entry.Response), entry.Error,
		entry.Epsilon, entry.Delta, entry.CreatedAt,
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to append archive entry")
	}
	return nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

type archiveRow struct {
	ID        uuid.UUID       `db:"id"`
	RequestID uuid.UUID       `db:"request_id"`
	User      string          `db:"user_name"`
	Dataset   string          `db:"dataset"`
	Library   string          `db:"library"`
	Request   json.RawMessage `db:"request"`
	Response  []byte          `db:"response"`
	Error     sql.NullString  `db:"error"`
	Epsilon   decimal.Decimal `db:"epsilon"`
	Delta     decimal.Decimal `db:"delta"`
	CreatedAt time.Time       `db:"created_at"`
}

func (r *archiveRow) toDomain() *domain.QueryArchiveEntry {
	return &domain.QueryArchiveEntry{
		ID:        r.ID,
		RequestID: r.RequestID,
		User:      r.User,
		Dataset:   r.Dataset,
		Library:   r.Library,
		Request:   r.Request,
		Response:  json.RawMessage(r.Response),
		Error:     r.Error.String,
		Epsilon:   r.Epsilon,
		Delta:     r.Delta,
		CreatedAt: r.CreatedAt,
	}
}

func (s *Store) GetPreviousQueries(ctx context.Context, user, dataset string) ([]domain.QueryArchiveEntry, error) {
	var rows []archiveRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT id, request_id, user_name, dataset, library, request, response, error,
		       epsilon, delta, created_at
		FROM query_archive
		WHERE user_name = $1 AND dataset = $2
		ORDER BY created_at ASC
	`, user, dataset)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch archive")
	}

	entries := make([]domain.QueryArchiveEntry, 0, len(rows))
	for i := range rows {
		entries = append(entries, *rows[i].toDomain())
	}
	return entries, nil
}

func (s *Store) GetArchiveByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.QueryArchiveEntry, error) {
	var row archiveRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, request_id, user_name, dataset, library, request, response, error,
		       epsilon, delta, created_at
		FROM query_archive
		WHERE request_id = $1
	`, requestID)
	if err == sql.ErrNoRows {
		return nil, pkgerrors.ErrJobNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch archive entry")
	}
	return row.toDomain(), nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Close(ctx context.Context) error {
	return s.db.Close()
}
