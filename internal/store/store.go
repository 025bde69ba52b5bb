// Package store defines the budget ledger: a storage contract implemented by
// interchangeable backends, and a guard layer that applies the cross-cutting
// existence and access preconditions identically regardless of backend.
package store

import (
	"context"

	"dpgate/internal/domain"

	"github.com/google/uuid"
)

// Store is the contract every ledger backend implements. Implementations
// must provide read-modify-write atomicity for GetAndSetMayQuery and for
// CommitSpend; everything else needs no consistency stronger than
// read-committed.
//
// Backends return pkg/errors sentinels (ErrUserNotFound, ErrDatasetNotFound,
// ErrJobNotFound) for unknown identifiers; classification into the error
// taxonomy happens in the guard layer.
type Store interface {
	// Admin operations, used by seeding and tests. Not part of the guarded
	// public contract.
	CreateUser(ctx context.Context, user *domain.User) error
	CreateDataset(ctx context.Context, dataset *domain.Dataset) error
	GrantAccess(ctx context.Context, user, dataset string, initial domain.Budget) error

	UserExists(ctx context.Context, user string) (bool, error)
	DatasetExists(ctx context.Context, dataset string) (bool, error)
	HasAccess(ctx context.Context, user, dataset string) (bool, error)

	GetDataset(ctx context.Context, dataset string) (*domain.Dataset, error)
	GetGrant(ctx context.Context, user, dataset string) (*domain.DatasetGrant, error)

	// GetAndSetMayQuery atomically sets the user's MayQuery flag and returns
	// the previous value. This is the mutual-exclusion primitive: it must be
	// a single read-modify-write in the backend.
	GetAndSetMayQuery(ctx context.Context, user string, value bool) (bool, error)
	// SetMayQuery sets the flag without returning the prior value. Used only
	// to release the gate.
	SetMayQuery(ctx context.Context, user string, value bool) error

	// CommitSpend increments both spent fields in one atomic operation;
	// epsilon is never committed without delta.
	CommitSpend(ctx context.Context, user, dataset string, cost domain.Budget) error

	// CommitQuery commits the spend and the archive record of the query in
	// one atomic operation. The archive row doubles as the redelivery
	// marker: a spend must never become visible without the request id
	// that suppresses re-execution.
	CommitQuery(ctx context.Context, user, dataset string, cost domain.Budget, entry *domain.QueryArchiveEntry) error

	AppendArchive(ctx context.Context, entry *domain.QueryArchiveEntry) error
	GetPreviousQueries(ctx context.Context, user, dataset string) ([]domain.QueryArchiveEntry, error)
	// GetArchiveByRequestID fetches the archived outcome of an already
	// processed request id, or ErrJobNotFound if the id is unknown.
	GetArchiveByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.QueryArchiveEntry, error)

	// Ping reports whether the backend is reachable. Used by readiness
	// probes.
	Ping(ctx context.Context) error

	Close(ctx context.Context) error
}
