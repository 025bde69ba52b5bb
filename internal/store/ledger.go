package store

import (
	"context"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
)

// Ledger is the public budget ledger contract. It wraps a Store with the
// existence and access preconditions from the design: every operation that
// references a user or dataset fails with the right taxonomy error before
// the underlying operation runs. The checks are cross-cutting, not business
// logic, so they live here and nowhere else.
type Ledger struct {
	store Store
}

// NewLedger wraps a backend with the precondition guard.
func NewLedger(s Store) *Ledger {
	return &Ledger{store: s}
}

// Store exposes the underlying backend for admin operations (seeding).
func (l *Ledger) Store() Store { return l.store }

func (l *Ledger) checkUser(ctx context.Context, user string) error {
	ok, err := l.store.UserExists(ctx, user)
	if err != nil {
		return pkgerrors.Internal("user lookup failed", err)
	}
	if !ok {
		return pkgerrors.Unauthorized("unknown user %q", user)
	}
	return nil
}

func (l *Ledger) checkDataset(ctx context.Context, dataset string) error {
	ok, err := l.store.DatasetExists(ctx, dataset)
	if err != nil {
		return pkgerrors.Internal("dataset lookup failed", err)
	}
	if !ok {
		return pkgerrors.InvalidQuery("unknown dataset %q", dataset)
	}
	return nil
}

func (l *Ledger) checkAccess(ctx context.Context, user, dataset string) error {
	if err := l.checkUser(ctx, user); err != nil {
		return err
	}
	if err := l.checkDataset(ctx, dataset); err != nil {
		return err
	}
	ok, err := l.store.HasAccess(ctx, user, dataset)
	if err != nil {
		return pkgerrors.Internal("access lookup failed", err)
	}
	if !ok {
		return pkgerrors.Unauthorized("user %q has no access to dataset %q", user, dataset)
	}
	return nil
}

// CheckAccess runs the full precondition chain: user known, dataset known,
// grant present. Returns the taxonomy error of the first failing check.
func (l *Ledger) CheckAccess(ctx context.Context, user, dataset string) error {
	return l.checkAccess(ctx, user, dataset)
}

// UserExists reports whether the user is known.
func (l *Ledger) UserExists(ctx context.Context, user string) (bool, error) {
	return l.store.UserExists(ctx, user)
}

// DatasetExists reports whether the dataset is known.
func (l *Ledger) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	return l.store.DatasetExists(ctx, dataset)
}

// HasAccess reports whether the user holds a grant on the dataset.
func (l *Ledger) HasAccess(ctx context.Context, user, dataset string) (bool, error) {
	if err := l.checkUser(ctx, user); err != nil {
		return false, err
	}
	if err := l.checkDataset(ctx, dataset); err != nil {
		return false, err
	}
	return l.store.HasAccess(ctx, user, dataset)
}

// GetDataset returns the dataset with its access descriptor and metadata.
func (l *Ledger) GetDataset(ctx context.Context, dataset string) (*domain.Dataset, error) {
	if err := l.checkDataset(ctx, dataset); err != nil {
		return nil, err
	}
	ds, err := l.store.GetDataset(ctx, dataset)
	if err != nil {
		return nil, pkgerrors.Internal("dataset fetch failed", err)
	}
	return ds, nil
}

// GetMetadata returns the dataset's metadata descriptor.
func (l *Ledger) GetMetadata(ctx context.Context, dataset string) (*domain.Metadata, error) {
	ds, err := l.GetDataset(ctx, dataset)
	if err != nil {
		return nil, err
	}
	return &ds.Metadata, nil
}

// GetAndSetMayQuery atomically flips the user's gate flag and returns the
// previous value so the caller can detect an already-running query.
func (l *Ledger) GetAndSetMayQuery(ctx context.Context, user string, value bool) (bool, error) {
	if err := l.checkUser(ctx, user); err != nil {
		return false, err
	}
	prev, err := l.store.GetAndSetMayQuery(ctx, user, value)
	if err != nil {
		return false, pkgerrors.Internal("gate flip failed", err)
	}
	return prev, nil
}

// SetMayQuery releases (or force-sets) the user's gate flag.
func (l *Ledger) SetMayQuery(ctx context.Context, user string, value bool) error {
	if err := l.checkUser(ctx, user); err != nil {
		return err
	}
	if err := l.store.SetMayQuery(ctx, user, value); err != nil {
		return pkgerrors.Internal("gate release failed", err)
	}
	return nil
}

// GetInitialBudget returns the budget allocated to the user on the dataset.
func (l *Ledger) GetInitialBudget(ctx context.Context, user, dataset string) (domain.Budget, error) {
	grant, err := l.grant(ctx, user, dataset)
	if err != nil {
		return domain.Budget{}, err
	}
	return grant.Initial(), nil
}

// GetSpentBudget returns the cumulative spend of the user on the dataset.
func (l *Ledger) GetSpentBudget(ctx context.Context, user, dataset string) (domain.Budget, error) {
	grant, err := l.grant(ctx, user, dataset)
	if err != nil {
		return domain.Budget{}, err
	}
	return grant.Spent(), nil
}

// GetRemainingBudget returns initial - spent. It is always derived.
func (l *Ledger) GetRemainingBudget(ctx context.Context, user, dataset string) (domain.Budget, error) {
	grant, err := l.grant(ctx, user, dataset)
	if err != nil {
		return domain.Budget{}, err
	}
	return grant.Remaining(), nil
}

func (l *Ledger) grant(ctx context.Context, user, dataset string) (*domain.DatasetGrant, error) {
	if err := l.checkAccess(ctx, user, dataset); err != nil {
		return nil, err
	}
	grant, err := l.store.GetGrant(ctx, user, dataset)
	if err != nil {
		return nil, pkgerrors.Internal("grant fetch failed", err)
	}
	return grant, nil
}

// CommitSpend increments both spent fields atomically.
func (l *Ledger) CommitSpend(ctx context.Context, user, dataset string, cost domain.Budget) error {
	if err := l.checkAccess(ctx, user, dataset); err != nil {
		return err
	}
	if err := l.store.CommitSpend(ctx, user, dataset, cost); err != nil {
		return pkgerrors.Internal("spend commit failed", err)
	}
	return nil
}

// CommitQuery atomically commits a spend together with the archive record
// carrying its request id. Because the two land in one store operation, a
// redelivered request can never observe the spend without the marker that
// suppresses re-execution.
func (l *Ledger) CommitQuery(ctx context.Context, user, dataset string, cost domain.Budget, entry *domain.QueryArchiveEntry) error {
	if err := l.checkAccess(ctx, user, dataset); err != nil {
		return err
	}
	if err := l.store.CommitQuery(ctx, user, dataset, cost, entry); err != nil {
		return pkgerrors.Internal("query commit failed", err)
	}
	return nil
}

// AppendArchive records a terminated query. A failure here is returned as an
// archive warning: the caller must not treat the query (or its committed
// spend) as failed because of it.
func (l *Ledger) AppendArchive(ctx context.Context, entry *domain.QueryArchiveEntry) error {
	if err := l.store.AppendArchive(ctx, entry); err != nil {
		return pkgerrors.ArchiveWarning(err)
	}
	return nil
}

// GetPreviousQueries returns the user's archived queries on the dataset.
func (l *Ledger) GetPreviousQueries(ctx context.Context, user, dataset string) ([]domain.QueryArchiveEntry, error) {
	if err := l.checkAccess(ctx, user, dataset); err != nil {
		return nil, err
	}
	entries, err := l.store.GetPreviousQueries(ctx, user, dataset)
	if err != nil {
		return nil, pkgerrors.Internal("archive fetch failed", err)
	}
	return entries, nil
}

// GetArchiveByRequestID returns the archived outcome of a request id, or
// ErrJobNotFound when the id has not been processed.
func (l *Ledger) GetArchiveByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.QueryArchiveEntry, error) {
	return l.store.GetArchiveByRequestID(ctx, requestID)
}
