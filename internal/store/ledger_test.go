package store

import (
	"context"
	"testing"

	"dpgate/internal/domain"
	"dpgate/internal/store/file"
	pkgerrors "dpgate/pkg/errors"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededLedger(t *testing.T) *Ledger {
	t.Helper()
	backend := file.New("")
	ctx := context.Background()

	require.NoError(t, backend.CreateUser(ctx, &domain.User{Name: "alice", Contact: "alice@example.org"}))
	require.NoError(t, backend.CreateUser(ctx, &domain.User{Name: "bob", Contact: "bob@example.org"}))
	require.NoError(t, backend.CreateDataset(ctx, &domain.Dataset{
		Name:   "census",
		Access: domain.AccessInfo{Type: "synthetic"},
		Metadata: domain.Metadata{
			Columns:  []domain.Column{{Name: "age", LowerBound: 0, UpperBound: 120}},
			RowCount: 100,
		},
	}))
	require.NoError(t, backend.GrantAccess(ctx, "alice", "census", domain.NewBudget("1.0", "0.001")))
	return NewLedger(backend)
}

func TestUnknownUserIsClassifiedUnauthorized(t *testing.T) {
	l := seededLedger(t)
	ctx := context.Background()

	err := l.CheckAccess(ctx, "mallory", "census")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindUnauthorized, pkgerrors.KindOf(err))

	_, err = l.GetRemainingBudget(ctx, "mallory", "census")
	assert.Equal(t, pkgerrors.KindUnauthorized, pkgerrors.KindOf(err))

	_, err = l.GetAndSetMayQuery(ctx, "mallory", false)
	assert.Equal(t, pkgerrors.KindUnauthorized, pkgerrors.KindOf(err))
}

func TestUnknownDatasetIsClassifiedInvalidQuery(t *testing.T) {
	l := seededLedger(t)
	ctx := context.Background()

	err := l.CheckAccess(ctx, "alice", "no-such-dataset")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindInvalidQuery, pkgerrors.KindOf(err))

	_, err = l.GetDataset(ctx, "no-such-dataset")
	assert.Equal(t, pkgerrors.KindInvalidQuery, pkgerrors.KindOf(err))
}

func TestMissingGrantIsClassifiedUnauthorized(t *testing.T) {
	l := seededLedger(t)

	// bob exists and the dataset exists, but bob holds no grant.
	err := l.CheckAccess(context.Background(), "bob", "census")
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindUnauthorized, pkgerrors.KindOf(err))
}

func TestRemainingBudgetIsDerived(t *testing.T) {
	l := seededLedger(t)
	ctx := context.Background()

	require.NoError(t, l.CommitSpend(ctx, "alice", "census", domain.NewBudget("0.3", "0.0002")))

	initial, err := l.GetInitialBudget(ctx, "alice", "census")
	require.NoError(t, err)
	spent, err := l.GetSpentBudget(ctx, "alice", "census")
	require.NoError(t, err)
	remaining, err := l.GetRemainingBudget(ctx, "alice", "census")
	require.NoError(t, err)

	assert.True(t, initial.Epsilon.Equal(decimal.RequireFromString("1.0")))
	assert.True(t, spent.Epsilon.Equal(decimal.RequireFromString("0.3")))
	assert.True(t, remaining.Epsilon.Equal(initial.Epsilon.Sub(spent.Epsilon)))
	assert.True(t, remaining.Delta.Equal(decimal.RequireFromString("0.0008")))
}

// failingArchive wraps a backend whose archive always errors.
type failingArchive struct {
	Store
}

func (f *failingArchive) AppendArchive(ctx context.Context, entry *domain.QueryArchiveEntry) error {
	return assert.AnError
}

func TestArchiveFailureIsAWarning(t *testing.T) {
	l := NewLedger(&failingArchive{Store: file.New("")})

	err := l.AppendArchive(context.Background(), &domain.QueryArchiveEntry{})
	require.Error(t, err)
	assert.Equal(t, pkgerrors.KindArchiveWarning, pkgerrors.KindOf(err))
}

func TestMetadataFetch(t *testing.T) {
	l := seededLedger(t)

	meta, err := l.GetMetadata(context.Background(), "census")
	require.NoError(t, err)
	col, ok := meta.Column("age")
	require.True(t, ok)
	assert.Equal(t, 120.0, col.UpperBound)
}
