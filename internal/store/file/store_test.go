package file

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seededStore(t *testing.T) *Store {
	t.Helper()
	s := New("")
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, &domain.User{Name: "alice", Contact: "alice@example.org"}))
	require.NoError(t, s.CreateDataset(ctx, &domain.Dataset{
		Name:   "census",
		Access: domain.AccessInfo{Type: "synthetic"},
		Metadata: domain.Metadata{
			Columns:          []domain.Column{{Name: "age", LowerBound: 0, UpperBound: 120}},
			RowCount:         100,
			MaxContributions: 1,
		},
	}))
	require.NoError(t, s.GrantAccess(ctx, "alice", "census", domain.NewBudget("1.0", "0.001")))
	return s
}

func TestCreateUserStartsWithOpenGate(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	prev, err := s.GetAndSetMayQuery(ctx, "alice", false)
	require.NoError(t, err)
	assert.True(t, prev)

	prev, err = s.GetAndSetMayQuery(ctx, "alice", false)
	require.NoError(t, err)
	assert.False(t, prev)
}

func TestGetAndSetMayQueryAdmitsExactlyOneWinner(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	const contenders = 32
	var wg sync.WaitGroup
	winners := make(chan bool, contenders)

	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			prev, err := s.GetAndSetMayQuery(ctx, "alice", false)
			assert.NoError(t, err)
			if prev {
				winners <- true
			}
		}()
	}
	wg.Wait()
	close(winners)

	assert.Len(t, winners, 1)
}

func TestCommitSpendAccumulatesExactly(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()
	cost := domain.NewBudget("0.1", "0.0001")

	for i := 0; i < 10; i++ {
		require.NoError(t, s.CommitSpend(ctx, "alice", "census", cost))
	}

	grant, err := s.GetGrant(ctx, "alice", "census")
	require.NoError(t, err)
	// Ten additions of 0.1 equal exactly 1.0; this is why the ledger is
	// decimal and not float64.
	assert.True(t, grant.Spent().Epsilon.Equal(decimal.RequireFromString("1.0")))
	assert.True(t, grant.Spent().Delta.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, grant.Remaining().IsZero())
}

func TestCommitQueryWritesSpendAndMarkerTogether(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	entry := &domain.QueryArchiveEntry{
		ID:        uuid.New(),
		RequestID: uuid.New(),
		User:      "alice",
		Dataset:   "census",
		Library:   "aggregate",
		Response:  json.RawMessage(`{"value":3}`),
		Epsilon:   decimal.RequireFromString("0.5"),
		Delta:     decimal.Zero,
	}
	require.NoError(t, s.CommitQuery(ctx, "alice", "census", domain.NewBudget("0.5", "0"), entry))

	grant, err := s.GetGrant(ctx, "alice", "census")
	require.NoError(t, err)
	assert.True(t, grant.Spent().Epsilon.Equal(decimal.RequireFromString("0.5")))

	got, err := s.GetArchiveByRequestID(ctx, entry.RequestID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)

	// Without a grant, neither the spend nor the marker lands.
	other := &domain.QueryArchiveEntry{ID: uuid.New(), RequestID: uuid.New(), User: "alice", Dataset: "no-such-dataset"}
	err = s.CommitQuery(ctx, "alice", "no-such-dataset", domain.NewBudget("0.5", "0"), other)
	assert.ErrorIs(t, err, pkgerrors.ErrNoAccess)
	_, err = s.GetArchiveByRequestID(ctx, other.RequestID)
	assert.ErrorIs(t, err, pkgerrors.ErrJobNotFound)
}

func TestGrantLookupErrors(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	_, err := s.GetGrant(ctx, "nobody", "census")
	assert.ErrorIs(t, err, pkgerrors.ErrUserNotFound)

	_, err = s.GetGrant(ctx, "alice", "no-such-dataset")
	assert.ErrorIs(t, err, pkgerrors.ErrNoAccess)
}

func TestArchiveLookupByRequestID(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	reqID := uuid.New()
	entry := &domain.QueryArchiveEntry{
		ID:        uuid.New(),
		RequestID: reqID,
		User:      "alice",
		Dataset:   "census",
		Library:   "aggregate",
		Response:  json.RawMessage(`{"value":12}`),
		Epsilon:   decimal.RequireFromString("0.5"),
		Delta:     decimal.Zero,
	}
	require.NoError(t, s.AppendArchive(ctx, entry))

	got, err := s.GetArchiveByRequestID(ctx, reqID)
	require.NoError(t, err)
	assert.Equal(t, entry.ID, got.ID)
	assert.JSONEq(t, `{"value":12}`, string(got.Response))

	_, err = s.GetArchiveByRequestID(ctx, uuid.New())
	assert.ErrorIs(t, err, pkgerrors.ErrJobNotFound)

	entries, err := s.GetPreviousQueries(ctx, "alice", "census")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestSnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := seededStore(t)
	s.snapshotDir = dir
	ctx := context.Background()

	require.NoError(t, s.CommitSpend(ctx, "alice", "census", domain.NewBudget("0.25", "0")))
	require.NoError(t, s.AppendArchive(ctx, &domain.QueryArchiveEntry{
		ID:        uuid.New(),
		RequestID: uuid.New(),
		User:      "alice",
		Dataset:   "census",
	}))

	path, err := s.Snapshot()
	require.NoError(t, err)

	loaded, err := Load(path, dir)
	require.NoError(t, err)

	grant, err := loaded.GetGrant(ctx, "alice", "census")
	require.NoError(t, err)
	assert.True(t, grant.Spent().Epsilon.Equal(decimal.RequireFromString("0.25")))

	entries, err := loaded.GetPreviousQueries(ctx, "alice", "census")
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	ok, err := loaded.UserExists(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSnapshotDisabledWithoutDir(t *testing.T) {
	s := New("")
	_, err := s.Snapshot()
	assert.ErrorIs(t, err, pkgerrors.ErrSnapshotDisabled)
}

func TestDuplicateCreateFails(t *testing.T) {
	s := seededStore(t)
	ctx := context.Background()

	assert.Error(t, s.CreateUser(ctx, &domain.User{Name: "alice"}))
	assert.Error(t, s.CreateDataset(ctx, &domain.Dataset{Name: "census"}))
	assert.Error(t, s.GrantAccess(ctx, "alice", "census", domain.NewBudget("1.0", "0")))
}
