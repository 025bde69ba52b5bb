// Package file implements the ledger store contract on an in-memory ledger
// with optional JSON snapshots. It gives per-process atomicity only: the
// mutex serializes flag flips and spend increments within one process, so
// this backend is restricted to single-process deployments. cmd/worker
// refuses to start against it for that reason.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
)

// Store keeps the whole ledger in memory, mutated in place under a mutex.
type Store struct {
	mu          sync.RWMutex
	users       map[string]*domain.User
	datasets    map[string]*domain.Dataset
	archive     []domain.QueryArchiveEntry
	byRequestID map[uuid.UUID]int
	snapshotDir string
}

// snapshot is the on-disk shape of the whole ledger.
type snapshot struct {
	Users    []*domain.User             `json:"users"`
	Datasets []*domain.Dataset          `json:"datasets"`
	Archive  []domain.QueryArchiveEntry `json:"archive"`
	SavedAt  time.Time                  `json:"saved_at"`
}

// New returns an empty in-memory store. snapshotDir may be empty, in which
// case Snapshot returns ErrSnapshotDisabled.
func New(snapshotDir string) *Store {
	return &Store{
		users:       make(map[string]*domain.User),
		datasets:    make(map[string]*domain.Dataset),
		byRequestID: make(map[uuid.UUID]int),
		snapshotDir: snapshotDir,
	}
}

// Load builds a store from an existing snapshot file.
func Load(path, snapshotDir string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to read snapshot")
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, pkgerrors.Wrap(err, "failed to decode snapshot")
	}

	s := New(snapshotDir)
	for _, u := range snap.Users {
		s.users[u.Name] = u
	}
	for _, d := range snap.Datasets {
		s.datasets[d.Name] = d
	}
	s.archive = snap.Archive
	for i := range s.archive {
		s.byRequestID[s.archive[i].RequestID] = i
	}
	return s, nil
}

// Snapshot writes the current ledger to a timestamped file and returns its
// path.
func (s *Store) Snapshot() (string, error) {
	if s.snapshotDir == "" {
		return "", pkgerrors.ErrSnapshotDisabled
	}

	s.mu.RLock()
	snap := snapshot{SavedAt: time.Now().UTC(), Archive: s.archive}
	for _, u := range s.users {
		snap.Users = append(snap.Users, u)
	}
	for _, d := range s.datasets {
		snap.Datasets = append(snap.Datasets, d)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", pkgerrors.Wrap(err, "failed to encode snapshot")
	}

	if err := os.MkdirAll(s.snapshotDir, 0o755); err != nil {
		return "", pkgerrors.Wrap(err, "failed to create snapshot dir")
	}
	path := filepath.Join(s.snapshotDir, fmt.Sprintf("ledger-%s.json", snap.SavedAt.Format("20060102-150405")))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", pkgerrors.Wrap(err, "failed to write snapshot")
	}
	return path, nil
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.Name]; ok {
		return fmt.Errorf("user %q already exists", user.Name)
	}
	u := *user
	u.MayQuery = true
	s.users[u.Name] = &u
	return nil
}

func (s *Store) CreateDataset(ctx context.Context, dataset *domain.Dataset) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.datasets[dataset.Name]; ok {
		return fmt.Errorf("dataset %q already exists", dataset.Name)
	}
	d := *dataset
	s.datasets[d.Name] = &d
	return nil
}

func (s *Store) GrantAccess(ctx context.Context, user, dataset string, initial domain.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return pkgerrors.ErrUserNotFound
	}
	if _, ok := s.datasets[dataset]; !ok {
		return pkgerrors.ErrDatasetNotFound
	}
	if _, ok := u.Grant(dataset); ok {
		return fmt.Errorf("user %q already granted on dataset %q", user, dataset)
	}
	u.Grants = append(u.Grants, domain.DatasetGrant{
		Dataset:        dataset,
		InitialEpsilon: initial.Epsilon,
		InitialDelta:   initial.Delta,
	})
	return nil
}

func (s *Store) UserExists(ctx context.Context, user string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[user]
	return ok, nil
}

func (s *Store) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.datasets[dataset]
	return ok, nil
}

func (s *Store) HasAccess(ctx context.Context, user, dataset string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[user]
	if !ok {
		return false, pkgerrors.ErrUserNotFound
	}
	_, ok = u.Grant(dataset)
	return ok, nil
}

func (s *Store) GetDataset(ctx context.Context, dataset string) (*domain.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.datasets[dataset]
	if !ok {
		return nil, pkgerrors.ErrDatasetNotFound
	}
	copied := *d
	return &copied, nil
}

func (s *Store) GetGrant(ctx context.Context, user, dataset string) (*domain.DatasetGrant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[user]
	if !ok {
		return nil, pkgerrors.ErrUserNotFound
	}
	g, ok := u.Grant(dataset)
	if !ok {
		return nil, pkgerrors.ErrNoAccess
	}
	copied := *g
	return &copied, nil
}

// GetAndSetMayQuery is atomic under the store mutex: the read of the prior
// value and the write of the new one happen in one critical section.
func (s *Store) GetAndSetMayQuery(ctx context.Context, user string, value bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return false, pkgerrors.ErrUserNotFound
	}
	prev := u.MayQuery
	u.MayQuery = value
	return prev, nil
}

func (s *Store) SetMayQuery(ctx context.Context, user string, value bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return pkgerrors.ErrUserNotFound
	}
	u.MayQuery = value
	return nil
}

// CommitSpend updates both spent fields inside one critical section so a
// reader can never observe epsilon committed without delta.
func (s *Store) CommitSpend(ctx context.Context, user, dataset string, cost domain.Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return pkgerrors.ErrUserNotFound
	}
	g, ok := u.Grant(dataset)
	if !ok {
		return pkgerrors.ErrNoAccess
	}
	g.SpentEpsilon = g.SpentEpsilon.Add(cost.Epsilon)
	g.SpentDelta = g.SpentDelta.Add(cost.Delta)
	return nil
}

// CommitQuery applies the spend and appends the archive entry inside one
// critical section, so a reader can never observe the spend without the
// request id that suppresses re-execution.
func (s *Store) CommitQuery(ctx context.Context, user, dataset string, cost domain.Budget, entry *domain.QueryArchiveEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[user]
	if !ok {
		return pkgerrors.ErrUserNotFound
	}
	g, ok := u.Grant(dataset)
	if !ok {
		return pkgerrors.ErrNoAccess
	}
	g.SpentEpsilon = g.SpentEpsilon.Add(cost.Epsilon)
	g.SpentDelta = g.SpentDelta.Add(cost.Delta)
	s.archive = append(s.archive, *entry)
	s.byRequestID[entry.RequestID] = len(s.archive) - 1
	return nil
}

func (s *Store) AppendArchive(ctx context.Context, entry *domain.QueryArchiveEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.archive = append(s.archive, *entry)
	s.byRequestID[entry.RequestID] = len(s.archive) - 1
	return nil
}

func (s *Store) GetPreviousQueries(ctx context.Context, user, dataset string) ([]domain.QueryArchiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.QueryArchiveEntry
	for _, e := range s.archive {
		if e.User == user && e.Dataset == dataset {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) GetArchiveByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.QueryArchiveEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.byRequestID[requestID]
	if !ok {
		return nil, pkgerrors.ErrJobNotFound
	}
	copied := s.archive[i]
	return &copied, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close(ctx context.Context) error {
	if s.snapshotDir == "" {
		return nil
	}
	_, err := s.Snapshot()
	return err
}
