// Package dispatch implements the query dispatch gate: the strictly
// sequential per-request state machine that serializes budget mutation per
// user through the ledger's atomic MayQuery flag.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"dpgate/internal/domain"
	"dpgate/internal/querier"
	"dpgate/internal/store"
	pkgerrors "dpgate/pkg/errors"
	"dpgate/pkg/logger"

	"github.com/google/uuid"
)

type Gate struct {
	ledger   *store.Ledger
	registry *querier.Registry
	logger   logger.Logger
}

func NewGate(ledger *store.Ledger, registry *querier.Registry, log logger.Logger) *Gate {
	return &Gate{ledger: ledger, registry: registry, logger: log}
}

// Run executes a full query: acquire the per-user gate, cost, admission
// check, execute, commit spend plus archive, release. The release runs on
// every exit path after a successful acquire, and only then: a request
// rejected because the gate was already held never acquired it, so it must
// not release it either.
func (g *Gate) Run(ctx context.Context, req *domain.QueryRequest) (json.RawMessage, error) {
	// Redelivered request: answer from the archive instead of re-executing,
	// so at-least-once queue delivery cannot double-spend.
	if entry, err := g.ledger.GetArchiveByRequestID(ctx, req.ID); err == nil {
		g.logger.Info("request already processed, returning archived result", map[string]interface{}{
			"request_id": req.ID.String(),
			"user":       req.User,
		})
		return entry.Response, nil
	}

	prev, err := g.ledger.GetAndSetMayQuery(ctx, req.User, false)
	if err != nil {
		return nil, err
	}
	if !prev {
		return nil, &pkgerrors.Error{
			Kind:    pkgerrors.KindUnauthorized,
			Message: fmt.Sprintf("query already in progress for user %q", req.User),
			Err:     pkgerrors.ErrQueryInProgress,
		}
	}
	// The flag was true and is now false: this request holds the gate.
	defer g.release(ctx, req.User)

	result, err := g.execute(ctx, req)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// release reopens the user's gate. It must succeed even when the request's
// context is already cancelled, otherwise the user would be locked out
// forever by a timeout.
func (g *Gate) release(ctx context.Context, user string) {
	if err := g.ledger.SetMayQuery(context.WithoutCancel(ctx), user, true); err != nil {
		g.logger.Error("failed to release query gate", map[string]interface{}{
			"user":  user,
			"error": err.Error(),
		})
	}
}

// execute runs steps 2-5 while the gate is held.
func (g *Gate) execute(ctx context.Context, req *domain.QueryRequest) (json.RawMessage, error) {
	q, err := g.resolve(ctx, req, false)
	if err != nil {
		return nil, err
	}

	cost, err := q.Cost(ctx, req)
	if err != nil {
		return nil, pkgerrors.ExternalLibrary(req.Library, err)
	}

	remaining, err := g.ledger.GetRemainingBudget(ctx, req.User, req.Dataset)
	if err != nil {
		return nil, err
	}
	if !remaining.Covers(cost) {
		return nil, pkgerrors.InvalidQuery(
			"not enough budget for this query, epsilon remaining %s, delta remaining %s",
			remaining.Epsilon.String(), remaining.Delta.String(),
		)
	}

	result, err := q.Execute(ctx, req)
	if err != nil {
		return nil, pkgerrors.ExternalLibrary(req.Library, err)
	}

	rawReq, err := json.Marshal(req)
	if err != nil {
		return nil, pkgerrors.Internal("failed to serialize request", err)
	}
	entry := &domain.QueryArchiveEntry{
		ID:        uuid.New(),
		RequestID: req.ID,
		User:      req.User,
		Dataset:   req.Dataset,
		Library:   req.Library,
		Request:   rawReq,
		Response:  result,
		Epsilon:   cost.Epsilon,
		Delta:     cost.Delta,
		CreatedAt: time.Now().UTC(),
	}
	// The spend is the cost decided before execution, never re-derived. It
	// lands in the same atomic store operation as the archive row, so a
	// redelivered task can never find the spend without its marker. If the
	// commit fails, nothing was spent and the request fails cleanly.
	if err := g.ledger.CommitQuery(ctx, req.User, req.Dataset, cost, entry); err != nil {
		return nil, err
	}
	return result, nil
}

// Estimate answers "how much would this cost" with no gate acquisition and
// no side effects.
func (g *Gate) Estimate(ctx context.Context, req *domain.QueryRequest) (domain.Budget, error) {
	q, err := g.resolve(ctx, req, false)
	if err != nil {
		return domain.Budget{}, err
	}
	cost, err := q.Cost(ctx, req)
	if err != nil {
		return domain.Budget{}, pkgerrors.ExternalLibrary(req.Library, err)
	}
	return cost, nil
}

// RunDummy costs and executes the request against synthetic data generated
// from the dataset's metadata: no budget interaction, no real rows.
func (g *Gate) RunDummy(ctx context.Context, req *domain.QueryRequest) (json.RawMessage, error) {
	q, err := g.resolve(ctx, req, true)
	if err != nil {
		return nil, err
	}
	if _, err := q.Cost(ctx, req); err != nil {
		return nil, pkgerrors.ExternalLibrary(req.Library, err)
	}
	result, err := q.Execute(ctx, req)
	if err != nil {
		return nil, pkgerrors.ExternalLibrary(req.Library, err)
	}
	return result, nil
}

// resolve checks access and binds the request's DP library to the dataset.
func (g *Gate) resolve(ctx context.Context, req *domain.QueryRequest, synthetic bool) (querier.Querier, error) {
	if err := g.ledger.CheckAccess(ctx, req.User, req.Dataset); err != nil {
		return nil, err
	}
	ds, err := g.ledger.GetDataset(ctx, req.Dataset)
	if err != nil {
		return nil, err
	}

	var accessor querier.Accessor
	if synthetic {
		accessor = querier.NewSynthetic(&ds.Metadata)
	} else {
		accessor, err = querier.Open(ds.Access, &ds.Metadata)
		if err != nil {
			return nil, pkgerrors.Internal("failed to open dataset accessor", err)
		}
	}

	q, err := g.registry.New(req.Library, accessor, &ds.Metadata)
	if err != nil {
		return nil, pkgerrors.Internal("failed to construct querier", err)
	}
	return q, nil
}
