// Package mongo implements the ledger store contract on MongoDB. The gate
// flip rides on findAndModify and the spend commit on a single $inc update
// touching both fields, which is what makes this backend safe for
// multi-process worker deployments.
package mongo

import (
	"context"
	"time"

	"dpgate/internal/domain"
	pkgerrors "dpgate/pkg/errors"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type Store struct {
	client   *mongo.Client
	users    *mongo.Collection
	datasets *mongo.Collection
	archive  *mongo.Collection
}

// New connects to MongoDB and prepares the three ledger collections.
func New(ctx context.Context, uri, database string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to connect to mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, pkgerrors.Wrap(err, "mongo ping failed")
	}

	db := client.Database(database)
	s := &Store{
		client:   client,
		users:    db.Collection("users"),
		datasets: db.Collection("datasets"),
		archive:  db.Collection("query_archive"),
	}

	_, err = s.archive.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "request_id", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "user", Value: 1}, {Key: "dataset", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create archive indexes")
	}
	return s, nil
}

// Budget fields are stored as Decimal128 so $inc stays exact; floats would
// drift away from the spent == sum-of-costs invariant.
func toDec128(d decimal.Decimal) primitive.Decimal128 {
	v, err := primitive.ParseDecimal128(d.String())
	if err != nil {
		// Decimal.String() is always a valid decimal literal.
		panic(err)
	}
	return v
}

func fromDec128(v primitive.Decimal128) decimal.Decimal {
	d, err := decimal.NewFromString(v.String())
	if err != nil {
		return decimal.Zero
	}
	return d
}

type grantDoc struct {
	Dataset        string               `bson:"dataset"`
	InitialEpsilon primitive.Decimal128 `bson:"initial_epsilon"`
	InitialDelta   primitive.Decimal128 `bson:"initial_delta"`
	SpentEpsilon   primitive.Decimal128 `bson:"spent_epsilon"`
	SpentDelta     primitive.Decimal128 `bson:"spent_delta"`
}

type userDoc struct {
	Name     string     `bson:"_id"`
	Contact  string     `bson:"contact"`
	MayQuery bool       `bson:"may_query"`
	Grants   []grantDoc `bson:"grants"`
}

type archiveDoc struct {
	ID        string               `bson:"_id"`
	RequestID string               `bson:"request_id"`
	User      string               `bson:"user"`
	Dataset   string               `bson:"dataset"`
	Library   string               `bson:"library"`
	Request   string               `bson:"request"`
	Response  string               `bson:"response,omitempty"`
	Error     string               `bson:"error,omitempty"`
	Epsilon   primitive.Decimal128 `bson:"epsilon"`
	Delta     primitive.Decimal128 `bson:"delta"`
	CreatedAt time.Time            `bson:"created_at"`
}

func (d *archiveDoc) toDomain() (*domain.QueryArchiveEntry, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "bad archive id")
	}
	reqID, err := uuid.Parse(d.RequestID)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "bad request id")
	}
	entry := &domain.QueryArchiveEntry{
		ID:        id,
		RequestID: reqID,
		User:      d.User,
		Dataset:   d.Dataset,
		Library:   d.Library,
		Request:   []byte(d.Request),
		Error:     d.Error,
		Epsilon:   fromDec128(d.Epsilon),
		Delta:     fromDec128(d.Delta),
		CreatedAt: d.CreatedAt,
	}
	if d.Response != "" {
		entry.Response = []byte(d.Response)
	}
	return entry, nil
}

func (s *Store) CreateUser(ctx context.Context, user *domain.User) error {
	doc := userDoc{
		Name:     user.Name,
		Contact:  user.Contact,
		MayQuery: true,
		Grants:   make([]grantDoc, 0, len(user.Grants)),
	}
	for _, g := range user.Grants {
		doc.Grants = append(doc.Grants, grantDoc{
			Dataset:        g.Dataset,
			InitialEpsilon: toDec128(g.InitialEpsilon),
			InitialDelta:   toDec128(g.InitialDelta),
			SpentEpsilon:   toDec128(g.SpentEpsilon),
			SpentDelta:     toDec128(g.SpentDelta),
		})
	}
	_, err := s.users.InsertOne(ctx, doc)
	return pkgerrors.Wrap(err, "failed to create user")
}

func (s *Store) CreateDataset(ctx context.Context, dataset *domain.Dataset) error {
	doc := bson.M{
		"_id":      dataset.Name,
		"access":   dataset.Access,
		"metadata": dataset.Metadata,
	}
	_, err := s.datasets.InsertOne(ctx, doc)
	return pkgerrors.Wrap(err, "failed to create dataset")
}

func (s *Store) GrantAccess(ctx context.Context, user, dataset string, initial domain.Budget) error {
	zero := toDec128(decimal.Zero)
	update := bson.M{"$push": bson.M{"grants": grantDoc{
		Dataset:        dataset,
		InitialEpsilon: toDec128(initial.Epsilon),
		InitialDelta:   toDec128(initial.Delta),
		SpentEpsilon:   zero,
		SpentDelta:     zero,
	}}}
	result, err := s.users.UpdateOne(ctx, bson.M{"_id": user}, update)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to grant access")
	}
	if result.MatchedCount == 0 {
		return pkgerrors.ErrUserNotFound
	}
	return nil
}

func (s *Store) UserExists(ctx context.Context, user string) (bool, error) {
	count, err := s.users.CountDocuments(ctx, bson.M{"_id": user})
	return count > 0, err
}

func (s *Store) DatasetExists(ctx context.Context, dataset string) (bool, error) {
	count, err := s.datasets.CountDocuments(ctx, bson.M{"_id": dataset})
	return count > 0, err
}

func (s *Store) HasAccess(ctx context.Context, user, dataset string) (bool, error) {
	count, err := s.users.CountDocuments(ctx, bson.M{"_id": user, "grants.dataset": dataset})
	return count > 0, err
}

func (s *Store) GetDataset(ctx context.Context, dataset string) (*domain.Dataset, error) {
	var doc struct {
		Name     string            `bson:"_id"`
		Access   domain.AccessInfo `bson:"access"`
		Metadata domain.Metadata   `bson:"metadata"`
	}
	err := s.datasets.FindOne(ctx, bson.M{"_id": dataset}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, pkgerrors.ErrDatasetNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch dataset")
	}
	return &domain.Dataset{Name: doc.Name, Access: doc.Access, Metadata: doc.Metadata}, nil
}

func (s *Store) GetGrant(ctx context.Context, user, dataset string) (*domain.DatasetGrant, error) {
	var doc userDoc
	opts := options.FindOne().SetProjection(bson.M{"grants": bson.M{"$elemMatch": bson.M{"dataset": dataset}}})
	err := s.users.FindOne(ctx, bson.M{"_id": user}, opts).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, pkgerrors.ErrUserNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch grant")
	}
	if len(doc.Grants) == 0 {
		return nil, pkgerrors.ErrNoAccess
	}
	g := doc.Grants[0]
	return &domain.DatasetGrant{
		Dataset:        g.Dataset,
		InitialEpsilon: fromDec128(g.InitialEpsilon),
		InitialDelta:   fromDec128(g.InitialDelta),
		SpentEpsilon:   fromDec128(g.SpentEpsilon),
		SpentDelta:     fromDec128(g.SpentDelta),
	}, nil
}

// GetAndSetMayQuery is a single findAndModify returning the pre-image, so
// the read of the prior flag and the write of the new one are one atomic
// server-side operation.
func (s *Store) GetAndSetMayQuery(ctx context.Context, user string, value bool) (bool, error) {
	opts := options.FindOneAndUpdate().
		SetReturnDocument(options.Before).
		SetProjection(bson.M{"may_query": 1})

	var doc struct {
		MayQuery bool `bson:"may_query"`
	}
	err := s.users.FindOneAndUpdate(ctx,
		bson.M{"_id": user},
		bson.M{"$set": bson.M{"may_query": value}},
		opts,
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return false, pkgerrors.ErrUserNotFound
	}
	if err != nil {
		return false, pkgerrors.Wrap(err, "failed to flip gate")
	}
	return doc.MayQuery, nil
}

func (s *Store) SetMayQuery(ctx context.Context, user string, value bool) error {
	result, err := s.users.UpdateOne(ctx,
		bson.M{"_id": user},
		bson.M{"$set": bson.M{"may_query": value}},
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to set gate")
	}
	if result.MatchedCount == 0 {
		return pkgerrors.ErrUserNotFound
	}
	return nil
}

// CommitSpend increments both spent fields of the matching grant with one
// $inc, keyed by (user, dataset) through the positional operator.
func (s *Store) CommitSpend(ctx context.Context, user, dataset string, cost domain.Budget) error {
	result, err := s.users.UpdateOne(ctx,
		bson.M{"_id": user, "grants.dataset": dataset},
		bson.M{"$inc": bson.M{
			"grants.$.spent_epsilon": toDec128(cost.Epsilon),
			"grants.$.spent_delta":   toDec128(cost.Delta),
		}},
	)
	if err != nil {
		return pkgerrors.Wrap(err, "failed to commit spend")
	}
	if result.MatchedCount == 0 {
		return pkgerrors.ErrNoAccess
	}
	return nil
}

// CommitQuery runs the spend $inc and the archive insert inside one
// session transaction, so neither lands without the other. Requires a
// replica-set deployment, as multi-document transactions always do.
func (s *Store) CommitQuery(ctx context.Context, user, dataset string, cost domain.Budget, entry *domain.QueryArchiveEntry) error {
	session, err := s.client.StartSession()
	if err != nil {
		return pkgerrors.Wrap(err, "failed to start session")
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		result, err := s.users.UpdateOne(sc,
			bson.M{"_id": user, "grants.dataset": dataset},
			bson.M{"$inc": bson.M{
				"grants.$.spent_epsilon": toDec128(cost.Epsilon),
				"grants.$.spent_delta":   toDec128(cost.Delta),
			}},
		)
		if err != nil {
			return nil, pkgerrors.Wrap(err, "failed to commit spend")
		}
		if result.MatchedCount == 0 {
			return nil, pkgerrors.ErrNoAccess
		}
		if _, err := s.archive.InsertOne(sc, toArchiveDoc(entry)); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to record query")
		}
		return nil, nil
	})
	return err
}

func toArchiveDoc(entry *domain.QueryArchiveEntry) archiveDoc {
	return archiveDoc{
		ID:        entry.ID.String(),
		RequestID: entry.RequestID.String(),
		User:      entry.User,
		Dataset:   entry.Dataset,
		Library:   entry.Library,
		Request:   string(entry.Request),
		Response:  string(entry.Response),
		Error:     entry.Error,
		Epsilon:   toDec128(entry.Epsilon),
		Delta:     toDec128(entry.Delta),
		CreatedAt: entry.CreatedAt,
	}
}

func (s *Store) AppendArchive(ctx context.Context, entry *domain.QueryArchiveEntry) error {
	_, err := s.archive.InsertOne(ctx, toArchiveDoc(entry))
	return pkgerrors.Wrap(err, "failed to append archive entry")
}

func (s *Store) GetPreviousQueries(ctx context.Context, user, dataset string) ([]domain.QueryArchiveEntry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	cursor, err := s.archive.Find(ctx, bson.M{"user": user, "dataset": dataset}, opts)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch archive")
	}
	defer cursor.Close(ctx)

	var entries []domain.QueryArchiveEntry
	for cursor.Next(ctx) {
		var doc archiveDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, pkgerrors.Wrap(err, "failed to decode archive entry")
		}
		entry, err := doc.toDomain()
		if err != nil {
			return nil, err
		}
		entries = append(entries, *entry)
	}
	return entries, cursor.Err()
}

func (s *Store) GetArchiveByRequestID(ctx context.Context, requestID uuid.UUID) (*domain.QueryArchiveEntry, error) {
	var doc archiveDoc
	err := s.archive.FindOne(ctx, bson.M{"request_id": requestID.String()}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, pkgerrors.ErrJobNotFound
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to fetch archive entry")
	}
	return doc.toDomain()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, nil)
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}
