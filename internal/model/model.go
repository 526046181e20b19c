// Package model binds static schema descriptors to tenant database handles,
// producing model objects that expose the generic CRUD surface the request
// handlers consume.
package model

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/taskhive/tenantdb/pkg/schema"
)

// ErrNotFound is returned when a document with the requested ID does not exist.
var ErrNotFound = errors.New("model: document not found")

// Model is a schema descriptor bound to one tenant's collection. Binding is a
// pure function of (handle, descriptor); instances are cached per connection
// entry and must not be shared across tenants.
type Model struct {
	desc *schema.Descriptor
	coll *mongo.Collection
}

// Bind attaches a descriptor to a tenant database handle.
func Bind(db *mongo.Database, desc *schema.Descriptor) *Model {
	return &Model{
		desc: desc,
		coll: db.Collection(desc.Collection),
	}
}

// Name returns the bound model name.
func (m *Model) Name() string {
	return m.desc.Name
}

// Collection returns the bound collection name.
func (m *Model) Collection() string {
	return m.desc.Collection
}

// Find returns documents matching the filter, with optional sort, skip, and
// limit. A nil filter matches everything.
func (m *Model) Find(ctx context.Context, filter bson.M, sort bson.D, skip, limit int64) ([]bson.M, error) {
	if filter == nil {
		filter = bson.M{}
	}

	opts := options.Find()
	if len(sort) > 0 {
		opts.SetSort(sort)
	}
	if skip > 0 {
		opts.SetSkip(skip)
	}
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := m.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("find %s: %w", m.desc.Collection, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	return decodeCursor(ctx, cursor)
}

// FindByID returns the document with the given ID.
func (m *Model) FindByID(ctx context.Context, id string) (bson.M, error) {
	var doc bson.M
	err := m.coll.FindOne(ctx, idFilter(id)).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("findByID %s: %w", m.desc.Collection, err)
	}
	return doc, nil
}

// Create validates the document against the schema, stamps creation time, and
// inserts it. Returns the new document ID.
func (m *Model) Create(ctx context.Context, doc bson.M) (string, error) {
	if err := m.desc.ValidateDocument(doc); err != nil {
		return "", err
	}

	now := time.Now().UTC()
	if _, ok := m.desc.Field("createdAt"); ok {
		doc["createdAt"] = now
	}
	if _, ok := m.desc.Field("updatedAt"); ok {
		doc["updatedAt"] = now
	}

	result, err := m.coll.InsertOne(ctx, doc)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", m.desc.Collection, err)
	}

	if oid, ok := result.InsertedID.(primitive.ObjectID); ok {
		return oid.Hex(), nil
	}
	return fmt.Sprintf("%v", result.InsertedID), nil
}

// Update applies a validated partial update to one document by ID.
func (m *Model) Update(ctx context.Context, id string, patch bson.M) error {
	if err := m.desc.ValidatePatch(patch); err != nil {
		return err
	}

	result, err := m.coll.UpdateOne(ctx, idFilter(id), bson.M{"$set": m.setDocument(patch)})
	if err != nil {
		return fmt.Errorf("update %s: %w", m.desc.Collection, err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes one document by ID.
func (m *Model) Delete(ctx context.Context, id string) error {
	result, err := m.coll.DeleteOne(ctx, idFilter(id))
	if err != nil {
		return fmt.Errorf("delete %s: %w", m.desc.Collection, err)
	}
	if result.DeletedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// Aggregate runs an aggregation pipeline against the bound collection.
func (m *Model) Aggregate(ctx context.Context, pipeline mongo.Pipeline) ([]bson.M, error) {
	cursor, err := m.coll.Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", m.desc.Collection, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	return decodeCursor(ctx, cursor)
}

// CountDocuments counts documents matching the filter.
func (m *Model) CountDocuments(ctx context.Context, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	count, err := m.coll.CountDocuments(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", m.desc.Collection, err)
	}
	return count, nil
}

// UpdateMany applies a validated partial update to every document matching
// the filter. Returns the number of documents modified.
func (m *Model) UpdateMany(ctx context.Context, filter, patch bson.M) (int64, error) {
	if err := m.desc.ValidatePatch(patch); err != nil {
		return 0, err
	}
	if filter == nil {
		filter = bson.M{}
	}

	result, err := m.coll.UpdateMany(ctx, filter, bson.M{"$set": m.setDocument(patch)})
	if err != nil {
		return 0, fmt.Errorf("updateMany %s: %w", m.desc.Collection, err)
	}
	return result.ModifiedCount, nil
}

// DeleteMany removes every document matching the filter. Returns the number
// of documents removed.
func (m *Model) DeleteMany(ctx context.Context, filter bson.M) (int64, error) {
	if filter == nil {
		filter = bson.M{}
	}
	result, err := m.coll.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("deleteMany %s: %w", m.desc.Collection, err)
	}
	return result.DeletedCount, nil
}

// setDocument builds the $set document from a patch, stamping updatedAt when
// the model declares it. The caller's map is copied, never written to.
func (m *Model) setDocument(patch bson.M) bson.M {
	set := make(bson.M, len(patch)+1)
	for k, v := range patch {
		set[k] = v
	}
	if _, ok := m.desc.Field("updatedAt"); ok {
		set["updatedAt"] = time.Now().UTC()
	}
	return set
}

// idFilter builds an _id filter, accepting both ObjectID hex strings and raw
// string IDs.
func idFilter(id string) bson.M {
	if oid, err := primitive.ObjectIDFromHex(id); err == nil {
		return bson.M{"_id": oid}
	}
	return bson.M{"_id": id}
}

// decodeCursor drains a cursor into a slice of documents.
func decodeCursor(ctx context.Context, cursor *mongo.Cursor) ([]bson.M, error) {
	var results []bson.M
	for cursor.Next(ctx) {
		var doc bson.M
		if err := cursor.Decode(&doc); err != nil {
			return nil, err
		}
		results = append(results, doc)
	}
	if err := cursor.Err(); err != nil {
		return nil, err
	}
	return results, nil
}
