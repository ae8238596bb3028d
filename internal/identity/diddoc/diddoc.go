// Package diddoc publishes DID documents recording an identity's
// signing and exchange keys, grounded on the teacher's
// internal/repository/user package: a thin mongo-driver collection
// wrapper with the same FindOne/InsertOne shape, repurposed from
// looking up a chat user by name to looking up a DID document by its
// URL.
package diddoc

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// Document is the subset of a DID document this engine needs: the
// signing key backing SignedPacket/Announce verification, and the
// X25519 key backing Keyload wrapping.
type Document struct {
	DID       string `bson:"did"`
	PublicKey []byte `bson:"public_key"`
	X25519Pub []byte `bson:"x25519_pub"`
}

// Store is a mongo-backed DID document registry.
type Store struct {
	collection *mongo.Collection
}

// NewStore wraps db's "did_documents" collection.
func NewStore(db *mongo.Database) *Store {
	return &Store{collection: db.Collection("did_documents")}
}

// Publish upserts doc, so an identity can be republished after rotating
// its keys.
func (s *Store) Publish(ctx context.Context, doc Document) error {
	filter := bson.M{"did": doc.DID}
	update := bson.M{"$set": doc}
	opts := options.Update().SetUpsert(true)
	if _, err := s.collection.UpdateOne(ctx, filter, update, opts); err != nil {
		return fmt.Errorf("diddoc: publish %s: %w", doc.DID, err)
	}
	return nil
}
