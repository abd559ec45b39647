// Package db implements the Peer Database API from spec §4.12 (C14): the
// application-facing surface over a store.PeerStore, exposing named
// collections with typed and untyped views, keyless Put with primary-key
// detection, and a predicate-based Find.
//
// Grounded on the teacher's top-level store API
// (_examples/ppriyankuu-godkv/internal/store/store.go), which exposes a
// single flat keyspace directly; generalized here to named collections
// each bound to an application type, sitting on top of internal/store
// rather than reimplementing its durability.
package db

import (
	"context"
	"reflect"
	"strings"

	"entgldb/internal/model"
	"entgldb/internal/query"
	"entgldb/internal/store"
)

// DB is the application-facing handle over one PeerStore.
type DB struct {
	store store.PeerStore
}

// New wraps a PeerStore with the Peer Database API.
func New(peerStore store.PeerStore) *DB {
	return &DB{store: peerStore}
}

// Collection returns the untyped view of a named collection, operating
// directly on map[string]any content.
func (d *DB) Collection(name string) *RawCollection {
	return &RawCollection{store: d.store, name: name}
}

// RawCollection is the untyped per-collection view (spec §4.12).
type RawCollection struct {
	store store.PeerStore
	name  string
}

// Put upserts content at key.
func (c *RawCollection) Put(ctx context.Context, key string, content map[string]any) (model.Document, error) {
	return c.store.SaveDocument(ctx, c.name, key, content)
}

// Get returns the document's content, or ok=false when absent or deleted.
func (c *RawCollection) Get(ctx context.Context, key string) (map[string]any, bool, error) {
	doc, err := c.store.GetDocument(ctx, c.name, key)
	if err == store.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return doc.Content, true, nil
}

// Delete writes a tombstone for key.
func (c *RawCollection) Delete(ctx context.Context, key string) error {
	return c.store.DeleteDocument(ctx, c.name, key)
}

// Find returns every non-deleted document matching pred.
func (c *RawCollection) Find(ctx context.Context, pred query.Predicate) ([]model.Document, error) {
	return c.store.QueryDocuments(ctx, c.name, pred)
}

// Count returns the number of non-deleted documents, optionally filtered.
func (c *RawCollection) Count(ctx context.Context, pred *query.Predicate) (int, error) {
	return c.store.CountDocuments(ctx, c.name, pred)
}

// Collection returns the typed view of a collection for type T. With no
// customName, the collection name defaults to the lowercase type name of
// T, per spec §4.12.
func Collection[T any](d *DB, customName ...string) *TypedCollection[T] {
	name := strings.ToLower(typeName[T]())
	if len(customName) > 0 && customName[0] != "" {
		name = customName[0]
	}
	return &TypedCollection[T]{raw: d.Collection(name), typeName: typeName[T]()}
}

// TypedCollection is the generic per-type view of a collection (spec
// §4.12): `Collection<T>(custom_name?)`.
type TypedCollection[T any] struct {
	raw      *RawCollection
	typeName string
}

// Put upserts doc at key.
func (c *TypedCollection[T]) Put(ctx context.Context, key string, doc T) error {
	content, err := toContent(doc)
	if err != nil {
		return err
	}
	_, err = c.raw.Put(ctx, key, content)
	return err
}

// PutAuto is the keyless Put: it detects doc's primary-key field (an
// `entgldb:"pk"` struct tag, falling back to a field named "Id" or
// "{TypeName}Id" by convention), auto-generates a UUID into it when empty
// and the field is either tagged `entgldb:"pk,autogen"` or found by that
// naming convention, and saves under that key. Returns the resolved key.
func (c *TypedCollection[T]) PutAuto(ctx context.Context, doc *T) (string, error) {
	key, err := resolvePrimaryKey(doc, c.typeName)
	if err != nil {
		return "", err
	}
	content, err := toContent(*doc)
	if err != nil {
		return "", err
	}
	if _, err := c.raw.Put(ctx, key, content); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the decoded document at key, or ok=false when absent.
func (c *TypedCollection[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	content, ok, err := c.raw.Get(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	out, err := fromContent[T](content)
	if err != nil {
		return zero, false, err
	}
	return out, true, nil
}

// Delete writes a tombstone for key.
func (c *TypedCollection[T]) Delete(ctx context.Context, key string) error {
	return c.raw.Delete(ctx, key)
}

// Find returns every non-deleted document matching pred, decoded as T.
func (c *TypedCollection[T]) Find(ctx context.Context, pred query.Predicate) ([]T, error) {
	docs, err := c.raw.Find(ctx, pred)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(docs))
	for _, doc := range docs {
		v, err := fromContent[T](doc.Content)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func typeName[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t == nil {
		return "value"
	}
	return t.Name()
}
