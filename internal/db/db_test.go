package db

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"entgldb/internal/query"
	"entgldb/internal/store"
)

type User struct {
	ID   string `json:"id" entgldb:"pk,autogen"`
	Name string `json:"name"`
	Age  int    `json:"age"`
}

type Account struct {
	AccountId string `json:"account_id"`
	Owner     string `json:"owner"`
}

func newDB(t *testing.T) *DB {
	t.Helper()
	s, err := store.NewMemStore(t.TempDir(), "node-a", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return New(s)
}

func TestRawCollectionPutGetRoundTrip(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()

	_, err := d.Collection("users").Put(ctx, "u1", map[string]any{"name": "Alice", "age": float64(30)})
	require.NoError(t, err)

	content, ok, err := d.Collection("users").Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", content["name"])
}

func TestTypedCollectionDefaultsToLowercaseTypeName(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()

	users := Collection[User](d)
	require.NoError(t, users.Put(ctx, "u1", User{ID: "u1", Name: "Alice", Age: 30}))

	// the typed view and the raw view over the same default name see the
	// same document
	content, ok, err := d.Collection("user").Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alice", content["name"])
}

func TestTypedCollectionPutGetRoundTrip(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()

	users := Collection[User](d, "users")
	require.NoError(t, users.Put(ctx, "u1", User{ID: "u1", Name: "Alice", Age: 30}))

	got, ok, err := users.Get(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, User{ID: "u1", Name: "Alice", Age: 30}, got)
}

func TestTypedCollectionGetMissingReturnsFalse(t *testing.T) {
	d := newDB(t)
	users := Collection[User](d, "users")

	got, ok, err := users.Get(context.Background(), "nope")
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, User{}, got)
}

func TestPutAutoGeneratesUUIDWhenEmpty(t *testing.T) {
	d := newDB(t)
	users := Collection[User](d, "users")

	u := User{Name: "Bob", Age: 22}
	key, err := users.PutAuto(context.Background(), &u)
	require.NoError(t, err)
	require.NotEmpty(t, key)
	require.Equal(t, key, u.ID)

	got, ok, err := users.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Bob", got.Name)
}

func TestPutAutoUsesConventionalTypeIdField(t *testing.T) {
	d := newDB(t)
	accounts := Collection[Account](d, "accounts")

	a := Account{Owner: "Alice"}
	key, err := accounts.PutAuto(context.Background(), &a)
	require.NoError(t, err)
	require.NotEmpty(t, key)
	require.Equal(t, key, a.AccountId)
}

func TestDeleteHidesDocumentFromGet(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()
	users := Collection[User](d, "users")

	require.NoError(t, users.Put(ctx, "u1", User{ID: "u1", Name: "Alice"}))
	require.NoError(t, users.Delete(ctx, "u1"))

	_, ok, err := users.Get(ctx, "u1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindMatchesPredicate(t *testing.T) {
	d := newDB(t)
	ctx := context.Background()
	users := Collection[User](d, "users")

	require.NoError(t, users.Put(ctx, "u1", User{ID: "u1", Name: "Alice", Age: 30}))
	require.NoError(t, users.Put(ctx, "u2", User{ID: "u2", Name: "Bob", Age: 17}))

	adults, err := users.Find(ctx, query.GeP("age", 18))
	require.NoError(t, err)
	require.Len(t, adults, 1)
	require.Equal(t, "Alice", adults[0].Name)
}
