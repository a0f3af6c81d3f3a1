package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gpufleet/gpufleet/pkg/models"
)

func TestUserStore_EmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")

	store, err := NewUserStore(path)
	require.NoError(t, err)
	assert.Empty(t, store.List())
}

func TestUserStore_UpsertGetDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewUserStore(path)
	require.NoError(t, err)

	user := &models.User{
		Email:          "alice@example.com",
		PasswordHash:   "$2a$10$abcdef",
		ProviderAPIKey: "vast-key-1",
		Settings:       map[string]any{"preferred_region": "Quebec"},
	}
	require.NoError(t, store.Upsert(user))

	got, err := store.Get("alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "$2a$10$abcdef", got.PasswordHash)
	assert.Equal(t, "vast-key-1", got.ProviderAPIKey)
	assert.Equal(t, "Quebec", got.Settings["preferred_region"])

	require.NoError(t, store.Delete("alice@example.com"))
	_, err = store.Get("alice@example.com")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.Delete("alice@example.com"), ErrNotFound)
}

func TestUserStore_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")

	store, err := NewUserStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Upsert(&models.User{Email: "bob@example.com", PasswordHash: "h"}))
	require.NoError(t, store.Upsert(&models.User{Email: "alice@example.com", PasswordHash: "h2"}))

	reloaded, err := NewUserStore(path)
	require.NoError(t, err)

	users := reloaded.List()
	require.Len(t, users, 2)
	assert.Equal(t, "alice@example.com", users[0].Email)
	assert.Equal(t, "bob@example.com", users[1].Email)
}

func TestUserStore_GetReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "users.json")
	store, err := NewUserStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Upsert(&models.User{Email: "a@b.c", PasswordHash: "orig"}))

	got, err := store.Get("a@b.c")
	require.NoError(t, err)
	got.PasswordHash = "mutated"

	again, err := store.Get("a@b.c")
	require.NoError(t, err)
	assert.Equal(t, "orig", again.PasswordHash)
}

func TestUserStore_EmptyPath(t *testing.T) {
	_, err := NewUserStore("")
	assert.Error(t, err)
}

func TestUserStore_UpsertRequiresEmail(t *testing.T) {
	store, err := NewUserStore(filepath.Join(t.TempDir(), "users.json"))
	require.NoError(t, err)

	assert.Error(t, store.Upsert(&models.User{PasswordHash: "h"}))
}
