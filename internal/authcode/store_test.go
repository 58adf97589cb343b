package authcode

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zokiio/ovc/internal/ids"
)

func TestGetOrCreateIsStable(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "auth.properties"), nil)
	require.NoError(t, err)

	pid := ids.NewClientID() // not a PlayerID but same underlying shape for the test
	playerID := ids.PlayerID(pid)

	code1, err := store.GetOrCreate("Alice", playerID)
	require.NoError(t, err)
	assert.Len(t, code1, codeLength)

	code2, err := store.GetOrCreate("alice", playerID) // canonicalized
	require.NoError(t, err)
	assert.Equal(t, code1, code2)
}

func TestResetMintsNewCode(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "auth.properties"), nil)
	require.NoError(t, err)

	playerID := ids.PlayerID(ids.NewClientID())
	code1, err := store.GetOrCreate("bob", playerID)
	require.NoError(t, err)

	code2, err := store.Reset("bob", playerID)
	require.NoError(t, err)
	assert.NotEqual(t, code1, code2)
}

func TestValidateCaseInsensitive(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "auth.properties"), nil)
	require.NoError(t, err)

	playerID := ids.PlayerID(ids.NewClientID())
	code, err := store.GetOrCreate("carol", playerID)
	require.NoError(t, err)

	assert.True(t, store.Validate("CAROL", code))
	assert.True(t, store.Validate("carol", toLowerCode(code)))
	assert.False(t, store.Validate("carol", "WRONGCODE"))
	assert.False(t, store.Validate("dave", code))
}

func toLowerCode(code string) string {
	b := []byte(code)
	for i := range b {
		if b[i] >= 'A' && b[i] <= 'Z' {
			b[i] = b[i] - 'A' + 'a'
		}
	}
	return string(b)
}

func TestPersistenceSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "auth.properties")

	store, err := New(path, nil)
	require.NoError(t, err)
	playerID := ids.PlayerID(ids.NewClientID())
	code, err := store.GetOrCreate("erin", playerID)
	require.NoError(t, err)

	reloaded, err := New(path, nil)
	require.NoError(t, err)
	assert.True(t, reloaded.Validate("erin", code))

	gotPlayerID, ok := reloaded.LookupPlayer("erin")
	require.True(t, ok)
	assert.Equal(t, playerID, gotPlayerID)
}

func TestRemove(t *testing.T) {
	dir := t.TempDir()
	store, err := New(filepath.Join(dir, "auth.properties"), nil)
	require.NoError(t, err)

	playerID := ids.PlayerID(ids.NewClientID())
	_, err = store.GetOrCreate("frank", playerID)
	require.NoError(t, err)

	store.Remove("frank")
	_, ok := store.LookupPlayer("frank")
	assert.False(t, ok)
}
