package sessionrepo

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

func TestCreateLoadUpdateRoundTrip(t *testing.T) {
	dir := t.TempDir()
	repo := New(dir)

	meta := model.SessionMeta{BotID: "bot1", GroupID: "0", OwnerID: "user1", SessionID: "sess1", Status: model.StatusIdle}
	created, err := repo.CreateSession(meta)
	require.NoError(t, err)
	assert.False(t, created.CreatedAt.IsZero())

	loaded, err := repo.LoadSession("bot1", "0", "user1", "sess1")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "sess1", loaded.SessionID)
	assert.Equal(t, model.StatusIdle, loaded.Status)

	ws, err := repo.WorkspacePath("bot1", "0", "user1", "sess1")
	require.NoError(t, err)
	info, err := os.Stat(ws)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	loaded.Status = model.StatusRunning
	loaded.AgentSessionID = "ses_abc"
	require.NoError(t, repo.UpdateMeta(*loaded))

	reloaded, err := repo.LoadSession("bot1", "0", "user1", "sess1")
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, reloaded.Status)
	assert.Equal(t, "ses_abc", reloaded.AgentSessionID)
}

func TestLoadSessionMissingReturnsNilNoError(t *testing.T) {
	repo := New(t.TempDir())
	loaded, err := repo.LoadSession("bot1", "0", "user1", "missing")
	require.NoError(t, err)
	assert.Nil(t, loaded)
}

func TestRejectsUnsafeIdentifiers(t *testing.T) {
	repo := New(t.TempDir())

	_, err := repo.LoadSession("bot1", "..", "user1", "sess1")
	assert.ErrorIs(t, err, ErrUnsafeIdentifier)

	_, err = repo.CreateSession(model.SessionMeta{BotID: "bot1", GroupID: "0", OwnerID: "user1", SessionID: "../escape"})
	assert.ErrorIs(t, err, ErrUnsafeIdentifier)
}

func TestWriteIsAtomicNoLeftoverTempFiles(t *testing.T) {
	dir := t.TempDir()
	repo := New(dir)
	meta := model.SessionMeta{BotID: "bot1", GroupID: "0", OwnerID: "user1", SessionID: "sess1"}
	_, err := repo.CreateSession(meta)
	require.NoError(t, err)

	sessDir := filepath.Join(dir, "sessions", "bot1", "0", "user1", "sess1")
	entries, err := os.ReadDir(sessDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotContains(t, e.Name(), ".tmp")
	}
}
