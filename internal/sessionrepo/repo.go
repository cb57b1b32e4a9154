// Package sessionrepo implements the Session Repository (spec §4.D):
// file-backed SessionMeta under a per-conversation directory, written
// atomically via temp-file-then-rename so a crash mid-write can never
// leave a corrupt meta.json behind.
package sessionrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/chatrelay/internal/model"
)

// ErrUnsafeIdentifier is returned when any path segment of a key fails
// the safe-segment alphabet check (spec §6, invariant P5).
var ErrUnsafeIdentifier = errors.New("sessionrepo: identifier is not a safe path segment")

const metaFileName = "meta.json"
const workspaceDirName = "workspace"

// Repository persists SessionMeta under <dataDir>/sessions/<botId>/<groupId>/<userId>/<sessionId>/.
type Repository struct {
	dataDir string
}

// New creates a Repository rooted at dataDir.
func New(dataDir string) *Repository {
	return &Repository{dataDir: dataDir}
}

func (r *Repository) dir(botID, groupID, userID, sessionID string) (string, error) {
	for _, seg := range []string{botID, groupID, userID, sessionID} {
		if !model.IsSafeSegment(seg) {
			return "", ErrUnsafeIdentifier
		}
	}
	return filepath.Join(r.dataDir, "sessions", botID, groupID, userID, sessionID), nil
}

// LoadSession reads meta.json for the given identifiers. Returns
// (nil, nil) if the session does not yet exist.
func (r *Repository) LoadSession(botID, groupID, userID, sessionID string) (*model.SessionMeta, error) {
	dir, err := r.dir(botID, groupID, userID, sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, metaFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("sessionrepo: read meta: %w", err)
	}
	var meta model.SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("sessionrepo: decode meta: %w", err)
	}
	return &meta, nil
}

// CreateSession writes a brand-new meta.json and creates the sibling
// workspace/ directory. meta's timestamps are stamped if zero.
func (r *Repository) CreateSession(meta model.SessionMeta) (model.SessionMeta, error) {
	now := time.Now()
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = now
	}
	meta.UpdatedAt = now

	dir, err := r.dir(meta.BotID, meta.GroupID, meta.OwnerID, meta.SessionID)
	if err != nil {
		return model.SessionMeta{}, err
	}
	if err := os.MkdirAll(filepath.Join(dir, workspaceDirName), 0o755); err != nil {
		return model.SessionMeta{}, fmt.Errorf("sessionrepo: create workspace: %w", err)
	}
	if err := r.writeMeta(dir, meta); err != nil {
		return model.SessionMeta{}, err
	}
	return meta, nil
}

// UpdateMeta overwrites meta.json for an existing session. The session's
// directory must already exist (created via CreateSession).
func (r *Repository) UpdateMeta(meta model.SessionMeta) error {
	meta.UpdatedAt = time.Now()
	dir, err := r.dir(meta.BotID, meta.GroupID, meta.OwnerID, meta.SessionID)
	if err != nil {
		return err
	}
	return r.writeMeta(dir, meta)
}

// WorkspacePath returns the workspace directory for the given identifiers,
// used as the agent's per-request "directory" header (spec §6).
func (r *Repository) WorkspacePath(botID, groupID, userID, sessionID string) (string, error) {
	dir, err := r.dir(botID, groupID, userID, sessionID)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, workspaceDirName), nil
}

// writeMeta performs the atomic temp-file-then-rename write: crash at any
// point before the rename leaves the prior meta.json (or none) intact.
func (r *Repository) writeMeta(dir string, meta model.SessionMeta) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("sessionrepo: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("sessionrepo: marshal meta: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("sessionrepo: create temp: %w", err)
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sessionrepo: write temp: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sessionrepo: sync temp: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("sessionrepo: close temp: %w", err)
	}

	if err := os.Rename(tmpPath, filepath.Join(dir, metaFileName)); err != nil {
		return fmt.Errorf("sessionrepo: rename: %w", err)
	}
	cleanup = false
	return nil
}
