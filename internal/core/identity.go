package core

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

type Identity struct {
	SenderID string `json:"sender_id"`
}

// SessionPath is where the identity cache for a room lives. The temp dir
// keeps it session-scoped: rejoining the same room reuses the id, a reboot
// mints a new one. Identities are assumed unique across devices; the relay
// drops anything bearing its own id, so a stable personal id is never needed.
func SessionPath(room string) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("sosmesh-id-%s.json", room))
}

// LoadOrGenerate returns the identity cached at path, minting and caching a
// fresh one when absent. A cache that cannot be read or written degrades to
// a fresh random id instead of failing: the mesh only needs the id to be
// unique, not stable beyond the session.
func LoadOrGenerate(path string) string {
	if data, err := os.ReadFile(path); err == nil {
		var id Identity
		if err := json.Unmarshal(data, &id); err == nil && id.SenderID != "" {
			return id.SenderID
		}
	}

	fresh := uuid.New().String()
	data, err := json.MarshalIndent(Identity{SenderID: fresh}, "", "  ")
	if err == nil {
		if err := os.WriteFile(path, data, 0644); err != nil {
			slog.Warn("Failed to cache identity, id will not survive restart", "path", path, "error", err)
		}
	}
	return fresh
}
