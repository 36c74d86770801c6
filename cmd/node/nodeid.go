package main

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/MartianGreed/marathon/internal/ids"
)

// loadOrCreateNodeID persists a node's identity under dir so a restart
// rejoins the registry as the same node instead of minting a new one.
func loadOrCreateNodeID(dir string) (ids.NodeID, error) {
	path := filepath.Join(dir, "node_id")

	if data, err := os.ReadFile(path); err == nil {
		if id, ok := ids.NodeIDFromHex(strings.TrimSpace(string(data))); ok {
			return id, nil
		}
	}

	id := ids.NewNodeID()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ids.NodeID{}, err
	}
	if err := os.WriteFile(path, []byte(id.String()), 0644); err != nil {
		return ids.NodeID{}, err
	}
	return id, nil
}
