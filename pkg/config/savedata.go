package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"syncmesh/pkg/identity"
	"syncmesh/pkg/syncerr"
	"syncmesh/pkg/types"
)

// LoadSaveData reads a previously persisted types.SaveData from path. A
// missing file is not an error: callers use the returned zero value to
// mint a fresh identity and network key on first run.
func LoadSaveData(path string) (types.SaveData, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return types.SaveData{}, nil
		}
		return types.SaveData{}, fmt.Errorf("failed to read save data: %w", err)
	}

	var sd types.SaveData
	if err := json.Unmarshal(data, &sd); err != nil {
		return types.SaveData{}, fmt.Errorf("failed to parse save data: %w", err)
	}
	return sd, nil
}

// SaveSaveData writes sd to path, creating parent directories as needed.
// Overwrites the previous file atomically via a temp-file rename.
func SaveSaveData(path string, sd types.SaveData) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return syncerr.Wrap(syncerr.IOError, "create save data directory", err)
	}

	data, err := json.MarshalIndent(sd, "", "  ")
	if err != nil {
		return syncerr.Wrap(syncerr.IOError, "marshal save data", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return syncerr.Wrap(syncerr.IOError, "write save data", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return syncerr.Wrap(syncerr.IOError, "commit save data", err)
	}
	return nil
}

// ResolveIdentity returns sd's seed-derived keypair if present, or mints
// and returns a fresh one, so first launch and every subsequent restart
// use the same peer id as long as save-data is preserved.
func ResolveIdentity(sd types.SaveData) (identity.KeyPair, error) {
	if len(sd.Seed) == identity.SeedSize {
		return identity.DeriveKeyPair(sd.Seed)
	}
	seed, err := identity.NewSeed()
	if err != nil {
		return identity.KeyPair{}, err
	}
	return identity.DeriveKeyPair(seed)
}
