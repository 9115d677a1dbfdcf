package vectorstore

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"
)

// snapshot is the on-disk form of one tenant collection.
type snapshot struct {
	Dimension int
	Records   map[string]Record
}

func (s *Store) snapshotPath(tenant string) string {
	return filepath.Join(s.cfg.Path, tenant+".gob")
}

// readSnapshot loads a tenant snapshot. A missing file returns nil: a tenant
// that has never been persisted is empty, not an error.
func readSnapshot(path string) (*snapshot, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening snapshot %s: %w", path, err)
	}
	defer f.Close()

	var snap snapshot
	if err := gob.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", path, err)
	}
	if snap.Records == nil {
		snap.Records = make(map[string]Record)
	}
	return &snap, nil
}

// writeSnapshot persists a tenant collection atomically: encode to a temp
// file in the same directory, then rename over the snapshot. A crash mid-write
// never corrupts the previous snapshot.
func writeSnapshot(path string, snap *snapshot) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	tmpName := tmp.Name()

	if err := gob.NewEncoder(tmp).Encode(snap); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encoding snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replacing snapshot: %w", err)
	}
	return nil
}
