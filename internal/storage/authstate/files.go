package authstate

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// stampFormat names backup directories; it sorts lexically in time order
const stampFormat = "20060102T150405.000000000Z"

type backupEntry struct {
	id        string
	createdAt time.Time
}

// atomicWrite writes data to a temp file in the target directory, syncs it and renames it
// over path, so readers see either the old or the new content
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}
	return nil
}

// copyPreservingModTime atomically copies from to to and carries the modification time over,
// since lastRefresh is derived from it
func copyPreservingModTime(from, to string) error {
	info, err := os.Stat(from)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(from)
	if err != nil {
		return err
	}
	if err := atomicWrite(to, data); err != nil {
		return err
	}
	return os.Chtimes(to, info.ModTime(), info.ModTime())
}

// listBackups returns backup directories newest first; a missing directory is an empty list
func listBackups(backupsDir string) ([]backupEntry, error) {
	dirEntries, err := os.ReadDir(backupsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list backups: %w", err)
	}

	var entries []backupEntry
	for _, e := range dirEntries {
		if !e.IsDir() {
			continue
		}
		createdAt, ok := parseBackupID(e.Name())
		if !ok {
			continue
		}
		entries = append(entries, backupEntry{id: e.Name(), createdAt: createdAt})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].createdAt.Equal(entries[j].createdAt) {
			return entries[i].id > entries[j].id
		}
		return entries[i].createdAt.After(entries[j].createdAt)
	})
	return entries, nil
}

// prune removes backups older than the retention window, always keeping the newest one
func (s *Store) prune(backupsDir string, now time.Time) (int, error) {
	if s.retention <= 0 {
		return 0, nil
	}
	entries, err := listBackups(backupsDir)
	if err != nil {
		return 0, err
	}

	cutoff := now.Add(-s.retention)
	removed := 0
	for i, e := range entries {
		if i == 0 || !e.createdAt.Before(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(backupsDir, e.id)); err != nil {
			return removed, fmt.Errorf("failed to remove backup %s: %w", e.id, err)
		}
		removed++
	}
	return removed, nil
}

// parseBackupID accepts "<stamp>" and the collision form "<stamp>-<n>"
func parseBackupID(id string) (time.Time, bool) {
	stamp := id
	if i := strings.LastIndex(id, "-"); i > 0 {
		stamp = id[:i]
	}
	t, err := time.Parse(stampFormat, stamp)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func validBackupID(id string) bool {
	if id == "" || strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return false
	}
	_, ok := parseBackupID(id)
	return ok
}
