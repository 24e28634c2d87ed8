package storage

import (
	"os"
	"path/filepath"
	"sort"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// EnsureParentDir creates the directory that will hold the file at path.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	return EnsureDir(dir)
}

// SortSessions orders sessions by start time, then id, so every backend
// lists a user's sessions in the same order.
func SortSessions(sessions []ActiveSession) {
	sort.Slice(sessions, func(i, j int) bool {
		if !sessions[i].StartTime.Equal(sessions[j].StartTime) {
			return sessions[i].StartTime.Before(sessions[j].StartTime)
		}
		return sessions[i].ID < sessions[j].ID
	})
}
