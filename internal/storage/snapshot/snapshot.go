// Package snapshot implements the fallback storage backend: three keyed
// collections held in memory and written to a single JSON document after
// every mutation.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goodtune/voxquota/internal/storage"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("snapshot: store is closed")

type document struct {
	Version  int                                       `json:"version"`
	Usage    map[string]map[string]storage.UsageRecord `json:"usage"`
	Limits   map[string]storage.LimitsProfile          `json:"limits"`
	Sessions map[string]storage.ActiveSession          `json:"sessions"`
}

const documentVersion = 1

func newDocument() *document {
	return &document{
		Version:  documentVersion,
		Usage:    make(map[string]map[string]storage.UsageRecord),
		Limits:   make(map[string]storage.LimitsProfile),
		Sessions: make(map[string]storage.ActiveSession),
	}
}

func (d *document) clone() *document {
	c := newDocument()
	for user, periods := range d.Usage {
		inner := make(map[string]storage.UsageRecord, len(periods))
		for period, record := range periods {
			inner[period] = record
		}
		c.Usage[user] = inner
	}
	for k, v := range d.Limits {
		c.Limits[k] = v
	}
	for k, v := range d.Sessions {
		c.Sessions[k] = v
	}
	return c
}

// Store implements storage.Store backed by a JSON document on disk.
type Store struct {
	path   string
	mu     sync.RWMutex
	doc    *document
	closed bool
}

// Open loads the document at path, or starts an empty one if the file does
// not exist yet.
func Open(path string) (*Store, error) {
	if err := storage.EnsureParentDir(path); err != nil {
		return nil, fmt.Errorf("create snapshot directory: %w", err)
	}

	doc := newDocument()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read snapshot: %w", err)
	case len(data) > 0:
		if err := json.Unmarshal(data, doc); err != nil {
			return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
		}
		if doc.Usage == nil {
			doc.Usage = make(map[string]map[string]storage.UsageRecord)
		}
		if doc.Limits == nil {
			doc.Limits = make(map[string]storage.LimitsProfile)
		}
		if doc.Sessions == nil {
			doc.Sessions = make(map[string]storage.ActiveSession)
		}
	}

	s := &Store{path: path, doc: doc}
	// Write once so a bad path is reported at startup rather than on the
	// first mutation.
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close flushes the document and releases the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.persistLocked()
}

// Usage returns the usage store.
func (s *Store) Usage() storage.UsageStore { return &usageStore{s: s} }

// Limits returns the limits store.
func (s *Store) Limits() storage.LimitsStore { return &limitsStore{s: s} }

// Sessions returns the active session store.
func (s *Store) Sessions() storage.SessionStore { return &sessionStore{s: s} }

func (s *Store) view(ctx context.Context, fn func(doc *document) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return fn(s.doc)
}

// update applies fn and persists the result before returning. If the write
// fails the in-memory state is rolled back so memory never runs ahead of
// disk.
func (s *Store) update(ctx context.Context, fn func(doc *document) (bool, error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}

	previous := s.doc.clone()
	changed, err := fn(s.doc)
	if err != nil {
		s.doc = previous
		return err
	}
	if !changed {
		return nil
	}
	if err := s.persistLocked(); err != nil {
		s.doc = previous
		return err
	}
	return nil
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		cleanup()
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

type usageStore struct{ s *Store }

func (u *usageStore) Get(ctx context.Context, userID, period string) (*storage.UsageRecord, error) {
	var out *storage.UsageRecord
	err := u.s.view(ctx, func(doc *document) error {
		record, ok := doc.Usage[userID][period]
		if !ok {
			return storage.ErrNotFound
		}
		out = &record
		return nil
	})
	return out, err
}

func (u *usageStore) Put(ctx context.Context, record storage.UsageRecord) error {
	if err := record.Validate(); err != nil {
		return err
	}
	return u.s.update(ctx, func(doc *document) (bool, error) {
		periods, ok := doc.Usage[record.UserID]
		if !ok {
			periods = make(map[string]storage.UsageRecord)
			doc.Usage[record.UserID] = periods
		}
		record.LastReset = record.LastReset.UTC()
		periods[record.Period] = record
		return true, nil
	})
}

type limitsStore struct{ s *Store }

func (l *limitsStore) Get(ctx context.Context, userID string) (*storage.LimitsProfile, error) {
	var out *storage.LimitsProfile
	err := l.s.view(ctx, func(doc *document) error {
		profile, ok := doc.Limits[userID]
		if !ok {
			return storage.ErrNotFound
		}
		out = &profile
		return nil
	})
	return out, err
}

func (l *limitsStore) Put(ctx context.Context, profile storage.LimitsProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}
	return l.s.update(ctx, func(doc *document) (bool, error) {
		doc.Limits[profile.UserID] = profile
		return true, nil
	})
}

type sessionStore struct{ s *Store }

func (ss *sessionStore) Get(ctx context.Context, id string) (*storage.ActiveSession, error) {
	var out *storage.ActiveSession
	err := ss.s.view(ctx, func(doc *document) error {
		session, ok := doc.Sessions[id]
		if !ok {
			return storage.ErrNotFound
		}
		out = &session
		return nil
	})
	return out, err
}

func (ss *sessionStore) ListForUser(ctx context.Context, userID string) ([]storage.ActiveSession, error) {
	sessions := make([]storage.ActiveSession, 0)
	err := ss.s.view(ctx, func(doc *document) error {
		for _, session := range doc.Sessions {
			if session.UserID == userID {
				sessions = append(sessions, session)
			}
		}
		return nil
	})
	storage.SortSessions(sessions)
	return sessions, err
}

func (ss *sessionStore) Put(ctx context.Context, session storage.ActiveSession) error {
	if err := session.Validate(); err != nil {
		return err
	}
	return ss.s.update(ctx, func(doc *document) (bool, error) {
		session.StartTime = session.StartTime.UTC()
		session.LastHeartbeat = session.LastHeartbeat.UTC()
		session.TokenExpiry = session.TokenExpiry.UTC()
		doc.Sessions[session.ID] = session
		return true, nil
	})
}

func (ss *sessionStore) Patch(ctx context.Context, id string, patch storage.SessionPatch) error {
	if patch.Empty() {
		return nil
	}
	return ss.s.update(ctx, func(doc *document) (bool, error) {
		session, ok := doc.Sessions[id]
		if !ok {
			return false, nil
		}
		patch.Apply(&session)
		session.LastHeartbeat = session.LastHeartbeat.UTC()
		session.TokenExpiry = session.TokenExpiry.UTC()
		doc.Sessions[id] = session
		return true, nil
	})
}

func (ss *sessionStore) Delete(ctx context.Context, id string) error {
	return ss.s.update(ctx, func(doc *document) (bool, error) {
		if _, ok := doc.Sessions[id]; !ok {
			return false, nil
		}
		delete(doc.Sessions, id)
		return true, nil
	})
}

func (ss *sessionStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	err := ss.s.update(ctx, func(doc *document) (bool, error) {
		for id, session := range doc.Sessions {
			if session.TokenExpiry.Before(now) {
				delete(doc.Sessions, id)
				deleted++
			}
		}
		return deleted > 0, nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

func (ss *sessionStore) Count(ctx context.Context) (int, error) {
	n := 0
	err := ss.s.view(ctx, func(doc *document) error {
		n = len(doc.Sessions)
		return nil
	})
	return n, err
}
