package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "boxrelay/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps every record in memory and persists it to:
//   - <prefix>.records.snapshot.json (periodic snapshot)
//   - <prefix>.records.journal.jsonl (append-only journal)
//
// Uniqueness holds only inside one process; use sqlite when several workers
// share the store.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	records      map[string]DeliveryRecord
	snapshotPath string
	journal      *os.File
	writes       int
}

type journalEntry struct {
	Op     string          `json:"op"` // "put" | "del"
	Record *DeliveryRecord `json:"record,omitempty"`
	Hash   string          `json:"hash,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		records:      map[string]DeliveryRecord{},
		snapshotPath: prefix + ".records.snapshot.json",
	}
	journalPath := prefix + ".records.journal.jsonl"
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replay(journalPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	s.journal = jf
	return s, nil
}

func (s *fileStore) FindByHash(ctx context.Context, hash string) (DeliveryRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[hash]
	return rec, ok, nil
}

func (s *fileStore) Insert(ctx context.Context, rec DeliveryRecord) error {
	if err := rec.validate(); err != nil {
		return err
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return ErrClosed
	}
	if _, ok := s.records[rec.LinkHash]; ok {
		return ErrDuplicate
	}
	if err := s.appendLocked(journalEntry{Op: "put", Record: &rec}); err != nil {
		return err
	}
	s.records[rec.LinkHash] = rec
	return nil
}

func (s *fileStore) Delete(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, ErrClosed
	}
	if _, ok := s.records[hash]; !ok {
		return false, nil
	}
	if err := s.appendLocked(journalEntry{Op: "del", Hash: hash}); err != nil {
		return false, err
	}
	delete(s.records, hash)
	return true, nil
}

func (s *fileStore) Count(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.records)), nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("storage.compact_failed", logx.Err(err))
	}
	err := s.journal.Close()
	s.journal = nil
	return err
}

func (s *fileStore) appendLocked(e journalEntry) error {
	if err := json.NewEncoder(s.journal).Encode(e); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("storage.compact_failed", logx.Err(err))
		}
	}
	return nil
}

// compactLocked writes the snapshot atomically and truncates the journal.
func (s *fileStore) compactLocked() error {
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.records); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journal.Truncate(0); err != nil {
		return err
	}
	_, err = s.journal.Seek(0, 2)
	return err
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(&s.records)
}

func (s *fileStore) replay(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		var e journalEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			// A torn final line after a crash is expected; skip it.
			continue
		}
		switch {
		case e.Op == "put" && e.Record != nil:
			if _, ok := s.records[e.Record.LinkHash]; !ok {
				s.records[e.Record.LinkHash] = *e.Record
			}
		case e.Op == "del":
			delete(s.records, e.Hash)
		}
	}
	return sc.Err()
}
