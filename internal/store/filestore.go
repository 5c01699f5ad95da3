package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const maxLineBytes = 16 << 20

// FileStore keeps tracking records in an append-only JSON lines log. Every
// mutation appends a full snapshot of the record; on replay the last line for
// a token wins. Records are indexed in memory by token and click token.
type FileStore struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	records map[string]*Record
	clicks  map[string]string
	order   []string
}

// OpenFileStore replays the log at path and compacts it.
func OpenFileStore(path string) (*FileStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create tracking log dir: %w", err)
		}
	}

	s := &FileStore{
		path:    path,
		records: make(map[string]*Record),
		clicks:  make(map[string]string),
	}
	if err := s.replay(); err != nil {
		return nil, err
	}
	if err := s.Compact(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) replay() error {
	f, err := os.Open(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open tracking log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64<<10), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec Record
		// A torn final line from a crash is skipped.
		if err := json.Unmarshal(line, &rec); err != nil || rec.Token == "" {
			continue
		}
		s.index(&rec)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read tracking log: %w", err)
	}
	return nil
}

func (s *FileStore) index(rec *Record) {
	if _, ok := s.records[rec.Token]; !ok {
		s.order = append(s.order, rec.Token)
	}
	s.records[rec.Token] = rec
	for _, link := range rec.Links {
		s.clicks[link.ClickToken] = rec.Token
	}
}

// Compact rewrites the log with one line per record.
func (s *FileStore) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("close tracking log: %w", err)
		}
		s.file = nil
	}

	tmp := s.path + ".tmp"
	if err := s.writeSnapshot(tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace tracking log: %w", err)
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open tracking log: %w", err)
	}
	s.file = f
	return nil
}

func (s *FileStore) writeSnapshot(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create compacted log: %w", err)
	}
	w := bufio.NewWriter(f)
	for _, token := range s.order {
		line, err := json.Marshal(s.records[token])
		if err != nil {
			f.Close()
			return fmt.Errorf("encode record: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("write compacted log: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync compacted log: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close compacted log: %w", err)
	}
	return nil
}

func (s *FileStore) appendLocked(rec *Record) error {
	if s.file == nil {
		return os.ErrClosed
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("append tracking log: %w", err)
	}
	return nil
}

func (s *FileStore) Create(_ context.Context, record Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.Token]; ok {
		return ErrDuplicate
	}
	rec := record.Clone()
	if err := s.appendLocked(&rec); err != nil {
		return err
	}
	s.index(&rec)
	return nil
}

func (s *FileStore) AddLinks(_ context.Context, token string, links []Link) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[token]
	if !ok {
		return ErrNotFound
	}
	for _, link := range links {
		if _, taken := s.clicks[link.ClickToken]; taken {
			return ErrDuplicate
		}
	}
	next := cur.Clone()
	next.Links = append(next.Links, links...)
	if err := s.appendLocked(&next); err != nil {
		return err
	}
	s.index(&next)
	return nil
}

func (s *FileStore) RecordOpen(_ context.Context, token string, ev Event) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	next := cur.Clone()
	next.MarkOpened(ev)
	if err := s.appendLocked(&next); err != nil {
		return Record{}, err
	}
	s.records[token] = &next
	return next.Clone(), nil
}

func (s *FileStore) RecordClick(_ context.Context, clickToken string, ev Event) (Record, Link, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, ok := s.clicks[clickToken]
	if !ok {
		return Record{}, Link{}, ErrNotFound
	}
	cur := s.records[token]
	i := cur.LinkIndex(clickToken)
	if i < 0 {
		return Record{}, Link{}, ErrNotFound
	}
	next := cur.Clone()
	next.Links[i].MarkClicked(ev)
	if err := s.appendLocked(&next); err != nil {
		return Record{}, Link{}, err
	}
	s.records[token] = &next
	out := next.Clone()
	return out, out.Links[i], nil
}

func (s *FileStore) Get(_ context.Context, token string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[token]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *FileStore) List(_ context.Context, filter Filter) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Record, 0, len(s.order))
	for _, token := range s.order {
		rec := s.records[token]
		if !filter.Match(rec) {
			continue
		}
		out = append(out, rec.Clone())
	}
	return out, nil
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
