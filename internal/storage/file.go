package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	logx "announcebot/pkg/logx"
)

// fileStore keeps one JSON document per key.
//
// Layout under Path:
//   - <scope>/<key>.json  (replaced atomically via temp file + rename)
//   - audit.jsonl         (append-only JSON Lines)
type fileStore struct {
	log  logx.Logger
	root string

	mu        sync.Mutex
	auditPath string
	auditFile *os.File
}

var unsafeName = regexp.MustCompile(`[^A-Za-z0-9._-]`)

func openFile(cfg Config, log logx.Logger) (Store, error) {
	root := strings.TrimSpace(cfg.Path)
	if root == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	auditPath := filepath.Join(root, "audit.jsonl")
	af, err := os.OpenFile(auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, root: root, auditPath: auditPath, auditFile: af}, nil
}

func (s *fileStore) keyPath(scope, key string) string {
	if scope == "" {
		scope = "default"
	}
	return filepath.Join(s.root, unsafeName.ReplaceAllString(scope, "_"), unsafeName.ReplaceAllString(key, "_")+".json")
}

func (s *fileStore) Put(_ context.Context, scope, key string, value []byte) error {
	if key == "" {
		return ErrEmptyKey
	}
	path := s.keyPath(scope, key)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fileStore) Get(_ context.Context, scope, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil, false, ErrClosed
	}
	b, err := os.ReadFile(s.keyPath(scope, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (s *fileStore) AppendAudit(_ context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrClosed
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

// PruneAudit rewrites the audit file keeping entries at or after before.
func (s *fileStore) PruneAudit(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return 0, ErrClosed
	}

	in, err := os.Open(s.auditPath)
	if err != nil {
		return 0, err
	}
	var (
		kept    [][]byte
		removed int64
	)
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e AuditEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil || e.At.Before(before) {
			removed++
			continue
		}
		kept = append(kept, append([]byte(nil), sc.Bytes()...))
	}
	_ = in.Close()
	if err := sc.Err(); err != nil {
		return 0, err
	}
	if removed == 0 {
		return 0, nil
	}

	tmp := s.auditPath + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	w := bufio.NewWriter(out)
	for _, line := range kept {
		_, _ = w.Write(line)
		_ = w.WriteByte('\n')
	}
	if err := w.Flush(); err != nil {
		_ = out.Close()
		return 0, err
	}
	if err := out.Close(); err != nil {
		return 0, err
	}

	_ = s.auditFile.Close()
	if err := os.Rename(tmp, s.auditPath); err != nil {
		s.log.Warn("audit prune rename failed", logx.Err(err))
	}
	af, err := os.OpenFile(s.auditPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.auditFile = nil
		return removed, err
	}
	s.auditFile = af
	return removed, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return nil
	}
	err := s.auditFile.Close()
	s.auditFile = nil
	return err
}
