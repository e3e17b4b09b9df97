package metadata

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/bleepstore/bleepcore/internal/config"
)

const localLogFile = "records.jsonl"

// jsonlEntry is one line of the append-only record log. Value is base64 in
// the encoded form.
type jsonlEntry struct {
	Partition string `json:"p"`
	Sort      string `json:"s"`
	Value     []byte `json:"v,omitempty"`
	Revision  int64  `json:"r"`
	Deleted   bool   `json:"_deleted,omitempty"`
}

// LocalBackend keeps every record in memory and persists each mutation to an
// append-only JSONL log that is replayed on startup.
type LocalBackend struct {
	mu      sync.Mutex
	rootDir string
	mem     *MemoryBackend
	log     *os.File
}

// NewLocalBackend replays the log under cfg.RootDir, optionally compacts it,
// and opens it for appending.
func NewLocalBackend(cfg *config.LocalMetaConfig) (*LocalBackend, error) {
	if cfg == nil {
		cfg = &config.LocalMetaConfig{}
	}
	if cfg.RootDir == "" {
		cfg.RootDir = "./data/metadata"
	}
	if err := os.MkdirAll(cfg.RootDir, 0755); err != nil {
		return nil, fmt.Errorf("creating metadata directory: %w", err)
	}

	s := &LocalBackend{rootDir: cfg.RootDir, mem: NewMemoryBackend()}
	if err := s.load(); err != nil {
		return nil, fmt.Errorf("loading metadata: %w", err)
	}
	if cfg.CompactOnStartup {
		if err := s.compact(); err != nil {
			return nil, fmt.Errorf("compacting metadata: %w", err)
		}
	}

	f, err := os.OpenFile(s.logPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening metadata log: %w", err)
	}
	s.log = f
	return s, nil
}

func (s *LocalBackend) logPath() string {
	return filepath.Join(s.rootDir, localLogFile)
}

func (s *LocalBackend) load() error {
	f, err := os.Open(s.logPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e jsonlEntry
		if err := json.Unmarshal(line, &e); err != nil {
			// A torn final line from a crash is skipped.
			continue
		}
		part, ok := s.mem.partitions[e.Partition]
		if e.Deleted {
			if ok {
				delete(part, e.Sort)
			}
			continue
		}
		if !ok {
			part = make(map[string]*memRecord)
			s.mem.partitions[e.Partition] = part
		}
		part[e.Sort] = &memRecord{value: e.Value, revision: e.Revision}
	}
	return scanner.Err()
}

// compact rewrites the log so it holds only live records.
func (s *LocalBackend) compact() error {
	path := s.logPath()
	tmpPath := path + ".tmp"

	f, err := os.Create(tmpPath)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	partitions := make([]string, 0, len(s.mem.partitions))
	for p := range s.mem.partitions {
		partitions = append(partitions, p)
	}
	sort.Strings(partitions)
	for _, p := range partitions {
		for sk, rec := range s.mem.partitions[p] {
			if err := writeJSONLLine(w, jsonlEntry{Partition: p, Sort: sk, Value: rec.value, Revision: rec.revision}); err != nil {
				f.Close()
				os.Remove(tmpPath)
				return err
			}
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return err
	}
	f.Close()
	return os.Rename(tmpPath, path)
}

func writeJSONLLine(w *bufio.Writer, e jsonlEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

func (s *LocalBackend) appendEntry(e jsonlEntry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	if _, err := s.log.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("appending to metadata log: %w", err)
	}
	return nil
}

func (s *LocalBackend) Ping(ctx context.Context) error {
	_, err := os.Stat(s.rootDir)
	return err
}

func (s *LocalBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	err := s.log.Close()
	s.log = nil
	return err
}

func (s *LocalBackend) Get(ctx context.Context, key Key) (*Item, error) {
	return s.mem.Get(ctx, key)
}

func (s *LocalBackend) Put(ctx context.Context, key Key, value []byte, expect int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rev, err := s.mem.Put(ctx, key, value, expect)
	if err != nil {
		return 0, err
	}
	if err := s.appendEntry(jsonlEntry{Partition: key.Partition, Sort: key.Sort, Value: value, Revision: rev}); err != nil {
		return 0, err
	}
	return rev, nil
}

func (s *LocalBackend) Delete(ctx context.Context, key Key, expect int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mem.Delete(ctx, key, expect); err != nil {
		return err
	}
	return s.appendEntry(jsonlEntry{Partition: key.Partition, Sort: key.Sort, Deleted: true})
}

func (s *LocalBackend) List(ctx context.Context, partition, prefix, startAfter string, limit int) ([]Item, error) {
	return s.mem.List(ctx, partition, prefix, startAfter, limit)
}
