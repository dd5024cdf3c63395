package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "mirrorbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (periodic snapshot)
//   - <prefix>.journal.jsonl (append-only journal)
//
// Every mutation is applied to the in-memory view and appended to the
// journal. The journal is periodically compacted into the snapshot.
type fileStore struct {
	*memoryStore

	log logx.Logger
	ttl time.Duration

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	writes       int
	compactEvery int
}

type journalOp string

const (
	opLink    journalOp = "link"
	opUnlink  journalOp = "unlink"
	opStat    journalOp = "stat"
	opDisable journalOp = "disable"
	opEnable  journalOp = "enable"
	opDedup   journalOp = "dedup"
)

type journalRecord struct {
	Op    journalOp `json:"op"`
	Link  *Link     `json:"link,omitempty"`
	Key   *LinkKey  `json:"key,omitempty"`
	Name  string    `json:"name,omitempty"`
	N     int64     `json:"n,omitempty"`
	Route *Route    `json:"route,omitempty"`
	Until int64     `json:"until,omitempty"`
}

type snapshot struct {
	Links    []Link           `json:"links"`
	Stats    map[string]int64 `json:"stats"`
	Disabled []Route          `json:"disabled"`
	Dedup    map[string]int64 `json:"dedup"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".snapshot.json"
	journalPath := prefix + ".journal.jsonl"

	mem := newMemoryStore()
	if err := loadSnapshot(snapPath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("snapshot unreadable; starting from journal", logx.Err(err))
	}
	n, err := replayJournal(journalPath, mem)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("journal replay stopped early", logx.Err(err), logx.Int("records", n))
	}
	mem.prune(time.Now(), cfg.LinkTTL)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		memoryStore:  mem,
		log:          log,
		ttl:          cfg.LinkTTL,
		snapshotPath: snapPath,
		journal:      jf,
		compactEvery: 1000,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil
	}
	err := s.compactLocked()
	if cerr := s.journal.Close(); err == nil {
		err = cerr
	}
	s.journal = nil
	return err
}

// append writes r to the journal after apply has updated memory.
func (s *fileStore) append(r journalRecord, apply func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return errors.New("journal closed")
	}
	apply()
	if err := json.NewEncoder(s.journal).Encode(r); err != nil {
		return err
	}
	s.writes++
	if s.writes%s.compactEvery == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) PutLink(ctx context.Context, l Link) error {
	if l.At.IsZero() {
		l.At = time.Now()
	}
	return s.append(journalRecord{Op: opLink, Link: &l}, func() { _ = s.memoryStore.PutLink(ctx, l) })
}

func (s *fileStore) DeleteLink(ctx context.Context, k LinkKey) error {
	return s.append(journalRecord{Op: opUnlink, Key: &k}, func() { _ = s.memoryStore.DeleteLink(ctx, k) })
}

func (s *fileStore) AddStat(ctx context.Context, name string, n int64) error {
	return s.append(journalRecord{Op: opStat, Name: name, N: n}, func() { _ = s.memoryStore.AddStat(ctx, name, n) })
}

func (s *fileStore) DisableRoute(ctx context.Context, r Route) error {
	return s.append(journalRecord{Op: opDisable, Route: &r}, func() { _ = s.memoryStore.DisableRoute(ctx, r) })
}

func (s *fileStore) EnableRoute(ctx context.Context, r Route) error {
	return s.append(journalRecord{Op: opEnable, Route: &r}, func() { _ = s.memoryStore.EnableRoute(ctx, r) })
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	return s.append(journalRecord{Op: opDedup, Name: key, Until: until.UnixMilli()}, func() { _ = s.memoryStore.PutDedup(ctx, key, until) })
}

func (s *fileStore) compactLocked() error {
	s.memoryStore.prune(time.Now(), s.ttl)
	snap := s.memoryStore.snapshot()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
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
	_, err = s.journal.Seek(0, io.SeekEnd)
	return err
}

func (m *memoryStore) snapshot() snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := snapshot{
		Links:    make([]Link, 0, len(m.links)),
		Stats:    make(map[string]int64, len(m.stats)),
		Disabled: make([]Route, 0, len(m.disabled)),
		Dedup:    make(map[string]int64, len(m.dedup)),
	}
	for _, l := range m.links {
		out.Links = append(out.Links, l)
	}
	for k, v := range m.stats {
		out.Stats[k] = v
	}
	for r := range m.disabled {
		out.Disabled = append(out.Disabled, r)
	}
	sortRoutes(out.Disabled)
	for k, v := range m.dedup {
		out.Dedup[k] = v
	}
	return out
}

func loadSnapshot(path string, into *memoryStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, l := range snap.Links {
		into.links[l.Key()] = l
	}
	for k, v := range snap.Stats {
		into.stats[k] = v
	}
	for _, r := range snap.Disabled {
		into.disabled[r] = struct{}{}
	}
	for k, v := range snap.Dedup {
		into.dedup[k] = v
	}
	return nil
}

func replayJournal(path string, into *memoryStore) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	n := 0
	for sc.Scan() {
		var r journalRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			// A torn last line after a crash is expected.
			continue
		}
		switch r.Op {
		case opLink:
			if r.Link != nil {
				into.links[r.Link.Key()] = *r.Link
			}
		case opUnlink:
			if r.Key != nil {
				delete(into.links, *r.Key)
			}
		case opStat:
			into.stats[r.Name] += r.N
		case opDisable:
			if r.Route != nil {
				into.disabled[*r.Route] = struct{}{}
			}
		case opEnable:
			if r.Route != nil {
				delete(into.disabled, *r.Route)
			}
		case opDedup:
			if r.Name != "" {
				into.dedup[r.Name] = r.Until
			}
		default:
			continue
		}
		n++
	}
	return n, sc.Err()
}
