package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	logx "tradeclaw/pkg/logx"
)

// fileStore keeps everything in memory and mirrors it to disk.
//
// Files:
//   - <prefix>.jobs.json           (snapshot, rewritten atomically)
//   - <prefix>.runs.jsonl          (append-only, compacted periodically)
//   - <prefix>.audit.jsonl         (append-only)
//   - <prefix>.dedup.snapshot.json (periodic snapshot)
//   - <prefix>.dedup.journal.jsonl (append-only journal)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	jobsPath string
	jobs     map[string]jobDoc

	runsPath  string
	runsFile  *os.File
	runs      map[string][]RunRecord
	maxRuns   int
	runWrites int

	auditFile *os.File

	dedupSnapshotPath string
	dedupJournalFile  *os.File
	dedup             map[string]int64 // unix milli
	dedupWrites       int
}

type jobDoc struct {
	Data      json.RawMessage `json:"data"`
	UpdatedAt time.Time       `json:"updated_at"`
}

type runLine struct {
	JobID string          `json:"job_id"`
	At    time.Time       `json:"at"`
	Data  json.RawMessage `json:"data"`
}

type dedupRecord struct {
	Key   string `json:"key"`
	Until int64  `json:"until"`
}

const compactEvery = 500

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
		log:               log,
		jobsPath:          prefix + ".jobs.json",
		jobs:              map[string]jobDoc{},
		runsPath:          prefix + ".runs.jsonl",
		runs:              map[string][]RunRecord{},
		maxRuns:           cfg.maxRuns(),
		dedupSnapshotPath: prefix + ".dedup.snapshot.json",
		dedup:             map[string]int64{},
	}

	if err := readJSON(s.jobsPath, &s.jobs); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := s.replayRuns(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	_ = readJSON(s.dedupSnapshotPath, &s.dedup)
	journalPath := prefix + ".dedup.journal.jsonl"
	_ = replayDedupJournal(journalPath, s.dedup)
	pruneExpiredDedup(s.dedup, time.Now())

	var err error
	if s.runsFile, err = appendFile(s.runsPath); err != nil {
		return nil, err
	}
	// Start from a compact journal so it never grows across restarts.
	if err := s.compactRunsLocked(); err != nil {
		log.Warn("runs compact failed", logx.Err(err))
	}
	if s.auditFile, err = appendFile(prefix + ".audit.jsonl"); err != nil {
		_ = s.Close()
		return nil, err
	}
	if s.dedupJournalFile, err = appendFile(journalPath); err != nil {
		_ = s.Close()
		return nil, err
	}
	log.Debug("file store opened", logx.String("prefix", prefix), logx.Int("jobs", len(s.jobs)))
	return s, nil
}

func appendFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for _, f := range []**os.File{&s.runsFile, &s.auditFile, &s.dedupJournalFile} {
		if *f != nil {
			errs = append(errs, (*f).Close())
			*f = nil
		}
	}
	return errors.Join(errs...)
}

func (s *fileStore) LoadJobs(ctx context.Context) ([]JobRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobRecord, 0, len(s.jobs))
	for id, d := range s.jobs {
		out = append(out, JobRecord{ID: id, Data: slices.Clone([]byte(d.Data)), UpdatedAt: d.UpdatedAt})
	}
	slices.SortFunc(out, func(a, b JobRecord) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *fileStore) PutJob(ctx context.Context, rec JobRecord) error {
	_ = ctx
	if strings.TrimSpace(rec.ID) == "" {
		return errors.New("job id is required")
	}
	if !json.Valid(rec.Data) {
		return errors.New("job data is not valid JSON")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.jobs[rec.ID]
	s.jobs[rec.ID] = jobDoc{Data: slices.Clone(rec.Data), UpdatedAt: rec.UpdatedAt}
	if err := writeJSONAtomic(s.jobsPath, s.jobs); err != nil {
		if had {
			s.jobs[rec.ID] = prev
		} else {
			delete(s.jobs, rec.ID)
		}
		return err
	}
	return nil
}

func (s *fileStore) DeleteJob(ctx context.Context, id string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, ok := s.jobs[id]
	if !ok {
		return nil
	}
	delete(s.jobs, id)
	if err := writeJSONAtomic(s.jobsPath, s.jobs); err != nil {
		s.jobs[id] = prev
		return err
	}
	return nil
}

func (s *fileStore) AppendRun(ctx context.Context, rec RunRecord) error {
	_ = ctx
	if rec.JobID == "" {
		return errors.New("run job id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runsFile == nil {
		return errors.New("runs journal closed")
	}
	if err := json.NewEncoder(s.runsFile).Encode(runLine{JobID: rec.JobID, At: rec.At, Data: rec.Data}); err != nil {
		return err
	}
	s.addRunLocked(rec)
	s.runWrites++
	if s.runWrites%compactEvery == 0 {
		if err := s.compactRunsLocked(); err != nil {
			s.log.Debug("runs compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) addRunLocked(rec RunRecord) {
	rec.Data = slices.Clone(rec.Data)
	list := append(s.runs[rec.JobID], rec)
	if over := len(list) - s.maxRuns; over > 0 {
		list = slices.Delete(list, 0, over)
	}
	s.runs[rec.JobID] = list
}

func (s *fileStore) LoadRuns(ctx context.Context) ([]RunRecord, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.allRunsLocked(), nil
}

func (s *fileStore) allRunsLocked() []RunRecord {
	var out []RunRecord
	for _, list := range s.runs {
		out = append(out, list...)
	}
	slices.SortStableFunc(out, func(a, b RunRecord) int { return a.At.Compare(b.At) })
	return out
}

func (s *fileStore) replayRuns() error {
	f, err := os.Open(s.runsPath)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var l runLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil || l.JobID == "" {
			continue
		}
		s.addRunLocked(RunRecord{JobID: l.JobID, At: l.At, Data: l.Data})
	}
	return sc.Err()
}

// compactRunsLocked rewrites the runs journal with only retained runs.
func (s *fileStore) compactRunsLocked() error {
	tmp := s.runsPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range s.allRunsLocked() {
		if err := enc.Encode(runLine{JobID: r.JobID, At: r.At, Data: r.Data}); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.runsPath); err != nil {
		return err
	}
	if s.runsFile != nil {
		_ = s.runsFile.Close()
	}
	s.runsFile, err = appendFile(s.runsPath)
	return err
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	_ = ctx
	if e.At.IsZero() {
		e.At = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return errors.New("audit file closed")
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dedupJournalFile == nil {
		return errors.New("dedup journal closed")
	}
	s.dedup[key] = ms
	if err := json.NewEncoder(s.dedupJournalFile).Encode(dedupRecord{Key: key, Until: ms}); err != nil {
		return err
	}
	s.dedupWrites++
	if s.dedupWrites%compactEvery == 0 {
		if err := s.compactDedupLocked(); err != nil {
			s.log.Debug("dedup compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[key]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactDedupLocked() error {
	pruneExpiredDedup(s.dedup, time.Now())
	if err := writeJSONAtomic(s.dedupSnapshotPath, s.dedup); err != nil {
		return err
	}
	if err := s.dedupJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err := s.dedupJournalFile.Seek(0, 2)
	return err
}

func readJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return nil
	}
	return json.Unmarshal(b, v)
}

func writeJSONAtomic(path string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func replayDedupJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r dedupRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.Key == "" {
			continue
		}
		out[r.Key] = r.Until
	}
	return sc.Err()
}

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	cut := now.UnixMilli()
	for k, v := range m {
		if v < cut {
			delete(m, k)
		}
	}
}
