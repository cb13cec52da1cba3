package persist

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"

	"pkt.systems/pslog"
	"pkt.systems/saslink/schema"
)

const (
	metaFile = "meta.json"
	codeFile = "code.sas"
	logFile  = "log.jsonl"
	htmlFile = "result.html"
)

// RunRecord describes one stored run.
type RunRecord struct {
	ID         string               `json:"id"`
	Profile    schema.ProfileName   `json:"profile"`
	Transport  schema.TransportKind `json:"transport"`
	SessionID  schema.SessionID     `json:"session_id,omitempty"`
	StartedAt  time.Time            `json:"started_at"`
	FinishedAt time.Time            `json:"finished_at"`
	Lines      int                  `json:"lines"`
	Title      string               `json:"title,omitempty"`
	HasHTML    bool                 `json:"has_html"`
	Error      string               `json:"error,omitempty"`
	ErrorKind  string               `json:"error_kind,omitempty"`
}

// Run is a stored run with its artifacts.
type Run struct {
	Record RunRecord
	Code   string
	Log    []schema.LogLine
	Result schema.RunResult
}

// Store persists run artifacts under one directory per run.
type Store struct {
	dir string
	log pslog.Logger
}

// NewStore constructs a persistent store at the given directory.
func NewStore(dir string) (*Store, error) {
	return NewStoreWithLogger(dir, nil)
}

// NewStoreWithLogger constructs a persistent store with logging.
func NewStoreWithLogger(dir string, logger pslog.Logger) (*Store, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("state directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	if logger != nil {
		logger = logger.With("runs_dir", dir)
	}
	return &Store{dir: dir, log: logger}, nil
}

// NewRunID returns a sortable run id.
func NewRunID(now time.Time) string {
	return now.UTC().Format("20060102T150405") + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Save writes the run. An empty record id is replaced by a new one, which is returned.
func (s *Store) Save(run Run) (string, error) {
	if run.Record.ID == "" {
		run.Record.ID = NewRunID(run.Record.StartedAt)
	}
	id := run.Record.ID
	run.Record.Lines = len(run.Log)
	run.Record.HasHTML = run.Result.HTML5 != ""
	if run.Record.Title == "" {
		run.Record.Title = run.Result.Title
	}
	dir := s.pathForRun(id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		s.warn("run save failed", id, err)
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, codeFile), []byte(run.Code)); err != nil {
		s.warn("run save failed", id, err)
		return "", err
	}
	var logBuf strings.Builder
	enc := json.NewEncoder(&logBuf)
	for _, line := range run.Log {
		if err := enc.Encode(line); err != nil {
			s.warn("run save failed", id, err)
			return "", err
		}
	}
	if err := writeFileAtomic(filepath.Join(dir, logFile), []byte(logBuf.String())); err != nil {
		s.warn("run save failed", id, err)
		return "", err
	}
	if run.Record.HasHTML {
		if err := writeFileAtomic(filepath.Join(dir, htmlFile), []byte(run.Result.HTML5)); err != nil {
			s.warn("run save failed", id, err)
			return "", err
		}
	}
	meta, err := json.MarshalIndent(run.Record, "", "  ")
	if err != nil {
		s.warn("run save failed", id, err)
		return "", err
	}
	if err := writeFileAtomic(filepath.Join(dir, metaFile), meta); err != nil {
		s.warn("run save failed", id, err)
		return "", err
	}
	if s.log != nil {
		s.log.Debug("run save ok", "run", id, "lines", run.Record.Lines, "html", run.Record.HasHTML)
	}
	return id, nil
}

// Load reads a stored run. The boolean is false when no run has that id.
func (s *Store) Load(id string) (Run, bool, error) {
	dir := s.pathForRun(id)
	record, err := readRecord(filepath.Join(dir, metaFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.log != nil {
				s.log.Debug("run load miss", "run", id)
			}
			return Run{}, false, nil
		}
		s.warn("run load failed", id, err)
		return Run{}, false, err
	}
	run := Run{Record: record}
	code, err := os.ReadFile(filepath.Join(dir, codeFile))
	if err != nil {
		s.warn("run load failed", id, err)
		return Run{}, false, err
	}
	run.Code = string(code)
	if run.Log, err = readLog(filepath.Join(dir, logFile)); err != nil {
		s.warn("run load failed", id, err)
		return Run{}, false, err
	}
	if record.HasHTML {
		html, err := os.ReadFile(filepath.Join(dir, htmlFile))
		if err != nil {
			s.warn("run load failed", id, err)
			return Run{}, false, err
		}
		run.Result = schema.RunResult{HTML5: string(html), Title: record.Title}
	}
	return run, true, nil
}

// List returns the stored run records, newest first. Unreadable entries are skipped.
func (s *Store) List() ([]RunRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	records := make([]RunRecord, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		record, err := readRecord(filepath.Join(s.dir, entry.Name(), metaFile))
		if err != nil {
			if s.log != nil {
				s.log.Debug("run list skip", "entry", entry.Name(), "err", err)
			}
			continue
		}
		records = append(records, record)
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].StartedAt.Equal(records[j].StartedAt) {
			return records[i].ID > records[j].ID
		}
		return records[i].StartedAt.After(records[j].StartedAt)
	})
	return records, nil
}

// HTMLPath returns the path of a stored run's HTML result.
func (s *Store) HTMLPath(id string) string {
	return filepath.Join(s.pathForRun(id), htmlFile)
}

func (s *Store) warn(msg, id string, err error) {
	if s.log != nil {
		s.log.Warn(msg, "run", id, "err", err)
	}
}

func readRecord(path string) (RunRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return RunRecord{}, err
	}
	var record RunRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return RunRecord{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return record, nil
}

func readLog(path string) ([]schema.LogLine, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	var lines []schema.LogLine
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var line schema.LogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			return nil, fmt.Errorf("decode log line %d: %w", len(lines)+1, err)
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// writeFileAtomic writes data to a temp file in the target directory and renames it into place.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (s *Store) pathForRun(id string) string {
	name := sanitize(id)
	if name == "" {
		name = "unknown"
	}
	return filepath.Join(s.dir, name)
}

func sanitize(value string) string {
	var b strings.Builder
	for _, r := range value {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			continue
		}
		if r == '-' || r == '_' {
			b.WriteRune(r)
			continue
		}
		b.WriteRune('_')
	}
	return b.String()
}
