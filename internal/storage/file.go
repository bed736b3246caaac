package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"remindbot/internal/reminder"
	logx "remindbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.snapshot.json (full state, rewritten on compaction)
//   - <prefix>.journal.jsonl (append-only, one record per write, fsynced)
//
// On open the snapshot is loaded and the journal replayed on top of it.
type fileStore struct {
	log logx.Logger

	mu           sync.Mutex
	snapshotPath string
	journal      *os.File
	nextID       int64
	items        map[int64]reminder.Reminder
	writes       int
	compactEvery int
	// torn is set when a failed append may have left a partial line that
	// could not be truncated away.
	torn bool
}

const (
	opPut    = "put"
	opDelete = "delete"
)

// fileRecord is the on-disk form of one reminder. Times use reminder.TimeLayout in UTC.
type fileRecord struct {
	Op        string `json:"op,omitempty"`
	ID        int64  `json:"id"`
	ChatID    int64  `json:"chat_id,omitempty"`
	DueAt     string `json:"due_at,omitempty"`
	Text      string `json:"text,omitempty"`
	Status    string `json:"status,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
	UpdatedAt string `json:"updated_at,omitempty"`
	Attempts  int    `json:"attempts,omitempty"`
}

type fileSnapshot struct {
	NextID    int64        `json:"next_id"`
	Reminders []fileRecord `json:"reminders"`
}

func toRecord(r reminder.Reminder) fileRecord {
	return fileRecord{
		Op:        opPut,
		ID:        r.ID,
		ChatID:    r.ChatID,
		DueAt:     reminder.FormatTime(r.DueAt),
		Text:      r.Text,
		Status:    string(r.Status),
		CreatedAt: reminder.FormatTime(r.CreatedAt),
		UpdatedAt: reminder.FormatTime(r.UpdatedAt),
		Attempts:  r.Attempts,
	}
}

func fromRecord(rec fileRecord) (reminder.Reminder, error) {
	st, err := reminder.ParseStatus(rec.Status)
	if err != nil {
		return reminder.Reminder{}, err
	}
	r := reminder.Reminder{ID: rec.ID, ChatID: rec.ChatID, Text: rec.Text, Status: st, Attempts: rec.Attempts}
	if r.DueAt, err = reminder.ParseTime(rec.DueAt); err != nil {
		return reminder.Reminder{}, fmt.Errorf("due_at: %w", err)
	}
	if r.CreatedAt, err = reminder.ParseTime(rec.CreatedAt); err != nil {
		return reminder.Reminder{}, fmt.Errorf("created_at: %w", err)
	}
	if rec.UpdatedAt != "" {
		if r.UpdatedAt, err = reminder.ParseTime(rec.UpdatedAt); err != nil {
			return reminder.Reminder{}, fmt.Errorf("updated_at: %w", err)
		}
	}
	return r, nil
}

func openFile(cfg Config, log logx.Logger) (*fileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, reminder.Wrap("open", err)
	}

	s := &fileStore{
		log:          log,
		snapshotPath: prefix + ".snapshot.json",
		nextID:       1,
		items:        map[int64]reminder.Reminder{},
		compactEvery: 500,
	}
	if err := s.loadSnapshot(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, reminder.Wrap("open", fmt.Errorf("load snapshot: %w", err))
	}

	journalPath := prefix + ".journal.jsonl"
	skipped, err := s.replay(journalPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, reminder.Wrap("open", fmt.Errorf("replay journal: %w", err))
	}
	if skipped > 0 {
		log.Warn("skipped unreadable journal records", logx.Int("count", skipped))
	}

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		return nil, reminder.Wrap("open", err)
	}
	s.journal = jf
	log.Info("file store opened", logx.String("path", prefix), logx.Int("reminders", len(s.items)))
	return s, nil
}

func (s *fileStore) loadSnapshot() error {
	f, err := os.Open(s.snapshotPath)
	if err != nil {
		return err
	}
	defer f.Close()
	var snap fileSnapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return err
	}
	for _, rec := range snap.Reminders {
		r, err := fromRecord(rec)
		if err != nil {
			return fmt.Errorf("reminder %d: %w", rec.ID, err)
		}
		s.items[r.ID] = r
	}
	s.nextID = max(s.nextID, snap.NextID)
	return nil
}

// replay applies journal records. A torn final line from a crash is skipped.
func (s *fileStore) replay(path string) (skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		var rec fileRecord
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil || rec.ID <= 0 {
			skipped++
			continue
		}
		switch rec.Op {
		case opDelete:
			delete(s.items, rec.ID)
		default:
			r, err := fromRecord(rec)
			if err != nil {
				skipped++
				continue
			}
			s.items[r.ID] = r
		}
		s.nextID = max(s.nextID, rec.ID+1)
	}
	return skipped, sc.Err()
}

func (s *fileStore) appendLocked(recs ...fileRecord) error {
	if s.journal == nil {
		return errClosed
	}
	var b strings.Builder
	if s.torn {
		b.WriteByte('\n')
	}
	enc := json.NewEncoder(&b)
	for _, rec := range recs {
		if err := enc.Encode(rec); err != nil {
			return err
		}
	}
	end, err := s.journal.Seek(0, io.SeekEnd)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(s.journal, b.String()); err != nil {
		s.rewindLocked(end)
		return err
	}
	s.torn = false
	if err := s.journal.Sync(); err != nil {
		return err
	}
	s.writes += len(recs)
	return nil
}

// rewindLocked drops whatever a failed append wrote past end.
func (s *fileStore) rewindLocked(end int64) {
	if err := s.journal.Truncate(end); err != nil {
		s.torn = true
		s.log.Warn("journal truncate after failed write", logx.Err(err))
		return
	}
	if _, err := s.journal.Seek(end, io.SeekStart); err != nil {
		s.torn = true
	}
}

// maybeCompactLocked must run after the in-memory state reflects the journal.
func (s *fileStore) maybeCompactLocked() {
	if s.writes < s.compactEvery {
		return
	}
	if err := s.compactLocked(); err != nil {
		s.log.Warn("journal compaction failed", logx.Err(err))
	}
}

func (s *fileStore) compactLocked() error {
	snap := fileSnapshot{NextID: s.nextID, Reminders: make([]fileRecord, 0, len(s.items))}
	all := make([]reminder.Reminder, 0, len(s.items))
	for _, r := range s.items {
		all = append(all, r)
	}
	sortReminders(all)
	for _, r := range all {
		snap.Reminders = append(snap.Reminders, toRecord(r))
	}

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
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
	if _, err := s.journal.Seek(0, io.SeekEnd); err != nil {
		return err
	}
	s.writes = 0
	return nil
}

func (s *fileStore) Insert(ctx context.Context, r reminder.Reminder) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = s.nextID
	r.Status = reminder.StatusPending
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	r.DueAt = r.DueAt.Truncate(time.Second)
	r.CreatedAt = r.CreatedAt.Truncate(time.Second)
	r.UpdatedAt = r.CreatedAt
	if err := s.appendLocked(toRecord(r)); err != nil {
		return 0, reminder.Wrap("insert", err)
	}
	s.nextID++
	s.items[r.ID] = r
	s.maybeCompactLocked()
	return r.ID, nil
}

func (s *fileStore) Get(ctx context.Context, id int64) (reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return reminder.Reminder{}, reminder.Wrap("get", errClosed)
	}
	r, ok := s.items[id]
	if !ok {
		return reminder.Reminder{}, reminder.ErrNotFound
	}
	return r, nil
}

func (s *fileStore) list(op string, keep func(reminder.Reminder) bool) ([]reminder.Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return nil, reminder.Wrap(op, errClosed)
	}
	var out []reminder.Reminder
	for _, r := range s.items {
		if keep(r) {
			out = append(out, r)
		}
	}
	sortReminders(out)
	return out, nil
}

func (s *fileStore) ListByChat(ctx context.Context, chatID int64, status reminder.Status) ([]reminder.Reminder, error) {
	return s.list("list_by_chat", func(r reminder.Reminder) bool {
		return r.ChatID == chatID && r.Status == status
	})
}

func (s *fileStore) ListDuePending(ctx context.Context, asOf time.Time) ([]reminder.Reminder, error) {
	return s.list("list_due", func(r reminder.Reminder) bool {
		return r.Status == reminder.StatusPending && !r.DueAt.After(asOf)
	})
}

func (s *fileStore) ListByStatus(ctx context.Context, status reminder.Status) ([]reminder.Reminder, error) {
	return s.list("list_by_status", func(r reminder.Reminder) bool { return r.Status == status })
}

func (s *fileStore) UpdateStatus(ctx context.Context, u reminder.Update) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return false, reminder.Wrap("update_status", errClosed)
	}

	r, ok := s.items[u.ID]
	if !ok || r.Status != u.Expected {
		return false, nil
	}
	r.Status = u.Next
	r.UpdatedAt = updatedAt(u).Truncate(time.Second)
	if u.Attempts > 0 {
		r.Attempts = u.Attempts
	}
	if err := s.appendLocked(toRecord(r)); err != nil {
		return false, reminder.Wrap("update_status", err)
	}
	s.items[u.ID] = r
	s.maybeCompactLocked()
	return true, nil
}

func (s *fileStore) PruneTerminal(ctx context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journal == nil {
		return 0, reminder.Wrap("prune", errClosed)
	}

	var recs []fileRecord
	for id, r := range s.items {
		if r.Status.Terminal() && r.UpdatedAt.Before(before) {
			recs = append(recs, fileRecord{Op: opDelete, ID: id})
		}
	}
	if len(recs) == 0 {
		return 0, nil
	}
	if err := s.appendLocked(recs...); err != nil {
		return 0, reminder.Wrap("prune", err)
	}
	for _, rec := range recs {
		delete(s.items, rec.ID)
	}
	s.maybeCompactLocked()
	return len(recs), nil
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
