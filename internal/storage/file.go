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

	logx "heraldbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <prefix>.deliveries.jsonl     (append-only JSON Lines)
//   - <prefix>.clicks.snapshot.json (periodic snapshot)
//   - <prefix>.clicks.journal.jsonl (append-only journal)
//
// The click journal is periodically compacted into the snapshot.
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	deliveryFile *os.File

	clickSnapshotPath string
	clickJournalFile  *os.File
	clicks            map[string]int64 // unix milli

	clickWrites int
}

type clickRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

type deliveryRecord struct {
	ID            string `json:"id"`
	Rule          string `json:"rule"`
	DestinationID int64  `json:"destination_id"`
	ContentRef    string `json:"content_ref"`
	SentAt        int64  `json:"sent_at"`
	Outcome       string `json:"outcome"`
	Reason        string `json:"reason,omitempty"`
	RetryCount    int    `json:"retry_count,omitempty"`
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

	deliveryPath := prefix + ".deliveries.jsonl"
	snapPath := prefix + ".clicks.snapshot.json"
	journalPath := prefix + ".clicks.journal.jsonl"

	df, err := os.OpenFile(deliveryPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	// Load clicks from snapshot + journal.
	clicks := map[string]int64{}
	_ = loadClickSnapshot(snapPath, clicks)
	_ = replayClickJournal(journalPath, clicks)

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = df.Close()
		return nil, err
	}

	return &fileStore{
		log:               log,
		deliveryFile:      df,
		clickSnapshotPath: snapPath,
		clickJournalFile:  jf,
		clicks:            clicks,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err1, err2 error
	if s.deliveryFile != nil {
		err1 = s.deliveryFile.Close()
		s.deliveryFile = nil
	}
	if s.clickJournalFile != nil {
		err2 = s.clickJournalFile.Close()
		s.clickJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

func (s *fileStore) AppendDelivery(ctx context.Context, row DeliveryRow) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deliveryFile == nil {
		return errors.New("delivery log closed")
	}
	rec := deliveryRecord{
		ID:            row.ID,
		Rule:          row.Rule,
		DestinationID: row.DestinationID,
		ContentRef:    row.ContentRef,
		SentAt:        row.SentAt.UnixMilli(),
		Outcome:       row.Outcome,
		Reason:        row.Reason,
		RetryCount:    row.RetryCount,
	}
	return json.NewEncoder(s.deliveryFile).Encode(rec)
}

func (s *fileStore) PutClick(ctx context.Context, key string, at time.Time) error {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	ms := at.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clickJournalFile == nil {
		return errors.New("click journal closed")
	}
	if _, ok := s.clicks[key]; ok {
		return nil
	}
	s.clicks[key] = ms

	enc := json.NewEncoder(s.clickJournalFile)
	if err := enc.Encode(clickRecord{Key: key, At: ms}); err != nil {
		return err
	}
	s.clickWrites++
	if s.clickWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("click compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) HasClick(ctx context.Context, key string) (bool, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.clicks[key]
	return ok, nil
}

func (s *fileStore) compactLocked() error {
	tmp := s.clickSnapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.clicks); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.clickSnapshotPath); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.clickJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.clickJournalFile.Seek(0, 2)
	return err
}

func loadClickSnapshot(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = v
	}
	return nil
}

func replayClickJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r clickRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = r.At
	}
	return s.Err()
}
