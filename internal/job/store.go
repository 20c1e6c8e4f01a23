package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	fileutil "bucketdrop/internal/file"
)

// Record is a finished job kept for the recent-downloads view.
type Record struct {
	State
	FinishedAt time.Time `json:"finishedAt"`
}

// HistoryStore persists finished jobs across restarts.
type HistoryStore interface {
	SaveRecord(ctx context.Context, rec Record) error
	LoadRecords(ctx context.Context) ([]Record, error)
}

type fileStore struct {
	dataDir string
}

// NewFileStore returns a HistoryStore writing one JSON file per finished job
// under dataDir/downloads.
func NewFileStore(dataDir string) HistoryStore {
	if dataDir == "" {
		dataDir = "data"
	}
	return &fileStore{dataDir: dataDir}
}

func (s *fileStore) downloadsDir() string {
	return filepath.Join(s.dataDir, "downloads")
}

func (s *fileStore) recordPath(jobID string) string {
	return filepath.Join(s.downloadsDir(), jobID+".json")
}

func (s *fileStore) SaveRecord(ctx context.Context, rec Record) error {
	if rec.JobID == "" {
		return fmt.Errorf("save record: empty job id")
	}
	if err := fileutil.EnsureDir(s.downloadsDir()); err != nil {
		return fmt.Errorf("ensure downloads dir: %w", err)
	}
	if err := fileutil.WriteJSONAtomic(s.recordPath(rec.JobID), rec); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (s *fileStore) LoadRecords(ctx context.Context) ([]Record, error) {
	entries, err := os.ReadDir(s.downloadsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read downloads dir: %w", err)
	}
	records := make([]Record, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.downloadsDir(), entry.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].FinishedAt.After(records[j].FinishedAt)
	})
	return records, nil
}
