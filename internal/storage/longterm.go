package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"

	"eric_assistant/pkg"
)

// Snapshot is a point-in-time JSON export of a user's long-term state
type Snapshot struct {
	UserID         string             `json:"user_id"`
	ExportedAt     time.Time          `json:"exported_at"`
	Memories       []pkg.Memory       `json:"memories"`
	UpcomingEvents []pkg.Event        `json:"upcoming_events"`
	EmotionPattern pkg.EmotionPattern `json:"emotion_pattern"`
	Stats          SnapshotStats      `json:"stats"`
}

// SnapshotStats provides statistics about exported memories
type SnapshotStats struct {
	TotalMemories  int       `json:"total_memories"`
	TotalEvents    int       `json:"total_events"`
	AvgImportance  float64   `json:"avg_importance"`
	OldestMemory   time.Time `json:"oldest_memory"`
	NewestMemory   time.Time `json:"newest_memory"`
	TopMemoryTypes []string  `json:"top_memory_types"`
	FileSizeBytes  int64     `json:"file_size_bytes"`
}

// SnapshotWriter stores snapshots as <baseDir>/<user>.json
type SnapshotWriter struct {
	baseDir string
}

// NewSnapshotWriter creates a file-based snapshot writer
func NewSnapshotWriter(baseDir string) *SnapshotWriter {
	return &SnapshotWriter{baseDir: baseDir}
}

func (w *SnapshotWriter) path(userID string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s.json", userID))
}

// Write computes stats and writes the snapshot, returning the file path
func (w *SnapshotWriter) Write(snap *Snapshot) (string, error) {
	if snap.UserID == "" {
		return "", fmt.Errorf("snapshot user id cannot be empty")
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	snap.Stats = ComputeSnapshotStats(snap.Memories, snap.UpcomingEvents)

	data, err := sonic.ConfigStd.MarshalIndent(snap, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	filePath := w.path(snap.UserID)
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	snap.Stats.FileSizeBytes = int64(len(data))
	return filePath, nil
}

// Read loads a previously written snapshot; a missing file yields an empty one
func (w *SnapshotWriter) Read(userID string) (*Snapshot, error) {
	filePath := w.path(userID)
	data, err := os.ReadFile(filePath)
	if os.IsNotExist(err) {
		return &Snapshot{UserID: userID, Memories: []pkg.Memory{}, UpcomingEvents: []pkg.Event{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}

	var snap Snapshot
	if err := sonic.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if info, err := os.Stat(filePath); err == nil {
		snap.Stats.FileSizeBytes = info.Size()
	}
	return &snap, nil
}

// ComputeSnapshotStats summarises memories and events
func ComputeSnapshotStats(memories []pkg.Memory, events []pkg.Event) SnapshotStats {
	stats := SnapshotStats{
		TotalMemories:  len(memories),
		TotalEvents:    len(events),
		TopMemoryTypes: []string{},
	}
	if len(memories) == 0 {
		return stats
	}

	total := 0.0
	typeCounts := make(map[string]int)
	stats.OldestMemory = memories[0].CreatedAt
	stats.NewestMemory = memories[0].CreatedAt
	for _, m := range memories {
		total += m.ImportanceScore
		typeCounts[string(m.Type)]++
		if m.CreatedAt.Before(stats.OldestMemory) {
			stats.OldestMemory = m.CreatedAt
		}
		if m.CreatedAt.After(stats.NewestMemory) {
			stats.NewestMemory = m.CreatedAt
		}
	}
	stats.AvgImportance = total / float64(len(memories))
	stats.TopMemoryTypes = topKeys(typeCounts, 3)
	return stats
}

func topKeys(counts map[string]int, limit int) []string {
	type kv struct {
		key   string
		count int
	}
	pairs := make([]kv, 0, len(counts))
	for k, v := range counts {
		pairs = append(pairs, kv{k, v})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].count != pairs[j].count {
			return pairs[i].count > pairs[j].count
		}
		return pairs[i].key < pairs[j].key
	})

	out := make([]string, 0, limit)
	for i := 0; i < len(pairs) && i < limit; i++ {
		out = append(out, pairs[i].key)
	}
	return out
}
