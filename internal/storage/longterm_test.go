package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eric_assistant/pkg"
)

func TestSnapshotWriteAndRead(t *testing.T) {
	w := NewSnapshotWriter(t.TempDir())

	snap := &Snapshot{
		UserID:     "u1",
		ExportedAt: base,
		Memories: []pkg.Memory{
			{ID: "a", Type: pkg.MemoryFact, Content: "likes tea", ImportanceScore: 2, CreatedAt: base},
			{ID: "b", Type: pkg.MemoryFact, Content: "likes jazz", ImportanceScore: 1, CreatedAt: base.Add(time.Hour)},
			{ID: "c", Type: pkg.MemoryConversation, Content: "User said: hi", ImportanceScore: 3, CreatedAt: base.Add(-time.Hour)},
		},
		UpcomingEvents: []pkg.Event{{ID: "e", Title: "dentist", EventDate: base}},
		EmotionPattern: pkg.EmotionPattern{{Emotion: "joy", AvgConfidence: 0.8, Count: 3}},
	}

	path, err := w.Write(snap)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, 3, snap.Stats.TotalMemories)
	assert.InDelta(t, 2.0, snap.Stats.AvgImportance, 1e-9)
	assert.Equal(t, []string{"fact", "conversation"}, snap.Stats.TopMemoryTypes)
	assert.True(t, snap.Stats.OldestMemory.Equal(base.Add(-time.Hour)))
	assert.True(t, snap.Stats.NewestMemory.Equal(base.Add(time.Hour)))

	loaded, err := w.Read("u1")
	require.NoError(t, err)
	assert.Len(t, loaded.Memories, 3)
	assert.Equal(t, "dentist", loaded.UpcomingEvents[0].Title)
	assert.Positive(t, loaded.Stats.FileSizeBytes)
}

func TestSnapshotReadMissing(t *testing.T) {
	w := NewSnapshotWriter(t.TempDir())
	snap, err := w.Read("nobody")
	require.NoError(t, err)
	assert.Empty(t, snap.Memories)

	_, err = w.Write(&Snapshot{})
	assert.Error(t, err)
}
