package app

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eric_assistant/internal/config"
	"eric_assistant/internal/memory"
	"eric_assistant/internal/storage"
	"eric_assistant/pkg"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		UserID:    "eric",
		Store:     config.StoreConfig{Driver: config.DriverSQLite, Path: filepath.Join(dir, "db", "eric.db")},
		Redis:     config.RedisConfig{KeyPrefix: "context"},
		Session:   config.SessionConfig{DefaultTTL: time.Hour, SweepInterval: time.Minute},
		Scheduler: config.SchedulerConfig{Interval: 20 * time.Millisecond},
		Dialogue:  config.DialogueConfig{HistorySize: 50, Picker: config.PickerRoundRobin, Seed: 1},
		NLU:       config.NLUConfig{Provider: config.ProviderKeyword, LexiconPath: filepath.Join(dir, "missing.yaml")},
		Export:    config.ExportConfig{Dir: filepath.Join(dir, "export")},
	}
}

type voice struct {
	mu    sync.Mutex
	lines []string
}

func (v *voice) Say(_ context.Context, text string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.lines = append(v.lines, text)
	return nil
}

func (v *voice) said() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.lines...)
}

type staticAuthenticator struct{ score float64 }

func (a staticAuthenticator) Authenticate(context.Context, []byte) (pkg.Identity, error) {
	return pkg.Identity{Name: "eric", Score: a.score}, nil
}

type scriptedModel struct{ reply string }

func (m scriptedModel) Generate(context.Context, []*schema.Message, ...model.Option) (*schema.Message, error) {
	return schema.AssistantMessage(m.reply, nil), nil
}

func TestNewWiresKeywordPipeline(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t))
	require.NoError(t, err)
	defer a.Close()

	res := a.Engine.ProcessUtterance(ctx, "remember that my sister's birthday is in May", pkg.SourceText)
	require.False(t, res.Error, res.ErrorDetail)
	assert.Equal(t, "remember_fact", res.Intent)

	found, err := a.Memory.RetrieveMemories(ctx, memory.Query{Text: "sister"})
	require.NoError(t, err)
	assert.NotEmpty(t, found)
	assert.Nil(t, a.Gate)
}

func TestContextSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	a.Engine.ProcessUtterance(ctx, "hello there", pkg.SourceText)
	require.NoError(t, a.Close())

	b, err := New(ctx, cfg)
	require.NoError(t, err)
	defer b.Close()
	intent, ok := b.Context.GetString("last_intent")
	require.True(t, ok)
	assert.Equal(t, "greeting", intent)
}

func TestSchedulerDeliversThroughEngine(t *testing.T) {
	ctx := context.Background()
	sp := &voice{}
	cfg := testConfig(t)
	cfg.Store.Driver = config.DriverMemory

	a, err := New(ctx, cfg, WithSpeaker(sp))
	require.NoError(t, err)
	defer a.Close()

	got := make(chan string, 1)
	a.Engine.RegisterReminderCallback(func(_ context.Context, text string, _ pkg.Event) {
		select {
		case got <- text:
		default:
		}
	})

	_, err = a.Memory.StoreEvent(ctx, "dentist", time.Now().Add(30*time.Minute))
	require.NoError(t, err)
	require.NoError(t, a.Start(ctx))
	assert.Error(t, a.Start(ctx))

	select {
	case text := <-got:
		assert.Contains(t, text, "dentist")
	case <-time.After(2 * time.Second):
		t.Fatal("reminder was not delivered")
	}
	assert.NotEmpty(t, sp.said())
}

func TestExportWritesSnapshot(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	a, err := New(ctx, cfg)
	require.NoError(t, err)
	defer a.Close()

	a.Engine.ProcessUtterance(ctx, "remember that the wifi password is hunter2", pkg.SourceText)
	path, snap, err := a.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(cfg.Export.Dir, "eric.json"), path)

	back, err := storage.NewSnapshotWriter(cfg.Export.Dir).Read("eric")
	require.NoError(t, err)
	assert.Equal(t, snap.Stats.TotalMemories, back.Stats.TotalMemories)
	assert.Positive(t, back.Stats.TotalMemories)
}

func TestAuthenticatorEnablesGate(t *testing.T) {
	ctx := context.Background()
	a, err := New(ctx, testConfig(t), WithAuthenticator(staticAuthenticator{score: 0.9}))
	require.NoError(t, err)
	defer a.Close()

	require.NotNil(t, a.Gate)
	id, ok, err := a.Gate.Verify(ctx, []byte("img"))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "eric", id.Name)
}

func TestLLMProviderUsesInjectedModel(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.NLU.Provider = config.ProviderLLM
	cfg.NLU.APIKey = "test"

	a, err := New(ctx, cfg, WithChatModel(scriptedModel{reply: `("intent"<||>goodbye<||>0.95)##("emotion"<||>joy<||>0.8)##<|COMPLETE|>`}))
	require.NoError(t, err)
	defer a.Close()

	res := a.Engine.ProcessUtterance(ctx, "see you later", pkg.SourceText)
	assert.Equal(t, "goodbye", res.Intent)
	assert.Equal(t, "joy", res.Emotion)
}

func TestNewFailsOnBadStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "postgres"
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Redis.URL = "not-a-url"
	_, err = New(context.Background(), cfg)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, context.Canceled))
}
