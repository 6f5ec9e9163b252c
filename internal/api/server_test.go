package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eric_assistant/internal/dialogue"
	"eric_assistant/pkg"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeAssistant struct {
	mu        sync.Mutex
	lastText  string
	lastSrc   pkg.Source
	turnsAsk  int
	eventsErr error
	observers []dialogue.ReminderObserver
}

func (f *fakeAssistant) ProcessUtterance(_ context.Context, text string, source pkg.Source) pkg.ProcessResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastText, f.lastSrc = text, source
	return pkg.ProcessResult{Response: "Hello! How can I help you today?", Intent: "greeting", IntentConfidence: 0.9, Emotion: "neutral", Entities: map[string]string{}}
}

func (f *fakeAssistant) ConversationHistory(turnsBack int) []pkg.ConversationTurn {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.turnsAsk = turnsBack
	return []pkg.ConversationTurn{{UserInput: "hello", BotResponse: "hi", Intent: "greeting"}}
}

func (f *fakeAssistant) UpcomingEvents(context.Context) ([]pkg.Event, error) {
	if f.eventsErr != nil {
		return []pkg.Event{}, f.eventsErr
	}
	return []pkg.Event{{ID: "ev-1", Title: "dentist"}}, nil
}

func (f *fakeAssistant) EmotionPattern(context.Context) (pkg.EmotionPattern, error) {
	return pkg.EmotionPattern{{Emotion: "joy", AvgConfidence: 0.8, Count: 3}}, nil
}

func (f *fakeAssistant) RegisterReminderCallback(fn dialogue.ReminderObserver) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observers = append(f.observers, fn)
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.observers = nil
	}
}

func (f *fakeAssistant) deliver(text string, event pkg.Event) {
	f.mu.Lock()
	observers := append([]dialogue.ReminderObserver(nil), f.observers...)
	f.mu.Unlock()
	for _, fn := range observers {
		fn(context.Background(), text, event)
	}
}

type fakeVerifier struct {
	id  pkg.Identity
	ok  bool
	err error
	got []byte
}

func (v *fakeVerifier) Verify(_ context.Context, image []byte) (pkg.Identity, bool, error) {
	v.got = image
	return v.id, v.ok, v.err
}

type fakeLoop struct {
	mu      sync.Mutex
	running bool
	starts  int
	stops   int
	ctx     context.Context
}

func (l *fakeLoop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return dialogue.ErrLoopRunning
	}
	l.running, l.ctx = true, ctx
	l.starts++
	return nil
}

func (l *fakeLoop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.running = false
	l.stops++
}

func (l *fakeLoop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestProcessUtterance(t *testing.T) {
	a := &fakeAssistant{}
	h := NewServer(a).Handler()

	w := do(t, h, http.MethodPost, "/api/utterances", `{"text":"hello","source":"voice"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var res pkg.ProcessResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.Equal(t, "greeting", res.Intent)
	assert.Equal(t, "hello", a.lastText)
	assert.Equal(t, pkg.SourceVoice, a.lastSrc)

	w = do(t, h, http.MethodPost, "/api/utterances", `{"text":"hello"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, pkg.SourceText, a.lastSrc)
}

func TestProcessUtteranceRejectsBadInput(t *testing.T) {
	h := NewServer(&fakeAssistant{}).Handler()

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/utterances", `{"source":"text"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/utterances", `{"text":"hi","source":"smoke"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/utterances", `not json`).Code)
}

func TestHistory(t *testing.T) {
	a := &fakeAssistant{}
	h := NewServer(a).Handler()

	w := do(t, h, http.MethodGet, "/api/history", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 10, a.turnsAsk)
	assert.Contains(t, w.Body.String(), `"user_input":"hello"`)

	do(t, h, http.MethodGet, "/api/history?turns=3", "")
	assert.Equal(t, 3, a.turnsAsk)

	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/history?turns=zero", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodGet, "/api/history?turns=-1", "").Code)
}

func TestEventsAndEmotions(t *testing.T) {
	a := &fakeAssistant{}
	h := NewServer(a).Handler()

	w := do(t, h, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"title":"dentist"`)

	w = do(t, h, http.MethodGet, "/api/emotions", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"emotion":"joy"`)

	a.eventsErr = errors.New("disk unavailable")
	w = do(t, h, http.MethodGet, "/api/events", "")
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "disk unavailable")
}

func TestAuthenticate(t *testing.T) {
	image := base64.StdEncoding.EncodeToString([]byte("jpeg-bytes"))

	w := do(t, NewServer(&fakeAssistant{}).Handler(), http.MethodPost, "/api/auth", `{"image":"`+image+`"}`)
	assert.Equal(t, http.StatusNotFound, w.Code)

	v := &fakeVerifier{id: pkg.Identity{Name: "eric", Score: 0.93}, ok: true}
	h := NewServer(&fakeAssistant{}, WithVerifier(v)).Handler()

	w = do(t, h, http.MethodPost, "/api/auth", `{"image":"data:image/jpeg;base64,`+image+`"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []byte("jpeg-bytes"), v.got)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, true, body["authenticated"])
	assert.Equal(t, "eric", body["user"])

	v.ok = false
	w = do(t, h, http.MethodPost, "/api/auth", `{"image":"`+image+`"}`)
	assert.Contains(t, w.Body.String(), "Face not recognized")

	v.err = errors.New("camera offline")
	w = do(t, h, http.MethodPost, "/api/auth", `{"image":"`+image+`"}`)
	assert.Contains(t, w.Body.String(), "Authentication error: camera offline")

	w = do(t, h, http.MethodPost, "/api/auth", `{"image":"%%%"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	h := NewServer(&fakeAssistant{}).Handler()

	w := do(t, h, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	do(t, h, http.MethodGet, "/api/events", "")
	w = do(t, h, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "assistant_http_requests_total")
}

func TestReminderStream(t *testing.T) {
	a := &fakeAssistant{}
	s := NewServer(a)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/reminders"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return s.Hub().Len() == 1 }, 2*time.Second, 10*time.Millisecond)

	a.deliver("Reminder: dentist is scheduled for Tuesday, June 3 at 10:00 AM", pkg.Event{ID: "ev-1", Title: "dentist"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg ReminderMessage
	require.NoError(t, json.NewDecoder(bytes.NewReader(data)).Decode(&msg))
	assert.Equal(t, "reminder", msg.Type)
	assert.Equal(t, "ev-1", msg.Event.ID)
	assert.True(t, strings.HasPrefix(msg.Text, "Reminder: dentist"))

	s.Hub().Close()
	assert.Empty(t, a.observers)
	_, _, err = conn.ReadMessage()
	assert.Error(t, err, "closing the hub disconnects clients")
}

func TestListeningToggle(t *testing.T) {
	h := NewServer(&fakeAssistant{}).Handler()
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/listening/start", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodPost, "/api/listening/stop", "").Code)
	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodGet, "/api/listening", "").Code)

	loop := &fakeLoop{}
	h = NewServer(&fakeAssistant{}, WithListening(loop)).Handler()

	w := do(t, h, http.MethodPost, "/api/listening/start", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"listening":true`)
	assert.True(t, loop.Running())
	require.NotNil(t, loop.ctx)
	assert.NoError(t, loop.ctx.Err(), "the loop context survives the request")

	assert.Equal(t, http.StatusConflict, do(t, h, http.MethodPost, "/api/listening/start", "").Code)
	assert.Equal(t, 1, loop.starts)

	w = do(t, h, http.MethodGet, "/api/listening", "")
	assert.Contains(t, w.Body.String(), `"listening":true`)

	w = do(t, h, http.MethodPost, "/api/listening/stop", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"listening":false`)
	assert.False(t, loop.Running())

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/listening/start", "").Code)
	assert.Equal(t, 2, loop.starts)
}

func TestRunStopsListeningOnShutdown(t *testing.T) {
	loop := &fakeLoop{}
	s := NewServer(&fakeAssistant{}, WithListening(loop))
	require.NoError(t, loop.Start(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, "127.0.0.1:0") }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
	assert.False(t, loop.Running())
}
