package api

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"eric_assistant/internal/dialogue"
	"eric_assistant/internal/metrics"
	"eric_assistant/pkg"
)

const defaultHistoryTurns = 10

// Assistant is the dialogue surface the HTTP API exposes
type Assistant interface {
	ProcessUtterance(ctx context.Context, text string, source pkg.Source) pkg.ProcessResult
	ConversationHistory(turnsBack int) []pkg.ConversationTurn
	UpcomingEvents(ctx context.Context) ([]pkg.Event, error)
	EmotionPattern(ctx context.Context) (pkg.EmotionPattern, error)
	RegisterReminderCallback(fn dialogue.ReminderObserver) (unsubscribe func())
}

// Verifier checks a face image
type Verifier interface {
	Verify(ctx context.Context, image []byte) (pkg.Identity, bool, error)
}

// Listening is a command loop the UI can switch on and off
type Listening interface {
	Start(ctx context.Context) error
	Stop()
	Running() bool
}

// Server serves the assistant over HTTP and websockets
type Server struct {
	assistant Assistant
	verifier  Verifier
	listening Listening
	hub       *Hub
	router    *gin.Engine
	log       zerolog.Logger
}

// Option configures a Server
type Option func(*Server)

// WithVerifier enables POST /api/auth
func WithVerifier(v Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithListening enables POST /api/listening/start and /api/listening/stop
func WithListening(l Listening) Option {
	return func(s *Server) { s.listening = l }
}

// WithLogger sets the server logger
func WithLogger(l zerolog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer builds the router and subscribes the reminder hub to the assistant
func NewServer(assistant Assistant, opts ...Option) *Server {
	s := &Server{
		assistant: assistant,
		log:       zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With().Str("component", "api").Logger()
	s.hub = NewHub(s.log)
	s.hub.unsubscribe = assistant.RegisterReminderCallback(s.hub.Notify)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(s.requestLogger())
	s.router = router
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "eric-assistant"})
	})
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))

	v := s.router.Group("/api")
	v.POST("/utterances", s.processUtterance)
	v.GET("/history", s.history)
	v.GET("/events", s.upcomingEvents)
	v.GET("/emotions", s.emotionPattern)
	v.POST("/auth", s.authenticate)
	v.GET("/listening", s.listeningStatus)
	v.POST("/listening/start", s.startListening)
	v.POST("/listening/stop", s.stopListening)

	s.router.GET("/ws/reminders", s.hub.Serve)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the reminder stream hub
func (s *Server) Hub() *Hub {
	return s.hub
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		s.stopLoop()
		s.hub.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.stopLoop()
	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.log.Info().Msg("http server stopped")
	return nil
}

type utteranceRequest struct {
	Text   string `json:"text" binding:"required"`
	Source string `json:"source"`
}

func (s *Server) processUtterance(c *gin.Context) {
	var req utteranceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	source := pkg.Source(strings.ToLower(req.Source))
	switch source {
	case "":
		source = pkg.SourceText
	case pkg.SourceText, pkg.SourceVoice:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "source must be text or voice"})
		return
	}

	c.JSON(http.StatusOK, s.assistant.ProcessUtterance(c.Request.Context(), req.Text, source))
}

func (s *Server) history(c *gin.Context) {
	turns := defaultHistoryTurns
	if raw := c.Query("turns"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "turns must be a positive integer"})
			return
		}
		turns = n
	}
	c.JSON(http.StatusOK, gin.H{"turns": s.assistant.ConversationHistory(turns)})
}

func (s *Server) upcomingEvents(c *gin.Context) {
	events, err := s.assistant.UpcomingEvents(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) emotionPattern(c *gin.Context) {
	pattern, err := s.assistant.EmotionPattern(c.Request.Context())
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load emotion pattern"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pattern": pattern})
}

type authRequest struct {
	// base64 image, optionally as a data URL
	Image string `json:"image" binding:"required"`
}

func (s *Server) authenticate(c *gin.Context) {
	if s.verifier == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "authentication is not configured"})
		return
	}

	var req authRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	encoded := req.Image
	if i := strings.Index(encoded, ","); strings.HasPrefix(encoded, "data:") && i >= 0 {
		encoded = encoded[i+1:]
	}
	image, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "image is not valid base64"})
		return
	}

	id, ok, err := s.verifier.Verify(c.Request.Context(), image)
	switch {
	case err != nil:
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "message": "Authentication error: " + err.Error()})
	case ok:
		c.JSON(http.StatusOK, gin.H{"authenticated": true, "user": id.Name, "confidence": id.Score})
	default:
		c.JSON(http.StatusOK, gin.H{"authenticated": false, "message": "Face not recognized"})
	}
}

func (s *Server) listeningStatus(c *gin.Context) {
	if s.listening == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "listening is not configured"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"listening": s.listening.Running()})
}

func (s *Server) startListening(c *gin.Context) {
	if s.listening == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "listening is not configured"})
		return
	}
	// the loop outlives the request
	err := s.listening.Start(context.WithoutCancel(c.Request.Context()))
	switch {
	case errors.Is(err, dialogue.ErrLoopRunning):
		c.JSON(http.StatusConflict, gin.H{"listening": true, "message": "Already listening"})
	case err != nil:
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start listening"})
	default:
		s.log.Info().Msg("listening started")
		c.JSON(http.StatusOK, gin.H{"listening": true, "message": "Listening started"})
	}
}

func (s *Server) stopListening(c *gin.Context) {
	if s.listening == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "listening is not configured"})
		return
	}
	s.listening.Stop()
	s.log.Info().Msg("listening stopped")
	c.JSON(http.StatusOK, gin.H{"listening": false, "message": "Listening stopped"})
}

func (s *Server) stopLoop() {
	if s.listening != nil {
		s.listening.Stop()
	}
}

// requestLogger logs each request and counts it by route template
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()

		for _, e := range c.Errors {
			s.log.Error().Err(e.Err).Str("method", c.Request.Method).Str("path", route).Msg("request error")
		}
		event := s.log.Debug()
		if status >= http.StatusBadRequest {
			event = s.log.Warn()
		}
		event.Str("method", c.Request.Method).
			Str("path", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("request completed")
	}
}
