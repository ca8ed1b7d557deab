// Package api exposes TaskPipe over HTTP.
//
// It accepts injected chat messages on the http transport, lists live dialog
// state and open tasks for operators, reports health and, when the Twilio
// transport is active, receives Twilio's inbound webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// Default server settings.
const (
	DefaultAddr            = ":8080"
	DefaultShutdownTimeout = 10 * time.Second
	TwilioWebhookPath      = "/webhooks/twilio"
)

// MessageHandler runs one inbound message through the dispatcher.
type MessageHandler interface {
	Handle(ctx context.Context, msg models.Message) (models.CommandResult, error)
}

var _ MessageHandler = (*messaging.Router)(nil)

// Server is the TaskPipe HTTP API.
type Server struct {
	handler MessageHandler
	history *chat.History
	tasks   store.TaskStore
	twilio  http.HandlerFunc
	addr    string
	now     func() time.Time
	srv     *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(s *Server) {
		if addr != "" {
			s.addr = addr
		}
	}
}

// WithTwilioWebhook mounts the Twilio inbound webhook at TwilioWebhookPath.
func WithTwilioWebhook(svc *messaging.TwilioService) Option {
	return func(s *Server) {
		if svc != nil {
			s.twilio = svc.TwilioWebhookHandler
		}
	}
}

// WithClock overrides the clock used in health responses.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.now = now
	}
}

// NewServer builds a Server. history and tasks may be nil, in which case the
// matching endpoints answer 503.
func NewServer(handler MessageHandler, history *chat.History, tasks store.TaskStore, opts ...Option) *Server {
	s := &Server{
		handler: handler,
		history: history,
		tasks:   tasks,
		addr:    DefaultAddr,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return s.addr
}

// Handler returns the routed endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/messages", s.messagesHandler)
	mux.HandleFunc("/states", s.statesHandler)
	mux.HandleFunc("/tasks", s.tasksHandler)
	mux.HandleFunc("/healthz", s.healthHandler)
	if s.twilio != nil {
		mux.HandleFunc(TwilioWebhookPath, s.twilio)
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server.Run: listening", "addr", s.addr, "twilioWebhook", s.twilio != nil)
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		slog.Error("Server.Run: listener failed", "error", err, "addr", s.addr)
		return fmt.Errorf("api server on %s: %w", s.addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server.Run: shutdown failed", "error", err)
		return fmt.Errorf("api server shutdown: %w", err)
	}
	slog.Info("Server.Run: stopped")
	return nil
}
