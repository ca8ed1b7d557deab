package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
)

// maxMessageBytes caps the body of an injected message.
const maxMessageBytes = 64 << 10

// messagesHandler runs an injected message through the dispatcher and
// returns the turn's result in the response body.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.messagesHandler invoked", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	defer r.Body.Close()

	var msg models.Message
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&msg); err != nil {
		slog.Warn("Server.messagesHandler: invalid JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	msg.ConversationID = strings.TrimSpace(msg.ConversationID)
	msg.From = strings.TrimSpace(msg.From)
	if msg.ConversationID == "" || msg.From == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation_id and from are required"))
		return
	}
	if msg.Transport == "" {
		msg.Transport = models.TransportHTTP
	}
	if msg.Time.IsZero() {
		msg.Time = s.now()
	}

	res, err := s.handler.Handle(r.Context(), msg)
	if errors.Is(err, messaging.ErrDuplicateMessage) {
		writeJSONResponse(w, http.StatusConflict, models.Error("Message already processed"))
		return
	}
	if err != nil {
		slog.Error("Server.messagesHandler: handle failed", "error", err, "conversationID", msg.ConversationID)
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Request cancelled"))
			return
		}
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to handle message"))
		return
	}
	slog.Debug("Server.messagesHandler: handled", "conversationID", msg.ConversationID, "outcome", res.Outcome)
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

// statesHandler lists every conversation-user pair with its dialog state.
func (s *Server) statesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if s.history == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Dialog history not available"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.history.ListAll()))
}

// tasksHandler lists the open tasks of one owner in one conversation.
func (s *Server) tasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONResponse(w, http.StatusMethodNotAllowed, models.Error("Method not allowed"))
		return
	}
	if s.tasks == nil {
		writeJSONResponse(w, http.StatusServiceUnavailable, models.Error("Task store not available"))
		return
	}
	q := r.URL.Query()
	conversationID, ownerID := q.Get("conversation_id"), q.Get("owner_id")
	if conversationID == "" || ownerID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("conversation_id and owner_id are required"))
		return
	}

	tasks, err := s.tasks.ListTasks(r.Context(), conversationID, ownerID)
	if err != nil {
		slog.Error("Server.tasksHandler: list failed", "error", err, "conversationID", conversationID)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list tasks"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(tasks))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().UTC().Format(time.RFC3339),
	}
	if s.history != nil {
		healthData["active_conversations"] = len(s.history.ListAll())
	}
	writeJSONResponse(w, http.StatusOK, models.Success(healthData))
}
