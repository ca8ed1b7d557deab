package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/messaging"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// MockHandler records handled messages and answers with a fixed result.
type MockHandler struct {
	Result   models.CommandResult
	Err      error
	Received []models.Message
}

func (m *MockHandler) Handle(ctx context.Context, msg models.Message) (models.CommandResult, error) {
	m.Received = append(m.Received, msg)
	return m.Result, m.Err
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestServer(h MessageHandler, history *chat.History, tasks store.TaskStore) http.Handler {
	return NewServer(h, history, tasks, WithClock(func() time.Time { return fixedNow })).Handler()
}

func createJSONRequest(t *testing.T, method, url string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to marshal request body: %v", err)
	}
	req := httptest.NewRequest(method, url, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func assertHTTPStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("Expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rr.Body.String(), err)
	}
	return body
}

func TestMessagesHandler(t *testing.T) {
	h := &MockHandler{Result: models.Choose("Pick one", "A", "B")}
	srv := newTestServer(h, nil, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, createJSONRequest(t, http.MethodPost, "/messages", map[string]string{
		"conversation_id": " c1 ",
		"from":            "u1",
		"text":            "/schedule",
	}))
	assertHTTPStatus(t, rr, http.StatusOK)

	body := decodeResponse(t, rr)
	if body["status"] != string(models.APIStatusOK) {
		t.Errorf("status = %v", body["status"])
	}
	result, _ := body["result"].(map[string]interface{})
	if result["response"] != string(models.ResponseMenu) || result["text"] != "Pick one" {
		t.Errorf("result = %+v", result)
	}

	if len(h.Received) != 1 {
		t.Fatalf("handled %d messages", len(h.Received))
	}
	got := h.Received[0]
	if got.ConversationID != "c1" || got.Transport != models.TransportHTTP || !got.Time.Equal(fixedNow) {
		t.Errorf("message not normalized: %+v", got)
	}
}

func TestMessagesHandlerErrors(t *testing.T) {
	valid := map[string]string{"conversation_id": "c1", "from": "u1", "text": "hi"}
	tests := []struct {
		name   string
		method string
		body   interface{}
		err    error
		want   int
	}{
		{"wrong method", http.MethodGet, valid, nil, http.StatusMethodNotAllowed},
		{"missing sender", http.MethodPost, map[string]string{"conversation_id": "c1"}, nil, http.StatusBadRequest},
		{"duplicate", http.MethodPost, valid, messaging.ErrDuplicateMessage, http.StatusConflict},
		{"dispatch failure", http.MethodPost, valid, errors.New("boom"), http.StatusInternalServerError},
		{"cancelled", http.MethodPost, valid, context.Canceled, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&MockHandler{Err: tt.err}, nil, nil)
			rr := httptest.NewRecorder()
			srv.ServeHTTP(rr, createJSONRequest(t, tt.method, "/messages", tt.body))
			assertHTTPStatus(t, rr, tt.want)
			if body := decodeResponse(t, rr); body["status"] != string(models.APIStatusError) {
				t.Errorf("status = %v", body["status"])
			}
		})
	}

	t.Run("invalid json", func(t *testing.T) {
		srv := newTestServer(&MockHandler{}, nil, nil)
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/messages", bytes.NewBufferString("{not json")))
		assertHTTPStatus(t, rr, http.StatusBadRequest)
	})
}

func TestStatesHandler(t *testing.T) {
	history := chat.NewHistory()
	history.PushState("c1", "u1", chat.State("creating-task"))
	srv := newTestServer(&MockHandler{}, history, nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/states", nil))
	assertHTTPStatus(t, rr, http.StatusOK)

	var body struct {
		Result []chat.Snapshot `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Result) != 1 || body.Result[0].State != "creating-task" || body.Result[0].UserID != "u1" {
		t.Errorf("states = %+v", body.Result)
	}

	rr = httptest.NewRecorder()
	newTestServer(&MockHandler{}, nil, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/states", nil))
	assertHTTPStatus(t, rr, http.StatusServiceUnavailable)
}

func TestTasksHandler(t *testing.T) {
	st := store.NewInMemoryStore()
	due := fixedNow.Add(24 * time.Hour)
	task := &models.Task{ConversationID: "c1", OwnerID: "u1", Name: "Pay rent", DueAt: &due}
	if err := st.CreateTask(context.Background(), task); err != nil {
		t.Fatalf("CreateTask error: %v", err)
	}
	srv := newTestServer(&MockHandler{}, nil, st)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tasks?conversation_id=c1&owner_id=u1", nil))
	assertHTTPStatus(t, rr, http.StatusOK)
	var body struct {
		Result []models.Task `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Result) != 1 || body.Result[0].Name != "Pay rent" {
		t.Errorf("tasks = %+v", body.Result)
	}

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/tasks?conversation_id=c1", nil))
	assertHTTPStatus(t, rr, http.StatusBadRequest)
}

func TestHealthHandler(t *testing.T) {
	srv := newTestServer(&MockHandler{}, chat.NewHistory(), nil)

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assertHTTPStatus(t, rr, http.StatusOK)
	result, _ := decodeResponse(t, rr)["result"].(map[string]interface{})
	if result["status"] != "healthy" || result["timestamp"] != "2026-03-01T09:00:00Z" {
		t.Errorf("health = %+v", result)
	}

	rr = httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assertHTTPStatus(t, rr, http.StatusMethodNotAllowed)
	if rr.Header().Get("Allow") != http.MethodGet {
		t.Errorf("Allow = %q", rr.Header().Get("Allow"))
	}
}

func TestTwilioWebhookMountedOnlyWhenConfigured(t *testing.T) {
	rr := httptest.NewRecorder()
	newTestServer(&MockHandler{}, nil, nil).ServeHTTP(rr, httptest.NewRequest(http.MethodPost, TwilioWebhookPath, nil))
	assertHTTPStatus(t, rr, http.StatusNotFound)
}

func TestRunStopsOnCancel(t *testing.T) {
	srv := NewServer(&MockHandler{}, nil, nil, WithAddr("127.0.0.1:0"))
	if srv.Addr() != "127.0.0.1:0" {
		t.Fatalf("Addr = %q", srv.Addr())
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
