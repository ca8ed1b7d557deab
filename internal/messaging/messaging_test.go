package messaging

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
	"github.com/BTreeMap/TaskPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/TaskPipe/internal/whatsapp"
)

func TestRenderText(t *testing.T) {
	tests := []struct {
		name string
		res  models.CommandResult
		want string
	}{
		{"text", models.Ask("Name?"), "Name?"},
		{"none", models.NoReply(), ""},
		{"menu", models.Choose("Recurring?", "Yes", "No"), "Recurring?\n1. Yes\n2. No"},
		{"command menu", models.Choose("Which one?", "/done Milk", "/done Mail"), "Which one?\n/done Milk\n/done Mail"},
		{"media", models.Media("Song", "https://example.com/s"), "Song\nhttps://example.com/s"},
		{"animation without text", models.Animation("", "https://example.com/a.gif"), "https://example.com/a.gif"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := RenderText(tt.res); got != tt.want {
				t.Errorf("RenderText = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWhatsAppService(t *testing.T) {
	client := whatsapp.NewMockClient()
	svc := NewWhatsAppService(client)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	client.Deliver(models.Message{ConversationID: "1555", Text: "/tasks"})
	select {
	case m := <-svc.Messages():
		if m.Text != "/tasks" {
			t.Errorf("inbound = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message not forwarded")
	}

	if err := svc.Reply(context.Background(), "1555", models.Choose("Pick", "A", "B")); err != nil {
		t.Fatalf("Reply error: %v", err)
	}
	if sent := client.Messages(); len(sent) != 1 || sent[0].Body != "Pick\n1. A\n2. B" {
		t.Errorf("sent = %+v", sent)
	}
	if r := <-svc.Receipts(); r.Status != models.MessageStatusSent || r.To != "1555" {
		t.Errorf("receipt = %+v", r)
	}

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}
	if err := svc.SendMessage(context.Background(), "1555", "late"); !errors.Is(err, ErrServiceStopped) {
		t.Errorf("expected ErrServiceStopped, got %v", err)
	}
	if err := svc.Stop(); err != nil {
		t.Errorf("second Stop error: %v", err)
	}
}

func TestTwilioServiceReply(t *testing.T) {
	client := twiliowhatsapp.NewMockClient()
	svc := NewTwilioService(client)
	ctx := context.Background()

	_ = svc.Reply(ctx, "+1555", models.Media("Song", "https://example.com/s"))
	_ = svc.Reply(ctx, "+1555", models.Completed("done"))
	_ = svc.Reply(ctx, "+1555", models.NoReply())

	sent := client.Messages()
	if len(sent) != 2 {
		t.Fatalf("expected 2 sends, got %+v", sent)
	}
	if sent[0].MediaURL != "https://example.com/s" || sent[0].Body != "Song" {
		t.Errorf("media send = %+v", sent[0])
	}
	if sent[1].Body != "done" || sent[1].MediaURL != "" {
		t.Errorf("text send = %+v", sent[1])
	}
}

type MockValidator struct {
	OK bool
}

func (m MockValidator) ValidateWebhook(fullURL string, form url.Values, signature string) bool {
	return m.OK
}

func postWebhook(svc *TwilioService, form url.Values) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/twilio/webhook", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	svc.TwilioWebhookHandler(rec, req)
	return rec
}

func TestTwilioWebhookHandler(t *testing.T) {
	svc := NewTwilioService(twiliowhatsapp.NewMockClient())
	form := url.Values{"From": {"whatsapp:+15551112222"}, "Body": {"/help"}, "MessageSid": {"SM1"}}

	rec := postWebhook(svc, form)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	m := <-svc.Messages()
	if m.ConversationID != "+15551112222" || m.Text != "/help" || m.Transport != models.TransportTwilio {
		t.Errorf("inbound = %+v", m)
	}

	if rec := postWebhook(svc, url.Values{"From": {"whatsapp:+1"}}); rec.Code != http.StatusBadRequest {
		t.Errorf("missing body status = %d", rec.Code)
	}

	guarded := NewTwilioService(twiliowhatsapp.NewMockClient(), WithSignatureValidation(MockValidator{OK: false}, "https://example.com/twilio/webhook"))
	if rec := postWebhook(guarded, form); rec.Code != http.StatusForbidden {
		t.Errorf("bad signature status = %d", rec.Code)
	}
}

type MockTelegram struct {
	mu         sync.Mutex
	Texts      []string
	Keyboards  [][]string
	Animations []string
	inbound    chan models.Message
}

func (m *MockTelegram) SendMessage(ctx context.Context, to string, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Texts = append(m.Texts, body)
	return nil
}

func (m *MockTelegram) SendKeyboard(ctx context.Context, to string, body string, options []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Keyboards = append(m.Keyboards, options)
	return nil
}

func (m *MockTelegram) SendAnimation(ctx context.Context, to string, url string, caption string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Animations = append(m.Animations, url)
	return nil
}

func (m *MockTelegram) Listen(ctx context.Context, fn func(models.Message)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-m.inbound:
			fn(msg)
		}
	}
}

func TestTelegramService(t *testing.T) {
	client := &MockTelegram{inbound: make(chan models.Message, 1)}
	svc := NewTelegramService(client)
	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("Start error: %v", err)
	}

	client.inbound <- models.Message{ConversationID: "42", Text: "/start"}
	select {
	case m := <-svc.Messages():
		if m.Text != "/start" {
			t.Errorf("inbound = %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound message not forwarded")
	}

	_ = svc.Reply(ctx, "42", models.Choose("Recurring?", "Yes", "No"))
	_ = svc.Reply(ctx, "42", models.Animation("Hi", "https://example.com/hi.gif"))
	_ = svc.Reply(ctx, "42", models.Completed("ok"))
	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop error: %v", err)
	}

	if len(client.Keyboards) != 1 || strings.Join(client.Keyboards[0], ",") != "Yes,No" {
		t.Errorf("keyboards = %+v", client.Keyboards)
	}
	if len(client.Animations) != 1 || len(client.Texts) != 1 || client.Texts[0] != "ok" {
		t.Errorf("animations = %+v texts = %+v", client.Animations, client.Texts)
	}
}

type MockDispatcher struct {
	mu    sync.Mutex
	Calls []models.Message
	Reply models.CommandResult
	Err   error
	// Before runs ahead of recording each call when set.
	Before func(models.Message)
}

func (m *MockDispatcher) Dispatch(ctx context.Context, msg models.Message) (models.CommandResult, error) {
	if m.Before != nil {
		m.Before(msg)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, msg)
	return m.Reply, m.Err
}

func (m *MockDispatcher) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Calls)
}

func TestRouterHandleDropsDuplicates(t *testing.T) {
	d := &MockDispatcher{Reply: models.Completed("hi")}
	r := NewRouter(d, WithDedup(store.NewInMemoryStore()))
	msg := models.Message{ID: "m1", ConversationID: "c1", From: "u1", Text: "hello"}

	res, err := r.Handle(context.Background(), msg)
	if err != nil || res.Text != "hi" {
		t.Fatalf("first Handle = %+v, %v", res, err)
	}
	if _, err := r.Handle(context.Background(), msg); !errors.Is(err, ErrDuplicateMessage) {
		t.Errorf("expected ErrDuplicateMessage, got %v", err)
	}
	if d.count() != 1 {
		t.Errorf("dispatcher called %d times", d.count())
	}

	// Messages without an ID cannot be deduplicated.
	msg.ID = ""
	_, _ = r.Handle(context.Background(), msg)
	_, _ = r.Handle(context.Background(), msg)
	if d.count() != 3 {
		t.Errorf("dispatcher called %d times", d.count())
	}
}

func TestRouterHandleWrapsDispatchError(t *testing.T) {
	d := &MockDispatcher{Err: context.Canceled}
	r := NewRouter(d)
	if _, err := r.Handle(context.Background(), models.Message{ConversationID: "c1"}); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestRouterRunRepliesOnOriginTransport(t *testing.T) {
	d := &MockDispatcher{Reply: models.Completed("pong")}
	client := whatsapp.NewMockClient()
	wa := NewWhatsAppService(client)
	_ = wa.Start(context.Background())

	r := NewRouter(d)
	r.Register(models.TransportWhatsApp, wa)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	client.Deliver(models.Message{ConversationID: "1555", From: "1555", Text: "ping", Transport: models.TransportWhatsApp})

	deadline := time.After(2 * time.Second)
	for len(client.Messages()) == 0 {
		select {
		case <-deadline:
			t.Fatal("no reply sent")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; err != nil {
		t.Errorf("Run error: %v", err)
	}
	if sent := client.Messages(); sent[0].To != "1555" || sent[0].Body != "pong" {
		t.Errorf("sent = %+v", sent)
	}
}

func runRouter(t *testing.T, r *Router) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	return func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run error: %v", err)
		}
	}
}

func waitForCalls(t *testing.T, d *MockDispatcher, n int) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for d.count() < n {
		select {
		case <-deadline:
			t.Fatalf("dispatched %d of %d messages", d.count(), n)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRouterRunKeepsArrivalOrderPerKey(t *testing.T) {
	const perKey = 150
	d := &MockDispatcher{Reply: models.NoReply(), Before: func(msg models.Message) {
		// Uneven handling times reorder anything that is not serialized.
		if n, _ := strconv.Atoi(msg.Text); n%7 == 0 {
			time.Sleep(time.Millisecond)
		}
	}}
	svc := NewLogService()
	r := NewRouter(d)
	r.Register(models.TransportHTTP, svc)
	stop := runRouter(t, r)

	for i := 0; i < perKey; i++ {
		for _, from := range []string{"alice", "bob"} {
			if !svc.Inject(models.Message{ConversationID: "group", From: from, Text: strconv.Itoa(i)}) {
				t.Fatalf("Inject %d from %s failed", i, from)
			}
		}
	}
	waitForCalls(t, d, 2*perKey)
	stop()

	next := map[string]int{}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, msg := range d.Calls {
		if msg.Text != strconv.Itoa(next[msg.From]) {
			t.Fatalf("%s: got message %s, want %d", msg.From, msg.Text, next[msg.From])
		}
		next[msg.From]++
	}
}

func TestRouterRunDoesNotBlockOtherKeys(t *testing.T) {
	release := make(chan struct{})
	d := &MockDispatcher{Reply: models.NoReply(), Before: func(msg models.Message) {
		if msg.From == "slow" {
			<-release
		}
	}}
	svc := NewLogService()
	r := NewRouter(d)
	r.Register(models.TransportHTTP, svc)
	stop := runRouter(t, r)

	svc.Inject(models.Message{ConversationID: "c1", From: "slow", Text: "first"})
	svc.Inject(models.Message{ConversationID: "c1", From: "fast", Text: "second"})
	waitForCalls(t, d, 1)
	d.mu.Lock()
	got := d.Calls[0].From
	d.mu.Unlock()
	if got != "fast" {
		t.Errorf("first dispatched message came from %q", got)
	}
	close(release)
	waitForCalls(t, d, 2)
	stop()
}

func TestRouterDeliverUnknownTransport(t *testing.T) {
	r := NewRouter(&MockDispatcher{Reply: models.Completed("x")})
	if err := r.Deliver(context.Background(), models.Message{ConversationID: "c1", Transport: models.TransportTelegram}); err == nil {
		t.Error("expected error for unregistered transport")
	}
}

func TestLogService(t *testing.T) {
	svc := NewLogService()
	if !svc.Inject(models.Message{Text: "hi"}) {
		t.Fatal("Inject failed")
	}
	if m := <-svc.Messages(); m.Text != "hi" {
		t.Errorf("inbound = %+v", m)
	}
	if err := svc.Reply(context.Background(), "c1", models.Completed("ok")); err != nil {
		t.Errorf("Reply error: %v", err)
	}
	_ = svc.Stop()
	if svc.Inject(models.Message{Text: "late"}) {
		t.Error("Inject after Stop succeeded")
	}
}
