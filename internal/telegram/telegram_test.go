package telegram

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mymmrac/telego"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

type MockBot struct {
	Messages   []*telego.SendMessageParams
	Animations []*telego.SendAnimationParams
	Updates    chan telego.Update
}

func (m *MockBot) SendMessage(ctx context.Context, params *telego.SendMessageParams) (*telego.Message, error) {
	m.Messages = append(m.Messages, params)
	return &telego.Message{}, nil
}

func (m *MockBot) SendAnimation(ctx context.Context, params *telego.SendAnimationParams) (*telego.Message, error) {
	m.Animations = append(m.Animations, params)
	return &telego.Message{}, nil
}

func (m *MockBot) UpdatesViaLongPolling(ctx context.Context, params *telego.GetUpdatesParams, options ...telego.LongPollingOption) (<-chan telego.Update, error) {
	return m.Updates, nil
}

func TestSendMessage(t *testing.T) {
	bot := &MockBot{}
	c := &Client{bot: bot}
	if err := c.SendMessage(context.Background(), "42", "hello"); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if len(bot.Messages) != 1 || bot.Messages[0].ChatID.ID != 42 || bot.Messages[0].Text != "hello" {
		t.Errorf("unexpected params %+v", bot.Messages)
	}
	if err := c.SendMessage(context.Background(), "not-a-chat", "x"); !errors.Is(err, ErrInvalidChat) {
		t.Errorf("expected ErrInvalidChat, got %v", err)
	}
}

func TestSendKeyboard(t *testing.T) {
	bot := &MockBot{}
	c := &Client{bot: bot}
	if err := c.SendKeyboard(context.Background(), "42", "Pick one", []string{"Yes", "No"}); err != nil {
		t.Fatalf("SendKeyboard error: %v", err)
	}
	kb, ok := bot.Messages[0].ReplyMarkup.(*telego.ReplyKeyboardMarkup)
	if !ok {
		t.Fatalf("reply markup is %T", bot.Messages[0].ReplyMarkup)
	}
	if len(kb.Keyboard) != 2 || kb.Keyboard[0][0].Text != "Yes" || kb.Keyboard[1][0].Text != "No" || !kb.OneTimeKeyboard {
		t.Errorf("unexpected keyboard %+v", kb)
	}
}

func TestSendAnimation(t *testing.T) {
	bot := &MockBot{}
	c := &Client{bot: bot}
	if err := c.SendAnimation(context.Background(), "-100", "https://example.com/hi.gif", "Welcome"); err != nil {
		t.Fatalf("SendAnimation error: %v", err)
	}
	p := bot.Animations[0]
	if p.ChatID.ID != -100 || p.Animation.URL != "https://example.com/hi.gif" || p.Caption != "Welcome" {
		t.Errorf("unexpected params %+v", p)
	}
}

func TestListen(t *testing.T) {
	bot := &MockBot{Updates: make(chan telego.Update, 3)}
	bot.Updates <- telego.Update{Message: &telego.Message{MessageID: 7, Date: 100, Chat: telego.Chat{ID: 42}, From: &telego.User{ID: 9}, Text: "/tasks"}}
	bot.Updates <- telego.Update{Message: &telego.Message{MessageID: 8, Chat: telego.Chat{ID: 42}, From: &telego.User{ID: 1, IsBot: true}, Text: "bot"}}
	bot.Updates <- telego.Update{}
	close(bot.Updates)

	var got []models.Message
	c := &Client{bot: bot}
	if err := c.Listen(context.Background(), func(m models.Message) { got = append(got, m) }); err != nil {
		t.Fatalf("Listen error: %v", err)
	}
	want := models.Message{ID: "42:7", ConversationID: "42", From: "9", Text: "/tasks", Time: time.Unix(100, 0), Transport: models.TransportTelegram}
	if len(got) != 1 || got[0] != want {
		t.Errorf("got %+v, want [%+v]", got, want)
	}
}

func TestNewClientRequiresToken(t *testing.T) {
	t.Setenv("TELEGRAM_BOT_TOKEN", "")
	if _, err := NewClient(); !errors.Is(err, ErrTokenNotSet) {
		t.Errorf("expected ErrTokenNotSet, got %v", err)
	}
}
