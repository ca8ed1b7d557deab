package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// TelegramClient is implemented by *telegram.Client.
type TelegramClient interface {
	SendMessage(ctx context.Context, to string, body string) error
	SendKeyboard(ctx context.Context, to string, body string, options []string) error
	SendAnimation(ctx context.Context, to string, url string, caption string) error
	Listen(ctx context.Context, fn func(models.Message)) error
}

// TelegramService implements Service on the Telegram Bot API. Menus are
// reply keyboards and animations are sent natively.
type TelegramService struct {
	*pipes
	client TelegramClient
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

var _ Service = (*TelegramService)(nil)

// NewTelegramService wraps client.
func NewTelegramService(client TelegramClient) *TelegramService {
	return &TelegramService{pipes: newPipes("telegram"), client: client}
}

// Start begins long polling in the background.
func (s *TelegramService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return nil
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		err := s.client.Listen(ctx, func(m models.Message) { s.emitMessage(m) })
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("TelegramService.Start: polling stopped", "error", err)
		}
	}()
	return nil
}

// Stop ends polling and closes the channels.
func (s *TelegramService) Stop() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	s.close()
	return nil
}

// SendMessage sends text and emits a sent receipt.
func (s *TelegramService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		return err
	}
	s.sent(to)
	return nil
}

// Reply renders res with Telegram's native widgets.
func (s *TelegramService) Reply(ctx context.Context, to string, res models.CommandResult) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	var err error
	switch res.Response {
	case models.ResponseNone:
		return nil
	case models.ResponseMenu:
		err = s.client.SendKeyboard(ctx, to, res.Text, res.Options)
	case models.ResponseAnimation:
		if res.MediaURL == "" {
			err = s.client.SendMessage(ctx, to, res.Text)
		} else {
			err = s.client.SendAnimation(ctx, to, res.MediaURL, res.Text)
		}
	default:
		err = s.client.SendMessage(ctx, to, RenderText(res))
	}
	if err != nil {
		return err
	}
	s.sent(to)
	return nil
}
