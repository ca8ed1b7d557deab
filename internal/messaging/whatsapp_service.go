package messaging

import (
	"context"
	"log/slog"
	"sync"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/whatsapp"
)

// WhatsAppService implements Service on the whatsmeow client.
type WhatsAppService struct {
	*pipes
	client      whatsapp.WhatsAppSender
	events      whatsapp.EventSource
	mu          sync.Mutex
	unsubscribe func()
}

var _ Service = (*WhatsAppService)(nil)

// NewWhatsAppService wraps client. Inbound events are only handled when the
// client is also a whatsapp.EventSource.
func NewWhatsAppService(client whatsapp.WhatsAppSender) *WhatsAppService {
	s := &WhatsAppService{pipes: newPipes("whatsapp"), client: client}
	if src, ok := client.(whatsapp.EventSource); ok {
		s.events = src
	} else {
		slog.Debug("NewWhatsAppService: client has no event source, inbound disabled")
	}
	return s
}

// Start subscribes to inbound messages and receipts.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.events == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unsubscribe != nil {
		return nil
	}
	s.unsubscribe = s.events.Subscribe(
		func(m models.Message) { s.emitMessage(m) },
		s.emitReceipt,
	)
	slog.Debug("WhatsAppService.Start: event handlers registered")
	return nil
}

// Stop unsubscribes and closes the channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	if s.unsubscribe != nil {
		s.unsubscribe()
		s.unsubscribe = nil
	}
	s.mu.Unlock()
	if s.close() {
		slog.Info("WhatsAppService.Stop: stopped")
	}
	return nil
}

// SendMessage sends text and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", to)
		return err
	}
	s.sent(to)
	return nil
}

// Reply sends the text rendering of res.
func (s *WhatsAppService) Reply(ctx context.Context, to string, res models.CommandResult) error {
	text := RenderText(res)
	if text == "" {
		return nil
	}
	return s.SendMessage(ctx, to, text)
}
