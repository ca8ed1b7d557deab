// Package messaging connects chat transports to the command dispatcher.
//
// Every transport is wrapped in a Service that turns inbound traffic into
// models.Message values and renders models.CommandResult replies in the
// transport's own way. The Router consumes the inbound channels of all
// registered services.
package messaging

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// Constants for service configuration
const (
	// DefaultChannelBufferSize defines the buffer size of receipt and message channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds how long an emit waits on a full channel
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// Service defines a pluggable message transport.
type Service interface {
	// SendMessage sends plain text. Reminders use it directly.
	SendMessage(ctx context.Context, to string, body string) error

	// Reply renders a command result for the transport and sends it.
	Reply(ctx context.Context, to string, res models.CommandResult) error

	// Start begins background processing (event handlers, polling).
	Start(ctx context.Context) error

	// Stop stops background processing and closes the channels.
	Stop() error

	// Receipts returns a channel of delivery events.
	Receipts() <-chan models.Receipt

	// Messages returns a channel of inbound messages.
	Messages() <-chan models.Message
}

// pipes holds the channels every service exposes. Emits hold the read lock
// so Stop can close the channels without racing a send.
type pipes struct {
	name     string
	receipts chan models.Receipt
	messages chan models.Message
	mu       sync.RWMutex
	stopped  bool
}

func newPipes(name string) *pipes {
	return &pipes{
		name:     name,
		receipts: make(chan models.Receipt, DefaultChannelBufferSize),
		messages: make(chan models.Message, DefaultChannelBufferSize),
	}
}

func (p *pipes) isStopped() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stopped
}

func (p *pipes) emitReceipt(r models.Receipt) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	select {
	case p.receipts <- r:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emitReceipt: channel blocked, dropping receipt", "service", p.name, "to", r.To)
	}
}

func (p *pipes) emitMessage(m models.Message) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		slog.Warn("messaging.emitMessage: service stopped, dropping message", "service", p.name, "from", m.From)
		return false
	}
	select {
	case p.messages <- m:
		return true
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("messaging.emitMessage: channel blocked, dropping message", "service", p.name, "from", m.From)
		return false
	}
}

// close reports false when the pipes were already closed.
func (p *pipes) close() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.stopped = true
	close(p.receipts)
	close(p.messages)
	return true
}

func (p *pipes) Receipts() <-chan models.Receipt {
	return p.receipts
}

func (p *pipes) Messages() <-chan models.Message {
	return p.messages
}

func (p *pipes) sent(to string) {
	p.emitReceipt(models.Receipt{To: to, Status: models.MessageStatusSent, Time: time.Now().Unix()})
}
