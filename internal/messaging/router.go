package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/chat"
	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/store"
)

// DefaultHandleTimeout bounds one inbound message from dispatch to reply.
const DefaultHandleTimeout = 2 * time.Minute

// ErrDuplicateMessage is returned by Handle for a message ID already seen.
var ErrDuplicateMessage = errors.New("duplicate inbound message")

// Dispatcher is implemented by *command.Dispatcher.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg models.Message) (models.CommandResult, error)
}

// Router fans in messages from every registered service and replies on the
// service each came from. Messages of one conversation-user pair are handled
// one at a time in arrival order; different pairs run concurrently.
type Router struct {
	dispatcher Dispatcher
	dedup      store.DedupRepo
	timeout    time.Duration

	mu       sync.RWMutex
	services map[models.Transport]Service

	lanesMu  sync.Mutex
	lanes    map[chat.Key][]models.Message
	inflight sync.WaitGroup
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithDedup drops redelivered messages by transport message ID.
func WithDedup(repo store.DedupRepo) RouterOption {
	return func(r *Router) {
		r.dedup = repo
	}
}

// WithHandleTimeout overrides DefaultHandleTimeout.
func WithHandleTimeout(d time.Duration) RouterOption {
	return func(r *Router) {
		r.timeout = d
	}
}

// NewRouter creates a router around d.
func NewRouter(d Dispatcher, opts ...RouterOption) *Router {
	r := &Router{dispatcher: d, timeout: DefaultHandleTimeout, services: make(map[models.Transport]Service), lanes: make(map[chat.Key][]models.Message)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds the service for a transport. Register before Run.
func (r *Router) Register(t models.Transport, s Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[t] = s
}

// Service returns the service registered for t.
func (r *Router) Service(t models.Transport) (Service, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.services[t]
	return s, ok
}

// Handle dispatches one message and returns the result without sending it.
func (r *Router) Handle(ctx context.Context, msg models.Message) (models.CommandResult, error) {
	if r.dedup != nil && msg.ID != "" {
		fresh, err := r.dedup.RecordInbound(ctx, msg.ID, msg.ConversationID)
		if err != nil {
			// Losing dedup is better than losing the message.
			slog.Error("Router.Handle: dedup record failed", "error", err, "messageID", msg.ID)
		} else if !fresh {
			slog.Info("Router.Handle: duplicate dropped", "messageID", msg.ID, "conversationID", msg.ConversationID)
			return models.NoReply(), ErrDuplicateMessage
		}
	}

	res, err := r.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		return models.CommandResult{}, fmt.Errorf("dispatch %s: %w", msg.ConversationID, err)
	}

	if r.dedup != nil && msg.ID != "" {
		if err := r.dedup.MarkProcessed(ctx, msg.ID); err != nil {
			slog.Warn("Router.Handle: mark processed failed", "error", err, "messageID", msg.ID)
		}
	}
	return res, nil
}

// Deliver handles msg and sends the reply through the service of its
// transport.
func (r *Router) Deliver(ctx context.Context, msg models.Message) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	res, err := r.Handle(ctx, msg)
	if errors.Is(err, ErrDuplicateMessage) {
		return nil
	}
	if err != nil {
		return err
	}
	svc, ok := r.Service(msg.Transport)
	if !ok {
		return fmt.Errorf("no service for transport %q", msg.Transport)
	}
	if err := svc.Reply(ctx, msg.ConversationID, res); err != nil {
		return fmt.Errorf("reply to %s: %w", msg.ConversationID, err)
	}
	return nil
}

// Run consumes every registered service until ctx is done or all inbound
// channels are closed, then waits for in-flight messages.
func (r *Router) Run(ctx context.Context) error {
	r.mu.RLock()
	services := make(map[models.Transport]Service, len(r.services))
	for t, s := range r.services {
		services[t] = s
	}
	r.mu.RUnlock()

	var consumers sync.WaitGroup
	for t, s := range services {
		consumers.Add(2)
		go func() {
			defer consumers.Done()
			r.consume(ctx, t, s.Messages())
		}()
		go func() {
			defer consumers.Done()
			drainReceipts(ctx, t, s.Receipts())
		}()
	}
	consumers.Wait()
	r.inflight.Wait()
	slog.Info("Router.Run: stopped")
	return nil
}

func (r *Router) consume(ctx context.Context, t models.Transport, in <-chan models.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				return
			}
			if msg.Transport == "" {
				msg.Transport = t
			}
			r.enqueue(ctx, msg)
		}
	}
}

// enqueue appends msg to its key's lane and starts a worker for the lane
// if none is running.
func (r *Router) enqueue(ctx context.Context, msg models.Message) {
	key := chat.NewKey(msg.ConversationID, msg.From)
	r.lanesMu.Lock()
	queue, running := r.lanes[key]
	r.lanes[key] = append(queue, msg)
	r.lanesMu.Unlock()
	if running {
		return
	}
	r.inflight.Add(1)
	go func() {
		defer r.inflight.Done()
		// Replies may still be sent while shutting down.
		r.drainLane(context.WithoutCancel(ctx), key)
	}()
}

// drainLane delivers the lane's messages in order and removes the lane once
// it is empty.
func (r *Router) drainLane(ctx context.Context, key chat.Key) {
	for {
		r.lanesMu.Lock()
		queue := r.lanes[key]
		if len(queue) == 0 {
			delete(r.lanes, key)
			r.lanesMu.Unlock()
			return
		}
		msg := queue[0]
		r.lanes[key] = queue[1:]
		r.lanesMu.Unlock()

		if err := r.Deliver(ctx, msg); err != nil {
			slog.Error("Router.drainLane: message failed", "error", err, "transport", msg.Transport, "conversationID", msg.ConversationID)
		}
	}
}

func drainReceipts(ctx context.Context, t models.Transport, in <-chan models.Receipt) {
	for {
		select {
		case <-ctx.Done():
			return
		case rcpt, ok := <-in:
			if !ok {
				return
			}
			slog.Debug("Router.drainReceipts: receipt", "transport", t, "to", rcpt.To, "status", rcpt.Status)
		}
	}
}
