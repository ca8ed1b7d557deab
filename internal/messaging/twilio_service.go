package messaging

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/BTreeMap/TaskPipe/internal/models"
	"github.com/BTreeMap/TaskPipe/internal/twiliowhatsapp"
)

// WebhookValidator checks Twilio request signatures. *twiliowhatsapp.Client
// implements it.
type WebhookValidator interface {
	ValidateWebhook(fullURL string, form url.Values, signature string) bool
}

// TwilioService implements Service on the Twilio REST API. Inbound messages
// arrive through TwilioWebhookHandler.
type TwilioService struct {
	*pipes
	client    twiliowhatsapp.TwilioWhatsAppSender
	validator WebhookValidator
	publicURL string
	now       func() time.Time
}

var _ Service = (*TwilioService)(nil)

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook requests whose X-Twilio-Signature
// does not match publicURL, the address Twilio is configured to call.
func WithSignatureValidation(v WebhookValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator, s.publicURL = v, publicURL
	}
}

// NewTwilioService wraps client.
func NewTwilioService(client twiliowhatsapp.TwilioWhatsAppSender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{pipes: newPipes("twilio"), client: client, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start is a no-op; Twilio pushes to the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes the channels.
func (s *TwilioService) Stop() error {
	s.close()
	return nil
}

// SendMessage sends text and emits a sent receipt.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		return err
	}
	s.sent(to)
	return nil
}

// Reply attaches media and animations natively and flattens the rest.
func (s *TwilioService) Reply(ctx context.Context, to string, res models.CommandResult) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	switch {
	case res.Response == models.ResponseNone:
		return nil
	case (res.Response == models.ResponseMedia || res.Response == models.ResponseAnimation) && res.MediaURL != "":
		if err := s.client.SendMedia(ctx, to, res.Text, res.MediaURL); err != nil {
			return err
		}
		s.sent(to)
		return nil
	default:
		return s.SendMessage(ctx, to, RenderText(res))
	}
}

// TwilioWebhookHandler accepts Twilio's inbound message webhook and emits
// the message on Messages.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: bad form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}
	if s.validator != nil && !s.validator.ValidateWebhook(s.publicURL, r.PostForm, r.Header.Get("X-Twilio-Signature")) {
		slog.Warn("TwilioService.TwilioWebhookHandler: signature mismatch", "remote", r.RemoteAddr)
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msg, err := twiliowhatsapp.ParseInbound(r.PostForm, s.now())
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: rejected", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	if !s.emitMessage(msg) {
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}
	slog.Debug("TwilioService.TwilioWebhookHandler: message accepted", "from", msg.From)

	// Replies go out through the REST API, so the TwiML answer stays empty.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("<Response></Response>"))
}
