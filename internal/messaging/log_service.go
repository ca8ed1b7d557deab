package messaging

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/TaskPipe/internal/models"
)

// LogService is the transport for HTTP-only deployments: replies travel in
// the HTTP response, and anything pushed later (reminders) is logged.
type LogService struct {
	*pipes
}

var _ Service = (*LogService)(nil)

func NewLogService() *LogService {
	return &LogService{pipes: newPipes("http")}
}

func (s *LogService) Start(ctx context.Context) error {
	return nil
}

func (s *LogService) Stop() error {
	s.close()
	return nil
}

func (s *LogService) SendMessage(ctx context.Context, to string, body string) error {
	if s.isStopped() {
		return ErrServiceStopped
	}
	slog.Info("LogService.SendMessage: outbound message", "to", to, "body", body)
	s.sent(to)
	return nil
}

func (s *LogService) Reply(ctx context.Context, to string, res models.CommandResult) error {
	if text := RenderText(res); text != "" {
		return s.SendMessage(ctx, to, text)
	}
	return nil
}

// Inject queues a message as if it had arrived on the transport.
func (s *LogService) Inject(m models.Message) bool {
	return s.emitMessage(m)
}
