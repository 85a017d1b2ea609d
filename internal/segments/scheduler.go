package segments

import (
	"context"

	"github.com/google/uuid"
)

// InlineScheduler recomputes immediately in the caller's goroutine. It is the
// default when no queue is configured, e.g. in the CLI.
type InlineScheduler struct {
	service *Service
}

// NewInlineScheduler returns a scheduler that calls svc.Recompute directly.
func NewInlineScheduler(svc *Service) InlineScheduler {
	return InlineScheduler{service: svc}
}

// ScheduleRecompute runs the recomputation and returns its error.
func (s InlineScheduler) ScheduleRecompute(ctx context.Context, storeID string, id uuid.UUID) error {
	_, err := s.service.Recompute(ctx, storeID, id)
	return err
}
