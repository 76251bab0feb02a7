package interfaces

import (
	"context"

	"github.com/ternarybob/farmd/internal/models"
)

// Notifier delivers job completion notices to the job's notified users.
// The transport (SMTP) lives behind this interface; the scheduler only
// triggers it.
type Notifier interface {
	NotifyJobComplete(ctx context.Context, job *models.Job, succeeded bool) error
}
