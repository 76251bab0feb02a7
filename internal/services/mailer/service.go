// -----------------------------------------------------------------------
// Mailer Service - job completion notices over SMTP
// -----------------------------------------------------------------------

package mailer

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/farmd/internal/common"
	"github.com/ternarybob/farmd/internal/models"
)

// Service sends job completion notifications to a job's notified users. An
// empty SMTP host disables sending entirely; the scheduler keeps working
// without mail. Implements interfaces.Notifier.
type Service struct {
	config *common.MailConfig
	logger arbor.ILogger
}

// NewService creates a new mailer service
func NewService(config *common.MailConfig, logger arbor.ILogger) *Service {
	return &Service{
		config: config,
		logger: logger,
	}
}

// NotifyJobComplete mails every notified user of the job.
func (s *Service) NotifyJobComplete(ctx context.Context, job *models.Job, succeeded bool) error {
	if s.config.Host == "" {
		s.logger.Debug().Int64("job_id", int64(job.ID)).Msg("Mail disabled, skipping completion notice")
		return nil
	}
	if len(job.NotifiedUsers) == 0 {
		return nil
	}

	outcome := "finished successfully"
	if !succeeded {
		outcome = "failed"
	}
	subject := fmt.Sprintf("Job %q %s", job.Title, outcome)

	var body strings.Builder
	fmt.Fprintf(&body, "Job %d (%s) has %s.\r\n", job.ID, job.Title, outcome)
	if job.TimeStarted != nil && job.TimeFinished != nil {
		fmt.Fprintf(&body, "Runtime: %s\r\n", job.TimeFinished.Sub(*job.TimeStarted))
	}
	if job.OutputLink != "" {
		fmt.Fprintf(&body, "Output: %s\r\n", job.OutputLink)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		s.config.From,
		strings.Join(job.NotifiedUsers, ", "),
		subject,
		body.String())

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	if err := smtp.SendMail(addr, nil, s.config.From, job.NotifiedUsers, []byte(msg)); err != nil {
		return fmt.Errorf("failed to send completion mail: %w", err)
	}

	s.logger.Info().
		Int64("job_id", int64(job.ID)).
		Int("recipients", len(job.NotifiedUsers)).
		Bool("succeeded", succeeded).
		Msg("Completion notice sent")
	return nil
}
