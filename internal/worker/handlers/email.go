package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/nadmax/overseer/internal/task"
	"github.com/sendgrid/rest"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"go.uber.org/zap"
)

var (
	ErrMissingRecipient = errors.New("missing report recipient address")
	ErrMissingSender    = errors.New("missing report sender address")
)

// Sender is the part of the sendgrid client the reporter uses.
type Sender interface {
	Send(email *mail.SGMailV3) (*rest.Response, error)
}

type EmailConfig struct {
	APIKey      string
	FromName    string
	FromAddress string
	ToAddress   string
}

// EmailReporter mails terminal task results through SendGrid.
type EmailReporter struct {
	cfg    EmailConfig
	sender Sender
	log    *zap.Logger
}

func NewEmailReporter(cfg EmailConfig, logger *zap.Logger) (*EmailReporter, error) {
	return NewEmailReporterWithSender(cfg, sendgrid.NewSendClient(cfg.APIKey), logger)
}

func NewEmailReporterWithSender(cfg EmailConfig, sender Sender, logger *zap.Logger) (*EmailReporter, error) {
	if cfg.ToAddress == "" {
		return nil, ErrMissingRecipient
	}
	if cfg.FromAddress == "" {
		return nil, ErrMissingSender
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EmailReporter{cfg: cfg, sender: sender, log: logger.Named("email")}, nil
}

func (r *EmailReporter) Report(_ context.Context, t *task.Task) error {
	subject := fmt.Sprintf("[overseer] %s task %s %s", t.Type, task.ShortID(t.ID), t.Status)
	body := fmt.Sprintf("Source: %s\nAttempts: %d\n\n%s", t.Source, t.Attempts, resultText(t))

	from := mail.NewEmail(r.cfg.FromName, r.cfg.FromAddress)
	to := mail.NewEmail("", r.cfg.ToAddress)
	email := mail.NewSingleEmail(from, subject, to, body, "")

	response, err := r.sender.Send(email)
	if err != nil {
		return fmt.Errorf("failed to send report email: %w", err)
	}
	if response.StatusCode >= 400 {
		return fmt.Errorf("sendgrid error: status %d", response.StatusCode)
	}

	r.log.Info("report_email_sent",
		zap.String("task_id", task.ShortID(t.ID)),
		zap.String("to", r.cfg.ToAddress),
		zap.Int("status", response.StatusCode),
	)
	return nil
}
