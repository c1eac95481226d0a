// Package notify delivers operator alerts by email and exposes the phone
// call hook used by the risk agent.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/perpmartin/pkg/retry"
	"github.com/sirupsen/logrus"
)

type Alert struct {
	Subject string
	Body    string
	To      []string
	HTML    bool
}

type Sender interface {
	Send(ctx context.Context, alert Alert) error
}

type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	Retries    int
	RetryDelay time.Duration
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Mailer sends alerts through an SMTP relay, retrying a fixed number of
// times with a fixed delay.
type Mailer struct {
	cfg      SMTPConfig
	sendMail sendMailFunc
	sleep    retry.SleepFunc
	logger   *logrus.Logger
}

func NewMailer(cfg SMTPConfig, logger *logrus.Logger) *Mailer {
	if cfg.Retries < 1 {
		cfg.Retries = 1
	}
	return &Mailer{
		cfg:      cfg,
		sendMail: smtp.SendMail,
		sleep:    retry.SleepContext,
		logger:   logger,
	}
}

func (m *Mailer) Send(ctx context.Context, alert Alert) error {
	if len(alert.To) == 0 {
		return nil
	}
	addr := net.JoinHostPort(m.cfg.Host, strconv.Itoa(m.cfg.Port))
	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	msg := m.compose(alert)

	var err error
	for attempt := 1; attempt <= m.cfg.Retries; attempt++ {
		if err = m.sendMail(addr, auth, m.cfg.From, alert.To, msg); err == nil {
			m.logger.WithFields(logrus.Fields{
				"subject": alert.Subject,
				"to":      alert.To,
			}).Info("Alert email sent")
			return nil
		}
		m.logger.WithFields(logrus.Fields{
			"subject": alert.Subject,
			"attempt": attempt,
		}).WithError(err).Warn("Alert email failed")
		if attempt < m.cfg.Retries {
			if serr := m.sleep(ctx, m.cfg.RetryDelay); serr != nil {
				return serr
			}
		}
	}
	return fmt.Errorf("send alert %q after %d attempts: %w", alert.Subject, m.cfg.Retries, err)
}

func (m *Mailer) compose(alert Alert) []byte {
	contentType := "text/plain"
	if alert.HTML {
		contentType = "text/html"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", m.cfg.From)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(alert.To, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", alert.Subject)
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n\r\n", contentType)
	b.WriteString(alert.Body)
	return []byte(b.String())
}
