package outreach

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/google/uuid"

	"cold-bot/config"
	"cold-bot/models"
)

// EmailSender delivers one rendered message to one address.
type EmailSender interface {
	SendEmail(ctx context.Context, to string, msg models.Message) error
	Name() string
}

// NewEmailSender returns the sender for the configured provider.
func NewEmailSender(ctx context.Context, cfg config.EmailConfig) (EmailSender, error) {
	switch cfg.Provider {
	case "", "smtp":
		return NewSMTPSender(cfg), nil
	case "ses":
		return NewSESSender(ctx, cfg)
	}
	return nil, &models.ConfigError{Field: "email.provider", Reason: fmt.Sprintf("unknown provider %q", cfg.Provider)}
}

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPSender sends plain-text mail through an authenticated SMTP relay.
// STARTTLS is negotiated by net/smtp when the server offers it.
type SMTPSender struct {
	host     string
	port     int
	username string
	password string
	from     string
	fromName string
	sendMail sendMailFunc
}

func NewSMTPSender(cfg config.EmailConfig) *SMTPSender {
	username := cfg.Username
	if username == "" {
		username = cfg.From
	}
	return &SMTPSender{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: username,
		password: cfg.Password,
		from:     cfg.From,
		fromName: cfg.FromName,
		sendMail: smtp.SendMail,
	}
}

func (s *SMTPSender) Name() string { return "smtp" }

func (s *SMTPSender) SendEmail(ctx context.Context, to string, msg models.Message) error {
	if s.host == "" {
		return fmt.Errorf("%w: smtp host not configured", models.ErrChannelSend)
	}

	var auth smtp.Auth
	if s.password != "" {
		auth = smtp.PlainAuth("", s.username, s.password, s.host)
	}
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	body := s.buildMessage(to, msg)

	// net/smtp has no context support; the send is abandoned, not aborted,
	// when ctx ends first.
	done := make(chan error, 1)
	go func() {
		done <- s.sendMail(addr, auth, s.from, []string{to}, body)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("%w: smtp: %v", models.ErrChannelSend, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: smtp: %v", models.ErrChannelSend, ctx.Err())
	}
}

func (s *SMTPSender) buildMessage(to string, msg models.Message) []byte {
	var b bytes.Buffer
	if s.fromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", mime.QEncoding.Encode("utf-8", s.fromName), s.from)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", s.from)
	}
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Subject))
	fmt.Fprintf(&b, "Message-ID: <%s@cold-bot>\r\n", uuid.NewString())
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n")
	b.WriteString("Content-Transfer-Encoding: 8bit\r\n")
	b.WriteString("\r\n")
	b.WriteString(msg.Body)
	return b.Bytes()
}
