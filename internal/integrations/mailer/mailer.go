// Package mailer delivers one-time verification codes over SMTP.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	gosmtp "net/smtp"
	"strconv"
	"strings"
	"time"
)

const defaultSubject = "Your verification code"

type Config struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
}

type sendMailFunc func(addr string, auth gosmtp.Auth, from string, to []string, msg []byte) error

type Mailer struct {
	cfg      Config
	fromAddr string
	sendMail sendMailFunc
	now      func() time.Time
}

func New(cfg Config) (*Mailer, error) {
	cfg.Host = strings.TrimSpace(cfg.Host)
	if cfg.Host == "" {
		return nil, errors.New("mailer: smtp host is not configured")
	}
	if cfg.Port < 1 {
		cfg.Port = 587
	}
	if strings.TrimSpace(cfg.Username) != "" && strings.TrimSpace(cfg.Password) == "" {
		return nil, errors.New("mailer: smtp password is required when username is set")
	}
	from, err := mail.ParseAddress(strings.TrimSpace(cfg.From))
	if err != nil {
		return nil, fmt.Errorf("mailer: invalid sender: %w", err)
	}
	if strings.TrimSpace(cfg.Subject) == "" {
		cfg.Subject = defaultSubject
	}
	cfg.From = from.String()
	return &Mailer{
		cfg:      cfg,
		fromAddr: from.Address,
		sendMail: gosmtp.SendMail,
		now:      time.Now,
	}, nil
}

// SendCode mails code to email. The SMTP client has no context support, so
// ctx is only checked before dialing.
func (m *Mailer) SendCode(ctx context.Context, email, code string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	to, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return fmt.Errorf("mailer: invalid recipient: %w", err)
	}

	headers := []string{
		"From: " + sanitizeHeader(m.cfg.From),
		"To: " + sanitizeHeader(to.Address),
		"Subject: " + sanitizeHeader(m.cfg.Subject),
		"Date: " + m.now().UTC().Format(time.RFC1123Z),
		"MIME-Version: 1.0",
		"Content-Type: text/plain; charset=UTF-8",
	}
	body := fmt.Sprintf("Your verification code is %s\r\n\r\nIt expires in 10 minutes. If you did not request it, ignore this email.\r\n", code)
	msg := strings.Join(headers, "\r\n") + "\r\n\r\n" + body

	var auth gosmtp.Auth
	if strings.TrimSpace(m.cfg.Username) != "" {
		auth = gosmtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := m.cfg.Host + ":" + strconv.Itoa(m.cfg.Port)
	if err := m.sendMail(addr, auth, m.fromAddr, []string{to.Address}, []byte(msg)); err != nil {
		return fmt.Errorf("mailer: send: %w", err)
	}
	return nil
}

func sanitizeHeader(v string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(strings.TrimSpace(v))
}
