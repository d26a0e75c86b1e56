package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	gomail "github.com/wneessen/go-mail"
)

var ErrNotConfigured = errors.New("notify: smtp not configured")

// Sender delivers one rendered notification. Callers log failures; they never propagate.
type Sender interface {
	Send(ctx context.Context, recipient, templateKey string, vars map[string]any) error
}

type SMTPConfig struct {
	Host       string
	Port       int
	Username   string
	Password   string
	From       string
	SenderName string
}

type deliverFunc func(ctx context.Context, m *gomail.Msg) error

// SMTPSender upgrades to TLS via STARTTLS whenever the server offers it. The
// whole SMTP session, greeting included, is bounded by the caller's deadline.
type SMTPSender struct {
	cfg       SMTPConfig
	templates *Templates
	deliver   deliverFunc
}

func NewSMTPSender(cfg SMTPConfig, t *Templates) *SMTPSender {
	s := &SMTPSender{cfg: cfg, templates: t}
	s.deliver = s.dialAndSend
	return s
}

func (s *SMTPSender) Send(ctx context.Context, recipient, templateKey string, vars map[string]any) error {
	if s.cfg.Host == "" || s.cfg.From == "" {
		return ErrNotConfigured
	}
	subject, body, err := s.templates.Render(templateKey, vars)
	if err != nil {
		return err
	}

	m := gomail.NewMsg()
	if err := m.FromFormat(s.cfg.SenderName, s.cfg.From); err != nil {
		return fmt.Errorf("sender %q: %w", s.cfg.From, err)
	}
	if err := m.To(recipient); err != nil {
		return fmt.Errorf("recipient %q: %w", recipient, err)
	}
	m.Subject(subject)
	m.SetDate()
	m.SetBodyString(gomail.TypeTextHTML, body)

	if err := s.deliver(ctx, m); err != nil {
		return fmt.Errorf("smtp send to %s: %w", recipient, err)
	}
	return nil
}

func (s *SMTPSender) dialAndSend(ctx context.Context, m *gomail.Msg) error {
	timeout := 15 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	opts := []gomail.Option{
		gomail.WithPort(s.cfg.Port),
		gomail.WithTimeout(timeout),
		gomail.WithTLSPolicy(gomail.TLSOpportunistic),
		gomail.WithDialContextFunc(dialWithDeadline),
	}
	if s.cfg.Username != "" {
		opts = append(opts,
			gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
			gomail.WithUsername(s.cfg.Username),
			gomail.WithPassword(s.cfg.Password),
		)
	}
	c, err := gomail.NewClient(s.cfg.Host, opts...)
	if err != nil {
		return err
	}
	return c.DialAndSendWithContext(ctx, m)
}

// dialWithDeadline carries the context deadline onto the connection so a server
// that never answers cannot hold a worker past it.
func dialWithDeadline(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	return conn, nil
}
