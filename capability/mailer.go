package capability

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Mail is an HTML message to a single recipient
type Mail struct {
	To      string
	Subject string
	HTML    string
}

// Receipt confirms the relay accepted a message
type Receipt struct {
	MessageID  string
	AcceptedAt time.Time
}

// DeliveryError wraps a failure to hand a message to the mail relay
type DeliveryError struct {
	Recipient string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver mail to %s: %v", e.Recipient, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Mailer delivers mail
type Mailer interface {
	Send(ctx context.Context, m Mail) (Receipt, error)
}

// SMTPConfig configures an SMTPMailer
type SMTPConfig struct {
	Addr     string // host:port of the relay
	From     string
	Username string
	Password string
}

// sendFunc matches smtp.SendMail
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPMailer sends HTML mail through an SMTP relay
type SMTPMailer struct {
	config SMTPConfig
	auth   smtp.Auth
	send   sendFunc
	now    func() time.Time
}

// NewSMTPMailer creates a mailer for the relay in config.
// PLAIN auth is used when a username is configured.
func NewSMTPMailer(config SMTPConfig) (*SMTPMailer, error) {
	if _, err := mail.ParseAddress(config.From); err != nil {
		return nil, fmt.Errorf("invalid sender address %q: %w", config.From, err)
	}
	host, _, err := net.SplitHostPort(config.Addr)
	if err != nil {
		return nil, fmt.Errorf("invalid smtp address %q: %w", config.Addr, err)
	}

	m := &SMTPMailer{config: config, send: smtp.SendMail, now: time.Now}
	if config.Username != "" {
		m.auth = smtp.PlainAuth("", config.Username, config.Password, host)
	}
	return m, nil
}

// Send delivers m. net/smtp has no context support, so ctx is only checked before dialing.
func (s *SMTPMailer) Send(ctx context.Context, m Mail) (Receipt, error) {
	if err := ctx.Err(); err != nil {
		return Receipt{}, &DeliveryError{Recipient: m.To, Err: err}
	}

	to, err := mail.ParseAddress(m.To)
	if err != nil {
		return Receipt{}, &DeliveryError{Recipient: m.To, Err: fmt.Errorf("invalid recipient: %w", err)}
	}
	if strings.ContainsAny(m.Subject, "\r\n") {
		return Receipt{}, &DeliveryError{Recipient: m.To, Err: errors.New("subject contains a line break")}
	}

	from, _ := mail.ParseAddress(s.config.From)
	receipt := Receipt{MessageID: messageID(from.Address), AcceptedAt: s.now().UTC()}
	msg := buildMessage(from.String(), to.String(), m, receipt)

	if err := s.send(s.config.Addr, s.auth, from.Address, []string{to.Address}, msg); err != nil {
		return Receipt{}, &DeliveryError{Recipient: m.To, Err: err}
	}
	return receipt, nil
}

func messageID(from string) string {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 {
		domain = from[at+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.New().String(), domain)
}

func buildMessage(from, to string, m Mail, r Receipt) []byte {
	var b bytes.Buffer
	header := func(name, value string) {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}
	header("From", from)
	header("To", to)
	header("Subject", mime.QEncoding.Encode("utf-8", m.Subject))
	header("Date", r.AcceptedAt.Format(time.RFC1123Z))
	header("Message-ID", r.MessageID)
	header("MIME-Version", "1.0")
	header("Content-Type", `text/html; charset="UTF-8"`)
	header("Content-Transfer-Encoding", "8bit")
	b.WriteString("\r\n")
	b.WriteString(m.HTML)
	b.WriteString("\r\n")
	return b.Bytes()
}
