// Package smtpsink is a local SMTP submission server that accepts mail,
// parses it and keeps it in memory. It backs development runs and the
// transport tests; nothing it receives is relayed.
package smtpsink

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"
)

const defaultDomain = "coldmail.local"

var (
	errInvalidCredentials = &smtp.SMTPError{
		Code:         535,
		EnhancedCode: smtp.EnhancedCode{5, 7, 8},
		Message:      "Authentication credentials invalid",
	}
	errMailboxUnavailable = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "Mailbox unavailable",
	}
)

type Config struct {
	Addr string
	// Users maps a login to its password. An empty map disables AUTH.
	Users map[string]string
	// Reject lists recipient addresses answered with 550.
	Reject []string
}

// Attachment is one attachment part of a captured message.
type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Message is a parsed message accepted by the sink.
type Message struct {
	ID          string
	From        string
	To          []string
	Subject     string
	HTMLBody    string
	TextBody    string
	Attachments []Attachment
	Raw         []byte
	ReceivedAt  time.Time
}

type Server struct {
	smtp    *smtp.Server
	backend *backend
	logger  *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	reject := make(map[string]struct{}, len(cfg.Reject))
	for _, addr := range cfg.Reject {
		reject[normalizeEmail(addr)] = struct{}{}
	}
	b := &backend{
		users:  cfg.Users,
		reject: reject,
		logger: logger,
	}

	server := smtp.NewServer(b)
	server.Addr = cfg.Addr
	server.Domain = defaultDomain
	server.AllowInsecureAuth = true
	server.ReadTimeout = 15 * time.Second
	server.WriteTimeout = 15 * time.Second
	server.MaxRecipients = 100
	server.MaxMessageBytes = 25 << 20

	return &Server{smtp: server, backend: b, logger: logger}
}

func (s *Server) ListenAndServe() error {
	s.logger.Info("smtp sink listening", "addr", s.smtp.Addr)
	if err := s.smtp.ListenAndServe(); err != nil && !errors.Is(err, smtp.ErrServerClosed) {
		return err
	}
	return nil
}

// Serve accepts connections on l until Close is called.
func (s *Server) Serve(l net.Listener) error {
	return s.smtp.Serve(l)
}

func (s *Server) Close() error {
	return s.smtp.Close()
}

// Messages returns a copy of every message accepted so far.
func (s *Server) Messages() []Message {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	out := make([]Message, len(s.backend.messages))
	copy(out, s.backend.messages)
	return out
}

// Sessions returns how many SMTP connections the sink has accepted.
func (s *Server) Sessions() int {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	return s.backend.sessions
}

type backend struct {
	users  map[string]string
	reject map[string]struct{}
	logger *slog.Logger

	mu       sync.Mutex
	messages []Message
	sessions int
}

func (b *backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	b.mu.Lock()
	b.sessions++
	b.mu.Unlock()
	return &session{backend: b}, nil
}

func (b *backend) authEnabled() bool {
	return len(b.users) > 0
}

func (b *backend) store(msg Message) {
	b.mu.Lock()
	b.messages = append(b.messages, msg)
	b.mu.Unlock()
}

type session struct {
	backend       *backend
	from          string
	to            []string
	authenticated bool
}

func (s *session) AuthMechanisms() []string {
	if s.backend.authEnabled() {
		return []string{sasl.Plain}
	}
	return nil
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if !s.backend.authEnabled() {
		return nil, errors.New("authentication not enabled")
	}
	if mech != sasl.Plain {
		return nil, errors.New("unsupported authentication mechanism")
	}
	return sasl.NewPlainServer(func(_, username, password string) error {
		want, ok := s.backend.users[username]
		if ok && password == want {
			s.authenticated = true
			return nil
		}
		return errInvalidCredentials
	}), nil
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	if s.backend.authEnabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	s.from = normalizeEmail(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.backend.authEnabled() && !s.authenticated {
		return smtp.ErrAuthRequired
	}
	addr := normalizeEmail(to)
	if _, rejected := s.backend.reject[addr]; rejected {
		return errMailboxUnavailable
	}
	s.to = append(s.to, addr)
	return nil
}

func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	msg, err := parseMessage(s.from, s.to, data)
	if err != nil {
		s.backend.logger.Warn("parse sink message", "error", err)
	}
	s.backend.store(msg)
	s.backend.logger.Info("sink accepted message", "id", msg.ID, "from", msg.From, "to", msg.To, "subject", msg.Subject)
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}

func parseMessage(envelopeFrom string, envelopeTo []string, raw []byte) (Message, error) {
	msg := Message{
		ID:         uuid.NewString(),
		From:       envelopeFrom,
		To:         append([]string(nil), envelopeTo...),
		Raw:        raw,
		ReceivedAt: time.Now(),
	}

	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return msg, err
	}
	if subject, err := reader.Header.Subject(); err == nil {
		msg.Subject = subject
	}
	if msg.From == "" {
		if list, err := reader.Header.AddressList("From"); err == nil && len(list) > 0 {
			msg.From = normalizeEmail(list[0].Address)
		}
	}

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return msg, err
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			mediaType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			switch {
			case strings.HasPrefix(mediaType, "text/html"):
				msg.HTMLBody += string(body)
			default:
				msg.TextBody += string(body)
			}
		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			contentType, _, _ := header.ContentType()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				continue
			}
			msg.Attachments = append(msg.Attachments, Attachment{
				Filename:    filename,
				ContentType: contentType,
				Data:        body,
			})
		}
	}
	return msg, nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}
