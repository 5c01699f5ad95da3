package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// Dialer opens an authenticated session for a sender credential.
type Dialer interface {
	Dial(ctx context.Context, cred Credential) (Session, error)
}

// Session is one authenticated SMTP connection. A Session is used by a single
// goroutine at a time; the Pool guarantees that.
type Session interface {
	Verify(ctx context.Context) error
	Send(ctx context.Context, msg Message) error
	Reset() error
	Close() error
}

// TLSMode selects how the dialer secures the provider connection.
type TLSMode string

const (
	TLSImplicit TLSMode = "implicit"
	TLSStartTLS TLSMode = "starttls"
	TLSNone     TLSMode = "none"
)

// ParseTLSMode maps a configuration value onto a TLSMode.
func ParseTLSMode(value string) (TLSMode, error) {
	switch mode := TLSMode(strings.ToLower(strings.TrimSpace(value))); mode {
	case TLSImplicit, TLSStartTLS, TLSNone:
		return mode, nil
	case "":
		return TLSImplicit, nil
	default:
		return "", fmt.Errorf("unknown smtp tls mode %q", value)
	}
}

// SMTPDialer dials a submission server and authenticates with SASL PLAIN.
type SMTPDialer struct {
	Host      string
	Port      int
	TLSMode   TLSMode
	TLSConfig *tls.Config
	// LocalName is sent in EHLO. Empty keeps the go-smtp default.
	LocalName         string
	CommandTimeout    time.Duration
	SubmissionTimeout time.Duration
}

func (d *SMTPDialer) Dial(ctx context.Context, cred Credential) (Session, error) {
	addr := net.JoinHostPort(d.Host, strconv.Itoa(d.Port))

	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, &Error{Kind: KindConnect, Op: "dial", Err: err}
	}

	// Closing the socket is the only way to interrupt a go-smtp call, since
	// the client manages deadlines itself.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })

	client, err := d.handshake(conn)
	if err == nil {
		err = client.Auth(sasl.NewPlainClient("", cred.Email, cred.Secret))
		if err != nil {
			_ = client.Close()
			kind := kindOf(err)
			if kind == KindUnknown {
				kind = KindAuth
			}
			err = &Error{Kind: kind, Op: "auth", Err: err}
		}
	} else {
		_ = conn.Close()
		err = &Error{Kind: KindConnect, Op: "handshake", Err: err}
	}

	if !stop() {
		if err == nil {
			_ = client.Close()
		}
		return nil, &Error{Kind: KindConnect, Op: "dial", Err: ctx.Err()}
	}
	if err != nil {
		return nil, err
	}

	return &smtpSession{client: client, conn: conn}, nil
}

func (d *SMTPDialer) handshake(conn net.Conn) (*smtp.Client, error) {
	var (
		client *smtp.Client
		err    error
	)
	switch d.TLSMode {
	case TLSStartTLS:
		client, err = smtp.NewClientStartTLS(conn, d.tlsConfig())
		if err != nil {
			return nil, err
		}
	case TLSNone:
		client = smtp.NewClient(conn)
	default:
		client = smtp.NewClient(tls.Client(conn, d.tlsConfig()))
	}

	if d.CommandTimeout > 0 {
		client.CommandTimeout = d.CommandTimeout
	}
	if d.SubmissionTimeout > 0 {
		client.SubmissionTimeout = d.SubmissionTimeout
	}
	if d.LocalName != "" {
		if err := client.Hello(d.LocalName); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	return client, nil
}

func (d *SMTPDialer) tlsConfig() *tls.Config {
	if d.TLSConfig != nil {
		return d.TLSConfig
	}
	return &tls.Config{ServerName: d.Host, MinVersion: tls.VersionTLS12}
}

type smtpSession struct {
	client *smtp.Client
	conn   net.Conn

	mu     sync.Mutex
	broken bool
}

func (s *smtpSession) Verify(ctx context.Context) error {
	return s.do(ctx, "verify", s.client.Noop)
}

func (s *smtpSession) Send(ctx context.Context, msg Message) error {
	return s.do(ctx, "send", func() error {
		return s.client.SendMail(msg.From, msg.To, bytes.NewReader(msg.Raw))
	})
}

func (s *smtpSession) Reset() error {
	if s.isBroken() {
		return ErrConnClosed
	}
	return s.client.Reset()
}

func (s *smtpSession) Close() error {
	if s.isBroken() {
		return s.client.Close()
	}
	_ = s.conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := s.client.Quit(); err != nil {
		return s.client.Close()
	}
	return nil
}

func (s *smtpSession) do(ctx context.Context, op string, fn func() error) error {
	if s.isBroken() {
		return &Error{Kind: KindConnect, Op: op, Err: ErrConnClosed}
	}
	if err := ctx.Err(); err != nil {
		return &Error{Kind: KindConnect, Op: op, Err: err}
	}

	stop := context.AfterFunc(ctx, func() {
		s.markBroken()
		_ = s.conn.Close()
	})
	err := fn()
	if !stop() {
		return &Error{Kind: KindConnect, Op: op, Err: ctx.Err()}
	}
	if err != nil {
		cerr := classify(op, err)
		if KindOf(cerr) == KindConnect {
			s.markBroken()
		}
		return cerr
	}
	return nil
}

func (s *smtpSession) markBroken() {
	s.mu.Lock()
	s.broken = true
	s.mu.Unlock()
}

func (s *smtpSession) isBroken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.broken
}
