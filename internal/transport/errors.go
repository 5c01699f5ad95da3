package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"

	"github.com/emersion/go-smtp"
)

// Kind classifies a transport failure.
type Kind int

const (
	// KindUnknown covers message-level failures such as a rejected recipient.
	KindUnknown Kind = iota
	// KindAuth means the provider rejected the sender credential. It is
	// terminal for the sender until the credential changes.
	KindAuth
	// KindConnect covers socket errors and timeouts. The caller may retry.
	KindConnect
)

func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth"
	case KindConnect:
		return "connect"
	default:
		return "unknown"
	}
}

var (
	ErrPoolClosed        = errors.New("transport: pool closed")
	ErrConnClosed        = errors.New("transport: connection closed")
	ErrInvalidCredential = errors.New("transport: sender email and secret are required")
)

// Error is the typed failure returned by Pool and SMTPDialer.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Terminal reports whether the failure makes the sender credential unusable.
func (e *Error) Terminal() bool {
	return e.Kind == KindAuth
}

// Retryable reports whether retrying the same operation later may succeed.
func (e *Error) Retryable() bool {
	return e.Kind == KindConnect
}

// KindOf returns the classification of err. Errors that are not *Error are
// classified on the fly.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return kindOf(err)
}

// IsTerminal reports whether err carries a terminal auth classification.
func IsTerminal(err error) bool {
	return err != nil && KindOf(err) == KindAuth
}

func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return err
	}
	return &Error{Kind: kindOf(err), Op: op, Err: err}
}

func kindOf(err error) Kind {
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		switch smtpErr.Code {
		case 530, 534, 535, 538:
			return KindAuth
		case 421:
			return KindConnect
		}
		if smtpErr.EnhancedCode == (smtp.EnhancedCode{5, 7, 8}) {
			return KindAuth
		}
		return KindUnknown
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindConnect
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindConnect
	}
	if errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, ErrConnClosed) {
		return KindConnect
	}
	return KindUnknown
}
