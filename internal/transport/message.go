package transport

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
)

// Credential is a decrypted sender account: the mailbox address and its app
// password. It is never persisted by this package.
type Credential struct {
	Email  string
	Secret string
}

// Attachment is a decoded file attached to every message of a campaign.
type Attachment struct {
	Filename    string
	ContentType string
	Content     []byte
}

// Envelope describes one personalized message before MIME encoding.
type Envelope struct {
	From        string
	FromName    string
	To          string
	Subject     string
	HTML        string
	Headers     map[string]string
	Attachments []Attachment
}

// Message is a fully encoded message ready for SMTP submission.
type Message struct {
	From string
	To   []string
	Raw  []byte
}

var (
	ErrNoSender    = errors.New("transport: message has no sender")
	ErrNoRecipient = errors.New("transport: message has no recipient")
)

// Compose encodes env as an RFC 5322 message. Without attachments the body is
// a single text/html part; with attachments it becomes multipart/mixed.
func Compose(env Envelope) (Message, error) {
	if strings.TrimSpace(env.From) == "" {
		return Message{}, ErrNoSender
	}
	if strings.TrimSpace(env.To) == "" {
		return Message{}, ErrNoRecipient
	}

	var h mail.Header
	h.SetDate(time.Now())
	h.SetAddressList("From", []*mail.Address{{Name: env.FromName, Address: env.From}})
	h.SetAddressList("To", []*mail.Address{{Address: env.To}})
	h.SetSubject(env.Subject)
	if err := h.GenerateMessageID(); err != nil {
		return Message{}, fmt.Errorf("generate message id: %w", err)
	}
	for key, value := range env.Headers {
		h.Set(key, value)
	}

	var buf bytes.Buffer
	if len(env.Attachments) == 0 {
		h.SetContentType("text/html", map[string]string{"charset": "utf-8"})
		w, err := mail.CreateSingleInlineWriter(&buf, h)
		if err != nil {
			return Message{}, fmt.Errorf("create message writer: %w", err)
		}
		if err := writeAndClose(w, []byte(env.HTML)); err != nil {
			return Message{}, fmt.Errorf("write body: %w", err)
		}
	} else {
		mw, err := mail.CreateWriter(&buf, h)
		if err != nil {
			return Message{}, fmt.Errorf("create message writer: %w", err)
		}
		if err := writeInlineHTML(mw, env.HTML); err != nil {
			return Message{}, err
		}
		for _, attachment := range env.Attachments {
			if err := writeAttachment(mw, attachment); err != nil {
				return Message{}, err
			}
		}
		if err := mw.Close(); err != nil {
			return Message{}, fmt.Errorf("close message writer: %w", err)
		}
	}

	return Message{
		From: env.From,
		To:   []string{env.To},
		Raw:  buf.Bytes(),
	}, nil
}

func writeInlineHTML(mw *mail.Writer, html string) error {
	iw, err := mw.CreateInline()
	if err != nil {
		return fmt.Errorf("create inline part: %w", err)
	}
	var th mail.InlineHeader
	th.SetContentType("text/html", map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(th)
	if err != nil {
		return fmt.Errorf("create html part: %w", err)
	}
	if err := writeAndClose(w, []byte(html)); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	if err := iw.Close(); err != nil {
		return fmt.Errorf("close inline part: %w", err)
	}
	return nil
}

func writeAttachment(mw *mail.Writer, attachment Attachment) error {
	filename := strings.TrimSpace(attachment.Filename)
	if filename == "" {
		filename = "attachment"
	}
	contentType := attachment.ContentType
	if contentType == "" {
		contentType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mediaType
	}

	var ah mail.AttachmentHeader
	ah.SetContentType(contentType, nil)
	ah.SetFilename(filename)
	w, err := mw.CreateAttachment(ah)
	if err != nil {
		return fmt.Errorf("create attachment %q: %w", filename, err)
	}
	if err := writeAndClose(w, attachment.Content); err != nil {
		return fmt.Errorf("write attachment %q: %w", filename, err)
	}
	return nil
}

func writeAndClose(w io.WriteCloser, data []byte) error {
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}
